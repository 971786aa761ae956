package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// tokenRefreshMargin is how long before expiry a cached service token is
// considered stale.
const tokenRefreshMargin = 5 * time.Minute

// RemoteClient calls the external crew execution service over HTTP. Failures
// map onto the error taxonomy: unknown crew is handler_not_found, auth
// rejection is authorization, transport trouble and 5xx are
// remote_crew_unavailable, and a well-formed failure response is
// crew_execution.
type RemoteClient struct {
	baseURL string
	client  *http.Client
	auth    interfaces.AuthService
	breaker *gobreaker.CircuitBreaker
	logger  arbor.ILogger

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

type executeRequest struct {
	CrewName  string          `json:"crew_name"`
	Inputs    json.RawMessage `json:"inputs"`
	RequestID string          `json:"request_id"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewRemoteClient creates the crew execution service client
func NewRemoteClient(logger arbor.ILogger, config *common.DispatchConfig, auth interfaces.AuthService) *RemoteClient {
	timeout := common.ParseDurationOr(config.RequestTimeout, 60*time.Second)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-crew",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &RemoteClient{
		baseURL: config.RemoteURL,
		client:  &http.Client{Timeout: timeout},
		auth:    auth,
		breaker: breaker,
		logger:  logger,
	}
}

// ExecuteCrew runs a crew remotely and returns its result document
func (c *RemoteClient) ExecuteCrew(ctx context.Context, crewName string, inputs json.RawMessage, requestID string) (json.RawMessage, error) {
	body, err := json.Marshal(&executeRequest{
		CrewName:  crewName,
		Inputs:    inputs,
		RequestID: requestID,
	})
	if err != nil {
		return nil, models.WrapCrewError(models.ErrValidation, "failed to encode crew request", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		out, err := c.doExecute(ctx, body, requestID)
		if err != nil && models.Categorize(err) == models.ErrAuthorization {
			// A single reload covers token rotation on the crew service side
			c.invalidateToken()
			out, err = c.doExecute(ctx, body, requestID)
		}
		return out, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "crew service circuit open", err)
		}
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *RemoteClient) doExecute(ctx context.Context, body []byte, requestID string) (json.RawMessage, error) {
	token, err := c.serviceToken()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute_crew", bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "failed to build crew request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "crew service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "failed to read crew response", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.NewCrewError(models.ErrHandlerNotFound, "crew service does not know this crew")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewCrewError(models.ErrAuthorization, "crew service rejected credentials")
	case resp.StatusCode >= 500:
		return nil, models.NewCrewError(models.ErrRemoteUnavailable,
			fmt.Sprintf("crew service returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, models.NewCrewError(models.ErrCrewExecution,
			fmt.Sprintf("crew service returned %d", resp.StatusCode))
	}

	var parsed executeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, models.WrapCrewError(models.ErrCrewExecution, "malformed crew response", err)
	}
	if !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = "crew reported failure without detail"
		}
		return nil, models.NewCrewError(models.ErrCrewExecution, msg)
	}

	return parsed.Result, nil
}

// ListCrews returns the crew names the remote service can execute
func (c *RemoteClient) ListCrews(ctx context.Context) ([]string, error) {
	token, err := c.serviceToken()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/crews", nil)
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "failed to build crews request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "crew service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewCrewError(models.ErrRemoteUnavailable,
			fmt.Sprintf("crew service returned %d", resp.StatusCode))
	}

	var parsed struct {
		AvailableCrews map[string]json.RawMessage `json:"available_crews"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "malformed crews response", err)
	}

	names := make([]string, 0, len(parsed.AvailableCrews))
	for name := range parsed.AvailableCrews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Health probes the crew service health endpoint
func (c *RemoteClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return models.WrapCrewError(models.ErrRemoteUnavailable, "failed to build health request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return models.WrapCrewError(models.ErrRemoteUnavailable, "crew service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.NewCrewError(models.ErrRemoteUnavailable,
			fmt.Sprintf("crew service health returned %d", resp.StatusCode))
	}
	return nil
}

func (c *RemoteClient) invalidateToken() {
	c.mu.Lock()
	c.cachedToken = ""
	c.mu.Unlock()
}

// serviceToken returns a cached service token, minting a fresh one when the
// cached token is within the refresh margin of expiry.
func (c *RemoteClient) serviceToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.cachedToken, nil
	}

	token, err := c.auth.MintInternalToken("crew-api", []string{c.auth.RequiredScope()})
	if err != nil {
		return "", err
	}

	claims, err := c.auth.VerifyToken(token)
	if err != nil {
		return "", err
	}

	c.cachedToken = token
	c.tokenExpiry = claims.ExpiresAt
	return token, nil
}
