package vectorize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/models"
)

// HTTPEmbeddingClient calls the external embedding service. Requests pass
// through a rate limiter and retry transient failures with exponential
// backoff before giving up.
type HTTPEmbeddingClient struct {
	baseURL     string
	model       string
	dimension   int
	maxAttempts int
	backoffBase time.Duration
	client      *http.Client
	limiter     *rate.Limiter
	logger      arbor.ILogger
}

type embeddingRequest struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model"`
}

// NewHTTPEmbeddingClient creates the embedding service client
func NewHTTPEmbeddingClient(logger arbor.ILogger, config *common.EmbeddingConfig) *HTTPEmbeddingClient {
	interval := common.ParseDurationOr(config.RateLimit, 100*time.Millisecond)
	timeout := common.ParseDurationOr(config.RequestTimeout, 30*time.Second)

	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}

	return &HTTPEmbeddingClient{
		baseURL:     config.URL,
		model:       config.Model,
		dimension:   config.Dimension,
		maxAttempts: maxAttempts,
		backoffBase: common.ParseDurationOr(config.BackoffBase, time.Second),
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		logger:      logger,
	}
}

// EmbedBatch returns one vector per input text
func (c *HTTPEmbeddingClient) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, models.WrapCrewError(models.ErrDeadlineExceeded, "embedding rate wait", err)
		}

		vectors, err := c.embed(ctx, inputs)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !models.IsRetryable(err) {
			return nil, err
		}

		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("inputs", len(inputs)).
			Msg("Embedding request failed")

		if attempt < c.maxAttempts {
			backoff := c.retryDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, models.WrapCrewError(models.ErrDeadlineExceeded, "embedding retry abandoned", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

// retryDelay doubles per failed attempt starting from the configured base
func (c *HTTPEmbeddingClient) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.backoffBase << uint(attempt-1)
}

func (c *HTTPEmbeddingClient) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(&embeddingRequest{Inputs: inputs, Model: c.model})
	if err != nil {
		return nil, models.WrapCrewError(models.ErrValidation, "failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "embedding service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "failed to read embedding response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, models.NewCrewError(models.ErrRemoteUnavailable,
			fmt.Sprintf("embedding service returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, models.NewCrewError(models.ErrCrewExecution,
			fmt.Sprintf("embedding service returned %d", resp.StatusCode))
	}

	// The service answers with one vector per input, as a bare array
	var vectors [][]float32
	if err := json.Unmarshal(respBody, &vectors); err != nil {
		return nil, models.WrapCrewError(models.ErrRemoteUnavailable, "malformed embedding response", err)
	}
	if len(vectors) != len(inputs) {
		return nil, models.NewCrewError(models.ErrRemoteUnavailable,
			fmt.Sprintf("embedding service returned %d vectors for %d inputs", len(vectors), len(inputs)))
	}
	for i, vector := range vectors {
		if c.dimension > 0 && len(vector) != c.dimension {
			return nil, models.NewCrewError(models.ErrCrewExecution,
				fmt.Sprintf("embedding %d has dimension %d, configured %d", i, len(vector), c.dimension))
		}
	}
	return vectors, nil
}

// Model returns the configured embedding model name
func (c *HTTPEmbeddingClient) Model() string {
	return c.model
}

// Dimension returns the configured vector dimension
func (c *HTTPEmbeddingClient) Dimension() int {
	return c.dimension
}

// IsAvailable probes the embedding service
func (c *HTTPEmbeddingClient) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
