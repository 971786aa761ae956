package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
	"github.com/sparkjar/crew-api/internal/services/auth"
)

type nullSink struct {
	mu     sync.Mutex
	events []models.EventType
}

func (s *nullSink) Emit(ctx context.Context, eventType models.EventType, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	return nil
}

type stubHandler struct {
	name   string
	result json.RawMessage
	err    error
}

func (h *stubHandler) Metadata() interfaces.HandlerMetadata {
	return interfaces.HandlerMetadata{Name: h.name, Version: "0.0.1"}
}

func (h *stubHandler) Execute(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	return h.result, h.err
}

func newTestAuth(t *testing.T) interfaces.AuthService {
	t.Helper()
	svc, err := auth.NewService(common.GetLogger(), &common.AuthConfig{
		Secret:        "test-secret",
		RequiredScope: "sparkjar_internal",
		TokenTTL:      "30m",
	})
	require.NoError(t, err)
	return svc
}

func newRemoteClient(t *testing.T, serverURL string) *RemoteClient {
	t.Helper()
	return NewRemoteClient(common.GetLogger(), &common.DispatchConfig{
		RemoteURL:      serverURL,
		RequestTimeout: "2s",
	}, newTestAuth(t))
}

func testRequest() *interfaces.CrewRequest {
	return &interfaces.CrewRequest{
		JobID:     "job-1",
		JobKey:    "hello_crew",
		ClientID:  "client-1",
		ActorType: models.ActorTypeSynth,
		ActorID:   "actor-1",
		Payload:   json.RawMessage(`{"topic":"test"}`),
	}
}

func TestExecuteCrewSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute_crew", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "job-1", r.Header.Get("X-Request-ID"))

		var req executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello_crew", req.CrewName)

		_ = json.NewEncoder(w).Encode(&executeResponse{
			Success: true,
			Result:  json.RawMessage(`{"greeting":"hi"}`),
		})
	}))
	defer server.Close()

	client := newRemoteClient(t, server.URL)
	result, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(result))
}

func TestExecuteCrewErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		category models.ErrorCategory
	}{
		{"unknown crew", http.StatusNotFound, "", models.ErrHandlerNotFound},
		{"bad credentials", http.StatusUnauthorized, "", models.ErrAuthorization},
		{"forbidden", http.StatusForbidden, "", models.ErrAuthorization},
		{"server error", http.StatusInternalServerError, "", models.ErrRemoteUnavailable},
		{"bad gateway", http.StatusBadGateway, "", models.ErrRemoteUnavailable},
		{"reported failure", http.StatusOK, `{"success":false,"error":"crew blew up"}`, models.ErrCrewExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer server.Close()

			client := newRemoteClient(t, server.URL)
			_, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
			require.Error(t, err)
			assert.Equal(t, tt.category, models.Categorize(err))
		})
	}
}

func TestExecuteCrewUnreachable(t *testing.T) {
	client := newRemoteClient(t, "http://127.0.0.1:1")
	_, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
	require.Error(t, err)
	assert.Equal(t, models.ErrRemoteUnavailable, models.Categorize(err))
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newRemoteClient(t, server.URL)
	for i := 0; i < 5; i++ {
		_, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
		require.Error(t, err)
	}

	// Breaker is open now; the failure is still remote_crew_unavailable
	_, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
	require.Error(t, err)
	assert.Equal(t, models.ErrRemoteUnavailable, models.Categorize(err))
}

func TestServiceTokenCached(t *testing.T) {
	var tokens []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.Header.Get("Authorization"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(&executeResponse{Success: true, Result: json.RawMessage(`{}`)})
	}))
	defer server.Close()

	client := newRemoteClient(t, server.URL)
	for i := 0; i < 3; i++ {
		_, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
		require.NoError(t, err)
	}

	require.Len(t, tokens, 3)
	assert.Equal(t, tokens[0], tokens[1])
	assert.Equal(t, tokens[1], tokens[2])
}

func TestTokenReloadRetryOnAuthRejection(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(&executeResponse{Success: true, Result: json.RawMessage(`{}`)})
	}))
	defer server.Close()

	client := newRemoteClient(t, server.URL)
	_, err := client.ExecuteCrew(context.Background(), "hello_crew", json.RawMessage(`{}`), "job-1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "a 401 should trigger exactly one token reload retry")
}

func TestRegistryResolution(t *testing.T) {
	registry := NewRegistry(common.GetLogger())
	hello := &stubHandler{name: "hello_crew"}
	generic := &stubHandler{name: "gen_crew"}
	registry.Register("hello_crew", hello)
	registry.RegisterGeneric(generic)

	handler, ok := registry.Resolve("hello_crew", models.ObjectTypeCrew)
	require.True(t, ok)
	assert.Equal(t, "hello_crew", handler.Metadata().Name)

	handler, ok = registry.Resolve("custom_crew", models.ObjectTypeGenCrew)
	require.True(t, ok)
	assert.Equal(t, "gen_crew", handler.Metadata().Name)

	_, ok = registry.Resolve("custom_crew", models.ObjectTypeCrew)
	assert.False(t, ok)
}

func TestDispatchLocalOnly(t *testing.T) {
	registry := NewRegistry(common.GetLogger())
	registry.Register("hello_crew", &stubHandler{name: "hello_crew", result: json.RawMessage(`{"ok":true}`)})

	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{UseRemoteCrews: false},
		&common.EngineConfig{DefaultMaxWallTime: "10m"},
		registry, nil)

	result, err := dispatcher.Dispatch(context.Background(), testRequest(), &nullSink{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestDispatchUnknownJobKey(t *testing.T) {
	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{UseRemoteCrews: false},
		&common.EngineConfig{DefaultMaxWallTime: "10m"},
		NewRegistry(common.GetLogger()), nil)

	_, err := dispatcher.Dispatch(context.Background(), testRequest(), &nullSink{})
	require.Error(t, err)
	assert.Equal(t, models.ErrHandlerNotFound, models.Categorize(err))
}

func TestDispatchFallsBackToLocal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	registry := NewRegistry(common.GetLogger())
	registry.Register("hello_crew", &stubHandler{name: "hello_crew", result: json.RawMessage(`{"local":true}`)})

	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{UseRemoteCrews: true, FallbackToLocal: true, RemoteURL: server.URL, RequestTimeout: "2s"},
		&common.EngineConfig{DefaultMaxWallTime: "10m"},
		registry, newRemoteClient(t, server.URL))

	sink := &nullSink{}
	result, err := dispatcher.Dispatch(context.Background(), testRequest(), sink)
	require.NoError(t, err)
	assert.JSONEq(t, `{"local":true}`, string(result))
	// Fallback is visible in the event log
	assert.Contains(t, sink.events, models.EventCrewMessage)
}

func TestFallbackOnRemoteOutageOnlyOnFinalAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	registry := NewRegistry(common.GetLogger())
	registry.Register("hello_crew", &stubHandler{name: "hello_crew", result: json.RawMessage(`{"local":true}`)})

	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{UseRemoteCrews: true, FallbackToLocal: true, RemoteURL: server.URL, RequestTimeout: "2s"},
		&common.EngineConfig{DefaultMaxWallTime: "10m", MaxAttempts: 3},
		registry, newRemoteClient(t, server.URL))

	// Earlier attempts surface the outage so the engine retries remotely
	req := testRequest()
	req.Attempt = 1
	_, err := dispatcher.Dispatch(context.Background(), req, &nullSink{})
	require.Error(t, err)
	assert.Equal(t, models.ErrRemoteUnavailable, models.Categorize(err))

	// The final attempt runs locally and records the remote failure
	req.Attempt = 3
	sink := &nullSink{}
	result, err := dispatcher.Dispatch(context.Background(), req, sink)
	require.NoError(t, err)
	assert.JSONEq(t, `{"local":true}`, string(result))
	assert.Contains(t, sink.events, models.EventError)
	assert.Contains(t, sink.events, models.EventCrewMessage)
}

func TestDispatchNoFallbackOnCrewExecutionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&executeResponse{Success: false, Error: "crew blew up"})
	}))
	defer server.Close()

	registry := NewRegistry(common.GetLogger())
	registry.Register("hello_crew", &stubHandler{name: "hello_crew", result: json.RawMessage(`{"local":true}`)})

	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{UseRemoteCrews: true, FallbackToLocal: true, RemoteURL: server.URL, RequestTimeout: "2s"},
		&common.EngineConfig{DefaultMaxWallTime: "10m"},
		registry, newRemoteClient(t, server.URL))

	_, err := dispatcher.Dispatch(context.Background(), testRequest(), &nullSink{})
	require.Error(t, err)
	assert.Equal(t, models.ErrCrewExecution, models.Categorize(err))
}

func TestDispatchNoFallbackWhenDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	registry := NewRegistry(common.GetLogger())
	registry.Register("hello_crew", &stubHandler{name: "hello_crew"})

	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{UseRemoteCrews: true, FallbackToLocal: false, RemoteURL: server.URL, RequestTimeout: "2s"},
		&common.EngineConfig{DefaultMaxWallTime: "10m"},
		registry, newRemoteClient(t, server.URL))

	_, err := dispatcher.Dispatch(context.Background(), testRequest(), &nullSink{})
	require.Error(t, err)
	assert.Equal(t, models.ErrHandlerNotFound, models.Categorize(err))
}

func TestMaxWallTime(t *testing.T) {
	registry := NewRegistry(common.GetLogger())
	registry.Register("slow_crew", &stubHandlerWithWallTime{})

	dispatcher := NewDispatcher(common.GetLogger(),
		&common.DispatchConfig{},
		&common.EngineConfig{DefaultMaxWallTime: "10m"},
		registry, nil)

	assert.Equal(t, "30m0s", dispatcher.MaxWallTime("slow_crew", models.ObjectTypeCrew).String())
	assert.Equal(t, "10m0s", dispatcher.MaxWallTime("unknown_crew", models.ObjectTypeCrew).String())
}

type stubHandlerWithWallTime struct{}

func (h *stubHandlerWithWallTime) Metadata() interfaces.HandlerMetadata {
	return interfaces.HandlerMetadata{Name: "slow_crew", MaxWallTime: 30 * time.Minute}
}

func (h *stubHandlerWithWallTime) Execute(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	return nil, nil
}
