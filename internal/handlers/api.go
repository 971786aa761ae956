package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
)

// APIHandler serves health and version endpoints
type APIHandler struct {
	storage  interfaces.StorageManager
	registry interfaces.SchemaRegistry
	embedder interfaces.EmbeddingClient
	logger   arbor.ILogger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(storage interfaces.StorageManager, registry interfaces.SchemaRegistry, embedder interfaces.EmbeddingClient, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		storage:  storage,
		registry: registry,
		embedder: embedder,
		logger:   logger,
	}
}

// HealthHandler reports service health
// GET /health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{
		"db":              "ok",
		"schema_registry": "ok",
	}
	healthy := true

	if err := h.storage.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	}
	if err := h.registry.Ping(ctx); err != nil {
		checks["schema_registry"] = err.Error()
		healthy = false
	}

	// Embedding availability is informational; the API degrades without it
	if h.embedder != nil {
		if h.embedder.IsAvailable(ctx) {
			checks["embedding_service"] = "ok"
		} else {
			checks["embedding_service"] = "unavailable"
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  state,
		"checks":  checks,
		"version": common.GetVersion(),
	})
}

// VersionHandler reports build information
// GET /version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}

// NotFoundHandler is the catch-all for unknown paths
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, &errorBody{Error: "not found"})
}
