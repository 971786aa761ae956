package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
)

// SearchHandler serves similarity search over vectorized job events
type SearchHandler struct {
	pipeline interfaces.VectorPipeline
	logger   arbor.ILogger
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(pipeline interfaces.VectorPipeline, logger arbor.ILogger) *SearchHandler {
	return &SearchHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

type searchRequest struct {
	Query   string            `json:"query"`
	TopK    int               `json:"top_k"`
	Filters map[string]string `json:"filters"`
}

// SearchHandler handles similarity search requests
// POST /search {"query": "...", "top_k": 10, "filters": {"job_id": "..."}}
func (h *SearchHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &errorBody{Error: "request body must be valid JSON"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	matches, err := h.pipeline.Search(r.Context(), req.Query, req.TopK, req.Filters)
	if err != nil {
		h.logger.Error().Err(err).Msg("Search failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"matches": matches,
		"count":   len(matches),
	})
}

// VectorizeHandler triggers vectorization of one job on demand
// POST /crew_job/{id}/vectorize is routed here with the ID extracted
func (h *SearchHandler) VectorizeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	count, err := h.pipeline.VectorizeJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Vectorization failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"chunks": count,
	})
}
