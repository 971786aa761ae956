package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/metrics"
	"github.com/sparkjar/crew-api/internal/models"
)

// maxPayloadBytes bounds an inbound job payload
const maxPayloadBytes = 1 << 20

// JobHandler handles crew job API requests
type JobHandler struct {
	jobStorage   interfaces.JobStorage
	eventStorage interfaces.EventStorage
	registry     interfaces.SchemaRegistry
	logger       arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobStorage interfaces.JobStorage, eventStorage interfaces.EventStorage, registry interfaces.SchemaRegistry, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobStorage:   jobStorage,
		eventStorage: eventStorage,
		registry:     registry,
		logger:       logger,
	}
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type validationResponse struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

// SubmitJobHandler accepts a new crew job
// POST /crew_job
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &errorBody{Error: "failed to read request body"})
		return
	}
	if !json.Valid(payload) {
		writeJSON(w, http.StatusBadRequest, &errorBody{Error: "request body must be valid JSON"})
		return
	}

	result, _, err := h.registry.Validate(ctx, payload, "")
	if err != nil {
		h.logger.Error().Err(err).Msg("Schema validation unavailable")
		writeError(w, err)
		return
	}
	if !result.Valid {
		writeJSON(w, http.StatusBadRequest, &validationResponse{
			Error:  "payload failed validation",
			Errors: result.Errors,
		})
		return
	}

	var core struct {
		JobKey       string `json:"job_key"`
		ClientUserID string `json:"client_user_id"`
		ActorType    string `json:"actor_type"`
		ActorID      string `json:"actor_id"`
	}
	// Core fields were just validated; an unmarshal failure here is a bug
	if err := json.Unmarshal(payload, &core); err != nil {
		writeJSON(w, http.StatusBadRequest, &errorBody{Error: "request body must be a JSON object"})
		return
	}

	job := models.NewJob(core.JobKey, payload, core.ClientUserID, models.ActorType(core.ActorType), core.ActorID)
	if err := h.jobStorage.CreateJob(ctx, job); err != nil {
		h.logger.Error().Err(err).Str("job_key", core.JobKey).Msg("Failed to create job")
		writeError(w, err)
		return
	}

	metrics.JobsCreated.Inc()
	h.logger.Info().
		Str("job_id", job.ID).
		Str("job_key", job.JobKey).
		Str("client_id", job.ClientID).
		Msg("Job queued")

	writeJSON(w, http.StatusOK, &submitResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

// JobRoutes dispatches /crew_job/{id} and /crew_job/{id}/...
func (h *JobHandler) JobRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts[0] == "crew_job"
	if len(parts) < 2 || parts[1] == "" {
		writeJSON(w, http.StatusBadRequest, &errorBody{Error: "job ID is required"})
		return
	}
	jobID := parts[1]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.getJob(w, r, jobID)
	case len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodGet:
		h.listEvents(w, r, jobID)
	case len(parts) == 3 && parts[2] == "cancel" && r.Method == http.MethodPost:
		h.cancelJob(w, r, jobID)
	default:
		methodNotAllowed(w)
	}
}

type jobDetailResponse struct {
	*models.Job
	Events []*models.JobEvent `json:"events"`
}

func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobStorage.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	eventLog, err := h.eventStorage.ListEvents(r.Context(), jobID, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &jobDetailResponse{Job: job, Events: eventLog})
}

func (h *JobHandler) listEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	sinceSeq := 0
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			sinceSeq = parsed
		}
	}

	// 404 for unknown jobs rather than an empty list
	if _, err := h.jobStorage.GetJob(ctx, jobID); err != nil {
		writeError(w, err)
		return
	}

	eventLog, err := h.eventStorage.ListEvents(ctx, jobID, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"events": eventLog,
		"count":  len(eventLog),
	})
}

func (h *JobHandler) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobStorage.RequestCancel(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("status", string(job.Status)).
		Bool("cancel_requested", job.CancelRequested).
		Msg("Cancel requested")

	writeJSON(w, http.StatusOK, job)
}

// ListJobsHandler returns a filtered list of jobs
// GET /crew_jobs?status=queued&client_id=...&job_key=...&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()

	limit := 50
	offset := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	opts := &interfaces.JobListOptions{
		Status:   r.URL.Query().Get("status"),
		ClientID: r.URL.Query().Get("client_id"),
		JobKey:   r.URL.Query().Get("job_key"),
		Limit:    limit,
		Offset:   offset,
	}

	jobs, err := h.jobStorage.ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, err)
		return
	}

	total, err := h.jobStorage.CountJobs(ctx, opts.Status)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count jobs")
		total = len(jobs)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}
