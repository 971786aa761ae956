package badger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// JobStorage implements the JobStorage interface for Badger. All state
// transitions run under the shared transition lock so concurrent claims and
// finalizations have exactly one winner, and the prior-status check is never
// racy against another worker in the same process.
type JobStorage struct {
	db     *BadgerDB
	mu     *sync.Mutex
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance. The mutex is shared with
// the event storage so event seq assignment sees a stable job row.
func NewJobStorage(db *BadgerDB, mu *sync.Mutex, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		mu:     mu,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return models.WrapCrewError(models.ErrValidation, "invalid job", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status != models.JobStatusQueued {
		return models.NewCrewError(models.ErrInvalidTransition, "jobs are created only in queued")
	}

	// job_created is part of the creation; the job row carries NextSeq=2
	// so the first handler-emitted event follows without a gap.
	created := models.NewJobEvent(job.ID, 1, models.EventJobCreated, mustMarshal(map[string]interface{}{
		"job_key":    job.JobKey,
		"client_id":  job.ClientID,
		"actor_type": job.ActorType,
		"actor_id":   job.ActorID,
	}))
	job.NextSeq = 2

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.NewCrewError(models.ErrDuplicate, "job already exists: "+job.ID)
		}
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to insert job", err)
	}
	if err := s.db.Store().Insert(created.Key, created); err != nil {
		// Creation is atomic from the caller's view; undo the job row.
		_ = s.db.Store().Delete(job.ID, &models.Job{})
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to insert job_created event", err)
	}

	return nil
}

func (s *JobStorage) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusQueued).SortBy("QueuedAt")
	if err := s.db.Store().Find(&candidates, query); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to query queued jobs", err)
	}

	for i := range candidates {
		job := candidates[i]
		if job.QueuedAt.After(now) || job.NotBefore.After(now) {
			continue
		}

		// Conditional transition queued -> running
		started := now
		job.Status = models.JobStatusRunning
		job.StartedAt = &started
		job.Attempts++

		if err := s.db.Store().Update(job.ID, &job); err != nil {
			return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to claim job", err)
		}

		s.logger.Debug().
			Str("job_id", job.ID).
			Str("worker_id", workerID).
			Int("attempts", job.Attempts).
			Msg("Job claimed")

		return &job, nil
	}

	return nil, nil
}

func (s *JobStorage) FinalizeJob(ctx context.Context, jobID string, status models.JobStatus, result json.RawMessage, errMsg string) error {
	switch status {
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
	default:
		return models.NewCrewError(models.ErrInvalidTransition, "finalize requires a terminal status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJobLocked(jobID)
	if err != nil {
		return err
	}

	if job.Status != models.JobStatusRunning {
		return models.NewCrewError(models.ErrInvalidTransition,
			"finalize requires status running, job is "+string(job.Status))
	}

	now := time.Now().UTC()
	job.Status = status
	job.FinishedAt = &now
	if status == models.JobStatusCompleted {
		job.Result = result
		job.LastError = ""
	} else {
		job.Result = nil
		job.LastError = errMsg
	}

	if err := s.db.Store().Update(job.ID, job); err != nil {
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to finalize job", err)
	}
	return nil
}

func (s *JobStorage) RequeueJob(ctx context.Context, jobID string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJobLocked(jobID)
	if err != nil {
		return err
	}

	if job.Status != models.JobStatusRunning {
		return models.NewCrewError(models.ErrInvalidTransition,
			"requeue requires status running, job is "+string(job.Status))
	}

	job.Status = models.JobStatusQueued
	job.NotBefore = notBefore
	job.StartedAt = nil

	if err := s.db.Store().Update(job.ID, job); err != nil {
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to requeue job", err)
	}
	return nil
}

func (s *JobStorage) RequestCancel(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJobLocked(jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusQueued:
		// Direct transition, no running in between. The log still closes
		// with job_finalized.
		now := time.Now().UTC()
		job.Status = models.JobStatusCancelled
		job.FinishedAt = &now
		job.LastError = "cancelled by caller"

		finalized := models.NewJobEvent(job.ID, job.NextSeq, models.EventJobFinalized, mustMarshal(map[string]interface{}{
			"status":   string(models.JobStatusCancelled),
			"attempts": job.Attempts,
		}))
		if err := s.db.Store().Insert(finalized.Key, finalized); err != nil {
			return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to insert job_finalized event", err)
		}
		job.NextSeq++

		if err := s.db.Store().Update(job.ID, job); err != nil {
			_ = s.db.Store().Delete(finalized.Key, &models.JobEvent{})
			return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to request cancel", err)
		}
		return job, nil
	case models.JobStatusRunning:
		job.CancelRequested = true
	default:
		return nil, models.NewCrewError(models.ErrInvalidTransition,
			"job is already terminal: "+string(job.Status))
	}

	if err := s.db.Store().Update(job.ID, job); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to request cancel", err)
	}
	return job, nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewCrewError(models.ErrNotFound, "job not found: "+jobID)
		}
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to get job", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.ClientID != "" {
			query = query.And("ClientID").Eq(opts.ClientID)
		}
		if opts.JobKey != "" {
			query = query.And("JobKey").Eq(opts.JobKey)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("QueuedAt").Reverse()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to list jobs", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, status string) (int, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(models.JobStatus(status))
	}
	count, err := s.db.Store().Count(&models.Job{}, query)
	if err != nil {
		return 0, models.WrapCrewError(models.ErrStoreUnavailable, "failed to count jobs", err)
	}
	return int(count), nil
}

func (s *JobStorage) StaleRunningJobs(ctx context.Context, startedBefore time.Time) ([]*models.Job, error) {
	var jobs []models.Job
	err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusRunning))
	if err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to query stale jobs", err)
	}

	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if jobs[i].StartedAt != nil && jobs[i].StartedAt.Before(startedBefore) {
			result = append(result, &jobs[i])
		}
	}
	return result, nil
}

func (s *JobStorage) getJobLocked(jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewCrewError(models.ErrNotFound, "job not found: "+jobID)
		}
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to get job", err)
	}
	return &job, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
