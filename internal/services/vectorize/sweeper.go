package vectorize

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// sweepBatchLimit bounds how many jobs one sweep pass inspects
const sweepBatchLimit = 200

// Sweeper runs the vectorization pipeline over finalized jobs on a cron
// schedule. Jobs that already have chunks are skipped unless their chunks
// are degraded, in which case the sweep retries them against a recovered
// embedding service.
type Sweeper struct {
	pipeline *Pipeline
	storage  interfaces.StorageManager
	logger   arbor.ILogger
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates the vectorization sweeper
func NewSweeper(logger arbor.ILogger, config *common.Config, storage interfaces.StorageManager, pipeline *Pipeline) *Sweeper {
	return &Sweeper{
		pipeline: pipeline,
		storage:  storage,
		logger:   logger,
		schedule: config.Vectorize.Schedule,
	}
}

// Start schedules the sweep
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("Vectorization sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep vectorizes finalized jobs that have no chunks yet or only degraded
// chunks. Returns the number of jobs processed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	processed := 0
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed} {
		jobs, err := s.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
			Status: string(status),
			Limit:  sweepBatchLimit,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Sweep job listing failed")
			return processed
		}

		for _, job := range jobs {
			if ctx.Err() != nil {
				return processed
			}
			if !s.needsVectorization(ctx, job.ID) {
				continue
			}
			if _, err := s.pipeline.VectorizeJob(ctx, job.ID); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Sweep vectorization failed")
				continue
			}
			processed++
		}
	}
	return processed
}

func (s *Sweeper) needsVectorization(ctx context.Context, jobID string) bool {
	records, err := s.storage.VectorStorage().GetBySource(ctx, SourceTable, jobID)
	if err != nil {
		return false
	}
	if len(records) == 0 {
		return true
	}
	for _, rec := range records {
		if degraded, ok := rec.Metadata["embedding_degraded"].(bool); ok && degraded {
			return true
		}
	}
	return false
}
