package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/metrics"
	"github.com/sparkjar/crew-api/internal/models"
	"github.com/sparkjar/crew-api/internal/services/events"
)

// cancelPollInterval is how often a running execution checks the job's
// cooperative cancel flag.
const cancelPollInterval = time.Second

// Engine drives queued jobs through execution. A fixed pool of workers polls
// the store for claimable jobs; each claim runs the dispatcher under a
// wall-time bound, then finalizes or requeues the job. Retries use
// exponential backoff with full jitter, materialized as a NotBefore delay so
// no worker ever sleeps holding a job.
type Engine struct {
	storage      interfaces.StorageManager
	dispatcher   interfaces.Dispatcher
	logger       arbor.ILogger
	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffCap   time.Duration
	emitDeadline time.Duration
	staleCutoff  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine from configuration
func New(logger arbor.ILogger, config *common.Config, storage interfaces.StorageManager, dispatcher interfaces.Dispatcher) *Engine {
	maxWallTime := common.ParseDurationOr(config.Engine.DefaultMaxWallTime, 10*time.Minute)
	staleGrace := common.ParseDurationOr(config.Engine.StaleGrace, 5*time.Minute)

	return &Engine{
		storage:      storage,
		dispatcher:   dispatcher,
		logger:       logger,
		concurrency:  config.Engine.Concurrency,
		pollInterval: common.ParseDurationOr(config.Engine.PollInterval, 500*time.Millisecond),
		maxAttempts:  config.Engine.MaxAttempts,
		backoffBase:  common.ParseDurationOr(config.Engine.BackoffBase, time.Second),
		backoffCap:   common.ParseDurationOr(config.Engine.BackoffCap, 30*time.Second),
		emitDeadline: common.ParseDurationOr(config.Events.EmitDeadline, 10*time.Second),
		staleCutoff:  maxWallTime + staleGrace,
	}
}

// Start launches the worker pool and the stale job detector
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.concurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(runCtx, fmt.Sprintf("worker-%d", i))
	}

	e.wg.Add(1)
	go e.staleDetectorLoop(runCtx)

	e.logger.Info().
		Int("concurrency", e.concurrency).
		Str("poll_interval", e.pollInterval.String()).
		Msg("Engine started")
}

// Stop signals all workers and waits for in-flight executions to settle
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info().Msg("Engine stopped")
}

func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before waiting on the ticker
		for {
			job, err := e.storage.JobStorage().ClaimNextJob(ctx, workerID, time.Now().UTC())
			if err != nil {
				e.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Claim failed")
				break
			}
			if job == nil {
				break
			}
			e.runJob(ctx, workerID, job)

			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) runJob(ctx context.Context, workerID string, job *models.Job) {
	start := time.Now()
	objectType := models.ObjectTypeCrew
	schema := e.resolveSchema(ctx, job)
	if schema != nil {
		objectType = schema.ObjectType
	}

	wallTime := e.dispatcher.MaxWallTime(job.JobKey, objectType)
	execCtx, cancelExec := context.WithTimeout(ctx, wallTime)
	defer cancelExec()

	cancelled := e.watchCancelFlag(execCtx, cancelExec, job.ID)

	sink := events.NewSink(job.ID, e.storage.EventStorage(), e.emitDeadline, e.logger)
	req := &interfaces.CrewRequest{
		JobID:     job.ID,
		JobKey:    job.JobKey,
		ClientID:  job.ClientID,
		ActorType: job.ActorType,
		ActorID:   job.ActorID,
		Payload:   job.Payload,
		Attempt:   job.Attempts,
		Schema:    schema,
	}

	result, execErr := e.dispatcher.Dispatch(execCtx, req, sink)
	cancelExec()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	e.logger.Info().
		Str("job_id", job.ID).
		Str("job_key", job.JobKey).
		Str("worker_id", workerID).
		Str("elapsed", time.Since(start).String()).
		Bool("success", execErr == nil).
		Msg("Job execution finished")

	// Finalization events go through a fresh context; the execution context
	// may already be dead.
	finalizeCtx, cancelFinalize := context.WithTimeout(context.Background(), e.emitDeadline)
	defer cancelFinalize()

	if execErr == nil {
		// A cancel that lands just before the handler returns can slip past
		// the poll ticker; the result is discarded either way.
		if wasCancelled(cancelled) || e.cancelRequested(finalizeCtx, job.ID) {
			e.finalize(finalizeCtx, sink, job, models.JobStatusCancelled, nil, "cancelled by caller")
			return
		}
		e.finalize(finalizeCtx, sink, job, models.JobStatusCompleted, result, "")
		return
	}

	if wasCancelled(cancelled) {
		e.finalize(finalizeCtx, sink, job, models.JobStatusCancelled, nil, "cancelled by caller")
		return
	}

	category := models.Categorize(execErr)
	if errors.Is(execErr, context.DeadlineExceeded) {
		category = models.ErrDeadlineExceeded
		execErr = models.WrapCrewError(category,
			fmt.Sprintf("execution exceeded the %s wall-time budget", wallTime), execErr)
	}

	_ = sink.Emit(finalizeCtx, models.EventError, &models.ErrorEventData{
		Class:    "handler",
		Message:  execErr.Error(),
		Category: string(category),
	})

	if models.IsRetryable(execErr) && job.Attempts < e.maxAttempts {
		delay := e.backoffDelay(job.Attempts)
		e.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Str("delay", delay.String()).
			Str("category", string(category)).
			Msg("Retryable failure, requeueing")

		if err := e.storage.JobStorage().RequeueJob(finalizeCtx, job.ID, time.Now().UTC().Add(delay)); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Requeue failed")
		}
		return
	}

	e.finalize(finalizeCtx, sink, job, models.JobStatusFailed, nil, execErr.Error())
}

func (e *Engine) finalize(ctx context.Context, sink interfaces.EventSink, job *models.Job, status models.JobStatus, result []byte, errMsg string) {
	_ = sink.Emit(ctx, models.EventJobFinalized, map[string]interface{}{
		"status":   string(status),
		"attempts": job.Attempts,
	})

	metrics.JobsFinalized.WithLabelValues(string(status)).Inc()
	if err := e.storage.JobStorage().FinalizeJob(ctx, job.ID, status, result, errMsg); err != nil {
		// A concurrent cancel can win the transition race; anything else is
		// worth a loud log line.
		if models.Categorize(err) != models.ErrInvalidTransition {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Finalize failed")
		}
	}
}

// watchCancelFlag polls the job's cooperative cancel flag and cancels the
// execution context when set. The returned channel reports whether a cancel
// was observed.
func (e *Engine) watchCancelFlag(ctx context.Context, cancelExec context.CancelFunc, jobID string) <-chan bool {
	observed := make(chan bool, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				observed <- false
				return
			case <-ticker.C:
				job, err := e.storage.JobStorage().GetJob(ctx, jobID)
				if err != nil {
					continue
				}
				if job.CancelRequested {
					observed <- true
					cancelExec()
					return
				}
			}
		}
	}()

	return observed
}

// cancelRequested re-reads the job's cooperative cancel flag from the store
func (e *Engine) cancelRequested(ctx context.Context, jobID string) bool {
	job, err := e.storage.JobStorage().GetJob(ctx, jobID)
	return err == nil && job.CancelRequested
}

func wasCancelled(observed <-chan bool) bool {
	select {
	case v := <-observed:
		return v
	default:
		return false
	}
}

// backoffDelay computes the next retry delay: exponential in the attempt
// count, capped, with full jitter.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	max := e.backoffBase << uint(attempts-1)
	if max > e.backoffCap || max <= 0 {
		max = e.backoffCap
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func (e *Engine) resolveSchema(ctx context.Context, job *models.Job) *models.SchemaDescriptor {
	schema, err := e.storage.SchemaStorage().GetActiveSchema(ctx, job.JobKey,
		models.ObjectTypeCrew, models.ObjectTypeGenCrew)
	if err != nil {
		return nil
	}
	return schema
}

func (e *Engine) staleDetectorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapStaleJobs(ctx)
		}
	}
}

// reapStaleJobs fails running jobs whose StartedAt predates the wall-time
// budget plus grace. These are jobs orphaned by a crash; a live worker's
// deadline would have fired first.
func (e *Engine) reapStaleJobs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.staleCutoff)
	stale, err := e.storage.JobStorage().StaleRunningJobs(ctx, cutoff)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Stale job scan failed")
		return
	}

	for _, job := range stale {
		e.logger.Warn().
			Str("job_id", job.ID).
			Str("started_at", job.StartedAt.Format(time.RFC3339)).
			Msg("Reaping stale running job")

		sink := events.NewSink(job.ID, e.storage.EventStorage(), e.emitDeadline, e.logger)
		e.finalize(ctx, sink, job, models.JobStatusFailed, nil,
			"abandoned: no progress past the wall-time budget")
	}
}
