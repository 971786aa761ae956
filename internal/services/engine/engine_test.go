package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
	"github.com/sparkjar/crew-api/internal/storage"
)

type scriptedDispatcher struct {
	mu         sync.Mutex
	calls      int
	failFor    int                   // fail this many calls before succeeding
	err        error                 // error returned while failing
	blockCtx   bool                  // block until the execution context dies
	selfCancel interfaces.JobStorage // cancel the own job right before returning
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls++
	calls := d.calls
	d.mu.Unlock()

	if d.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if calls <= d.failFor {
		return nil, d.err
	}

	if d.selfCancel != nil {
		if _, err := d.selfCancel.RequestCancel(ctx, req.JobID); err != nil {
			return nil, err
		}
	}

	_ = sink.Emit(ctx, models.EventAgentStep, &models.AgentStepData{Agent: "a", Task: "t"})
	return json.RawMessage(`{"done":true}`), nil
}

func (d *scriptedDispatcher) MaxWallTime(jobKey string, objectType models.ObjectType) time.Duration {
	return 2 * time.Second
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestEngine(t *testing.T, dispatcher interfaces.Dispatcher) (*Engine, interfaces.StorageManager) {
	t.Helper()
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = t.TempDir() + "/data"
	config.Engine.Concurrency = 2
	config.Engine.PollInterval = "20ms"
	config.Engine.MaxAttempts = 3
	config.Engine.BackoffBase = "10ms"
	config.Engine.BackoffCap = "50ms"

	mgr, err := storage.NewManager(common.GetLogger(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	return New(common.GetLogger(), config, mgr, dispatcher), mgr
}

func enqueueJob(t *testing.T, mgr interfaces.StorageManager) *models.Job {
	t.Helper()
	job := models.NewJob("hello_crew", json.RawMessage(`{"topic":"test"}`), "client-1", models.ActorTypeSynth, "actor-1")
	require.NoError(t, mgr.JobStorage().CreateJob(context.Background(), job))
	return job
}

func waitForStatus(t *testing.T, mgr interfaces.StorageManager, jobID string, want models.JobStatus, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := mgr.JobStorage().GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := mgr.JobStorage().GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, stuck at %s", jobID, want, job.Status)
	return nil
}

func TestEngineCompletesJob(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	engine, mgr := newTestEngine(t, dispatcher)
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	done := waitForStatus(t, mgr, job.ID, models.JobStatusCompleted, 3*time.Second)
	assert.JSONEq(t, `{"done":true}`, string(done.Result))
	assert.Equal(t, 1, done.Attempts)
	require.NotNil(t, done.FinishedAt)

	events, err := mgr.EventStorage().ListEvents(context.Background(), job.ID, 0)
	require.NoError(t, err)
	types := make([]models.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	assert.Equal(t, []models.EventType{models.EventJobCreated, models.EventAgentStep, models.EventJobFinalized}, types)
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		failFor: 2,
		err:     models.NewCrewError(models.ErrRemoteUnavailable, "crew service down"),
	}
	engine, mgr := newTestEngine(t, dispatcher)
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	done := waitForStatus(t, mgr, job.ID, models.JobStatusCompleted, 5*time.Second)
	assert.Equal(t, 3, done.Attempts)
	assert.GreaterOrEqual(t, dispatcher.callCount(), 3)
}

func TestEngineExhaustsRetryBudget(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		failFor: 100,
		err:     models.NewCrewError(models.ErrRemoteUnavailable, "crew service down"),
	}
	engine, mgr := newTestEngine(t, dispatcher)
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	done := waitForStatus(t, mgr, job.ID, models.JobStatusFailed, 5*time.Second)
	assert.Equal(t, 3, done.Attempts)
	assert.Contains(t, done.LastError, "crew service down")
}

func TestEngineFailsFastOnFinalError(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		failFor: 100,
		err:     models.NewCrewError(models.ErrCrewExecution, "bad step"),
	}
	engine, mgr := newTestEngine(t, dispatcher)
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	done := waitForStatus(t, mgr, job.ID, models.JobStatusFailed, 3*time.Second)
	assert.Equal(t, 1, done.Attempts, "crew_execution is not retryable")

	events, err := mgr.EventStorage().ListEvents(context.Background(), job.ID, 0)
	require.NoError(t, err)
	var sawError bool
	for _, ev := range events {
		if ev.EventType == models.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError, "failure must land in the event log")
}

func TestEngineWallTimeBudget(t *testing.T) {
	dispatcher := &scriptedDispatcher{blockCtx: true}
	engine, mgr := newTestEngine(t, dispatcher)
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	// The stub's 2s budget fires; deadline_exceeded is final
	done := waitForStatus(t, mgr, job.ID, models.JobStatusFailed, 6*time.Second)
	assert.Contains(t, done.LastError, "wall-time")
}

func TestEngineCooperativeCancel(t *testing.T) {
	dispatcher := &scriptedDispatcher{blockCtx: true}
	engine, mgr := newTestEngine(t, dispatcher)
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	// Wait for the worker to pick it up, then request cancel
	waitForStatus(t, mgr, job.ID, models.JobStatusRunning, 3*time.Second)
	_, err := mgr.JobStorage().RequestCancel(context.Background(), job.ID)
	require.NoError(t, err)

	done := waitForStatus(t, mgr, job.ID, models.JobStatusCancelled, 5*time.Second)
	assert.Equal(t, "cancelled by caller", done.LastError)
}

func TestEngineDiscardsResultWhenCancelRacesCompletion(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	engine, mgr := newTestEngine(t, dispatcher)
	dispatcher.selfCancel = mgr.JobStorage()
	job := enqueueJob(t, mgr)

	engine.Start(context.Background())
	defer engine.Stop()

	// The handler returns a result immediately after the cancel lands, well
	// inside the 1s flag-poll interval; the engine must still discard it.
	done := waitForStatus(t, mgr, job.ID, models.JobStatusCancelled, 5*time.Second)
	assert.Nil(t, done.Result, "a cancelled job keeps no result")
	assert.Equal(t, "cancelled by caller", done.LastError)
}

func TestBackoffDelayBounded(t *testing.T) {
	engine, _ := newTestEngine(t, &scriptedDispatcher{})

	for attempts := 1; attempts <= 10; attempts++ {
		for i := 0; i < 50; i++ {
			delay := engine.backoffDelay(attempts)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, 50*time.Millisecond)
		}
	}
}
