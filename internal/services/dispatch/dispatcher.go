package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// Dispatcher routes a crew request to remote or local execution. With remote
// crews enabled, remote runs first. A handler_not_found outcome falls back
// to a local handler immediately; a remote_crew_unavailable outcome is
// retried remotely across attempts and falls back only on the final one.
// Authorization and crew_execution failures never fall back: the remote
// service owned the job and failed it.
type Dispatcher struct {
	registry *Registry
	remote   interfaces.RemoteCrewClient
	config   *common.DispatchConfig
	logger   arbor.ILogger

	defaultMaxWallTime time.Duration
	maxAttempts        int
}

// NewDispatcher creates the dispatcher
func NewDispatcher(logger arbor.ILogger, config *common.DispatchConfig, engineConfig *common.EngineConfig, registry *Registry, remote interfaces.RemoteCrewClient) *Dispatcher {
	maxAttempts := engineConfig.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Dispatcher{
		registry:           registry,
		remote:             remote,
		config:             config,
		logger:             logger,
		defaultMaxWallTime: common.ParseDurationOr(engineConfig.DefaultMaxWallTime, 10*time.Minute),
		maxAttempts:        maxAttempts,
	}
}

// Dispatch executes the request and returns the result document
func (d *Dispatcher) Dispatch(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	if d.config.UseRemoteCrews && d.remote != nil {
		result, err := d.remote.ExecuteCrew(ctx, req.JobKey, req.Payload, req.JobID)
		if err == nil {
			return result, nil
		}

		if !d.shouldFallBack(err, req) {
			return nil, err
		}

		d.logger.Warn().
			Str("job_id", req.JobID).
			Str("job_key", req.JobKey).
			Str("category", string(models.Categorize(err))).
			Msg("Remote execution failed, falling back to local handler")

		// The remote failure stays visible in the log even though the job
		// goes on to succeed locally.
		_ = sink.Emit(ctx, models.EventError, &models.ErrorEventData{
			Class:    "remote",
			Message:  err.Error(),
			Category: string(models.Categorize(err)),
		})
		if emitErr := sink.Emit(ctx, models.EventCrewMessage, map[string]string{
			"message": "remote execution unavailable, running locally",
			"reason":  string(models.Categorize(err)),
		}); emitErr != nil {
			return nil, emitErr
		}
	}

	return d.dispatchLocal(ctx, req, sink)
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	handler, ok := d.resolve(req)
	if !ok {
		return nil, models.NewCrewError(models.ErrHandlerNotFound, "no handler registered for job_key "+req.JobKey)
	}
	return handler.Execute(ctx, req, sink)
}

func (d *Dispatcher) shouldFallBack(err error, req *interfaces.CrewRequest) bool {
	if !d.config.FallbackToLocal {
		return false
	}
	switch models.Categorize(err) {
	case models.ErrHandlerNotFound:
	case models.ErrRemoteUnavailable:
		// An outage is retried remotely first; the local handler is the
		// final attempt's escape hatch.
		if req.Attempt < d.maxAttempts {
			return false
		}
	default:
		return false
	}
	_, ok := d.resolve(req)
	return ok
}

func (d *Dispatcher) resolve(req *interfaces.CrewRequest) (interfaces.CrewHandler, bool) {
	objectType := models.ObjectTypeCrew
	if req.Schema != nil {
		objectType = req.Schema.ObjectType
	}
	return d.registry.Resolve(req.JobKey, objectType)
}

// MaxWallTime reports the wall-time budget for a job key. Remote jobs and
// handlers without a declared budget use the engine default.
func (d *Dispatcher) MaxWallTime(jobKey string, objectType models.ObjectType) time.Duration {
	if handler, ok := d.registry.Resolve(jobKey, objectType); ok {
		if wt := handler.Metadata().MaxWallTime; wt > 0 {
			return wt
		}
	}
	return d.defaultMaxWallTime
}
