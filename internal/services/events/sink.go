package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/metrics"
	"github.com/sparkjar/crew-api/internal/models"
)

// Sink is the per-job event emitter handed to crew handlers. Emits are
// synchronous: the event is durable before Emit returns, so the log never
// shows a later step without its predecessors. A store outage blocks the
// emit up to the configured deadline, then fails the handler.
type Sink struct {
	jobID        string
	storage      interfaces.EventStorage
	emitDeadline time.Duration
	logger       arbor.ILogger
}

// NewSink creates an event sink bound to one job
func NewSink(jobID string, storage interfaces.EventStorage, emitDeadline time.Duration, logger arbor.ILogger) *Sink {
	return &Sink{
		jobID:        jobID,
		storage:      storage,
		emitDeadline: emitDeadline,
		logger:       logger,
	}
}

// Emit appends one event to the job's log
func (s *Sink) Emit(ctx context.Context, eventType models.EventType, data interface{}) error {
	payload, err := marshalEventData(data)
	if err != nil {
		return models.WrapCrewError(models.ErrValidation, "event data is not serializable", err)
	}

	emitCtx := ctx
	if s.emitDeadline > 0 {
		var cancel context.CancelFunc
		emitCtx, cancel = context.WithTimeout(ctx, s.emitDeadline)
		defer cancel()
	}

	event, err := s.storage.AppendEvent(emitCtx, s.jobID, eventType, payload)
	if err != nil {
		return err
	}

	metrics.EventsAppended.WithLabelValues(string(eventType)).Inc()
	s.logger.Trace().
		Str("job_id", s.jobID).
		Str("event_type", string(eventType)).
		Int("seq", event.Seq).
		Msg("Event emitted")
	return nil
}

func marshalEventData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(data)
	}
}
