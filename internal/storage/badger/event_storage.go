package badger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// EventStorage implements the append-only execution event log. It shares the
// transition mutex with JobStorage: seq assignment reads the job row,
// increments NextSeq and inserts the event while holding the lock, which is
// what keeps per-job seqs gap-free under concurrent emitters.
type EventStorage struct {
	db     *BadgerDB
	mu     *sync.Mutex
	logger arbor.ILogger
}

// NewEventStorage creates a new EventStorage instance
func NewEventStorage(db *BadgerDB, mu *sync.Mutex, logger arbor.ILogger) interfaces.EventStorage {
	return &EventStorage{
		db:     db,
		mu:     mu,
		logger: logger,
	}
}

func (s *EventStorage) AppendEvent(ctx context.Context, jobID string, eventType models.EventType, data json.RawMessage) (*models.JobEvent, error) {
	if !models.ValidEventType(eventType) {
		return nil, models.NewCrewError(models.ErrValidation, "unknown event type: "+string(eventType))
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapCrewError(models.ErrDeadlineExceeded, "append abandoned", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewCrewError(models.ErrNotFound, "job not found: "+jobID)
		}
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to load job for event append", err)
	}

	event := models.NewJobEvent(jobID, job.NextSeq, eventType, data)
	if err := s.db.Store().Insert(event.Key, event); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to insert event", err)
	}

	job.NextSeq++
	if err := s.db.Store().Update(jobID, &job); err != nil {
		// The event row is in; a failed counter write would fork the seq, so
		// roll the event back and report the store error.
		_ = s.db.Store().Delete(event.Key, &models.JobEvent{})
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to advance event seq", err)
	}

	return event, nil
}

func (s *EventStorage) ListEvents(ctx context.Context, jobID string, sinceSeq int) ([]*models.JobEvent, error) {
	var events []models.JobEvent
	query := badgerhold.Where("JobID").Eq(jobID)
	if sinceSeq > 0 {
		query = query.And("Seq").Gt(sinceSeq)
	}
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to list events", err)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	result := make([]*models.JobEvent, len(events))
	for i := range events {
		result[i] = &events[i]
	}
	return result, nil
}

func (s *EventStorage) CountEvents(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.JobEvent{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return 0, models.WrapCrewError(models.ErrStoreUnavailable, "failed to count events", err)
	}
	return int(count), nil
}
