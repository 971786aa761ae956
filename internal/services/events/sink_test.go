package events

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
	badgerstorage "github.com/sparkjar/crew-api/internal/storage/badger"
)

func newTestSink(t *testing.T) (*Sink, interfaces.EventStorage, string) {
	t.Helper()
	logger := common.GetLogger()
	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir() + "/data"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var mu sync.Mutex
	jobs := badgerstorage.NewJobStorage(db, &mu, logger)
	eventStorage := badgerstorage.NewEventStorage(db, &mu, logger)

	job := models.NewJob("hello_crew", json.RawMessage(`{}`), "client-1", models.ActorTypeSynth, "actor-1")
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	return NewSink(job.ID, eventStorage, 5*time.Second, logger), eventStorage, job.ID
}

func TestSinkEmitStructuredData(t *testing.T) {
	sink, eventStorage, jobID := newTestSink(t)

	err := sink.Emit(context.Background(), models.EventAgentStep, &models.AgentStepData{
		Agent:   "greeter",
		Task:    "compose",
		Message: "hello",
	})
	require.NoError(t, err)

	eventLog, err := eventStorage.ListEvents(context.Background(), jobID, 0)
	require.NoError(t, err)
	require.Len(t, eventLog, 2) // job_created + agent_step

	last := eventLog[1]
	assert.Equal(t, models.EventAgentStep, last.EventType)
	assert.Equal(t, 2, last.Seq)

	var data models.AgentStepData
	require.NoError(t, json.Unmarshal(last.EventData, &data))
	assert.Equal(t, "greeter", data.Agent)
}

func TestSinkEmitNilData(t *testing.T) {
	sink, eventStorage, jobID := newTestSink(t)

	require.NoError(t, sink.Emit(context.Background(), models.EventCrewMessage, nil))

	eventLog, err := eventStorage.ListEvents(context.Background(), jobID, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(eventLog[1].EventData))
}

func TestSinkEmitRejectsUnknownType(t *testing.T) {
	sink, _, _ := newTestSink(t)

	err := sink.Emit(context.Background(), models.EventType("made_up"), nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrValidation, models.Categorize(err))
}

func TestSinkEmitRejectsUnserializableData(t *testing.T) {
	sink, _, _ := newTestSink(t)

	err := sink.Emit(context.Background(), models.EventCrewMessage, map[string]interface{}{"ch": make(chan int)})
	require.Error(t, err)
	assert.Equal(t, models.ErrValidation, models.Categorize(err))
}

func TestSinkEmitDeadContext(t *testing.T) {
	sink, _, _ := newTestSink(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.Emit(ctx, models.EventCrewMessage, nil)
	require.Error(t, err)
}
