package crews

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

type recordingSink struct {
	events []models.EventType
}

func (s *recordingSink) Emit(ctx context.Context, eventType models.EventType, data interface{}) error {
	s.events = append(s.events, eventType)
	return nil
}

type stubSecrets struct {
	values map[string]string
}

func (s *stubSecrets) Get(ctx context.Context, clientID, key string) (string, error) {
	if v, ok := s.values[clientID+"/"+key]; ok {
		return v, nil
	}
	return "", models.NewCrewError(models.ErrNotFound, "secret not found: "+key)
}

func (s *stubSecrets) DatabaseURL(ctx context.Context, clientID string) (string, error) {
	return s.Get(ctx, clientID, "database_url")
}

func helloRequest(payload string) *interfaces.CrewRequest {
	return &interfaces.CrewRequest{
		JobID:     "job-1",
		JobKey:    "hello_crew",
		ClientID:  "client-1",
		ActorType: models.ActorTypeSynth,
		ActorID:   "actor-1",
		Payload:   json.RawMessage(payload),
	}
}

func TestHelloCrewEmitsFixedSequence(t *testing.T) {
	crew := NewHelloCrew(common.GetLogger())
	sink := &recordingSink{}

	result, err := crew.Execute(context.Background(), helloRequest(`{"topic":"dogs"}`), sink)
	require.NoError(t, err)
	assert.Contains(t, string(result), "dogs")
	assert.Equal(t, []models.EventType{
		models.EventCrewConfig,
		models.EventAgentStep,
		models.EventTaskComplete,
	}, sink.events)
}

func TestHelloCrewDefaultsTopic(t *testing.T) {
	crew := NewHelloCrew(common.GetLogger())

	result, err := crew.Execute(context.Background(), helloRequest(`{}`), sinkDiscard())
	require.NoError(t, err)
	assert.Contains(t, string(result), "the world")
}

func TestHelloCrewRespectsCancellation(t *testing.T) {
	crew := NewHelloCrew(common.GetLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := crew.Execute(ctx, helloRequest(`{"topic":"dogs"}`), &cancellingSink{})
	require.Error(t, err)
}

func genCrewRequest(t *testing.T, schemaBody string) *interfaces.CrewRequest {
	t.Helper()
	return &interfaces.CrewRequest{
		JobID:     "job-2",
		JobKey:    "report_crew",
		ClientID:  "client-1",
		ActorType: models.ActorTypeSynth,
		ActorID:   "actor-1",
		Payload:   json.RawMessage(`{"job_key":"report_crew"}`),
		Schema: &models.SchemaDescriptor{
			ID:         "report_crew|gen_crew|1",
			Name:       "report_crew",
			ObjectType: models.ObjectTypeGenCrew,
			Schema:     json.RawMessage(schemaBody),
			Version:    1,
			IsActive:   true,
		},
	}
}

func TestGenericCrewRunsStepPlan(t *testing.T) {
	crew := NewGenericCrew(&stubSecrets{}, common.GetLogger())
	sink := &recordingSink{}

	schema := `{
		"type": "object",
		"x-crew-steps": [
			{"agent": "researcher", "task": "gather"},
			{"agent": "writer", "task": "draft"}
		]
	}`
	result, err := crew.Execute(context.Background(), genCrewRequest(t, schema), sink)
	require.NoError(t, err)

	var parsed struct {
		CompletedTasks []string `json:"completed_tasks"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, []string{"gather", "draft"}, parsed.CompletedTasks)

	assert.Equal(t, []models.EventType{
		models.EventCrewConfig,
		models.EventAgentStep,
		models.EventTaskComplete,
		models.EventAgentStep,
		models.EventTaskComplete,
	}, sink.events)
}

func TestGenericCrewDefaultsToEchoStep(t *testing.T) {
	crew := NewGenericCrew(&stubSecrets{}, common.GetLogger())

	result, err := crew.Execute(context.Background(), genCrewRequest(t, `{"type":"object"}`), &recordingSink{})
	require.NoError(t, err)
	assert.Contains(t, string(result), "echo")
}

func TestGenericCrewMissingDatabaseCredential(t *testing.T) {
	crew := NewGenericCrew(&stubSecrets{}, common.GetLogger())

	schema := `{"x-crew-steps": [{"agent": "loader", "task": "load", "requires_database": true}]}`
	_, err := crew.Execute(context.Background(), genCrewRequest(t, schema), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, models.ErrCrewExecution, models.Categorize(err))
}

func TestGenericCrewWithDatabaseCredential(t *testing.T) {
	secrets := &stubSecrets{values: map[string]string{"client-1/database_url": "postgres://client-1"}}
	crew := NewGenericCrew(secrets, common.GetLogger())

	schema := `{"x-crew-steps": [{"agent": "loader", "task": "load", "requires_database": true}]}`
	_, err := crew.Execute(context.Background(), genCrewRequest(t, schema), &recordingSink{})
	require.NoError(t, err)
}

func TestGenericCrewRequiresSchema(t *testing.T) {
	crew := NewGenericCrew(&stubSecrets{}, common.GetLogger())
	req := helloRequest(`{}`)
	req.Schema = nil

	_, err := crew.Execute(context.Background(), req, &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, models.ErrHandlerNotFound, models.Categorize(err))
}

// cancellingSink fails the first emit the way a dead context would
type cancellingSink struct{}

func (s *cancellingSink) Emit(ctx context.Context, eventType models.EventType, data interface{}) error {
	return ctx.Err()
}

func sinkDiscard() interfaces.EventSink {
	return &recordingSink{}
}
