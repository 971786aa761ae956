package schemas

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	badgerstorage "github.com/sparkjar/crew-api/internal/storage/badger"

	"github.com/sparkjar/crew-api/internal/models"
)

const helloSchema = `{
	"type": "object",
	"properties": {
		"topic": {"type": "string", "minLength": 1},
		"rounds": {"type": "integer", "minimum": 1}
	},
	"required": ["topic"]
}`

func newTestRegistry(t *testing.T) (*Registry, interfaces.SchemaStorage) {
	t.Helper()
	logger := common.GetLogger()
	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir() + "/data"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storage := badgerstorage.NewSchemaStorage(db, logger)
	return NewRegistry(storage, logger), storage
}

func saveSchema(t *testing.T, storage interfaces.SchemaStorage, name string, objectType models.ObjectType, body string) {
	t.Helper()
	require.NoError(t, storage.SaveSchema(context.Background(), &models.SchemaDescriptor{
		Name:       name,
		ObjectType: objectType,
		Schema:     json.RawMessage(body),
		Version:    1,
		IsActive:   true,
	}))
}

func validPayload(extra string) json.RawMessage {
	base := `"job_key":"hello_crew","client_user_id":"client-1","actor_type":"synth","actor_id":"actor-1"`
	if extra != "" {
		base += "," + extra
	}
	return json.RawMessage("{" + base + "}")
}

func TestValidatePassesConformingPayload(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "hello_crew", models.ObjectTypeCrew, helloSchema)

	result, descriptor, err := registry.Validate(context.Background(), validPayload(`"topic":"greetings"`), "")
	require.NoError(t, err)
	require.NotNil(t, descriptor)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "hello_crew", result.SchemaName)
	assert.NotEmpty(t, result.ValidatedData)
}

func TestValidateAggregatesSchemaViolations(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "hello_crew", models.ObjectTypeCrew, helloSchema)

	// missing topic AND rounds below minimum, reported together
	result, _, err := registry.Validate(context.Background(), validPayload(`"rounds":0`), "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.GreaterOrEqual(t, len(result.Errors), 2)
}

func TestValidateCoreFieldsShortCircuit(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "hello_crew", models.ObjectTypeCrew, helloSchema)

	// topic is missing too, but the schema must not be consulted for a
	// structurally incomplete payload
	payload := json.RawMessage(`{"job_key":"hello_crew","actor_type":"synth"}`)
	result, descriptor, err := registry.Validate(context.Background(), payload, "")
	require.NoError(t, err)
	assert.Nil(t, descriptor)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "client_user_id")
	assert.Contains(t, result.Errors[1], "actor_id")
}

func TestValidateEmptyPayloadListsAllCoreFields(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, _, err := registry.Validate(context.Background(), json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 4)
	for i, field := range []string{"job_key", "client_user_id", "actor_type", "actor_id"} {
		assert.Contains(t, result.Errors[i], field)
	}
}

func TestValidateDeterministicForSamePayload(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "hello_crew", models.ObjectTypeCrew, helloSchema)

	payload := validPayload(`"topic":"","rounds":0`)
	first, _, err := registry.Validate(context.Background(), payload, "")
	require.NoError(t, err)
	second, _, err := registry.Validate(context.Background(), payload, "")
	require.NoError(t, err)
	assert.Equal(t, first.Valid, second.Valid)
	assert.Equal(t, first.Errors, second.Errors)
}

func TestValidateExplicitNameOverridesJobKey(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "other_crew", models.ObjectTypeCrew, `{"type":"object"}`)

	result, descriptor, err := registry.Validate(context.Background(), validPayload(""), "other_crew")
	require.NoError(t, err)
	require.NotNil(t, descriptor)
	assert.Equal(t, "other_crew", descriptor.Name)
	assert.True(t, result.Valid)
}

func TestValidateUnknownSchemaName(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, descriptor, err := registry.Validate(context.Background(), validPayload(""), "")
	require.NoError(t, err)
	assert.Nil(t, descriptor)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no schema registered")
}

func TestValidateNonObjectPayload(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, _, err := registry.Validate(context.Background(), json.RawMessage(`[1,2,3]`), "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "JSON object")
}

func TestValidateNewVersionTakesEffectImmediately(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "hello_crew", models.ObjectTypeCrew, `{"type":"object"}`)

	payload := validPayload("")
	result, _, err := registry.Validate(context.Background(), payload, "")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// v2 requires topic; no cache should serve the stale v1
	require.NoError(t, storage.SaveSchema(context.Background(), &models.SchemaDescriptor{
		Name:       "hello_crew",
		ObjectType: models.ObjectTypeCrew,
		Schema:     json.RawMessage(helloSchema),
		Version:    2,
		IsActive:   true,
	}))

	result, _, err = registry.Validate(context.Background(), payload, "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestValidateGenCrewFallback(t *testing.T) {
	registry, storage := newTestRegistry(t)
	saveSchema(t, storage, "report_crew", models.ObjectTypeGenCrew, `{"type":"object"}`)

	payload := json.RawMessage(`{"job_key":"report_crew","client_user_id":"c","actor_type":"synth","actor_id":"a"}`)
	_, descriptor, err := registry.Validate(context.Background(), payload, "")
	require.NoError(t, err)
	require.NotNil(t, descriptor)
	assert.Equal(t, models.ObjectTypeGenCrew, descriptor.ObjectType)
}
