package schemas

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// coreFields are required on every inbound payload before any schema applies
var coreFields = []string{"job_key", "client_user_id", "actor_type", "actor_id"}

// Registry validates inbound payloads against versioned JSON schemas.
// Resolution happens on every call; activating a new schema version takes
// effect on the next request with no cache to invalidate.
type Registry struct {
	storage interfaces.SchemaStorage
	logger  arbor.ILogger
}

// NewRegistry creates a schema registry over the given storage
func NewRegistry(storage interfaces.SchemaStorage, logger arbor.ILogger) *Registry {
	return &Registry{
		storage: storage,
		logger:  logger,
	}
}

// Validate enforces the core required fields and then the resolved schema.
// A core-field failure returns immediately, listing every missing field;
// schema violations are aggregated into one result rather than failing on
// the first. explicitName overrides the payload's job_key as the schema name.
func (r *Registry) Validate(ctx context.Context, payload json.RawMessage, explicitName string) (*models.ValidationResult, *models.SchemaDescriptor, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &models.ValidationResult{
			Valid:  false,
			Errors: []string{"payload must be a JSON object"},
		}, nil, nil
	}

	result := &models.ValidationResult{}
	for _, field := range coreFields {
		value, ok := doc[field]
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("missing required field: %s", field))
			continue
		}
		str, ok := value.(string)
		if !ok || str == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("field %s must be a non-empty string", field))
		}
	}
	if actorType, ok := doc["actor_type"].(string); ok && actorType != "" {
		if !models.ValidActorType(actorType) {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown actor_type: %s", actorType))
		}
	}
	if len(result.Errors) > 0 {
		// Structurally incomplete payloads short-circuit; the schema never
		// sees them, so its violations never mix into the core-field list.
		return result, nil, nil
	}

	schemaName := explicitName
	if schemaName == "" {
		schemaName, _ = doc["job_key"].(string)
	}

	descriptor, err := r.storage.GetActiveSchema(ctx, schemaName, models.ObjectTypeCrew, models.ObjectTypeGenCrew)
	if err != nil {
		if models.Categorize(err) == models.ErrNotFound {
			result.Errors = append(result.Errors, fmt.Sprintf("no schema registered for job_key %q", schemaName))
			return result, nil, nil
		}
		return nil, nil, err
	}
	result.SchemaName = descriptor.Name
	result.SchemaID = descriptor.ID

	schemaLoader := gojsonschema.NewBytesLoader(descriptor.Schema)
	documentLoader := gojsonschema.NewBytesLoader(payload)
	outcome, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, nil, models.WrapCrewError(models.ErrValidation,
			"schema "+descriptor.ID+" failed to compile", err)
	}

	for _, violation := range outcome.Errors() {
		result.Errors = append(result.Errors, violation.String())
	}

	if len(result.Errors) > 0 {
		r.logger.Debug().
			Str("schema", descriptor.ID).
			Int("violations", len(result.Errors)).
			Msg("Payload failed validation")
		return result, descriptor, nil
	}

	result.Valid = true
	result.ValidatedData = payload
	return result, descriptor, nil
}

// Ping verifies schema storage is reachable
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.storage.ListSchemas(ctx)
	return err
}
