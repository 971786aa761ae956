package badger

import (
	"context"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// SchemaStorage implements versioned schema descriptor storage
type SchemaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSchemaStorage creates a new SchemaStorage instance
func NewSchemaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SchemaStorage {
	return &SchemaStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SchemaStorage) SaveSchema(ctx context.Context, schema *models.SchemaDescriptor) error {
	if schema.Name == "" || len(schema.Schema) == 0 {
		return models.NewCrewError(models.ErrValidation, "schema requires a name and a body")
	}
	if schema.ID == "" {
		schema.ID = models.SchemaKey(schema.Name, schema.ObjectType, schema.Version)
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now().UTC()
	}

	// At most one active version per (name, object_type): activating this
	// version deactivates any other.
	if schema.IsActive {
		var others []models.SchemaDescriptor
		err := s.db.Store().Find(&others,
			badgerhold.Where("Name").Eq(schema.Name).
				And("ObjectType").Eq(schema.ObjectType).
				And("IsActive").Eq(true))
		if err != nil {
			return models.WrapCrewError(models.ErrStoreUnavailable, "failed to query active schemas", err)
		}
		for i := range others {
			if others[i].ID == schema.ID {
				continue
			}
			others[i].IsActive = false
			if err := s.db.Store().Update(others[i].ID, &others[i]); err != nil {
				return models.WrapCrewError(models.ErrStoreUnavailable, "failed to deactivate prior schema version", err)
			}
		}
	}

	if err := s.db.Store().Upsert(schema.ID, schema); err != nil {
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to save schema", err)
	}

	s.logger.Debug().
		Str("name", schema.Name).
		Str("object_type", string(schema.ObjectType)).
		Int("version", schema.Version).
		Bool("active", schema.IsActive).
		Msg("Schema saved")
	return nil
}

func (s *SchemaStorage) GetActiveSchema(ctx context.Context, name string, objectTypes ...models.ObjectType) (*models.SchemaDescriptor, error) {
	for _, objectType := range objectTypes {
		var schemas []models.SchemaDescriptor
		err := s.db.Store().Find(&schemas,
			badgerhold.Where("Name").Eq(name).
				And("ObjectType").Eq(objectType).
				And("IsActive").Eq(true))
		if err != nil {
			return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to query schemas", err)
		}
		if len(schemas) == 0 {
			continue
		}
		// Highest version wins if a write race ever leaves two active
		sort.Slice(schemas, func(i, j int) bool { return schemas[i].Version > schemas[j].Version })
		return &schemas[0], nil
	}
	return nil, models.NewCrewError(models.ErrNotFound, "no active schema named "+name)
}

func (s *SchemaStorage) ListSchemas(ctx context.Context) ([]*models.SchemaDescriptor, error) {
	var schemas []models.SchemaDescriptor
	if err := s.db.Store().Find(&schemas, nil); err != nil {
		return nil, models.WrapCrewError(models.ErrStoreUnavailable, "failed to list schemas", err)
	}

	sort.Slice(schemas, func(i, j int) bool {
		if schemas[i].Name != schemas[j].Name {
			return schemas[i].Name < schemas[j].Name
		}
		return schemas[i].Version < schemas[j].Version
	})

	result := make([]*models.SchemaDescriptor, len(schemas))
	for i := range schemas {
		result[i] = &schemas[i]
	}
	return result, nil
}
