package storage

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	badgerstorage "github.com/sparkjar/crew-api/internal/storage/badger"
)

// Manager wires the Badger-backed storage implementations behind the
// StorageManager interface. Job and event storage share one transition mutex;
// see the package docs on those types.
type Manager struct {
	db      *badgerstorage.BadgerDB
	jobs    interfaces.JobStorage
	events  interfaces.EventStorage
	schemas interfaces.SchemaStorage
	secrets interfaces.SecretStorage
	vectors interfaces.VectorStorage
	logger  arbor.ILogger
}

// NewManager opens the database and builds all storage services
func NewManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	db, err := badgerstorage.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	var transitionMu sync.Mutex

	return &Manager{
		db:      db,
		jobs:    badgerstorage.NewJobStorage(db, &transitionMu, logger),
		events:  badgerstorage.NewEventStorage(db, &transitionMu, logger),
		schemas: badgerstorage.NewSchemaStorage(db, logger),
		secrets: badgerstorage.NewSecretStorage(db, logger),
		vectors: badgerstorage.NewVectorStorage(db, logger),
		logger:  logger,
	}, nil
}

func (m *Manager) JobStorage() interfaces.JobStorage       { return m.jobs }
func (m *Manager) EventStorage() interfaces.EventStorage   { return m.events }
func (m *Manager) SchemaStorage() interfaces.SchemaStorage { return m.schemas }
func (m *Manager) SecretStorage() interfaces.SecretStorage { return m.secrets }
func (m *Manager) VectorStorage() interfaces.VectorStorage { return m.vectors }

func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.jobs.CountJobs(ctx, "")
	return err
}

func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing storage manager")
	return m.db.Close()
}
