package badger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// SecretStorage implements client-scoped credential lookup
type SecretStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSecretStorage creates a new SecretStorage instance
func NewSecretStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SecretStorage {
	return &SecretStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SecretStorage) GetSecret(ctx context.Context, clientID, key string) (string, error) {
	var secret models.ClientSecret
	if err := s.db.Store().Get(models.SecretStorageKey(clientID, key), &secret); err != nil {
		if err == badgerhold.ErrNotFound {
			return "", models.NewCrewError(models.ErrNotFound, "secret not found: "+key)
		}
		return "", models.WrapCrewError(models.ErrStoreUnavailable, "failed to get secret", err)
	}
	return secret.SecretValue, nil
}

func (s *SecretStorage) SetSecret(ctx context.Context, clientID, key, value string) error {
	secret := &models.ClientSecret{
		Key:         models.SecretStorageKey(clientID, key),
		ClientID:    clientID,
		SecretKey:   key,
		SecretValue: value,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.db.Store().Upsert(secret.Key, secret); err != nil {
		return models.WrapCrewError(models.ErrStoreUnavailable, "failed to store secret", err)
	}
	return nil
}
