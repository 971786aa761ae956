package secrets

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
)

// DatabaseURLKey is the reserved secret key holding a client's database URL
const DatabaseURLKey = "database_url"

// Service is the read-only client-scoped credential lookup used by crew
// handlers. Secret values are never logged or echoed into events.
type Service struct {
	storage interfaces.SecretStorage
	logger  arbor.ILogger
}

// NewService creates the secret service
func NewService(storage interfaces.SecretStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

// Get returns the secret value for (clientID, key)
func (s *Service) Get(ctx context.Context, clientID, key string) (string, error) {
	return s.storage.GetSecret(ctx, clientID, key)
}

// DatabaseURL returns the per-client database URL
func (s *Service) DatabaseURL(ctx context.Context, clientID string) (string, error) {
	return s.storage.GetSecret(ctx, clientID, DatabaseURLKey)
}
