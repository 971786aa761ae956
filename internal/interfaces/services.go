package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sparkjar/crew-api/internal/models"
)

// Claims is the verified content of a bearer token
type Claims struct {
	Subject      string
	Scopes       []string
	ClientUserID string
	ActorType    string
	ActorID      string
	ExpiresAt    time.Time
}

// HasScope reports whether the token carries the given scope
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthService verifies inbound bearer tokens and mints short-lived internal
// tokens for service-to-service calls.
type AuthService interface {
	VerifyToken(tokenString string) (*Claims, error)
	MintInternalToken(subject string, scopes []string) (string, error)
	RequiredScope() string
}

// SchemaRegistry resolves and applies the JSON schema for an inbound payload
type SchemaRegistry interface {
	// Validate enforces the core required fields, then validates the payload
	// against the resolved schema, aggregating all violations.
	// explicitName overrides the payload's job_key as the schema name.
	Validate(ctx context.Context, payload json.RawMessage, explicitName string) (*models.ValidationResult, *models.SchemaDescriptor, error)

	// Ping verifies schema resolution works (health checks)
	Ping(ctx context.Context) error
}

// EmbeddingClient calls the external embedding service
type EmbeddingClient interface {
	// EmbedBatch returns one fixed-dimension vector per input
	EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error)
	Model() string
	Dimension() int
	IsAvailable(ctx context.Context) bool
}

// VectorPipeline chunks, embeds and upserts job events, and serves
// similarity search over the result.
type VectorPipeline interface {
	// VectorizeJob processes all events of a job; returns chunk count.
	// Re-running over the same events is idempotent.
	VectorizeJob(ctx context.Context, jobID string) (int, error)

	Search(ctx context.Context, queryText string, topK int, filters map[string]string) ([]*models.SearchMatch, error)
}

// SecretService is the read-only client-scoped KV lookup used by handlers
type SecretService interface {
	Get(ctx context.Context, clientID, key string) (string, error)

	// DatabaseURL returns the per-client database URL stored under
	// secret_key "database_url"
	DatabaseURL(ctx context.Context, clientID string) (string, error)
}

// RemoteCrewClient is the HTTP client for the crew execution service
type RemoteCrewClient interface {
	ExecuteCrew(ctx context.Context, crewName string, inputs json.RawMessage, requestID string) (json.RawMessage, error)
	ListCrews(ctx context.Context) ([]string, error)
	Health(ctx context.Context) error
}
