package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sparkjar/crew-api/internal/models"
)

// JobListOptions controls filtering and pagination of job listings
type JobListOptions struct {
	Status   string
	ClientID string
	JobKey   string
	Limit    int
	Offset   int
}

// JobStorage persists crew jobs and guards every state transition with a
// conditional update; out-of-order transitions fail with an
// invalid_state_transition error.
type JobStorage interface {
	// CreateJob inserts a queued job and its job_created event atomically
	CreateJob(ctx context.Context, job *models.Job) error

	// ClaimNextJob atomically selects the oldest claimable queued job,
	// transitions it to running, sets StartedAt and increments Attempts.
	// Returns nil when no job is claimable.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error)

	// FinalizeJob conditionally transitions running -> completed|failed|cancelled
	FinalizeJob(ctx context.Context, jobID string, status models.JobStatus, result json.RawMessage, errMsg string) error

	// RequeueJob conditionally transitions running -> queued with a backoff delay
	RequeueJob(ctx context.Context, jobID string, notBefore time.Time) error

	// RequestCancel cancels a queued job directly; for a running job it sets
	// the cooperative cancel flag. Terminal jobs return an
	// invalid_state_transition error.
	RequestCancel(ctx context.Context, jobID string) (*models.Job, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, status string) (int, error)

	// StaleRunningJobs returns running jobs started before the cutoff
	StaleRunningJobs(ctx context.Context, startedBefore time.Time) ([]*models.Job, error)
}

// EventStorage is the append-only execution event log. Seq assignment and
// insert happen under the job's row lock so seqs stay gap-free.
type EventStorage interface {
	AppendEvent(ctx context.Context, jobID string, eventType models.EventType, data json.RawMessage) (*models.JobEvent, error)
	ListEvents(ctx context.Context, jobID string, sinceSeq int) ([]*models.JobEvent, error)
	CountEvents(ctx context.Context, jobID string) (int, error)
}

// SchemaStorage holds versioned JSON schema descriptors
type SchemaStorage interface {
	SaveSchema(ctx context.Context, schema *models.SchemaDescriptor) error

	// GetActiveSchema resolves the single active version for the first
	// matching (name, objectType) pair, tried in the given order
	GetActiveSchema(ctx context.Context, name string, objectTypes ...models.ObjectType) (*models.SchemaDescriptor, error)

	ListSchemas(ctx context.Context) ([]*models.SchemaDescriptor, error)
}

// SecretStorage is the read-only client-scoped credential lookup
type SecretStorage interface {
	GetSecret(ctx context.Context, clientID, key string) (string, error)
	SetSecret(ctx context.Context, clientID, key, value string) error
}

// VectorStorage holds one logical embedding collection keyed by
// (source_table, source_id, chunk_index); writes are upserts.
type VectorStorage interface {
	UpsertEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error
	GetBySource(ctx context.Context, sourceTable, sourceID string) ([]*models.EmbeddingRecord, error)
	CountBySource(ctx context.Context, sourceTable, sourceID string) (int, error)

	// Search performs cosine-distance nearest-neighbor search. Filters match
	// against record metadata keys (e.g. job_id, event_type).
	Search(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]*models.SearchMatch, error)
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	JobStorage() JobStorage
	EventStorage() EventStorage
	SchemaStorage() SchemaStorage
	SecretStorage() SecretStorage
	VectorStorage() VectorStorage

	// Ping verifies the store is reachable (health checks)
	Ping(ctx context.Context) error
	Close() error
}
