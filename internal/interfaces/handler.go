package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sparkjar/crew-api/internal/models"
)

// CrewRequest is the immutable input handed to a crew handler
type CrewRequest struct {
	JobID     string
	JobKey    string
	ClientID  string
	ActorType models.ActorType
	ActorID   string
	Payload   json.RawMessage

	// Attempt is the 1-based execution attempt this request belongs to
	Attempt int

	// Schema is the descriptor the payload was validated against; the
	// generic handler reads its step configuration from here.
	Schema *models.SchemaDescriptor
}

// EventSink is how a handler emits execution events. Emits are synchronous
// and durable; if the store is unavailable the emit blocks up to the
// configured deadline and then fails.
type EventSink interface {
	Emit(ctx context.Context, eventType models.EventType, data interface{}) error
}

// HandlerMetadata describes a registered crew handler
type HandlerMetadata struct {
	Name           string
	Version        string
	RequiredScopes []string

	// MaxWallTime bounds one execution; zero means the engine default.
	MaxWallTime time.Duration
}

// CrewHandler performs the work of a job, locally or by delegating over HTTP
type CrewHandler interface {
	Metadata() HandlerMetadata
	Execute(ctx context.Context, req *CrewRequest, sink EventSink) (json.RawMessage, error)
}

// HandlerRegistry resolves job keys to handlers. The registry is static,
// built once at boot.
type HandlerRegistry interface {
	Register(jobKey string, handler CrewHandler)
	Resolve(jobKey string, objectType models.ObjectType) (CrewHandler, bool)
	Handlers() map[string]CrewHandler
}

// Dispatcher selects remote vs. local execution for a request and applies
// the fallback policy.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *CrewRequest, sink EventSink) (json.RawMessage, error)

	// MaxWallTime reports the wall-time budget for a job key
	MaxWallTime(jobKey string, objectType models.ObjectType) time.Duration
}
