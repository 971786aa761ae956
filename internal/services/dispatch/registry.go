package dispatch

import (
	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// Registry is the static job-key to handler mapping, built once at boot.
// Jobs whose schema resolved as gen_crew route to the generic handler when
// no exact registration exists.
type Registry struct {
	handlers map[string]interfaces.CrewHandler
	generic  interfaces.CrewHandler
	logger   arbor.ILogger
}

// NewRegistry creates an empty handler registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[string]interfaces.CrewHandler),
		logger:   logger,
	}
}

// Register binds a job key to a handler. Later registrations for the same
// key win, which lets tests swap handlers.
func (r *Registry) Register(jobKey string, handler interfaces.CrewHandler) {
	r.handlers[jobKey] = handler
	r.logger.Debug().
		Str("job_key", jobKey).
		Str("handler", handler.Metadata().Name).
		Msg("Handler registered")
}

// RegisterGeneric sets the fallback handler for gen_crew schema jobs
func (r *Registry) RegisterGeneric(handler interfaces.CrewHandler) {
	r.generic = handler
}

// Resolve finds the handler for a job key. Exact registrations win; a
// gen_crew object type falls back to the generic handler.
func (r *Registry) Resolve(jobKey string, objectType models.ObjectType) (interfaces.CrewHandler, bool) {
	if handler, ok := r.handlers[jobKey]; ok {
		return handler, true
	}
	if objectType == models.ObjectTypeGenCrew && r.generic != nil {
		return r.generic, true
	}
	return nil, false
}

// Handlers returns the registered handlers keyed by job key
func (r *Registry) Handlers() map[string]interfaces.CrewHandler {
	return r.handlers
}
