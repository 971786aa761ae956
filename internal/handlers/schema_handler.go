package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// SchemaHandler manages registered job schemas
type SchemaHandler struct {
	storage interfaces.SchemaStorage
	logger  arbor.ILogger
}

// NewSchemaHandler creates a new schema handler
func NewSchemaHandler(storage interfaces.SchemaStorage, logger arbor.ILogger) *SchemaHandler {
	return &SchemaHandler{
		storage: storage,
		logger:  logger,
	}
}

// SchemasHandler lists or registers schemas
// GET /schemas, POST /schemas
func (h *SchemaHandler) SchemasHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.save(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *SchemaHandler) list(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.storage.ListSchemas(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schemas": schemas,
		"count":   len(schemas),
	})
}

func (h *SchemaHandler) save(w http.ResponseWriter, r *http.Request) {
	var descriptor models.SchemaDescriptor
	if err := json.NewDecoder(r.Body).Decode(&descriptor); err != nil {
		writeJSON(w, http.StatusBadRequest, &errorBody{Error: "request body must be a schema descriptor"})
		return
	}

	if err := h.storage.SaveSchema(r.Context(), &descriptor); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info().
		Str("name", descriptor.Name).
		Int("version", descriptor.Version).
		Msg("Schema registered")

	writeJSON(w, http.StatusCreated, &descriptor)
}
