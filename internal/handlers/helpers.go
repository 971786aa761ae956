package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sparkjar/crew-api/internal/models"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope. Only the category and message
// cross the boundary; internal causes stay in the logs.
type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// writeError maps an error onto its HTTP status via the error category
func writeError(w http.ResponseWriter, err error) {
	category := models.Categorize(err)
	writeJSON(w, statusFor(category), &errorBody{
		Error:    err.Error(),
		Category: string(category),
	})
}

func statusFor(category models.ErrorCategory) int {
	switch category {
	case models.ErrValidation:
		return http.StatusBadRequest
	case models.ErrAuthorization:
		return http.StatusUnauthorized
	case models.ErrNotFound, models.ErrHandlerNotFound:
		return http.StatusNotFound
	case models.ErrInvalidTransition, models.ErrDuplicate:
		return http.StatusConflict
	case models.ErrStoreUnavailable, models.ErrRemoteUnavailable:
		return http.StatusServiceUnavailable
	case models.ErrDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// methodNotAllowed rejects unexpected HTTP methods
func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, &errorBody{Error: "method not allowed"})
}
