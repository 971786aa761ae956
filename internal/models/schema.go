package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ObjectType scopes a schema descriptor to the kind of object it validates
type ObjectType string

const (
	ObjectTypeCrew        ObjectType = "crew"
	ObjectTypeGenCrew     ObjectType = "gen_crew"
	ObjectTypeCrewContext ObjectType = "crew_context"
)

// SchemaDescriptor holds one versioned JSON schema keyed by (Name, ObjectType).
// At most one active version exists per pair; the registry only ever resolves
// the active one.
type SchemaDescriptor struct {
	ID         string          `json:"id" badgerhold:"key"`
	Name       string          `json:"name" badgerholdIndex:"Name"`
	ObjectType ObjectType      `json:"object_type"`
	Schema     json.RawMessage `json:"schema"`
	Version    int             `json:"version"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SchemaKey builds the storage key for a (name, object_type, version) tuple
func SchemaKey(name string, objectType ObjectType, version int) string {
	return fmt.Sprintf("%s|%s|%d", name, objectType, version)
}

// ValidationResult is the outcome of validating an inbound payload
type ValidationResult struct {
	Valid         bool            `json:"valid"`
	SchemaName    string          `json:"schema_name,omitempty"`
	SchemaID      string          `json:"schema_id,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
	ValidatedData json.RawMessage `json:"validated_data,omitempty"`
}
