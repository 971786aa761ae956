// -----------------------------------------------------------------------
// Job - Durable crew job record and state machine
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a crew job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ActorType identifies the kind of caller a job runs on behalf of
type ActorType string

const (
	ActorTypeClient      ActorType = "client"
	ActorTypeSynth       ActorType = "synth"
	ActorTypeSynthClass  ActorType = "synth_class"
	ActorTypeSkillModule ActorType = "skill_module"
	ActorTypeHuman       ActorType = "human"
)

// ValidActorType reports whether s names a known actor type
func ValidActorType(s string) bool {
	switch ActorType(s) {
	case ActorTypeClient, ActorTypeSynth, ActorTypeSynthClass, ActorTypeSkillModule, ActorTypeHuman:
		return true
	}
	return false
}

// Job is the durable record of one unit of crew work. It is created in
// status "queued" and driven through the state machine by the engine;
// all mutations go through the store's conditional transitions.
type Job struct {
	ID        string          `json:"job_id" badgerhold:"key"`
	JobKey    string          `json:"job_key"`
	Payload   json.RawMessage `json:"payload"`
	ClientID  string          `json:"client_id"`
	ActorType ActorType       `json:"actor_type"`
	ActorID   string          `json:"actor_id"`

	Status    JobStatus       `json:"status" badgerholdIndex:"Status"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Attempts  int             `json:"attempts"`
	Notes     string          `json:"notes,omitempty"`

	// CancelRequested is observed cooperatively by running handlers.
	CancelRequested bool `json:"cancel_requested"`

	// NotBefore delays the next claim after a backoff requeue.
	NotBefore time.Time `json:"not_before"`

	// NextSeq is the seq assigned to the next appended event. Managed by
	// the store under its write lock so event seqs stay gap-free.
	NextSeq int `json:"next_seq"`

	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a job in the queued state with attempts=0
func NewJob(jobKey string, payload json.RawMessage, clientID string, actorType ActorType, actorID string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		JobKey:    jobKey,
		Payload:   payload,
		ClientID:  clientID,
		ActorType: actorType,
		ActorID:   actorID,
		Status:    JobStatusQueued,
		Attempts:  0,
		NextSeq:   1,
		QueuedAt:  time.Now().UTC(),
	}
}

// IsTerminal returns true once the job can no longer transition
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
// Terminals are absorbing.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed ||
			to == JobStatusCancelled || to == JobStatusQueued
	}
	return false
}

// Validate checks structural integrity of a job record
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.JobKey == "" {
		return fmt.Errorf("job key is required")
	}
	if j.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if !ValidActorType(string(j.ActorType)) {
		return fmt.Errorf("invalid actor type: %s", j.ActorType)
	}
	if j.ActorID == "" {
		return fmt.Errorf("actor ID is required")
	}
	return nil
}
