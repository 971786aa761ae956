// -----------------------------------------------------------------------
// JobEvent - Append-only execution audit record
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of execution event kinds
type EventType string

const (
	EventJobCreated        EventType = "job_created"
	EventCrewConfig        EventType = "crew_config"
	EventAgentStep         EventType = "agent_step"
	EventTaskComplete      EventType = "task_complete"
	EventCrewMessage       EventType = "crew_message"
	EventCrewExecutionLogs EventType = "crew_execution_logs"
	EventError             EventType = "error"
	EventJobFinalized      EventType = "job_finalized"
)

// ValidEventType reports whether t is a member of the closed event set
func ValidEventType(t EventType) bool {
	switch t {
	case EventJobCreated, EventCrewConfig, EventAgentStep, EventTaskComplete,
		EventCrewMessage, EventCrewExecutionLogs, EventError, EventJobFinalized:
		return true
	}
	return false
}

// JobEvent is one append-only record describing a step taken during a job.
// Identity is (JobID, Seq); Seq is gap-free per job starting at 1.
type JobEvent struct {
	// Key is "<job_id>/<seq zero-padded>" so range scans return events
	// in emit order.
	Key string `json:"-" badgerhold:"key"`

	JobID     string          `json:"job_id" badgerholdIndex:"JobID"`
	Seq       int             `json:"seq"`
	EventType EventType       `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	EventTime time.Time       `json:"event_time"`
}

// EventKey builds the composite storage key for a (job, seq) pair
func EventKey(jobID string, seq int) string {
	return fmt.Sprintf("%s/%010d", jobID, seq)
}

// NewJobEvent builds an event record; the caller assigns Seq under the
// store's lock.
func NewJobEvent(jobID string, seq int, eventType EventType, data json.RawMessage) *JobEvent {
	if data == nil {
		data = json.RawMessage("{}")
	}
	return &JobEvent{
		Key:       EventKey(jobID, seq),
		JobID:     jobID,
		Seq:       seq,
		EventType: eventType,
		EventData: data,
		EventTime: time.Now().UTC(),
	}
}

// AgentStepData is the structured payload of an agent_step event
type AgentStepData struct {
	Agent       string `json:"agent"`
	Task        string `json:"task,omitempty"`
	Message     string `json:"message,omitempty"`
	Action      string `json:"action,omitempty"`
	Observation string `json:"observation,omitempty"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	ToolOutput  string `json:"tool_output,omitempty"`
}

// ErrorEventData is the structured payload of an error event
type ErrorEventData struct {
	Class    string `json:"class"`
	Message  string `json:"message"`
	Context  string `json:"context,omitempty"`
	Category string `json:"category,omitempty"`
}
