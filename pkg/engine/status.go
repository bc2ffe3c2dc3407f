package engine

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the lifecycle state of an onboarding task.
type TaskStatus string

const (
	// StatusPending indicates the task is accepted and waiting for a worker slot.
	StatusPending TaskStatus = "PENDING"

	// StatusRunning indicates a worker owns the task and is executing attempts.
	StatusRunning TaskStatus = "RUNNING"

	// StatusSucceeded indicates facts were obtained.
	StatusSucceeded TaskStatus = "SUCCEEDED"

	// StatusFailed indicates the task ended with a classified failure.
	StatusFailed TaskStatus = "FAILED"
)

// IsTerminal returns true if the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsActive returns true if the task is pending or running.
func (s TaskStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// ValidTransition reports whether a task may move from one status to another.
//
//	PENDING -> RUNNING
//	PENDING -> FAILED      (cancelled while queued)
//	RUNNING -> SUCCEEDED
//	RUNNING -> FAILED
//
// Terminal statuses never transition; deletion removes the task instead.
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// EventType represents a task lifecycle event.
type EventType string

const (
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskStarted   EventType = "task.started"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskDeleted   EventType = "task.deleted"
	EventTaskWarning   EventType = "task.warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTaskFailed:
		return "error"
	case EventTaskWarning, EventTaskRetrying:
		return "warning"
	default:
		return "info"
	}
}
