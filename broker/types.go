package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Task is one unit of work pulled off the queue.
type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Handler executes one task kind. The returned string becomes the task's
// terminal result value.
type Handler func(ctx context.Context, task Task) (string, error)

// Lifecycle event types broadcast per task. Events are best effort: they may
// be duplicated or lost, and subscribers fall back to Result for terminal
// state.
const (
	EventSent      = "task-sent"
	EventReceived  = "task-received"
	EventStarted   = "task-started"
	EventSucceeded = "task-succeeded"
	EventFailed    = "task-failed"
	EventRejected  = "task-rejected"
	EventRevoked   = "task-revoked"
	EventRetried   = "task-retried"
)

// Event is one lifecycle broadcast.
type Event struct {
	TaskID string `json:"task_id"`
	// RootID names the originating task when a handler spawns children.
	RootID    string    `json:"root_id,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
	Runtime   float64   `json:"runtime,omitempty"`
}

// Result statuses. PENDING is returned for unknown or not-yet-finished
// tasks.
const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusRevoked = "REVOKED"
)

// Result is the authoritative terminal record of a task.
type Result struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Value     string    `json:"value,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the status will no longer change.
func (r *Result) Terminal() bool {
	switch r.Status {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}
