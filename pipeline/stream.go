package pipeline

import "time"

// Event is one entry of a pipeline's lifecycle event stream, folded from raw
// broker events by the event monitor.
type Event struct {
	// ID is the pipeline id, injected by the subscribing caller.
	ID string `json:"id"`
	// TaskID is the broker task id the event belongs to.
	TaskID string `json:"task_id"`
	// Status is the folded broker status (e.g. STARTED, SUCCESS, FAILURE).
	Status string `json:"status"`
	// Result carries the handler return value on success.
	Result string `json:"result,omitempty"`
	// Traceback carries failure details.
	Traceback string `json:"traceback,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// LogMessage is one entry of a pipeline's live log stream.
type LogMessage struct {
	// ID is the pipeline id, injected by the subscribing caller.
	ID string `json:"id"`
	// TaskID is the broker task id the log stream belongs to.
	TaskID string `json:"task_id"`
	// MessageID is the log bus offset of this record.
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
	Time      time.Time `json:"time"`
}
