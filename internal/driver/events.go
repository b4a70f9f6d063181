package driver

import "time"

// EventType names a point in a run's life
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventStatus          EventType = "status"
	EventBatchDispatched EventType = "batch_dispatched"
	EventToolCall        EventType = "tool_call"
	EventRunFinished     EventType = "run_finished"
)

// Event is a progress notification for live observers
type Event struct {
	Type     EventType `json:"type"`
	ID       string    `json:"id,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	Repo     string    `json:"repo,omitempty"`
	Status   string    `json:"status,omitempty"`
	Calls    int       `json:"calls,omitempty"`
	Tool     string    `json:"tool,omitempty"`
	Files    []string  `json:"files,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Observer receives events synchronously; it must not block
type Observer func(Event)
