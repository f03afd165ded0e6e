package core

import "time"

// Priority orders tasks in an agent's queue. Lower numeric value sorts
// first, so PriorityCritical tasks are always dequeued ahead of the rest.
type Priority int

// Task priorities, highest urgency first.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// TaskSpec is the caller-supplied portion of a task submitted via
// SubmitTask. The agent assigns id, creation time and the retry counter.
type TaskSpec struct {
	Type          string
	Priority      Priority
	Payload       any
	MaxRetries    int
	Deadline      time.Time // zero means no deadline
	CorrelationID string
}

// Task is a unit of work owned exclusively by one agent's local queue. It
// is removed from the queue when dequeued for execution and may be
// re-enqueued on failure until MaxRetries is exhausted, at which point it is
// dropped and counted as a permanent failure.
type Task struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Priority      Priority  `json:"priority"`
	Payload       any       `json:"payload"`
	Created       time.Time `json:"created"`
	Retries       int       `json:"retries"`
	MaxRetries    int       `json:"max_retries"`
	Deadline      time.Time `json:"deadline,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// TaskResult records the outcome of a single execution attempt. It is
// produced exactly once per attempt and handed to the requesting caller;
// the core keeps no persistent result store.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Success   bool          `json:"success"`
	Output    any           `json:"output,omitempty"`
	Err       string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}
