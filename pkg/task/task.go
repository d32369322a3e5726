package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks across queue tiers. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of queue tiers
const NumPriorities = 4

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority tiers
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Status is the lifecycle state of a task.
//
// PENDING → RUNNING → {COMPLETED | FAILED | back to PENDING on a retryable
// failure}; CANCELLED is reachable only from PENDING.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the task can no longer change state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a single unit of schedulable work. The work item itself is
// immutable once queued; only scheduling metadata (Status, RetryCount)
// changes, and only under the owning scheduler's lock.
type Task struct {
	ID          string
	Type        string
	Payload     interface{}
	Priority    Priority
	SubmittedAt time.Time
	Timeout     time.Duration
	MaxRetries  int
	RetryCount  int
	Status      Status
}

// CanRetry reports whether another attempt is permitted
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Spec describes a task submission. Zero values mean "fill from the
// per-type configuration table, then from scheduler defaults".
type Spec struct {
	ID         string
	Type       string
	Payload    interface{}
	Priority   *Priority
	Timeout    time.Duration
	MaxRetries *int
}

// TypeConfig overrides defaults for one task type
type TypeConfig struct {
	Priority   *Priority
	Timeout    time.Duration
	MaxRetries *int
}

// New materializes a Task from a spec plus resolved defaults.
// Generates an id when the caller did not supply one.
func New(spec Spec, priority Priority, timeout time.Duration, maxRetries int) *Task {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &Task{
		ID:          id,
		Type:        spec.Type,
		Payload:     spec.Payload,
		Priority:    priority,
		SubmittedAt: time.Now(),
		Timeout:     timeout,
		MaxRetries:  maxRetries,
		Status:      StatusPending,
	}
}
