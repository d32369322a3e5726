package core

import "fmt"

// Error is a typed error carrying a stable machine-readable code.
// Callers match on Code (or on the sentinel values below) rather than
// on message text.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error with the same code.
// Allows errors.Is(err, ErrQueueFull) after wrapping with %w.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e with a more specific message,
// preserving the code so errors.Is still matches the sentinel.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for the execution core
var (
	ErrValidation       = &Error{Code: "VALIDATION", Message: "Invalid submission parameters"}
	ErrQueueFull        = &Error{Code: "QUEUE_FULL", Message: "Task queue is at capacity"}
	ErrTaskTimeout      = &Error{Code: "TASK_TIMEOUT", Message: "Task deadline exceeded"}
	ErrWorkerFailure    = &Error{Code: "WORKER_FAILURE", Message: "Execution unit reported a failure"}
	ErrPoolShuttingDown = &Error{Code: "POOL_SHUTTING_DOWN", Message: "Pool is shutting down"}
	ErrNoAvailablePool  = &Error{Code: "NO_AVAILABLE_POOL", Message: "No pool has capacity"}
	ErrTaskCancelled    = &Error{Code: "TASK_CANCELLED", Message: "Task was cancelled"}
	ErrTaskNotFound     = &Error{Code: "TASK_NOT_FOUND", Message: "No such task"}
)
