package scheduler

import "time"

// WorkerStatus is the lifecycle state of an execution unit as seen by
// the scheduler's routing logic.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
	WorkerStarting
	WorkerStopping
	WorkerError
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerStarting:
		return "starting"
	case WorkerStopping:
		return "stopping"
	case WorkerError:
		return "error"
	default:
		return "unknown"
	}
}

// WorkerDescriptor is the scheduler's view of one execution unit.
// The owning pool drives status/currentTask mutation through the
// scheduler's explicit update calls; the scheduler itself only reads
// them for routing and adjusts Load on completion accounting.
//
// Invariant: Status == WorkerBusy iff CurrentTaskID != "".
type WorkerDescriptor struct {
	ID                string
	Status            WorkerStatus
	Load              int // synthetic busyness, 0-100
	ProcessedCount    int64
	ErrorCount        int64
	AvgProcessingTime time.Duration
	CurrentTaskID     string
	Specialties       []string
}

func (w *WorkerDescriptor) prefers(taskType string) bool {
	for _, s := range w.Specialties {
		if s == taskType {
			return true
		}
	}
	return false
}

func (w *WorkerDescriptor) clone() WorkerDescriptor {
	c := *w
	c.Specialties = append([]string(nil), w.Specialties...)
	return c
}
