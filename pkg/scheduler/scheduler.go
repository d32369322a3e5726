package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/core/failfast"
	"github.com/fluxorio/taskstream/pkg/metrics"
	"github.com/fluxorio/taskstream/pkg/task"
)

// Load added to a worker on dispatch. Recovery deltas (completion/error)
// come from config; see SchedulerConfig.
const dispatchLoadDelta = 30

// TaskRemovedEvent is the payload of a taskRemoved notification
type TaskRemovedEvent struct {
	TaskID string
	Reason string
}

// RedistributeEvent is the payload of a redistributeTasks notification
type RedistributeEvent struct {
	FromWorkerID string
	ToWorkerIDs  []string
	TaskCount    int
}

// WorkerSnapshot is a read-only copy of one descriptor for stats queries
type WorkerSnapshot struct {
	ID                string
	Status            string
	Load              int
	ProcessedCount    int64
	ErrorCount        int64
	AvgProcessingTime time.Duration
	CurrentTaskID     string
}

// Stats is a point-in-time snapshot of scheduler state
type Stats struct {
	QueueDepth     int
	QueuedByTier   [task.NumPriorities]int
	WorkerCount    int
	TotalProcessed int64
	TotalFailed    int64
	MeanLoad       float64
	Workers        []WorkerSnapshot
}

// Scheduler owns the per-priority task queues and the worker descriptor
// registry. It decides which queued task an idle worker receives next and
// periodically emits redistribution signals when worker load diverges.
// It has no knowledge of how tasks execute.
type Scheduler struct {
	cfg             config.SchedulerConfig
	defaultPriority task.Priority
	typeConfigs     map[string]task.TypeConfig
	emitter         *core.Emitter
	logger          core.Logger
	metrics         *metrics.Metrics

	mu             sync.Mutex
	queues         [task.NumPriorities][]*task.Task
	queueLen       int
	workers        map[string]*WorkerDescriptor
	totalProcessed int64
	totalFailed    int64
	onEvicted      func(taskID string)
	started        bool
	stopped        bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a scheduler. emitter is required; logger and m may be nil.
func New(cfg config.SchedulerConfig, emitter *core.Emitter, logger core.Logger, m *metrics.Metrics) *Scheduler {
	failfast.NotNil(emitter, "emitter")
	failfast.Positive(cfg.MaxQueueSize, "cfg.MaxQueueSize")
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	defaultPriority, err := config.ParsePriority(cfg.DefaultPriority)
	failfast.Err(err)

	typeConfigs := make(map[string]task.TypeConfig, len(cfg.TypeOverrides))
	for name, ov := range cfg.TypeOverrides {
		tc := task.TypeConfig{Timeout: ov.Timeout}
		if ov.Priority != "" {
			p, err := config.ParsePriority(ov.Priority)
			failfast.Err(err)
			tc.Priority = &p
		}
		if ov.MaxRetries > 0 {
			r := ov.MaxRetries
			tc.MaxRetries = &r
		}
		typeConfigs[name] = tc
	}

	return &Scheduler{
		cfg:             cfg,
		defaultPriority: defaultPriority,
		typeConfigs:     typeConfigs,
		emitter:         emitter,
		logger:          logger,
		metrics:         m,
		workers:         make(map[string]*WorkerDescriptor),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the periodic load-balance pass
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.loadBalanceLoop()
}

// Stop cancels the load-balance ticker. Idempotent, and safe without a
// prior Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		s.stopped = true
		if !s.started {
			close(s.done)
		}
		s.mu.Unlock()
	})
	<-s.done
}

// OnTaskEvicted registers the callback invoked with the id of every task
// dropped by capacity eviction. The pool layer uses it to settle the
// evicted task's pending future. Called without the scheduler lock held.
func (s *Scheduler) OnTaskEvicted(fn func(taskID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvicted = fn
}

// RegisterWorker adds a worker descriptor to the routing pool.
// Idempotent per id: re-registering an existing id is a no-op.
func (s *Scheduler) RegisterWorker(desc WorkerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[desc.ID]; exists {
		return
	}
	d := desc.clone()
	s.workers[desc.ID] = &d
}

// UnregisterWorker removes a worker from routing
func (s *Scheduler) UnregisterWorker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
}

// UpdateWorkerStatus is the pool-driven status update issued after each
// dispatch or completion. A negative load keeps the current value.
func (s *Scheduler) UpdateWorkerStatus(id string, status WorkerStatus, load int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return
	}
	w.Status = status
	if load >= 0 {
		w.Load = clampLoad(load)
	}
	if status != WorkerBusy {
		w.CurrentTaskID = ""
	}
}

// SubmitTask validates the spec, fills defaults from the per-type
// configuration table and queues the task on its priority tier.
//
// When the combined queue is at capacity, a task may still be admitted by
// evicting the oldest task in the lowest non-empty tier strictly below
// the new task's priority; otherwise submission fails with QUEUE_FULL.
func (s *Scheduler) SubmitTask(spec task.Spec) (string, error) {
	if spec.Type == "" {
		return "", core.ErrValidation.WithMessage("task type is required")
	}
	if spec.Timeout < 0 {
		return "", core.ErrValidation.WithMessage("timeout must not be negative")
	}
	if spec.Priority != nil && !spec.Priority.Valid() {
		return "", core.ErrValidation.WithMessage("priority %d out of range", *spec.Priority)
	}
	if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
		return "", core.ErrValidation.WithMessage("maxRetries must not be negative")
	}

	t := s.materialize(spec)

	// Eviction and enqueue happen under one critical section so
	// concurrent submitters cannot race the freed slot past capacity.
	s.mu.Lock()
	var evicted *task.Task
	if s.queueLen >= s.cfg.MaxQueueSize {
		evicted = s.evictForLocked(t.Priority)
		if evicted == nil {
			s.mu.Unlock()
			return "", core.ErrQueueFull.WithMessage(
				"queue at capacity (%d) and no lower-priority task to evict", s.cfg.MaxQueueSize)
		}
	}

	s.queues[t.Priority] = append(s.queues[t.Priority], t)
	s.queueLen++
	depth := len(s.queues[t.Priority])
	onEvicted := s.onEvicted
	s.mu.Unlock()

	if evicted != nil {
		s.emitter.Emit(core.EventTaskRemoved, TaskRemovedEvent{TaskID: evicted.ID, Reason: "evicted"})
		s.metrics.RecordEvicted()
		if onEvicted != nil {
			onEvicted(evicted.ID)
		}
	}

	s.metrics.RecordSubmitted(t.Priority.String())
	s.metrics.SetQueueDepth(t.Priority.String(), depth)
	s.emitter.Emit(core.EventTaskSubmitted, t.ID)

	return t.ID, nil
}

// materialize resolves submission defaults: per-type overrides first,
// scheduler defaults second.
func (s *Scheduler) materialize(spec task.Spec) *task.Task {
	priority := s.defaultPriority
	timeout := s.cfg.DefaultTimeout
	maxRetries := s.cfg.MaxRetries

	if tc, ok := s.typeConfigs[spec.Type]; ok {
		if tc.Priority != nil {
			priority = *tc.Priority
		}
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.MaxRetries != nil {
			maxRetries = *tc.MaxRetries
		}
	}
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	return task.New(spec, priority, timeout, maxRetries)
}

// evictForLocked drops the single oldest task in the lowest non-empty
// tier strictly below p. Returns nil when no such tier exists.
func (s *Scheduler) evictForLocked(p task.Priority) *task.Task {
	for tier := task.PriorityLow; tier < p; tier++ {
		q := s.queues[tier]
		if len(q) == 0 {
			continue
		}
		victim := q[0]
		s.queues[tier] = q[1:]
		s.queueLen--
		victim.Status = task.StatusCancelled
		return victim
	}
	return nil
}

// NextTask returns the task the given idle worker should run next, or nil.
//
// Tiers are scanned from CRITICAL down to LOW. Within a tier a task whose
// type matches one of the worker's specialties is preferred over strict
// FIFO order; otherwise the oldest task wins.
func (s *Scheduler) NextTask(workerID string) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok || w.Status == WorkerBusy || w.Load >= 100 {
		return nil
	}

	for tier := task.PriorityCritical; tier >= task.PriorityLow; tier-- {
		q := s.queues[tier]
		if len(q) == 0 {
			continue
		}

		idx := 0
		if len(w.Specialties) > 0 {
			for i, t := range q {
				if w.prefers(t.Type) {
					idx = i
					break
				}
			}
		}

		t := q[idx]
		s.queues[tier] = append(q[:idx], q[idx+1:]...)
		s.queueLen--
		t.Status = task.StatusRunning
		return t
	}
	return nil
}

// MarkDispatched records that the pool handed taskID to workerID.
// Raises the worker's synthetic load by the dispatch delta.
func (s *Scheduler) MarkDispatched(workerID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.Status = WorkerBusy
	w.CurrentTaskID = taskID
	w.Load = clampLoad(w.Load + dispatchLoadDelta)
}

// TaskCompleted updates worker and global statistics after a successful
// run. Completion recovers the worker's load by the configured delta.
func (s *Scheduler) TaskCompleted(taskID, workerID string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalProcessed++
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.ProcessedCount++
	w.Load = clampLoad(w.Load - s.cfg.CompleteLoadDelta)
	// Cumulative moving average
	w.AvgProcessingTime += (duration - w.AvgProcessingTime) / time.Duration(w.ProcessedCount)
	if w.CurrentTaskID == taskID {
		w.CurrentTaskID = ""
		w.Status = WorkerIdle
	}
}

// TaskFailed updates worker and global statistics after a failed run.
// Errors recover less load than completions.
func (s *Scheduler) TaskFailed(taskID, workerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalFailed++
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.ErrorCount++
	w.Load = clampLoad(w.Load - s.cfg.ErrorLoadDelta)
	if w.CurrentTaskID == taskID {
		w.CurrentTaskID = ""
		w.Status = WorkerIdle
	}
	s.logger.Debugf("task %s failed on worker %s: %v", taskID, workerID, err)
}

// Requeue pushes a previously dispatched task back to the front of its
// priority tier. The caller is responsible for retry accounting.
func (s *Scheduler) Requeue(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.Status = task.StatusPending
	s.queues[t.Priority] = append([]*task.Task{t}, s.queues[t.Priority]...)
	s.queueLen++
}

// Cancel removes a PENDING task from its queue. A RUNNING task cannot be
// cancelled; its timeout is the only cancellation mechanism.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	for tier := range s.queues {
		for i, t := range s.queues[tier] {
			if t.ID == taskID {
				s.queues[tier] = append(s.queues[tier][:i], s.queues[tier][i+1:]...)
				s.queueLen--
				t.Status = task.StatusCancelled
				s.mu.Unlock()
				s.emitter.Emit(core.EventTaskRemoved, TaskRemovedEvent{TaskID: taskID, Reason: "cancelled"})
				return nil
			}
		}
	}
	s.mu.Unlock()
	return core.ErrTaskNotFound.WithMessage("no pending task %s", taskID)
}

// LoadBalanceInterval returns the shared periodic cadence; pools run
// their scaling checks on the same tick rate.
func (s *Scheduler) LoadBalanceInterval() time.Duration {
	return s.cfg.LoadBalanceInterval
}

// QueueDepth returns the combined queue length across all tiers
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueLen
}

// Stats returns a read-only snapshot. Never mutates state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		QueueDepth:     s.queueLen,
		WorkerCount:    len(s.workers),
		TotalProcessed: s.totalProcessed,
		TotalFailed:    s.totalFailed,
		Workers:        make([]WorkerSnapshot, 0, len(s.workers)),
	}
	for tier := range s.queues {
		st.QueuedByTier[tier] = len(s.queues[tier])
	}

	var loadSum int
	for _, w := range s.workers {
		loadSum += w.Load
		st.Workers = append(st.Workers, WorkerSnapshot{
			ID:                w.ID,
			Status:            w.Status.String(),
			Load:              w.Load,
			ProcessedCount:    w.ProcessedCount,
			ErrorCount:        w.ErrorCount,
			AvgProcessingTime: w.AvgProcessingTime,
			CurrentTaskID:     w.CurrentTaskID,
		})
	}
	if len(s.workers) > 0 {
		st.MeanLoad = float64(loadSum) / float64(len(s.workers))
	}
	return st
}

func (s *Scheduler) loadBalanceLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.LoadBalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.balancePass()
		case <-s.stopCh:
			return
		}
	}
}

// balancePass compares each worker's load against the mean and emits a
// redistributeTasks signal for every overloaded worker. The pool layer
// acts on the signal; the scheduler only detects the imbalance.
func (s *Scheduler) balancePass() {
	s.mu.Lock()

	n := len(s.workers)
	if n == 0 {
		s.mu.Unlock()
		return
	}

	var loadSum int
	for _, w := range s.workers {
		loadSum += w.Load
	}
	mean := float64(loadSum) / float64(n)

	type signal struct {
		from  string
		load  int
		to    []string
		count int
	}
	var signals []signal

	var underloaded []string
	for id, w := range s.workers {
		if float64(w.Load) < mean-s.cfg.LoadThreshold {
			underloaded = append(underloaded, id)
		}
	}
	fairShare := 100.0 / float64(n)
	for id, w := range s.workers {
		if float64(w.Load) <= mean+s.cfg.LoadThreshold {
			continue
		}
		count := int(math.Ceil((float64(w.Load) - fairShare) / 10))
		if count <= 0 {
			continue
		}
		signals = append(signals, signal{
			from:  id,
			load:  w.Load,
			to:    append([]string(nil), underloaded...),
			count: count,
		})
	}
	s.mu.Unlock()

	for _, sig := range signals {
		s.logger.Debugf("worker %s overloaded (load=%d, mean=%.1f), redistributing %d task(s)",
			sig.from, sig.load, mean, sig.count)
		s.emitter.Emit(core.EventRedistributeTasks, RedistributeEvent{
			FromWorkerID: sig.from,
			ToWorkerIDs:  sig.to,
			TaskCount:    sig.count,
		})
	}
}

func clampLoad(load int) int {
	if load < 0 {
		return 0
	}
	if load > 100 {
		return 100
	}
	return load
}
