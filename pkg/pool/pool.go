package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/core/failfast"
	"github.com/fluxorio/taskstream/pkg/metrics"
	"github.com/fluxorio/taskstream/pkg/scheduler"
	"github.com/fluxorio/taskstream/pkg/task"
)

// Handler executes one task. The context carries the task's deadline;
// handlers should honor cancellation, but a handler that never returns is
// still bounded by the pool's timeout-and-recycle path.
type Handler func(ctx context.Context, t *task.Task) (interface{}, error)

// Result is delivered through the future returned by Submit
type Result struct {
	TaskID   string
	Value    interface{}
	Duration time.Duration
}

// WorkerEvent is the payload of workerCreated / workerExit notifications
type WorkerEvent struct {
	Pool     string
	WorkerID string
}

// WorkerErrorEvent is the payload of a workerError notification
type WorkerErrorEvent struct {
	Pool     string
	WorkerID string
	TaskID   string
	Error    string
}

// WorkerTimeoutEvent is the payload of a workerTimeout notification
type WorkerTimeoutEvent struct {
	Pool     string
	WorkerID string
	TaskID   string
}

// ScaledEvent is the payload of a poolScaled notification
type ScaledEvent struct {
	Pool        string
	Direction   string // "up" or "down"
	WorkerCount int
}

// Stats is a point-in-time snapshot of pool state
type Stats struct {
	Name       string
	Size       int
	Busy       int
	Idle       int
	QueueDepth int
	Completed  int64
	Failed     int64
	AvgLatency time.Duration
	Load       float64 // Busy / Size
}

// Options are optional construction parameters
type Options struct {
	// Name identifies the pool in events, metrics and worker ids
	Name string

	// Specialties are task types the pool's workers prefer; forwarded to
	// the scheduler on registration
	Specialties []string

	Logger  core.Logger
	Metrics *metrics.Metrics
}

// unit is one execution goroutine. assign is buffered so the coordinator
// never blocks handing over a task to an idle unit.
type unit struct {
	id     string
	assign chan *task.Task
	quit   chan struct{}

	// coordinator-owned state, guarded by Pool.mu
	busy      bool
	idleSince time.Time
}

type unitResult struct {
	u        *unit
	taskID   string
	value    interface{}
	err      error
	duration time.Duration
}

type inflight struct {
	t          *task.Task
	workerID   string
	timer      *time.Timer
	superseded bool
}

// Pool owns minWorkers..maxWorkers execution units bound to one
// scheduler. It sources work through the scheduler's routing decisions,
// reports completion and errors back, recycles units that time out, and
// scales the unit count with queue pressure.
type Pool struct {
	name    string
	cfg     config.PoolConfig
	sched   *scheduler.Scheduler
	handler Handler
	emitter *core.Emitter
	logger  core.Logger
	metrics *metrics.Metrics

	specialties []string

	mu           sync.Mutex
	units        map[string]*unit
	inflight     map[string]*inflight // by task id
	futures      map[string]*core.Future[Result]
	completed    int64
	failed       int64
	avgLatency   time.Duration
	unitSeq      int
	shuttingDown bool
	drained      chan struct{}

	results  chan unitResult
	timeouts chan string
	signal   chan struct{}
	redistr  core.Mailbox
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
	unitWG   sync.WaitGroup
}

// New creates a pool, spawns the minimum number of execution units and
// registers each with the scheduler.
func New(cfg config.PoolConfig, sched *scheduler.Scheduler, handler Handler, emitter *core.Emitter, opts *Options) *Pool {
	failfast.NotNil(sched, "scheduler")
	failfast.NotNil(handler, "handler")
	failfast.NotNil(emitter, "emitter")
	failfast.Positive(cfg.MinWorkers, "cfg.MinWorkers")
	failfast.If(cfg.MaxWorkers >= cfg.MinWorkers, "maxWorkers (%d) below minWorkers (%d)",
		cfg.MaxWorkers, cfg.MinWorkers)

	if opts == nil {
		opts = &Options{}
	}
	name := opts.Name
	if name == "" {
		name = "pool-" + uuid.New().String()[:8]
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	p := &Pool{
		name:        name,
		cfg:         cfg,
		sched:       sched,
		handler:     handler,
		emitter:     emitter,
		logger:      logger,
		metrics:     opts.Metrics,
		specialties: opts.Specialties,
		units:       make(map[string]*unit),
		inflight:    make(map[string]*inflight),
		futures:     make(map[string]*core.Future[Result]),
		drained:     make(chan struct{}),
		results:     make(chan unitResult, cfg.MaxWorkers),
		timeouts:    make(chan string, cfg.MaxWorkers),
		signal:      make(chan struct{}, 1),
		redistr:     make(core.Mailbox, 16),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}

	emitter.Subscribe(core.EventRedistributeTasks, p.redistr)
	// A capacity eviction drops a queued task; its caller is still
	// awaiting the future, which must settle rather than hang.
	sched.OnTaskEvicted(p.taskEvicted)

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.addUnitLocked()
	}
	p.mu.Unlock()

	go p.coordinate()
	return p
}

// Name returns the pool's identifier
func (p *Pool) Name() string { return p.name }

// Submit wraps the payload spec in a task, hands it to the scheduler and
// returns a future that settles when the matching completion or terminal
// error arrives for that task id. The call never blocks beyond enqueue.
func (p *Pool) Submit(spec task.Spec) *core.Future[Result] {
	fut := core.NewFuture[Result]()

	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		fut.Fail(core.ErrPoolShuttingDown)
		return fut
	}
	// Register before SubmitTask so a fast completion cannot race the
	// future lookup.
	p.futures[spec.ID] = fut
	p.mu.Unlock()

	if _, err := p.sched.SubmitTask(spec); err != nil {
		p.mu.Lock()
		delete(p.futures, spec.ID)
		p.mu.Unlock()
		fut.Fail(err)
		return fut
	}

	p.poke()
	return fut
}

// taskEvicted fails the future of a task the scheduler evicted to admit
// a higher-priority submission.
func (p *Pool) taskEvicted(taskID string) {
	p.mu.Lock()
	fut := p.futures[taskID]
	delete(p.futures, taskID)
	p.mu.Unlock()

	if fut != nil {
		fut.Fail(core.ErrTaskCancelled.WithMessage("task %s evicted by a higher-priority submission", taskID))
	}
}

// Stats returns a read-only snapshot. Never mutates state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Name:       p.name,
		Size:       len(p.units),
		QueueDepth: p.sched.QueueDepth(),
		Completed:  p.completed,
		Failed:     p.failed,
		AvgLatency: p.avgLatency,
	}
	for _, u := range p.units {
		if u.busy {
			st.Busy++
		} else {
			st.Idle++
		}
	}
	if st.Size > 0 {
		st.Load = float64(st.Busy) / float64(st.Size)
	}
	return st
}

// Load returns the busy fraction, 0..1
func (p *Pool) Load() float64 {
	return p.Stats().Load
}

// AvgLatency returns the rolling average task latency
func (p *Pool) AvgLatency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgLatency
}

// Shutdown stops accepting submissions, fails every queued-not-started
// task fast, waits (bounded by ctx) for in-flight tasks to settle, then
// terminates all units and clears internal state.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		<-p.loopDone
		return nil
	}
	p.shuttingDown = true

	// Queued-but-not-started tasks fail fast
	var pending []string
	for id := range p.futures {
		if _, running := p.inflight[id]; !running {
			pending = append(pending, id)
		}
	}
	inflightCount := len(p.inflight)
	p.mu.Unlock()

	for _, id := range pending {
		// Cancel may miss tasks sitting in a retry-delay window; the
		// future still fails either way.
		_ = p.sched.Cancel(id)
		p.mu.Lock()
		fut := p.futures[id]
		delete(p.futures, id)
		p.mu.Unlock()
		if fut != nil {
			fut.Fail(core.ErrPoolShuttingDown)
		}
	}

	var err error
	if inflightCount > 0 {
		select {
		case <-p.drained:
		case <-ctx.Done():
			err = fmt.Errorf("shutdown: %d task(s) still in flight: %w", p.inflightCount(), ctx.Err())
		}
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.loopDone

	p.mu.Lock()
	for id, u := range p.units {
		close(u.quit)
		p.sched.UnregisterWorker(id)
	}
	p.units = make(map[string]*unit)
	p.mu.Unlock()
	p.unitWG.Wait()

	p.mu.Lock()
	for id, inf := range p.inflight {
		inf.timer.Stop()
		if fut := p.futures[id]; fut != nil {
			fut.Fail(core.ErrPoolShuttingDown)
		}
		delete(p.futures, id)
	}
	p.inflight = make(map[string]*inflight)
	remaining := p.futures
	p.futures = make(map[string]*core.Future[Result])
	p.mu.Unlock()

	for _, fut := range remaining {
		fut.Fail(core.ErrPoolShuttingDown)
	}

	p.emitter.Unsubscribe(core.EventRedistributeTasks, p.redistr)
	return err
}

func (p *Pool) inflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// poke nudges the coordinator to run a dispatch pass
func (p *Pool) poke() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// coordinate is the pool's single coordinating goroutine. All dispatch,
// completion, timeout, scaling and redistribution handling funnels
// through here.
func (p *Pool) coordinate() {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.sched.LoadBalanceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.signal:
			p.dispatch()
		case r := <-p.results:
			p.handleResult(r)
		case taskID := <-p.timeouts:
			p.handleTimeout(taskID)
		case evt := <-p.redistr:
			if ev, ok := evt.Data.(scheduler.RedistributeEvent); ok {
				p.handleRedistribute(ev)
			}
		case <-ticker.C:
			p.checkScaling()
		case <-p.stopCh:
			return
		}
	}
}

// dispatch hands queued tasks to every idle unit the scheduler has work for
func (p *Pool) dispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, u := range p.units {
		if u.busy {
			continue
		}
		t := p.sched.NextTask(id)
		if t == nil {
			continue
		}

		u.busy = true
		p.sched.MarkDispatched(id, t.ID)

		inf := &inflight{t: t, workerID: id}
		taskID := t.ID
		inf.timer = time.AfterFunc(t.Timeout, func() {
			select {
			case p.timeouts <- taskID:
			case <-p.stopCh:
			}
		})
		p.inflight[t.ID] = inf

		u.assign <- t
	}
}

func (p *Pool) handleResult(r unitResult) {
	p.mu.Lock()

	// The unit is physically free again regardless of whether the
	// attempt still counts. A non-current unit was already replaced
	// (floor recycle); its descriptor now tracks the replacement.
	current := p.units[r.u.id] == r.u
	if current {
		r.u.busy = false
		r.u.idleSince = time.Now()
	}

	inf, ok := p.inflight[r.taskID]
	if !ok || inf.superseded || inf.workerID != r.u.id {
		// Stale attempt: the task timed out or was redistributed while
		// this unit was still executing. Discard.
		if current {
			p.sched.UpdateWorkerStatus(r.u.id, scheduler.WorkerIdle, -1)
		}
		p.mu.Unlock()
		p.poke()
		return
	}

	inf.timer.Stop()
	delete(p.inflight, r.taskID)
	fut := p.futures[r.taskID]
	t := inf.t

	if r.err == nil {
		delete(p.futures, r.taskID)
		p.completed++
		p.avgLatency += (r.duration - p.avgLatency) / time.Duration(p.completed)
		p.mu.Unlock()

		t.Status = task.StatusCompleted
		p.sched.TaskCompleted(r.taskID, r.u.id, r.duration)
		p.metrics.RecordCompleted(p.name, r.duration)
		if fut != nil {
			fut.Complete(Result{TaskID: r.taskID, Value: r.value, Duration: r.duration})
		}
		p.checkDrained()
		p.poke()
		return
	}

	p.mu.Unlock()
	p.sched.TaskFailed(r.taskID, r.u.id, r.err)
	p.emitter.Emit(core.EventWorkerError, WorkerErrorEvent{
		Pool: p.name, WorkerID: r.u.id, TaskID: r.taskID, Error: r.err.Error(),
	})
	p.retryOrFail(t, fut, r.err)
	p.poke()
}

// retryOrFail re-submits the task after a flat delay while retries
// remain; otherwise the error surfaces to the caller's pending future.
func (p *Pool) retryOrFail(t *task.Task, fut *core.Future[Result], cause error) {
	p.mu.Lock()
	canRetry := t.CanRetry() && !p.shuttingDown
	if canRetry {
		t.RetryCount++
		// The future stays registered for the next attempt.
	} else {
		delete(p.futures, t.ID)
		p.failed++
	}
	p.mu.Unlock()

	if canRetry {
		delay := p.cfg.ProcessingTimeout / 2
		time.AfterFunc(delay, func() {
			p.mu.Lock()
			shuttingDown := p.shuttingDown
			p.mu.Unlock()
			if shuttingDown {
				p.mu.Lock()
				fut := p.futures[t.ID]
				delete(p.futures, t.ID)
				p.mu.Unlock()
				if fut != nil {
					fut.Fail(core.ErrPoolShuttingDown)
				}
				return
			}
			p.sched.Requeue(t)
			p.poke()
		})
		return
	}

	t.Status = task.StatusFailed
	p.metrics.RecordFailed(p.name, errorReason(cause))
	if fut != nil {
		fut.Fail(fmt.Errorf("task %s failed after %d attempt(s): %w", t.ID, t.RetryCount+1, cause))
	}
	p.checkDrained()
}

// handleTimeout treats the deadline as an error for the in-flight task
// and recycles the worker that missed it.
func (p *Pool) handleTimeout(taskID string) {
	p.mu.Lock()
	inf, ok := p.inflight[taskID]
	if !ok || inf.superseded {
		p.mu.Unlock()
		return
	}
	inf.superseded = true
	delete(p.inflight, taskID)
	fut := p.futures[taskID]
	t := inf.t
	workerID := inf.workerID
	p.mu.Unlock()

	p.logger.Warnf("pool %s: task %s timed out after %s on worker %s", p.name, taskID, t.Timeout, workerID)
	p.emitter.Emit(core.EventWorkerTimeout, WorkerTimeoutEvent{Pool: p.name, WorkerID: workerID, TaskID: taskID})

	p.sched.TaskFailed(taskID, workerID, core.ErrTaskTimeout)
	p.recycleWorker(workerID)
	p.retryOrFail(t, fut, core.ErrTaskTimeout)
	p.poke()
}

// recycleWorker terminates a unit that missed a deadline. Above the
// minimum the unit is removed outright; at the floor it is replaced by a
// fresh unit with the same id so the pool self-heals.
func (p *Pool) recycleWorker(id string) {
	p.mu.Lock()
	u, ok := p.units[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	close(u.quit)
	delete(p.units, id)

	if len(p.units) >= p.cfg.MinWorkers {
		p.sched.UnregisterWorker(id)
		size := len(p.units)
		p.mu.Unlock()
		p.emitter.Emit(core.EventWorkerExit, WorkerEvent{Pool: p.name, WorkerID: id})
		p.updateWorkerMetrics()
		p.logger.Infof("pool %s: removed timed-out worker %s (%d units)", p.name, id, size)
		return
	}

	// At the floor: replace with a fresh unit under the same id. The
	// scheduler descriptor is reused as-is.
	fresh := &unit{
		id:        id,
		assign:    make(chan *task.Task, 1),
		quit:      make(chan struct{}),
		idleSince: time.Now(),
	}
	p.units[id] = fresh
	p.unitWG.Add(1)
	go p.runUnit(fresh)
	p.mu.Unlock()

	p.sched.UpdateWorkerStatus(id, scheduler.WorkerIdle, -1)
	p.emitter.Emit(core.EventWorkerCreated, WorkerEvent{Pool: p.name, WorkerID: id})
	p.logger.Infof("pool %s: replaced timed-out worker %s", p.name, id)
}

// handleRedistribute moves the flagged worker's current task back to the
// queue. The in-flight attempt keeps running but its result is discarded;
// the unit frees up when the handler returns.
func (p *Pool) handleRedistribute(ev scheduler.RedistributeEvent) {
	p.mu.Lock()
	var victim *inflight
	for _, inf := range p.inflight {
		if inf.workerID == ev.FromWorkerID && !inf.superseded {
			victim = inf
			break
		}
	}
	if victim == nil {
		p.mu.Unlock()
		return
	}
	victim.superseded = true
	victim.timer.Stop()
	delete(p.inflight, victim.t.ID)
	t := victim.t
	p.mu.Unlock()

	p.logger.Debugf("pool %s: requeueing task %s away from overloaded worker %s", p.name, t.ID, ev.FromWorkerID)
	p.sched.Requeue(t)
	p.poke()
}

// checkScaling runs on the shared load-balance cadence
func (p *Pool) checkScaling() {
	p.mu.Lock()

	size := len(p.units)
	idle := 0
	var oldestIdle *unit
	for _, u := range p.units {
		if u.busy {
			continue
		}
		idle++
		if oldestIdle == nil || u.idleSince.Before(oldestIdle.idleSince) {
			oldestIdle = u
		}
	}
	queueDepth := p.sched.QueueDepth()

	// Scale up under queue pressure
	if float64(queueDepth) > p.cfg.ScaleUpThreshold*float64(size) && size < p.cfg.MaxWorkers {
		id := p.addUnitLocked()
		size = len(p.units)
		p.mu.Unlock()
		p.emitter.Emit(core.EventPoolScaled, ScaledEvent{Pool: p.name, Direction: "up", WorkerCount: size})
		p.metrics.RecordScaling(p.name, "up")
		p.updateWorkerMetrics()
		p.logger.Infof("pool %s: scaled up to %d units (queue depth %d), added %s", p.name, size, queueDepth, id)
		p.poke()
		return
	}

	// Scale down when mostly idle and one unit has idled long enough
	idleFraction := 0.0
	if size > 0 {
		idleFraction = float64(idle) / float64(size)
	}
	if idleFraction > p.cfg.ScaleDownThreshold && size > p.cfg.MinWorkers &&
		oldestIdle != nil && time.Since(oldestIdle.idleSince) >= p.cfg.IdleTimeout {
		close(oldestIdle.quit)
		delete(p.units, oldestIdle.id)
		p.sched.UnregisterWorker(oldestIdle.id)
		size = len(p.units)
		p.mu.Unlock()
		p.emitter.Emit(core.EventWorkerExit, WorkerEvent{Pool: p.name, WorkerID: oldestIdle.id})
		p.emitter.Emit(core.EventPoolScaled, ScaledEvent{Pool: p.name, Direction: "down", WorkerCount: size})
		p.metrics.RecordScaling(p.name, "down")
		p.updateWorkerMetrics()
		p.logger.Infof("pool %s: scaled down to %d units, retired %s", p.name, size, oldestIdle.id)
		return
	}

	p.mu.Unlock()
	p.updateWorkerMetrics()
}

// addUnitLocked creates a unit, registers its descriptor and starts its
// goroutine. Caller holds p.mu.
func (p *Pool) addUnitLocked() string {
	p.unitSeq++
	id := fmt.Sprintf("%s-w%d", p.name, p.unitSeq)

	u := &unit{
		id:        id,
		assign:    make(chan *task.Task, 1),
		quit:      make(chan struct{}),
		idleSince: time.Now(),
	}
	p.units[id] = u

	p.sched.RegisterWorker(scheduler.WorkerDescriptor{
		ID:          id,
		Status:      scheduler.WorkerIdle,
		Specialties: p.specialties,
	})

	p.unitWG.Add(1)
	go p.runUnit(u)
	p.emitter.Emit(core.EventWorkerCreated, WorkerEvent{Pool: p.name, WorkerID: id})
	return id
}

// runUnit is one execution unit: receive a task, run the handler, report
// the outcome. Panics in handlers are contained and surface as worker
// failures rather than crashing the process.
func (p *Pool) runUnit(u *unit) {
	defer p.unitWG.Done()

	for {
		select {
		case t := <-u.assign:
			start := time.Now()
			value, err := p.invoke(t)
			r := unitResult{u: u, taskID: t.ID, value: value, err: err, duration: time.Since(start)}
			// A quit during execution must not swallow the finished
			// result, so delivery is tried first.
			select {
			case p.results <- r:
			default:
				select {
				case p.results <- r:
				case <-u.quit:
					return
				}
			}
		case <-u.quit:
			return
		}
	}
}

func (p *Pool) invoke(t *task.Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.ErrWorkerFailure.WithMessage("handler panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()
	return p.handler(ctx, t)
}

// checkDrained closes the drained channel once shutdown has begun
// and no task remains in flight.
func (p *Pool) checkDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown && len(p.inflight) == 0 {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
}

func (p *Pool) updateWorkerMetrics() {
	if p.metrics == nil {
		return
	}
	st := p.Stats()
	p.metrics.SetWorkers(p.name, st.Size, st.Busy)
}

func errorReason(err error) string {
	if e, ok := err.(*core.Error); ok {
		return e.Code
	}
	return "error"
}
