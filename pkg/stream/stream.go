package stream

import (
	"context"
	"sync"
	"time"

	"github.com/fluxorio/taskstream/pkg/compress"
	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/core/failfast"
	"github.com/fluxorio/taskstream/pkg/metrics"
)

// Transform is the direct in-process batch transform. nil leaves the
// batch unchanged.
type Transform func(records []compress.Record) ([]compress.Record, error)

// ProcessedEvent is the payload of a processed notification
type ProcessedEvent struct {
	BatchSize        int
	ProcessingTime   time.Duration
	CompressionStats compress.Stats
}

// ErrorEvent is the payload of an error notification
type ErrorEvent struct {
	Stage string
	Error string
}

// Options are optional construction parameters
type Options struct {
	// Transform runs before compression in direct mode
	Transform Transform

	// Parallel delegates finalized batches to a parallel processor
	// backed by a worker pool. When set, Transform still applies first.
	Parallel *ParallelProcessor

	Logger  core.Logger
	Metrics *metrics.Metrics
}

// Processor is the outward-facing ingestion point. Records arrive one at
// a time, accumulate into batches, flow through the optional transform
// and/or parallel processor, get compressed and are emitted as batch
// events. Failed batches retry with growing backoff and are pushed back
// to the front of the queue when retries run out — never discarded.
type Processor struct {
	cfg     config.StreamConfig
	comp    *compress.Compressor
	emitter *core.Emitter
	logger  core.Logger
	metrics *metrics.Metrics

	transform Transform
	parallel  *ParallelProcessor

	mu    sync.Mutex
	queue []compress.Record

	started bool
	stopped bool

	signal   chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a stream processor. comp and emitter are required.
func New(cfg config.StreamConfig, comp *compress.Compressor, emitter *core.Emitter, opts *Options) *Processor {
	failfast.NotNil(comp, "compressor")
	failfast.NotNil(emitter, "emitter")
	failfast.Positive(cfg.BatchSize, "cfg.BatchSize")
	failfast.Positive(cfg.MaxQueueSize, "cfg.MaxQueueSize")

	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	return &Processor{
		cfg:       cfg,
		comp:      comp,
		emitter:   emitter,
		logger:    logger,
		metrics:   opts.Metrics,
		transform: opts.Transform,
		parallel:  opts.Parallel,
		signal:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the flush loop
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.run()
}

// Stop drains remaining records (single best-effort pass) and stops the
// flush loop. Idempotent, and safe without a prior Start.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.stopped = true
		if !p.started {
			close(p.done)
		}
		p.mu.Unlock()
	})
	<-p.done
}

// AddRecord appends one record to the ingestion queue. Overflow evicts
// the oldest records instead of rejecting: a logged, non-fatal condition,
// never an error. The call never blocks beyond enqueue.
func (p *Processor) AddRecord(rec compress.Record) {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.MaxQueueSize {
		drop := len(p.queue) - p.cfg.MaxQueueSize + 1
		p.queue = append([]compress.Record(nil), p.queue[drop:]...)
		p.mu.Unlock()
		p.logger.Warnf("ingestion queue full (%d), evicted %d oldest record(s)", p.cfg.MaxQueueSize, drop)
		p.metrics.RecordRecordsEvicted(drop)
		p.mu.Lock()
	}
	p.queue = append(p.queue, rec)
	ready := len(p.queue) >= p.cfg.BatchSize
	p.mu.Unlock()

	if ready {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
}

// QueueLen returns the number of records waiting to be batched
func (p *Processor) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Processor) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.signal:
			p.flushFull()
		case <-ticker.C:
			// The interval tick also flushes a partial batch so slow
			// producers still see their records emitted.
			p.flushFull()
			p.flushPartial()
		case <-p.stopCh:
			p.flushFull()
			p.flushPartial()
			return
		}
	}
}

// flushFull processes every complete batch currently queued. A batch
// that exhausts its retries lands back at the front of the queue, so
// the loop must stop rather than pick it straight up again; the batch
// waits for the next flush trigger.
func (p *Processor) flushFull() {
	for {
		p.mu.Lock()
		if len(p.queue) < p.cfg.BatchSize {
			p.mu.Unlock()
			return
		}
		batch := append([]compress.Record(nil), p.queue[:p.cfg.BatchSize]...)
		p.queue = append([]compress.Record(nil), p.queue[p.cfg.BatchSize:]...)
		p.mu.Unlock()

		if !p.processBatch(batch) {
			return
		}
	}
}

// flushPartial processes whatever is queued, short of a full batch
func (p *Processor) flushPartial() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	p.processBatch(batch)
}

// processBatch runs one finalized, immutable batch through processing
// with bounded retries. Exhausted batches go back to the front of the
// queue so no record is silently lost. Reports whether the batch was
// consumed; false means it was requeued.
func (p *Processor) processBatch(batch []compress.Record) bool {
	start := time.Now()

	var err error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			p.metrics.RecordBatchRetry()
			select {
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			case <-p.stopCh:
				// Shutdown during backoff: requeue and bail
				p.requeueFront(batch)
				return false
			}
		}

		if err = p.processOnce(batch); err == nil {
			p.emitter.Emit(core.EventProcessed, ProcessedEvent{
				BatchSize:        len(batch),
				ProcessingTime:   time.Since(start),
				CompressionStats: p.comp.Stats(),
			})
			return true
		}
		p.logger.Warnf("batch processing attempt %d/%d failed: %v", attempt+1, p.cfg.RetryAttempts+1, err)
	}

	p.requeueFront(batch)
	p.emitter.Emit(core.EventError, ErrorEvent{Stage: "batch", Error: err.Error()})
	p.logger.Errorf("batch of %d record(s) requeued after %d failed attempt(s): %v",
		len(batch), p.cfg.RetryAttempts+1, err)
	return false
}

func (p *Processor) processOnce(batch []compress.Record) error {
	records := batch
	if p.transform != nil {
		transformed, err := p.transform(records)
		if err != nil {
			return err
		}
		records = transformed
	}

	if p.parallel != nil {
		fut := p.parallel.SubmitBatch(records)
		if _, err := fut.Await(context.Background()); err != nil {
			return err
		}
	}

	before := p.comp.Stats()
	data, err := p.comp.Compress(records)
	if err != nil {
		return err
	}

	after := p.comp.Stats()
	p.metrics.ObserveBatch(len(records))
	p.metrics.RecordCompression(
		int(after.OriginalSize-before.OriginalSize),
		int(after.CompressedSize-before.CompressedSize),
		after.Ratio())
	p.emitter.Emit(core.EventBatch, data)
	return nil
}

func (p *Processor) requeueFront(batch []compress.Record) {
	p.mu.Lock()
	p.queue = append(append([]compress.Record(nil), batch...), p.queue...)
	p.mu.Unlock()
}
