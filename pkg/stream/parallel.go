package stream

import (
	"context"
	"sync"

	"github.com/fluxorio/taskstream/pkg/compress"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/core/failfast"
	"github.com/fluxorio/taskstream/pkg/pool"
	"github.com/fluxorio/taskstream/pkg/task"
)

// Aggregate accumulates the numeric results of completed batch tasks
type Aggregate struct {
	Batches  int64
	Records  int64
	Failures int64
	Sum      float64
	Min      float64
	Max      float64
	Count    int64 // numeric results observed
}

// ParallelProcessor is a producer-facing queue that groups incoming
// records into batches and submits each batch as one task to a worker
// pool. Numeric results from the pool's handler are aggregated.
type ParallelProcessor struct {
	pool      *pool.Pool
	taskType  string
	batchSize int
	logger    core.Logger

	mu          sync.Mutex
	queue       []compress.Record
	agg         Aggregate
	outstanding []*core.Future[pool.Result]
}

// NewParallel creates a parallel processor submitting batches of
// batchSize records as tasks of the given type.
func NewParallel(p *pool.Pool, taskType string, batchSize int, logger core.Logger) *ParallelProcessor {
	failfast.NotNil(p, "pool")
	failfast.Positive(batchSize, "batchSize")
	if taskType == "" {
		taskType = "batch"
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &ParallelProcessor{
		pool:      p,
		taskType:  taskType,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Add queues one record, submitting a batch task when the batch fills.
// Never blocks beyond enqueue.
func (pp *ParallelProcessor) Add(rec compress.Record) {
	pp.mu.Lock()
	pp.queue = append(pp.queue, rec)
	if len(pp.queue) < pp.batchSize {
		pp.mu.Unlock()
		return
	}
	batch := pp.queue[:pp.batchSize]
	pp.queue = append([]compress.Record(nil), pp.queue[pp.batchSize:]...)
	pp.mu.Unlock()

	pp.SubmitBatch(batch)
}

// Flush submits any partial batch immediately
func (pp *ParallelProcessor) Flush() {
	pp.mu.Lock()
	if len(pp.queue) == 0 {
		pp.mu.Unlock()
		return
	}
	batch := pp.queue
	pp.queue = nil
	pp.mu.Unlock()

	pp.SubmitBatch(batch)
}

// SubmitBatch submits one batch as a single pool task and wires the
// result into the aggregate.
func (pp *ParallelProcessor) SubmitBatch(batch []compress.Record) *core.Future[pool.Result] {
	fut := pp.pool.Submit(task.Spec{Type: pp.taskType, Payload: batch})

	size := int64(len(batch))
	fut.OnSuccess(func(r pool.Result) {
		pp.mu.Lock()
		defer pp.mu.Unlock()
		pp.agg.Batches++
		pp.agg.Records += size
		if v, ok := toFloat64(r.Value); ok {
			if pp.agg.Count == 0 || v < pp.agg.Min {
				pp.agg.Min = v
			}
			if pp.agg.Count == 0 || v > pp.agg.Max {
				pp.agg.Max = v
			}
			pp.agg.Sum += v
			pp.agg.Count++
		}
	})
	fut.OnFailure(func(err error) {
		pp.logger.Warnf("batch task failed: %v", err)
		pp.mu.Lock()
		pp.agg.Failures++
		pp.mu.Unlock()
	})

	pp.mu.Lock()
	pp.outstanding = append(pp.outstanding, fut)
	pp.mu.Unlock()
	return fut
}

// Drain waits for every outstanding batch task to settle
func (pp *ParallelProcessor) Drain(ctx context.Context) error {
	pp.mu.Lock()
	outstanding := pp.outstanding
	pp.outstanding = nil
	pp.mu.Unlock()

	for _, fut := range outstanding {
		if _, err := fut.Await(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Task failures are already counted in the aggregate
		}
	}
	return nil
}

// Results returns a snapshot of the aggregate
func (pp *ParallelProcessor) Results() Aggregate {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.agg
}

// Queued returns the number of records not yet batched
func (pp *ParallelProcessor) Queued() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.queue)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
