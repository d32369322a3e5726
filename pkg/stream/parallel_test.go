package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/taskstream/pkg/compress"
	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/pool"
	"github.com/fluxorio/taskstream/pkg/scheduler"
	"github.com/fluxorio/taskstream/pkg/task"
)

func testPool(t *testing.T, handler pool.Handler) *pool.Pool {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.MinWorkers = 2
	cfg.Pool.MaxWorkers = 4
	cfg.Pool.ProcessingTimeout = 40 * time.Millisecond // short retry delays

	emitter := core.NewEmitter()
	sched := scheduler.New(cfg.Scheduler, emitter, core.NewNopLogger(), nil)
	p := pool.New(cfg.Pool, sched, handler, emitter, &pool.Options{Name: "pp", Logger: core.NewNopLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

// sumHandler adds up every record value in the batch payload
func sumHandler(ctx context.Context, tk *task.Task) (interface{}, error) {
	batch := tk.Payload.([]compress.Record)
	var sum float64
	for _, r := range batch {
		for _, v := range r.Values {
			sum += v
		}
	}
	return sum, nil
}

func TestParallel_BatchesAndAggregates(t *testing.T) {
	p := testPool(t, sumHandler)
	pp := NewParallel(p, "batch", 10, core.NewNopLogger())

	// 25 records of value 1: two full batches of 10 submit, 5 wait
	for i := 0; i < 25; i++ {
		pp.Add(compress.Record{Values: map[string]float64{"v": 1}})
	}
	if got := pp.Queued(); got != 5 {
		t.Errorf("expected 5 unbatched records, got %d", got)
	}

	pp.Flush()
	if got := pp.Queued(); got != 0 {
		t.Errorf("expected empty queue after Flush, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pp.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	agg := pp.Results()
	if agg.Batches != 3 || agg.Records != 25 {
		t.Errorf("expected 3 batches / 25 records, got %d/%d", agg.Batches, agg.Records)
	}
	if agg.Sum != 25 || agg.Count != 3 {
		t.Errorf("expected sum 25 over 3 results, got %.1f over %d", agg.Sum, agg.Count)
	}
	if agg.Min != 5 || agg.Max != 10 {
		t.Errorf("expected min 5 / max 10, got %.1f/%.1f", agg.Min, agg.Max)
	}
	if agg.Failures != 0 {
		t.Errorf("expected no failures, got %d", agg.Failures)
	}
}

func TestParallel_CountsFailures(t *testing.T) {
	handler := func(ctx context.Context, tk *task.Task) (interface{}, error) {
		return nil, errors.New("handler down")
	}
	p := testPool(t, handler)
	pp := NewParallel(p, "batch", 2, core.NewNopLogger())

	fut := pp.SubmitBatch([]compress.Record{{}, {}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := fut.Await(ctx); err == nil {
		t.Fatal("expected batch task to fail")
	}

	agg := pp.Results()
	if agg.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", agg.Failures)
	}
	if agg.Batches != 0 {
		t.Errorf("failed batch should not count as completed, got %d", agg.Batches)
	}
}

func TestProcessor_ParallelMode(t *testing.T) {
	p := testPool(t, sumHandler)
	pp := NewParallel(p, "batch", 4, core.NewNopLogger())

	emitter := core.NewEmitter()
	processed := make(core.Mailbox, 2)
	emitter.Subscribe(core.EventProcessed, processed)

	cfg := streamCfg(func(c *config.StreamConfig) { c.BatchSize = 4 })
	proc := New(cfg, testCompressor(t), emitter, &Options{Parallel: pp, Logger: core.NewNopLogger()})
	proc.Start()
	defer proc.Stop()

	for i := 0; i < 4; i++ {
		proc.AddRecord(record(i))
	}

	select {
	case <-processed:
	case <-time.After(10 * time.Second):
		t.Fatal("parallel-mode batch never processed")
	}

	agg := pp.Results()
	if agg.Batches != 1 || agg.Records != 4 {
		t.Errorf("expected 1 batch / 4 records through the pool, got %d/%d", agg.Batches, agg.Records)
	}
}
