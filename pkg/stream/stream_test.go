package stream

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/taskstream/pkg/compress"
	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
)

func testCompressor(t *testing.T) *compress.Compressor {
	t.Helper()
	comp, err := compress.New(config.Default().Compression, core.NewNopLogger())
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	t.Cleanup(func() { comp.Close() })
	return comp
}

func record(i int) compress.Record {
	return compress.Record{
		Source: "test",
		Kind:   "sample",
		At:     int64(i),
		Values: map[string]float64{"v": float64(i)},
	}
}

func streamCfg(mutate func(*config.StreamConfig)) config.StreamConfig {
	cfg := config.Default().Stream
	cfg.BatchSize = 10
	cfg.FlushInterval = time.Minute // signal-driven unless a test shortens it
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func TestProcessor_FlushesFullBatches(t *testing.T) {
	emitter := core.NewEmitter()
	batches := make(core.Mailbox, 8)
	processed := make(core.Mailbox, 8)
	emitter.Subscribe(core.EventBatch, batches)
	emitter.Subscribe(core.EventProcessed, processed)

	p := New(streamCfg(nil), testCompressor(t), emitter, &Options{Logger: core.NewNopLogger()})
	p.Start()

	for i := 0; i < 25; i++ {
		p.AddRecord(record(i))
	}

	// 25 records at batch size 10: two full batches flush, five wait
	for i := 0; i < 2; i++ {
		select {
		case <-batches:
		case <-time.After(5 * time.Second):
			t.Fatalf("batch event %d never arrived", i)
		}
	}

	evt := <-processed
	pe := evt.Data.(ProcessedEvent)
	if pe.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", pe.BatchSize)
	}

	if got := p.QueueLen(); got != 5 {
		t.Errorf("expected 5 records still queued, got %d", got)
	}

	// Stop drains the partial batch
	p.Stop()
	select {
	case <-batches:
	case <-time.After(time.Second):
		t.Fatal("partial batch not drained on Stop")
	}
	if got := p.QueueLen(); got != 0 {
		t.Errorf("expected empty queue after Stop, got %d", got)
	}
}

func TestProcessor_TransformAppliesBeforeCompression(t *testing.T) {
	emitter := core.NewEmitter()
	batches := make(core.Mailbox, 2)
	emitter.Subscribe(core.EventBatch, batches)

	comp := testCompressor(t)
	doubler := func(records []compress.Record) ([]compress.Record, error) {
		out := make([]compress.Record, len(records))
		for i, r := range records {
			r.Values = map[string]float64{"v": r.Values["v"] * 2}
			out[i] = r
		}
		return out, nil
	}

	p := New(streamCfg(func(c *config.StreamConfig) { c.BatchSize = 4 }), comp, emitter,
		&Options{Transform: doubler, Logger: core.NewNopLogger()})
	p.Start()
	defer p.Stop()

	for i := 1; i <= 4; i++ {
		p.AddRecord(record(i))
	}

	select {
	case evt := <-batches:
		restored, err := comp.Decompress(evt.Data.([]byte))
		if err != nil {
			t.Fatalf("Decompress failed: %v", err)
		}
		if len(restored) != 4 {
			t.Fatalf("expected 4 records, got %d", len(restored))
		}
		if restored[0].Values["v"] != 2 {
			t.Errorf("transform not applied: v = %v", restored[0].Values["v"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no batch event")
	}
}

func TestProcessor_IntervalFlushesPartialBatch(t *testing.T) {
	emitter := core.NewEmitter()
	batches := make(core.Mailbox, 2)
	emitter.Subscribe(core.EventBatch, batches)

	p := New(streamCfg(func(c *config.StreamConfig) { c.FlushInterval = 20 * time.Millisecond }),
		testCompressor(t), emitter, &Options{Logger: core.NewNopLogger()})
	p.Start()
	defer p.Stop()

	for i := 0; i < 3; i++ {
		p.AddRecord(record(i))
	}

	select {
	case <-batches:
	case <-time.After(5 * time.Second):
		t.Fatal("interval tick never flushed the partial batch")
	}
}

func TestProcessor_RetriesThenRequeuesFront(t *testing.T) {
	emitter := core.NewEmitter()
	errs := make(core.Mailbox, 2)
	emitter.Subscribe(core.EventError, errs)

	var attempts int64
	failing := func(records []compress.Record) ([]compress.Record, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, errors.New("transform down")
	}

	cfg := streamCfg(func(c *config.StreamConfig) {
		c.BatchSize = 5
		c.RetryAttempts = 2
	})
	p := New(cfg, testCompressor(t), emitter, &Options{Transform: failing, Logger: core.NewNopLogger()})
	p.Start()

	for i := 0; i < 5; i++ {
		p.AddRecord(record(i))
	}

	select {
	case evt := <-errs:
		ee := evt.Data.(ErrorEvent)
		if ee.Stage != "batch" {
			t.Errorf("expected stage 'batch', got %s", ee.Stage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event after exhausted retries")
	}

	// Initial attempt plus both retries
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	// The batch goes back to the front of the queue, never discarded,
	// and waits for the next flush trigger instead of spinning hot
	if got := p.QueueLen(); got != 5 {
		t.Errorf("expected 5 requeued records, got %d", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("requeued batch must not be retried until the next trigger, got %d attempts", got)
	}

	// Stop must return even though the batch keeps failing; the final
	// best-effort flush gives up after one attempt per pass and the
	// records survive
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop never returned with a poisoned batch queued")
	}
	if got := p.QueueLen(); got != 5 {
		t.Errorf("expected 5 records to survive Stop, got %d", got)
	}
}

func TestProcessor_StopWithoutStart(t *testing.T) {
	p := New(streamCfg(nil), testCompressor(t), core.NewEmitter(), &Options{Logger: core.NewNopLogger()})

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop without Start never returned")
	}
}

func TestProcessor_OverflowEvictsOldest(t *testing.T) {
	emitter := core.NewEmitter()
	comp := testCompressor(t)

	cfg := streamCfg(func(c *config.StreamConfig) {
		c.BatchSize = 100 // never flush
		c.MaxQueueSize = 5
	})
	p := New(cfg, comp, emitter, &Options{Logger: core.NewNopLogger()})
	// Not started: eviction happens on the producer path

	for i := 0; i < 8; i++ {
		p.AddRecord(record(i))
	}

	if got := p.QueueLen(); got != 5 {
		t.Errorf("expected queue capped at 5, got %d", got)
	}
}
