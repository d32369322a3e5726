package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxorio/taskstream/pkg/balancer"
	"github.com/fluxorio/taskstream/pkg/compress"
	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/metrics"
	"github.com/fluxorio/taskstream/pkg/pool"
	"github.com/fluxorio/taskstream/pkg/scheduler"
	"github.com/fluxorio/taskstream/pkg/stream"
	"github.com/fluxorio/taskstream/pkg/task"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML or JSON)")
	metricsAddr := flag.String("metrics", ":9190", "prometheus exposition address, empty to disable")
	flag.Parse()

	logger := core.NewDefaultLogger()

	cfg, err := config.LoadWithEnv(*configPath, "TASKSTREAM")
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	m := metrics.New()
	emitter := core.NewEmitter()

	// Log notable notifications
	events := make(core.Mailbox, 256)
	emitter.SubscribeAll(events)
	go func() {
		for evt := range events {
			switch evt.Name {
			case core.EventPoolScaled, core.EventWorkerTimeout, core.EventTaskRemoved, core.EventError:
				logger.Infof("event %s: %+v", evt.Name, evt.Data)
			}
		}
	}()

	// Each pool binds its own scheduler; the balancer routes across pools
	cpuSched := scheduler.New(cfg.Scheduler, emitter, logger, m)
	cpuSched.Start()
	defer cpuSched.Stop()
	ioSched := scheduler.New(cfg.Scheduler, emitter, logger, m)
	ioSched.Start()
	defer ioSched.Stop()

	handler := func(ctx context.Context, t *task.Task) (interface{}, error) {
		// Synthetic work: aggregate the mean of every value in the batch
		batch, ok := t.Payload.([]compress.Record)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T", t.Payload)
		}
		var sum float64
		var n int
		for _, rec := range batch {
			for _, v := range rec.Values {
				sum += v
				n++
			}
		}
		if n == 0 {
			return 0.0, nil
		}
		return sum / float64(n), nil
	}

	cpuPool := pool.New(cfg.Pool, cpuSched, handler, emitter, &pool.Options{
		Name: "cpu", Specialties: []string{"batch"}, Logger: logger, Metrics: m,
	})
	ioPool := pool.New(cfg.Pool, ioSched, handler, emitter, &pool.Options{
		Name: "io", Logger: logger, Metrics: m,
	})

	lb := balancer.New(cfg.Balancer, logger)
	lb.RegisterPool("cpu", cpuPool, 2)
	lb.RegisterPool("io", ioPool, 1)
	lb.Start()
	defer lb.Stop()

	comp, err := compress.New(cfg.Compression, logger)
	if err != nil {
		logger.Errorf("create compressor: %v", err)
		os.Exit(1)
	}
	defer comp.Close()

	parallel := stream.NewParallel(cpuPool, "batch", cfg.Stream.BatchSize, logger)
	proc := stream.New(cfg.Stream, comp, emitter, &stream.Options{
		Parallel: parallel,
		Logger:   logger,
		Metrics:  m,
	})
	proc.Start()
	defer proc.Stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warnf("metrics server: %v", err)
			}
		}()
	}

	// Synthetic producer
	producerStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		sources := []string{"node-a", "node-b", "node-c"}
		for {
			select {
			case <-ticker.C:
				proc.AddRecord(compress.Record{
					Source: sources[rand.Intn(len(sources))],
					Kind:   "sample",
					At:     time.Now().UnixMilli(),
					Values: map[string]float64{
						"cpu_pct":    rand.Float64() * 100,
						"mem_ratio":  rand.Float64(),
						"latency_ms": rand.Float64() * 50,
					},
					Counts: map[string]int64{"requests": int64(rand.Intn(1000))},
				})
			case <-producerStop:
				return
			}
		}
	}()

	logger.Info("taskstream demo running, Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(producerStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc.Stop()
	if err := parallel.Drain(shutdownCtx); err != nil {
		logger.Warnf("drain: %v", err)
	}
	if err := cpuPool.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("cpu pool shutdown: %v", err)
	}
	if err := ioPool.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("io pool shutdown: %v", err)
	}

	cpuStats := cpuSched.Stats()
	ioStats := ioSched.Stats()
	cs := comp.Stats()
	agg := parallel.Results()
	logger.Infof("processed=%d failed=%d batches=%d records=%d compression ratio=%.3f saved=%dB",
		cpuStats.TotalProcessed+ioStats.TotalProcessed, cpuStats.TotalFailed+ioStats.TotalFailed,
		agg.Batches, agg.Records, cs.Ratio(), cs.TotalSaved)
}
