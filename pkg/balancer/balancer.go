package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fluxorio/taskstream/pkg/config"
	"github.com/fluxorio/taskstream/pkg/core"
	"github.com/fluxorio/taskstream/pkg/core/failfast"
	"github.com/fluxorio/taskstream/pkg/pool"
	"github.com/fluxorio/taskstream/pkg/task"
)

// Strategy selects which pool receives a submitted task
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	LeastBusy  Strategy = "least-busy"
	Weighted   Strategy = "weighted"
	Adaptive   Strategy = "adaptive"
)

// PoolStats is the balancer's periodic snapshot of one member pool
type PoolStats struct {
	Name       string
	Weight     float64
	Load       float64
	AvgLatency time.Duration
	Size       int
	Busy       int
	Available  bool
}

type member struct {
	name   string
	pool   *pool.Pool
	weight float64

	// refreshed on the check ticker, read by selection
	load    float64
	latency time.Duration
}

// Balancer routes task submissions across multiple worker pools, e.g.
// one pool per resource class. No ordering guarantee exists between
// tasks routed to different pools.
type Balancer struct {
	cfg      config.BalancerConfig
	strategy Strategy
	logger   core.Logger

	mu      sync.Mutex
	members []*member
	rrIndex int
	rng     *rand.Rand
	started bool
	stopped bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a balancer with the configured strategy
func New(cfg config.BalancerConfig, logger core.Logger) *Balancer {
	failfast.If(cfg.MaxLoad > 0, "cfg.MaxLoad must be positive")
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	strategy := Strategy(cfg.Strategy)
	switch strategy {
	case RoundRobin, LeastBusy, Weighted, Adaptive:
	default:
		strategy = Adaptive
	}

	return &Balancer{
		cfg:      cfg,
		strategy: strategy,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic stats refresh
func (b *Balancer) Start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.refreshLoop()
}

// Stop cancels the refresh ticker. Idempotent, and safe without a
// prior Start.
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		b.stopped = true
		if !b.started {
			close(b.done)
		}
		b.mu.Unlock()
	})
	<-b.done
}

// RegisterPool adds a pool under the given name and weight. A weight at
// or below zero is treated as 1.
func (b *Balancer) RegisterPool(name string, p *pool.Pool, weight float64) {
	failfast.NotNil(p, "pool")
	if weight <= 0 {
		weight = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.members {
		if m.name == name {
			m.pool = p
			m.weight = weight
			return
		}
	}
	b.members = append(b.members, &member{
		name:    name,
		pool:    p,
		weight:  weight,
		load:    p.Load(),
		latency: p.AvgLatency(),
	})
}

// RemovePool removes a pool from routing
func (b *Balancer) RemovePool(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members {
		if m.name == name {
			b.members = append(b.members[:i], b.members[i+1:]...)
			return
		}
	}
}

// Submit selects a pool for the task and delegates the submission.
// Fails with NO_AVAILABLE_POOL when every pool is at or above MaxLoad.
func (b *Balancer) Submit(spec task.Spec) (*core.Future[pool.Result], error) {
	selected, err := b.selectPool()
	if err != nil {
		return nil, err
	}
	return selected.Submit(spec), nil
}

// SelectPool returns the pool the current strategy would route to
func (b *Balancer) SelectPool() (*pool.Pool, error) {
	return b.selectPool()
}

func (b *Balancer) selectPool() (*pool.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A pool with no spare capacity is excluded from selection entirely
	candidates := make([]*member, 0, len(b.members))
	for _, m := range b.members {
		if m.load < b.cfg.MaxLoad {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, core.ErrNoAvailablePool.WithMessage(
			"all %d pool(s) at or above max load %.2f", len(b.members), b.cfg.MaxLoad)
	}

	switch b.strategy {
	case RoundRobin:
		m := candidates[b.rrIndex%len(candidates)]
		b.rrIndex++
		return m.pool, nil

	case LeastBusy:
		best := candidates[0]
		for _, m := range candidates[1:] {
			if m.load < best.load {
				best = m
			}
		}
		return best.pool, nil

	case Weighted:
		var total float64
		for _, m := range candidates {
			total += m.weight
		}
		draw := b.rng.Float64() * total
		for _, m := range candidates {
			draw -= m.weight
			if draw < 0 {
				return m.pool, nil
			}
		}
		return candidates[len(candidates)-1].pool, nil

	default: // Adaptive
		return b.selectAdaptive(candidates), nil
	}
}

// selectAdaptive scores each candidate as the mean of spare capacity,
// latency headroom against the target, and normalized operator weight,
// then picks the highest score.
func (b *Balancer) selectAdaptive(candidates []*member) *pool.Pool {
	var maxWeight float64
	for _, m := range candidates {
		if m.weight > maxWeight {
			maxWeight = m.weight
		}
	}

	best := candidates[0]
	bestScore := -1.0
	for _, m := range candidates {
		capacity := 1 - m.load

		latencyScore := 1.0
		if b.cfg.TargetLatency > 0 {
			latencyScore = 1 - float64(m.latency)/float64(b.cfg.TargetLatency)
			if latencyScore < 0 {
				latencyScore = 0
			}
		}

		weightScore := m.weight / maxWeight

		score := (capacity + latencyScore + weightScore) / 3
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	return best.pool
}

// Stats returns a snapshot of every member pool as last refreshed
func (b *Balancer) Stats() []PoolStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make([]PoolStats, 0, len(b.members))
	for _, m := range b.members {
		ps := m.pool.Stats()
		stats = append(stats, PoolStats{
			Name:       m.name,
			Weight:     m.weight,
			Load:       m.load,
			AvgLatency: m.latency,
			Size:       ps.Size,
			Busy:       ps.Busy,
			Available:  m.load < b.cfg.MaxLoad,
		})
	}
	return stats
}

func (b *Balancer) refreshLoop() {
	defer close(b.done)

	interval := b.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Refresh()
		case <-b.stopCh:
			return
		}
	}
}

// Refresh recomputes per-pool load/latency outside the selection path so
// Submit never pays for stats collection
func (b *Balancer) Refresh() {
	b.mu.Lock()
	members := append([]*member(nil), b.members...)
	b.mu.Unlock()

	for _, m := range members {
		load := m.pool.Load()
		latency := m.pool.AvgLatency()
		b.mu.Lock()
		m.load = load
		m.latency = latency
		b.mu.Unlock()
	}
}
