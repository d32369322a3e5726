package config

import (
	"fmt"
	"time"

	"github.com/fluxorio/taskstream/pkg/task"
)

// TypeOverride carries per-task-type scheduling overrides as they appear
// in a config file. Pointer-free on purpose: zero values mean "inherit".
type TypeOverride struct {
	Priority   string        `yaml:"priority" json:"priority"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"maxRetries" json:"maxRetries"`
}

// SchedulerConfig configures a task scheduler
type SchedulerConfig struct {
	MaxQueueSize        int                     `yaml:"maxQueueSize" json:"maxQueueSize"`
	DefaultPriority     string                  `yaml:"defaultPriority" json:"defaultPriority"`
	DefaultTimeout      time.Duration           `yaml:"defaultTimeout" json:"defaultTimeout"`
	MaxRetries          int                     `yaml:"maxRetries" json:"maxRetries"`
	LoadBalanceInterval time.Duration           `yaml:"loadBalanceInterval" json:"loadBalanceInterval"`
	LoadThreshold       float64                 `yaml:"loadThreshold" json:"loadThreshold"`
	TypeOverrides       map[string]TypeOverride `yaml:"typeOverrides" json:"typeOverrides"`

	// Synthetic load recovery per finished dispatch. The source system
	// hard-coded 20/10; kept configurable because the original tuning
	// intent is undocumented.
	CompleteLoadDelta int `yaml:"completeLoadDelta" json:"completeLoadDelta"`
	ErrorLoadDelta    int `yaml:"errorLoadDelta" json:"errorLoadDelta"`
}

// PoolConfig configures a worker pool
type PoolConfig struct {
	MinWorkers         int           `yaml:"minWorkers" json:"minWorkers"`
	MaxWorkers         int           `yaml:"maxWorkers" json:"maxWorkers"`
	IdleTimeout        time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ProcessingTimeout  time.Duration `yaml:"processingTimeout" json:"processingTimeout"`
	ScaleUpThreshold   float64       `yaml:"scaleUpThreshold" json:"scaleUpThreshold"`
	ScaleDownThreshold float64       `yaml:"scaleDownThreshold" json:"scaleDownThreshold"`
}

// StreamConfig configures a stream processor
type StreamConfig struct {
	BatchSize     int           `yaml:"batchSize" json:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval" json:"flushInterval"`
	MaxQueueSize  int           `yaml:"maxQueueSize" json:"maxQueueSize"`
	RetryAttempts int           `yaml:"retryAttempts" json:"retryAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay" json:"retryDelay"`
}

// CompressionConfig configures the batch compressor
type CompressionConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	Level     int  `yaml:"level" json:"level"`
	Threshold int  `yaml:"threshold" json:"threshold"`
}

// BalancerConfig configures the multi-pool load balancer
type BalancerConfig struct {
	Strategy      string        `yaml:"strategy" json:"strategy"`
	MaxLoad       float64       `yaml:"maxLoad" json:"maxLoad"`
	TargetLatency time.Duration `yaml:"targetLatency" json:"targetLatency"`
	CheckInterval time.Duration `yaml:"checkInterval" json:"checkInterval"`
}

// Config is the root configuration for the execution core
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	Pool        PoolConfig        `yaml:"pool" json:"pool"`
	Stream      StreamConfig      `yaml:"stream" json:"stream"`
	Compression CompressionConfig `yaml:"compression" json:"compression"`
	Balancer    BalancerConfig    `yaml:"balancer" json:"balancer"`
}

// Default returns a Config with every field set to its documented default
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxQueueSize:        1000,
			DefaultPriority:     "normal",
			DefaultTimeout:      30 * time.Second,
			MaxRetries:          3,
			LoadBalanceInterval: 5 * time.Second,
			LoadThreshold:       20,
			CompleteLoadDelta:   20,
			ErrorLoadDelta:      10,
		},
		Pool: PoolConfig{
			MinWorkers:         2,
			MaxWorkers:         10,
			IdleTimeout:        60 * time.Second,
			ProcessingTimeout:  30 * time.Second,
			ScaleUpThreshold:   5,
			ScaleDownThreshold: 0.3,
		},
		Stream: StreamConfig{
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
			MaxQueueSize:  10000,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		Compression: CompressionConfig{
			Enabled:   true,
			Level:     3,
			Threshold: 1024,
		},
		Balancer: BalancerConfig{
			Strategy:      "adaptive",
			MaxLoad:       0.9,
			TargetLatency: 200 * time.Millisecond,
			CheckInterval: 5 * time.Second,
		},
	}
}

// ParsePriority converts a config-file priority name to a task.Priority
func ParsePriority(s string) (task.Priority, error) {
	switch s {
	case "low":
		return task.PriorityLow, nil
	case "", "normal":
		return task.PriorityNormal, nil
	case "high":
		return task.PriorityHigh, nil
	case "critical":
		return task.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Validator validates configuration
type Validator interface {
	Validate(cfg *Config) error
}

// ValidatorFunc is a function that validates configuration
type ValidatorFunc func(cfg *Config) error

func (f ValidatorFunc) Validate(cfg *Config) error {
	return f(cfg)
}

// Validate runs the built-in structural checks plus any extra validators
func Validate(cfg *Config, extra ...Validator) error {
	checks := append([]Validator{ValidatorFunc(validateStructure)}, extra...)
	for _, v := range checks {
		if err := v.Validate(cfg); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}

func validateStructure(cfg *Config) error {
	if cfg.Scheduler.MaxQueueSize < 1 {
		return fmt.Errorf("scheduler.maxQueueSize must be >= 1, got %d", cfg.Scheduler.MaxQueueSize)
	}
	if _, err := ParsePriority(cfg.Scheduler.DefaultPriority); err != nil {
		return fmt.Errorf("scheduler.defaultPriority: %w", err)
	}
	if cfg.Scheduler.LoadBalanceInterval <= 0 {
		return fmt.Errorf("scheduler.loadBalanceInterval must be positive")
	}
	if cfg.Pool.MinWorkers < 1 {
		return fmt.Errorf("pool.minWorkers must be >= 1, got %d", cfg.Pool.MinWorkers)
	}
	if cfg.Pool.MaxWorkers < cfg.Pool.MinWorkers {
		return fmt.Errorf("pool.maxWorkers (%d) below pool.minWorkers (%d)",
			cfg.Pool.MaxWorkers, cfg.Pool.MinWorkers)
	}
	if cfg.Pool.ScaleDownThreshold < 0 || cfg.Pool.ScaleDownThreshold > 1 {
		return fmt.Errorf("pool.scaleDownThreshold must be in [0,1], got %g", cfg.Pool.ScaleDownThreshold)
	}
	if cfg.Stream.BatchSize < 1 {
		return fmt.Errorf("stream.batchSize must be >= 1, got %d", cfg.Stream.BatchSize)
	}
	if cfg.Stream.MaxQueueSize < cfg.Stream.BatchSize {
		return fmt.Errorf("stream.maxQueueSize (%d) below stream.batchSize (%d)",
			cfg.Stream.MaxQueueSize, cfg.Stream.BatchSize)
	}
	if cfg.Compression.Level < 1 || cfg.Compression.Level > 4 {
		return fmt.Errorf("compression.level must be in [1,4], got %d", cfg.Compression.Level)
	}
	switch cfg.Balancer.Strategy {
	case "round-robin", "least-busy", "weighted", "adaptive":
	default:
		return fmt.Errorf("unknown balancer.strategy %q", cfg.Balancer.Strategy)
	}
	if cfg.Balancer.MaxLoad <= 0 || cfg.Balancer.MaxLoad > 1 {
		return fmt.Errorf("balancer.maxLoad must be in (0,1], got %g", cfg.Balancer.MaxLoad)
	}
	for name, ov := range cfg.Scheduler.TypeOverrides {
		if ov.Priority != "" {
			if _, err := ParsePriority(ov.Priority); err != nil {
				return fmt.Errorf("typeOverrides[%s]: %w", name, err)
			}
		}
	}
	return nil
}
