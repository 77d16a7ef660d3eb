package transport

import (
	"fmt"
	"time"

	"github.com/gt8004/gt8004/pkg/queue"
)

// ShedPolicy decides what a flush does with queued records while the
// circuit breaker refuses attempts.
type ShedPolicy int

const (
	// ShedRetain leaves records queued until the breaker admits an attempt.
	// Capacity pressure is then handled by the queue's drop policy.
	ShedRetain ShedPolicy = iota
	// ShedDrop drains and discards the queue on every refused flush.
	ShedDrop
)

// ParseShedPolicy accepts "retain" (or "") and "drop".
func ParseShedPolicy(s string) (ShedPolicy, error) {
	switch s {
	case "", "retain":
		return ShedRetain, nil
	case "drop":
		return ShedDrop, nil
	default:
		return ShedRetain, fmt.Errorf("transport.ParseShedPolicy: unknown shed policy %q", s)
	}
}

func (p ShedPolicy) String() string {
	if p == ShedDrop {
		return "drop"
	}
	return "retain"
}

// Config holds the engine settings. Zero values are replaced by the defaults
// below, except BackoffJitter where zero disables jitter.
type Config struct {
	QueueCapacity int
	DropPolicy    queue.DropPolicy
	ShedPolicy    ShedPolicy

	MaxBatchSize   int
	FlushInterval  time.Duration
	FlushThreshold int // queue length that triggers an early flush; defaults to MaxBatchSize

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64

	BreakerThreshold   int
	BreakerCooldown    time.Duration
	BreakerMaxCooldown time.Duration

	ShutdownTimeout time.Duration
}

// Default values.
const (
	DefaultQueueCapacity      = 10000
	DefaultMaxBatchSize       = 50
	DefaultFlushInterval      = 5 * time.Second
	DefaultMaxAttempts        = 3
	DefaultBackoffBase        = time.Second
	DefaultBackoffMax         = 30 * time.Second
	DefaultBackoffJitter      = 0.2
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = 30 * time.Second
	DefaultBreakerMaxCooldown = 5 * time.Minute
	DefaultShutdownTimeout    = 5 * time.Second
)

// DefaultConfig returns the default configuration, jitter included.
func DefaultConfig() Config {
	cfg := Config{BackoffJitter: DefaultBackoffJitter}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = c.MaxBatchSize
	}
	if c.FlushThreshold > c.QueueCapacity {
		c.FlushThreshold = c.QueueCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.BreakerMaxCooldown <= 0 {
		c.BreakerMaxCooldown = DefaultBreakerMaxCooldown
	}
	if c.BreakerMaxCooldown < c.BreakerCooldown {
		c.BreakerMaxCooldown = c.BreakerCooldown
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}
