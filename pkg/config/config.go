package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/queue"
	"github.com/gt8004/gt8004/pkg/transport"
)

// Config is the top-level gt8004 configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
}

// AgentConfig identifies the instrumented agent to the collector.
type AgentConfig struct {
	AgentID  string `yaml:"agent_id"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Protocol string `yaml:"protocol"` // "none", "mcp", "a2a"
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// TransportConfig configures the delivery engine and its sink.
type TransportConfig struct {
	Sink       string `yaml:"sink"` // "http", "stdout", "file", "nop"
	FilePath   string `yaml:"file_path"`
	IngestPath string `yaml:"ingest_path"`

	QueueCapacity int    `yaml:"queue_capacity"`
	DropPolicy    string `yaml:"drop_policy"` // "drop_oldest", "drop_newest"
	ShedPolicy    string `yaml:"shed_policy"` // "retain", "drop"

	MaxBatchSize   int           `yaml:"max_batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushThreshold int           `yaml:"flush_threshold"`

	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter *float64      `yaml:"backoff_jitter"` // default 0.2; 0 disables jitter

	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
	BreakerMaxCooldown time.Duration `yaml:"breaker_max_cooldown"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Compress        bool          `yaml:"compress"`
}

// ReceiverConfig configures the development collector.
type ReceiverConfig struct {
	Addr           string   `yaml:"addr"`
	DataDir        string   `yaml:"data_dir"` // empty keeps events in memory
	MaxBodySizeRaw string   `yaml:"max_body_size"`
	MaxBodySize    int64    `yaml:"-"`
	APIKeys        []string `yaml:"api_keys"`
	RateLimit      float64  `yaml:"rate_limit"` // events/sec per agent; 0 = unlimited
	Burst          int      `yaml:"burst"`
}

// ProtocolTag returns the parsed agent protocol.
func (a AgentConfig) ProtocolTag() (event.Protocol, error) {
	return event.ParseProtocol(a.Protocol)
}

// Engine maps the transport section onto the engine configuration.
func (t TransportConfig) Engine() (transport.Config, error) {
	drop, err := queue.ParseDropPolicy(t.DropPolicy)
	if err != nil {
		return transport.Config{}, fmt.Errorf("config: transport.drop_policy: %w", err)
	}
	shed, err := transport.ParseShedPolicy(t.ShedPolicy)
	if err != nil {
		return transport.Config{}, fmt.Errorf("config: transport.shed_policy: %w", err)
	}
	jitter := transport.DefaultBackoffJitter
	if t.BackoffJitter != nil {
		jitter = *t.BackoffJitter
	}
	return transport.Config{
		QueueCapacity:      t.QueueCapacity,
		DropPolicy:         drop,
		ShedPolicy:         shed,
		MaxBatchSize:       t.MaxBatchSize,
		FlushInterval:      t.FlushInterval,
		FlushThreshold:     t.FlushThreshold,
		MaxAttempts:        t.MaxAttempts,
		BackoffBase:        t.BackoffBase,
		BackoffMax:         t.BackoffMax,
		BackoffJitter:      jitter,
		BreakerThreshold:   t.BreakerThreshold,
		BreakerCooldown:    t.BreakerCooldown,
		BreakerMaxCooldown: t.BreakerMaxCooldown,
		ShutdownTimeout:    t.ShutdownTimeout,
	}, nil
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if _, err := c.Agent.ProtocolTag(); err != nil {
		return fmt.Errorf("config: agent.protocol: %w", err)
	}

	t := c.Transport
	switch t.Sink {
	case "http":
		if c.Agent.BaseURL == "" {
			return fmt.Errorf("config: http sink requires agent.base_url")
		}
		u, err := url.Parse(c.Agent.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: agent.base_url %q must be an absolute http(s) URL", c.Agent.BaseURL)
		}
		if c.Agent.AgentID == "" {
			return fmt.Errorf("config: http sink requires agent.agent_id")
		}
	case "file":
		if t.FilePath == "" {
			return fmt.Errorf("config: file sink requires transport.file_path")
		}
	case "stdout", "nop":
	default:
		return fmt.Errorf("config: unknown transport.sink %q", t.Sink)
	}

	if t.QueueCapacity < 0 || t.MaxBatchSize < 0 || t.FlushThreshold < 0 ||
		t.MaxAttempts < 0 || t.BreakerThreshold < 0 {
		return fmt.Errorf("config: transport sizes and counts must not be negative")
	}
	if t.MaxBatchSize > t.QueueCapacity {
		return fmt.Errorf("config: transport.max_batch_size (%d) exceeds queue_capacity (%d)",
			t.MaxBatchSize, t.QueueCapacity)
	}
	if t.BackoffMax < t.BackoffBase {
		return fmt.Errorf("config: transport.backoff_max (%s) must be >= backoff_base (%s)",
			t.BackoffMax, t.BackoffBase)
	}
	if t.BreakerMaxCooldown < t.BreakerCooldown {
		return fmt.Errorf("config: transport.breaker_max_cooldown (%s) must be >= breaker_cooldown (%s)",
			t.BreakerMaxCooldown, t.BreakerCooldown)
	}
	if t.BackoffJitter != nil && (*t.BackoffJitter < 0 || *t.BackoffJitter > 1) {
		return fmt.Errorf("config: transport.backoff_jitter must be within [0, 1], got %.2f", *t.BackoffJitter)
	}
	if _, err := t.Engine(); err != nil {
		return err
	}

	if c.Receiver.MaxBodySize < 0 {
		return fmt.Errorf("config: receiver.max_body_size must be positive, got %d", c.Receiver.MaxBodySize)
	}
	if c.Receiver.RateLimit < 0 {
		return fmt.Errorf("config: receiver.rate_limit must not be negative")
	}
	return nil
}
