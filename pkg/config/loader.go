package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gt8004/gt8004/pkg/transport"
)

// Environment variables that fill agent settings left empty in the file.
const (
	EnvAgentID = "GT8004_AGENT_ID"
	EnvAPIKey  = "GT8004_API_KEY"
	EnvBaseURL = "GT8004_BASE_URL"
)

// Load reads and parses a gt8004 configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.parseSizes(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: values from
// the environment plus defaults. It is not validated.
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.parseSizes()
	return &cfg
}

func (c *Config) applyEnv() {
	if c.Agent.AgentID == "" {
		c.Agent.AgentID = os.Getenv(EnvAgentID)
	}
	if c.Agent.APIKey == "" {
		c.Agent.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = os.Getenv(EnvBaseURL)
	}
}

func (c *Config) applyDefaults() {
	c.Agent.BaseURL = strings.TrimRight(c.Agent.BaseURL, "/")

	t := &c.Transport
	if t.Sink == "" {
		if c.Agent.BaseURL != "" {
			t.Sink = "http"
		} else {
			t.Sink = "stdout"
		}
	}
	if t.IngestPath == "" {
		t.IngestPath = "/v1/ingest"
	}
	if t.QueueCapacity == 0 {
		t.QueueCapacity = transport.DefaultQueueCapacity
	}
	if t.DropPolicy == "" {
		t.DropPolicy = "drop_oldest"
	}
	if t.ShedPolicy == "" {
		t.ShedPolicy = "retain"
	}
	if t.MaxBatchSize == 0 {
		t.MaxBatchSize = transport.DefaultMaxBatchSize
	}
	if t.FlushInterval == 0 {
		t.FlushInterval = transport.DefaultFlushInterval
	}
	if t.FlushThreshold == 0 {
		t.FlushThreshold = t.MaxBatchSize
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = transport.DefaultMaxAttempts
	}
	if t.BackoffBase == 0 {
		t.BackoffBase = transport.DefaultBackoffBase
	}
	if t.BackoffMax == 0 {
		t.BackoffMax = transport.DefaultBackoffMax
	}
	if t.BackoffJitter == nil {
		j := transport.DefaultBackoffJitter
		t.BackoffJitter = &j
	}
	if t.BreakerThreshold == 0 {
		t.BreakerThreshold = transport.DefaultBreakerThreshold
	}
	if t.BreakerCooldown == 0 {
		t.BreakerCooldown = transport.DefaultBreakerCooldown
	}
	if t.BreakerMaxCooldown == 0 {
		t.BreakerMaxCooldown = transport.DefaultBreakerMaxCooldown
	}
	if t.ShutdownTimeout == 0 {
		t.ShutdownTimeout = transport.DefaultShutdownTimeout
	}
	if t.RequestTimeout == 0 {
		t.RequestTimeout = 10 * time.Second
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	r := &c.Receiver
	if r.Addr == "" {
		r.Addr = ":8080"
	}
	if r.MaxBodySizeRaw == "" {
		r.MaxBodySizeRaw = "4MB"
	}
	if r.Burst == 0 && r.RateLimit > 0 {
		r.Burst = int(r.RateLimit)
		if r.Burst < transport.DefaultMaxBatchSize {
			r.Burst = transport.DefaultMaxBatchSize
		}
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.Receiver.MaxBodySizeRaw)
	if err != nil {
		return fmt.Errorf("config: invalid receiver.max_body_size %q: %w", c.Receiver.MaxBodySizeRaw, err)
	}
	c.Receiver.MaxBodySize = v
	return nil
}

// ParseSize converts a human-readable size like "2TB", "500GB", "4MB" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"PB", 1024 * 1024 * 1024 * 1024 * 1024},
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSuffix(s, m.suffix)
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
			}
			return int64(num * float64(m.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	return n, nil
}
