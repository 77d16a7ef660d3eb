package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/queue"
	"github.com/gt8004/gt8004/pkg/transport"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAgentID, "")
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvBaseURL, "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_GT8004_KEY", "sk-from-env")
	content := `
agent:
  agent_id: agent-42
  api_key: ${TEST_GT8004_KEY}
  base_url: https://collector.example.com/
  protocol: mcp
transport:
  queue_capacity: 500
  drop_policy: drop_newest
  shed_policy: drop
  max_batch_size: 20
  flush_interval: 2s
  max_attempts: 5
  backoff_base: 250ms
  backoff_max: 4s
  backoff_jitter: 0
  breaker_threshold: 3
  breaker_cooldown: 10s
  breaker_max_cooldown: 1m
  shutdown_timeout: 3s
  compress: true
receiver:
  max_body_size: 1MB
  api_keys: [sk-from-env]
  rate_limit: 100
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", cfg.Agent.APIKey)
	}
	if cfg.Agent.BaseURL != "https://collector.example.com" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.Agent.BaseURL)
	}
	if p, _ := cfg.Agent.ProtocolTag(); p != event.ProtocolMCP {
		t.Errorf("Protocol = %v, want mcp", p)
	}
	if cfg.Transport.Sink != "http" {
		t.Errorf("Sink = %q, want http when base_url is set", cfg.Transport.Sink)
	}
	if cfg.Transport.FlushThreshold != 20 {
		t.Errorf("FlushThreshold = %d, want max_batch_size", cfg.Transport.FlushThreshold)
	}
	if cfg.Receiver.MaxBodySize != 1024*1024 {
		t.Errorf("Receiver.MaxBodySize = %d, want 1MB", cfg.Receiver.MaxBodySize)
	}
	if cfg.Receiver.Burst != 100 {
		t.Errorf("Receiver.Burst = %d, want 100", cfg.Receiver.Burst)
	}

	eng, err := cfg.Transport.Engine()
	if err != nil {
		t.Fatal(err)
	}
	want := transport.Config{
		QueueCapacity:      500,
		DropPolicy:         queue.DropNewest,
		ShedPolicy:         transport.ShedDrop,
		MaxBatchSize:       20,
		FlushInterval:      2 * time.Second,
		FlushThreshold:     20,
		MaxAttempts:        5,
		BackoffBase:        250 * time.Millisecond,
		BackoffMax:         4 * time.Second,
		BackoffJitter:      0,
		BreakerThreshold:   3,
		BreakerCooldown:    10 * time.Second,
		BreakerMaxCooldown: time.Minute,
		ShutdownTimeout:    3 * time.Second,
	}
	if eng != want {
		t.Errorf("Engine() = %+v\nwant %+v", eng, want)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tc := cfg.Transport
	if tc.Sink != "stdout" {
		t.Errorf("Default Sink = %q, want stdout without a base_url", tc.Sink)
	}
	if tc.MaxBatchSize != 50 || tc.FlushInterval != 5*time.Second || tc.MaxAttempts != 3 || tc.BreakerThreshold != 5 {
		t.Errorf("unexpected engine defaults: %+v", tc)
	}
	if tc.QueueCapacity != 10000 || tc.DropPolicy != "drop_oldest" || tc.ShedPolicy != "retain" {
		t.Errorf("unexpected queue defaults: %+v", tc)
	}
	if tc.BackoffJitter == nil || *tc.BackoffJitter != 0.2 {
		t.Errorf("Default BackoffJitter = %v, want 0.2", tc.BackoffJitter)
	}
	if tc.BreakerCooldown != 30*time.Second || tc.BreakerMaxCooldown != 5*time.Minute {
		t.Errorf("unexpected breaker defaults: %s..%s", tc.BreakerCooldown, tc.BreakerMaxCooldown)
	}
	if tc.IngestPath != "/v1/ingest" {
		t.Errorf("Default IngestPath = %q", tc.IngestPath)
	}
	if cfg.Receiver.Addr != ":8080" || cfg.Receiver.MaxBodySize != 4*1024*1024 {
		t.Errorf("unexpected receiver defaults: %+v", cfg.Receiver)
	}
}

func TestLoad_EnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAgentID, "env-agent")
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvBaseURL, "http://localhost:8080")

	cfg, err := Load(writeConfig(t, "agent:\n  agent_id: file-agent\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.AgentID != "file-agent" {
		t.Errorf("AgentID = %q, file value must win", cfg.Agent.AgentID)
	}
	if cfg.Agent.APIKey != "env-key" || cfg.Agent.BaseURL != "http://localhost:8080" {
		t.Errorf("env fallback not applied: %+v", cfg.Agent)
	}
	if cfg.Transport.Sink != "http" {
		t.Errorf("Sink = %q, want http", cfg.Transport.Sink)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"4MB", 4 * 1024 * 1024},
		{"2TB", 2 * 1024 * 1024 * 1024 * 1024},
		{"500GB", 500 * 1024 * 1024 * 1024},
		{"1KB", 1024},
		{"16kb", 16 * 1024},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil {
			t.Errorf("ParseSize(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseSize_Invalid(t *testing.T) {
	_, err := ParseSize("invalid")
	if err == nil {
		t.Error("ParseSize(\"invalid\") should return error")
	}
}

func TestLoad_InvalidMaxBodySize(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "receiver:\n  max_body_size: \"notasize\"\n"))
	if err == nil {
		t.Fatal("expected error for invalid max_body_size, got nil")
	}
	if !strings.Contains(err.Error(), "invalid receiver.max_body_size") {
		t.Errorf("error should mention invalid receiver.max_body_size, got: %v", err)
	}
}

func TestLoad_MetricsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Metrics.MetricsEnabled() {
		t.Error("Metrics should be enabled by default")
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q, want :9090", cfg.Metrics.Addr)
	}
}

func TestLoad_MetricsDisabled(t *testing.T) {
	clearEnv(t)
	content := `
metrics:
  enabled: false
  addr: ":9191"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Metrics.MetricsEnabled() {
		t.Error("Metrics should be disabled when set to false")
	}
	if cfg.Metrics.Addr != ":9191" {
		t.Errorf("Metrics.Addr = %q, want :9191", cfg.Metrics.Addr)
	}
}

func validConfig() *Config {
	cfg := &Config{
		Agent: AgentConfig{AgentID: "agent-1", BaseURL: "http://localhost:8080"},
	}
	cfg.applyDefaults()
	cfg.parseSizes()
	return cfg
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown protocol", func(c *Config) { c.Agent.Protocol = "grpc" }, "agent.protocol"},
		{"unknown sink", func(c *Config) { c.Transport.Sink = "kafka" }, "unknown transport.sink"},
		{"http without agent id", func(c *Config) { c.Agent.AgentID = "" }, "requires agent.agent_id"},
		{"relative base url", func(c *Config) { c.Agent.BaseURL = "collector/api" }, "absolute http(s) URL"},
		{"file without path", func(c *Config) { c.Transport.Sink = "file" }, "requires transport.file_path"},
		{"batch above capacity", func(c *Config) { c.Transport.MaxBatchSize = c.Transport.QueueCapacity + 1 }, "exceeds queue_capacity"},
		{"backoff max below base", func(c *Config) { c.Transport.BackoffMax = time.Millisecond }, "backoff_max"},
		{"cooldown cap below cooldown", func(c *Config) { c.Transport.BreakerMaxCooldown = time.Second }, "breaker_max_cooldown"},
		{"jitter above one", func(c *Config) { j := 1.5; c.Transport.BackoffJitter = &j }, "backoff_jitter"},
		{"bad drop policy", func(c *Config) { c.Transport.DropPolicy = "random" }, "drop_policy"},
		{"bad shed policy", func(c *Config) { c.Transport.ShedPolicy = "sometimes" }, "shed_policy"},
		{"negative attempts", func(c *Config) { c.Transport.MaxAttempts = -1 }, "must not be negative"},
		{"negative rate", func(c *Config) { c.Receiver.RateLimit = -1 }, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAgentID, "env-agent")
	cfg := Default()
	if cfg.Agent.AgentID != "env-agent" {
		t.Errorf("AgentID = %q, want env-agent", cfg.Agent.AgentID)
	}
	if cfg.Transport.Sink != "stdout" {
		t.Errorf("Sink = %q, want stdout", cfg.Transport.Sink)
	}
}

func TestNewSender(t *testing.T) {
	tests := []struct {
		sink string
		want string
	}{
		{"http", "http"},
		{"stdout", "stdout"},
		{"file", "file"},
		{"nop", "nop"},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Transport.Sink = tt.sink
		cfg.Transport.FilePath = filepath.Join(t.TempDir(), "events.jsonl")
		s, err := cfg.NewSender()
		if err != nil {
			t.Errorf("NewSender(%s) error: %v", tt.sink, err)
			continue
		}
		if s.Name() != tt.want {
			t.Errorf("NewSender(%s).Name() = %q, want %q", tt.sink, s.Name(), tt.want)
		}
		s.Close()
	}

	cfg := validConfig()
	cfg.Transport.Sink = "kafka"
	if _, err := cfg.NewSender(); err == nil {
		t.Error("expected error for unknown sink")
	}
}

func TestNewTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Sink = "nop"
	cfg.Transport.QueueCapacity = 7
	tr, err := cfg.NewTransport()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Stop(context.Background())
	if tr.Config().QueueCapacity != 7 {
		t.Errorf("QueueCapacity = %d, want 7", tr.Config().QueueCapacity)
	}
}
