// Package main provides the gt8004-ctl CLI for the development collector and
// transport inspection.
//
// Usage:
//
//	gt8004-ctl serve [--config <file>] [--addr :8080] [--data-dir <dir>]
//	gt8004-ctl events --agent <id> [--url http://localhost:8080] [--limit 20] [--format table|csv]
//	gt8004-ctl stats [--url http://localhost:9090] [--receiver http://localhost:8080]
//	gt8004-ctl validate [--config <file>]
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gt8004/gt8004/pkg/config"
	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/metrics"
	"github.com/gt8004/gt8004/pkg/receiver"
)

const defaultConfigPath = "/etc/gt8004/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "gt8004-ctl — gt8004 telemetry admin CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  gt8004-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  serve     Start the development collector\n")
	fmt.Fprint(os.Stderr, "  events    Show the latest events stored for an agent\n")
	fmt.Fprint(os.Stderr, "  stats     Show transport counters of a running agent\n")
	fmt.Fprint(os.Stderr, "  validate  Check a config file\n\n")
	fmt.Fprint(os.Stderr, "Use \"gt8004-ctl <command> --help\" for more information about a command.\n")
}

// loadConfig loads path, or falls back to environment and defaults when path
// is empty.
func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

// runServe implements "gt8004-ctl serve": the receiver plus the metrics server.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (defaults and environment when empty)")
	addr := fs.String("addr", "", "Listen address (overrides config, default :8080)")
	dataDir := fs.String("data-dir", "", "Badger directory (overrides config; empty keeps events in memory)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: gt8004-ctl serve [flags]\n\nStart the development collector.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *addr != "" {
		cfg.Receiver.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Receiver.DataDir = *dataDir
	}

	store, err := receiver.OpenStore(cfg.Receiver.DataDir)
	if err != nil {
		slog.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := receiver.NewServer(receiver.Config{
		Addr:        cfg.Receiver.Addr,
		MaxBodySize: cfg.Receiver.MaxBodySize,
		APIKeys:     cfg.Receiver.APIKeys,
		RateLimit:   cfg.Receiver.RateLimit,
		Burst:       cfg.Receiver.Burst,
	}, store)

	metrics.RegisterHealthCheck("event_store", func() error {
		_, err := store.Stats()
		return err
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("gt8004 Collector")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Listening:    %s\n", cfg.Receiver.Addr)
	fmt.Printf("Storage:      %s\n", displayOrDefault(cfg.Receiver.DataDir, "in-memory"))
	fmt.Printf("Max Body:     %s\n", humanBytes(cfg.Receiver.MaxBodySize))
	fmt.Printf("API Keys:     %d configured\n", len(cfg.Receiver.APIKeys))
	if cfg.Receiver.RateLimit > 0 {
		fmt.Printf("Rate Limit:   %.0f events/s per agent (burst %d)\n", cfg.Receiver.RateLimit, cfg.Receiver.Burst)
	}
	fmt.Println("────────────────────────────────────")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Metrics.MetricsEnabled() && cfg.Metrics.Addr != cfg.Receiver.Addr {
		g.Go(func() error {
			slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
			return metrics.MetricsServer(cfg.Metrics.Addr, gctx.Done())
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("collector error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Collector shut down cleanly.")
}

// runEvents implements "gt8004-ctl events".
func runEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8080", "Collector base URL")
	agentID := fs.String("agent", "", "Agent ID (required)")
	limit := fs.Int("limit", 20, "Number of events to show")
	format := fs.String("format", "table", "Output format: table, csv, json")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: gt8004-ctl events [flags]\n\nShow the latest events stored for an agent.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "Error: --agent is required")
		fs.Usage()
		os.Exit(1)
	}

	u := fmt.Sprintf("%s/v1/agents/%s/events?limit=%d", *baseURL, url.PathEscape(*agentID), *limit)
	var records []event.Record
	if err := getJSON(u, &records); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(records)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"timestamp", "request_id", "protocol", "operation", "method", "path", "status", "duration_ms", "error"})
		for _, r := range records {
			w.Write([]string{
				r.Timestamp.Format(time.RFC3339Nano), r.RequestID, r.Protocol.String(), r.Operation,
				r.Method, r.Path, strconv.Itoa(r.StatusCode),
				strconv.FormatFloat(float64(r.Duration)/float64(time.Millisecond), 'f', 2, 64),
				r.ErrorCode,
			})
		}
		w.Flush()
	default:
		fmt.Printf("Events for %s\n", *agentID)
		fmt.Println("──────────────────────────────────────────────────────────────────────────")
		fmt.Printf("%-20s %-6s %-20s %-6s %-24s %6s %10s\n", "TIME", "PROTO", "OPERATION", "METHOD", "PATH", "STATUS", "DURATION")
		fmt.Println("──────────────────────────────────────────────────────────────────────────")
		for _, r := range records {
			fmt.Printf("%-20s %-6s %-20s %-6s %-24s %6d %10s\n",
				r.Timestamp.Format("2006-01-02 15:04:05"), r.Protocol, truncate(r.Operation, 20),
				r.Method, truncate(r.Path, 24), r.StatusCode, r.Duration.Round(time.Microsecond))
		}
		if len(records) == 0 {
			fmt.Println("  (no events)")
		}
		fmt.Println("──────────────────────────────────────────────────────────────────────────")
	}
}

// runStats implements "gt8004-ctl stats".
func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	agentURL := fs.String("url", "http://localhost:9090", "Agent metrics base URL (serves /transportz)")
	receiverURL := fs.String("receiver", "", "Collector base URL; also shows per-agent stored counts")
	watch := fs.Duration("watch", 0, "Refresh interval (0 prints once)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: gt8004-ctl stats [flags]\n\nShow transport counters of a running agent.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	for {
		var s metrics.TransportStats
		if err := getJSON(*agentURL+"/transportz", &s); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printTransportStats(s)

		if *receiverURL != "" {
			var agents []receiver.AgentStats
			if err := getJSON(*receiverURL+"/v1/stats", &agents); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printAgentStats(agents)
		}

		if *watch <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*watch):
			fmt.Println()
		}
	}
}

func printTransportStats(s metrics.TransportStats) {
	fmt.Println("gt8004 Transport")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Circuit:      %s\n", s.CircuitState)
	fmt.Printf("Queue:        %d\n", s.QueueLength)
	fmt.Printf("Enqueued:     %d\n", s.Enqueued)
	fmt.Printf("Delivered:    %d (%d batches)\n", s.Delivered, s.BatchesDelivered)
	fmt.Printf("Attempts:     %d (%d retries)\n", s.DeliveryAttempts, s.Retries)
	fmt.Printf("Dropped:      %d\n", s.Dropped())
	fmt.Printf("  queue full:        %d\n", s.DroppedQueueFull)
	fmt.Printf("  fatal:             %d\n", s.DroppedFatal)
	fmt.Printf("  retries exhausted: %d\n", s.DroppedRetriesExhausted)
	fmt.Printf("  circuit open:      %d\n", s.DroppedCircuitOpen)
	fmt.Printf("  shutdown:          %d\n", s.DroppedShutdown)
	fmt.Printf("  cancelled flush:   %d\n", s.DroppedCancelled)
	fmt.Printf("Circuit Opens: %d\n", s.CircuitOpens)
	fmt.Printf("Skipped:      %d cycles\n", s.SkippedCycles)
	if s.Enqueued > 0 {
		fmt.Printf("Delivery Rate: %.1f%%\n", float64(s.Delivered)/float64(s.Enqueued)*100)
	}
	fmt.Println("────────────────────────────────────")
}

func printAgentStats(agents []receiver.AgentStats) {
	fmt.Println()
	fmt.Println("Collector")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("%-24s %10s %s\n", "AGENT", "EVENTS", "LAST EVENT")
	for _, a := range agents {
		fmt.Printf("%-24s %10d %s\n", truncate(a.AgentID, 24), a.Events, a.LastEvent.Format("2006-01-02 15:04:05"))
	}
	if len(agents) == 0 {
		fmt.Println("  (no events stored)")
	}
	fmt.Println("────────────────────────────────────")
}

// runValidate implements "gt8004-ctl validate".
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: gt8004-ctl validate [flags]\n\nParse, default and validate a config file.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}
	eng, err := cfg.Transport.Engine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config OK: %s\n", *configPath)
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Agent:        %s (%s)\n", displayOrDefault(cfg.Agent.AgentID, "-"), displayOrDefault(cfg.Agent.Protocol, "none"))
	fmt.Printf("Sink:         %s\n", cfg.Transport.Sink)
	if cfg.Transport.Sink == "http" {
		fmt.Printf("Endpoint:     %s%s\n", cfg.Agent.BaseURL, cfg.Transport.IngestPath)
	}
	fmt.Printf("Queue:        %d (%s, shed %s)\n", eng.QueueCapacity, eng.DropPolicy, eng.ShedPolicy)
	fmt.Printf("Batching:     %d records every %s (threshold %d)\n", eng.MaxBatchSize, eng.FlushInterval, eng.FlushThreshold)
	fmt.Printf("Retries:      %d attempts, backoff %s..%s ±%.0f%%\n", eng.MaxAttempts, eng.BackoffBase, eng.BackoffMax, eng.BackoffJitter*100)
	fmt.Printf("Breaker:      %d failures, cooldown %s..%s\n", eng.BreakerThreshold, eng.BreakerCooldown, eng.BreakerMaxCooldown)
	fmt.Printf("Shutdown:     %s\n", eng.ShutdownTimeout)
	fmt.Println("────────────────────────────────────")
}

// ─── Helpers ──────────────────────────────────────────────────

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(u string, v any) error {
	resp, err := httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", u, err)
	}
	return nil
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}
	if exp >= len(suffix) {
		exp = len(suffix) - 1
	}
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}

func displayOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
