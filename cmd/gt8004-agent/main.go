// Package main runs a small instrumented agent service. Every request to it is
// recorded by the gt8004 middleware and shipped by the transport.
//
// Usage:
//
//	gt8004-agent [--config <file>] [--addr :8000] [--protocol none|mcp|a2a]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gt8004/gt8004/pkg/config"
	"github.com/gt8004/gt8004/pkg/metrics"
	"github.com/gt8004/gt8004/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults and environment when empty)")
	addr := flag.String("addr", ":8000", "Service listen address")
	protocol := flag.String("protocol", "", "Protocol tag (overrides config)")
	flag.Parse()

	var cfg *config.Config
	if *configPath == "" {
		cfg = config.Default()
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if *protocol != "" {
		cfg.Agent.Protocol = *protocol
	}
	proto, err := cfg.Agent.ProtocolTag()
	if err != nil {
		slog.Error("invalid protocol", "error", err)
		os.Exit(1)
	}

	// ── Transport ────────────────────────────────────────────────
	tr, err := cfg.NewTransport()
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		os.Exit(1)
	}
	tr.StartAutoFlush()
	slog.Info("telemetry transport started",
		"sink", cfg.Transport.Sink,
		"agent", cfg.Agent.AgentID,
		"batch", cfg.Transport.MaxBatchSize,
		"interval", cfg.Transport.FlushInterval)

	// ── Metrics + Health Server ──────────────────────────────────
	prometheus.MustRegister(metrics.NewTransportCollector(tr))
	metrics.RegisterHealthCheck("collector_circuit", metrics.CircuitHealthCheck(tr))

	metricsStop := make(chan struct{})
	if cfg.Metrics.MetricsEnabled() {
		mux := metrics.Mux()
		mux.Handle("/transportz", metrics.StatsHandler(tr))
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr, mux, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}

	// ── Instrumented service ─────────────────────────────────────
	handler := middleware.Handler(tr, middleware.Options{
		AgentID:   cfg.Agent.AgentID,
		Protocol:  proto,
		SkipPaths: []string{"/health"},
	}, serviceMux())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent service listening", "addr", *addr, "protocol", proto.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("agent service shutting down")
	case err := <-errCh:
		slog.Error("agent service error", "error", err)
		exitCode = 1
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("agent service shutdown", "error", err)
	}
	stop()

	// In-flight requests have finished; flush what they recorded.
	if err := tr.Stop(context.Background()); err != nil {
		slog.Warn("telemetry transport did not drain", "error", err)
	}
	close(metricsStop)
	os.Exit(exitCode)
}

// serviceMux is the demo agent: a plain HTTP tool, an MCP endpoint and an A2A
// task endpoint.
func serviceMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/{tool}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tool":    r.PathValue("tool"),
			"query":   r.URL.Query().Get("q"),
			"results": []string{},
		})
	})
	mux.HandleFunc("POST /mcp", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON-RPC request"})
			return
		}
		if req.Method != "tools/call" {
			writeJSON(w, http.StatusOK, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"content": []map[string]string{{"type": "text", "text": "called " + req.Params.Name}}},
		})
	})
	mux.HandleFunc("POST /a2a/tasks/{action}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "completed",
			"action": r.PathValue("action"),
			"bytes":  len(body),
		})
	})
	mux.HandleFunc("GET /fail", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "simulated failure"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
