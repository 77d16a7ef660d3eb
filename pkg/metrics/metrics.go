package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery metrics
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gt8004_delivery_duration_seconds",
		Help:    "Duration of a single batch delivery attempt",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"sink", "outcome"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gt8004_delivery_attempts_total",
		Help: "Batch delivery attempts by outcome",
	}, []string{"sink", "outcome"})

	BatchRecords = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gt8004_batch_records",
		Help:    "Number of records per drained batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gt8004_circuit_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"from", "to"})

	// Receiver metrics
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gt8004_receiver_requests_total",
		Help: "Ingest requests handled by the receiver, by response code",
	}, []string{"code"})

	IngestedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gt8004_receiver_events_total",
		Help: "Events accepted and stored by the receiver",
	})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	DeliveryDuration.WithLabelValues("http", "success")
	DeliveryAttempts.WithLabelValues("http", "success")
	DeliveryAttempts.WithLabelValues("http", "retryable")
	DeliveryAttempts.WithLabelValues("http", "fatal")
	IngestRequests.WithLabelValues("200")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Mux returns a mux serving /metrics and /healthz.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)
	return mux
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	return Serve(addr, Mux(), stop)
}

// Serve runs h on addr until stop is closed. Callers that extend Mux use it in
// place of MetricsServer.
func Serve(addr string, h http.Handler, stop <-chan struct{}) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
