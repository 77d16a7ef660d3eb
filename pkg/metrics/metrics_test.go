package metrics

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthzHandler_AllHealthy(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	RegisterHealthCheck("test-ok", func() error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %q", status.Status)
	}
}

func TestHealthzHandler_Degraded(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	RegisterHealthCheck("healthy", func() error { return nil })
	RegisterHealthCheck("broken", func() error { return errors.New("circuit open") })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", status.Status)
	}
}

func TestHealthzHandler_NoChecks(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsCounters(t *testing.T) {
	DeliveryDuration.WithLabelValues("http", "success").Observe(0.01)
	DeliveryAttempts.WithLabelValues("http", "retryable").Inc()
	BatchRecords.Observe(50)
	IngestRequests.WithLabelValues("429").Inc()
	IngestedEvents.Add(3)
	if got := testutil.ToFloat64(IngestRequests.WithLabelValues("429")); got < 1 {
		t.Fatalf("expected ingest 429 counter >= 1, got %v", got)
	}
}

type fakeStats struct{ s TransportStats }

func (f fakeStats) Stats() TransportStats { return f.s }

func TestTransportCollector(t *testing.T) {
	src := fakeStats{s: TransportStats{
		Enqueued:           10,
		Delivered:          7,
		BatchesDelivered:   2,
		DeliveryAttempts:   4,
		DroppedQueueFull:   1,
		DroppedCircuitOpen: 2,
		QueueLength:        3,
		CircuitState:       "open",
	}}
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewTransportCollector(src))

	expected := `
# HELP gt8004_transport_dropped_total Records dropped by reason
# TYPE gt8004_transport_dropped_total counter
gt8004_transport_dropped_total{reason="cancelled"} 0
gt8004_transport_dropped_total{reason="circuit_open"} 2
gt8004_transport_dropped_total{reason="fatal"} 0
gt8004_transport_dropped_total{reason="queue_full"} 1
gt8004_transport_dropped_total{reason="retries_exhausted"} 0
gt8004_transport_dropped_total{reason="shutdown"} 0
# HELP gt8004_transport_queue_length Records waiting in the queue
# TYPE gt8004_transport_queue_length gauge
gt8004_transport_queue_length 3
# HELP gt8004_transport_circuit_state Circuit breaker state (1 for the current state)
# TYPE gt8004_transport_circuit_state gauge
gt8004_transport_circuit_state{state="closed"} 0
gt8004_transport_circuit_state{state="half_open"} 0
gt8004_transport_circuit_state{state="open"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"gt8004_transport_dropped_total", "gt8004_transport_queue_length", "gt8004_transport_circuit_state")
	if err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(NewTransportCollector(src)); n != 17 {
		t.Fatalf("expected 17 series, got %d", n)
	}
	if src.s.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", src.s.Dropped())
	}
}

func TestCircuitHealthCheck(t *testing.T) {
	check := CircuitHealthCheck(fakeStats{s: TransportStats{CircuitState: "closed"}})
	if err := check(); err != nil {
		t.Fatalf("closed circuit should be healthy: %v", err)
	}
	check = CircuitHealthCheck(fakeStats{s: TransportStats{CircuitState: "open", QueueLength: 12}})
	if err := check(); err == nil || !strings.Contains(err.Error(), "queue_length=12") {
		t.Fatalf("expected open circuit error, got %v", err)
	}
}

func TestMux(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	srv := httptest.NewServer(Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "gt8004_delivery_attempts_total") {
		t.Fatal("expected delivery metrics in /metrics output")
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRegisterHealthCheck_Concurrent(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			RegisterHealthCheck("test", func() error { return nil })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	status := runChecks()
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %s", status.Status)
	}
}

func TestStatsHandler(t *testing.T) {
	src := fakeStats{s: TransportStats{Enqueued: 7, DroppedShutdown: 2, CircuitState: "half_open"}}
	w := httptest.NewRecorder()
	StatsHandler(src)(w, httptest.NewRequest("GET", "/transportz", nil))

	var got TransportStats
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got != src.s {
		t.Errorf("got %+v, want %+v", got, src.s)
	}
	if got.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", got.Dropped())
	}
}
