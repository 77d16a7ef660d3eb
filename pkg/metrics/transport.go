package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportStats is a point-in-time copy of a transport's counters.
type TransportStats struct {
	Enqueued                uint64 `json:"enqueued"`
	Delivered               uint64 `json:"delivered"`
	BatchesDelivered        uint64 `json:"batches_delivered"`
	DeliveryAttempts        uint64 `json:"delivery_attempts"`
	Retries                 uint64 `json:"retries"`
	DroppedQueueFull        uint64 `json:"dropped_queue_full"`
	DroppedFatal            uint64 `json:"dropped_fatal"`
	DroppedRetriesExhausted uint64 `json:"dropped_retries_exhausted"`
	DroppedCircuitOpen      uint64 `json:"dropped_circuit_open"`
	DroppedShutdown         uint64 `json:"dropped_shutdown"`
	DroppedCancelled        uint64 `json:"dropped_cancelled"`
	CircuitOpens            uint64 `json:"circuit_opens"`
	SkippedCycles           uint64 `json:"skipped_cycles"`
	QueueLength             int    `json:"queue_length"`
	CircuitState            string `json:"circuit_state"`
}

// Dropped returns the sum of every drop counter.
func (s TransportStats) Dropped() uint64 {
	return s.DroppedQueueFull + s.DroppedFatal + s.DroppedRetriesExhausted +
		s.DroppedCircuitOpen + s.DroppedShutdown + s.DroppedCancelled
}

// StatsSource is implemented by transport.Transport.
type StatsSource interface {
	Stats() TransportStats
}

var (
	descEnqueued = prometheus.NewDesc("gt8004_transport_enqueued_total",
		"Records accepted by Enqueue", nil, nil)
	descDelivered = prometheus.NewDesc("gt8004_transport_delivered_total",
		"Records delivered to the collector", nil, nil)
	descBatches = prometheus.NewDesc("gt8004_transport_batches_delivered_total",
		"Batches delivered to the collector", nil, nil)
	descAttempts = prometheus.NewDesc("gt8004_transport_delivery_attempts_total",
		"Delivery attempts made, including retries", nil, nil)
	descRetries = prometheus.NewDesc("gt8004_transport_retries_total",
		"Delivery attempts after the first for a batch", nil, nil)
	descDropped = prometheus.NewDesc("gt8004_transport_dropped_total",
		"Records dropped by reason", []string{"reason"}, nil)
	descCircuitOpens = prometheus.NewDesc("gt8004_transport_circuit_open_total",
		"Times the circuit breaker opened", nil, nil)
	descSkipped = prometheus.NewDesc("gt8004_transport_skipped_cycles_total",
		"Flush cycles skipped because the circuit breaker refused the attempt", nil, nil)
	descQueueLen = prometheus.NewDesc("gt8004_transport_queue_length",
		"Records waiting in the queue", nil, nil)
	descCircuitState = prometheus.NewDesc("gt8004_transport_circuit_state",
		"Circuit breaker state (1 for the current state)", []string{"state"}, nil)
)

// TransportCollector exports a transport's counters. Register it with
// prometheus.MustRegister or a private registry.
type TransportCollector struct {
	src StatsSource
}

// NewTransportCollector creates a collector reading from src.
func NewTransportCollector(src StatsSource) *TransportCollector {
	return &TransportCollector{src: src}
}

// Describe implements prometheus.Collector.
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descEnqueued, descDelivered, descBatches, descAttempts,
		descRetries, descDropped, descCircuitOpens, descSkipped, descQueueLen, descCircuitState} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(descEnqueued, s.Enqueued)
	counter(descDelivered, s.Delivered)
	counter(descBatches, s.BatchesDelivered)
	counter(descAttempts, s.DeliveryAttempts)
	counter(descRetries, s.Retries)
	counter(descDropped, s.DroppedQueueFull, "queue_full")
	counter(descDropped, s.DroppedFatal, "fatal")
	counter(descDropped, s.DroppedRetriesExhausted, "retries_exhausted")
	counter(descDropped, s.DroppedCircuitOpen, "circuit_open")
	counter(descDropped, s.DroppedShutdown, "shutdown")
	counter(descDropped, s.DroppedCancelled, "cancelled")
	counter(descCircuitOpens, s.CircuitOpens)
	counter(descSkipped, s.SkippedCycles)

	ch <- prometheus.MustNewConstMetric(descQueueLen, prometheus.GaugeValue, float64(s.QueueLength))
	for _, state := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s.CircuitState == state {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(descCircuitState, prometheus.GaugeValue, v, state)
	}
}

// CircuitHealthCheck returns a check that fails while the transport's circuit is open.
func CircuitHealthCheck(src StatsSource) func() error {
	return func() error {
		if s := src.Stats(); s.CircuitState == "open" {
			return fmt.Errorf("collector circuit open (queue_length=%d)", s.QueueLength)
		}
		return nil
	}
}

// StatsHandler serves src's counters as JSON.
func StatsHandler(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(src.Stats())
	}
}
