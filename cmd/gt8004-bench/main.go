// Package main provides a load generator for the gt8004 transport. Producers
// enqueue synthetic records for a fixed duration while the transport ships
// them, then the enqueue latency and transport counters are reported.
//
// Usage:
//
//	gt8004-bench --producers 32 --duration 10s [--url http://localhost:8080] [--queue 10000] [--batch 50]
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gt8004/gt8004/pkg/config"
	"github.com/gt8004/gt8004/pkg/event"
)

func main() {
	producers := flag.Int("producers", 32, "Number of concurrent producers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	baseURL := flag.String("url", "", "Collector base URL (empty discards batches)")
	agentID := flag.String("agent", "bench-agent", "Agent ID stamped on records")
	apiKey := flag.String("api-key", "", "Collector API key")
	queueCap := flag.Int("queue", 10000, "Queue capacity")
	batchSize := flag.Int("batch", 50, "Max batch size")
	interval := flag.Duration("interval", time.Second, "Flush interval")
	bodySize := flag.Int("body", 256, "Synthetic response body size (bytes)")
	compress := flag.Bool("compress", false, "Gzip batches")
	flag.Parse()

	cfg := config.Default()
	cfg.Agent.AgentID = *agentID
	cfg.Agent.APIKey = *apiKey
	cfg.Agent.BaseURL = strings.TrimRight(*baseURL, "/")
	cfg.Transport.Sink = "nop"
	if cfg.Agent.BaseURL != "" {
		cfg.Transport.Sink = "http"
	}
	cfg.Transport.QueueCapacity = *queueCap
	cfg.Transport.MaxBatchSize = *batchSize
	cfg.Transport.FlushThreshold = *batchSize
	cfg.Transport.FlushInterval = *interval
	cfg.Transport.Compress = *compress
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tr, err := cfg.NewTransport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tr.StartAutoFlush()

	fmt.Printf("gt8004 Transport Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Sink:       %s %s\n", cfg.Transport.Sink, cfg.Agent.BaseURL)
	fmt.Printf("Producers:  %d\n", *producers)
	fmt.Printf("Duration:   %s\n", *duration)
	fmt.Printf("Queue:      %d\n", *queueCap)
	fmt.Printf("Batch:      %d every %s\n", *batchSize, *interval)
	fmt.Printf("Body Size:  %s\n", humanBytes(int64(*bodySize)))
	fmt.Printf("-----------------------------------\n\n")

	body := strings.Repeat("x", *bodySize)
	var totalOps atomic.Int64

	var latMu sync.Mutex
	var latencies []int64

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *producers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			var localLats []int64
			op := fmt.Sprintf("tool-%d", workerID%8)

			for time.Since(start) < *duration {
				rec := event.Record{
					RequestID:        uuid.NewString(),
					AgentID:          *agentID,
					Operation:        op,
					Method:           "POST",
					Path:             "/api/" + op,
					StatusCode:       200,
					Duration:         3 * time.Millisecond,
					Timestamp:        time.Now().UTC(),
					ResponseBody:     body,
					ResponseBodySize: len(body),
				}

				opStart := time.Now()
				tr.Enqueue(rec)
				localLats = append(localLats, time.Since(opStart).Nanoseconds())
				totalOps.Add(1)
			}

			latMu.Lock()
			latencies = append(latencies, localLats...)
			latMu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	stopStart := time.Now()
	stopErr := tr.Stop(context.Background())
	stopElapsed := time.Since(stopStart)

	ops := totalOps.Load()
	rate := float64(ops) / elapsed.Seconds()

	var avgLatUs, p50LatUs, p95LatUs, p99LatUs float64
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		var sum int64
		for _, l := range latencies {
			sum += l
		}
		avgLatUs = float64(sum) / float64(len(latencies)) / 1e3
		p50LatUs = float64(percentile(latencies, 50)) / 1e3
		p95LatUs = float64(percentile(latencies, 95)) / 1e3
		p99LatUs = float64(percentile(latencies, 99)) / 1e3
	}

	s := tr.Stats()
	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Enqueued:    %d\n", ops)
	fmt.Printf("Rate:        %.0f records/s\n", rate)
	fmt.Printf("Delivered:   %d (%d batches)\n", s.Delivered, s.BatchesDelivered)
	fmt.Printf("Attempts:    %d (%d retries)\n", s.DeliveryAttempts, s.Retries)
	fmt.Printf("Dropped:     %d (queue full %d, shutdown %d)\n", s.Dropped(), s.DroppedQueueFull, s.DroppedShutdown)
	fmt.Printf("Circuit:     %s (%d opens)\n", s.CircuitState, s.CircuitOpens)
	fmt.Printf("Stop:        %s\n", stopElapsed.Truncate(time.Millisecond))
	if stopErr != nil {
		fmt.Printf("Stop Error:  %v\n", stopErr)
	}
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Enqueue Latency:\n")
	fmt.Printf("  Average:   %.2f µs\n", avgLatUs)
	fmt.Printf("  P50:       %.2f µs\n", p50LatUs)
	fmt.Printf("  P95:       %.2f µs\n", p95LatUs)
	fmt.Printf("  P99:       %.2f µs\n", p99LatUs)
	fmt.Printf("-----------------------------------\n")
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
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
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}
