// Package transport delivers telemetry records to a collector in the
// background. Producers call Enqueue; a single consumer drains the queue into
// batches and delivers them with retries behind a circuit breaker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gt8004/gt8004/pkg/backoff"
	"github.com/gt8004/gt8004/pkg/breaker"
	"github.com/gt8004/gt8004/pkg/deliver"
	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/metrics"
	"github.com/gt8004/gt8004/pkg/queue"
)

var (
	// ErrStopped is returned by Flush once Stop has been called.
	ErrStopped = errors.New("transport: stopped")
	// ErrCircuitOpen is returned by Flush when the breaker refused the attempt.
	ErrCircuitOpen = errors.New("transport: circuit open")
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type options struct {
	sleep SleepFunc
	rnd   backoff.Source
	now   func() time.Time
}

// Option customizes a Transport.
type Option func(*options)

// WithSleep replaces the backoff sleep (for tests).
func WithSleep(f SleepFunc) Option {
	return func(o *options) { o.sleep = f }
}

// WithRandSource fixes the jitter source.
func WithRandSource(src backoff.Source) Option {
	return func(o *options) { o.rnd = src }
}

// WithClock replaces the breaker clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Transport is the public surface of the delivery engine. Create one with New,
// pass it to the instrumentation layer, call StartAutoFlush at startup and
// Stop at shutdown.
type Transport struct {
	cfg       Config
	queue     *queue.Queue
	breaker   *breaker.Breaker
	backoff   *backoff.Policy
	deliverer *deliver.Deliverer
	sleep     SleepFunc

	// consumer is held by whoever drains the queue: the scheduler loop, a
	// manual Flush or the final drain in Stop. It never guards queue or
	// breaker state, both of which lock internally.
	consumer chan struct{}
	kick     chan struct{}

	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	stopping atomic.Bool
	drained  atomic.Bool
	loopDone chan struct{}

	// softCtx is cancelled when Stop begins and interrupts backoff sleeps.
	// hardCtx is cancelled when the shutdown deadline passes and aborts requests.
	softCtx    context.Context
	softCancel context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc

	delivered        atomic.Uint64
	batches          atomic.Uint64
	attempts         atomic.Uint64
	retries          atomic.Uint64
	droppedFatal     atomic.Uint64
	droppedExhausted atomic.Uint64
	droppedCircuit   atomic.Uint64
	droppedShutdown  atomic.Uint64
	droppedCancelled atomic.Uint64
	skipped          atomic.Uint64

	dropLog rate.Sometimes
	shedLog rate.Sometimes
}

// New creates a transport delivering through sender. Zero config values take
// their defaults. The scheduler is not started.
func New(cfg Config, sender deliver.Sender, opts ...Option) *Transport {
	cfg.applyDefaults()
	o := options{sleep: backoff.Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
		OnStateChange: func(from, to breaker.State) {
			metrics.CircuitTransitions.WithLabelValues(from.String(), to.String()).Inc()
		},
		Now: o.now,
	})

	t := &Transport{
		cfg:       cfg,
		queue:     queue.New(cfg.QueueCapacity, cfg.DropPolicy),
		breaker:   br,
		backoff:   backoff.New(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter, o.rnd),
		deliverer: deliver.New(sender, br),
		sleep:     o.sleep,
		consumer:  make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
		dropLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
		shedLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	t.softCtx, t.softCancel = context.WithCancel(context.Background())
	t.hardCtx, t.hardCancel = context.WithCancel(context.Background())
	return t
}

// Config returns the effective configuration.
func (t *Transport) Config() Config {
	return t.cfg
}

// CircuitState returns the breaker state.
func (t *Transport) CircuitState() breaker.State {
	return t.breaker.State()
}

// Enqueue hands r to the transport. It never blocks on I/O and never fails:
// overflow and records arriving after Stop are counted as drops.
func (t *Transport) Enqueue(r event.Record) {
	if t.stopping.Load() {
		t.droppedShutdown.Add(1)
		return
	}
	t.push(r)
}

// push queues r for an Enqueue that found the transport running.
func (t *Transport) push(r event.Record) {
	if err := t.queue.Enqueue(r); err != nil {
		t.dropLog.Do(func() {
			slog.Warn("telemetry queue full, dropping records",
				"policy", t.queue.Policy().String(),
				"capacity", t.queue.Cap(),
				"dropped_total", t.queue.Dropped())
		})
	}
	// Stop may have begun after Enqueue checked; once it has drained, nothing
	// will look at the queue again.
	if t.stopping.Load() {
		t.discardAfterStop()
		return
	}
	if t.queue.Len() >= t.cfg.FlushThreshold {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// StartAutoFlush starts the background cadence. Calling it again, or after
// Stop, does nothing.
func (t *Transport) StartAutoFlush() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	go t.run()
}

// Flush drains and delivers everything queued, synchronously and subject to
// the circuit breaker. It first waits for a running scheduler cycle. Delivery
// failures are counted rather than returned; the error only says why the
// flush did not run to completion: ctx ended, the breaker refused
// (ErrCircuitOpen) or the transport stopped (ErrStopped). A send in flight
// when ctx ends is aborted and its batch is dropped.
func (t *Transport) Flush(ctx context.Context) error {
	if t.stopping.Load() {
		return ErrStopped
	}
	sendCtx, sendCancel := context.WithCancel(ctx)
	defer sendCancel()
	stopSend := context.AfterFunc(t.hardCtx, sendCancel)
	defer stopSend()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.softCtx, cancel)
	defer stop()

	if err := t.acquire(ctx); err != nil {
		return t.flushErr(err)
	}
	defer t.release()
	return t.flushErr(t.flushCycle(ctx, sendCtx))
}

func (t *Transport) flushErr(err error) error {
	if err != nil && t.stopping.Load() && errors.Is(err, context.Canceled) {
		return ErrStopped
	}
	return err
}

// Stop halts the cadence and makes a final delivery pass over the queue,
// bounded by ShutdownTimeout and ctx. Records still queued after that are
// dropped and counted. The sender is closed. Subsequent calls return nil.
func (t *Transport) Stop(ctx context.Context) error {
	t.lifeMu.Lock()
	if t.stopped {
		t.lifeMu.Unlock()
		return nil
	}
	t.stopped = true
	started := t.started
	t.lifeMu.Unlock()

	t.stopping.Store(true)
	t.softCancel()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
	defer cancel()
	stopHard := context.AfterFunc(ctx, t.hardCancel)
	defer stopHard()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if started {
			<-t.loopDone
		}
		if err := t.acquire(t.hardCtx); err != nil {
			return
		}
		defer t.release()
		t.finalDrain()
	}()

	var err error
	sender := t.deliverer.Sender()
	select {
	case <-done:
		t.hardCancel()
		if cerr := sender.Close(); cerr != nil {
			slog.Warn("closing telemetry sink", "sink", sender.Name(), "error", cerr)
		}
	case <-ctx.Done():
		err = fmt.Errorf("transport.Stop: %w", ctx.Err())
		t.hardCancel()
		go func() {
			<-done
			sender.Close()
		}()
	}

	t.drained.Store(true)
	t.discardAfterStop()

	s := t.Stats()
	slog.Info("telemetry transport stopped",
		"delivered", s.Delivered,
		"dropped", s.Dropped(),
		"dropped_shutdown", s.DroppedShutdown,
		"error", err)
	return err
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() metrics.TransportStats {
	return metrics.TransportStats{
		Enqueued:                t.queue.Accepted(),
		Delivered:               t.delivered.Load(),
		BatchesDelivered:        t.batches.Load(),
		DeliveryAttempts:        t.attempts.Load(),
		Retries:                 t.retries.Load(),
		DroppedQueueFull:        t.queue.Dropped(),
		DroppedFatal:            t.droppedFatal.Load(),
		DroppedRetriesExhausted: t.droppedExhausted.Load(),
		DroppedCircuitOpen:      t.droppedCircuit.Load(),
		DroppedShutdown:         t.droppedShutdown.Load(),
		DroppedCancelled:        t.droppedCancelled.Load(),
		CircuitOpens:            t.breaker.Opens(),
		SkippedCycles:           t.skipped.Load(),
		QueueLength:             t.queue.Len(),
		CircuitState:            t.breaker.State().String(),
	}
}

// discardAfterStop counts whatever is still queued once Stop no longer drains.
// Before the drain has finished it leaves the queue alone.
func (t *Transport) discardAfterStop() {
	if !t.drained.Load() {
		return
	}
	if n := t.queue.Discard(); n > 0 {
		t.droppedShutdown.Add(uint64(n))
	}
}

func (t *Transport) acquire(ctx context.Context) error {
	select {
	case t.consumer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) release() {
	<-t.consumer
}
