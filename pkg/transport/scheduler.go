package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/gt8004/gt8004/pkg/deliver"
	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/metrics"
)

// run is the background cadence: a flush on every tick and whenever Enqueue
// reports the queue reached FlushThreshold.
func (t *Transport) run() {
	defer close(t.loopDone)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.softCtx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		}

		if err := t.acquire(t.softCtx); err != nil {
			return
		}
		t.flushCycle(t.softCtx, t.hardCtx)
		t.release()
	}
}

// flushCycle delivers batches until the queue is empty, the breaker refuses,
// or ctx is done. Sends run on sendCtx. Callers hold the consumer slot.
func (t *Transport) flushCycle(ctx, sendCtx context.Context) error {
	for t.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.breaker.AllowAttempt() {
			t.skipped.Add(1)
			if t.cfg.ShedPolicy == ShedDrop {
				if n := t.queue.Discard(); n > 0 {
					t.droppedCircuit.Add(uint64(n))
					t.shedLog.Do(func() {
						slog.Warn("circuit open, discarding queued telemetry",
							"records", n, "dropped_total", t.droppedCircuit.Load())
					})
				}
			}
			return ErrCircuitOpen
		}

		records := t.queue.Drain(t.cfg.MaxBatchSize)
		if len(records) == 0 {
			t.breaker.Release()
			return nil
		}
		t.deliverBatch(ctx, sendCtx, event.NewBatch(records), t.cfg.MaxAttempts)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// finalDrain sends what is left in single-attempt batches until the queue is
// empty or the shutdown deadline passes. Callers hold the consumer slot.
func (t *Transport) finalDrain() {
	for t.hardCtx.Err() == nil && t.queue.Len() > 0 {
		if !t.breaker.AllowAttempt() {
			if n := t.queue.Discard(); n > 0 {
				t.droppedCircuit.Add(uint64(n))
				slog.Warn("circuit open at shutdown, discarding queued telemetry", "records", n)
			}
			return
		}
		records := t.queue.Drain(t.cfg.MaxBatchSize)
		if len(records) == 0 {
			t.breaker.Release()
			return
		}
		t.deliverBatch(t.softCtx, t.hardCtx, event.NewBatch(records), 1)
	}
}

// deliverBatch runs the retry loop for b. The breaker has already admitted the
// first attempt; later attempts ask again. A retryable failure is followed by
// a backoff sleep, including after the last attempt so the next batch is
// paced too. Once ctx is done no more sleeps happen: an interrupted sleep is
// followed by one immediate attempt. Requests run on sendCtx, which is hardCtx
// or a manual flush's own context joined with it.
func (t *Transport) deliverBatch(ctx, sendCtx context.Context, b event.Batch, maxAttempts int) {
	n := uint64(b.Len())
	metrics.BatchRecords.Observe(float64(n))

	interrupted := false
	attempt := 1
	for ; ; attempt++ {
		if attempt > 1 {
			if !t.breaker.AllowAttempt() {
				t.droppedCircuit.Add(n)
				slog.Warn("circuit opened during retries, dropping batch",
					"batch_id", b.ID, "records", n, "attempts", attempt-1)
				return
			}
			t.retries.Add(1)
		}
		t.attempts.Add(1)

		res := t.deliverer.Deliver(sendCtx, b)
		switch {
		case res.Outcome == deliver.Success:
			t.delivered.Add(n)
			t.batches.Add(1)
			return
		case res.Cancelled && t.hardCtx.Err() != nil:
			t.droppedShutdown.Add(n)
			slog.Warn("delivery aborted at shutdown, dropping batch",
				"batch_id", b.ID, "records", n)
			return
		case res.Cancelled:
			t.droppedCancelled.Add(n)
			slog.Warn("flush cancelled during delivery, dropping batch",
				"batch_id", b.ID, "records", n, "error", sendCtx.Err())
			return
		case res.Outcome == deliver.FatalFailure:
			t.droppedFatal.Add(n)
			slog.Warn("collector rejected batch, dropping",
				"batch_id", b.ID, "records", n, "status", res.StatusCode, "error", res.Err)
			return
		}

		if interrupted {
			break
		}
		if ctx.Err() != nil || t.sleep(ctx, t.backoff.Delay(attempt)) != nil {
			interrupted = true
		}
		if attempt >= maxAttempts {
			break
		}
	}

	t.droppedExhausted.Add(n)
	slog.Warn("delivery retries exhausted, dropping batch",
		"batch_id", b.ID, "records", n, "attempts", attempt)
}
