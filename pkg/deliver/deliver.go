// Package deliver sends one batch to a sink and classifies the result.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gt8004/gt8004/pkg/event"
	"github.com/gt8004/gt8004/pkg/metrics"
)

// ErrMalformedPayload marks a batch that cannot be encoded. Retrying it is pointless.
var ErrMalformedPayload = errors.New("deliver: malformed payload")

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int // 0 for non-HTTP sinks and transport errors
	Err        error
	Elapsed    time.Duration
	// Cancelled is set when the attempt failed because ctx was done. Such
	// attempts are not reported to the breaker.
	Cancelled bool
}

// Sender performs the actual write of a batch. HTTP senders return the
// response status; other sinks return 0.
type Sender interface {
	Send(ctx context.Context, b event.Batch) (status int, err error)
	Name() string
	Close() error
}

// Reporter receives attempt outcomes. *breaker.Breaker satisfies it.
type Reporter interface {
	ReportSuccess()
	ReportFailure()
	Release()
}

// retryableStatusCodes are the 4xx statuses that are worth retrying.
var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests: true, // 429
}

// Classify maps a send result to an outcome: transport errors, 5xx and 429
// are retryable; other 4xx and encoding failures are fatal; 2xx succeeds.
func Classify(status int, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return FatalFailure
		}
		return RetryableFailure
	}
	switch {
	case status == 0:
		return Success
	case status >= 200 && status < 300:
		return Success
	case status >= 500 || retryableStatusCodes[status]:
		return RetryableFailure
	default:
		return FatalFailure
	}
}

// Deliverer runs single delivery attempts and reports them to a breaker.
type Deliverer struct {
	sender   Sender
	reporter Reporter
}

// New creates a deliverer. reporter may be nil.
func New(sender Sender, reporter Reporter) *Deliverer {
	return &Deliverer{sender: sender, reporter: reporter}
}

// Sender returns the underlying sender.
func (d *Deliverer) Sender() Sender {
	return d.sender
}

// Deliver performs exactly one send of b.
func (d *Deliverer) Deliver(ctx context.Context, b event.Batch) Result {
	start := time.Now()
	status, err := d.sender.Send(ctx, b)
	res := Result{
		StatusCode: status,
		Err:        err,
		Elapsed:    time.Since(start),
		Outcome:    Classify(status, err),
	}
	if err == nil && res.Outcome != Success {
		res.Err = fmt.Errorf("deliver: %s responded %d", d.sender.Name(), status)
	}

	if err != nil && ctx.Err() != nil {
		res.Cancelled = true
		if d.reporter != nil {
			d.reporter.Release()
		}
	} else if d.reporter != nil {
		if res.Outcome == Success {
			d.reporter.ReportSuccess()
		} else {
			d.reporter.ReportFailure()
		}
	}

	outcome := res.Outcome.String()
	if res.Cancelled {
		outcome = "cancelled"
	}
	metrics.DeliveryAttempts.WithLabelValues(d.sender.Name(), outcome).Inc()
	metrics.DeliveryDuration.WithLabelValues(d.sender.Name(), outcome).Observe(res.Elapsed.Seconds())

	if res.Outcome != Success {
		slog.Debug("delivery attempt failed",
			"sink", d.sender.Name(),
			"batch_id", b.ID,
			"records", b.Len(),
			"outcome", outcome,
			"status", status,
			"error", res.Err)
	}
	return res
}
