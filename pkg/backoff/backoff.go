// Package backoff computes retry delays for batch delivery.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Source is the random source used for jitter. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Policy is an exponential backoff schedule with symmetric jitter:
//
//	delay(attempt) = min(Base * 2^(attempt-1), Max) * (1 ± Jitter)
//
// clamped to [0, Max]. Attempts are 1-indexed.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, 0.2 = ±20%

	mu  sync.Mutex
	rnd Source
}

// New creates a policy. A nil src seeds a private generator from the clock.
func New(base, max time.Duration, jitter float64, src Source) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if src == nil {
		src = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{Base: base, Max: max, Jitter: jitter, rnd: src}
}

// NewSeeded creates a policy whose jitter sequence is fixed by seed.
func NewSeeded(base, max time.Duration, jitter float64, seed int64) *Policy {
	return New(base, max, jitter, rand.New(rand.NewSource(seed)))
}

// Nominal returns the un-jittered delay for attempt.
func (p *Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Max {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Delay returns the jittered delay to wait after the given attempt failed.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Nominal(attempt)
	if p.Jitter == 0 {
		return d
	}

	p.mu.Lock()
	f := p.rnd.Float64()
	p.mu.Unlock()

	// Uniform in [1-Jitter, 1+Jitter).
	scale := 1 + p.Jitter*(2*f-1)
	jittered := time.Duration(float64(d) * scale)
	if jittered > p.Max {
		jittered = p.Max
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
