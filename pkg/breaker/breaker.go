// Package breaker implements the circuit breaker that guards delivery to the
// collection endpoint.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in its state machine.
type State int32

const (
	// Closed means the endpoint is healthy and attempts are allowed.
	Closed State = iota
	// Open means attempts are suspended until the cooldown elapses.
	Open
	// HalfOpen means a single trial attempt may test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open after the first trip.
	Cooldown time.Duration
	// MaxCooldown caps the cooldown, which doubles for every consecutive
	// open episode that is not followed by a successful trial.
	MaxCooldown time.Duration
	// OnStateChange, if set, is called after every transition, outside the lock.
	OnStateChange func(from, to State)
	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Breaker tracks consecutive delivery failures. All methods are safe for
// concurrent use; each holds the mutex only for a few field updates.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failures      int       // consecutive failures
	episodes      int       // consecutive open episodes without recovery
	openedAt      time.Time // start of the current open period
	cooldown      time.Duration
	trialInFlight bool
	opens         uint64
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// AllowAttempt reports whether a delivery attempt may proceed. When the
// circuit is open and its cooldown has elapsed, the first caller moves the
// breaker to HalfOpen and becomes the trial; everyone else is refused until
// the trial is reported.
func (b *Breaker) AllowAttempt() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.cfg.Now().Sub(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.trialInFlight = true
			allowed = true
		}
	case HalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// ReportSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.trialInFlight = false
		b.episodes = 0
	}
	to := b.state
	b.mu.Unlock()

	if from == HalfOpen {
		slog.Info("circuit breaker closed after successful trial")
	}
	b.notify(from, to)
}

// ReportFailure counts a failure. A closed circuit opens at the threshold and a
// half-open circuit reopens immediately with an escalated cooldown.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trialInFlight = false
		b.trip()
	case Open:
		// A late report from an attempt that started before the trip.
	}
	to := b.state
	failures := b.failures
	cooldown := b.cooldown
	b.mu.Unlock()

	if from != Open && to == Open {
		slog.Warn("circuit breaker opened",
			"consecutive_failures", failures,
			"threshold", b.cfg.FailureThreshold,
			"cooldown", cooldown)
	}
	b.notify(from, to)
}

// Release gives up a half-open trial without an outcome, for attempts that
// were cancelled locally. The next AllowAttempt may start a new trial.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// trip moves the breaker to Open. Callers hold b.mu.
func (b *Breaker) trip() {
	b.episodes++
	cooldown := b.cfg.Cooldown
	for i := 1; i < b.episodes && cooldown < b.cfg.MaxCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > b.cfg.MaxCooldown {
		cooldown = b.cfg.MaxCooldown
	}
	b.cooldown = cooldown
	b.state = Open
	b.openedAt = b.cfg.Now()
	b.opens++
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state without side effects. An open breaker whose
// cooldown has elapsed still reports Open until AllowAttempt is called.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Cooldown returns the cooldown of the current (or last) open period.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Opens returns how many times the circuit has tripped.
func (b *Breaker) Opens() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}
