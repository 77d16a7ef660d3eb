package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, threshold int) *Breaker {
	return New(Config{
		FailureThreshold: threshold,
		Cooldown:         10 * time.Second,
		MaxCooldown:      40 * time.Second,
		Now:              clock.Now,
	})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3)

	for i := 0; i < 2; i++ {
		b.ReportFailure()
		require.True(t, b.AllowAttempt(), "should stay closed below threshold")
	}
	b.ReportFailure()

	assert.Equal(t, Open, b.State())
	assert.False(t, b.AllowAttempt())
	assert.Equal(t, 3, b.ConsecutiveFailures())
	assert.Equal(t, uint64(1), b.Opens())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 3)
	b.ReportFailure()
	b.ReportFailure()
	b.ReportSuccess()
	b.ReportFailure()
	b.ReportFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.ConsecutiveFailures())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	b.ReportFailure()
	require.Equal(t, Open, b.State())

	clock.Advance(9 * time.Second)
	assert.False(t, b.AllowAttempt(), "cooldown not yet elapsed")

	clock.Advance(time.Second)
	assert.True(t, b.AllowAttempt(), "first caller after cooldown becomes the trial")
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.AllowAttempt(), "only one trial while it is in flight")
	assert.False(t, b.AllowAttempt())

	b.ReportSuccess()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.AllowAttempt())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreakerHalfOpenFailureEscalatesCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)

	b.ReportFailure()
	assert.Equal(t, 10*time.Second, b.Cooldown())

	want := []time.Duration{20 * time.Second, 40 * time.Second, 40 * time.Second}
	for _, cooldown := range want {
		clock.Advance(b.Cooldown())
		require.True(t, b.AllowAttempt())
		b.ReportFailure()
		assert.Equal(t, Open, b.State())
		assert.Equal(t, cooldown, b.Cooldown())
	}
	assert.Equal(t, uint64(4), b.Opens())

	clock.Advance(40 * time.Second)
	require.True(t, b.AllowAttempt())
	b.ReportSuccess()

	// Recovery resets the escalation.
	b.ReportFailure()
	assert.Equal(t, 10*time.Second, b.Cooldown())
}

func TestBreakerReleaseTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	b.ReportFailure()
	clock.Advance(10 * time.Second)

	require.True(t, b.AllowAttempt())
	require.False(t, b.AllowAttempt())
	b.Release()
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.AllowAttempt(), "a released trial can be retaken")

	b = newTestBreaker(clock, 3)
	b.Release()
	assert.Equal(t, Closed, b.State(), "release is a no-op outside half-open")
}

func TestBreakerStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.ReportFailure()
	clock.Advance(time.Second)
	b.AllowAttempt()
	b.ReportSuccess()

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestBreakerConcurrentTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	b.ReportFailure()
	clock.Advance(10 * time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.AllowAttempt() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestNewDefaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.Cooldown)
	assert.Equal(t, 30*time.Second, b.cfg.MaxCooldown)
	assert.Equal(t, "closed", b.State().String())
}
