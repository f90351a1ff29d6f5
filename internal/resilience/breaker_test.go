package resilience

import (
	"testing"
	"time"

	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)} }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	c := newClock()
	b := NewBreaker(BreakerConfig{Threshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}, c.now)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), session.ErrCircuitOpen)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 3}, newClock().now)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Failures())
}

func TestBreakerWindowDropsOldFailures(t *testing.T) {
	c := newClock()
	b := NewBreaker(BreakerConfig{Threshold: 3, Window: 10 * time.Second}, c.now)
	b.RecordFailure()
	b.RecordFailure()
	c.advance(11 * time.Second)
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	c := newClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 30 * time.Second}, c.now)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	c.advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), session.ErrCircuitOpen)

	c.advance(time.Second)
	require.NoError(t, b.Allow(), "first call after cooldown is the probe")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), session.ErrCircuitOpen, "only one probe at a time")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	c := newClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Second}, c.now)
	b.RecordFailure()
	c.advance(time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), session.ErrCircuitOpen)
}

func TestBreakerReleaseFreesProbe(t *testing.T) {
	c := newClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Second}, c.now)
	b.RecordFailure()
	c.advance(time.Second)
	require.NoError(t, b.Allow())
	b.Release()
	assert.NoError(t, b.Allow())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{}, nil)
	assert.Equal(t, DefaultThreshold, b.cfg.Threshold)
	assert.Equal(t, DefaultWindow, b.cfg.Window)
	assert.Equal(t, DefaultCooldown, b.cfg.Cooldown)
	assert.Equal(t, "closed", b.State().String())
}
