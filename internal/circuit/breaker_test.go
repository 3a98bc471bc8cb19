package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func newTestBreaker() *Breaker {
	return New("test", Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        40 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker()

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure(errUpstream)
		assert.Equal(t, StateClosed, b.State())
	}
	require.True(t, b.Allow())
	b.RecordFailure(errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker()

	b.RecordFailure(errUpstream)
	b.RecordFailure(errUpstream)
	b.RecordSuccess()
	b.RecordFailure(errUpstream)
	b.RecordFailure(errUpstream)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure(errUpstream)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	// Only one probe at a time.
	assert.False(t, b.Allow())
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure(errUpstream)
	}
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	status := b.GetStatus()
	assert.Equal(t, "closed", status.State)
	assert.Equal(t, 10*time.Millisecond, status.CurrentBackoff)
}

func TestBreakerFailedProbeIncreasesBackoff(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure(errUpstream)
	}
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordFailure(errUpstream)
	assert.Equal(t, StateOpen, b.State())

	status := b.GetStatus()
	assert.Equal(t, 20*time.Millisecond, status.CurrentBackoff)
	assert.Equal(t, int64(2), status.TotalTrips)
}

func TestBreakerBackoffCapped(t *testing.T) {
	b := newTestBreaker()
	for trip := 0; trip < 5; trip++ {
		for i := 0; i < 3; i++ {
			b.RecordFailure(errUpstream)
		}
		time.Sleep(b.GetStatus().CurrentBackoff + 5*time.Millisecond)
		require.True(t, b.Allow())
		b.RecordFailure(errUpstream)
	}
	assert.LessOrEqual(t, b.GetStatus().CurrentBackoff, 40*time.Millisecond)
}

func TestBreakerZeroConfigTakesDefaults(t *testing.T) {
	b := New("defaults", Config{})
	status := b.GetStatus()
	assert.Equal(t, "closed", status.State)
	assert.Equal(t, 5*time.Second, status.CurrentBackoff)
	assert.True(t, b.Allow())
}
