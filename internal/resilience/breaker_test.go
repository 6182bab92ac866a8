package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	b := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMax:      1,
		OnStateChange:    func(string, State, State) {},
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		require.Error(t, b.Execute(func() error { return errDownstream }))
		assert.Equal(t, StateClosed, b.State(), "below threshold must stay closed")
	}

	require.Error(t, b.Execute(func() error { return errDownstream }))
	assert.Equal(t, StateOpen, b.State())

	// Open circuit fails fast without invoking the call.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.Error(t, b.Execute(func() error { return errDownstream }))
	require.Error(t, b.Execute(func() error { return errDownstream }))
	require.NoError(t, b.Execute(func() error { return nil }))

	// Streak reset: two more failures should not trip a threshold of 3.
	require.Error(t, b.Execute(func() error { return errDownstream }))
	require.Error(t, b.Execute(func() error { return errDownstream }))
	assert.Equal(t, StateClosed, b.State())
}

func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(func() error { return errDownstream }))
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t)
	tripOpen(t, b)

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	tripOpen(t, b)

	*now = now.Add(31 * time.Second)
	require.Error(t, b.Execute(func() error { return errDownstream }))
	assert.Equal(t, StateOpen, b.State())

	// The recovery clock restarted: still open shortly after.
	*now = now.Add(10 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	b, now := newTestBreaker(t)
	tripOpen(t, b)
	*now = now.Add(31 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// Second call while the probe is in flight gets rejected.
	err := b.Execute(func() error { return nil })
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_DoReturnsValue(t *testing.T) {
	b, _ := newTestBreaker(t)

	v, err := Do(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Do(b, func() (int, error) { return 0, errDownstream })
	assert.ErrorIs(t, err, errDownstream)
}

func TestBreaker_SnapshotWhileOpen(t *testing.T) {
	b, now := newTestBreaker(t)
	tripOpen(t, b)

	*now = now.Add(10 * time.Second)
	snap := b.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.InDelta(t, 20.0, snap.RetryAfterSeconds, 0.01)
}
