package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, clock clockwork.Clock, mutate func(*Config)) *Limiter {
	t.Helper()
	cfg := Config{
		MaxPerMinute:          12,
		ColdContactMultiplier: 0.33,
		WarmupStartFactor:     0.3,
		WarmupPeriod:          10 * 24 * time.Hour,
		Clock:                 clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func drain(l *Limiter, sessionID string) int {
	n := 0
	for l.TryAcquire(sessionID, 1, AcquireOptions{}) {
		n++
		if n > 1000 {
			break
		}
	}
	return n
}

func TestWarmupRamp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock, nil)

	// day 0: roughly 30% of the nominal burst
	require.Equal(t, 3, drain(l, "young"))

	// day 5: the same session has refilled and warmed to about 65%
	clock.Advance(5 * 24 * time.Hour)
	require.Equal(t, 7, drain(l, "young"))

	// day 10: full capacity
	clock.Advance(5 * 24 * time.Hour)
	require.Equal(t, 12, drain(l, "young"))
}

func TestColdContactMultiplier(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock, func(cfg *Config) {
		cfg.WarmupPeriod = 0
	})

	// cost per cold message is 1/0.33, so 12 tokens buy 3 sends
	n := 0
	for l.TryAcquire("s1", 1, AcquireOptions{ColdContact: true}) {
		n++
	}
	require.Equal(t, 3, n)
}

func TestRefillRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock, func(cfg *Config) {
		cfg.WarmupPeriod = 0
	})

	require.Equal(t, 12, drain(l, "s1"))
	require.False(t, l.TryAcquire("s1", 1, AcquireOptions{}))

	// 12 per minute refills one token every five seconds
	clock.Advance(5 * time.Second)
	require.True(t, l.TryAcquire("s1", 1, AcquireOptions{}))
	require.False(t, l.TryAcquire("s1", 1, AcquireOptions{}))
}

func TestAcquireWaitsForTokens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock, func(cfg *Config) {
		cfg.WarmupPeriod = 0
	})
	require.Equal(t, 12, drain(l, "s1"))

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(context.Background(), "s1", 1, AcquireOptions{})
	}()

	// the waiter needs one token, five seconds away
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after tokens accrued")
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock, func(cfg *Config) {
		cfg.WarmupPeriod = 0
	})
	require.Equal(t, 12, drain(l, "s1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx, "s1", 1, AcquireOptions{})
	}()
	clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}

	// cancellation must not have consumed tokens
	require.Zero(t, int(l.Remaining("s1")))
}

func TestStatusThresholds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock, func(cfg *Config) {
		cfg.WarmupPeriod = 0
	})

	require.Equal(t, StatusOK, l.Status("s1"))
	for range 9 {
		require.True(t, l.TryAcquire("s1", 1, AcquireOptions{}))
	}
	require.Equal(t, StatusWarning, l.Status("s1"))
	for range 3 {
		require.True(t, l.TryAcquire("s1", 1, AcquireOptions{}))
	}
	require.Equal(t, StatusCritical, l.Status("s1"))

	require.ElementsMatch(t, []string{"s1"}, l.Sessions())
}
