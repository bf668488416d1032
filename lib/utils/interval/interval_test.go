package interval

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestIntervalTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ivl := New(Config{
		Duration:      time.Minute,
		FirstDuration: time.Second,
		Clock:         clock,
	})
	defer ivl.Stop()

	// nothing before the first duration elapses
	select {
	case <-ivl.Next():
		t.Fatal("tick fired before first duration")
	default:
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	select {
	case <-ivl.Next():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first tick")
	}

	// subsequent ticks follow Duration
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	select {
	case <-ivl.Next():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second tick")
	}
}

func TestIntervalStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ivl := New(Config{Duration: time.Minute, Clock: clock})
	ivl.Stop()
	// Stop is idempotent
	ivl.Stop()

	clock.Advance(2 * time.Minute)
	select {
	case <-ivl.Next():
		t.Fatal("tick fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIntervalInvalidDuration(t *testing.T) {
	require.Panics(t, func() { New(Config{}) })
}
