package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

// queueFactory builds a fresh queue for one subtest.
type queueFactory func(t *testing.T, clock clockwork.Clock, maxAttempts int) Queue

func newMemoryFactory() queueFactory {
	return func(t *testing.T, clock clockwork.Clock, maxAttempts int) Queue {
		q, err := NewMemoryQueue(MemoryQueueConfig{
			MaxAttempts:   maxAttempts,
			ClaimLeaseTTL: 30 * time.Second,
			Clock:         clock,
		})
		require.NoError(t, err)
		return q
	}
}

func newRedisFactory() queueFactory {
	return func(t *testing.T, clock clockwork.Clock, maxAttempts int) Queue {
		server := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { client.Close() })
		q, err := NewRedisQueue(RedisQueueConfig{
			Client:        client,
			MaxAttempts:   maxAttempts,
			ClaimLeaseTTL: 30 * time.Second,
			Clock:         clock,
		})
		require.NoError(t, err)
		return q
	}
}

func testEntry(sessionID string, version uint64) *Entry {
	return &Entry{
		SessionID: sessionID,
		Op:        OpPut,
		Blob:      []byte("blob-" + EntryID(sessionID, version)),
		Meta: storage.Metadata{
			Version:   version,
			UpdatedAt: time.Unix(1700000000, 0).UTC(),
			ExpiresAt: time.Unix(1800000000, 0).UTC(),
		},
	}
}

func TestQueueConformance(t *testing.T) {
	for name, factory := range map[string]queueFactory{
		"memory": newMemoryFactory(),
		"redis":  newRedisFactory(),
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("FIFOPerSession", func(t *testing.T) { testFIFOPerSession(t, factory) })
			t.Run("DuplicateEnqueue", func(t *testing.T) { testDuplicateEnqueue(t, factory) })
			t.Run("FailReschedules", func(t *testing.T) { testFailReschedules(t, factory) })
			t.Run("DeadLetterAfterMaxAttempts", func(t *testing.T) { testDeadLetter(t, factory) })
			t.Run("LeaseBlocksSecondClaim", func(t *testing.T) { testLease(t, factory) })
			t.Run("RescheduleDoesNotCountAttempt", func(t *testing.T) { testReschedule(t, factory) })
		})
	}
}

func testFIFOPerSession(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := factory(t, clock, 8)

	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, q.Enqueue(ctx, testEntry("s1", v)))
	}
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, depth)

	// only the head is claimable, versions drain in order
	for v := uint64(1); v <= 3; v++ {
		claimed, err := q.Claim(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, v, claimed[0].Meta.Version)
		require.Equal(t, StatusProcessing, claimed[0].Status)
		require.NoError(t, q.Complete(ctx, claimed[0]))
	}

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func testDuplicateEnqueue(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	q := factory(t, clockwork.NewFakeClock(), 8)

	require.NoError(t, q.Enqueue(ctx, testEntry("s1", 1)))
	err := q.Enqueue(ctx, testEntry("s1", 1))
	require.True(t, trace.IsAlreadyExists(err))
}

func testFailReschedules(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := factory(t, clock, 8)

	require.NoError(t, q.Enqueue(ctx, testEntry("s1", 1)))
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Fail(ctx, claimed[0], errors.New("cold tier down"), 5*time.Second))

	// not ready yet
	claimed, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, claimed)

	clock.Advance(6 * time.Second)
	claimed, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)
	require.Contains(t, claimed[0].LastError, "cold tier down")
}

func testDeadLetter(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := factory(t, clock, 2)

	require.NoError(t, q.Enqueue(ctx, testEntry("s1", 1)))
	require.NoError(t, q.Enqueue(ctx, testEntry("s1", 2)))

	for range 2 {
		claimed, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, uint64(1), claimed[0].Meta.Version)
		require.NoError(t, q.Fail(ctx, claimed[0], errors.New("boom"), 0))
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, StatusFailed, dead[0].Status)
	require.Equal(t, uint64(1), dead[0].Meta.Version)

	// the dead letter does not block the session's next entry
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, uint64(2), claimed[0].Meta.Version)
}

func testLease(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := factory(t, clock, 8)

	require.NoError(t, q.Enqueue(ctx, testEntry("s1", 1)))
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// session is leased; a second claim finds nothing
	second, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, second)

	// a crashed worker loses the lease after the claim TTL
	clock.Advance(31 * time.Second)
	second, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, claimed[0].ID, second[0].ID)
}

func testReschedule(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := factory(t, clock, 2)

	require.NoError(t, q.Enqueue(ctx, testEntry("s1", 1)))
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Reschedule(ctx, claimed[0], 10*time.Second))
	clock.Advance(11 * time.Second)

	claimed, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Zero(t, claimed[0].Attempts)

	depth, err := q.SessionDepth(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}
