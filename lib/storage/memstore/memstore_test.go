package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

func TestHotTierLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	hot := New(Config{Clock: clock}).Hot()

	_, err := hot.Get(ctx, "s1")
	require.True(t, trace.IsNotFound(err))

	rec := storage.Record{
		Blob: []byte("blob"),
		Meta: storage.Metadata{
			Version:   1,
			UpdatedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(time.Hour),
		},
	}
	require.NoError(t, hot.Put(ctx, "s1", rec))

	got, err := hot.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, rec.Blob, got.Blob)
	require.Equal(t, uint64(1), got.Meta.Version)

	ok, err := hot.Exists(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	// expiry is honoured lazily
	clock.Advance(2 * time.Hour)
	_, err = hot.Get(ctx, "s1")
	require.True(t, trace.IsNotFound(err))

	// touch resurrects nothing once expired
	err = hot.Touch(ctx, "s1", clock.Now().Add(time.Hour))
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, hot.Delete(ctx, "s1"))
	require.NoError(t, hot.Delete(ctx, "s1"))
}

func TestHotTierTouchExtends(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	hot := New(Config{Clock: clock}).Hot()

	require.NoError(t, hot.Put(ctx, "s1", storage.Record{
		Blob: []byte("b"),
		Meta: storage.Metadata{Version: 1, ExpiresAt: clock.Now().Add(time.Minute)},
	}))

	require.NoError(t, hot.Touch(ctx, "s1", clock.Now().Add(time.Hour)))
	clock.Advance(30 * time.Minute)

	got, err := hot.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Meta.Version)
}

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cold := New(Config{Clock: clock}).Cold()

	doc := &storage.Document{
		SessionID: "s1",
		Blob:      []byte("v1"),
		Version:   1,
		UpdatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	}

	// create-only applies on an empty store
	res, err := cold.ConditionalPut(ctx, doc, 0)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// create-only against an existing document returns the current one
	res, err = cold.ConditionalPut(ctx, doc, 0)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.NotNil(t, res.Current)
	require.Equal(t, uint64(1), res.Current.Version)

	// matching predicate applies
	doc2 := *doc
	doc2.Blob = []byte("v2")
	doc2.Version = 2
	res, err = cold.ConditionalPut(ctx, &doc2, 1)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// stale predicate is rejected with the current document
	doc3 := *doc
	doc3.Version = 3
	res, err = cold.ConditionalPut(ctx, &doc3, 1)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, uint64(2), res.Current.Version)

	// predicate against a missing session reports no current document
	other := *doc
	other.SessionID = "s2"
	res, err = cold.ConditionalPut(ctx, &other, 5)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Nil(t, res.Current)

	// createdAt survives updates
	got, err := cold.Get(ctx, "s1")
	require.NoError(t, err)
	require.False(t, got.CreatedAt.IsZero())
	require.Equal(t, []byte("v2"), got.Blob)
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	store := New(Config{})
	hot, cold := store.Hot(), store.Cold()

	store.SetColdFailing(true)
	_, err := cold.Get(ctx, "s1")
	storageErr, ok := storage.AsError(err)
	require.True(t, ok)
	require.Equal(t, storage.TierCold, storageErr.Tier)
	require.True(t, storage.IsRetryable(err))

	// the hot tier is unaffected
	require.NoError(t, hot.Ping(ctx))

	store.SetColdFailing(false)
	require.NoError(t, cold.Ping(ctx))
}

func TestApplyIfNewer(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cold := New(Config{Clock: clock}).Cold()

	mkdoc := func(version uint64) *storage.Document {
		return &storage.Document{
			SessionID: "s1",
			Blob:      []byte{byte(version)},
			Version:   version,
			UpdatedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(time.Hour),
		}
	}

	// version 1 against an empty tier
	applied, err := storage.ApplyIfNewer(ctx, cold, mkdoc(1))
	require.NoError(t, err)
	require.True(t, applied)

	// contiguous next version
	applied, err = storage.ApplyIfNewer(ctx, cold, mkdoc(2))
	require.NoError(t, err)
	require.True(t, applied)

	// replay of an applied version is an obsolete no-op
	applied, err = storage.ApplyIfNewer(ctx, cold, mkdoc(2))
	require.NoError(t, err)
	require.False(t, applied)

	// a gap (tier behind by more than one) still applies: documents carry
	// the full snapshot
	applied, err = storage.ApplyIfNewer(ctx, cold, mkdoc(5))
	require.NoError(t, err)
	require.True(t, applied)

	got, err := cold.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Version)
}
