package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(Config{Client: client})
	require.NoError(t, err)
	return store, mr
}

func testRecord(version uint64, expiresAt time.Time) storage.Record {
	return storage.Record{
		Blob: []byte("blob-v" + string(rune('0'+version))),
		Meta: storage.Metadata{
			Version:      version,
			FencingToken: 7,
			UpdatedAt:    time.Now().UTC().Truncate(time.Millisecond),
			ExpiresAt:    expiresAt,
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := testRecord(1, time.Now().Add(time.Hour))
	require.NoError(t, store.Put(ctx, "s1", record))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, record.Blob, got.Blob)
	require.Equal(t, record.Meta.Version, got.Meta.Version)
	require.Equal(t, record.Meta.FencingToken, got.Meta.FencingToken)
	require.False(t, got.Meta.Deleted)

	exists, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGetMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	require.True(t, trace.IsNotFound(err))

	exists, err := store.Exists(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRecordsExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", testRecord(1, time.Now().Add(time.Minute))))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "s1")
	require.True(t, trace.IsNotFound(err))
}

func TestTouchExtendsBothKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", testRecord(1, time.Now().Add(time.Minute))))
	require.NoError(t, store.Touch(ctx, "s1", time.Now().Add(time.Hour)))

	mr.FastForward(2 * time.Minute)
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Meta.Version)
	require.NotEmpty(t, got.Blob)
}

func TestTouchMissingSession(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Touch(context.Background(), "nope", time.Now().Add(time.Hour))
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", testRecord(1, time.Now().Add(time.Hour))))
	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Get(ctx, "s1")
	require.True(t, trace.IsNotFound(err))
}

func TestTombstoneDropsSnapshotKey(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", testRecord(1, time.Now().Add(time.Hour))))

	tombstone := storage.Record{
		Meta: storage.Metadata{
			Version:   2,
			UpdatedAt: time.Now().UTC(),
			ExpiresAt: time.Now().Add(time.Hour),
			Deleted:   true,
		},
	}
	require.NoError(t, store.Put(ctx, "s1", tombstone))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, got.Meta.Deleted)
	require.Nil(t, got.Blob)
	require.False(t, mr.Exists("baileys:auth:s1:snapshot"))
	require.True(t, mr.Exists("baileys:auth:s1:meta"))
}

func TestOverwriteBumpsVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", testRecord(1, time.Now().Add(time.Hour))))
	require.NoError(t, store.Put(ctx, "s1", testRecord(2, time.Now().Add(time.Hour))))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Meta.Version)
	require.Equal(t, []byte("blob-v2"), got.Blob)

	stats := store.Stats()
	require.Equal(t, uint64(1), stats.Gets)
	require.Equal(t, uint64(1), stats.Hits)
}

func TestCustomNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(Config{Client: client, Namespace: "other:ns"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", testRecord(1, time.Now().Add(time.Hour))))
	require.True(t, mr.Exists("other:ns:s1:meta"))
}
