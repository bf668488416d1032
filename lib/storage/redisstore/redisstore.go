// Package redisstore implements the hot tier on Redis. Each session owns
// two keys under the auth namespace, written transactionally and stamped
// with an absolute millisecond expiry so replicas expire isochronously:
//
//	baileys:auth:{sessionId}:snapshot   opaque blob
//	baileys:auth:{sessionId}:meta       JSON metadata
//
// Tombstones keep the meta key (with the deleted marker set) and drop the
// snapshot key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	baileysstore "github.com/luoarch/baileys-store-core-sub002"
	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

// Config configures a Store.
type Config struct {
	// Client is any go-redis universal client: standalone, sentinel or
	// cluster all work. Required.
	Client redis.UniversalClient
	// Namespace prefixes every key. Defaults to the auth namespace.
	Namespace string
	// OperationTimeout bounds each call.
	OperationTimeout time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Namespace == "" {
		c.Namespace = baileysstore.KeyNamespace
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Stats are cheap read-side counters for diagnostics; the engine exports
// the authoritative Prometheus metrics.
type Stats struct {
	Gets   uint64
	Hits   uint64
	Misses uint64
}

// Store implements storage.Hot on Redis.
type Store struct {
	cfg Config

	gets   atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a hot store from the supplied config.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

func (s *Store) snapshotKey(sessionID string) string {
	return s.cfg.Namespace + ":" + sessionID + ":snapshot"
}

func (s *Store) metaKey(sessionID string) string {
	return s.cfg.Namespace + ":" + sessionID + ":meta"
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// Get implements storage.Hot.
func (s *Store) Get(ctx context.Context, sessionID string) (*storage.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	s.gets.Add(1)

	pipe := s.cfg.Client.Pipeline()
	snapCmd := pipe.Get(ctx, s.snapshotKey(sessionID))
	metaCmd := pipe.Get(ctx, s.metaKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storage.NewError(storage.TierHot, "get", err)
	}

	metaRaw, err := metaCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.Add(1)
		return nil, trace.NotFound("session %q not found in hot tier", sessionID)
	}
	if err != nil {
		return nil, storage.NewError(storage.TierHot, "get", err)
	}

	var meta storage.Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, trace.BadParameter("corrupt hot metadata for session %q: %v", sessionID, err)
	}

	record := &storage.Record{Meta: meta}
	blob, err := snapCmd.Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// tombstones and meta-only records carry no snapshot key
	case err != nil:
		return nil, storage.NewError(storage.TierHot, "get", err)
	default:
		record.Blob = blob
	}
	s.hits.Add(1)
	return record, nil
}

// Put implements storage.Hot. The snapshot and metadata keys commit in one
// transaction with identical absolute expiries.
func (s *Store) Put(ctx context.Context, sessionID string, record storage.Record) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metaRaw, err := json.Marshal(record.Meta)
	if err != nil {
		return trace.Wrap(err)
	}

	tx := s.cfg.Client.TxPipeline()
	snapKey, metaKey := s.snapshotKey(sessionID), s.metaKey(sessionID)
	if record.Blob != nil {
		tx.Set(ctx, snapKey, record.Blob, 0)
		if !record.Meta.ExpiresAt.IsZero() {
			tx.PExpireAt(ctx, snapKey, record.Meta.ExpiresAt)
		}
	} else {
		tx.Del(ctx, snapKey)
	}
	tx.Set(ctx, metaKey, metaRaw, 0)
	if !record.Meta.ExpiresAt.IsZero() {
		tx.PExpireAt(ctx, metaKey, record.Meta.ExpiresAt)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return storage.NewError(storage.TierHot, "put", err)
	}
	return nil
}

// Delete implements storage.Hot.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.cfg.Client.Del(ctx, s.snapshotKey(sessionID), s.metaKey(sessionID)).Err(); err != nil {
		return storage.NewError(storage.TierHot, "delete", err)
	}
	return nil
}

// Touch implements storage.Hot: it rewrites the metadata expiry and
// re-stamps both keys.
func (s *Store) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metaKey := s.metaKey(sessionID)
	metaRaw, err := s.cfg.Client.Get(ctx, metaKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return trace.NotFound("session %q not found in hot tier", sessionID)
	}
	if err != nil {
		return storage.NewError(storage.TierHot, "touch", err)
	}
	var meta storage.Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return trace.BadParameter("corrupt hot metadata for session %q: %v", sessionID, err)
	}
	meta.ExpiresAt = expiresAt
	updated, err := json.Marshal(meta)
	if err != nil {
		return trace.Wrap(err)
	}

	tx := s.cfg.Client.TxPipeline()
	tx.Set(ctx, metaKey, updated, 0)
	tx.PExpireAt(ctx, metaKey, expiresAt)
	// a missing snapshot key (tombstone) makes this a no-op
	tx.PExpireAt(ctx, s.snapshotKey(sessionID), expiresAt)
	if _, err := tx.Exec(ctx); err != nil {
		return storage.NewError(storage.TierHot, "touch", err)
	}
	return nil
}

// Exists implements storage.Hot.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.cfg.Client.Exists(ctx, s.metaKey(sessionID)).Result()
	if err != nil {
		return false, storage.NewError(storage.TierHot, "exists", err)
	}
	return n > 0, nil
}

// Ping implements storage.Hot.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.cfg.Client.Ping(ctx).Err(); err != nil {
		return storage.NewError(storage.TierHot, "ping", err)
	}
	return nil
}

// Stats returns the read-side counters.
func (s *Store) Stats() Stats {
	return Stats{
		Gets:   s.gets.Load(),
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
}
