// Package memstore implements both storage tiers in process memory. It
// backs unit tests, where its fault injection simulates tier outages, and
// single-process deployments that want the engine semantics without
// external infrastructure.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

var errInjected = errors.New("injected failure")

// Config configures a Store.
type Config struct {
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Store keeps hot records and cold documents in two independent maps, so a
// single instance can serve as both tiers of an engine. The Hot and Cold
// methods return the tier views the engine consumes. Expiry is enforced
// lazily on read against the configured clock.
type Store struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	records map[string]storage.Record
	docs    map[string]storage.Document

	hotFailing  atomic.Bool
	coldFailing atomic.Bool
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:   cfg.Clock,
		records: make(map[string]storage.Record),
		docs:    make(map[string]storage.Document),
	}
}

// Hot returns the hot-tier view of the store.
func (s *Store) Hot() storage.Hot {
	return hotTier{s}
}

// Cold returns the cold-tier view of the store.
func (s *Store) Cold() storage.Cold {
	return coldTier{s}
}

// SetHotFailing makes every hot-tier call fail with a storage error until
// reset. Used to drill outage behaviour.
func (s *Store) SetHotFailing(failing bool) {
	s.hotFailing.Store(failing)
}

// SetColdFailing makes every cold-tier call fail with a storage error
// until reset.
func (s *Store) SetColdFailing(failing bool) {
	s.coldFailing.Store(failing)
}

// HotLen reports how many unexpired hot records the store holds.
func (s *Store) HotLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if !s.expired(rec.Meta.ExpiresAt) {
			n++
		}
	}
	return n
}

// ColdLen reports how many unexpired cold documents the store holds.
func (s *Store) ColdLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, doc := range s.docs {
		if !s.expired(doc.ExpiresAt) {
			n++
		}
	}
	return n
}

func (s *Store) expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !s.clock.Now().Before(expiresAt)
}

type hotTier struct {
	s *Store
}

func (h hotTier) Get(ctx context.Context, sessionID string) (*storage.Record, error) {
	if h.s.hotFailing.Load() {
		return nil, storage.NewError(storage.TierHot, "get", errInjected)
	}
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()
	rec, ok := h.s.records[sessionID]
	if !ok || h.s.expired(rec.Meta.ExpiresAt) {
		return nil, trace.NotFound("session %q not found in hot tier", sessionID)
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (h hotTier) Put(ctx context.Context, sessionID string, record storage.Record) error {
	if h.s.hotFailing.Load() {
		return storage.NewError(storage.TierHot, "put", errInjected)
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.records[sessionID] = cloneRecord(record)
	return nil
}

func (h hotTier) Delete(ctx context.Context, sessionID string) error {
	if h.s.hotFailing.Load() {
		return storage.NewError(storage.TierHot, "delete", errInjected)
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	delete(h.s.records, sessionID)
	return nil
}

func (h hotTier) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if h.s.hotFailing.Load() {
		return storage.NewError(storage.TierHot, "touch", errInjected)
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	rec, ok := h.s.records[sessionID]
	if !ok || h.s.expired(rec.Meta.ExpiresAt) {
		return trace.NotFound("session %q not found in hot tier", sessionID)
	}
	rec.Meta.ExpiresAt = expiresAt
	h.s.records[sessionID] = rec
	return nil
}

func (h hotTier) Exists(ctx context.Context, sessionID string) (bool, error) {
	if h.s.hotFailing.Load() {
		return false, storage.NewError(storage.TierHot, "exists", errInjected)
	}
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()
	rec, ok := h.s.records[sessionID]
	return ok && !h.s.expired(rec.Meta.ExpiresAt), nil
}

func (h hotTier) Ping(ctx context.Context) error {
	if h.s.hotFailing.Load() {
		return storage.NewError(storage.TierHot, "ping", errInjected)
	}
	return nil
}

type coldTier struct {
	s *Store
}

func (c coldTier) Get(ctx context.Context, sessionID string) (*storage.Document, error) {
	if c.s.coldFailing.Load() {
		return nil, storage.NewError(storage.TierCold, "get", errInjected)
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	doc, ok := c.s.docs[sessionID]
	if !ok || c.s.expired(doc.ExpiresAt) {
		return nil, trace.NotFound("session %q not found in cold tier", sessionID)
	}
	out := cloneDocument(doc)
	return &out, nil
}

func (c coldTier) ConditionalPut(ctx context.Context, doc *storage.Document, expectedVersion uint64) (*storage.PutResult, error) {
	if c.s.coldFailing.Load() {
		return nil, storage.NewError(storage.TierCold, "put", errInjected)
	}
	if doc == nil || doc.SessionID == "" {
		return nil, trace.BadParameter("missing document or session id")
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	current, exists := c.s.docs[doc.SessionID]
	if exists && c.s.expired(current.ExpiresAt) {
		delete(c.s.docs, doc.SessionID)
		exists = false
	}

	if expectedVersion == 0 {
		if exists {
			out := cloneDocument(current)
			return &storage.PutResult{Applied: false, Current: &out}, nil
		}
		stored := cloneDocument(*doc)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = c.s.clock.Now()
		}
		c.s.docs[doc.SessionID] = stored
		return &storage.PutResult{Applied: true}, nil
	}

	if !exists {
		return &storage.PutResult{Applied: false}, nil
	}
	if current.Version != expectedVersion {
		out := cloneDocument(current)
		return &storage.PutResult{Applied: false, Current: &out}, nil
	}
	stored := cloneDocument(*doc)
	stored.CreatedAt = current.CreatedAt
	c.s.docs[doc.SessionID] = stored
	return &storage.PutResult{Applied: true}, nil
}

func (c coldTier) Delete(ctx context.Context, sessionID string) error {
	if c.s.coldFailing.Load() {
		return storage.NewError(storage.TierCold, "delete", errInjected)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.docs, sessionID)
	return nil
}

func (c coldTier) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if c.s.coldFailing.Load() {
		return storage.NewError(storage.TierCold, "touch", errInjected)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	doc, ok := c.s.docs[sessionID]
	if !ok || c.s.expired(doc.ExpiresAt) {
		return trace.NotFound("session %q not found in cold tier", sessionID)
	}
	doc.ExpiresAt = expiresAt
	c.s.docs[sessionID] = doc
	return nil
}

func (c coldTier) Exists(ctx context.Context, sessionID string) (bool, error) {
	if c.s.coldFailing.Load() {
		return false, storage.NewError(storage.TierCold, "exists", errInjected)
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	doc, ok := c.s.docs[sessionID]
	return ok && !c.s.expired(doc.ExpiresAt), nil
}

func (c coldTier) Ping(ctx context.Context) error {
	if c.s.coldFailing.Load() {
		return storage.NewError(storage.TierCold, "ping", errInjected)
	}
	return nil
}

func cloneRecord(rec storage.Record) storage.Record {
	rec.Blob = bytes.Clone(rec.Blob)
	return rec
}

func cloneDocument(doc storage.Document) storage.Document {
	doc.Blob = bytes.Clone(doc.Blob)
	return doc
}
