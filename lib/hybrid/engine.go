// Package hybrid implements the two-tier engine at the heart of the store.
// Reads go hot first and fall back to the cold tier; writes commit to the
// hot tier under a per-session lock and propagate to the cold tier through
// the transactional outbox. The hot tier is always at least as new as the
// cold tier, so convergence only ever flows one way.
package hybrid

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/luoarch/baileys-store-core-sub002/lib/authstate"
	"github.com/luoarch/baileys-store-core-sub002/lib/breaker"
	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/observability/metrics"
	"github.com/luoarch/baileys-store-core-sub002/lib/outbox"
	"github.com/luoarch/baileys-store-core-sub002/lib/ratelimit"
	"github.com/luoarch/baileys-store-core-sub002/lib/reconciler"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/interval"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/retryutils"
)

// WriteOptions modify a single Set or Delete.
type WriteOptions struct {
	// ExpectedVersion, when set, makes the write conditional: it applies
	// only if the stored version equals the pointee. Zero asserts that no
	// record exists (create-only).
	ExpectedVersion *uint64
	// FencingToken asserts write ownership. Zero means unfenced. A token
	// lower than the one recorded for the session rejects the write; the
	// recorded token only ever grows.
	FencingToken uint64
	// TTL overrides the default record lifetime for this write.
	TTL time.Duration
	// ColdContact flags the destination as a cold contact for the rate
	// limiter.
	ColdContact bool
}

// WriteResult reports a committed write.
type WriteResult struct {
	// Version is the version the write committed at.
	Version uint64
	// FencingToken is the token now recorded for the session.
	FencingToken uint64
	// UpdatedAt is the commit time.
	UpdatedAt time.Time
}

// Stats is a point-in-time operational view of the engine.
type Stats struct {
	// OutboxDepth is the number of outstanding cold writes.
	OutboxDepth int
	// SessionLocks is the number of sessions with a writer in flight.
	SessionLocks int
	// Breaker is the cold-tier breaker's view.
	Breaker breaker.Stats
}

// indexEnsurer is implemented by cold stores that manage their own
// indexes.
type indexEnsurer interface {
	EnsureIndexes(ctx context.Context) error
}

// Engine is the hybrid store coordinator. All methods are safe for
// concurrent use.
type Engine struct {
	cfg   Config
	locks *sessionLocks
	group singleflight.Group
	rec   *reconciler.Reconciler

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New creates an engine from the supplied config. Call Connect before
// serving traffic.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rec, err := reconciler.New(reconciler.Config{
		Queue:             cfg.Queue,
		Cold:              cfg.Cold,
		Hot:               cfg.Hot,
		Breaker:           cfg.Breaker,
		PollInterval:      cfg.WriteBehind.FlushInterval,
		BackoffBase:       cfg.Resilience.RetryBaseDelay,
		BackoffMultiplier: cfg.Resilience.RetryMultiplier,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		Events:            cfg.ReconcilerEvents,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:   cfg,
		locks: newSessionLocks(),
		rec:   rec,
	}, nil
}

// Connect verifies hot-tier connectivity, prepares the cold tier on a
// best-effort basis, and starts the background workers. The cold tier may
// be down at connect time; writes still land in the hot tier and the
// reconciler converges once it returns.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return trace.BadParameter("engine is closed")
	}
	if e.started {
		e.mu.Unlock()
		return trace.AlreadyExists("engine already connected")
	}
	e.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.cfg.Hot.Ping(ctx); err != nil {
		return trace.Wrap(err, "hot tier is unreachable")
	}
	if err := e.prepareCold(ctx); err != nil {
		e.cfg.Logger.WarnContext(ctx, "cold tier is not ready; continuing degraded", "error", err)
	}

	if err := e.rec.Start(); err != nil {
		return trace.Wrap(err)
	}
	go e.metricsLoop(loopCtx)
	return nil
}

func (e *Engine) prepareCold(ctx context.Context) error {
	if err := e.cfg.Cold.Ping(ctx); err != nil {
		return trace.Wrap(err)
	}
	if ensurer, ok := e.cfg.Cold.(indexEnsurer); ok {
		return trace.Wrap(ensurer.EnsureIndexes(ctx))
	}
	return nil
}

// Disconnect drains the outbox within the graceful timeout and stops the
// background workers. The engine rejects operations afterwards.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	if !started {
		return nil
	}
	cancel()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancelDrain context.CancelFunc
		ctx, cancelDrain = context.WithTimeout(ctx, e.cfg.GracefulDrainTimeout)
		defer cancelDrain()
	}
	return trace.Wrap(e.rec.Close(ctx))
}

// Flush synchronously drains the outbox into the cold tier.
func (e *Engine) Flush(ctx context.Context) error {
	return trace.Wrap(e.rec.Flush(ctx))
}

// Get returns the session's snapshot with its version, or nil when the
// session does not exist. A hot miss falls back to the cold tier and
// repopulates the hot tier; concurrent misses for the same session share
// one cold read.
func (e *Engine) Get(ctx context.Context, sessionID string) (*authstate.Versioned[authstate.Snapshot], error) {
	if err := e.checkOpen(sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	defer prometheus.NewTimer(metrics.OperationLatency.WithLabelValues("get")).ObserveDuration()

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	record, err := e.cfg.Hot.Get(ctx, sessionID)
	switch {
	case err == nil:
		metrics.HotHits.Inc()
		if record.Meta.Deleted {
			return nil, nil
		}
		snapshot, derr := e.cfg.Codec.Decode(record.Blob)
		if derr != nil {
			return nil, trace.Wrap(derr)
		}
		return &authstate.Versioned[authstate.Snapshot]{
			Data:      snapshot,
			Version:   record.Meta.Version,
			UpdatedAt: record.Meta.UpdatedAt,
		}, nil

	case trace.IsNotFound(err):
		metrics.HotMisses.Inc()

	default:
		// degraded hot tier reads like a miss
		metrics.HotMisses.Inc()
		e.cfg.Logger.WarnContext(ctx, "hot tier read failed; falling back to cold",
			"session_id", sessionID, "error", err)
	}

	ch := e.group.DoChan(sessionID, func() (any, error) {
		// the flight outlives any single caller, so it runs detached from
		// the caller's context under its own timeout
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Resilience.OperationTimeout)
		defer fcancel()
		v, ferr := e.coldFallback(fctx, sessionID)
		if ferr != nil || v == nil {
			return nil, ferr
		}
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, trace.Wrap(res.Err)
		}
		if res.Val == nil {
			return nil, nil
		}
		// each caller gets its own copy; the flight result is shared
		v := res.Val.(*authstate.Versioned[authstate.Snapshot])
		out := *v
		out.Data = out.Data.Clone()
		return &out, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// coldFallback serves a hot miss from the cold tier and repopulates the
// hot tier. When the breaker is open the session reads as missing instead
// of failing the caller.
func (e *Engine) coldFallback(ctx context.Context, sessionID string) (*authstate.Versioned[authstate.Snapshot], error) {
	var doc *storage.Document
	err := e.cfg.Breaker.Execute(func() error {
		var gerr error
		doc, gerr = e.cfg.Cold.Get(ctx, sessionID)
		return gerr
	})
	switch {
	case err == nil:
	case trace.IsNotFound(err):
		return nil, nil
	case breaker.IsCircuitOpen(err):
		e.cfg.Logger.WarnContext(ctx, "cold tier unavailable; treating session as missing",
			"session_id", sessionID)
		return nil, nil
	default:
		return nil, trace.Wrap(err)
	}
	metrics.ColdFallbacks.Inc()

	snapshot, err := e.cfg.Codec.Decode(doc.Blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	record := storage.Record{
		Blob: doc.Blob,
		Meta: storage.Metadata{
			Version:      doc.Version,
			FencingToken: doc.FencingToken,
			UpdatedAt:    doc.UpdatedAt,
			ExpiresAt:    e.cfg.Clock.Now().Add(e.cfg.TTL.Default),
		},
	}
	if err := e.cfg.Hot.Put(ctx, sessionID, record); err != nil {
		e.cfg.Logger.WarnContext(ctx, "failed to repopulate hot tier after cold fallback",
			"session_id", sessionID, "error", err)
	}
	return &authstate.Versioned[authstate.Snapshot]{
		Data:      snapshot,
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Set merges a patch into the session's snapshot and commits the result at
// the next version. The write commits in the hot tier and propagates to
// the cold tier per the write-behind config.
func (e *Engine) Set(ctx context.Context, sessionID string, patch authstate.Patch, opts WriteOptions) (*WriteResult, error) {
	if err := e.checkOpen(sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	defer prometheus.NewTimer(metrics.OperationLatency.WithLabelValues("set")).ObserveDuration()

	if e.cfg.RateLimiter != nil {
		err := e.cfg.RateLimiter.Acquire(ctx, sessionID, 1, ratelimit.AcquireOptions{ColdContact: opts.ColdContact})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if e.cfg.Tracker != nil {
		e.cfg.Tracker.RecordActivity(sessionID)
	}
	if e.cfg.Rotations != nil && patch.Creds != nil {
		e.cfg.Rotations.Record(sessionID)
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	lock := e.locks.acquire(sessionID)
	defer e.locks.release(sessionID, lock)

	current, meta, err := e.loadCurrent(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != meta.Version {
		return nil, &authstate.VersionMismatchError{Expected: *opts.ExpectedVersion, Actual: meta.Version}
	}
	if opts.FencingToken != 0 && opts.FencingToken < meta.FencingToken {
		return nil, &authstate.FencingTokenError{Recorded: meta.FencingToken, Supplied: opts.FencingToken}
	}
	token := max(meta.FencingToken, opts.FencingToken)

	merged := authstate.Merge(current, patch)
	blob, err := e.cfg.Codec.Encode(merged)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := e.cfg.Clock.Now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.cfg.TTL.Default
	}
	next := storage.Metadata{
		Version:      meta.Version + 1,
		FencingToken: token,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	if err := e.withRetry(ctx, func() error {
		return e.cfg.Hot.Put(ctx, sessionID, storage.Record{Blob: blob, Meta: next})
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	entry := &outbox.Entry{
		SessionID: sessionID,
		Op:        outbox.OpPut,
		Blob:      blob,
		Meta:      next,
	}
	if err := e.propagate(ctx, entry); err != nil {
		return nil, trace.Wrap(err)
	}

	if e.cfg.Observability.DetailedLogs {
		e.cfg.Logger.DebugContext(ctx, "committed write",
			"session_id", sessionID, "version", next.Version, "fencing_token", token)
	}
	return &WriteResult{Version: next.Version, FencingToken: token, UpdatedAt: now}, nil
}

// Delete removes the session. The hot tier keeps a tombstone at the next
// version until it expires, so a lagging cold tier can never resurrect the
// session through the read path.
func (e *Engine) Delete(ctx context.Context, sessionID string, opts WriteOptions) error {
	if err := e.checkOpen(sessionID); err != nil {
		return trace.Wrap(err)
	}
	defer prometheus.NewTimer(metrics.OperationLatency.WithLabelValues("delete")).ObserveDuration()

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	lock := e.locks.acquire(sessionID)
	defer e.locks.release(sessionID, lock)

	_, meta, err := e.loadCurrent(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != meta.Version {
		return &authstate.VersionMismatchError{Expected: *opts.ExpectedVersion, Actual: meta.Version}
	}
	if opts.FencingToken != 0 && opts.FencingToken < meta.FencingToken {
		return &authstate.FencingTokenError{Recorded: meta.FencingToken, Supplied: opts.FencingToken}
	}

	now := e.cfg.Clock.Now()
	tombstone := storage.Metadata{
		Version:      meta.Version + 1,
		FencingToken: max(meta.FencingToken, opts.FencingToken),
		UpdatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.TTL.Default),
		Deleted:      true,
	}
	if err := e.withRetry(ctx, func() error {
		return e.cfg.Hot.Put(ctx, sessionID, storage.Record{Meta: tombstone})
	}); err != nil {
		return trace.Wrap(err)
	}

	entry := &outbox.Entry{
		SessionID: sessionID,
		Op:        outbox.OpDelete,
		Meta:      tombstone,
	}
	return trace.Wrap(e.propagate(ctx, entry))
}

// Touch extends the session's lifetime in both tiers without changing its
// version. The cold touch is best-effort behind the breaker; the tiers
// re-align on the next write in the worst case.
func (e *Engine) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := e.checkOpen(sessionID); err != nil {
		return trace.Wrap(err)
	}
	defer prometheus.NewTimer(metrics.OperationLatency.WithLabelValues("touch")).ObserveDuration()

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	// the hot touch reads and rewrites the metadata key, so it joins the
	// per-session critical section with Set and Delete
	lock := e.locks.acquire(sessionID)
	defer e.locks.release(sessionID, lock)

	if ttl <= 0 {
		ttl = e.cfg.TTL.Default
	}
	expiresAt := e.cfg.Clock.Now().Add(ttl)

	hotErr := e.cfg.Hot.Touch(ctx, sessionID, expiresAt)
	coldErr := e.cfg.Breaker.Execute(func() error {
		return e.cfg.Cold.Touch(ctx, sessionID, expiresAt)
	})
	if coldErr != nil && !trace.IsNotFound(coldErr) {
		e.cfg.Logger.WarnContext(ctx, "cold tier touch failed",
			"session_id", sessionID, "error", coldErr)
	}

	if hotErr == nil {
		return nil
	}
	if !trace.IsNotFound(hotErr) {
		return trace.Wrap(hotErr)
	}
	if coldErr == nil {
		return nil
	}
	return trace.NotFound("session %q not found", sessionID)
}

// Exists reports whether the session is present in either tier. Tombstones
// read as absent.
func (e *Engine) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := e.checkOpen(sessionID); err != nil {
		return false, trace.Wrap(err)
	}
	defer prometheus.NewTimer(metrics.OperationLatency.WithLabelValues("exists")).ObserveDuration()

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	record, err := e.cfg.Hot.Get(ctx, sessionID)
	if err == nil {
		return !record.Meta.Deleted, nil
	}
	if !trace.IsNotFound(err) {
		e.cfg.Logger.WarnContext(ctx, "hot tier read failed during exists check",
			"session_id", sessionID, "error", err)
	}

	var present bool
	err = e.cfg.Breaker.Execute(func() error {
		var xerr error
		present, xerr = e.cfg.Cold.Exists(ctx, sessionID)
		return xerr
	})
	if breaker.IsCircuitOpen(err) {
		return false, nil
	}
	return present, trace.Wrap(err)
}

// IsHealthy reports whether the engine can serve: the hot tier answers and
// the cold-tier breaker is not open.
func (e *Engine) IsHealthy(ctx context.Context) bool {
	if e.cfg.Hot.Ping(ctx) != nil {
		return false
	}
	return !e.cfg.Breaker.IsOpen()
}

// Stats returns a point-in-time operational view.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	depth, err := e.cfg.Queue.Depth(ctx)
	if err != nil {
		return Stats{}, trace.Wrap(err)
	}
	return Stats{
		OutboxDepth:  depth,
		SessionLocks: e.locks.size(),
		Breaker:      e.cfg.Breaker.Stats(),
	}, nil
}

// loadCurrent resolves the session's current snapshot and metadata under
// the session lock. A tombstone counts as current state at its version so
// post-delete writes keep the version chain intact. A total miss reads as
// version zero.
func (e *Engine) loadCurrent(ctx context.Context, sessionID string) (authstate.Snapshot, storage.Metadata, error) {
	record, err := e.cfg.Hot.Get(ctx, sessionID)
	switch {
	case err == nil:
		if record.Meta.Deleted {
			return authstate.Snapshot{}, record.Meta, nil
		}
		snapshot, derr := e.cfg.Codec.Decode(record.Blob)
		if derr != nil {
			return authstate.Snapshot{}, storage.Metadata{}, trace.Wrap(derr)
		}
		return snapshot, record.Meta, nil
	case trace.IsNotFound(err):
	default:
		return authstate.Snapshot{}, storage.Metadata{}, trace.Wrap(err)
	}

	var doc *storage.Document
	err = e.cfg.Breaker.Execute(func() error {
		var gerr error
		doc, gerr = e.cfg.Cold.Get(ctx, sessionID)
		return gerr
	})
	switch {
	case err == nil:
	case trace.IsNotFound(err):
		return authstate.Snapshot{}, storage.Metadata{}, nil
	case breaker.IsCircuitOpen(err):
		// both tiers silent on this session; start a fresh version chain
		e.cfg.Logger.WarnContext(ctx, "cold tier unavailable while resolving current state",
			"session_id", sessionID)
		return authstate.Snapshot{}, storage.Metadata{}, nil
	default:
		return authstate.Snapshot{}, storage.Metadata{}, trace.Wrap(err)
	}

	snapshot, err := e.cfg.Codec.Decode(doc.Blob)
	if err != nil {
		return authstate.Snapshot{}, storage.Metadata{}, trace.Wrap(err)
	}
	return snapshot, storage.Metadata{
		Version:      doc.Version,
		FencingToken: doc.FencingToken,
		UpdatedAt:    doc.UpdatedAt,
		ExpiresAt:    doc.ExpiresAt,
	}, nil
}

// propagate hands a committed hot write to the cold tier: through the
// outbox in write-behind mode, synchronously in write-through mode, and
// synchronously under backpressure when the outbox is full.
func (e *Engine) propagate(ctx context.Context, entry *outbox.Entry) error {
	if e.cfg.WriteBehind.Disabled {
		if err := e.enqueue(ctx, entry); err != nil {
			return trace.Wrap(err)
		}
		if err := e.applyDirect(ctx, *entry); err != nil {
			if e.cfg.WriteBehind.FailOnColdError {
				return trace.Wrap(err)
			}
			e.cfg.Logger.WarnContext(ctx, "synchronous cold write failed; entry left for the reconciler",
				"entry_id", entry.ID, "error", err)
			return nil
		}
		if err := e.cfg.Queue.Complete(ctx, *entry); err != nil {
			e.cfg.Logger.WarnContext(ctx, "failed to complete outbox entry after synchronous write",
				"entry_id", entry.ID, "error", err)
		}
		return nil
	}

	if depth, err := e.cfg.Queue.Depth(ctx); err == nil && depth >= e.cfg.WriteBehind.QueueSize {
		e.cfg.Logger.WarnContext(ctx, "outbox is full; degrading to a synchronous cold write",
			"depth", depth)
		if err := e.applyDirect(ctx, *entry); err == nil {
			return nil
		}
		// cold write failed under backpressure; queue it regardless so
		// the commit is not lost
	}

	if err := e.enqueue(ctx, entry); err != nil {
		// the hot commit must not be silently dropped: compensate with a
		// synchronous cold write before failing the call
		if derr := e.applyDirect(ctx, *entry); derr == nil {
			return nil
		}
		return trace.Wrap(err)
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, entry *outbox.Entry) error {
	err := e.cfg.Queue.Enqueue(ctx, entry)
	switch {
	case err == nil:
		return nil
	case trace.IsAlreadyExists(err):
		// a previous attempt already recorded this (session, version)
		return nil
	}
	return trace.Wrap(err)
}

// applyDirect commits one entry to the cold tier synchronously, through
// the breaker and the retry policy.
func (e *Engine) applyDirect(ctx context.Context, entry outbox.Entry) error {
	metrics.DirectWrites.Inc()
	return e.withRetry(ctx, func() error {
		return e.cfg.Breaker.Execute(func() error {
			switch entry.Op {
			case outbox.OpDelete:
				return e.cfg.Cold.Delete(ctx, entry.SessionID)
			default:
				_, err := storage.ApplyIfNewer(ctx, e.cfg.Cold, &storage.Document{
					SessionID:    entry.SessionID,
					Blob:         entry.Blob,
					Version:      entry.Meta.Version,
					FencingToken: entry.Meta.FencingToken,
					UpdatedAt:    entry.Meta.UpdatedAt,
					ExpiresAt:    entry.Meta.ExpiresAt,
				})
				return err
			}
		})
	})
}

// withRetry runs fn, retrying transient storage failures per the
// resilience config. Logical failures and open-breaker short circuits
// surface immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	retry, err := retryutils.NewRetryV2(retryutils.RetryV2Config{
		First:  e.cfg.Resilience.RetryBaseDelay,
		Driver: retryutils.NewGeometricDriver(e.cfg.Resilience.RetryBaseDelay, e.cfg.Resilience.RetryMultiplier),
		Max:    defaults.RetryMaxDelay,
		Jitter: retryutils.FullJitter,
		Clock:  e.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= e.cfg.Resilience.MaxRetries || !storage.IsRetryable(err) || breaker.IsCircuitOpen(err) {
			return trace.Wrap(err)
		}
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// opCtx bounds one engine operation with the configured timeout. A caller
// deadline tighter than the timeout still wins.
func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.Resilience.OperationTimeout)
}

func (e *Engine) checkOpen(sessionID string) error {
	if err := authstate.ValidateSessionID(sessionID); err != nil {
		return trace.Wrap(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return trace.BadParameter("engine is closed")
	}
	return nil
}

// metricsLoop refreshes gauge-style metrics until the engine disconnects.
func (e *Engine) metricsLoop(ctx context.Context) {
	ticker := interval.New(interval.Config{
		Duration: e.cfg.Observability.MetricsInterval,
		Clock:    e.cfg.Clock,
	})
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Next():
			depth, err := e.cfg.Queue.Depth(ctx)
			if err != nil {
				continue
			}
			metrics.OutboxDepth.Set(float64(depth))
			if e.cfg.Observability.DetailedLogs {
				e.cfg.Logger.DebugContext(ctx, "engine stats",
					"outbox_depth", depth, "session_locks", e.locks.size())
			}
		case <-ctx.Done():
			return
		}
	}
}
