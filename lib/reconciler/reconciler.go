// Package reconciler implements the background worker that drains the
// outbox into the cold tier. It claims sessions from the queue on a
// jittered interval, applies each head entry through the circuit breaker,
// and converges the two tiers: after a drain to empty both hold the same
// (snapshot, version, fencing token) for every live session.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	baileysstore "github.com/luoarch/baileys-store-core-sub002"
	"github.com/luoarch/baileys-store-core-sub002/lib/breaker"
	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/observability/metrics"
	"github.com/luoarch/baileys-store-core-sub002/lib/outbox"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/interval"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/logutils"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/retryutils"
)

// EventKind classifies reconciler test events.
type EventKind string

const (
	// EventApplied means an entry was committed to the cold tier.
	EventApplied EventKind = "applied"
	// EventSkipped means the cold tier already held the entry's version
	// or newer.
	EventSkipped EventKind = "skipped"
	// EventFailed means an attempt failed and the entry was handed back
	// to the queue.
	EventFailed EventKind = "failed"
	// EventPaused means the breaker was open and the drain loop backed
	// off for the cooldown.
	EventPaused EventKind = "paused"
)

// Event reports one processed entry. Only emitted when Config.Events is
// set; used by tests to observe the background loop deterministically.
type Event struct {
	Kind  EventKind
	Entry outbox.Entry
	Err   error
}

// Config configures a Reconciler.
type Config struct {
	// Queue is the outbox to drain. Required.
	Queue outbox.Queue
	// Cold is the tier entries are applied to. Required.
	Cold storage.Cold
	// Hot, when set, gets its TTL refreshed after a successful apply so
	// the two tiers expire together.
	Hot storage.Hot
	// Breaker guards cold-tier calls when set.
	Breaker *breaker.Breaker
	// BreakerCooldown is how long the drain loop pauses on an open
	// breaker.
	BreakerCooldown time.Duration
	// Concurrency is the number of workers applying claimed entries.
	Concurrency int
	// BatchSize is the maximum number of sessions claimed per poll.
	BatchSize int
	// PollInterval is the claim cadence.
	PollInterval time.Duration
	// BackoffBase, BackoffMultiplier and BackoffMax shape the per-entry
	// retry delay: base * multiplier^attempts with full jitter.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to the package logger.
	Logger *slog.Logger
	// Events, when set, receives one event per processed entry.
	// Non-blocking; events are dropped when the channel is full.
	Events chan<- Event
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Cold == nil {
		return trace.BadParameter("missing parameter Cold")
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaults.BreakerCooldown
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.ReconcilerConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.ReconcilerBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.FlushInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.RetryBaseDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaults.RetryMultiplier
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.RetryMaxDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(baileysstore.ComponentKey, baileysstore.ComponentReconciler)
	}
	return nil
}

// Reconciler drains the outbox into the cold tier.
type Reconciler struct {
	cfg     Config
	backoff retryutils.Driver

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	pausedUntil time.Time
	started     bool
}

// New creates a reconciler from the supplied config. Call Start to begin
// draining.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reconciler{
		cfg:     cfg,
		backoff: retryutils.NewGeometricDriver(cfg.BackoffBase, cfg.BackoffMultiplier),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the drain loop. It returns immediately; the loop runs
// until Close.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return trace.AlreadyExists("reconciler already started")
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	return nil
}

// Close stops the drain loop, waits for in-flight work, then performs one
// best-effort final flush bounded by ctx.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if started {
		cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	return trace.Wrap(r.Flush(ctx))
}

// Flush synchronously drains the queue until it is empty, the breaker
// opens, or ctx expires. Safe to call concurrently with the background
// loop: claims are atomic, so entries are never applied twice.
func (r *Reconciler) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		entries, err := r.cfg.Queue.Claim(ctx, r.cfg.BatchSize)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(entries) == 0 {
			depth, err := r.cfg.Queue.Depth(ctx)
			if err != nil {
				return trace.Wrap(err)
			}
			if depth == 0 {
				return nil
			}
			// remaining entries are leased or backing off
			return trace.LimitExceeded("outbox not fully drained: %d entries remain", depth)
		}
		r.processBatch(ctx, entries)
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := interval.New(interval.Config{
		Duration:      r.cfg.PollInterval,
		FirstDuration: retryutils.FullJitter(r.cfg.PollInterval),
		Jitter:        retryutils.SeventhJitter,
		Clock:         r.cfg.Clock,
	})
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Next():
			if r.paused() {
				continue
			}
			entries, err := r.cfg.Queue.Claim(ctx, r.cfg.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					r.cfg.Logger.WarnContext(ctx, "failed to claim outbox entries", "error", err)
				}
				continue
			}
			r.processBatch(ctx, entries)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clock.Now().Before(r.pausedUntil)
}

func (r *Reconciler) pause(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until := r.cfg.Clock.Now().Add(d)
	if until.After(r.pausedUntil) {
		r.pausedUntil = until
	}
}

// processBatch fans a claimed batch out to the worker pool and waits for
// it. Entries belong to distinct sessions, so order inside the batch does
// not matter.
func (r *Reconciler) processBatch(ctx context.Context, entries []outbox.Entry) {
	if len(entries) == 0 {
		return
	}
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, entry := range entries {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.process(ctx, entry)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) process(ctx context.Context, entry outbox.Entry) {
	start := r.cfg.Clock.Now()

	applied, err := r.apply(ctx, entry)
	switch {
	case err == nil:
		metrics.ReconcilerLatency.Observe(r.cfg.Clock.Now().Sub(start).Seconds())
		if r.cfg.Hot != nil && entry.Op == outbox.OpPut {
			if terr := r.cfg.Hot.Touch(ctx, entry.SessionID, entry.Meta.ExpiresAt); terr != nil && !trace.IsNotFound(terr) {
				r.cfg.Logger.DebugContext(ctx, "failed to refresh hot TTL after reconcile",
					"session_id", entry.SessionID, "error", terr)
			}
		}
		if cerr := r.cfg.Queue.Complete(ctx, entry); cerr != nil {
			r.cfg.Logger.WarnContext(ctx, "failed to complete outbox entry",
				"entry_id", entry.ID, "error", cerr)
			return
		}
		if applied {
			r.emit(Event{Kind: EventApplied, Entry: entry})
		} else {
			r.emit(Event{Kind: EventSkipped, Entry: entry})
		}

	case breaker.IsCircuitOpen(err):
		r.pause(r.cfg.BreakerCooldown)
		if rerr := r.cfg.Queue.Reschedule(ctx, entry, r.cfg.BreakerCooldown); rerr != nil {
			r.cfg.Logger.WarnContext(ctx, "failed to reschedule outbox entry",
				"entry_id", entry.ID, "error", rerr)
		}
		r.emit(Event{Kind: EventPaused, Entry: entry, Err: err})

	default:
		metrics.ReconcilerFailures.Inc()
		delay := r.backoff.Duration(int64(entry.Attempts))
		if delay > r.cfg.BackoffMax {
			delay = r.cfg.BackoffMax
		}
		delay = retryutils.FullJitter(delay)
		r.cfg.Logger.WarnContext(ctx, "failed to apply outbox entry",
			"entry_id", entry.ID, "attempts", entry.Attempts+1, "retry_in", delay, "error", err)
		if ferr := r.cfg.Queue.Fail(ctx, entry, err, delay); ferr != nil {
			r.cfg.Logger.WarnContext(ctx, "failed to record outbox failure",
				"entry_id", entry.ID, "error", ferr)
		}
		r.emit(Event{Kind: EventFailed, Entry: entry, Err: err})
	}
}

// apply commits one entry to the cold tier through the breaker. The
// returned bool reports whether the tier changed; false with a nil error
// means the tier already held the entry's version or newer.
func (r *Reconciler) apply(ctx context.Context, entry outbox.Entry) (bool, error) {
	switch entry.Op {
	case outbox.OpDelete:
		err := r.execute(func() error {
			return r.cfg.Cold.Delete(ctx, entry.SessionID)
		})
		return err == nil, trace.Wrap(err)

	case outbox.OpPut:
		doc := &storage.Document{
			SessionID:    entry.SessionID,
			Blob:         entry.Blob,
			Version:      entry.Meta.Version,
			FencingToken: entry.Meta.FencingToken,
			UpdatedAt:    entry.Meta.UpdatedAt,
			ExpiresAt:    entry.Meta.ExpiresAt,
		}
		var applied bool
		err := r.execute(func() error {
			var aerr error
			applied, aerr = storage.ApplyIfNewer(ctx, r.cfg.Cold, doc)
			return aerr
		})
		return applied, trace.Wrap(err)
	}
	return false, trace.BadParameter("unknown outbox op %q", entry.Op)
}

func (r *Reconciler) execute(fn func() error) error {
	if r.cfg.Breaker == nil {
		return fn()
	}
	return r.cfg.Breaker.Execute(fn)
}

func (r *Reconciler) emit(event Event) {
	if r.cfg.Events == nil {
		return
	}
	select {
	case r.cfg.Events <- event:
	default:
	}
}
