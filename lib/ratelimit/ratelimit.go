// Package ratelimit implements the per-session token bucket gating message
// traffic. Buckets hold fractional tokens so that the cold-contact
// multiplier and the warmup ramp scale the effective limit smoothly: a
// request of weight n costs n divided by the product of the active
// multipliers. Buckets are evicted by size and idleness.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
)

// Status classifies how much headroom a session's bucket has left.
type Status string

const (
	// StatusOK means the bucket has comfortable headroom.
	StatusOK Status = "OK"
	// StatusWarning means the bucket is running low.
	StatusWarning Status = "WARNING"
	// StatusCritical means the bucket is nearly or fully drained.
	StatusCritical Status = "CRITICAL"
)

// Config configures a Limiter.
type Config struct {
	// MaxPerMinute is the bucket capacity; refill runs at MaxPerMinute/60
	// tokens per second.
	MaxPerMinute float64
	// ColdContactMultiplier scales down the effective limit for requests
	// flagged as cold contacts.
	ColdContactMultiplier float64
	// WarmupStartFactor is the effective-limit factor at session age
	// zero; the factor ramps linearly to 1.0 over WarmupPeriod.
	WarmupStartFactor float64
	// WarmupPeriod is the ramp length. Zero disables warmup.
	WarmupPeriod time.Duration
	// JitterMin and JitterMax bound the post-acquire smoothing delay.
	// Both zero disables it.
	JitterMin time.Duration
	JitterMax time.Duration
	// MaxSessions bounds the bucket table.
	MaxSessions int
	// SessionTTL evicts buckets idle for this long.
	SessionTTL time.Duration
	// WarningFraction and CriticalFraction classify the remaining-token
	// status.
	WarningFraction  float64
	CriticalFraction float64
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxPerMinute == 0 {
		c.MaxPerMinute = defaults.MaxMessagesPerMinute
	}
	if c.MaxPerMinute < 0 {
		return trace.BadParameter("MaxPerMinute must be positive")
	}
	if c.ColdContactMultiplier == 0 {
		c.ColdContactMultiplier = defaults.ColdContactMultiplier
	}
	if c.ColdContactMultiplier <= 0 || c.ColdContactMultiplier > 1 {
		return trace.BadParameter("ColdContactMultiplier must be in (0, 1]")
	}
	if c.WarmupStartFactor == 0 {
		c.WarmupStartFactor = defaults.WarmupStartFactor
	}
	if c.WarmupStartFactor <= 0 || c.WarmupStartFactor > 1 {
		return trace.BadParameter("WarmupStartFactor must be in (0, 1]")
	}
	if c.JitterMin < 0 || c.JitterMax < c.JitterMin {
		return trace.BadParameter("jitter range is inverted")
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaults.RateLimiterMaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.RateLimiterSessionTTL
	}
	if c.WarningFraction == 0 {
		c.WarningFraction = defaults.RateWarningFraction
	}
	if c.CriticalFraction == 0 {
		c.CriticalFraction = defaults.RateCriticalFraction
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AcquireOptions modify a single acquisition.
type AcquireOptions struct {
	// ColdContact applies the cold-contact multiplier to this request.
	ColdContact bool
}

// bucket is one session's token account. Buckets start full so a fresh
// session can burst up to its effective limit immediately.
type bucket struct {
	mu        sync.Mutex
	tokens    float64
	last      time.Time
	createdAt time.Time
}

// Limiter is the per-session token bucket table. Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
}

// New creates a limiter from the supplied config.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *bucket](cfg.MaxSessions, nil, cfg.SessionTTL),
	}, nil
}

// TryAcquire consumes n message tokens from the session's bucket without
// blocking. It reports whether the tokens were available.
func (l *Limiter) TryAcquire(sessionID string, n int, opts AcquireOptions) bool {
	if n <= 0 {
		return true
	}
	b := l.bucket(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b)
	cost := l.cost(b, n, opts)
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Acquire blocks until n tokens accrue or ctx is done, then applies the
// optional smoothing jitter. Waits are driven by the configured clock so
// tests can use a fake one.
func (l *Limiter) Acquire(ctx context.Context, sessionID string, n int, opts AcquireOptions) error {
	if n <= 0 {
		return nil
	}
	b := l.bucket(sessionID)
	for {
		b.mu.Lock()
		l.refillLocked(b)
		cost := l.cost(b, n, opts)
		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return trace.Wrap(l.jitterSleep(ctx))
		}
		deficit := cost - b.tokens
		b.mu.Unlock()

		wait := time.Duration(deficit / l.refillRate() * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-l.cfg.Clock.After(wait):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// Remaining reports the tokens currently available to the session.
func (l *Limiter) Remaining(sessionID string) float64 {
	b := l.bucket(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b)
	return b.tokens
}

// Status classifies the session's remaining headroom.
func (l *Limiter) Status(sessionID string) Status {
	fraction := l.Remaining(sessionID) / l.cfg.MaxPerMinute
	switch {
	case fraction <= l.cfg.CriticalFraction:
		return StatusCritical
	case fraction <= l.cfg.WarningFraction:
		return StatusWarning
	}
	return StatusOK
}

// Sessions lists the sessions currently holding a bucket.
func (l *Limiter) Sessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Keys()
}

func (l *Limiter) bucket(sessionID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(sessionID); ok {
		return b
	}
	now := l.cfg.Clock.Now()
	b := &bucket{tokens: l.cfg.MaxPerMinute, last: now, createdAt: now}
	l.buckets.Add(sessionID, b)
	return b
}

func (l *Limiter) refillRate() float64 {
	return l.cfg.MaxPerMinute / 60
}

// refillLocked credits the tokens accrued since the last refill.
func (l *Limiter) refillLocked(b *bucket) {
	now := l.cfg.Clock.Now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += elapsed.Seconds() * l.refillRate()
	if b.tokens > l.cfg.MaxPerMinute {
		b.tokens = l.cfg.MaxPerMinute
	}
}

// cost converts a request of weight n into bucket tokens. Multipliers
// shrink the effective limit, which is the same as inflating the cost.
func (l *Limiter) cost(b *bucket, n int, opts AcquireOptions) float64 {
	multiplier := l.warmupFactor(b)
	if opts.ColdContact {
		multiplier *= l.cfg.ColdContactMultiplier
	}
	return float64(n) / multiplier
}

// warmupFactor ramps linearly from WarmupStartFactor to 1.0 over the
// warmup period, anchored at the bucket's creation.
func (l *Limiter) warmupFactor(b *bucket) float64 {
	if l.cfg.WarmupPeriod <= 0 {
		return 1
	}
	age := l.cfg.Clock.Now().Sub(b.createdAt)
	if age >= l.cfg.WarmupPeriod {
		return 1
	}
	progress := float64(age) / float64(l.cfg.WarmupPeriod)
	return l.cfg.WarmupStartFactor + (1-l.cfg.WarmupStartFactor)*progress
}

// jitterSleep applies the post-acquire smoothing delay.
func (l *Limiter) jitterSleep(ctx context.Context) error {
	if l.cfg.JitterMax <= 0 {
		return nil
	}
	delay := l.cfg.JitterMin
	if span := l.cfg.JitterMax - l.cfg.JitterMin; span > 0 {
		delay += time.Duration(rand.Int64N(int64(span)))
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-l.cfg.Clock.After(delay):
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
