package hybrid

import (
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	baileysstore "github.com/luoarch/baileys-store-core-sub002"
	"github.com/luoarch/baileys-store-core-sub002/lib/breaker"
	"github.com/luoarch/baileys-store-core-sub002/lib/codec"
	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/health"
	"github.com/luoarch/baileys-store-core-sub002/lib/outbox"
	"github.com/luoarch/baileys-store-core-sub002/lib/ratelimit"
	"github.com/luoarch/baileys-store-core-sub002/lib/reconciler"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/logutils"
)

// TTLConfig holds the record lifetimes. All values must be at least one
// second.
type TTLConfig struct {
	// Default is the lifetime applied when a write carries no explicit
	// TTL.
	Default time.Duration
	// Creds is the lifetime applied to credential-facade writes.
	Creds time.Duration
	// Keys is the lifetime applied to key-facade writes.
	Keys time.Duration
	// Lock bounds outbox claim leases.
	Lock time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TTLConfig) CheckAndSetDefaults() error {
	if c.Default == 0 {
		c.Default = defaults.SnapshotTTL
	}
	if c.Creds == 0 {
		c.Creds = defaults.CredsTTL
	}
	if c.Keys == 0 {
		c.Keys = defaults.KeysTTL
	}
	if c.Lock == 0 {
		c.Lock = defaults.LockTTL
	}
	for name, ttl := range map[string]time.Duration{
		"Default": c.Default, "Creds": c.Creds, "Keys": c.Keys, "Lock": c.Lock,
	} {
		if ttl < defaults.MinTTL {
			return trace.BadParameter("ttl %s must be at least %v", name, defaults.MinTTL)
		}
	}
	return nil
}

// ResilienceConfig holds timeouts and the synchronous retry policy.
type ResilienceConfig struct {
	// OperationTimeout bounds every external call. Minimum 100ms.
	OperationTimeout time.Duration
	// MaxRetries bounds synchronous retries of transient storage
	// failures. Range [0, 10].
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration
	// RetryMultiplier is the backoff factor. Must be >= 1.
	RetryMultiplier float64
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResilienceConfig) CheckAndSetDefaults() error {
	if c.OperationTimeout == 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.OperationTimeout < defaults.MinOperationTimeout {
		return trace.BadParameter("OperationTimeout must be at least %v", defaults.MinOperationTimeout)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxRetries < 0 || c.MaxRetries > defaults.MaxRetriesLimit {
		return trace.BadParameter("MaxRetries must be in [0, %d]", defaults.MaxRetriesLimit)
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.RetryBaseDelay < 0 {
		return trace.BadParameter("RetryBaseDelay must not be negative")
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = defaults.RetryMultiplier
	}
	if c.RetryMultiplier < 1 {
		return trace.BadParameter("RetryMultiplier must be at least 1")
	}
	return nil
}

// WriteBehindConfig shapes cold-tier propagation.
type WriteBehindConfig struct {
	// Disabled switches the engine to write-through: every write commits
	// to the cold tier synchronously before returning.
	Disabled bool
	// FlushInterval is the reconciler's claim cadence.
	FlushInterval time.Duration
	// QueueSize bounds the outstanding outbox entries. On overflow the
	// engine degrades to a synchronous cold write (backpressure).
	QueueSize int
	// FailOnColdError makes write-through mode fail the call when the
	// synchronous cold write fails. When false the entry stays pending
	// and the reconciler converges later.
	FailOnColdError bool
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WriteBehindConfig) CheckAndSetDefaults() error {
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.FlushInterval < time.Millisecond {
		return trace.BadParameter("FlushInterval must be at least 1ms")
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.QueueSize < defaults.MinQueueSize || c.QueueSize > defaults.MaxQueueSize {
		return trace.BadParameter("QueueSize must be in [%d, %d]", defaults.MinQueueSize, defaults.MaxQueueSize)
	}
	return nil
}

// ObservabilityConfig tunes logging verbosity. Metric collectors are
// process-global and always registered; this only controls what the
// engine emits on top of them.
type ObservabilityConfig struct {
	// DetailedLogs enables debug-level per-operation logging.
	DetailedLogs bool
	// MetricsInterval is the cadence of the outbox-depth gauge refresh.
	// Minimum one second.
	MetricsInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ObservabilityConfig) CheckAndSetDefaults() error {
	if c.MetricsInterval == 0 {
		c.MetricsInterval = defaults.MetricsInterval
	}
	if c.MetricsInterval < defaults.MinMetricsInterval {
		return trace.BadParameter("MetricsInterval must be at least %v", defaults.MinMetricsInterval)
	}
	return nil
}

// Config configures an Engine.
type Config struct {
	// Hot is the cache tier. Required.
	Hot storage.Hot
	// Cold is the durable tier. Required.
	Cold storage.Cold
	// Codec encodes snapshots into storage blobs. Required.
	Codec *codec.Codec
	// Queue is the outbox carrying pending cold writes. Required.
	Queue outbox.Queue

	// Breaker guards cold-tier calls. Built with defaults when nil.
	Breaker *breaker.Breaker

	TTL           TTLConfig
	Resilience    ResilienceConfig
	WriteBehind   WriteBehindConfig
	Observability ObservabilityConfig

	// RateLimiter, Tracker and Rotations are optional hooks: when set,
	// every write consumes a token, records activity, and counts
	// credential rotations, so the diagnostics layer observes real
	// traffic.
	RateLimiter *ratelimit.Limiter
	Tracker     *health.Tracker
	Rotations   *health.RotationMonitor

	// GracefulDrainTimeout bounds the outbox flush during Disconnect.
	GracefulDrainTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to the package logger.
	Logger *slog.Logger

	// ReconcilerEvents, when set, receives one event per reconciled
	// entry. Test hook.
	ReconcilerEvents chan<- reconciler.Event
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Hot == nil {
		return trace.BadParameter("missing parameter Hot")
	}
	if c.Cold == nil {
		return trace.BadParameter("missing parameter Cold")
	}
	if c.Codec == nil {
		return trace.BadParameter("missing parameter Codec")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if err := c.TTL.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Resilience.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.WriteBehind.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Observability.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.GracefulDrainTimeout == 0 {
		c.GracefulDrainTimeout = defaults.GracefulDrainTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(baileysstore.ComponentKey, baileysstore.ComponentEngine)
	}
	if c.Breaker == nil {
		b, err := breaker.New(breaker.Config{Clock: c.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Breaker = b
	}
	return nil
}
