// Package defaults collects the default values and validation bounds for
// every tunable recognised by the hybrid store. Keeping them in one place
// makes the relationship between knobs visible and keeps magic numbers out
// of the component packages.
package defaults

import "time"

// Record TTLs. Every record carries an absolute expiresAt stamped on write
// and on explicit touch; both tiers expire independently.
const (
	// SnapshotTTL is the default lifetime of a session snapshot in both
	// tiers. Messaging sessions routinely sleep for days; anything shorter
	// forces a re-pairing after an idle weekend.
	SnapshotTTL = 30 * 24 * time.Hour

	// CredsTTL is the lifetime applied to writes that flow through the
	// credential facade (SaveCreds).
	CredsTTL = 30 * 24 * time.Hour

	// KeysTTL is the lifetime applied to writes that flow through the
	// signal-key facade. Signal material is re-derivable by the protocol,
	// so it may expire earlier than credentials.
	KeysTTL = 7 * 24 * time.Hour

	// LockTTL bounds outbox claim leases. A reconciler worker that dies
	// mid-claim loses its lease after this long and the session becomes
	// claimable again.
	LockTTL = 30 * time.Second

	// MinTTL is the lowest accepted value for any TTL option.
	MinTTL = time.Second
)

// Resilience: timeouts, retries and the cold-tier circuit breaker.
const (
	// OperationTimeout bounds every single call to the hot or cold tier.
	OperationTimeout = 5 * time.Second

	// MinOperationTimeout is the validation floor for OperationTimeout.
	MinOperationTimeout = 100 * time.Millisecond

	// MaxRetries is how many times a transient storage failure is retried
	// on the synchronous path before surfacing to the caller.
	MaxRetries = 3

	// MaxRetriesLimit is the validation ceiling for MaxRetries.
	MaxRetriesLimit = 10

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay = 100 * time.Millisecond

	// RetryMultiplier is the exponential backoff factor. Must be >= 1.
	RetryMultiplier = 2.0

	// RetryMaxDelay caps a single backoff sleep regardless of attempt
	// count.
	RetryMaxDelay = time.Minute

	// BreakerFailureRatio is the rolling failure ratio at which the
	// cold-tier breaker opens.
	BreakerFailureRatio = 0.5

	// BreakerWindow is the length of the rolling window the failure ratio
	// is computed over.
	BreakerWindow = 10 * time.Second

	// BreakerMinExecutions is the minimum sample size inside the window
	// before the ratio is considered meaningful.
	BreakerMinExecutions = 5

	// BreakerCooldown is how long the breaker stays open before admitting
	// a half-open trial.
	BreakerCooldown = 30 * time.Second

	// BreakerEventBuffer is the capacity of the state-transition event
	// channel. Events beyond it are dropped rather than blocking the
	// request path.
	BreakerEventBuffer = 32
)

// Write-behind and reconciliation.
const (
	// WriteBehindEnabled turns on asynchronous cold-tier writes through
	// the outbox.
	WriteBehindEnabled = true

	// FlushInterval is how often the reconciler polls the outbox for
	// claimable work.
	FlushInterval = time.Second

	// QueueSize bounds the number of outstanding outbox entries across
	// all sessions. On overflow the engine degrades to a synchronous cold
	// write (backpressure) instead of growing the queue.
	QueueSize = 1000

	// MinQueueSize and MaxQueueSize are the validation bounds for
	// QueueSize.
	MinQueueSize = 10
	MaxQueueSize = 100000

	// ReconcilerConcurrency is the number of workers applying claimed
	// outbox entries to the cold tier.
	ReconcilerConcurrency = 4

	// ReconcilerBatchSize is the maximum number of sessions claimed per
	// poll.
	ReconcilerBatchSize = 16

	// OutboxMaxAttempts is how many times an entry is attempted before it
	// is dead-lettered.
	OutboxMaxAttempts = 8

	// OutboxEntryTTL bounds how long an unprocessed entry survives in the
	// hot tier. It is deliberately longer than SnapshotTTL's hot expiry so
	// pending writes outlive the records they describe.
	OutboxEntryTTL = 31 * 24 * time.Hour

	// DeadLetterLimit caps the dead-letter list. Older dead letters are
	// discarded first.
	DeadLetterLimit = 1000
)

// Security: codec transforms.
const (
	// EncryptionAlgorithm is the default AEAD when encryption is enabled.
	EncryptionAlgorithm = "secretbox"

	// CompressionAlgorithm is the default compressor when compression is
	// enabled.
	CompressionAlgorithm = "snappy"

	// KeyRotationWindow is how long a previous encryption key remains
	// usable for decode after a rotation.
	KeyRotationWindow = 7 * 24 * time.Hour
)

// Observability.
const (
	// MetricsInterval is how often the engine refreshes gauge-style
	// metrics (outbox depth) and, when detailed logs are enabled, emits a
	// stats record.
	MetricsInterval = 15 * time.Second

	// MinMetricsInterval is the validation floor for MetricsInterval.
	MinMetricsInterval = time.Second
)

// Rate limiting. The shipped defaults follow the conservative guidance for
// long-lived messaging sessions: a low steady rate with warmup for young
// sessions and an extra brake for cold contacts.
const (
	// MaxMessagesPerMinute is the bucket capacity per session.
	MaxMessagesPerMinute = 12

	// ColdContactMultiplier scales down the effective limit when the
	// caller flags the destination as a cold contact.
	ColdContactMultiplier = 0.33

	// WarmupStartFactor is the effective-limit factor at session age zero.
	WarmupStartFactor = 0.3

	// WarmupPeriod is how long a session takes to ramp from
	// WarmupStartFactor to 1.0.
	WarmupPeriod = 10 * 24 * time.Hour

	// JitterMin and JitterMax bound the optional post-acquire delay. Both
	// zero disables the jitter sleep.
	JitterMin = 0 * time.Millisecond
	JitterMax = 0 * time.Millisecond

	// RateLimiterMaxSessions bounds the bucket table; least recently used
	// buckets are evicted first.
	RateLimiterMaxSessions = 10000

	// RateLimiterSessionTTL evicts buckets idle for this long.
	RateLimiterSessionTTL = time.Hour

	// RateWarningFraction and RateCriticalFraction classify the
	// tokens-remaining status reported to the diagnostic engine.
	RateWarningFraction  = 0.3
	RateCriticalFraction = 0.1
)

// Monitoring: connection tracking and rotation accounting.
const (
	// SilenceThreshold is the quiet period after which a session is
	// considered DEGRADED.
	SilenceThreshold = time.Minute

	// DisconnectThreshold is the quiet period after which a session is
	// considered DISCONNECTED.
	DisconnectThreshold = 5 * time.Minute

	// RotationThresholdPerMinute is the credential-rotation rate at which
	// a session is flagged CRITICAL; WARNING starts at 80% of it.
	RotationThresholdPerMinute = 10

	// RotationWarningFraction is the fraction of the rotation threshold
	// at which the status becomes WARNING.
	RotationWarningFraction = 0.8

	// RotationWindow is the sliding window rotation rates are measured
	// over.
	RotationWindow = time.Minute

	// TrackerMaxSessions bounds the tracked-session table.
	TrackerMaxSessions = 10000

	// TrackerSessionTTL evicts tracker entries idle for this long.
	TrackerSessionTTL = time.Hour
)

// Engine internals.
const (
	// GracefulDrainTimeout is how long Disconnect keeps draining the
	// outbox before giving up.
	GracefulDrainTimeout = 30 * time.Second

	// ShutdownPollPeriod is the cadence at which drain progress is
	// re-checked during shutdown.
	ShutdownPollPeriod = 500 * time.Millisecond

	// SessionLockTableSize is a soft cap used to size the per-session
	// mutex table before it is swept.
	SessionLockTableSize = 4096
)
