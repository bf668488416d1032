package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	baileysstore "github.com/luoarch/baileys-store-core-sub002"
	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/observability/metrics"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

// Redis key layout, all under the outbox namespace:
//
//	{ns}:entry:{sessionId}:{version}   JSON Entry, PX = entry TTL
//	{ns}:queue:{sessionId}             LIST of entry ids, version order
//	{ns}:ready                         ZSET session -> ready-at epoch ms
//	{ns}:leases                        HASH session -> claim owner
//	{ns}:leasez                        ZSET session -> lease expiry ms
//	{ns}:dead                          LIST of dead-lettered entry ids
//	{ns}:depth                         outstanding entry counter
//
// Per-session FIFO holds because only the queue head is ever claimable and
// enqueue order is version order. All multi-key steps run as Lua scripts so
// a crashed client can never leave a session half-claimed.

// enqueueScript appends an entry unless its id is already present.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[2]))
redis.call('ZADD', KEYS[3], 'NX', tonumber(ARGV[4]), ARGV[5])
redis.call('INCR', KEYS[4])
return 1
`)

// claimScript reaps expired leases, then leases up to ARGV[2] ready
// sessions and returns their head entry ids.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local owner = ARGV[3]
local leasems = tonumber(ARGV[4])
local prefix = ARGV[5]

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, s in ipairs(expired) do
  redis.call('HDEL', KEYS[2], s)
  redis.call('ZREM', KEYS[3], s)
end

local out = {}
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, max * 2)
for _, s in ipairs(ready) do
  if #out >= max then
    break
  end
  if redis.call('HEXISTS', KEYS[2], s) == 0 then
    local id = redis.call('LINDEX', prefix .. s, 0)
    if id then
      redis.call('HSET', KEYS[2], s, owner)
      redis.call('ZADD', KEYS[3], now + leasems, s)
      redis.call('ZREM', KEYS[1], s)
      table.insert(out, id)
    else
      redis.call('ZREM', KEYS[1], s)
    end
  end
end
return out
`)

// completeScript pops the session's head entry, releases the lease, and
// makes the next entry claimable.
var completeScript = redis.NewScript(`
local head = redis.call('LINDEX', KEYS[1], 0)
if head == ARGV[2] then
  redis.call('LPOP', KEYS[1])
  redis.call('DECR', KEYS[6])
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[5])
if redis.call('LLEN', KEYS[1]) > 0 then
  redis.call('ZADD', KEYS[4], tonumber(ARGV[3]), ARGV[1])
else
  redis.call('ZREM', KEYS[4], ARGV[1])
end
return 1
`)

// requeueScript rewrites the entry record, releases the lease, and
// reschedules the session. Shared by Fail (after the attempt is counted
// client-side) and Reschedule.
var requeueScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
redis.call('HDEL', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], tonumber(ARGV[4]), ARGV[3])
return 1
`)

// deadLetterScript pops the head entry, parks its id on the dead list, and
// moves on to the session's next entry.
var deadLetterScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
local head = redis.call('LINDEX', KEYS[2], 0)
if head == ARGV[3] then
  redis.call('LPOP', KEYS[2])
  redis.call('DECR', KEYS[7])
end
redis.call('LPUSH', KEYS[5], ARGV[3])
redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[5]) - 1)
redis.call('HDEL', KEYS[3], ARGV[4])
redis.call('ZREM', KEYS[4], ARGV[4])
if redis.call('LLEN', KEYS[2]) > 0 then
  redis.call('ZADD', KEYS[6], tonumber(ARGV[6]), ARGV[4])
else
  redis.call('ZREM', KEYS[6], ARGV[4])
end
return 1
`)

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	// Client is any go-redis universal client. Required.
	Client redis.UniversalClient
	// Namespace prefixes every key. Defaults to the outbox namespace.
	Namespace string
	// EntryTTL bounds how long an unprocessed entry survives.
	EntryTTL time.Duration
	// ClaimLeaseTTL is how long a claim survives a crashed worker.
	ClaimLeaseTTL time.Duration
	// MaxAttempts is the attempt count after which an entry dead-letters.
	MaxAttempts int
	// DeadLetterLimit caps the dead list; older ids fall off first.
	DeadLetterLimit int
	// OperationTimeout bounds each call.
	OperationTimeout time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisQueueConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Namespace == "" {
		c.Namespace = baileysstore.OutboxNamespace
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = defaults.OutboxEntryTTL
	}
	if c.ClaimLeaseTTL <= 0 {
		c.ClaimLeaseTTL = defaults.LockTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.OutboxMaxAttempts
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = defaults.DeadLetterLimit
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// RedisQueue implements Queue on Redis.
type RedisQueue struct {
	cfg   RedisQueueConfig
	owner string
}

// NewRedisQueue creates an outbox queue from the supplied config.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedisQueue{cfg: cfg, owner: uuid.NewString()}, nil
}

func (q *RedisQueue) entryKey(id string) string {
	return q.cfg.Namespace + ":entry:" + id
}

func (q *RedisQueue) queueKey(sessionID string) string {
	return q.cfg.Namespace + ":queue:" + sessionID
}

func (q *RedisQueue) readyKey() string  { return q.cfg.Namespace + ":ready" }
func (q *RedisQueue) leasesKey() string { return q.cfg.Namespace + ":leases" }
func (q *RedisQueue) leasezKey() string { return q.cfg.Namespace + ":leasez" }
func (q *RedisQueue) deadKey() string   { return q.cfg.Namespace + ":dead" }
func (q *RedisQueue) depthKey() string  { return q.cfg.Namespace + ":depth" }

func (q *RedisQueue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.cfg.OperationTimeout)
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, entry *Entry) error {
	if err := entry.Check(); err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	now := q.cfg.Clock.Now()
	entry.Status = StatusPending
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	raw, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}

	added, err := enqueueScript.Run(ctx, q.cfg.Client,
		[]string{q.entryKey(entry.ID), q.queueKey(entry.SessionID), q.readyKey(), q.depthKey()},
		raw, q.cfg.EntryTTL.Milliseconds(), entry.ID, now.UnixMilli(), entry.SessionID,
	).Int()
	if err != nil {
		metrics.QueueFailures.Inc()
		return storage.NewError(storage.TierOutbox, "enqueue", err)
	}
	if added == 0 {
		return trace.AlreadyExists("outbox entry %q already queued", entry.ID)
	}
	metrics.QueuePublishes.Inc()
	return nil
}

// Claim implements Queue.
func (q *RedisQueue) Claim(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	now := q.cfg.Clock.Now()
	ids, err := claimScript.Run(ctx, q.cfg.Client,
		[]string{q.readyKey(), q.leasesKey(), q.leasezKey()},
		now.UnixMilli(), n, q.owner, q.cfg.ClaimLeaseTTL.Milliseconds(), q.cfg.Namespace+":queue:",
	).StringSlice()
	if err != nil {
		return nil, storage.NewError(storage.TierOutbox, "claim", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := q.loadClaimed(ctx, id, now)
		if err != nil {
			return entries, trace.Wrap(err)
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

// loadClaimed fetches a claimed entry and marks it processing. An entry
// record that expired out from under its queue position is dropped and the
// session is released.
func (q *RedisQueue) loadClaimed(ctx context.Context, id string, now time.Time) (*Entry, error) {
	raw, err := q.cfg.Client.Get(ctx, q.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		sessionID, _, parseErr := ParseEntryID(id)
		if parseErr != nil {
			return nil, trace.Wrap(parseErr)
		}
		if err := q.runComplete(ctx, sessionID, id, now); err != nil {
			return nil, trace.Wrap(err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.TierOutbox, "claim", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, trace.BadParameter("corrupt outbox entry %q: %v", id, err)
	}
	entry.Status = StatusProcessing
	entry.UpdatedAt = now
	updated, err := json.Marshal(entry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := q.cfg.Client.Set(ctx, q.entryKey(id), updated, redis.KeepTTL).Err(); err != nil {
		return nil, storage.NewError(storage.TierOutbox, "claim", err)
	}
	return &entry, nil
}

// Complete implements Queue.
func (q *RedisQueue) Complete(ctx context.Context, entry Entry) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	return trace.Wrap(q.runComplete(ctx, entry.SessionID, entry.ID, q.cfg.Clock.Now()))
}

func (q *RedisQueue) runComplete(ctx context.Context, sessionID, id string, now time.Time) error {
	err := completeScript.Run(ctx, q.cfg.Client,
		[]string{q.queueKey(sessionID), q.leasesKey(), q.leasezKey(), q.readyKey(), q.entryKey(id), q.depthKey()},
		sessionID, id, now.UnixMilli(),
	).Err()
	if err != nil {
		return storage.NewError(storage.TierOutbox, "complete", err)
	}
	return nil
}

// Fail implements Queue.
func (q *RedisQueue) Fail(ctx context.Context, entry Entry, cause error, retryAfter time.Duration) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	now := q.cfg.Clock.Now()
	entry.Attempts++
	entry.UpdatedAt = now
	if cause != nil {
		entry.LastError = cause.Error()
	}

	if entry.Attempts >= q.cfg.MaxAttempts {
		return trace.Wrap(q.deadLetter(ctx, entry, now))
	}

	entry.Status = StatusPending
	raw, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	err = requeueScript.Run(ctx, q.cfg.Client,
		[]string{q.entryKey(entry.ID), q.leasesKey(), q.leasezKey(), q.readyKey()},
		raw, q.cfg.EntryTTL.Milliseconds(), entry.SessionID, now.Add(retryAfter).UnixMilli(),
	).Err()
	if err != nil {
		return storage.NewError(storage.TierOutbox, "fail", err)
	}
	return nil
}

// Reschedule implements Queue.
func (q *RedisQueue) Reschedule(ctx context.Context, entry Entry, retryAfter time.Duration) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	now := q.cfg.Clock.Now()
	entry.Status = StatusPending
	entry.UpdatedAt = now
	raw, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	err = requeueScript.Run(ctx, q.cfg.Client,
		[]string{q.entryKey(entry.ID), q.leasesKey(), q.leasezKey(), q.readyKey()},
		raw, q.cfg.EntryTTL.Milliseconds(), entry.SessionID, now.Add(retryAfter).UnixMilli(),
	).Err()
	if err != nil {
		return storage.NewError(storage.TierOutbox, "reschedule", err)
	}
	return nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, entry Entry, now time.Time) error {
	entry.Status = StatusFailed
	entry.CompletedAt = now
	raw, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	err = deadLetterScript.Run(ctx, q.cfg.Client,
		[]string{
			q.entryKey(entry.ID), q.queueKey(entry.SessionID), q.leasesKey(),
			q.leasezKey(), q.deadKey(), q.readyKey(), q.depthKey(),
		},
		raw, q.cfg.EntryTTL.Milliseconds(), entry.ID, entry.SessionID,
		q.cfg.DeadLetterLimit, now.UnixMilli(),
	).Err()
	if err != nil {
		return storage.NewError(storage.TierOutbox, "deadletter", err)
	}
	metrics.OutboxDeadLetters.Inc()
	return nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	n, err := q.cfg.Client.Get(ctx, q.depthKey()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storage.NewError(storage.TierOutbox, "depth", err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// SessionDepth implements Queue.
func (q *RedisQueue) SessionDepth(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	n, err := q.cfg.Client.LLen(ctx, q.queueKey(sessionID)).Result()
	if err != nil {
		return 0, storage.NewError(storage.TierOutbox, "depth", err)
	}
	return int(n), nil
}

// DeadLetters implements Queue.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = q.cfg.DeadLetterLimit
	}
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	ids, err := q.cfg.Client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, storage.NewError(storage.TierOutbox, "deadletters", err)
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		raw, err := q.cfg.Client.Get(ctx, q.entryKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// dead letter record expired; the id alone is left
			continue
		}
		if err != nil {
			return nil, storage.NewError(storage.TierOutbox, "deadletters", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, trace.BadParameter("corrupt outbox entry %q: %v", id, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
