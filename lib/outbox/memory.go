package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/observability/metrics"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

// MemoryQueueConfig configures a MemoryQueue.
type MemoryQueueConfig struct {
	// MaxAttempts is the attempt count after which an entry dead-letters.
	MaxAttempts int
	// DeadLetterLimit caps the dead list.
	DeadLetterLimit int
	// ClaimLeaseTTL is how long a claim survives a silent worker.
	ClaimLeaseTTL time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MemoryQueueConfig) CheckAndSetDefaults() error {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.OutboxMaxAttempts
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = defaults.DeadLetterLimit
	}
	if c.ClaimLeaseTTL <= 0 {
		c.ClaimLeaseTTL = defaults.LockTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type memorySession struct {
	entries []*Entry
	readyAt time.Time
	// leasedUntil is zero when the session is unclaimed.
	leasedUntil time.Time
}

// MemoryQueue implements Queue in process memory. It backs unit tests and
// the single-process memstore deployment.
type MemoryQueue struct {
	cfg MemoryQueueConfig

	mu       sync.Mutex
	sessions map[string]*memorySession
	dead     []Entry
	failing  bool
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(cfg MemoryQueueConfig) (*MemoryQueue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryQueue{
		cfg:      cfg,
		sessions: make(map[string]*memorySession),
	}, nil
}

// SetFailing makes every call fail with a storage error until reset. Used
// to drill enqueue-failure behaviour.
func (q *MemoryQueue) SetFailing(failing bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failing = failing
}

func (q *MemoryQueue) checkFailing(op string) error {
	if q.failing {
		return storage.NewError(storage.TierOutbox, op, trace.ConnectionProblem(nil, "injected outbox failure"))
	}
	return nil
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, entry *Entry) error {
	if err := entry.Check(); err != nil {
		return trace.Wrap(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("enqueue"); err != nil {
		metrics.QueueFailures.Inc()
		return err
	}

	now := q.cfg.Clock.Now()
	sess := q.sessions[entry.SessionID]
	if sess == nil {
		sess = &memorySession{readyAt: now}
		q.sessions[entry.SessionID] = sess
	}
	for _, existing := range sess.entries {
		if existing.ID == entry.ID {
			return trace.AlreadyExists("outbox entry %q already queued", entry.ID)
		}
	}

	stored := *entry
	stored.Status = StatusPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	sess.entries = append(sess.entries, &stored)
	metrics.QueuePublishes.Inc()
	return nil
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("claim"); err != nil {
		return nil, err
	}

	now := q.cfg.Clock.Now()
	var out []Entry
	for _, sess := range q.sessions {
		if len(out) >= n {
			break
		}
		if len(sess.entries) == 0 || now.Before(sess.readyAt) {
			continue
		}
		if !sess.leasedUntil.IsZero() && now.Before(sess.leasedUntil) {
			continue
		}
		sess.leasedUntil = now.Add(q.cfg.ClaimLeaseTTL)
		head := sess.entries[0]
		head.Status = StatusProcessing
		head.UpdatedAt = now
		out = append(out, *head)
	}
	return out, nil
}

// Complete implements Queue.
func (q *MemoryQueue) Complete(ctx context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("complete"); err != nil {
		return err
	}

	sess := q.sessions[entry.SessionID]
	if sess == nil {
		return nil
	}
	if len(sess.entries) > 0 && sess.entries[0].ID == entry.ID {
		sess.entries = sess.entries[1:]
	}
	q.releaseLocked(entry.SessionID, sess, 0)
	return nil
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(ctx context.Context, entry Entry, cause error, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("fail"); err != nil {
		return err
	}

	sess := q.sessions[entry.SessionID]
	if sess == nil || len(sess.entries) == 0 || sess.entries[0].ID != entry.ID {
		return trace.NotFound("outbox entry %q is not claimed", entry.ID)
	}

	now := q.cfg.Clock.Now()
	head := sess.entries[0]
	head.Attempts++
	head.UpdatedAt = now
	if cause != nil {
		head.LastError = cause.Error()
	}

	if head.Attempts >= q.cfg.MaxAttempts {
		head.Status = StatusFailed
		head.CompletedAt = now
		q.dead = append([]Entry{*head}, q.dead...)
		if len(q.dead) > q.cfg.DeadLetterLimit {
			q.dead = q.dead[:q.cfg.DeadLetterLimit]
		}
		sess.entries = sess.entries[1:]
		q.releaseLocked(entry.SessionID, sess, 0)
		metrics.OutboxDeadLetters.Inc()
		return nil
	}

	head.Status = StatusPending
	q.releaseLocked(entry.SessionID, sess, retryAfter)
	return nil
}

// Reschedule implements Queue.
func (q *MemoryQueue) Reschedule(ctx context.Context, entry Entry, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("reschedule"); err != nil {
		return err
	}

	sess := q.sessions[entry.SessionID]
	if sess == nil {
		return nil
	}
	if len(sess.entries) > 0 && sess.entries[0].ID == entry.ID {
		sess.entries[0].Status = StatusPending
	}
	q.releaseLocked(entry.SessionID, sess, retryAfter)
	return nil
}

// releaseLocked drops the session lease and schedules its next claim.
// Sessions with an empty queue are removed.
func (q *MemoryQueue) releaseLocked(sessionID string, sess *memorySession, retryAfter time.Duration) {
	sess.leasedUntil = time.Time{}
	if len(sess.entries) == 0 {
		delete(q.sessions, sessionID)
		return
	}
	sess.readyAt = q.cfg.Clock.Now().Add(retryAfter)
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("depth"); err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range q.sessions {
		n += len(sess.entries)
	}
	return n, nil
}

// SessionDepth implements Queue.
func (q *MemoryQueue) SessionDepth(ctx context.Context, sessionID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("depth"); err != nil {
		return 0, err
	}
	if sess := q.sessions[sessionID]; sess != nil {
		return len(sess.entries), nil
	}
	return 0, nil
}

// DeadLetters implements Queue.
func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkFailing("deadletters"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]Entry, limit)
	copy(out, q.dead[:limit])
	return out, nil
}
