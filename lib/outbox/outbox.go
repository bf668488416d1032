// Package outbox implements the durable queue of pending cold-tier writes.
// Every successful hot-tier commit appends one entry; the reconciler claims
// entries per session, strictly in version order, and applies them to the
// cold tier. The queue lives next to the records it describes: the Redis
// implementation keeps it in the hot tier, the memory implementation backs
// tests and single-process deployments.
package outbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

// Status is the lifecycle position of an entry.
type Status string

const (
	// StatusPending means the entry awaits a claim.
	StatusPending Status = "pending"
	// StatusProcessing means a reconciler worker holds the entry.
	StatusProcessing Status = "processing"
	// StatusCompleted means the cold tier holds the entry's write.
	StatusCompleted Status = "completed"
	// StatusFailed means the entry was dead-lettered after exhausting its
	// attempts.
	StatusFailed Status = "failed"
)

// Op distinguishes snapshot writes from tombstones.
type Op string

const (
	// OpPut applies the entry's blob to the cold tier.
	OpPut Op = "put"
	// OpDelete removes the session's document from the cold tier.
	OpDelete Op = "delete"
)

// Entry is one pending cold-tier write. Entries carry the already-encoded
// blob, not the patch: the hot tier materialized the patch at write time,
// so the reconciler needs neither the codec nor a merge step.
type Entry struct {
	// ID is "{sessionId}:{version}".
	ID string `json:"id"`
	// SessionID is the session the write belongs to.
	SessionID string `json:"sessionId"`
	// Op is put or delete.
	Op Op `json:"op"`
	// Blob is the encoded snapshot; nil for deletes.
	Blob []byte `json:"blob,omitempty"`
	// Meta carries the version, fencing token and expiry the cold
	// document must end up with.
	Meta storage.Metadata `json:"meta"`
	// Status is the lifecycle position.
	Status Status `json:"status"`
	// CreatedAt and UpdatedAt track the entry itself, not the snapshot.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Attempts counts failed applications so far.
	Attempts int `json:"attempts"`
	// LastError describes the most recent failure.
	LastError string `json:"lastError,omitempty"`
	// CompletedAt is stamped when the entry completes or dead-letters.
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// EntryID builds the canonical id of a session's entry at a version.
func EntryID(sessionID string, version uint64) string {
	return fmt.Sprintf("%s:%d", sessionID, version)
}

// ParseEntryID splits an entry id back into session and version.
func ParseEntryID(id string) (sessionID string, version uint64, err error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 {
		return "", 0, trace.BadParameter("malformed outbox entry id %q", id)
	}
	version, err = strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, trace.BadParameter("malformed outbox entry id %q", id)
	}
	return id[:i], version, nil
}

// Check validates an entry before it enters the queue.
func (e *Entry) Check() error {
	if e.SessionID == "" {
		return trace.BadParameter("missing session id")
	}
	if e.Meta.Version == 0 {
		return trace.BadParameter("outbox entry requires a version")
	}
	switch e.Op {
	case OpPut, OpDelete:
	default:
		return trace.BadParameter("unknown outbox op %q", e.Op)
	}
	if e.Op == OpPut && len(e.Blob) == 0 {
		return trace.BadParameter("put entry requires a blob")
	}
	if e.ID == "" {
		e.ID = EntryID(e.SessionID, e.Meta.Version)
	}
	return nil
}

// Queue is the outbox contract the engine and the reconciler share.
// Implementations guarantee per-session FIFO: only the head entry of a
// session is ever claimable, and append order is version order.
type Queue interface {
	// Enqueue appends an entry, transitioning it to pending. Appending a
	// second entry for the same (session, version) fails with
	// trace.AlreadyExists.
	Enqueue(ctx context.Context, entry *Entry) error
	// Claim leases up to n sessions and returns each session's head
	// entry, transitioned to processing. A claimed session stays leased
	// until Complete, Fail, or Reschedule releases it, or the claim lease
	// expires.
	Claim(ctx context.Context, n int) ([]Entry, error)
	// Complete marks a claimed entry applied, releases the session lease
	// and makes the next entry (if any) claimable.
	Complete(ctx context.Context, entry Entry) error
	// Fail records a failed attempt and releases the lease. The session
	// becomes claimable again after retryAfter, or the entry dead-letters
	// once its attempts are exhausted.
	Fail(ctx context.Context, entry Entry, cause error, retryAfter time.Duration) error
	// Reschedule releases the lease and delays the session without
	// counting an attempt. Used when the breaker is open: the outage is
	// not the entry's fault.
	Reschedule(ctx context.Context, entry Entry, retryAfter time.Duration) error
	// Depth reports the number of outstanding (pending + processing)
	// entries across all sessions.
	Depth(ctx context.Context) (int, error)
	// SessionDepth reports the outstanding entries of one session.
	SessionDepth(ctx context.Context, sessionID string) (int, error)
	// DeadLetters returns up to limit dead-lettered entries, most recent
	// first.
	DeadLetters(ctx context.Context, limit int) ([]Entry, error)
}
