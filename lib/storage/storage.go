// Package storage defines the tier-neutral record model and the interfaces
// the hybrid engine talks to: Hot for the low-latency cache tier, Cold for
// the durable document tier. Implementations live in the subpackages
// redisstore, mongostore and memstore.
package storage

import (
	"context"
	"time"
)

// Metadata describes a stored snapshot without its payload.
type Metadata struct {
	// Version is the monotonic per-session write counter.
	Version uint64 `json:"version"`
	// FencingToken is the highest fencing token recorded for the session.
	FencingToken uint64 `json:"fencingToken,omitempty"`
	// UpdatedAt is when the snapshot was last written.
	UpdatedAt time.Time `json:"updatedAt"`
	// ExpiresAt is the absolute expiry instant, re-stamped on write and
	// touch.
	ExpiresAt time.Time `json:"expiresAt"`
	// Deleted marks a tombstone: the session was deleted and the marker
	// guards against resurrecting it from a lagging cold tier.
	Deleted bool `json:"deleted,omitempty"`
}

// Record is the hot tier's unit of storage: an opaque blob plus its
// metadata. Tombstones carry a nil Blob and Meta.Deleted set.
type Record struct {
	Blob []byte
	Meta Metadata
}

// Document is the cold tier's per-session document.
type Document struct {
	SessionID    string
	Blob         []byte
	Version      uint64
	FencingToken uint64
	UpdatedAt    time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// PutResult reports the outcome of a conditional put. When the predicate
// fails, Current carries the document found in the store (nil if none) so
// the caller can decide how to proceed.
type PutResult struct {
	Applied bool
	Current *Document
}

// Hot is the cache tier. Implementations must be safe for concurrent use
// and must complete or fail every call within their configured operation
// timeout. A missing record surfaces as trace.NotFound.
type Hot interface {
	// Get returns the record for a session.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Put stores a record, stamping its absolute expiry from
	// Meta.ExpiresAt. Blob and metadata commit atomically.
	Put(ctx context.Context, sessionID string, record Record) error
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Touch moves the record's expiry without changing anything else.
	Touch(ctx context.Context, sessionID string, expiresAt time.Time) error
	// Exists reports whether a record is present.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// Cold is the durable tier. A missing document surfaces as trace.NotFound.
type Cold interface {
	// Get returns the document for a session.
	Get(ctx context.Context, sessionID string) (*Document, error)
	// ConditionalPut upserts doc iff the stored version equals
	// expectedVersion. expectedVersion zero means create-only: it applies
	// only when no document exists.
	ConditionalPut(ctx context.Context, doc *Document, expectedVersion uint64) (*PutResult, error)
	// Delete removes a document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, sessionID string) error
	// Touch moves the document's expiry without changing its version.
	Touch(ctx context.Context, sessionID string, expiresAt time.Time) error
	// Exists reports whether a document is present.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}
