package storage

import (
	"context"

	"github.com/gravitational/trace"
)

// ApplyIfNewer writes doc to the cold tier iff its version is newer than
// what the tier holds, using the conditional-put predicate to stay atomic.
// It returns false with no error when the tier already holds doc's version
// or newer (the write is obsolete, not failed). Both the reconciler and the
// engine's synchronous cold-write paths use it, so hot-ahead-of-cold is the
// only divergence either can produce.
func ApplyIfNewer(ctx context.Context, cold Cold, doc *Document) (bool, error) {
	if doc == nil {
		return false, trace.BadParameter("missing document")
	}
	// Optimistic first pass: versions are contiguous, so the common case
	// is that the tier holds exactly version-1.
	expected := doc.Version - 1

	for attempt := 0; attempt < 3; attempt++ {
		result, err := cold.ConditionalPut(ctx, doc, expected)
		if err != nil {
			return false, trace.Wrap(err)
		}
		if result.Applied {
			return true, nil
		}
		if result.Current == nil {
			// no document at all; only create-only can apply
			if expected == 0 {
				return false, trace.CompareFailed("conditional put of session %q version %d did not apply", doc.SessionID, doc.Version)
			}
			expected = 0
			continue
		}
		if result.Current.Version >= doc.Version {
			return false, nil
		}
		expected = result.Current.Version
	}
	return false, trace.CompareFailed("lost conditional put race for session %q at version %d", doc.SessionID, doc.Version)
}
