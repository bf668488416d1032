package authstate

import (
	"errors"
	"fmt"
)

// VersionMismatchError reports an optimistic-concurrency conflict: the
// caller expected one version, the store holds another. Never retried
// internally; the caller must refetch and decide.
type VersionMismatchError struct {
	// Expected is the version the caller asserted.
	Expected uint64
	// Actual is the version found in the store.
	Actual uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, stored %d", e.Expected, e.Actual)
}

// IsVersionMismatch reports whether err is (or wraps) a version conflict.
func IsVersionMismatch(err error) bool {
	var target *VersionMismatchError
	return errors.As(err, &target)
}

// FencingTokenError reports a write from a stale owner: the supplied
// fencing token is lower than the one recorded for the session.
type FencingTokenError struct {
	// Recorded is the token stored with the session.
	Recorded uint64
	// Supplied is the token the writer presented.
	Supplied uint64
}

func (e *FencingTokenError) Error() string {
	return fmt.Sprintf("stale fencing token: recorded %d, supplied %d", e.Recorded, e.Supplied)
}

// IsFencingTokenStale reports whether err is (or wraps) a fencing
// violation.
func IsFencingTokenStale(err error) bool {
	var target *FencingTokenError
	return errors.As(err, &target)
}
