package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Tier names a storage tier in errors and logs.
type Tier string

const (
	// TierHot is the cache tier.
	TierHot Tier = "hot"
	// TierCold is the durable tier.
	TierCold Tier = "cold"
	// TierOutbox is the pending-write queue.
	TierOutbox Tier = "outbox"
)

// Error is a transport-level storage failure: the tier could not serve the
// request. Logical outcomes (missing records, failed predicates) are not
// storage errors; they surface as trace.NotFound / trace.CompareFailed.
type Error struct {
	// Tier is where the failure happened.
	Tier Tier
	// Op is the operation that failed, e.g. "get", "put".
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s tier %s failed: %v", e.Tier, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps a transport failure with its tier and operation.
func NewError(tier Tier, op string, err error) error {
	return trace.Wrap(&Error{Tier: tier, Op: op, Err: err})
}

// AsError extracts a storage Error from an error chain.
func AsError(err error) (*Error, bool) {
	var target *Error
	ok := errors.As(err, &target)
	return target, ok
}

// IsTimeout reports whether err is a deadline expiry, either from a
// context or from a transport that implements Timeout().
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// IsRetryable reports whether a failed operation may be retried: transport
// failures and timeouts are, logical conflicts and validation failures are
// not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if trace.IsNotFound(err) || trace.IsCompareFailed(err) || trace.IsBadParameter(err) {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	_, ok := AsError(err)
	return ok
}
