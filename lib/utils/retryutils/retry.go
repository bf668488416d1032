package retryutils

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Driver computes the base delay for a retry attempt. Attempt counting
// starts at zero; drivers are stateless so a single driver may back any
// number of RetryV2 instances.
type Driver interface {
	// Duration returns the base delay for the given attempt.
	Duration(attempt int64) time.Duration
}

// NewExponentialDriver creates a driver that doubles the base delay on
// every attempt.
func NewExponentialDriver(base time.Duration) Driver {
	return exponentialDriver{base: base}
}

type exponentialDriver struct {
	base time.Duration
}

func (d exponentialDriver) Duration(attempt int64) time.Duration {
	if attempt <= 0 {
		return d.base
	}
	if attempt > 62 {
		attempt = 62
	}
	delay := d.base << uint64(attempt)
	if delay <= 0 || delay < d.base {
		// overflowed
		return time.Duration(1<<63 - 1)
	}
	return delay
}

// NewLinearDriver creates a driver that grows the delay by a fixed step per
// attempt.
func NewLinearDriver(step time.Duration) Driver {
	return linearDriver{step: step}
}

type linearDriver struct {
	step time.Duration
}

func (d linearDriver) Duration(attempt int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return d.step * time.Duration(attempt+1)
}

// NewGeometricDriver creates a driver computing base * factor^attempt for
// an arbitrary factor >= 1. With factor 2 it is equivalent to the
// exponential driver.
func NewGeometricDriver(base time.Duration, factor float64) Driver {
	if factor < 1 {
		factor = 1
	}
	return geometricDriver{base: base, factor: factor}
}

type geometricDriver struct {
	base   time.Duration
	factor float64
}

func (d geometricDriver) Duration(attempt int64) time.Duration {
	delay := float64(d.base)
	for range attempt {
		delay *= d.factor
		if delay > float64(1<<62) {
			return time.Duration(1<<63 - 1)
		}
	}
	return time.Duration(delay)
}

// RetryV2Config configures a RetryV2 state machine.
type RetryV2Config struct {
	// First is the delay before the first retry. Zero means the first
	// retry may proceed immediately.
	First time.Duration
	// Driver computes the base delay per attempt.
	Driver Driver
	// Max caps the delay regardless of attempt count.
	Max time.Duration
	// Jitter is applied to every computed delay when set.
	Jitter Jitter
	// Clock is used for After. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RetryV2Config) CheckAndSetDefaults() error {
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// RetryV2 tracks the attempt counter of one retry loop and hands out
// successive delays. It is not safe for concurrent use.
type RetryV2 struct {
	cfg     RetryV2Config
	attempt int64
}

// NewRetryV2 creates a retry state machine from the supplied config.
func NewRetryV2(cfg RetryV2Config) (*RetryV2, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RetryV2{cfg: cfg}, nil
}

// Duration returns the current delay without advancing the counter.
func (r *RetryV2) Duration() time.Duration {
	var delay time.Duration
	if r.attempt == 0 {
		delay = r.cfg.First
	} else {
		delay = r.cfg.Driver.Duration(r.attempt - 1)
	}
	if delay > r.cfg.Max {
		delay = r.cfg.Max
	}
	if r.cfg.Jitter != nil {
		delay = r.cfg.Jitter(delay)
	}
	return delay
}

// Inc advances the attempt counter.
func (r *RetryV2) Inc() {
	r.attempt++
}

// Reset rewinds the state machine to its initial state.
func (r *RetryV2) Reset() {
	r.attempt = 0
}

// After returns a channel that fires once the current delay elapses. The
// counter is not advanced; pair with Inc.
func (r *RetryV2) After() <-chan time.Time {
	return r.cfg.Clock.After(r.Duration())
}

// For retries fn until it succeeds, returns a permanent error, or ctx is
// done. The retry delay advances between attempts.
func (r *RetryV2) For(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		var p *permanentRetryError
		if errors.As(err, &p) {
			return trace.Wrap(p.err)
		}
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// PermanentRetryError marks an error as non-retryable for RetryV2.For.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

type permanentRetryError struct {
	err error
}

func (e *permanentRetryError) Error() string {
	return e.err.Error()
}

func (e *permanentRetryError) Unwrap() error {
	return e.err
}
