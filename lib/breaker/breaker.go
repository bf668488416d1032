// Package breaker implements the circuit breaker guarding the cold tier.
// The breaker observes the outcome of every execution inside a rolling
// window of per-second buckets and trips open when the failure ratio
// crosses the configured threshold. While open it short-circuits callers
// with ErrCircuitOpen; after the cooldown it admits a single half-open
// trial whose outcome decides between closing and re-opening.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/observability/metrics"
	"github.com/luoarch/baileys-store-core-sub002/lib/storage"
)

// ErrCircuitOpen is returned when an execution is short-circuited because
// the breaker is open, or because a half-open trial is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// IsCircuitOpen reports whether err is (or wraps) ErrCircuitOpen.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// State is the breaker's position.
type State int

const (
	// StateClosed passes executions through while counting outcomes.
	StateClosed State = iota
	// StateOpen short-circuits every execution.
	StateOpen
	// StateHalfOpen admits exactly one trial execution.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// StateEvent describes one state transition.
type StateEvent struct {
	// From and To are the states on either side of the transition.
	From, To State
	// At is when the transition happened.
	At time.Time
}

// Stats is a point-in-time view of the breaker for diagnostics.
type Stats struct {
	State State
	// Executions and Failures count outcomes inside the rolling window.
	Executions uint64
	Failures   uint64
	// OpenedAt is when the breaker last opened, zero if it never did.
	OpenedAt time.Time
}

// Config configures a Breaker.
type Config struct {
	// Window is the length of the rolling window the failure ratio is
	// computed over.
	Window time.Duration
	// Ratio is the failure ratio that trips the breaker.
	Ratio float64
	// MinExecutions is the sample size below which the ratio is ignored.
	MinExecutions uint64
	// Cooldown is how long the breaker stays open before half-opening.
	Cooldown time.Duration
	// IsFailure classifies execution errors. Only errors it accepts count
	// toward tripping; logical conflicts should be excluded so a burst of
	// version races cannot take the cold tier offline. Defaults to
	// counting retryable storage errors and timeouts.
	IsFailure func(error) bool
	// OnStateChange, when set, is invoked synchronously on every
	// transition. Must be fast; it runs under the breaker lock.
	OnStateChange func(StateEvent)
	// EventBuffer is the capacity of the Events channel. Events beyond it
	// are dropped rather than blocking the request path.
	EventBuffer int
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Window <= 0 {
		c.Window = defaults.BreakerWindow
	}
	if c.Window < time.Second {
		return trace.BadParameter("breaker window must be at least one second")
	}
	if c.Ratio == 0 {
		c.Ratio = defaults.BreakerFailureRatio
	}
	if c.Ratio <= 0 || c.Ratio > 1 {
		return trace.BadParameter("breaker ratio must be in (0, 1]")
	}
	if c.MinExecutions == 0 {
		c.MinExecutions = defaults.BreakerMinExecutions
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaults.BreakerCooldown
	}
	if c.IsFailure == nil {
		c.IsFailure = storage.IsRetryable
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaults.BreakerEventBuffer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg    Config
	events chan StateEvent

	mu          lockedState
	windowSize  int
	cooldownEnd time.Time
}

// New creates a breaker from the supplied config.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	b := &Breaker{
		cfg:        cfg,
		events:     make(chan StateEvent, cfg.EventBuffer),
		windowSize: int(cfg.Window / time.Second),
	}
	b.mu.buckets = make([]bucket, b.windowSize)
	return b, nil
}

// Execute runs fn under the breaker. When the breaker is open (or a
// half-open trial is already in flight) fn is not invoked and
// ErrCircuitOpen is returned. fn's error is passed through unchanged.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return trace.Wrap(err)
	}

	execErr := fn()
	b.record(trial, execErr != nil && b.cfg.IsFailure(execErr))
	return execErr
}

// IsOpen reports whether an execution would currently short-circuit.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.state == StateOpen && !b.cfg.Clock.Now().Before(b.cooldownEnd) {
		// next Execute would half-open and admit a trial
		return false
	}
	return b.mu.state != StateClosed
}

// State returns the current state without considering cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.state
}

// Stats returns a snapshot of the breaker for diagnostics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failures := b.windowCountsLocked(b.cfg.Clock.Now())
	return Stats{
		State:      b.mu.state,
		Executions: total,
		Failures:   failures,
		OpenedAt:   b.mu.openedAt,
	}
}

// Events returns the transition channel. Slow consumers lose events; the
// channel never blocks the request path.
func (b *Breaker) Events() <-chan StateEvent {
	return b.events
}

type bucket struct {
	// second is the unix second the bucket counts for; counts from other
	// seconds are stale and reset on touch.
	second   int64
	total    uint64
	failures uint64
}

type lockedState struct {
	sync.Mutex
	state    State
	buckets  []bucket
	openedAt time.Time
	// trialInFlight is set while the single half-open probe runs.
	trialInFlight bool
}

// admit decides whether an execution may proceed and whether it is the
// half-open trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	switch b.mu.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if now.Before(b.cooldownEnd) {
			return false, ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen, now)
		b.mu.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.mu.trialInFlight {
			return false, ErrCircuitOpen
		}
		b.mu.trialInFlight = true
		return true, nil
	}
	return false, trace.BadParameter("breaker in unknown state %v", b.mu.state)
}

// record accounts one execution outcome and drives transitions.
func (b *Breaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	if trial {
		b.mu.trialInFlight = false
		if failed {
			b.openLocked(now)
		} else {
			b.transitionLocked(StateClosed, now)
			b.resetWindowLocked()
		}
		return
	}
	if b.mu.state != StateClosed {
		// an execution admitted before a transition landed; its outcome
		// no longer influences the state machine
		return
	}

	bkt := b.bucketLocked(now)
	bkt.total++
	if failed {
		bkt.failures++
	}

	total, failures := b.windowCountsLocked(now)
	if total >= b.cfg.MinExecutions && float64(failures)/float64(total) >= b.cfg.Ratio {
		b.openLocked(now)
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.mu.openedAt = now
	b.cooldownEnd = now.Add(b.cfg.Cooldown)
	b.transitionLocked(StateOpen, now)
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.mu.state
	if from == to {
		return
	}
	b.mu.state = to

	switch to {
	case StateOpen:
		metrics.BreakerOpen.Inc()
	case StateClosed:
		metrics.BreakerClose.Inc()
	case StateHalfOpen:
		metrics.BreakerHalfOpen.Inc()
	}

	event := StateEvent{From: from, To: to, At: now}
	select {
	case b.events <- event:
	default:
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(event)
	}
}

func (b *Breaker) bucketLocked(now time.Time) *bucket {
	second := now.Unix()
	bkt := &b.mu.buckets[second%int64(b.windowSize)]
	if bkt.second != second {
		*bkt = bucket{second: second}
	}
	return bkt
}

func (b *Breaker) windowCountsLocked(now time.Time) (total, failures uint64) {
	oldest := now.Unix() - int64(b.windowSize) + 1
	for i := range b.mu.buckets {
		bkt := &b.mu.buckets[i]
		if bkt.second >= oldest {
			total += bkt.total
			failures += bkt.failures
		}
	}
	return total, failures
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.mu.buckets {
		b.mu.buckets[i] = bucket{}
	}
}
