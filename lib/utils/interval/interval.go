// Package interval provides a jittered ticker for background loops. Unlike
// time.Ticker it applies a fresh jitter to every tick and paces itself by
// the consumer: a tick is not scheduled until the previous one is consumed,
// so slow loops stretch instead of piling up.
package interval

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/utils/retryutils"
)

// Config parameterizes an Interval.
type Config struct {
	// Duration is the nominal tick cadence. Required.
	Duration time.Duration
	// FirstDuration overrides the delay before the first tick when
	// positive. Commonly set to FullJitter(Duration) so that a fleet of
	// workers starting together spreads out.
	FirstDuration time.Duration
	// Jitter, when set, is applied to every scheduled delay.
	Jitter retryutils.Jitter
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Interval is a restartable, jittered ticker.
type Interval struct {
	cfg  Config
	ch   chan time.Time
	done chan struct{}
	once sync.Once
}

// New starts an interval. Panics if Duration is not positive, which is
// always a programming error.
func New(cfg Config) *Interval {
	if cfg.Duration <= 0 {
		panic("interval: Duration must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	i := &Interval{
		cfg:  cfg,
		ch:   make(chan time.Time, 1),
		done: make(chan struct{}),
	}
	go i.run()
	return i
}

// Next returns the tick channel. The channel never closes; select against
// the loop's own shutdown signal.
func (i *Interval) Next() <-chan time.Time {
	return i.ch
}

// Stop terminates the interval. Safe to call multiple times.
func (i *Interval) Stop() {
	i.once.Do(func() { close(i.done) })
}

func (i *Interval) run() {
	first := i.cfg.FirstDuration
	if first <= 0 {
		first = i.jittered(i.cfg.Duration)
	}
	timer := i.cfg.Clock.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case t := <-timer.Chan():
			select {
			case i.ch <- t:
			case <-i.done:
				return
			}
			timer.Reset(i.jittered(i.cfg.Duration))
		case <-i.done:
			return
		}
	}
}

func (i *Interval) jittered(d time.Duration) time.Duration {
	if i.cfg.Jitter != nil {
		return i.cfg.Jitter(d)
	}
	return d
}
