// Package health observes session liveness: the connection tracker derives
// a per-session state from activity signals, the rotation monitor watches
// credential-rotation rates, and the diagnostic engine folds both plus the
// rate limiter into a single prioritized report.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	baileysstore "github.com/luoarch/baileys-store-core-sub002"
	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
	"github.com/luoarch/baileys-store-core-sub002/lib/utils/logutils"
)

// ConnState is a session's liveness state.
type ConnState string

const (
	// StateHealthy means recent activity was observed.
	StateHealthy ConnState = "HEALTHY"
	// StateDegraded means the session has been silent past the silence
	// threshold.
	StateDegraded ConnState = "DEGRADED"
	// StateDisconnected means the session is silent past the disconnect
	// threshold, or the client reported a disconnect.
	StateDisconnected ConnState = "DISCONNECTED"
	// StateReconnecting means the client reported a reconnect attempt.
	StateReconnecting ConnState = "RECONNECTING"
)

// Recommendation is the suggested operator action for a session.
type Recommendation string

const (
	// RecommendNone means no action is needed.
	RecommendNone Recommendation = "NONE"
	// RecommendPing suggests probing the session.
	RecommendPing Recommendation = "PING"
	// RecommendReconnect suggests re-establishing the session.
	RecommendReconnect Recommendation = "RECONNECT"
	// RecommendThrottle suggests slowing the session's send rate.
	RecommendThrottle Recommendation = "THROTTLE"
)

// HealthCheck is the tracker's answer for one session.
type HealthCheck struct {
	// State is the derived or explicit liveness state.
	State ConnState
	// SilentFor is how long since the last recorded activity.
	SilentFor time.Duration
	// Recommendation is the suggested action.
	Recommendation Recommendation
}

// Notification is delivered to listeners when a session leaves or re-enters
// the healthy state.
type Notification struct {
	SessionID string
	Previous  ConnState
	Current   ConnState
	At        time.Time
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// SilenceThreshold is the quiet period after which a session is
	// DEGRADED.
	SilenceThreshold time.Duration
	// DisconnectThreshold is the quiet period after which a session is
	// DISCONNECTED.
	DisconnectThreshold time.Duration
	// MaxSessions bounds the tracked-session table.
	MaxSessions int
	// SessionTTL evicts entries idle for this long.
	SessionTTL time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TrackerConfig) CheckAndSetDefaults() error {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaults.SilenceThreshold
	}
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = defaults.DisconnectThreshold
	}
	if c.DisconnectThreshold <= c.SilenceThreshold {
		return trace.BadParameter("DisconnectThreshold must exceed SilenceThreshold")
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaults.TrackerMaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.TrackerSessionTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(baileysstore.ComponentKey, baileysstore.ComponentHealth)
	}
	return nil
}

// trackedSession is one session's liveness record. Explicit states set by
// the client (DISCONNECTED, RECONNECTING) dominate the silence derivation
// until the next activity clears them.
type trackedSession struct {
	mu           sync.Mutex
	lastActivity time.Time
	explicit     ConnState
	lastReported ConnState
}

// Tracker derives per-session liveness from activity signals. Safe for
// concurrent use.
type Tracker struct {
	cfg TrackerConfig

	mu       sync.Mutex
	sessions *expirable.LRU[string, *trackedSession]

	listenerMu sync.RWMutex
	listeners  map[int]func(Notification)
	nextID     int
}

// NewTracker creates a tracker from the supplied config.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tracker{
		cfg:       cfg,
		sessions:  expirable.NewLRU[string, *trackedSession](cfg.MaxSessions, nil, cfg.SessionTTL),
		listeners: make(map[int]func(Notification)),
	}, nil
}

// RecordActivity notes traffic on a session, clearing any explicit state.
func (t *Tracker) RecordActivity(sessionID string) {
	s := t.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = t.cfg.Clock.Now()
	s.explicit = ""
}

// RecordReconnectAttempt marks the session as reconnecting.
func (t *Tracker) RecordReconnectAttempt(sessionID string) {
	s := t.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicit = StateReconnecting
}

// RecordDisconnect marks the session as disconnected.
func (t *Tracker) RecordDisconnect(sessionID string) {
	s := t.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicit = StateDisconnected
}

// CheckHealth derives the session's state and recommendation, and notifies
// listeners when the state changed since the last check.
func (t *Tracker) CheckHealth(sessionID string) HealthCheck {
	s := t.session(sessionID)
	s.mu.Lock()

	now := t.cfg.Clock.Now()
	silent := now.Sub(s.lastActivity)
	state := t.derive(s, silent)
	previous := s.lastReported
	s.lastReported = state
	s.mu.Unlock()

	if previous != state && (state != StateHealthy || previous != "") {
		t.notify(Notification{
			SessionID: sessionID,
			Previous:  previous,
			Current:   state,
			At:        now,
		})
	}

	return HealthCheck{
		State:          state,
		SilentFor:      silent,
		Recommendation: recommend(state),
	}
}

// Subscribe registers a listener for state-change notifications and
// returns its unsubscribe handle. Listener panics are contained.
func (t *Tracker) Subscribe(fn func(Notification)) (unsubscribe func()) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.listenerMu.Lock()
		defer t.listenerMu.Unlock()
		delete(t.listeners, id)
	}
}

// Snapshot returns the current state of every tracked session without
// emitting notifications.
func (t *Tracker) Snapshot() map[string]ConnState {
	t.mu.Lock()
	keys := t.sessions.Keys()
	out := make(map[string]ConnState, len(keys))
	sessions := make([]*trackedSession, 0, len(keys))
	for _, key := range keys {
		if s, ok := t.sessions.Peek(key); ok {
			sessions = append(sessions, s)
		} else {
			sessions = append(sessions, nil)
		}
	}
	t.mu.Unlock()

	now := t.cfg.Clock.Now()
	for i, key := range keys {
		s := sessions[i]
		if s == nil {
			continue
		}
		s.mu.Lock()
		out[key] = t.derive(s, now.Sub(s.lastActivity))
		s.mu.Unlock()
	}
	return out
}

func (t *Tracker) session(sessionID string) *trackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions.Get(sessionID); ok {
		return s
	}
	s := &trackedSession{lastActivity: t.cfg.Clock.Now()}
	t.sessions.Add(sessionID, s)
	return s
}

func (t *Tracker) derive(s *trackedSession, silent time.Duration) ConnState {
	if s.explicit != "" {
		return s.explicit
	}
	switch {
	case silent > t.cfg.DisconnectThreshold:
		return StateDisconnected
	case silent > t.cfg.SilenceThreshold:
		return StateDegraded
	}
	return StateHealthy
}

func (t *Tracker) notify(n Notification) {
	t.listenerMu.RLock()
	listeners := make([]func(Notification), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.listenerMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.cfg.Logger.Warn("health listener panicked", "panic", r)
				}
			}()
			fn(n)
		}()
	}
}

func recommend(state ConnState) Recommendation {
	switch state {
	case StateDegraded:
		return RecommendPing
	case StateDisconnected, StateReconnecting:
		return RecommendReconnect
	}
	return RecommendNone
}
