package health

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/defaults"
)

// Status classifies a diagnostic check result.
type Status string

const (
	// StatusOK means the check passed.
	StatusOK Status = "OK"
	// StatusWarning means the check is close to its threshold.
	StatusWarning Status = "WARNING"
	// StatusCritical means the check crossed its threshold.
	StatusCritical Status = "CRITICAL"
)

// worse reports the more severe of two statuses.
func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusWarning:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// RotationConfig configures a RotationMonitor.
type RotationConfig struct {
	// ThresholdPerMinute is the rotation rate at which a session is
	// CRITICAL; WARNING starts at WarningFraction of it.
	ThresholdPerMinute int
	// WarningFraction is the fraction of the threshold that triggers a
	// WARNING.
	WarningFraction float64
	// Window is the sliding measurement window.
	Window time.Duration
	// MaxSessions bounds the counter table.
	MaxSessions int
	// SessionTTL evicts counters idle for this long.
	SessionTTL time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RotationConfig) CheckAndSetDefaults() error {
	if c.ThresholdPerMinute <= 0 {
		c.ThresholdPerMinute = defaults.RotationThresholdPerMinute
	}
	if c.WarningFraction == 0 {
		c.WarningFraction = defaults.RotationWarningFraction
	}
	if c.WarningFraction <= 0 || c.WarningFraction > 1 {
		return trace.BadParameter("WarningFraction must be in (0, 1]")
	}
	if c.Window <= 0 {
		c.Window = defaults.RotationWindow
	}
	if c.Window < time.Second {
		return trace.BadParameter("rotation window must be at least one second")
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
	return nil
}

// rotationCounter is a ring of per-second buckets covering one window.
type rotationCounter struct {
	mu      sync.Mutex
	seconds []int64
	counts  []int
}

// RotationMonitor counts credential-rotation events per session inside a
// sliding window. A session rotating credentials too fast usually signals
// a crash loop re-pairing with the remote service.
type RotationMonitor struct {
	cfg        RotationConfig
	windowSize int

	mu       sync.Mutex
	counters *expirable.LRU[string, *rotationCounter]
}

// NewRotationMonitor creates a monitor from the supplied config.
func NewRotationMonitor(cfg RotationConfig) (*RotationMonitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RotationMonitor{
		cfg:        cfg,
		windowSize: int(cfg.Window / time.Second),
		counters:   expirable.NewLRU[string, *rotationCounter](cfg.MaxSessions, nil, cfg.SessionTTL),
	}, nil
}

// Record counts one rotation event for the session.
func (m *RotationMonitor) Record(sessionID string) {
	c := m.counter(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	second := m.cfg.Clock.Now().Unix()
	i := int(second % int64(m.windowSize))
	if c.seconds[i] != second {
		c.seconds[i] = second
		c.counts[i] = 0
	}
	c.counts[i]++
}

// Rate reports the session's rotation count inside the window.
func (m *RotationMonitor) Rate(sessionID string) int {
	c := m.counter(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	oldest := m.cfg.Clock.Now().Unix() - int64(m.windowSize) + 1
	total := 0
	for i, second := range c.seconds {
		if second >= oldest {
			total += c.counts[i]
		}
	}
	return total
}

// Status classifies the session's rotation rate.
func (m *RotationMonitor) Status(sessionID string) Status {
	rate := m.Rate(sessionID)
	threshold := m.cfg.ThresholdPerMinute
	switch {
	case rate >= threshold:
		return StatusCritical
	case float64(rate) >= m.cfg.WarningFraction*float64(threshold):
		return StatusWarning
	}
	return StatusOK
}

// Sessions lists the sessions currently holding a counter.
func (m *RotationMonitor) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters.Keys()
}

func (m *RotationMonitor) counter(sessionID string) *rotationCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters.Get(sessionID); ok {
		return c
	}
	c := &rotationCounter{
		seconds: make([]int64, m.windowSize),
		counts:  make([]int, m.windowSize),
	}
	m.counters.Add(sessionID, c)
	return c
}
