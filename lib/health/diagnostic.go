package health

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/luoarch/baileys-store-core-sub002/lib/ratelimit"
)

// Check names reported by the diagnostic engine.
const (
	CheckConnection = "connection"
	CheckRotation   = "rotation"
	CheckRateLimit  = "rate-limit"
)

// CheckResult is one subcomponent's verdict for a session.
type CheckResult struct {
	// Name identifies the check.
	Name string
	// Status is the check's severity.
	Status Status
	// Detail is a human-readable explanation.
	Detail string
}

// Report aggregates every configured check for one session.
type Report struct {
	SessionID string
	// GeneratedAt is when the report was produced.
	GeneratedAt time.Time
	// Checks holds one result per configured subcomponent.
	Checks []CheckResult
	// Recommendations are ordered most urgent first.
	Recommendations []Recommendation
}

// Worst returns the most severe status across the report's checks.
func (r Report) Worst() Status {
	out := StatusOK
	for _, check := range r.Checks {
		out = worse(out, check.Status)
	}
	return out
}

// DiagnosticConfig configures a DiagnosticEngine. Every subcomponent is
// optional; the engine reports on whichever are present.
type DiagnosticConfig struct {
	// Tracker supplies connection-liveness checks.
	Tracker *Tracker
	// Rotations supplies rotation-rate checks.
	Rotations *RotationMonitor
	// Limiter supplies tokens-remaining checks.
	Limiter *ratelimit.Limiter
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DiagnosticConfig) CheckAndSetDefaults() error {
	if c.Tracker == nil && c.Rotations == nil && c.Limiter == nil {
		return trace.BadParameter("diagnostic engine requires at least one subcomponent")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// DiagnosticEngine folds the health subcomponents into per-session
// reports.
type DiagnosticEngine struct {
	cfg DiagnosticConfig
}

// NewDiagnosticEngine creates an engine from the supplied config.
func NewDiagnosticEngine(cfg DiagnosticConfig) (*DiagnosticEngine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DiagnosticEngine{cfg: cfg}, nil
}

// Check produces the full report for one session.
func (e *DiagnosticEngine) Check(sessionID string) Report {
	report := Report{
		SessionID:   sessionID,
		GeneratedAt: e.cfg.Clock.Now(),
	}

	var recs []Recommendation
	if e.cfg.Tracker != nil {
		check := e.cfg.Tracker.CheckHealth(sessionID)
		report.Checks = append(report.Checks, CheckResult{
			Name:   CheckConnection,
			Status: connStatus(check.State),
			Detail: "session is " + string(check.State) + " after " + check.SilentFor.Round(time.Second).String() + " of silence",
		})
		if check.Recommendation != RecommendNone {
			recs = append(recs, check.Recommendation)
		}
	}
	if e.cfg.Rotations != nil {
		status := e.cfg.Rotations.Status(sessionID)
		report.Checks = append(report.Checks, CheckResult{
			Name:   CheckRotation,
			Status: status,
			Detail: "credential rotation rate is " + string(status),
		})
		if status == StatusCritical {
			recs = append(recs, RecommendReconnect)
		}
	}
	if e.cfg.Limiter != nil {
		status := limiterStatus(e.cfg.Limiter.Status(sessionID))
		report.Checks = append(report.Checks, CheckResult{
			Name:   CheckRateLimit,
			Status: status,
			Detail: "rate-limit headroom is " + string(status),
		})
		if status == StatusCritical {
			recs = append(recs, RecommendThrottle)
		}
	}

	report.Recommendations = prioritize(recs)
	return report
}

// QuickCheck returns the worst status across the configured checks.
func (e *DiagnosticEngine) QuickCheck(sessionID string) Status {
	return e.Check(sessionID).Worst()
}

// SessionsRequiringAttention returns the union of sessions currently in
// WARNING or CRITICAL across all configured subcomponents.
func (e *DiagnosticEngine) SessionsRequiringAttention() []string {
	flagged := make(map[string]struct{})

	if e.cfg.Tracker != nil {
		for sessionID, state := range e.cfg.Tracker.Snapshot() {
			if connStatus(state) != StatusOK {
				flagged[sessionID] = struct{}{}
			}
		}
	}
	if e.cfg.Rotations != nil {
		for _, sessionID := range e.cfg.Rotations.Sessions() {
			if e.cfg.Rotations.Status(sessionID) != StatusOK {
				flagged[sessionID] = struct{}{}
			}
		}
	}
	if e.cfg.Limiter != nil {
		for _, sessionID := range e.cfg.Limiter.Sessions() {
			if limiterStatus(e.cfg.Limiter.Status(sessionID)) != StatusOK {
				flagged[sessionID] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(flagged))
	for sessionID := range flagged {
		out = append(out, sessionID)
	}
	return out
}

// connStatus maps connection states onto check severities.
func connStatus(state ConnState) Status {
	switch state {
	case StateDegraded, StateReconnecting:
		return StatusWarning
	case StateDisconnected:
		return StatusCritical
	}
	return StatusOK
}

// limiterStatus maps the limiter's own status taxonomy onto the
// diagnostic one.
func limiterStatus(s ratelimit.Status) Status {
	switch s {
	case ratelimit.StatusWarning:
		return StatusWarning
	case ratelimit.StatusCritical:
		return StatusCritical
	}
	return StatusOK
}

// prioritize orders recommendations most urgent first and deduplicates.
func prioritize(recs []Recommendation) []Recommendation {
	rank := func(r Recommendation) int {
		switch r {
		case RecommendReconnect:
			return 0
		case RecommendPing:
			return 1
		case RecommendThrottle:
			return 2
		}
		return 3
	}
	seen := make(map[Recommendation]struct{})
	var out []Recommendation
	for _, want := range []int{0, 1, 2, 3} {
		for _, r := range recs {
			if rank(r) != want {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
