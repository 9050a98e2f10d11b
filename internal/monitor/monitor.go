// Package monitor implements security event recording and anomaly
// detection for the entitlement core. Every authorization attempt feeds
// one observation into the monitor; the monitor classifies, persists,
// and escalates without ever failing the caller's request.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"monsaas/internal/types"
)

// Config holds the tunable thresholds for anomaly detection and
// severity escalation.
type Config struct {
	// RaceWindow is the sliding window for burst detection on a single
	// (user, tool) pair. Default: 1 second.
	RaceWindow time.Duration

	// RaceThreshold is the attempt count within RaceWindow above which a
	// burst is flagged as a race condition. A double-click lands at 2 and
	// stays benign; a scripted burst of 4+ crosses the default of 3.
	RaceThreshold int

	// VelocityWindow is the sliding window over which a (user, tool)
	// pair's request rate is measured. Default: 10 minutes.
	VelocityWindow time.Duration

	// VelocityMultiplier flags a pair whose windowed per-minute rate
	// exceeds this multiple of the plan's steady-state allowance, the
	// quota limit scaled to attempts per minute. Default: 5.
	VelocityMultiplier float64

	// VelocityMinimum is the minimum windowed attempt count before
	// velocity checks apply, so low-traffic users are never flagged on
	// noise. Default: 20.
	VelocityMinimum int

	// EscalationThreshold is the number of limit_exceeded events for one
	// user within EscalationWindow that escalates the next one to
	// critical severity. Default: 5.
	EscalationThreshold int

	// EscalationWindow is the lookback window for escalation counting.
	// Default: 10 minutes.
	EscalationWindow time.Duration
}

// DefaultConfig returns the production threshold defaults.
func DefaultConfig() Config {
	return Config{
		RaceWindow:          time.Second,
		RaceThreshold:       3,
		VelocityWindow:      10 * time.Minute,
		VelocityMultiplier:  5,
		VelocityMinimum:     20,
		EscalationThreshold: 5,
		EscalationWindow:    10 * time.Minute,
	}
}

// EventRepo defines the persistence methods the monitor needs.
type EventRepo interface {
	Append(ctx context.Context, event *types.SecurityEvent) error
	CountRecentByType(ctx context.Context, userID string, eventType types.SecurityEventType, since time.Time) (int, error)
}

// AnomalyMetrics receives a telemetry signal when an anomaly event is
// recorded. Optional; a nil implementation disables emission.
type AnomalyMetrics interface {
	RecordAnomaly(ctx context.Context, eventType types.SecurityEventType)
}

// Observation is the per-request input to the monitor: one observation
// per authorization attempt, allowed or not.
type Observation struct {
	UserID   string
	Tool     types.ToolType
	Decision types.Decision
	Cost     int
	Consumed int

	// Limit and Period describe the plan quota backing this attempt;
	// together they define the steady-state allowance the velocity
	// detector measures against. A zero Limit means unlimited.
	Limit  int
	Period time.Duration

	IP        string
	UserAgent string
}

// rateWindow holds one (user, tool) pair's recent attempt history plus
// the plan parameters last observed for it.
type rateWindow struct {
	attempts []time.Time
	limit    int
	period   time.Duration
}

// Monitor records security events and detects anomalous request
// patterns. It is safe for concurrent use.
//
// The monitor is fire-and-forget by contract: persistence or delivery
// failures are logged and swallowed so that a monitoring outage can
// never take down quota enforcement.
type Monitor struct {
	repo    EventRepo
	sink    types.EventSink
	metrics AnomalyMetrics
	config  Config
	clock   types.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	bursts   map[string][]time.Time // keyed by user/tool
	activity map[string]*rateWindow // keyed by user/tool
}

// New creates a Monitor. The sink and metrics may be nil; events then
// stay in the repo only.
func New(repo EventRepo, sink types.EventSink, metrics AnomalyMetrics, config Config, clock types.Clock, logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		repo:     repo,
		sink:     sink,
		metrics:  metrics,
		config:   config,
		clock:    clock,
		logger:   logger,
		bursts:   make(map[string][]time.Time),
		activity: make(map[string]*rateWindow),
	}
}

// Observe ingests one authorization attempt. Denials become persisted
// events; allowed attempts only feed the anomaly detectors. Observe
// never returns an error.
func (m *Monitor) Observe(ctx context.Context, obs Observation) {
	now := m.clock.Now()

	if burst := m.trackBurst(obs.UserID, obs.Tool, now); burst > 0 {
		m.Record(ctx, &types.SecurityEvent{
			Type:      types.EventRaceConditionDetected,
			UserID:    obs.UserID,
			IP:        obs.IP,
			UserAgent: obs.UserAgent,
			Details: types.EventDetails{
				SchemaVersion: types.EventDetailsSchemaVersion,
				Tool:          obs.Tool,
				AttemptCount:  burst,
				WindowSeconds: m.config.RaceWindow.Seconds(),
				Message:       "concurrent attempt burst on a single tool",
			},
		})
	}

	if count, allowance := m.trackVelocity(obs, now); count > 0 {
		m.Record(ctx, &types.SecurityEvent{
			Type:      types.EventSuspiciousActivity,
			UserID:    obs.UserID,
			IP:        obs.IP,
			UserAgent: obs.UserAgent,
			Details: types.EventDetails{
				SchemaVersion: types.EventDetailsSchemaVersion,
				Tool:          obs.Tool,
				AttemptCount:  count,
				WindowSeconds: m.config.VelocityWindow.Seconds(),
				Message:       fmt.Sprintf("request rate far above plan allowance of %.4f/min", allowance),
			},
		})
	}

	if obs.Decision.Allowed {
		return
	}

	eventType := types.EventAccessDenied
	switch obs.Decision.Reason {
	case types.ReasonLimitExceeded:
		eventType = types.EventLimitExceeded
	case types.ReasonSystemUnavailable:
		eventType = types.EventDatabaseError
	}

	m.Record(ctx, &types.SecurityEvent{
		Type:      eventType,
		UserID:    obs.UserID,
		IP:        obs.IP,
		UserAgent: obs.UserAgent,
		Details: types.EventDetails{
			SchemaVersion: types.EventDetailsSchemaVersion,
			Tool:          obs.Tool,
			Decision:      obs.Decision.Reason,
			Cost:          obs.Cost,
			Consumed:      obs.Consumed,
			Limit:         obs.Limit,
		},
	})
}

// Record classifies and persists a security event. The caller fills
// Type, UserID, and Details; the monitor assigns ID, Timestamp, and
// Severity. Failures are logged, never returned: monitoring must not
// break the request path.
func (m *Monitor) Record(ctx context.Context, event *types.SecurityEvent) {
	now := m.clock.Now()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if event.Details.SchemaVersion == 0 {
		event.Details.SchemaVersion = types.EventDetailsSchemaVersion
	}
	if event.Severity == "" {
		event.Severity = m.classify(ctx, event, now)
	}

	if err := m.repo.Append(ctx, event); err != nil {
		m.logger.Error("failed to persist security event",
			"event_type", string(event.Type),
			"user_id", event.UserID,
			"error", err,
		)
		return
	}

	if m.metrics != nil && isAnomaly(event.Type) {
		m.metrics.RecordAnomaly(ctx, event.Type)
	}

	if event.Severity == types.SeverityCritical && m.sink != nil {
		if err := m.sink.Publish(ctx, event); err != nil {
			m.logger.Error("failed to publish critical security event",
				"event_id", event.ID,
				"event_type", string(event.Type),
				"error", err,
			)
		}
	}
}

// RecordLockTimeout records a lock acquisition timeout. Isolated
// timeouts are infrastructure noise (database_error, medium); a user
// who hits them repeatedly within the escalation window is reclassified
// as suspicious, since sustained same-key contention is the signature
// of scripted parallel draining.
func (m *Monitor) RecordLockTimeout(ctx context.Context, userID string, tool types.ToolType) {
	now := m.clock.Now()
	since := now.Add(-m.config.EscalationWindow)

	eventType := types.EventDatabaseError
	message := "lock acquisition timed out"

	count, err := m.repo.CountRecentByType(ctx, userID, types.EventDatabaseError, since)
	if err != nil {
		m.logger.Error("failed to count recent lock timeouts",
			"user_id", userID,
			"error", err,
		)
	} else if count >= m.config.EscalationThreshold {
		eventType = types.EventSuspiciousActivity
		message = "repeated lock timeouts suggest deliberate contention"
	}

	m.Record(ctx, &types.SecurityEvent{
		Type:   eventType,
		UserID: userID,
		Details: types.EventDetails{
			SchemaVersion: types.EventDetailsSchemaVersion,
			Tool:          tool,
			Message:       message,
		},
	})
}

// classify assigns severity by event type, escalating repeat
// limit_exceeded offenders to critical.
func (m *Monitor) classify(ctx context.Context, event *types.SecurityEvent, now time.Time) types.Severity {
	switch event.Type {
	case types.EventAuthenticationFailure, types.EventRaceConditionDetected, types.EventSecurityViolation:
		return types.SeverityHigh
	case types.EventLimitExceeded:
		since := now.Add(-m.config.EscalationWindow)
		count, err := m.repo.CountRecentByType(ctx, event.UserID, types.EventLimitExceeded, since)
		if err != nil {
			m.logger.Error("failed to count recent events for escalation",
				"user_id", event.UserID,
				"error", err,
			)
			return types.SeverityMedium
		}
		if count >= m.config.EscalationThreshold {
			return types.SeverityCritical
		}
		return types.SeverityMedium
	case types.EventValidationError:
		return types.SeverityLow
	default:
		return types.SeverityMedium
	}
}

// trackBurst records one attempt on a (user, tool) key and returns the
// attempt count when it exceeds the race threshold, or 0 when benign.
func (m *Monitor) trackBurst(userID string, tool types.ToolType, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := types.UsageKey(userID, tool)
	cutoff := now.Add(-m.config.RaceWindow)
	kept := pruneBefore(m.bursts[key], cutoff)
	kept = append(kept, now)
	m.bursts[key] = kept

	if len(kept) > m.config.RaceThreshold {
		return len(kept)
	}
	return 0
}

// trackVelocity records one attempt on a (user, tool) key and compares
// the windowed per-minute rate against the plan's steady-state
// allowance, the quota limit scaled to attempts per minute. The plan is
// the baseline, not the user's own history, so a gradual ramp-up cannot
// normalize sustained abuse. Returns (windowCount, allowancePerMinute)
// when the rate is anomalous, or (0, 0) otherwise.
func (m *Monitor) trackVelocity(obs Observation, now time.Time) (int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := types.UsageKey(obs.UserID, obs.Tool)
	win, ok := m.activity[key]
	if !ok {
		win = &rateWindow{}
		m.activity[key] = win
	}
	cutoff := now.Add(-m.config.VelocityWindow)
	win.attempts = append(pruneBefore(win.attempts, cutoff), now)
	if obs.Limit > 0 && obs.Period > 0 {
		win.limit = obs.Limit
		win.period = obs.Period
	}

	return m.evaluateVelocity(win, m.config.VelocityWindow, now)
}

// evaluateVelocity applies the velocity thresholds to one rate window.
// Callers must hold m.mu.
func (m *Monitor) evaluateVelocity(win *rateWindow, window time.Duration, now time.Time) (int, float64) {
	if window <= 0 {
		return 0, 0
	}
	count := countSince(win.attempts, now.Add(-window))
	if count < m.config.VelocityMinimum {
		return 0, 0
	}
	// Zero limit means unlimited: there is no allowance to exceed.
	if win.limit <= 0 || win.period <= 0 {
		return 0, 0
	}
	allowance := float64(win.limit) / win.period.Minutes()
	rate := float64(count) / window.Minutes()
	if rate > m.config.VelocityMultiplier*allowance {
		return count, allowance
	}
	return 0, 0
}

// DetectAnomaly evaluates the recorded attempt history for a (user,
// tool) pair over the given window without adding an attempt or
// persisting anything. A non-positive window falls back to the
// configured detection windows; history is only retained for the
// velocity window, so longer windows see the same data. Returns the
// anomaly event types currently present, in race-then-velocity order.
func (m *Monitor) DetectAnomaly(userID string, tool types.ToolType, window time.Duration) []types.SecurityEventType {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	key := types.UsageKey(userID, tool)

	var found []types.SecurityEventType

	raceWindow := m.config.RaceWindow
	if window > 0 && window < raceWindow {
		raceWindow = window
	}
	if countSince(m.bursts[key], now.Add(-raceWindow)) > m.config.RaceThreshold {
		found = append(found, types.EventRaceConditionDetected)
	}

	if win, ok := m.activity[key]; ok {
		velocityWindow := m.config.VelocityWindow
		if window > 0 {
			velocityWindow = window
		}
		if count, _ := m.evaluateVelocity(win, velocityWindow, now); count > 0 {
			found = append(found, types.EventSuspiciousActivity)
		}
	}
	return found
}

// isAnomaly reports whether the event type came from a detector rather
// than a plain denial.
func isAnomaly(t types.SecurityEventType) bool {
	return t == types.EventRaceConditionDetected || t == types.EventSuspiciousActivity
}

// countSince counts timestamps strictly after cutoff.
func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// pruneBefore drops timestamps older than cutoff, reusing the backing
// array.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
