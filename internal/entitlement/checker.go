// Package entitlement implements the authorization decision point for
// tool invocations: given a user, their plan tier, and a tool, decide
// whether the invocation may proceed and debit its quota cost
// atomically with the decision.
package entitlement

import (
	"context"
	"log/slog"
	"time"

	"monsaas/internal/billing"
	"monsaas/internal/lock"
	"monsaas/internal/monitor"
	"monsaas/internal/types"
)

// DefaultBudget bounds the wall-clock time of a single Authorize call.
// The dashboard blocks tool invocations on this answer, so a slow deny
// is nearly as bad as an outage.
const DefaultBudget = 2 * time.Second

// DefaultLockRetryBackoff is the pause before the single retry after a
// lock acquisition timeout.
const DefaultLockRetryBackoff = 50 * time.Millisecond

// Ledger is the usage counter surface the checker needs.
type Ledger interface {
	TryCommit(ctx context.Context, userID string, tool types.ToolType, cost, limit int, period time.Duration) (int, error)
	CurrentUsage(ctx context.Context, userID string, tool types.ToolType, period time.Duration) (*types.UsageRecord, error)
}

// Observer receives exactly one observation per Authorize call.
type Observer interface {
	Observe(ctx context.Context, obs monitor.Observation)
	RecordLockTimeout(ctx context.Context, userID string, tool types.ToolType)
}

// Metrics receives authorization telemetry. Optional; nil disables
// emission.
type Metrics interface {
	RecordAuthorizeLatency(ctx context.Context, tool types.ToolType, d time.Duration)
	RecordAuthorizeDenied(ctx context.Context, tool types.ToolType, reason types.DecisionReason)
	RecordQuotaCommit(ctx context.Context, tool types.ToolType, tier types.PlanTier)
	RecordLockTimeout(ctx context.Context, tool types.ToolType)
}

// RequestMeta carries the client attribution forwarded to the security
// monitor. Zero values are fine for internal callers.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Checker is the authorization decision point. It composes the plan
// catalog, the usage ledger, the keyed lock guard, and the security
// monitor; every decision path is fail-closed.
type Checker struct {
	catalog billing.Catalog
	ledger  Ledger
	guard   lock.Guard
	monitor Observer
	metrics Metrics
	clock   types.Clock
	logger  *slog.Logger

	budget       time.Duration
	retryBackoff time.Duration
}

// Option customizes a Checker.
type Option func(*Checker)

// WithBudget overrides the per-call time budget.
func WithBudget(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithLockRetryBackoff overrides the pause before the lock retry.
func WithLockRetryBackoff(d time.Duration) Option {
	return func(c *Checker) {
		if d >= 0 {
			c.retryBackoff = d
		}
	}
}

// WithMetrics attaches a telemetry emitter.
func WithMetrics(m Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// WithClock overrides the clock. For tests.
func WithClock(clock types.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

// NewChecker creates a Checker.
func NewChecker(catalog billing.Catalog, ledger Ledger, guard lock.Guard, mon Observer, logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		catalog:      catalog,
		ledger:       ledger,
		guard:        guard,
		monitor:      mon,
		clock:        types.RealClock{},
		logger:       logger,
		budget:       DefaultBudget,
		retryBackoff: DefaultLockRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize decides whether userID on the given tier may invoke tool,
// debiting the tool's cost atomically when allowed. The check and the
// debit are one operation: there is no window in which another caller
// can spend the same remaining quota.
//
// Denials are part of the domain, not failures: a quota denial returns
// a Denied decision and a nil error. A non-nil error always accompanies
// a Denied decision (never an Allowed one) and means the system could
// not answer; enforcement fails closed.
func (c *Checker) Authorize(ctx context.Context, userID string, tier types.PlanTier, tool types.ToolType, meta RequestMeta) (types.Decision, error) {
	start := c.clock.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordAuthorizeLatency(ctx, tool, c.clock.Now().Sub(start))
		}
	}()

	cost, err := c.catalog.CostOf(tool)
	if err != nil {
		// An unregistered tool is a deployment bug, not a user mistake.
		// Deny and leave a trail rather than guessing a cost.
		c.monitor.Observe(ctx, monitor.Observation{
			UserID:    userID,
			Tool:      tool,
			Decision:  types.DeniedDecision(types.ReasonSystemUnavailable),
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
		})
		return c.denied(ctx, tool, types.ReasonSystemUnavailable), err
	}

	limit := c.catalog.LimitFor(tier, tool)
	period := c.catalog.Period(tier)

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	total, err := c.commitUnderLock(ctx, userID, tool, cost, limit, period)
	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.RecordQuotaCommit(ctx, tool, tier)
		}
		c.monitor.Observe(ctx, monitor.Observation{
			UserID:    userID,
			Tool:      tool,
			Decision:  types.AllowedDecision(total),
			Cost:      cost,
			Consumed:  total,
			Limit:     limit,
			Period:    period,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
		})
		return types.AllowedDecision(total), nil

	case types.IsCode(err, types.ErrCodeQuotaExceeded):
		c.monitor.Observe(ctx, monitor.Observation{
			UserID:    userID,
			Tool:      tool,
			Decision:  types.DeniedDecision(types.ReasonLimitExceeded),
			Cost:      cost,
			Consumed:  total,
			Limit:     limit,
			Period:    period,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
		})
		return c.denied(ctx, tool, types.ReasonLimitExceeded), nil

	case types.IsCode(err, types.ErrCodeLockTimeout):
		if c.metrics != nil {
			c.metrics.RecordLockTimeout(ctx, tool)
		}
		c.monitor.RecordLockTimeout(ctx, userID, tool)
		return c.denied(ctx, tool, types.ReasonSystemUnavailable), err

	default:
		// Persistence or unexpected failure: fail closed. Granting free
		// usage during an outage is the one unrecoverable mistake.
		c.logger.Error("authorization failed closed",
			"user_id", userID,
			"tool", string(tool),
			"error", err,
		)
		c.monitor.Observe(ctx, monitor.Observation{
			UserID:    userID,
			Tool:      tool,
			Decision:  types.DeniedDecision(types.ReasonSystemUnavailable),
			Cost:      cost,
			Limit:     limit,
			Period:    period,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
		})
		return c.denied(ctx, tool, types.ReasonSystemUnavailable), err
	}
}

// commitUnderLock runs the ledger commit inside the keyed exclusive
// section, retrying exactly once after a lock acquisition timeout.
func (c *Checker) commitUnderLock(ctx context.Context, userID string, tool types.ToolType, cost, limit int, period time.Duration) (int, error) {
	key := types.UsageKey(userID, tool)

	var total int
	commit := func(ctx context.Context) error {
		var err error
		total, err = c.ledger.TryCommit(ctx, userID, tool, cost, limit, period)
		return err
	}

	err := c.guard.WithExclusive(ctx, key, commit)
	if types.IsCode(err, types.ErrCodeLockTimeout) {
		c.logger.Warn("lock acquisition timed out, retrying once",
			"user_id", userID,
			"tool", string(tool),
		)
		select {
		case <-time.After(c.retryBackoff):
		case <-ctx.Done():
			return 0, err
		}
		err = c.guard.WithExclusive(ctx, key, commit)
	}
	return total, err
}

// denied builds a denial and emits the corresponding metric.
func (c *Checker) denied(ctx context.Context, tool types.ToolType, reason types.DecisionReason) types.Decision {
	if c.metrics != nil {
		c.metrics.RecordAuthorizeDenied(ctx, tool, reason)
	}
	return types.DeniedDecision(reason)
}

// Snapshot returns the dashboard view of one (user, tool) counter:
// consumed against limit in the current period, with the next reset
// time. Reads never mutate ledger state.
func (c *Checker) Snapshot(ctx context.Context, userID string, tier types.PlanTier, tool types.ToolType) (*types.UsageSnapshot, error) {
	if _, err := c.catalog.CostOf(tool); err != nil {
		return nil, err
	}

	limit := c.catalog.LimitFor(tier, tool)
	period := c.catalog.Period(tier)

	rec, err := c.ledger.CurrentUsage(ctx, userID, tool, period)
	if err != nil {
		return nil, err
	}

	return &types.UsageSnapshot{
		UserID:      userID,
		Tool:        tool,
		Consumed:    rec.Consumed,
		Limit:       limit,
		Unlimited:   limit == 0,
		PeriodStart: rec.PeriodStart,
		ResetsAt:    rec.PeriodStart.Add(period),
	}, nil
}
