package types

import "time"

// PlanDefinition describes the quota table for one plan tier.
// Definitions are loaded once at process start and are read-only for the
// process lifetime. A quota of 0 means unlimited; enforcement code must
// treat 0 as no limit.
type PlanDefinition struct {
	Tier   PlanTier         `json:"tier"`
	Quotas map[ToolType]int `json:"quotas"`
	Period time.Duration    `json:"period"`
}

// UsageRecord is the live consumption counter for one (user, tool) pair
// within the current period. It is owned exclusively by the usage ledger
// and mutated only through its commit operation.
//
// Version supports optimistic concurrency in the backing store: a writer
// must present the version it read, and the store rejects the write if
// another writer got there first.
type UsageRecord struct {
	UserID      string    `json:"user_id" db:"user_id"`
	Tool        ToolType  `json:"tool" db:"tool"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	Consumed    int       `json:"consumed" db:"consumed"`
	Version     int64     `json:"-" db:"version"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the ledger key for this record's (user, tool) pair.
func (r *UsageRecord) Key() string {
	return r.UserID + "/" + string(r.Tool)
}

// UsageKey builds the ledger key for a (user, tool) pair without a record.
func UsageKey(userID string, tool ToolType) string {
	return userID + "/" + string(tool)
}

// EventDetails is the closed, versioned payload schema attached to a
// SecurityEvent. Keeping the schema closed (instead of a free-form map)
// keeps the event log machine-parseable across schema revisions.
type EventDetails struct {
	SchemaVersion int            `json:"schema_version"`
	Tool          ToolType       `json:"tool,omitempty"`
	Decision      DecisionReason `json:"decision,omitempty"`
	Cost          int            `json:"cost,omitempty"`
	Consumed      int            `json:"consumed,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	AttemptCount  int            `json:"attempt_count,omitempty"`
	WindowSeconds float64        `json:"window_seconds,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// EventDetailsSchemaVersion is the current EventDetails schema revision.
const EventDetailsSchemaVersion = 1

// SecurityEvent is an append-only record of a suspicious or noteworthy
// action. Events are never mutated after creation; retention is enforced
// by the scheduled purge job, not by update-in-place.
type SecurityEvent struct {
	ID        string            `json:"id" db:"id"`
	Type      SecurityEventType `json:"type" db:"event_type"`
	Severity  Severity          `json:"severity" db:"severity"`
	UserID    string            `json:"user_id" db:"user_id"`
	Details   EventDetails      `json:"details" db:"details"`
	Timestamp time.Time         `json:"timestamp" db:"created_at"`
	IP        string            `json:"ip,omitempty" db:"ip_address"`
	UserAgent string            `json:"user_agent,omitempty" db:"user_agent"`
}

// Decision is the outcome of an authorization check.
// NewTotal is only meaningful when Allowed is true.
type Decision struct {
	Allowed  bool           `json:"allowed"`
	NewTotal int            `json:"new_total,omitempty"`
	Reason   DecisionReason `json:"reason"`
}

// Allowed constructs an allowing decision carrying the post-commit total.
func AllowedDecision(newTotal int) Decision {
	return Decision{Allowed: true, NewTotal: newTotal, Reason: ReasonAllowed}
}

// Denied constructs a denying decision with a stable reason code.
func DeniedDecision(reason DecisionReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Subscriber is the local projection of a user's billing state, kept in
// sync by the payment provider webhook relay.
type Subscriber struct {
	UserID             string             `json:"user_id" db:"user_id"`
	Plan               PlanTier           `json:"plan" db:"plan"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	LastBillingEventAt time.Time          `json:"last_billing_event_at" db:"last_billing_event_at"`
}

// UsageSnapshot is the dashboard-facing view of one (user, tool) counter.
type UsageSnapshot struct {
	UserID      string    `json:"user_id"`
	Tool        ToolType  `json:"tool"`
	Consumed    int       `json:"consumed"`
	Limit       int       `json:"limit"`
	Unlimited   bool      `json:"unlimited"`
	PeriodStart time.Time `json:"period_start"`
	ResetsAt    time.Time `json:"resets_at"`
}
