package types

// PlanTier identifies the subscription plan for a user.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPlus       PlanTier = "plus"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// ToolType identifies an embedded AI tool that consumes plan quota.
type ToolType string

const (
	ToolImageGeneration ToolType = "image_generation"
	ToolVideoGeneration ToolType = "video_generation"
	ToolChatMessage     ToolType = "chat_message"
	ToolCodeGeneration  ToolType = "code_generation"
	ToolAgentInvocation ToolType = "agent_invocation"
)

// AllTools lists every registered tool. Used by request validators to
// reject unknown tool values before they reach the catalog.
var AllTools = []ToolType{
	ToolImageGeneration,
	ToolVideoGeneration,
	ToolChatMessage,
	ToolCodeGeneration,
	ToolAgentInvocation,
}

// SecurityEventType classifies a recorded security event.
type SecurityEventType string

const (
	EventAccessDenied          SecurityEventType = "access_denied"
	EventLimitExceeded         SecurityEventType = "limit_exceeded"
	EventRaceConditionDetected SecurityEventType = "race_condition_detected"
	EventSecurityViolation     SecurityEventType = "security_violation"
	EventSuspiciousActivity    SecurityEventType = "suspicious_activity"
	EventValidationError       SecurityEventType = "validation_error"
	EventDatabaseError         SecurityEventType = "database_error"
	EventAuthenticationFailure SecurityEventType = "authentication_failure"
)

// Severity ranks how urgently a security event needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DecisionReason is the stable reason code attached to a Decision so the
// dashboard can render different messaging for quota exhaustion versus a
// backend outage.
type DecisionReason string

const (
	ReasonAllowed           DecisionReason = "allowed"
	ReasonLimitExceeded     DecisionReason = "limit_exceeded"
	ReasonSystemUnavailable DecisionReason = "system_unavailable"
)

// SubscriptionStatus mirrors the payment provider's subscription lifecycle.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)
