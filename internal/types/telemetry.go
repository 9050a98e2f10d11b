package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAuthorizeLatency = "AuthorizeLatency"
	MetricAuthorizeDenied  = "AuthorizeDenied"
	MetricQuotaCommit      = "QuotaCommit"
	MetricAnomalyDetected  = "AnomalyDetected"
	MetricAlertDelivery    = "AlertDelivery"
	MetricLockTimeout      = "LockTimeout"

	// Dimension Keys
	DimTool      = "Tool"
	DimTier      = "Tier"
	DimReason    = "Reason"
	DimEventType = "EventType"
	DimResult    = "Result"

	// Metric Namespace
	MetricNamespace = "Monsaas"
)
