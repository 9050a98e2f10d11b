// Package telemetry emits operational metrics for the entitlement core
// to AWS CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"monsaas/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes authorization and alerting metrics to the
// service namespace. Emission failures are logged and dropped; metrics
// are never allowed to fail a request.
//
// Metrics emitted:
//   - AuthorizeLatency: Dims {Tool} -- wall time of each Authorize call
//   - AuthorizeDenied:  Dims {Tool, Reason} -- every denial by reason
//   - QuotaCommit:      Dims {Tool, Tier} -- every successful debit
//   - AnomalyDetected:  Dims {EventType} -- detector hits
//   - AlertDelivery:    Dims {Result} -- webhook delivery outcomes
//   - LockTimeout:      Dims {Tool} -- exclusive section timeouts
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchEmitter creates an emitter publishing to the standard
// service namespace.
func NewCloudWatchEmitter(client CloudWatchClient, logger *slog.Logger) *CloudWatchEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEmitter{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordAuthorizeLatency emits the wall time of one Authorize call.
func (e *CloudWatchEmitter) RecordAuthorizeLatency(ctx context.Context, tool types.ToolType, d time.Duration) {
	e.put(ctx, types.MetricAuthorizeLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimTool, string(tool)),
	)
}

// RecordAuthorizeDenied emits one denial with its reason.
func (e *CloudWatchEmitter) RecordAuthorizeDenied(ctx context.Context, tool types.ToolType, reason types.DecisionReason) {
	e.put(ctx, types.MetricAuthorizeDenied, 1, cwtypes.StandardUnitCount,
		dim(types.DimTool, string(tool)),
		dim(types.DimReason, string(reason)),
	)
}

// RecordQuotaCommit emits one successful quota debit.
func (e *CloudWatchEmitter) RecordQuotaCommit(ctx context.Context, tool types.ToolType, tier types.PlanTier) {
	e.put(ctx, types.MetricQuotaCommit, 1, cwtypes.StandardUnitCount,
		dim(types.DimTool, string(tool)),
		dim(types.DimTier, string(tier)),
	)
}

// RecordAnomaly emits one detector hit by event type.
func (e *CloudWatchEmitter) RecordAnomaly(ctx context.Context, eventType types.SecurityEventType) {
	e.put(ctx, types.MetricAnomalyDetected, 1, cwtypes.StandardUnitCount,
		dim(types.DimEventType, string(eventType)),
	)
}

// RecordAlertDelivery emits one alert delivery outcome.
func (e *CloudWatchEmitter) RecordAlertDelivery(ctx context.Context, result string) {
	e.put(ctx, types.MetricAlertDelivery, 1, cwtypes.StandardUnitCount,
		dim(types.DimResult, result),
	)
}

// RecordLockTimeout emits one exclusive section timeout.
func (e *CloudWatchEmitter) RecordLockTimeout(ctx context.Context, tool types.ToolType) {
	e.put(ctx, types.MetricLockTimeout, 1, cwtypes.StandardUnitCount,
		dim(types.DimTool, string(tool)),
	)
}

func (e *CloudWatchEmitter) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}

	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.Error("failed to emit metric",
			"metric", name,
			"error", err,
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{
		Name:  aws.String(name),
		Value: aws.String(value),
	}
}
