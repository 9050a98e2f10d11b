package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monsaas/internal/types"
)

// mockCloudWatch captures PutMetricData calls for assertions.
type mockCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (m *mockCloudWatch) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimsOf(datum cwtypes.MetricDatum) map[string]string {
	out := make(map[string]string, len(datum.Dimensions))
	for _, d := range datum.Dimensions {
		out[*d.Name] = *d.Value
	}
	return out
}

func TestRecordAuthorizeLatency(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := NewCloudWatchEmitter(mock, nil)

	emitter.RecordAuthorizeLatency(context.Background(), types.ToolChatMessage, 250*time.Millisecond)

	require.Len(t, mock.calls, 1)
	call := mock.calls[0]
	assert.Equal(t, types.MetricNamespace, *call.Namespace)

	require.Len(t, call.MetricData, 1)
	datum := call.MetricData[0]
	assert.Equal(t, types.MetricAuthorizeLatency, *datum.MetricName)
	assert.Equal(t, float64(250), *datum.Value)
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, datum.Unit)
	assert.Equal(t, map[string]string{types.DimTool: "chat_message"}, dimsOf(datum))
}

func TestRecordAuthorizeDenied(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := NewCloudWatchEmitter(mock, nil)

	emitter.RecordAuthorizeDenied(context.Background(), types.ToolImageGeneration, types.ReasonLimitExceeded)

	require.Len(t, mock.calls, 1)
	datum := mock.calls[0].MetricData[0]
	assert.Equal(t, types.MetricAuthorizeDenied, *datum.MetricName)
	assert.Equal(t, map[string]string{
		types.DimTool:   "image_generation",
		types.DimReason: "limit_exceeded",
	}, dimsOf(datum))
}

func TestRecordQuotaCommit(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := NewCloudWatchEmitter(mock, nil)

	emitter.RecordQuotaCommit(context.Background(), types.ToolVideoGeneration, types.PlanPro)

	require.Len(t, mock.calls, 1)
	datum := mock.calls[0].MetricData[0]
	assert.Equal(t, types.MetricQuotaCommit, *datum.MetricName)
	assert.Equal(t, map[string]string{
		types.DimTool: "video_generation",
		types.DimTier: "pro",
	}, dimsOf(datum))
}

func TestRecordAnomaly(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := NewCloudWatchEmitter(mock, nil)

	emitter.RecordAnomaly(context.Background(), types.EventRaceConditionDetected)

	require.Len(t, mock.calls, 1)
	datum := mock.calls[0].MetricData[0]
	assert.Equal(t, types.MetricAnomalyDetected, *datum.MetricName)
	assert.Equal(t, map[string]string{types.DimEventType: "race_condition_detected"}, dimsOf(datum))
}

func TestRecordAlertDelivery(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := NewCloudWatchEmitter(mock, nil)

	emitter.RecordAlertDelivery(context.Background(), "success")

	require.Len(t, mock.calls, 1)
	datum := mock.calls[0].MetricData[0]
	assert.Equal(t, types.MetricAlertDelivery, *datum.MetricName)
	assert.Equal(t, map[string]string{types.DimResult: "success"}, dimsOf(datum))
}

func TestRecordLockTimeout(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := NewCloudWatchEmitter(mock, nil)

	emitter.RecordLockTimeout(context.Background(), types.ToolAgentInvocation)

	require.Len(t, mock.calls, 1)
	assert.Equal(t, types.MetricLockTimeout, *mock.calls[0].MetricData[0].MetricName)
}

func TestEmitFailureIsSwallowed(t *testing.T) {
	mock := &mockCloudWatch{err: errors.New("throttled")}
	emitter := NewCloudWatchEmitter(mock, nil)

	// Must not panic; telemetry never propagates errors.
	emitter.RecordQuotaCommit(context.Background(), types.ToolChatMessage, types.PlanFree)
	assert.Len(t, mock.calls, 1)
}
