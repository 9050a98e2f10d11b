// Package queue provides the SQS-based producer that hands security
// alerts to the asynchronous delivery worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"monsaas/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertMessage is the queue payload consumed by the alert worker. The
// event travels whole so the worker needs no database access to build
// the outbound notification.
type AlertMessage struct {
	MessageID  string               `json:"message_id"`
	TraceID    string               `json:"trace_id"`
	Event      *types.SecurityEvent `json:"event"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
}

// AlertPublisher implements types.EventSink by enqueueing events to SQS
// instead of delivering them inline. Used when alert delivery must not
// share the request path's latency budget.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   *slog.Logger
}

// NewAlertPublisher creates an AlertPublisher targeting the given queue.
func NewAlertPublisher(client SQSSender, queueURL string, clock types.Clock, logger *slog.Logger) *AlertPublisher {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPublisher{
		client:   client,
		queueURL: queueURL,
		clock:    clock,
		logger:   logger,
	}
}

// Publish serializes the event into an AlertMessage and sends it to the
// alert queue. Severity and event type ride as message attributes so
// consumers can filter without deserializing the body.
func (p *AlertPublisher) Publish(ctx context.Context, event *types.SecurityEvent) error {
	msg := AlertMessage{
		MessageID:  uuid.NewString(),
		TraceID:    types.GetRequestID(ctx),
		Event:      event,
		EnqueuedAt: p.clock.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal AlertMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Severity)),
			},
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send AlertMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "alert message sent",
		"queue_url", p.queueURL,
		"message_id", msg.MessageID,
		"event_id", event.ID,
		"event_type", string(event.Type),
		"severity", string(event.Severity),
	)
	return nil
}

// Compile-time assertion that AlertPublisher implements types.EventSink.
var _ types.EventSink = (*AlertPublisher)(nil)
