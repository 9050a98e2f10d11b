// Package main is the entrypoint for the Alert Worker Lambda function.
//
// The Alert Worker consumes AlertMessages from the security alert SQS
// queue and delivers them to the operator webhook. Queueing decouples
// alert delivery from the authorization request path: the API enqueues
// critical events and returns; this worker absorbs the webhook's
// latency and outages.
//
// Each invocation receives a batch of SQS messages. Processing failures
// are reported as partial batch failures so SQS retries only the
// affected messages; messages that cannot be parsed are acknowledged,
// since redelivery cannot fix them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"monsaas/internal/alerts"
	"monsaas/internal/config"
	"monsaas/internal/queue"
	"monsaas/internal/telemetry"
	"monsaas/internal/types"
)

// deliveryMetrics is the telemetry surface the worker emits to.
// Optional; nil disables emission.
type deliveryMetrics interface {
	RecordAlertDelivery(ctx context.Context, result string)
}

// Handler holds the dependencies for the alert worker Lambda handler.
type Handler struct {
	sink    types.EventSink
	metrics deliveryMetrics
	logger  *slog.Logger
}

// Handle processes an SQS event containing one or more alert messages.
// Lambda SQS integration uses partial batch responses: messages that
// fail delivery are returned in batchItemFailures so SQS retries them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage delivers a single queued alert.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg queue.AlertMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal alert message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, do not retry (return nil to ACK).
		return nil
	}
	if msg.Event == nil {
		h.logger.Error("alert message carries no event, discarding",
			"message_id", msg.MessageID,
		)
		return nil
	}

	logger := h.logger.With(
		"message_id", msg.MessageID,
		"trace_id", msg.TraceID,
		"event_id", msg.Event.ID,
		"event_type", string(msg.Event.Type),
		"severity", string(msg.Event.Severity),
	)

	if err := h.sink.Publish(ctx, msg.Event); err != nil {
		if h.metrics != nil {
			h.metrics.RecordAlertDelivery(ctx, "failure")
		}
		return fmt.Errorf("delivering alert: %w", err)
	}

	if h.metrics != nil {
		h.metrics.RecordAlertDelivery(ctx, "success")
	}
	logger.Info("alert delivered")
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("alert worker initializing (cold start)")

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region)
	}

	cfg, err := config.LoadConfig(provider)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Alert.WebhookURL == "" {
		logger.Error("ALERT_WEBHOOK_URL is required for the alert worker")
		os.Exit(1)
	}
	if err := alerts.ValidateWebhookURL(cfg.Alert.WebhookURL); err != nil {
		logger.Error("alert webhook URL rejected", "error", err)
		os.Exit(1)
	}

	webhookCfg := alerts.DefaultWebhookConfig(cfg.Alert.WebhookURL)
	webhookCfg.UserAgent = cfg.Alert.UserAgent
	sink := alerts.NewWebhookSink(alerts.NewSafeHTTPClient(cfg.Alert.Timeout), webhookCfg, logger)

	var metrics deliveryMetrics
	if cfg.Environment != "local" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		metrics = telemetry.NewCloudWatchEmitter(cloudwatch.NewFromConfig(awsCfg), logger)
	}

	handler := &Handler{
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}

	logger.Info("alert worker initialized",
		"webhook_url", cfg.Alert.WebhookURL,
		"environment", cfg.Environment,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting
	// the Lambda runtime. Enables local integration testing without the
	// AWS Lambda RIE.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/alert-worker
	if os.Getenv("APP_ENV") == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
			os.Exit(1)
		}
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			logger.Error("failed to parse stdin as SQS event", "error", err)
			os.Exit(1)
		}
		response, err := handler.Handle(context.Background(), sqsEvent)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		logger.Info("handler execution completed",
			"records_processed", len(sqsEvent.Records),
			"failures", len(response.BatchItemFailures),
		)
		return
	}

	lambda.Start(handler.Handle)
}
