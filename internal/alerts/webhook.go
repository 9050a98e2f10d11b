// Package alerts delivers critical security events to external
// channels. The webhook sink is the synchronous path for operator
// alerting; the queue publisher is the asynchronous one.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"monsaas/internal/types"
)

// WebhookConfig configures the alert webhook sink.
type WebhookConfig struct {
	URL        string
	UserAgent  string
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultWebhookConfig returns delivery defaults for the given URL.
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:        url,
		UserAgent:  "monsaas-alerts/1.0",
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// alertPayload is the wire format posted to the operator webhook.
type alertPayload struct {
	Source string               `json:"source"`
	Event  *types.SecurityEvent `json:"event"`
	SentAt time.Time            `json:"sent_at"`
}

// WebhookSink posts security events to an operator webhook behind a
// circuit breaker. Repeated delivery failures open the breaker so a
// dead endpoint cannot slow down event recording.
type WebhookSink struct {
	config  WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	clock   types.Clock
	logger  *slog.Logger
	sleepFn func(time.Duration)
}

// WebhookOption is a functional option for configuring a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithSleepFunc overrides the sleep between retries. For tests.
func WithSleepFunc(fn func(time.Duration)) WebhookOption {
	return func(s *WebhookSink) { s.sleepFn = fn }
}

// WithClock overrides the clock. For tests.
func WithClock(clock types.Clock) WebhookOption {
	return func(s *WebhookSink) { s.clock = clock }
}

// NewWebhookSink creates a WebhookSink delivering to config.URL.
func NewWebhookSink(httpClient *http.Client, config WebhookConfig, logger *slog.Logger, opts ...WebhookOption) *WebhookSink {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	s := &WebhookSink{
		config:  config,
		client:  httpClient,
		breaker: cb,
		clock:   types.RealClock{},
		logger:  logger,
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish posts the event to the webhook, retrying on 429 and 5xx with
// exponential backoff. A 4xx response other than 429 is permanent and
// not retried.
func (s *WebhookSink) Publish(ctx context.Context, event *types.SecurityEvent) error {
	body, err := json.Marshal(alertPayload{
		Source: "monsaas",
		Event:  event,
		SentAt: s.clock.Now(),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode alert payload", err)
	}

	var lastStatus int
	var lastErr error

	maxAttempts := 1 + s.config.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build alert request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", s.config.UserAgent)
		if requestID := types.GetRequestID(ctx); requestID != "" {
			req.Header.Set("X-Request-Id", requestID)
		}

		resp, err := s.breaker.Execute(func() (*http.Response, error) {
			r, doErr := s.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("alert webhook returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			// Permanent client error: the payload will never be accepted.
			return types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamAlertSink,
				"alert webhook rejected the event",
				nil,
				map[string]any{"status": resp.StatusCode},
			)
		}

		lastErr = err
		var retryAfter string
		if resp != nil {
			lastStatus = resp.StatusCode
			retryAfter = resp.Header.Get("Retry-After")
			resp.Body.Close()
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewAppError(
				types.ErrCodeUpstreamAlertSink,
				"alert webhook circuit breaker is open",
				err,
			)
		}

		if attempt < maxAttempts-1 {
			s.sleepFn(s.backoff(attempt, retryAfter))
		}
	}

	if lastStatus == http.StatusTooManyRequests {
		return types.NewAppError(types.ErrCodeUpstreamRateLimit, "alert webhook rate limited", lastErr)
	}
	return types.NewAppError(types.ErrCodeUpstreamAlertSink, "alert webhook unavailable after retries", lastErr)
}

// backoff computes the wait before the next attempt: Retry-After when
// the endpoint supplies one, otherwise exponential backoff with full
// jitter clamped to [MinWait, MaxWait].
func (s *WebhookSink) backoff(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			wait := time.Duration(seconds) * time.Second
			if wait > s.config.MaxWait {
				wait = s.config.MaxWait
			}
			return wait
		}
	}

	base := float64(s.config.MinWait) * math.Pow(2, float64(attempt))
	if base > float64(s.config.MaxWait) {
		base = float64(s.config.MaxWait)
	}
	minWait := float64(s.config.MinWait)
	if base <= minWait {
		return s.config.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// Compile-time assertion that WebhookSink implements types.EventSink.
var _ types.EventSink = (*WebhookSink)(nil)
