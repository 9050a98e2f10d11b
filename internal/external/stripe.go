// Package external integrates with the payment provider. The webhook
// relay keeps the local subscribers projection in sync with Stripe
// subscription lifecycle events so plan resolution never needs a
// synchronous call to the billing API.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"monsaas/internal/types"
)

// Stripe webhook event types handled by the relay.
const (
	EventStripeSubCreated = "customer.subscription.created"
	EventStripeSubUpdated = "customer.subscription.updated"
	EventStripeSubDeleted = "customer.subscription.deleted"
)

// WebhookVerifier verifies the authenticity of an incoming webhook
// payload against its signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This checks both the HMAC-SHA256 signature
// and the timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the Stripe-Signature
// header and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

var _ WebhookVerifier = (*StripeVerifier)(nil)

// SubscriberStore is the persistence surface the relay needs. Upserts
// return false when the event was older than the stored billing state
// and was discarded.
type SubscriberStore interface {
	UpsertPlan(ctx context.Context, sub *types.Subscriber) (bool, error)
}

// PriceToPlan maps Stripe Price IDs to domain plan tiers. Populated at
// initialization; in production these IDs come from configuration.
var PriceToPlan = map[string]types.PlanTier{
	"price_starter":    types.PlanStarter,
	"price_plus":       types.PlanPlus,
	"price_pro":        types.PlanPro,
	"price_enterprise": types.PlanEnterprise,
}

// PlanToPrice maps domain plan tiers to Stripe Price IDs.
var PlanToPrice = map[types.PlanTier]string{
	types.PlanStarter:    "price_starter",
	types.PlanPlus:       "price_plus",
	types.PlanPro:        "price_pro",
	types.PlanEnterprise: "price_enterprise",
}

// mapPriceIDToPlan returns the domain PlanTier for a Stripe Price ID.
// Unknown price IDs fall back to the free tier.
func mapPriceIDToPlan(priceID string) types.PlanTier {
	if plan, ok := PriceToPlan[priceID]; ok {
		return plan
	}
	return types.PlanFree
}

// mapSubscriptionStatus converts a Stripe subscription status string to
// the domain enum. Statuses outside the projection (incomplete,
// incomplete_expired, paused) collapse to canceled: a subscription that
// is not in a recognized billable state must not grant paid quota.
func mapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	case "trialing":
		return types.SubStatusTrialing
	case "unpaid":
		return types.SubStatusUnpaid
	default:
		return types.SubStatusCanceled
	}
}

// StripeRelay processes Stripe subscription lifecycle webhooks into
// subscriber plan updates. It is deliberately narrow: checkout and
// invoice events are handled by the billing system upstream; the
// entitlement service only needs to know which plan a user is on.
type StripeRelay struct {
	verifier WebhookVerifier
	store    SubscriberStore
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeRelay creates a StripeRelay with the production verifier.
func NewStripeRelay(store SubscriberStore, secret types.SecretString, logger *slog.Logger) *StripeRelay {
	return NewStripeRelayWithVerifier(&StripeVerifier{}, store, secret, logger)
}

// NewStripeRelayWithVerifier injects a verifier. For tests.
func NewStripeRelayWithVerifier(verifier WebhookVerifier, store SubscriberStore, secret types.SecretString, logger *slog.Logger) *StripeRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeRelay{
		verifier: verifier,
		store:    store,
		secret:   secret,
		logger:   logger,
	}
}

// Process verifies and applies one webhook delivery.
//
// Signature failures and malformed payloads return errors so the
// transport layer can reject the request. Events the relay does not
// handle are acknowledged without action: returning an error would only
// make Stripe retry something we will never process.
func (r *StripeRelay) Process(ctx context.Context, payload []byte, sigHeader string) error {
	if sigHeader == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header", nil)
	}
	if err := r.verifier.Verify(payload, sigHeader, r.secret.Unmask()); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed", err)
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON", err)
	}

	r.logger.InfoContext(ctx, "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	switch event.Type {
	case EventStripeSubCreated, EventStripeSubUpdated:
		return r.applySubscriptionState(ctx, &event)
	case EventStripeSubDeleted:
		return r.applySubscriptionDeleted(ctx, &event)
	default:
		r.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// applySubscriptionState handles created/updated events. Plan comes
// from the first subscription item's price ID, status from the
// subscription object.
func (r *StripeRelay) applySubscriptionState(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := event.subscription()
	if err != nil {
		return fmt.Errorf("%s: decoding event %s: %w", event.Type, event.ID, err)
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return fmt.Errorf("%s: missing user_id in event %s", event.Type, event.ID)
	}

	subscriber := &types.Subscriber{
		UserID:             userID,
		Plan:               sub.plan(),
		Status:             mapSubscriptionStatus(sub.Status),
		LastBillingEventAt: event.timestamp(),
	}
	return r.upsert(ctx, event, subscriber)
}

// applySubscriptionDeleted reverts the user to the free tier.
func (r *StripeRelay) applySubscriptionDeleted(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := event.subscription()
	if err != nil {
		return fmt.Errorf("%s: decoding event %s: %w", event.Type, event.ID, err)
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return fmt.Errorf("%s: missing user_id in event %s", event.Type, event.ID)
	}

	subscriber := &types.Subscriber{
		UserID:             userID,
		Plan:               types.PlanFree,
		Status:             types.SubStatusCanceled,
		LastBillingEventAt: event.timestamp(),
	}
	return r.upsert(ctx, event, subscriber)
}

func (r *StripeRelay) upsert(ctx context.Context, event *stripeWebhookEvent, sub *types.Subscriber) error {
	changed, err := r.store.UpsertPlan(ctx, sub)
	if err != nil {
		return fmt.Errorf("upserting subscriber %s: %w", sub.UserID, err)
	}
	if !changed {
		// Stripe does not guarantee delivery order. The store's timestamp
		// guard already rejected this event as older than current state.
		r.logger.InfoContext(ctx, "discarding stale billing event",
			"event_id", event.ID,
			"user_id", sub.UserID,
		)
		return nil
	}

	r.logger.InfoContext(ctx, "subscriber plan updated",
		"event_id", event.ID,
		"user_id", sub.UserID,
		"plan", sub.Plan,
		"status", sub.Status,
	)
	return nil
}

// stripeWebhookEvent is a minimal representation of a Stripe webhook
// event tailored to the fields the relay needs. Avoiding the full
// stripe.Event type keeps the relay decoupled from the SDK's object
// graph and makes testing straightforward.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeSubscriptionObj carries the minimal fields from a subscription
// event's data object.
type stripeSubscriptionObj struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

// timestamp returns the event's created time.
func (e *stripeWebhookEvent) timestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// subscription decodes the event's data object as a subscription.
func (e *stripeWebhookEvent) subscription() (*stripeSubscriptionObj, error) {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, err
	}
	var sub stripeSubscriptionObj
	if err := json.Unmarshal(data.Object, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// plan resolves the tier from the first item's price ID.
func (s *stripeSubscriptionObj) plan() types.PlanTier {
	if len(s.Items.Data) > 0 {
		return mapPriceIDToPlan(s.Items.Data[0].Price.ID)
	}
	return types.PlanFree
}
