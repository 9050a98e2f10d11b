package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"monsaas/internal/types"
)

// SubscriberRepository maintains the local projection of billing state
// in the subscribers table. It is written only by the payment provider
// webhook relay and read by the authorization path to resolve a user's
// plan tier.
type SubscriberRepository struct {
	db DBTX
}

// NewSubscriberRepository creates a SubscriberRepository backed by the
// given database connection (pool or transaction).
func NewSubscriberRepository(db DBTX) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// GetPlan returns the subscriber projection for a user. Unknown users
// get a not_found_subscriber error; callers decide whether that means
// the Free tier or a rejection.
func (r *SubscriberRepository) GetPlan(ctx context.Context, userID string) (*types.Subscriber, error) {
	var (
		sub    types.Subscriber
		plan   string
		status string
	)
	err := r.db.QueryRow(ctx,
		`SELECT user_id, plan, status, last_billing_event_at
		 FROM subscribers
		 WHERE user_id = $1`,
		userID,
	).Scan(&sub.UserID, &plan, &status, &sub.LastBillingEventAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscriber, "no subscription on record for user", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscriber", err)
	}
	sub.Plan = types.PlanTier(plan)
	sub.Status = types.SubscriptionStatus(status)
	return &sub, nil
}

// UpsertPlan applies a billing event to the projection. The
// last_billing_event_at guard discards out-of-order webhook deliveries:
// an older event can never overwrite the state left by a newer one.
// Returns true when the projection changed.
func (r *SubscriberRepository) UpsertPlan(ctx context.Context, sub *types.Subscriber) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscribers (user_id, plan, status, last_billing_event_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		   SET plan = EXCLUDED.plan,
		       status = EXCLUDED.status,
		       last_billing_event_at = EXCLUDED.last_billing_event_at
		   WHERE subscribers.last_billing_event_at < EXCLUDED.last_billing_event_at`,
		sub.UserID,
		string(sub.Plan),
		string(sub.Status),
		sub.LastBillingEventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscriber", err)
	}
	return tag.RowsAffected() > 0, nil
}
