package core

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"monsaas/internal/entitlement"
	"monsaas/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads (64 KB). Stripe
// events are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Event feed paging bounds.
const (
	defaultEventFeedLimit = 50
	maxEventFeedLimit     = 200
)

// AuthorizeRequest is the body of POST /v1/authorize.
type AuthorizeRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Tool   string `json:"tool" validate:"required,tool"`
}

// HandleAuthorize decides whether a tool invocation may proceed,
// debiting quota atomically with the decision. Quota denials are domain
// answers, not errors: they return 200 with allowed=false so the
// dashboard can render the reason.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.Validator.ValidateStruct(req); err != nil {
		Error(w, r, err)
		return
	}

	tier := s.resolveTier(r.Context(), req.UserID)
	meta := entitlement.RequestMeta{
		IP:        extractClientIP(r),
		UserAgent: r.UserAgent(),
	}

	decision, err := s.Authorizer.Authorize(r.Context(), req.UserID, tier, types.ToolType(req.Tool), meta)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: decision})
}

// HandleUsage returns the current-period consumption snapshot for one
// (user, tool) pair. Mounted at GET /v1/usage/{userID}/{tool}.
func (s *Server) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	tool := types.ToolType(chi.URLParam(r, "tool"))

	if !isRegisteredTool(tool) {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTool,
			"unknown tool", nil, map[string]any{"tool": string(tool)}))
		return
	}

	tier := s.resolveTier(r.Context(), userID)
	snapshot, err := s.Authorizer.Snapshot(r.Context(), userID, tier, tool)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: snapshot})
}

// HandleRecentEvents serves the dashboard's security event feed,
// newest first. Mounted at GET /v1/events/recent.
func (s *Server) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a positive integer", err))
			return
		}
		limit = min(parsed, maxEventFeedLimit)
	}

	events, err := s.Events.ListRecent(r.Context(), limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	if events == nil {
		events = []types.SecurityEvent{}
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: events})
}

// HandleStripeWebhook receives payment provider events. The route is
// unauthenticated; the relay verifies the Stripe-Signature header.
//
// Verification and parse failures are rejected so a misconfigured
// secret is visible. Downstream processing failures are logged but
// acknowledged with 200: Stripe retrying an event we cannot apply only
// amplifies the failure.
func (s *Server) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"failed to read request body", err))
		return
	}

	err = s.Webhooks.Process(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if types.IsCode(err, types.ErrCodeAuthSignatureMissing) ||
			types.IsCode(err, types.ErrCodeAuthSignatureInvalid) ||
			types.IsCode(err, types.ErrCodeValidationInvalidJSON) {
			Error(w, r, err)
			return
		}
		s.Logger.ErrorContext(r.Context(), "webhook event processing failed",
			"error", err,
		)
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]bool{"received": true}})
}

// resolveTier maps a user to their effective plan tier. Users without a
// billing record are on the free tier. A resolution failure also falls
// back to free: enforcement continues with the most restrictive limits
// instead of taking an outage.
func (s *Server) resolveTier(ctx context.Context, userID string) types.PlanTier {
	if s.Plans == nil {
		return types.PlanFree
	}

	sub, err := s.Plans.GetPlan(ctx, userID)
	if err != nil {
		if !types.IsCode(err, types.ErrCodeNotFoundSubscriber) {
			s.Logger.ErrorContext(ctx, "plan resolution failed, defaulting to free tier",
				"user_id", userID,
				"error", err,
			)
		}
		return types.PlanFree
	}
	return effectivePlan(sub)
}

// effectivePlan returns the plan a subscriber's quota is computed from.
// Active, trialing, and past_due (dunning grace) keep the paid plan;
// canceled and unpaid revert to free.
func effectivePlan(sub *types.Subscriber) types.PlanTier {
	switch sub.Status {
	case types.SubStatusActive, types.SubStatusTrialing, types.SubStatusPastDue:
		return sub.Plan
	default:
		return types.PlanFree
	}
}

func isRegisteredTool(tool types.ToolType) bool {
	for _, t := range types.AllTools {
		if t == tool {
			return true
		}
	}
	return false
}
