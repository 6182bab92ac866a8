package egress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vyapaar/backend/internal/domain"
)

// ApprovalNotifier is the primary (Slack) channel.
type ApprovalNotifier interface {
	SendApprovalRequest(ctx context.Context, result domain.GovernanceResult, vendorName, vendorURL string) error
	SendRejectionAlert(ctx context.Context, result domain.GovernanceResult) error
}

// FallbackNotifier is the secondary (ntfy) channel.
type FallbackNotifier interface {
	Publish(ctx context.Context, title, message string, priority int, tags []string) error
}

// Rejections worth waking a human for. Everything else stays in the audit
// log.
var alertReasons = map[domain.ReasonCode]bool{
	domain.ReasonRiskHigh:      true,
	domain.ReasonDomainBlocked: true,
	domain.ReasonLimitExceeded: true,
	domain.ReasonNoPolicy:      true,
}

// Router fans decisions out to humans: held payouts get an interactive Slack
// approval, notable rejections get an alert, approvals stay silent. ntfy
// catches whatever Slack cannot deliver.
type Router struct {
	slack ApprovalNotifier
	ntfy  FallbackNotifier
	log   *slog.Logger
}

// NewRouter accepts nil for either channel; a nil Slack routes straight to
// ntfy, and a nil ntfy drops the fallback.
func NewRouter(slack ApprovalNotifier, ntfy FallbackNotifier) *Router {
	return &Router{
		slack: slack,
		ntfy:  ntfy,
		log:   slog.With("component", "notify"),
	}
}

// Notify routes one decision. Notification failures are logged, never
// returned: a payout decision must not fail because a messenger did.
func (r *Router) Notify(ctx context.Context, result domain.GovernanceResult, vendorName, vendorURL string) {
	switch result.Decision {
	case domain.DecisionApproved:
		return

	case domain.DecisionHeld:
		if r.slack != nil {
			if err := r.slack.SendApprovalRequest(ctx, result, vendorName, vendorURL); err == nil {
				return
			} else {
				r.log.Warn("slack approval request failed, falling back", "payout_id", result.PayoutID, "error", err)
			}
		}
		r.fallback(ctx, "Payout approval required",
			fmt.Sprintf("Payout %s for %s (%s) is held: %s",
				result.PayoutID, result.AgentID, formatRupees(result.AmountPaise), result.ReasonDetail),
			NtfyPriorityHigh, []string{"hourglass_flowing_sand"})

	case domain.DecisionRejected:
		if !alertReasons[result.ReasonCode] {
			return
		}
		if r.slack != nil {
			if err := r.slack.SendRejectionAlert(ctx, result); err == nil {
				return
			} else {
				r.log.Warn("slack rejection alert failed, falling back", "payout_id", result.PayoutID, "error", err)
			}
		}
		priority := NtfyPriorityHigh
		if result.ReasonCode == domain.ReasonRiskHigh {
			priority = NtfyPriorityUrgent
		}
		r.fallback(ctx, "Payout rejected",
			fmt.Sprintf("Payout %s for %s (%s) rejected with %s: %s",
				result.PayoutID, result.AgentID, formatRupees(result.AmountPaise),
				result.ReasonCode, result.ReasonDetail),
			priority, []string{"no_entry"})
	}
}

func (r *Router) fallback(ctx context.Context, title, message string, priority int, tags []string) {
	if r.ntfy == nil {
		r.log.Warn("no fallback notifier configured, dropping notification", "title", title)
		return
	}
	if err := r.ntfy.Publish(ctx, title, message, priority, tags); err != nil {
		r.log.Error("ntfy fallback failed", "title", title, "error", err)
	}
}
