// Package pipeline orchestrates the full life of a payout: ingress
// validation, governance evaluation, audit, execution, notification, and
// human follow-up on held payouts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vyapaar/backend/internal/audit"
	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/egress"
	"github.com/vyapaar/backend/internal/ingress"
	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/reputation"
)

// WebhookEventQueued is the only event the pipeline acts on.
const WebhookEventQueued = "payout.queued"

// DecisionEngine evaluates one payout.
type DecisionEngine interface {
	Evaluate(ctx context.Context, payout domain.PayoutEntity) domain.GovernanceResult
}

// PayoutExecutor performs payout actions against Razorpay.
type PayoutExecutor interface {
	ApprovePayout(ctx context.Context, payoutID string) error
	CancelPayout(ctx context.Context, payoutID, reason string) error
}

// ClaimStore dedupes events.
type ClaimStore interface {
	ClaimIdempotent(ctx context.Context, key string) (bool, error)
}

// BudgetRollback returns committed budget when execution fails or a human
// rejects a held payout.
type BudgetRollback interface {
	RollbackSpend(ctx context.Context, agentID string, day time.Time, amountPaise int64) error
}

// AuditStore is the queryable slice of the audit trail.
type AuditStore interface {
	GetAuditByPayoutID(ctx context.Context, payoutID string) (*domain.AuditLogEntry, error)
	UpdateAuditDecision(ctx context.Context, payoutID string, decision domain.Decision, reasonCode domain.ReasonCode, detail string) error
}

// RiskScorer records history and scores amounts.
type RiskScorer interface {
	Record(ctx context.Context, agentID string, amountPaise int64) error
	Score(ctx context.Context, agentID string, amountPaise int64) (reputation.RiskScore, error)
}

// Notifier fans decisions out to humans.
type Notifier interface {
	Notify(ctx context.Context, result domain.GovernanceResult, vendorName, vendorURL string)
}

// MessageUpdater rewrites the Slack approval card after a human acts.
type MessageUpdater interface {
	UpdateApprovalMessage(ctx context.Context, channelID, timestamp, payoutID, action, actor string) error
}

// Pipeline wires the stages together.
type Pipeline struct {
	engine   DecisionEngine
	claims   ClaimStore
	auditLog *audit.Writer
	auditDB  AuditStore
	budgets  BudgetRollback
	executor PayoutExecutor
	notify   Notifier
	scorer   RiskScorer
	updater  MessageUpdater // may be nil when Slack is unconfigured
	metrics  *observability.Metrics

	webhookSecret string

	log *slog.Logger
	now func() time.Time
}

// Config collects the pipeline's collaborators.
type Config struct {
	Engine        DecisionEngine
	Claims        ClaimStore
	AuditLog      *audit.Writer
	AuditDB       AuditStore
	Budgets       BudgetRollback
	Executor      PayoutExecutor
	Notify        Notifier
	Scorer        RiskScorer
	Updater       MessageUpdater
	Metrics       *observability.Metrics
	WebhookSecret string
}

// New builds the pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		engine:        cfg.Engine,
		claims:        cfg.Claims,
		auditLog:      cfg.AuditLog,
		auditDB:       cfg.AuditDB,
		budgets:       cfg.Budgets,
		executor:      cfg.Executor,
		notify:        cfg.Notify,
		scorer:        cfg.Scorer,
		updater:       cfg.Updater,
		metrics:       cfg.Metrics,
		webhookSecret: cfg.WebhookSecret,
		log:           slog.With("component", "pipeline"),
		now:           time.Now,
	}
}

// ============================================================================
// WEBHOOK INGRESS
// ============================================================================

// WebhookOutcome is the handle_razorpay_webhook response.
type WebhookOutcome struct {
	Status string                   `json:"status"` // processed | skipped | rejected
	Reason string                   `json:"reason,omitempty"`
	Result *domain.GovernanceResult `json:"result,omitempty"`
}

// HandleWebhook runs the full ingress flow for one delivery: size bounds,
// signature, event filter, idempotency, then the decision pipeline.
func (p *Pipeline) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookOutcome, error) {
	if err := ingress.CheckWebhookBounds(body); err != nil {
		p.metrics.RecordWebhook("malformed")
		return &WebhookOutcome{Status: "rejected", Reason: "MALFORMED"}, err
	}

	if !ingress.VerifyWebhookSignature(body, signature, p.webhookSecret) {
		p.metrics.RecordWebhook("invalid_signature")
		p.log.Warn("webhook signature verification failed")
		return &WebhookOutcome{Status: "rejected", Reason: string(domain.ReasonInvalidSignature)}, nil
	}

	event, err := ingress.ParseWebhookEvent(body)
	if err != nil {
		p.metrics.RecordWebhook("malformed")
		return &WebhookOutcome{Status: "rejected", Reason: "MALFORMED"}, err
	}

	if event.Event != WebhookEventQueued {
		p.metrics.RecordWebhook("skipped")
		return &WebhookOutcome{Status: "skipped", Reason: "UNSUPPORTED_EVENT"}, nil
	}

	fresh, err := p.claims.ClaimIdempotent(ctx, ingress.WebhookEventKey(event))
	if err != nil {
		return nil, fmt.Errorf("webhook idempotency: %w", err)
	}
	if !fresh {
		p.metrics.RecordWebhook("duplicate")
		return &WebhookOutcome{Status: "skipped", Reason: string(domain.ReasonIdempotentSkip)}, nil
	}

	result, err := p.ProcessPayout(ctx, event.Payload.Payout.Entity, "webhook")
	if err != nil {
		return nil, err
	}
	p.metrics.RecordWebhook("processed")
	return &WebhookOutcome{Status: "processed", Result: result}, nil
}

// ============================================================================
// DECISION EXECUTION
// ============================================================================

// ProcessPayout evaluates one payout and acts on the decision. The returned
// result reflects any execution failure (an approved payout whose egress
// fails is re-audited as rejected and its budget returned).
func (p *Pipeline) ProcessPayout(ctx context.Context, payout domain.PayoutEntity, source string) (*domain.GovernanceResult, error) {
	result := p.engine.Evaluate(ctx, payout)
	p.metrics.RecordDecision(result)

	vendorName := payout.VendorName()
	vendorURL := payout.Notes.VendorURL
	p.auditLog.Write(ctx, result, vendorName, vendorURL)

	switch result.Decision {
	case domain.DecisionApproved:
		if err := p.executor.ApprovePayout(ctx, payout.ID); err != nil {
			p.log.Error("approved payout failed to execute, returning budget",
				"payout_id", payout.ID, "error", err)
			if rbErr := p.budgets.RollbackSpend(ctx, result.AgentID, p.now().UTC(), result.AmountPaise); rbErr != nil {
				p.log.Error("budget rollback failed", "payout_id", payout.ID, "error", rbErr)
			} else {
				p.metrics.BudgetRollbacks.Inc()
			}

			result.Decision = domain.DecisionRejected
			result.ReasonCode = domain.ReasonInternalError
			result.ReasonDetail = fmt.Sprintf("Approved but execution failed: %v", err)
			if upErr := p.auditDB.UpdateAuditDecision(ctx, payout.ID, result.Decision, result.ReasonCode, result.ReasonDetail); upErr != nil {
				p.log.Error("audit update failed", "payout_id", payout.ID, "error", upErr)
			}
		}

	case domain.DecisionRejected:
		// Cancel best-effort so the payout does not sit queued forever.
		if payout.Status == domain.PayoutStatusQueued {
			if err := p.executor.CancelPayout(ctx, payout.ID, result.ReasonDetail); err != nil {
				p.log.Warn("rejected payout cancel failed", "payout_id", payout.ID, "error", err)
			}
		}
	}

	p.notify.Notify(ctx, result, vendorName, vendorURL)

	if err := p.scorer.Record(ctx, result.AgentID, result.AmountPaise); err != nil {
		p.log.Warn("history record failed", "agent_id", result.AgentID, "error", err)
	}
	p.scoreAsync(result.AgentID, result.AmountPaise)

	p.log.Info("payout processed",
		"payout_id", result.PayoutID, "source", source,
		"decision", result.Decision, "reason_code", result.ReasonCode)
	return &result, nil
}

// scoreAsync runs anomaly scoring off the hot path; the result feeds metrics
// and logs only.
func (p *Pipeline) scoreAsync(agentID string, amountPaise int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := p.scorer.Score(ctx, agentID, amountPaise); err != nil {
			p.log.Warn("anomaly scoring failed", "agent_id", agentID, "error", err)
		}
	}()
}

// ============================================================================
// HUMAN FOLLOW-UP
// ============================================================================

// ActionOutcome is the handle_slack_action response.
type ActionOutcome struct {
	PayoutID string          `json:"payout_id"`
	Action   string          `json:"action"`
	Decision domain.Decision `json:"decision"`
	Detail   string          `json:"detail"`
}

// HandleSlackAction resolves a held payout after a human pressed a button.
// Acting twice on the same payout is a no-op reporting the finalized state.
func (p *Pipeline) HandleSlackAction(ctx context.Context, action *egress.SlackAction) (*ActionOutcome, error) {
	entry, err := p.auditDB.GetAuditByPayoutID(ctx, action.PayoutID)
	if err != nil {
		return nil, fmt.Errorf("slack action lookup: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("slack action: unknown payout %q", action.PayoutID)
	}
	if entry.Decision != domain.DecisionHeld {
		return &ActionOutcome{
			PayoutID: action.PayoutID,
			Action:   action.ActionID,
			Decision: entry.Decision,
			Detail:   "already finalized",
		}, nil
	}

	actor := action.UserName
	if actor == "" {
		actor = action.UserID
	}

	outcome := &ActionOutcome{PayoutID: action.PayoutID, Action: action.ActionID}
	switch action.ActionID {
	case egress.ActionApprovePayout:
		if err := p.executor.ApprovePayout(ctx, action.PayoutID); err != nil {
			return nil, fmt.Errorf("slack approve: %w", err)
		}
		outcome.Decision = domain.DecisionApproved
		outcome.Detail = fmt.Sprintf("Approved by %s via Slack", actor)
		if err := p.auditDB.UpdateAuditDecision(ctx, action.PayoutID, outcome.Decision, domain.ReasonPolicyOK, outcome.Detail); err != nil {
			p.log.Error("audit update failed", "payout_id", action.PayoutID, "error", err)
		}

	case egress.ActionRejectPayout:
		if err := p.executor.CancelPayout(ctx, action.PayoutID, "rejected by human reviewer"); err != nil {
			return nil, fmt.Errorf("slack reject: %w", err)
		}
		// The hold kept the budget committed; return it now. The budget day
		// is the day the payout was evaluated.
		if err := p.budgets.RollbackSpend(ctx, entry.AgentID, entry.CreatedAt.UTC(), entry.AmountPaise); err != nil {
			p.log.Error("budget rollback failed", "payout_id", action.PayoutID, "error", err)
		} else {
			p.metrics.BudgetRollbacks.Inc()
		}
		outcome.Decision = domain.DecisionRejected
		outcome.Detail = fmt.Sprintf("Rejected by %s via Slack", actor)
		if err := p.auditDB.UpdateAuditDecision(ctx, action.PayoutID, outcome.Decision, domain.ReasonApprovalRequired, outcome.Detail); err != nil {
			p.log.Error("audit update failed", "payout_id", action.PayoutID, "error", err)
		}

	default:
		return nil, fmt.Errorf("slack action: unsupported action %q", action.ActionID)
	}

	if p.updater != nil && action.ChannelID != "" && action.MessageTS != "" {
		if err := p.updater.UpdateApprovalMessage(ctx, action.ChannelID, action.MessageTS, action.PayoutID, action.ActionID, action.UserID); err != nil {
			p.log.Warn("slack message update failed", "payout_id", action.PayoutID, "error", err)
		}
	}

	p.log.Info("held payout resolved",
		"payout_id", action.PayoutID, "action", action.ActionID, "actor", actor)
	return outcome, nil
}
