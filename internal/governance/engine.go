// Package governance implements the ordered decision pipeline that every
// payout must clear before money moves.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/observability"
)

// PolicySource looks up per-agent spending policies.
type PolicySource interface {
	GetPolicy(ctx context.Context, agentID string) (*domain.AgentPolicy, error)
}

// BudgetStore provides the atomic counters the pipeline depends on.
type BudgetStore interface {
	TrySpend(ctx context.Context, agentID string, day time.Time, amountPaise, limitPaise int64) (bool, int64, error)
	RollbackSpend(ctx context.Context, agentID string, day time.Time, amountPaise int64) error
	RateAllow(ctx context.Context, agentID string, max int, window time.Duration) (bool, int64, error)
}

// URLChecker verdicts vendor URLs. Implementations are fail-closed: checker
// failures surface as synthetic threats, never as errors.
type URLChecker interface {
	CheckURL(ctx context.Context, rawURL string) domain.ThreatReport
}

// Engine evaluates payouts. Checks run in a fixed order and short-circuit:
// policy, per-transaction cap, rate limit, budget commit, domain gate, URL
// threat check, approval threshold.
type Engine struct {
	policies PolicySource
	budgets  BudgetStore
	urls     URLChecker
	metrics  *observability.Metrics

	rateMax    int
	rateWindow time.Duration

	log *slog.Logger
	now func() time.Time
}

// NewEngine wires the pipeline.
func NewEngine(policies PolicySource, budgets BudgetStore, urls URLChecker, metrics *observability.Metrics, rateMax int, rateWindow time.Duration) *Engine {
	return &Engine{
		policies:   policies,
		budgets:    budgets,
		urls:       urls,
		metrics:    metrics,
		rateMax:    rateMax,
		rateWindow: rateWindow,
		log:        slog.With("component", "governance"),
		now:        time.Now,
	}
}

// Evaluate runs one payout through the pipeline. It always returns a result;
// infrastructure failures reject with INTERNAL_ERROR rather than erroring.
func (e *Engine) Evaluate(ctx context.Context, payout domain.PayoutEntity) domain.GovernanceResult {
	started := e.now()
	agentID := payout.AgentID()
	today := started.UTC()

	// 1. Policy lookup. Unknown agents cannot move money.
	policy, err := e.policies.GetPolicy(ctx, agentID)
	if err != nil {
		e.log.Error("policy lookup failed", "agent_id", agentID, "error", err)
		return e.result(payout, started, domain.DecisionRejected, domain.ReasonInternalError,
			"Policy lookup failed", nil)
	}
	if policy == nil {
		return e.result(payout, started, domain.DecisionRejected, domain.ReasonNoPolicy,
			fmt.Sprintf("No policy configured for agent %q (fail-closed)", agentID), nil)
	}

	// 2. Per-transaction cap. Strictly greater: an amount equal to the cap
	// passes.
	if policy.PerTxnLimitPaise != nil && payout.Amount > *policy.PerTxnLimitPaise {
		return e.result(payout, started, domain.DecisionRejected, domain.ReasonTxnLimitExceeded,
			fmt.Sprintf("Amount %s exceeds per-transaction limit %s",
				rupees(payout.Amount), rupees(*policy.PerTxnLimitPaise)), nil)
	}

	// 3. Rate limit. A zero max disables the limiter.
	if e.rateMax > 0 {
		allowed, count, err := e.budgets.RateAllow(ctx, agentID, e.rateMax, e.rateWindow)
		if err != nil {
			e.log.Error("rate limit check failed", "agent_id", agentID, "error", err)
			return e.result(payout, started, domain.DecisionRejected, domain.ReasonInternalError,
				"Rate limit check failed", nil)
		}
		if !allowed {
			e.metrics.RateLimited.Inc()
			return e.result(payout, started, domain.DecisionRejected, domain.ReasonRateLimited,
				fmt.Sprintf("Rate limit exceeded: %d requests in %s window", count, e.rateWindow), nil)
		}
	}

	// 4. Budget commit. Atomic: once committed, later stages that reject
	// must roll back.
	committed, total, err := e.budgets.TrySpend(ctx, agentID, today, payout.Amount, policy.DailyLimitPaise)
	if err != nil {
		e.log.Error("budget commit failed", "agent_id", agentID, "error", err)
		return e.result(payout, started, domain.DecisionRejected, domain.ReasonInternalError,
			"Budget check failed", nil)
	}
	e.metrics.RecordBudgetCommit(committed)
	if !committed {
		return e.result(payout, started, domain.DecisionRejected, domain.ReasonLimitExceeded,
			fmt.Sprintf("Daily budget exceeded: spent %s of %s limit",
				rupees(total), rupees(policy.DailyLimitPaise)), nil)
	}

	rollback := func() {
		if rbErr := e.budgets.RollbackSpend(ctx, agentID, today, payout.Amount); rbErr != nil {
			e.log.Error("budget rollback failed", "agent_id", agentID, "payout_id", payout.ID, "error", rbErr)
		} else {
			e.metrics.BudgetRollbacks.Inc()
		}
	}

	if vendorURL := payout.Notes.VendorURL; vendorURL != "" {
		// 5. Domain gate. Blocklist wins over allowlist.
		host := ExtractDomain(vendorURL)
		if blocked, detail := domainBlocked(host, policy); blocked {
			rollback()
			return e.result(payout, started, domain.DecisionRejected, domain.ReasonDomainBlocked, detail, nil)
		}

		// 6. URL threat check (fail-closed).
		report := e.urls.CheckURL(ctx, vendorURL)
		if !report.Safe {
			rollback()
			return e.result(payout, started, domain.DecisionRejected, domain.ReasonRiskHigh,
				fmt.Sprintf("URL flagged: %s", strings.Join(report.ThreatTypes(), ", ")),
				report.ThreatTypes())
		}
	}

	// 7. Approval threshold. The budget stays committed while held.
	if policy.RequireApprovalAbovePaise != nil && payout.Amount > *policy.RequireApprovalAbovePaise {
		return e.result(payout, started, domain.DecisionHeld, domain.ReasonApprovalRequired,
			fmt.Sprintf("Amount %s exceeds approval threshold %s, awaiting human review",
				rupees(payout.Amount), rupees(*policy.RequireApprovalAbovePaise)), nil)
	}

	return e.result(payout, started, domain.DecisionApproved, domain.ReasonPolicyOK,
		"All policy checks passed", nil)
}

func (e *Engine) result(payout domain.PayoutEntity, started time.Time, decision domain.Decision, code domain.ReasonCode, detail string, threats []string) domain.GovernanceResult {
	r := domain.GovernanceResult{
		PayoutID:     payout.ID,
		AgentID:      payout.AgentID(),
		AmountPaise:  payout.Amount,
		Decision:     decision,
		ReasonCode:   code,
		ReasonDetail: detail,
		ThreatTypes:  threats,
		ProcessingMS: e.now().Sub(started).Milliseconds(),
	}

	if decision == domain.DecisionApproved {
		e.log.Info("payout approved",
			"payout_id", r.PayoutID, "agent_id", r.AgentID, "amount_paise", r.AmountPaise,
			"processing_ms", r.ProcessingMS)
	} else {
		e.log.Warn("payout not approved",
			"payout_id", r.PayoutID, "agent_id", r.AgentID, "amount_paise", r.AmountPaise,
			"decision", decision, "reason_code", code, "detail", detail)
	}
	return r
}

// domainBlocked applies the policy's domain lists to the extracted host. An
// allowlist demands a recognizable domain, so an unparseable vendor URL
// fails it.
func domainBlocked(host string, policy *domain.AgentPolicy) (bool, string) {
	if host == "" {
		if len(policy.AllowedDomains) > 0 {
			return true, "Vendor URL has no recognizable domain, allowlist requires one"
		}
		return false, ""
	}
	for _, blocked := range policy.BlockedDomains {
		if strings.EqualFold(host, blocked) {
			return true, fmt.Sprintf("Domain %q is blocklisted", host)
		}
	}
	if len(policy.AllowedDomains) > 0 {
		for _, allowed := range policy.AllowedDomains {
			if strings.EqualFold(host, allowed) {
				return false, ""
			}
		}
		return true, fmt.Sprintf("Domain %q is not in the allowlist", host)
	}
	return false, ""
}

// ExtractDomain pulls the lowercased host (port stripped) out of a vendor
// URL. Scheme-less input is treated as host-first.
func ExtractDomain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		host := strings.SplitN(raw, "/", 2)[0]
		return strings.ToLower(strings.SplitN(host, ":", 2)[0])
	}
	return strings.ToLower(parsed.Hostname())
}

func rupees(paise int64) string {
	return fmt.Sprintf("₹%.2f", float64(paise)/100)
}
