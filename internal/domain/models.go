package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// CORE ENUMS
// ============================================================================

// Decision is the outcome of a governance evaluation.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionHeld     Decision = "HELD"
)

// ReasonCode explains why a decision was made.
type ReasonCode string

const (
	ReasonPolicyOK         ReasonCode = "POLICY_OK"
	ReasonInvalidSignature ReasonCode = "INVALID_SIGNATURE"
	ReasonIdempotentSkip   ReasonCode = "IDEMPOTENT_SKIP"
	ReasonNoPolicy         ReasonCode = "NO_POLICY"
	ReasonLimitExceeded    ReasonCode = "LIMIT_EXCEEDED"
	ReasonTxnLimitExceeded ReasonCode = "TXN_LIMIT_EXCEEDED"
	ReasonRiskHigh         ReasonCode = "RISK_HIGH"
	ReasonDomainBlocked    ReasonCode = "DOMAIN_BLOCKED"
	ReasonApprovalRequired ReasonCode = "APPROVAL_REQUIRED"
	ReasonRateLimited      ReasonCode = "RATE_LIMITED"
	ReasonAnomalyDetected  ReasonCode = "ANOMALY_DETECTED"
	ReasonInternalError    ReasonCode = "INTERNAL_ERROR"
)

// Razorpay payout lifecycle states we care about.
const (
	PayoutStatusQueued     = "queued"
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusProcessed  = "processed"
	PayoutStatusCancelled  = "cancelled"
	PayoutStatusRejected   = "rejected"
	PayoutStatusFailed     = "failed"
)

// ============================================================================
// PAYOUT WIRE TYPES
// ============================================================================

// PayoutNotes carries agent metadata attached to a Razorpay payout.
type PayoutNotes struct {
	AgentID   string `json:"agent_id"`
	Purpose   string `json:"purpose,omitempty"`
	VendorURL string `json:"vendor_url,omitempty"`
}

// UnmarshalJSON tolerates Razorpay's habit of sending "notes": [] when the
// payout carries no notes.
func (n *PayoutNotes) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		*n = PayoutNotes{}
		return nil
	}
	type alias PayoutNotes
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*n = PayoutNotes(a)
	return nil
}

// Contact is the nested contact object inside an expanded fund account.
type Contact struct {
	Name string `json:"name,omitempty"`
}

// FundAccount is present when the webhook payload expands fund_account.
type FundAccount struct {
	ID      string   `json:"id,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
}

// PayoutEntity is a Razorpay payout. Amounts are integer paise.
type PayoutEntity struct {
	ID            string       `json:"id"`
	Amount        int64        `json:"amount"`
	Currency      string       `json:"currency"`
	Status        string       `json:"status"`
	Notes         PayoutNotes  `json:"notes"`
	FundAccountID string       `json:"fund_account_id,omitempty"`
	FundAccount   *FundAccount `json:"fund_account,omitempty"`
	CreatedAt     int64        `json:"created_at,omitempty"`
}

// AgentID returns the owning agent, falling back to "unknown" so that
// un-attributed payouts still hit the fail-closed NO_POLICY path.
func (p PayoutEntity) AgentID() string {
	if p.Notes.AgentID == "" {
		return "unknown"
	}
	return p.Notes.AgentID
}

// VendorName resolves the human-readable counterparty when the payload
// expanded fund_account.contact.
func (p PayoutEntity) VendorName() string {
	if p.FundAccount != nil && p.FundAccount.Contact != nil {
		return p.FundAccount.Contact.Name
	}
	return ""
}

// WebhookEvent is the envelope Razorpay POSTs to the webhook endpoint.
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payout struct {
			Entity PayoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at,omitempty"`
}

// ============================================================================
// GOVERNANCE TYPES
// ============================================================================

// AgentPolicy is the per-agent spending policy. Nil pointer fields mean the
// corresponding check is not configured.
type AgentPolicy struct {
	AgentID                   string    `json:"agent_id"`
	DailyLimitPaise           int64     `json:"daily_limit_paise"`
	PerTxnLimitPaise          *int64    `json:"per_txn_limit_paise,omitempty"`
	RequireApprovalAbovePaise *int64    `json:"require_approval_above_paise,omitempty"`
	AllowedDomains            []string  `json:"allowed_domains,omitempty"`
	BlockedDomains            []string  `json:"blocked_domains,omitempty"`
	CreatedAt                 time.Time `json:"created_at,omitempty"`
	UpdatedAt                 time.Time `json:"updated_at,omitempty"`
}

// DefaultDailyLimitPaise applies when a policy is written without an explicit
// daily limit (₹5,000).
const DefaultDailyLimitPaise int64 = 500000

// GovernanceResult is the outcome of running one payout through the pipeline.
type GovernanceResult struct {
	PayoutID     string     `json:"payout_id"`
	AgentID      string     `json:"agent_id"`
	AmountPaise  int64      `json:"amount_paise"`
	Decision     Decision   `json:"decision"`
	ReasonCode   ReasonCode `json:"reason_code"`
	ReasonDetail string     `json:"reason_detail"`
	ThreatTypes  []string   `json:"threat_types,omitempty"`
	ProcessingMS int64      `json:"processing_ms"`
}

// AuditLogEntry is a persisted governance decision.
type AuditLogEntry struct {
	ID           int64      `json:"id"`
	PayoutID     string     `json:"payout_id"`
	AgentID      string     `json:"agent_id"`
	AmountPaise  int64      `json:"amount_paise"`
	Decision     Decision   `json:"decision"`
	ReasonCode   ReasonCode `json:"reason_code"`
	ReasonDetail string     `json:"reason_detail"`
	VendorName   string     `json:"vendor_name,omitempty"`
	VendorURL    string     `json:"vendor_url,omitempty"`
	ThreatTypes  []string   `json:"threat_types,omitempty"`
	ProcessingMS int64      `json:"processing_ms"`
	CreatedAt    time.Time  `json:"created_at"`
}

// BudgetStatus is the daily spend position for one agent.
type BudgetStatus struct {
	AgentID        string  `json:"agent_id"`
	Date           string  `json:"date"`
	SpentPaise     int64   `json:"spent_paise"`
	LimitPaise     int64   `json:"limit_paise"`
	RemainingPaise int64   `json:"remaining_paise"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// ============================================================================
// REPUTATION TYPES
// ============================================================================

// ThreatMatch is a single Safe Browsing verdict (or a synthetic one on
// checker failure, since URL checking fails closed).
type ThreatMatch struct {
	ThreatType   string `json:"threat_type"`
	PlatformType string `json:"platform_type,omitempty"`
	URL          string `json:"url,omitempty"`
}

// ThreatReport is the result of checking one URL.
type ThreatReport struct {
	URL     string        `json:"url"`
	Safe    bool          `json:"safe"`
	Threats []ThreatMatch `json:"threats,omitempty"`
	Cached  bool          `json:"cached"`
}

// TxnRecord is one observed transaction, featurized at record time so the
// anomaly training matrix reflects when each payment actually happened.
type TxnRecord struct {
	AmountPaise int64   `json:"amount_paise"`
	AmountLog   float64 `json:"amount_log"`
	Hour        int     `json:"hour"`
	Weekday     int     `json:"weekday"`
	RecordedAt  int64   `json:"recorded_at"`
}

// ThreatTypes flattens the report for audit storage.
func (r ThreatReport) ThreatTypes() []string {
	if len(r.Threats) == 0 {
		return nil
	}
	types := make([]string, 0, len(r.Threats))
	for _, t := range r.Threats {
		types = append(types, t.ThreatType)
	}
	return types
}

// ============================================================================
// HEALTH
// ============================================================================

// ComponentHealth is one dependency's probe result.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthStatus is the aggregate health_check response.
type HealthStatus struct {
	Status        string                     `json:"status"` // healthy | degraded
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentHealth `json:"components"`
	Breakers      map[string]any             `json:"breakers,omitempty"`
}
