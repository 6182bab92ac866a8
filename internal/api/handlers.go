package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/egress"
	"github.com/vyapaar/backend/internal/ingress"
	"github.com/vyapaar/backend/internal/pipeline"
	"github.com/vyapaar/backend/internal/store"
)

// ============================================================================
// RAW INGRESS ENDPOINTS
// ============================================================================

// handleWebhookHTTP is the endpoint Razorpay POSTs to. The signature rides
// in a header; verification runs over the raw body.
func (s *Server) handleWebhookHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ingress.MaxWebhookBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body read failed")
		return
	}

	outcome, err := s.pipeline.HandleWebhook(r.Context(), body, r.Header.Get("X-Razorpay-Signature"))
	if outcome == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, webhookStatusCode(outcome), outcome)
}

func webhookStatusCode(o *pipeline.WebhookOutcome) int {
	if o.Status == "rejected" {
		if o.Reason == string(domain.ReasonInvalidSignature) {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// handleSlackActionsHTTP receives Slack's interaction POST: form-encoded
// with the JSON in the "payload" field, signed over the raw body.
func (s *Server) handleSlackActionsHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ingress.MaxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body read failed")
		return
	}

	if !egress.VerifySlackSignature(
		s.slackSigningSecret,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body, time.Now(),
	) {
		writeError(w, http.StatusUnauthorized, "invalid slack signature")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		writeError(w, http.StatusBadRequest, "missing interaction payload")
		return
	}

	action, err := egress.ParseSlackAction([]byte(form.Get("payload")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.pipeline.HandleSlackAction(r.Context(), action)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ============================================================================
// TOOL SURFACE
// ============================================================================

func (s *Server) toolHandleWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body      string `json:"body"`
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := s.pipeline.HandleWebhook(r.Context(), []byte(req.Body), req.Signature)
	if outcome == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) toolPollPayouts(w http.ResponseWriter, r *http.Request) {
	results, err := s.poller.PollOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"stats":   s.poller.Stats(),
	})
}

func (s *Server) toolCheckVendorReputation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	writeJSON(w, http.StatusOK, s.urls.CheckURL(r.Context(), req.URL))
}

func (s *Server) toolVerifyVendorEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		LEI  string `json:"lei"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.LEI != "":
		writeJSON(w, http.StatusOK, s.gleif.LookupLEI(r.Context(), req.LEI))
	case req.Name != "":
		writeJSON(w, http.StatusOK, s.gleif.SearchByName(r.Context(), req.Name))
	default:
		writeError(w, http.StatusBadRequest, "name or lei is required")
	}
}

func (s *Server) toolScoreTransactionRisk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string `json:"agent_id"`
		AmountPaise int64  `json:"amount_paise"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.AmountPaise <= 0 {
		writeError(w, http.StatusBadRequest, "agent_id and a positive amount_paise are required")
		return
	}
	score, err := s.scorer.Score(r.Context(), req.AgentID, req.AmountPaise)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) toolGetAgentRiskProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	profile, err := s.scorer.Profile(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) toolGetAgentBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	policy, err := s.postgres.GetPolicy(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no policy configured for agent %q", req.AgentID))
		return
	}

	today := time.Now().UTC()
	spent, err := s.redis.SpentToday(r.Context(), req.AgentID, today)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	remaining := policy.DailyLimitPaise - spent
	if remaining < 0 {
		remaining = 0
	}
	status := domain.BudgetStatus{
		AgentID:        req.AgentID,
		Date:           today.Format("2006-01-02"),
		SpentPaise:     spent,
		LimitPaise:     policy.DailyLimitPaise,
		RemainingPaise: remaining,
	}
	if policy.DailyLimitPaise > 0 {
		status.UtilizationPct = float64(spent) / float64(policy.DailyLimitPaise) * 100
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) toolGetAuditLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string `json:"agent_id"`
		Decision string `json:"decision"`
		Limit    int    `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	entries, err := s.postgres.ListAudits(r.Context(), store.AuditFilter{
		AgentID:  req.AgentID,
		Decision: domain.Decision(req.Decision),
		Limit:    req.Limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) toolSetAgentPolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.AgentPolicy
	if !decodeBody(w, r, &policy) {
		return
	}
	if err := validatePolicy(policy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.postgres.UpsertPolicy(r.Context(), policy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func validatePolicy(p domain.AgentPolicy) error {
	if p.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if p.DailyLimitPaise < 0 {
		return fmt.Errorf("daily_limit_paise must not be negative")
	}
	if p.PerTxnLimitPaise != nil && *p.PerTxnLimitPaise < 0 {
		return fmt.Errorf("per_txn_limit_paise must not be negative")
	}
	if p.RequireApprovalAbovePaise != nil && *p.RequireApprovalAbovePaise < 0 {
		return fmt.Errorf("require_approval_above_paise must not be negative")
	}
	if p.PerTxnLimitPaise != nil && p.DailyLimitPaise > 0 && *p.PerTxnLimitPaise > p.DailyLimitPaise {
		return fmt.Errorf("per_txn_limit_paise exceeds daily_limit_paise")
	}
	return nil
}

func (s *Server) toolHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.handleHealthCheck(w, r)
}

func (s *Server) toolGetMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := s.metrics.Render()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshot, err := s.metrics.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":        snapshot,
		"prometheus_text": text,
	})
}

func (s *Server) toolHandleSlackAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if !egress.VerifySlackSignature(s.slackSigningSecret, req.Timestamp, req.Signature, []byte(req.Payload), time.Now()) {
		writeError(w, http.StatusUnauthorized, "invalid slack signature")
		return
	}

	action, err := egress.ParseSlackAction([]byte(req.Payload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.pipeline.HandleSlackAction(r.Context(), action)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]domain.ComponentHealth{}
	healthy := true

	if err := s.redis.Ping(ctx); err != nil {
		components["redis"] = domain.ComponentHealth{Healthy: false, Detail: err.Error()}
		healthy = false
	} else {
		components["redis"] = domain.ComponentHealth{Healthy: true}
	}

	if err := s.postgres.Ping(ctx); err != nil {
		components["postgres"] = domain.ComponentHealth{Healthy: false, Detail: err.Error()}
		healthy = false
	} else {
		components["postgres"] = domain.ComponentHealth{Healthy: true}
	}

	if s.bridge != nil {
		if s.bridge.Healthy(ctx) {
			components["bridge"] = domain.ComponentHealth{Healthy: true}
		} else {
			components["bridge"] = domain.ComponentHealth{Healthy: false, Detail: "bridge probe failed"}
			healthy = false
		}
	}

	breakers := make(map[string]any, len(s.breakers))
	for _, b := range s.breakers {
		breakers[b.Name()] = b.Snapshot()
	}
	status := domain.HealthStatus{
		Status:        "healthy",
		Version:       Version,
		UptimeSeconds: s.metrics.UptimeSeconds(),
		Components:    components,
		Breakers:      breakers,
	}
	code := http.StatusOK
	if !healthy {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
