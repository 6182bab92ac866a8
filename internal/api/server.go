// Package api exposes the governance tool surface over HTTP: the twelve
// named operations plus the raw webhook and Slack interaction endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vyapaar/backend/internal/ingress"
	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/pipeline"
	"github.com/vyapaar/backend/internal/reputation"
	"github.com/vyapaar/backend/internal/resilience"
	"github.com/vyapaar/backend/internal/store"
)

// Version is reported by health_check.
const Version = "3.0.0"

// BridgeProber reports whether the sub-process RPC bridge is alive.
type BridgeProber interface {
	Healthy(ctx context.Context) bool
}

// Server wires the tool surface to the pipeline and stores.
type Server struct {
	pipeline *pipeline.Pipeline
	poller   *ingress.Poller
	postgres *store.PostgresStore
	redis    *store.RedisStore
	urls     *reputation.SafeBrowsingClient
	gleif    *reputation.GLEIFClient
	scorer   *reputation.AnomalyScorer
	metrics  *observability.Metrics
	breakers []*resilience.Breaker
	bridge   BridgeProber // may be nil

	slackSigningSecret string

	httpServer *http.Server
	log        *slog.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	Pipeline           *pipeline.Pipeline
	Poller             *ingress.Poller
	Postgres           *store.PostgresStore
	Redis              *store.RedisStore
	SafeBrowsing       *reputation.SafeBrowsingClient
	GLEIF              *reputation.GLEIFClient
	Scorer             *reputation.AnomalyScorer
	Metrics            *observability.Metrics
	Breakers           []*resilience.Breaker
	Bridge             BridgeProber
	SlackSigningSecret string
}

// NewServer builds the router.
func NewServer(d Deps) *Server {
	return &Server{
		pipeline:           d.Pipeline,
		poller:             d.Poller,
		postgres:           d.Postgres,
		redis:              d.Redis,
		urls:               d.SafeBrowsing,
		gleif:              d.GLEIF,
		scorer:             d.Scorer,
		metrics:            d.Metrics,
		breakers:           d.Breakers,
		bridge:             d.Bridge,
		slackSigningSecret: d.SlackSigningSecret,
		log:                slog.With("component", "api"),
	}
}

// Router assembles the mux.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// Raw ingress endpoints
	r.HandleFunc("/webhook/razorpay", s.handleWebhookHTTP).Methods(http.MethodPost)
	r.HandleFunc("/slack/actions", s.handleSlackActionsHTTP).Methods(http.MethodPost)

	// Tool surface
	tools := r.PathPrefix("/tools").Subrouter()
	tools.HandleFunc("/handle_razorpay_webhook", s.toolHandleWebhook).Methods(http.MethodPost)
	tools.HandleFunc("/poll_razorpay_payouts", s.toolPollPayouts).Methods(http.MethodPost)
	tools.HandleFunc("/check_vendor_reputation", s.toolCheckVendorReputation).Methods(http.MethodPost)
	tools.HandleFunc("/verify_vendor_entity", s.toolVerifyVendorEntity).Methods(http.MethodPost)
	tools.HandleFunc("/score_transaction_risk", s.toolScoreTransactionRisk).Methods(http.MethodPost)
	tools.HandleFunc("/get_agent_risk_profile", s.toolGetAgentRiskProfile).Methods(http.MethodPost)
	tools.HandleFunc("/get_agent_budget", s.toolGetAgentBudget).Methods(http.MethodPost)
	tools.HandleFunc("/get_audit_log", s.toolGetAuditLog).Methods(http.MethodPost)
	tools.HandleFunc("/set_agent_policy", s.toolSetAgentPolicy).Methods(http.MethodPost)
	tools.HandleFunc("/health_check", s.toolHealthCheck).Methods(http.MethodPost)
	tools.HandleFunc("/get_metrics", s.toolGetMetrics).Methods(http.MethodPost)
	tools.HandleFunc("/handle_slack_action", s.toolHandleSlackAction).Methods(http.MethodPost)

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("🚀 Governance server listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
