package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vyapaar/backend/internal/api"
	"github.com/vyapaar/backend/internal/audit"
	"github.com/vyapaar/backend/internal/config"
	"github.com/vyapaar/backend/internal/egress"
	"github.com/vyapaar/backend/internal/governance"
	"github.com/vyapaar/backend/internal/ingress"
	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/pipeline"
	"github.com/vyapaar/backend/internal/reputation"
	"github.com/vyapaar/backend/internal/resilience"
	"github.com/vyapaar/backend/internal/store"
)

func main() {
	log.Printf("🔥 Starting Vyapaar Governance Server (v%s)...", api.Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	setupLogging(cfg)
	slog.Info("configuration loaded",
		"razorpay_key", config.MaskSecret(cfg.RazorpayKeyID),
		"slack", cfg.SlackEnabled(),
		"auto_poll", cfg.AutoPoll)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	redis, err := store.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	defer redis.Close()

	postgres, err := store.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Postgres connection failed: %v", err)
	}
	defer postgres.Close()
	if err := postgres.Migrate(ctx); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}

	// Observability and resilience. Each flaky dependency gets its own
	// breaker so one dead upstream cannot blind the others.
	metrics := observability.NewMetrics()
	newBreaker := func(name string) *resilience.Breaker {
		return resilience.New(resilience.Config{
			Name:             name,
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout(),
			HalfOpenMax:      cfg.BreakerHalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
				slog.Warn("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	razorpayBreaker := newBreaker("razorpay")
	safeBrowsingBreaker := newBreaker("safe-browsing")
	gleifBreaker := newBreaker("gleif")

	// Reputation services
	safeBrowsing := reputation.NewSafeBrowsingClient(cfg.SafeBrowsingAPIKey, cfg.SafeBrowsingURL, redis, safeBrowsingBreaker, metrics)
	gleif := reputation.NewGLEIFClient(cfg.GLEIFAPIURL, redis, gleifBreaker, metrics)
	scorer := reputation.NewAnomalyScorer(redis, cfg.AnomalyThreshold, metrics)

	// Egress
	razorpay := egress.NewRazorpayClient(cfg.RazorpayAPIBase, cfg.RazorpayKeyID, cfg.RazorpayKeySecret, razorpayBreaker, metrics)

	var slackNotifier *egress.SlackNotifier
	if cfg.SlackEnabled() {
		slackNotifier = egress.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannelID, metrics)
	}
	var ntfyNotifier *egress.NtfyNotifier
	if cfg.NtfyTopic != "" {
		ntfyNotifier = egress.NewNtfyNotifier(cfg.NtfyServerURL, cfg.NtfyTopic, cfg.NtfyAuthToken, metrics)
	}
	notifier := newRouter(slackNotifier, ntfyNotifier)

	// Decision pipeline
	engine := governance.NewEngine(postgres, redis, safeBrowsing, metrics, cfg.RateLimitMax, cfg.RateLimitWindow())
	pipelineCfg := pipeline.Config{
		Engine:        engine,
		Claims:        redis,
		AuditLog:      audit.NewWriter(postgres, cfg.AuditFallbackDir),
		AuditDB:       postgres,
		Budgets:       redis,
		Executor:      razorpay,
		Notify:        notifier,
		Scorer:        scorer,
		Metrics:       metrics,
		WebhookSecret: cfg.RazorpayWebhookSecret,
	}
	if slackNotifier != nil {
		pipelineCfg.Updater = slackNotifier
	}
	pipe := pipeline.New(pipelineCfg)

	// Ingress
	bridge := ingress.NewBridge(cfg.BridgeCommand, cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
	defer bridge.Close()
	poller := ingress.NewPoller(bridge, pipe, redis, metrics, cfg.RazorpayAccountNumber, cfg.PollInterval())
	if cfg.AutoPoll {
		go poller.Run(ctx)
		defer poller.Stop()
	}

	server := api.NewServer(api.Deps{
		Pipeline:           pipe,
		Poller:             poller,
		Postgres:           postgres,
		Redis:              redis,
		SafeBrowsing:       safeBrowsing,
		GLEIF:              gleif,
		Scorer:             scorer,
		Metrics:            metrics,
		Breakers:           []*resilience.Breaker{razorpayBreaker, safeBrowsingBreaker, gleifBreaker},
		Bridge:             bridge,
		SlackSigningSecret: cfg.SlackSigningSecret,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Host, cfg.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}
	log.Println("👋 Governance server stopped")
}

// newRouter tolerates nil concrete notifiers without handing the router a
// non-nil interface wrapping a nil pointer.
func newRouter(slack *egress.SlackNotifier, ntfy *egress.NtfyNotifier) *egress.Router {
	var approver egress.ApprovalNotifier
	if slack != nil {
		approver = slack
	}
	var fallback egress.FallbackNotifier
	if ntfy != nil {
		fallback = ntfy
	}
	return egress.NewRouter(approver, fallback)
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
