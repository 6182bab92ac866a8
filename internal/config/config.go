package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full server configuration. Every field can be set through a
// VYAPAAR_* environment variable; a YAML file named by VYAPAAR_CONFIG_FILE
// supplies defaults that the environment overrides.
type Config struct {
	// Razorpay X credentials
	RazorpayKeyID         string `yaml:"razorpay_key_id"`
	RazorpayKeySecret     string `yaml:"razorpay_key_secret"`
	RazorpayWebhookSecret string `yaml:"razorpay_webhook_secret"`
	RazorpayAccountNumber string `yaml:"razorpay_account_number"`
	RazorpayAPIBase       string `yaml:"razorpay_api_base"`

	// Reputation services
	SafeBrowsingAPIKey string `yaml:"safe_browsing_api_key"`
	SafeBrowsingURL    string `yaml:"safe_browsing_url"`
	GLEIFAPIURL        string `yaml:"gleif_api_url"`

	// Storage
	RedisURL    string `yaml:"redis_url"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// HTTP server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Logging
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json

	// Ingress
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	AutoPoll            bool   `yaml:"auto_poll"`
	BridgeCommand       string `yaml:"bridge_command"`

	// Notifications
	SlackBotToken      string `yaml:"slack_bot_token"`
	SlackChannelID     string `yaml:"slack_channel_id"`
	SlackSigningSecret string `yaml:"slack_signing_secret"`
	NtfyServerURL      string `yaml:"ntfy_server_url"`
	NtfyTopic          string `yaml:"ntfy_topic"`
	NtfyAuthToken      string `yaml:"ntfy_auth_token"`

	// Governance knobs
	RateLimitMax           int     `yaml:"rate_limit_max"`
	RateLimitWindowSeconds int     `yaml:"rate_limit_window_seconds"`
	AnomalyThreshold       float64 `yaml:"anomaly_threshold"`

	// Circuit breaker
	BreakerFailureThreshold       int `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeoutSeconds int `yaml:"breaker_recovery_timeout_seconds"`
	BreakerHalfOpenMax            int `yaml:"breaker_half_open_max"`

	// Audit
	AuditFallbackDir string `yaml:"audit_fallback_dir"`
}

const (
	minPollSeconds = 5
	maxPollSeconds = 300
)

func defaults() Config {
	return Config{
		RazorpayAPIBase:               "https://api.razorpay.com",
		SafeBrowsingURL:               "https://safebrowsing.googleapis.com/v4/threatMatches:find",
		GLEIFAPIURL:                   "https://api.gleif.org/api/v1/lei-records",
		RedisURL:                      "redis://localhost:6379/0",
		Host:                          "0.0.0.0",
		Port:                          8080,
		LogLevel:                      "info",
		LogFormat:                     "text",
		PollIntervalSeconds:           30,
		BridgeCommand:                 "razorpay-mcp-server",
		NtfyServerURL:                 "https://ntfy.sh",
		NtfyTopic:                     "vyapaar-alerts",
		RateLimitMax:                  10,
		RateLimitWindowSeconds:        60,
		AnomalyThreshold:              0.75,
		BreakerFailureThreshold:       5,
		BreakerRecoveryTimeoutSeconds: 30,
		BreakerHalfOpenMax:            1,
		AuditFallbackDir:              "./audit_logs",
	}
}

// Load builds the configuration: defaults, then optional YAML file, then
// environment. A .env file in the working directory is honored if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("VYAPAAR_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		// Strict: unknown keys in the file are almost always typos.
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.clamp()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.RazorpayKeyID, "VYAPAAR_RAZORPAY_KEY_ID")
	envStr(&c.RazorpayKeySecret, "VYAPAAR_RAZORPAY_KEY_SECRET")
	envStr(&c.RazorpayWebhookSecret, "VYAPAAR_RAZORPAY_WEBHOOK_SECRET")
	envStr(&c.RazorpayAccountNumber, "VYAPAAR_RAZORPAY_ACCOUNT_NUMBER")
	envStr(&c.RazorpayAPIBase, "VYAPAAR_RAZORPAY_API_BASE")
	envStr(&c.SafeBrowsingAPIKey, "VYAPAAR_SAFE_BROWSING_API_KEY")
	envStr(&c.SafeBrowsingURL, "VYAPAAR_SAFE_BROWSING_URL")
	envStr(&c.GLEIFAPIURL, "VYAPAAR_GLEIF_API_URL")
	envStr(&c.RedisURL, "VYAPAAR_REDIS_URL")
	envStr(&c.PostgresDSN, "VYAPAAR_POSTGRES_DSN")
	envStr(&c.Host, "VYAPAAR_HOST")
	envInt(&c.Port, "VYAPAAR_PORT")
	envStr(&c.LogLevel, "VYAPAAR_LOG_LEVEL")
	envStr(&c.LogFormat, "VYAPAAR_LOG_FORMAT")
	envInt(&c.PollIntervalSeconds, "VYAPAAR_POLL_INTERVAL")
	envBool(&c.AutoPoll, "VYAPAAR_AUTO_POLL")
	envStr(&c.BridgeCommand, "VYAPAAR_BRIDGE_COMMAND")
	envStr(&c.SlackBotToken, "VYAPAAR_SLACK_BOT_TOKEN")
	envStr(&c.SlackChannelID, "VYAPAAR_SLACK_CHANNEL_ID")
	envStr(&c.SlackSigningSecret, "VYAPAAR_SLACK_SIGNING_SECRET")
	envStr(&c.NtfyServerURL, "VYAPAAR_NTFY_SERVER_URL")
	envStr(&c.NtfyTopic, "VYAPAAR_NTFY_TOPIC")
	envStr(&c.NtfyAuthToken, "VYAPAAR_NTFY_AUTH_TOKEN")
	envInt(&c.RateLimitMax, "VYAPAAR_RATE_LIMIT_MAX")
	envInt(&c.RateLimitWindowSeconds, "VYAPAAR_RATE_LIMIT_WINDOW")
	envFloat(&c.AnomalyThreshold, "VYAPAAR_ANOMALY_THRESHOLD")
	envInt(&c.BreakerFailureThreshold, "VYAPAAR_BREAKER_FAILURE_THRESHOLD")
	envInt(&c.BreakerRecoveryTimeoutSeconds, "VYAPAAR_BREAKER_RECOVERY_TIMEOUT")
	envInt(&c.BreakerHalfOpenMax, "VYAPAAR_BREAKER_HALF_OPEN_MAX")
	envStr(&c.AuditFallbackDir, "VYAPAAR_AUDIT_FALLBACK_DIR")
}

// clamp keeps operator-supplied knobs inside safe bounds.
func (c *Config) clamp() {
	if c.PollIntervalSeconds < minPollSeconds {
		c.PollIntervalSeconds = minPollSeconds
	}
	if c.PollIntervalSeconds > maxPollSeconds {
		c.PollIntervalSeconds = maxPollSeconds
	}
	// Zero disables rate limiting; only negatives are nonsense.
	if c.RateLimitMax < 0 {
		c.RateLimitMax = 0
	}
	if c.RateLimitWindowSeconds < 1 {
		c.RateLimitWindowSeconds = 1
	}
	if c.BreakerFailureThreshold < 1 {
		c.BreakerFailureThreshold = 1
	}
	if c.BreakerHalfOpenMax < 1 {
		c.BreakerHalfOpenMax = 1
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold > 1 {
		c.AnomalyThreshold = 0.75
	}
}

// Validate enforces the credentials the server cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.RazorpayKeyID == "" {
		missing = append(missing, "VYAPAAR_RAZORPAY_KEY_ID")
	}
	if c.RazorpayKeySecret == "" {
		missing = append(missing, "VYAPAAR_RAZORPAY_KEY_SECRET")
	}
	if c.SafeBrowsingAPIKey == "" {
		missing = append(missing, "VYAPAAR_SAFE_BROWSING_API_KEY")
	}
	if c.PostgresDSN == "" {
		missing = append(missing, "VYAPAAR_POSTGRES_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// PollInterval returns the clamped poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RateLimitWindow returns the sliding-window width as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// BreakerRecoveryTimeout returns the breaker recovery timeout as a duration.
func (c *Config) BreakerRecoveryTimeout() time.Duration {
	return time.Duration(c.BreakerRecoveryTimeoutSeconds) * time.Second
}

// SlackEnabled reports whether Slack notification wiring is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

// MaskSecret renders a credential for logs without leaking it.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
