// Package reputation scores counterparties: Safe Browsing URL checks,
// GLEIF entity verification, and statistical anomaly detection over an
// agent's spending history.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/resilience"
)

// Synthetic threat types used when the checker itself fails. URL checking is
// fail-closed: an unreachable verdict service must not let money move.
const (
	ThreatTimeout       = "TIMEOUT"
	ThreatAPIError      = "API_ERROR"
	ThreatInternalError = "INTERNAL_ERROR"
)

var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

// verdictCache is the slice of the Redis store the checker needs.
type verdictCache interface {
	GetCachedReputation(ctx context.Context, rawURL string, dest any) (bool, error)
	CacheReputation(ctx context.Context, rawURL string, report any) error
}

// SafeBrowsingClient queries the Google Safe Browsing v4 lookup API with a
// short-lived Redis cache in front. Lookups run through a circuit breaker:
// once the API is known bad, checks fail fast with the same fail-closed
// verdict instead of waiting on a dead upstream.
type SafeBrowsingClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
	cache    verdictCache
	breaker  *resilience.Breaker
	metrics  *observability.Metrics
	log      *slog.Logger
}

// NewSafeBrowsingClient builds the checker. cache may be nil (no caching);
// a nil breaker gets defaults.
func NewSafeBrowsingClient(apiKey, endpoint string, cache verdictCache, breaker *resilience.Breaker, metrics *observability.Metrics) *SafeBrowsingClient {
	if breaker == nil {
		breaker = resilience.New(resilience.Config{Name: "safe-browsing"})
	}
	return &SafeBrowsingClient{
		apiKey:   apiKey,
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
		breaker:  breaker,
		metrics:  metrics,
		log:      slog.With("component", "safe_browsing"),
	}
}

type sbRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string            `json:"threatTypes"`
		PlatformTypes    []string            `json:"platformTypes"`
		ThreatEntryTypes []string            `json:"threatEntryTypes"`
		ThreatEntries    []map[string]string `json:"threatEntries"`
	} `json:"threatInfo"`
}

type sbResponse struct {
	Matches []struct {
		ThreatType   string `json:"threatType"`
		PlatformType string `json:"platformType"`
		Threat       struct {
			URL string `json:"url"`
		} `json:"threat"`
	} `json:"matches"`
}

// CheckURL returns the verdict for one URL. It never returns an error: any
// failure becomes a synthetic threat match, and the Cached flag reports
// whether the verdict came from Redis.
func (c *SafeBrowsingClient) CheckURL(ctx context.Context, rawURL string) domain.ThreatReport {
	if c.cache != nil {
		var cached domain.ThreatReport
		hit, err := c.cache.GetCachedReputation(ctx, rawURL, &cached)
		if err != nil {
			c.log.Warn("reputation cache read failed", "error", err)
		} else if hit {
			c.metrics.ReputationCacheHits.Inc()
			cached.Cached = true
			return cached
		}
	}

	report, err := resilience.Do(c.breaker, func() (domain.ThreatReport, error) {
		return c.lookup(ctx, rawURL)
	})
	var openErr *resilience.CircuitOpenError
	if errors.As(err, &openErr) {
		report = c.synthetic(ThreatAPIError, rawURL, err)
	}

	// Only cache real verdicts; synthetic failures should retry next time.
	if c.cache != nil && cacheable(report) {
		if err := c.cache.CacheReputation(ctx, rawURL, report); err != nil {
			c.log.Warn("reputation cache write failed", "error", err)
		}
	}
	return report
}

// lookup hits the API once. The error mirrors the synthetic verdict so the
// breaker sees upstream failures; real safe/threat answers are successes.
func (c *SafeBrowsingClient) lookup(ctx context.Context, rawURL string) (domain.ThreatReport, error) {
	var req sbRequest
	req.Client.ClientID = "vyapaar-mcp"
	req.Client.ClientVersion = "3.0.0"
	req.ThreatInfo.ThreatTypes = threatTypes
	req.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	req.ThreatInfo.ThreatEntryTypes = []string{"URL"}
	req.ThreatInfo.ThreatEntries = []map[string]string{{"url": rawURL}}

	body, err := json.Marshal(req)
	if err != nil {
		return c.synthetic(ThreatInternalError, rawURL, err), err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?key="+c.apiKey, bytes.NewReader(body))
	if err != nil {
		return c.synthetic(ThreatInternalError, rawURL, err), err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return c.synthetic(ThreatTimeout, rawURL, err), err
		}
		return c.synthetic(ThreatInternalError, rawURL, err), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d", resp.StatusCode)
		return c.synthetic(ThreatAPIError, rawURL, err), err
	}

	var parsed sbResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return c.synthetic(ThreatInternalError, rawURL, err), err
	}

	if len(parsed.Matches) == 0 {
		c.metrics.ReputationChecks.WithLabelValues("safe").Inc()
		return domain.ThreatReport{URL: rawURL, Safe: true}, nil
	}

	report := domain.ThreatReport{URL: rawURL, Safe: false}
	for _, m := range parsed.Matches {
		report.Threats = append(report.Threats, domain.ThreatMatch{
			ThreatType:   m.ThreatType,
			PlatformType: m.PlatformType,
			URL:          m.Threat.URL,
		})
	}
	c.metrics.ReputationChecks.WithLabelValues("threat").Inc()
	c.log.Warn("threat match", "url", rawURL, "threats", len(report.Threats))
	return report, nil
}

func (c *SafeBrowsingClient) synthetic(threatType, rawURL string, cause error) domain.ThreatReport {
	c.log.Error("safe browsing check failed", "url", rawURL, "threat_type", threatType, "error", cause)
	switch threatType {
	case ThreatTimeout:
		c.metrics.ReputationChecks.WithLabelValues("timeout").Inc()
	case ThreatAPIError:
		c.metrics.ReputationChecks.WithLabelValues("api_error").Inc()
	default:
		c.metrics.ReputationChecks.WithLabelValues("internal_error").Inc()
	}
	return domain.ThreatReport{
		URL:     rawURL,
		Safe:    false,
		Threats: []domain.ThreatMatch{{ThreatType: threatType, URL: rawURL}},
	}
}

// cacheable reports whether a verdict is a real API answer rather than a
// synthetic failure.
func cacheable(r domain.ThreatReport) bool {
	for _, t := range r.Threats {
		switch t.ThreatType {
		case ThreatTimeout, ThreatAPIError, ThreatInternalError:
			return false
		}
	}
	return true
}
