package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/resilience"
)

const gleifCacheTTL = time.Hour

// GLEIFEntity is one legal-entity record from the GLEIF v1 API.
type GLEIFEntity struct {
	LEI                string `json:"lei"`
	LegalName          string `json:"legal_name"`
	Status             string `json:"status"`
	RegistrationStatus string `json:"registration_status"`
	Country            string `json:"country,omitempty"`
	City               string `json:"city,omitempty"`
}

// Verified reports whether the record represents an active, issued entity.
func (e GLEIFEntity) Verified() bool {
	return e.Status == "ACTIVE" && e.RegistrationStatus == "ISSUED"
}

// GLEIFResult is the verify_vendor_entity response. GLEIF lookups fail open:
// on API failure Error is set, Records is empty, and the caller decides.
type GLEIFResult struct {
	Query    string        `json:"query"`
	Records  []GLEIFEntity `json:"records"`
	Verified bool          `json:"verified"`
	Cached   bool          `json:"cached"`
	Error    string        `json:"error,omitempty"`
}

type gleifCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// GLEIFClient verifies legal entities against the public GLEIF index.
// Lookups run through a circuit breaker; an open circuit surfaces as the
// usual fail-open Error without touching the upstream.
type GLEIFClient struct {
	baseURL string
	http    *http.Client
	cache   gleifCache
	breaker *resilience.Breaker
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewGLEIFClient builds the client. cache may be nil; a nil breaker gets
// defaults.
func NewGLEIFClient(baseURL string, cache gleifCache, breaker *resilience.Breaker, metrics *observability.Metrics) *GLEIFClient {
	if breaker == nil {
		breaker = resilience.New(resilience.Config{Name: "gleif"})
	}
	return &GLEIFClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		breaker: breaker,
		metrics: metrics,
		log:     slog.With("component", "gleif"),
	}
}

// gleifAPIResponse covers both the list and single-record endpoints.
type gleifAPIResponse struct {
	Data json.RawMessage `json:"data"`
}

type gleifRecord struct {
	ID         string `json:"id"`
	Attributes struct {
		LEI    string `json:"lei"`
		Entity struct {
			LegalName struct {
				Name string `json:"name"`
			} `json:"legalName"`
			Status       string `json:"status"`
			LegalAddress struct {
				Country string `json:"country"`
				City    string `json:"city"`
			} `json:"legalAddress"`
		} `json:"entity"`
		Registration struct {
			Status string `json:"status"`
		} `json:"registration"`
	} `json:"attributes"`
}

// SearchByName looks up entities by legal name (max five matches).
func (c *GLEIFClient) SearchByName(ctx context.Context, name string) GLEIFResult {
	return c.fetch(ctx, name, "gleif:name:"+name,
		fmt.Sprintf("%s?filter[entity.legalName]=%s&page[size]=5", c.baseURL, url.QueryEscape(name)))
}

// LookupLEI resolves a single LEI code.
func (c *GLEIFClient) LookupLEI(ctx context.Context, lei string) GLEIFResult {
	return c.fetch(ctx, lei, "gleif:lei:"+lei, c.baseURL+"/"+url.PathEscape(lei))
}

func (c *GLEIFClient) fetch(ctx context.Context, query, cacheKey, endpoint string) GLEIFResult {
	if c.cache != nil {
		var cached GLEIFResult
		if hit, err := c.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
			c.metrics.GLEIFLookups.WithLabelValues("cached").Inc()
			cached.Cached = true
			return cached
		}
	}

	result, err := resilience.Do(c.breaker, func() (GLEIFResult, error) {
		return c.lookup(ctx, query, endpoint)
	})
	var openErr *resilience.CircuitOpenError
	if errors.As(err, &openErr) {
		result = c.failOpen(GLEIFResult{Query: query}, err.Error())
	}

	if c.cache != nil && result.Error == "" {
		if err := c.cache.SetJSON(ctx, cacheKey, result, gleifCacheTTL); err != nil {
			c.log.Warn("gleif cache write failed", "error", err)
		}
	}
	return result
}

// lookup hits the API once. A 404 is an answer, not a failure; everything
// else that prevents a verdict returns an error so the breaker counts it.
func (c *GLEIFClient) lookup(ctx context.Context, query, endpoint string) (GLEIFResult, error) {
	result := GLEIFResult{Query: query}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return c.failOpen(result, fmt.Sprintf("request build failed: %v", err)), err
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.failOpen(result, fmt.Sprintf("GLEIF API unreachable: %v", err)), err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		result.Error = "LEI not found"
		c.metrics.GLEIFLookups.WithLabelValues("not_found").Inc()
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GLEIF API returned status %d", resp.StatusCode)
		return c.failOpen(result, err.Error()), err
	}

	var envelope gleifAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return c.failOpen(result, fmt.Sprintf("GLEIF response decode failed: %v", err)), err
	}

	records, err := parseGLEIFData(envelope.Data)
	if err != nil {
		return c.failOpen(result, fmt.Sprintf("GLEIF response decode failed: %v", err)), err
	}

	result.Records = records
	for _, r := range records {
		if r.Verified() {
			result.Verified = true
			break
		}
	}
	if result.Verified {
		c.metrics.GLEIFLookups.WithLabelValues("verified").Inc()
	} else {
		c.metrics.GLEIFLookups.WithLabelValues("unverified").Inc()
	}
	return result, nil
}

func (c *GLEIFClient) failOpen(result GLEIFResult, msg string) GLEIFResult {
	c.log.Warn("gleif lookup failed", "query", result.Query, "error", msg)
	c.metrics.GLEIFLookups.WithLabelValues("error").Inc()
	result.Error = msg
	return result
}

// parseGLEIFData accepts either a record array (search) or a single record
// (LEI lookup).
func parseGLEIFData(data json.RawMessage) ([]GLEIFEntity, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var raw []gleifRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		var single gleifRecord
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, err
		}
		raw = []gleifRecord{single}
	}

	entities := make([]GLEIFEntity, 0, len(raw))
	for _, r := range raw {
		lei := r.Attributes.LEI
		if lei == "" {
			lei = r.ID
		}
		entities = append(entities, GLEIFEntity{
			LEI:                lei,
			LegalName:          r.Attributes.Entity.LegalName.Name,
			Status:             r.Attributes.Entity.Status,
			RegistrationStatus: r.Attributes.Registration.Status,
			Country:            r.Attributes.Entity.LegalAddress.Country,
			City:               r.Attributes.Entity.LegalAddress.City,
		})
	}
	return entities, nil
}
