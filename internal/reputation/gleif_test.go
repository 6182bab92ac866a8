package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/resilience"
)

const gleifSearchBody = `{
	"data": [{
		"id": "529900T8BM49AURSDO55",
		"attributes": {
			"lei": "529900T8BM49AURSDO55",
			"entity": {
				"legalName": {"name": "Acme Payments Private Limited"},
				"status": "ACTIVE",
				"legalAddress": {"country": "IN", "city": "Bengaluru"}
			},
			"registration": {"status": "ISSUED"}
		}
	}]
}`

const gleifSingleBody = `{
	"data": {
		"id": "529900T8BM49AURSDO55",
		"attributes": {
			"entity": {
				"legalName": {"name": "Acme Payments Private Limited"},
				"status": "INACTIVE",
				"legalAddress": {"country": "IN"}
			},
			"registration": {"status": "LAPSED"}
		}
	}
}`

func gleifServer(t *testing.T, calls *atomic.Int64, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchByNameVerified(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, gleifSearchBody, http.StatusOK)
	c := NewGLEIFClient(srv.URL, nil, nil, observability.NewMetrics())

	result := c.SearchByName(context.Background(), "Acme Payments")
	assert.Equal(t, "Acme Payments", result.Query)
	assert.True(t, result.Verified)
	assert.Empty(t, result.Error)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "529900T8BM49AURSDO55", result.Records[0].LEI)
	assert.Equal(t, "Acme Payments Private Limited", result.Records[0].LegalName)
	assert.Equal(t, "IN", result.Records[0].Country)
}

func TestLookupLEISingleRecordUnverified(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, gleifSingleBody, http.StatusOK)
	c := NewGLEIFClient(srv.URL, nil, nil, observability.NewMetrics())

	result := c.LookupLEI(context.Background(), "529900T8BM49AURSDO55")
	require.Len(t, result.Records, 1)
	assert.False(t, result.Verified, "INACTIVE/LAPSED entities are not verified")
	// The record LEI falls back to the document id when attributes omit it.
	assert.Equal(t, "529900T8BM49AURSDO55", result.Records[0].LEI)
}

func TestLookupLEINotFound(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, `{}`, http.StatusNotFound)
	c := NewGLEIFClient(srv.URL, nil, nil, observability.NewMetrics())

	result := c.LookupLEI(context.Background(), "NOPE")
	assert.Equal(t, "LEI not found", result.Error)
	assert.False(t, result.Verified)
	assert.Empty(t, result.Records)
}

func TestGLEIFFailsOpen(t *testing.T) {
	c := NewGLEIFClient("http://127.0.0.1:1", nil, nil, observability.NewMetrics())

	result := c.SearchByName(context.Background(), "Acme")
	assert.NotEmpty(t, result.Error, "API failure surfaces as Error, never as a threat")
	assert.False(t, result.Verified)
	assert.Empty(t, result.Records)
}

func TestGLEIFCachesSuccessOnly(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, gleifSearchBody, http.StatusOK)
	c := NewGLEIFClient(srv.URL, newVerdictCache(t), nil, observability.NewMetrics())

	first := c.SearchByName(context.Background(), "Acme Payments")
	second := c.SearchByName(context.Background(), "Acme Payments")

	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.True(t, second.Verified)

	// Name and LEI lookups use distinct cache keys.
	c.LookupLEI(context.Background(), "Acme Payments")
	assert.Equal(t, int64(2), calls.Load())
}

func TestGLEIFErrorNotCached(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, `{}`, http.StatusInternalServerError)
	c := NewGLEIFClient(srv.URL, newVerdictCache(t), nil, observability.NewMetrics())

	c.SearchByName(context.Background(), "Acme")
	c.SearchByName(context.Background(), "Acme")
	assert.Equal(t, int64(2), calls.Load(), "failed lookups must retry")
}

func TestGLEIFBreakerFailsFast(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, `{}`, http.StatusInternalServerError)
	breaker := resilience.New(resilience.Config{Name: "gleif", FailureThreshold: 3})
	c := NewGLEIFClient(srv.URL, nil, breaker, observability.NewMetrics())

	for i := 0; i < 6; i++ {
		result := c.SearchByName(context.Background(), "Acme")
		assert.NotEmpty(t, result.Error)
		assert.False(t, result.Verified)
	}

	assert.Equal(t, int64(3), calls.Load(), "open circuit must fail open without calling out")
}

func TestGLEIFNotFoundDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int64
	srv := gleifServer(t, &calls, `{}`, http.StatusNotFound)
	breaker := resilience.New(resilience.Config{Name: "gleif", FailureThreshold: 1})
	c := NewGLEIFClient(srv.URL, nil, breaker, observability.NewMetrics())

	c.LookupLEI(context.Background(), "NOPE")
	result := c.LookupLEI(context.Background(), "NOPE")
	assert.Equal(t, int64(2), calls.Load(), "a 404 is an answer, not an upstream failure")
	assert.Equal(t, "LEI not found", result.Error)
}

func TestVerified(t *testing.T) {
	assert.True(t, GLEIFEntity{Status: "ACTIVE", RegistrationStatus: "ISSUED"}.Verified())
	assert.False(t, GLEIFEntity{Status: "ACTIVE", RegistrationStatus: "LAPSED"}.Verified())
	assert.False(t, GLEIFEntity{Status: "INACTIVE", RegistrationStatus: "ISSUED"}.Verified())
}
