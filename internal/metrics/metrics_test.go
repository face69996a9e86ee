package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandlerServesRuntimeCollectors(t *testing.T) {
	body := scrape(t, New())

	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "process_cpu_seconds_total")
}

func TestCountersAppearAfterIncrement(t *testing.T) {
	m := New()
	m.AuthzDecisions.WithLabelValues("allow").Inc()
	m.AuthzLookups.WithLabelValues("l1").Add(3)
	m.TokensIssued.WithLabelValues("access").Inc()
	m.Logins.WithLabelValues("succeeded").Inc()
	m.RateLimited.WithLabelValues("login").Inc()

	body := scrape(t, m)

	assert.Contains(t, body, `gatewarden_authz_decisions_total{outcome="allow"} 1`)
	assert.Contains(t, body, `gatewarden_authz_lookups_total{level="l1"} 3`)
	assert.Contains(t, body, `gatewarden_tokens_issued_total{kind="access"} 1`)
	assert.Contains(t, body, `gatewarden_logins_total{outcome="succeeded"} 1`)
	assert.Contains(t, body, `gatewarden_rate_limited_total{endpoint="login"} 1`)
}

func TestIndependentInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.HTTPRequests.WithLabelValues("GET", "/healthz", "200").Inc()

	assert.Contains(t, scrape(t, a), "gatewarden_http_requests_total")
	assert.NotContains(t, scrape(t, b), `route="/healthz"`)
}
