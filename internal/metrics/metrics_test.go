package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/riskscore/internal/scoring"
)

func TestObserveScore(t *testing.T) {
	m := New()

	res := &scoring.Result{
		Breakdown: &scoring.ScoreBreakdown{FinalScore: 49.5},
		RuleErrors: []scoring.RuleError{
			{Name: "broken", Err: errors.New("boom")},
		},
	}
	m.ObserveScore("api", res)
	m.ObserveScore("api", res)
	m.ObserveScore("worker", res)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("worker")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RuleFailures.WithLabelValues("broken")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ScoreValue))
}

func TestConfigReplaced(t *testing.T) {
	m := New()
	m.ConfigReplaced()
	m.ConfigReplaced()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConfigReplacements))
}

func TestObserveHTTP(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/risk/score", http.StatusOK, 5*time.Millisecond)
	m.ObserveHTTP(http.MethodPost, "/risk/score", http.StatusNotFound, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/risk/score", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/risk/score", "404")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ConfigReplaced()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "riskscore_config_replacements_total 1"))
	assert.Contains(t, body, "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveScore("api", &scoring.Result{Breakdown: &scoring.ScoreBreakdown{}})
		m.ConfigReplaced()
		m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
