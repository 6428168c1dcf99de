package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Classmate/internal/config"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true, Namespace: "test"})
	m.Admission("created")
	m.Admission("joined")
	m.Admission("joined")
	m.Transition("active")
	m.Signal("offer")
	m.SignalDropped()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	body := scrape(t, m)
	assert.Contains(t, body, `test_admissions_total{outcome="joined"} 2`)
	assert.Contains(t, body, `test_admissions_total{outcome="created"} 1`)
	assert.Contains(t, body, `test_session_transitions_total{to="active"} 1`)
	assert.Contains(t, body, `test_signal_messages_total{type="offer"} 1`)
	assert.Contains(t, body, "test_signal_dropped_total 1")
	assert.Contains(t, body, "test_signal_connections 1")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admission("created")
		m.Transition("closed")
		m.Signal("join")
		m.SignalDropped()
		m.ConnOpened()
		m.ConnClosed()
	})
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(config.MetricsConfig{Enabled: true, Namespace: "test"})

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `test_http_requests_total{method="GET",route="/healthz",status="200"} 1`), body)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}
