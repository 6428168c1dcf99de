package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/Classmate/internal/config"
)

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
	admissions  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	signals     *prometheus.CounterVec
	dropped     prometheus.Counter
	conns       prometheus.Gauge
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: prometheus.DefBuckets}, []string{"method", "route"})
	r.MustRegister(httpReqCnt, httpDur)

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "admissions_total", Help: "Admission outcomes."}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "session_transitions_total", Help: "Applied lifecycle transitions."}, []string{"to"})
	r.MustRegister(admissions, transitions)

	signals := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "signal_messages_total"}, []string{"type"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "signal_dropped_total"})
	conns := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "signal_connections"})
	r.MustRegister(signals, dropped, conns)

	return &Metrics{
		registry:    r,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
		admissions:  admissions,
		transitions: transitions,
		signals:     signals,
		dropped:     dropped,
		conns:       conns,
	}
}

func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Signal(kind string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind).Inc()
}

func (m *Metrics) SignalDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.conns.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.conns.Dec()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the collectors for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
