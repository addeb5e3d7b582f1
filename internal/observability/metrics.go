package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry      *prometheus.Registry
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	lockouts      prometheus.Counter
	logouts       prometheus.Counter
	authenticated prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Token refreshes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_lockouts_total",
			Help: "Number of times the login lockout engaged.",
		}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_logout_total",
			Help: "Number of logouts, forced or requested.",
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_authenticated",
			Help: "1 while the session is authenticated.",
		}),
	}
	registry.MustRegister(m.logins, m.refreshes, m.lockouts, m.logouts, m.authenticated)
	return m
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(trigger, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) Logout() {
	if m == nil {
		return
	}
	m.logouts.Inc()
}

func (m *Metrics) SetAuthenticated(on bool) {
	if m == nil {
		return
	}
	if on {
		m.authenticated.Set(1)
		return
	}
	m.authenticated.Set(0)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
