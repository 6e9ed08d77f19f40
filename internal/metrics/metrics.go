package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"semaphore/school-auth/internal/auth"
)

// Metrics holds the Prometheus collectors for the auth core.
type Metrics struct {
	registry *prometheus.Registry

	LoginsTotal             *prometheus.CounterVec
	SessionValidationsTotal *prometheus.CounterVec
	AuthorizationsTotal     *prometheus.CounterVec
	StorageRetriesTotal     *prometheus.CounterVec
	ServiceCallsTotal       *prometheus.CounterVec
	SessionsSweptTotal      prometheus.Counter
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "school_auth_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		SessionValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "school_auth_session_validations_total",
				Help: "Authenticated request checks by outcome",
			},
			[]string{"outcome"},
		),
		AuthorizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "school_auth_authorizations_total",
				Help: "Role and module decisions by outcome",
			},
			[]string{"outcome"},
		),
		StorageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "school_auth_storage_retries_total",
				Help: "Storage operations retried after a transient failure",
			},
			[]string{"op"},
		),
		ServiceCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "school_auth_service_calls_total",
				Help: "Introspection calls by method and service-token check result",
			},
			[]string{"method", "result"},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "school_auth_sessions_swept_total",
				Help: "Expired sessions removed by the sweep job",
			},
		),
	}
	registry.MustRegister(
		m.LoginsTotal,
		m.SessionValidationsTotal,
		m.AuthorizationsTotal,
		m.StorageRetriesTotal,
		m.ServiceCallsTotal,
		m.SessionsSweptTotal,
	)
	return m
}

// NewDefault builds metrics on a fresh registry that also exports the Go
// runtime and process collectors.
func NewDefault() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return New(registry)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveLogin(err error) {
	m.LoginsTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) ObserveSession(err error) {
	m.SessionValidationsTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) ObserveAuthorization(err error) {
	m.AuthorizationsTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) ObserveRetry(op string, _ error) {
	m.StorageRetriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveServiceCall(method, result string) {
	m.ServiceCallsTotal.WithLabelValues(method, result).Inc()
}

func (m *Metrics) ObserveSweep(deleted int64) {
	m.SessionsSweptTotal.Add(float64(deleted))
}

// Outcome is "ok", the auth error kind, or "error" for anything else.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := auth.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
