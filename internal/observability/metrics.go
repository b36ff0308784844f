package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	LoginAttempts      *prometheus.CounterVec
	AccountLockouts    prometheus.Counter
	TokensIssued       *prometheus.CounterVec
	TokenValidations   *prometheus.CounterVec
	TokensRevoked      *prometheus.CounterVec
	TokensCleaned      *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	RateLimited        prometheus.Counter
	OperationDuration  *prometheus.HistogramVec
}

// NewMetrics registers every collector on a private registry so that several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LoginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_auth_login_attempts_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		AccountLockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "directory_auth_account_lockouts_total",
			Help: "Lockout windows opened by repeated failed logins",
		}),
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_auth_tokens_issued_total",
			Help: "Tokens issued by kind",
		}, []string{"kind"}),
		TokenValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_auth_token_validations_total",
			Help: "Token validations by result",
		}, []string{"result"}),
		TokensRevoked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_auth_tokens_revoked_total",
			Help: "Tokens revoked by reason",
		}, []string{"reason"}),
		TokensCleaned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_auth_tokens_cleaned_total",
			Help: "Token records deleted by maintenance",
		}, []string{"type"}),
		AuditWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "directory_auth_audit_write_failures_total",
			Help: "Audit events that could not be persisted",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "directory_auth_login_rate_limited_total",
			Help: "Login requests rejected by the per-IP rate limiter",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "directory_auth_operation_duration_seconds",
			Help:    "Duration of authentication operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
