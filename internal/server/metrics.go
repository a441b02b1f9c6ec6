package server

import (
	"net/http"
	"time"

	"merchantrails/internal/escrow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the service registry. It also observes orchestrator actions.
type Metrics struct {
	registry         *prometheus.Registry
	actionsTotal     *prometheus.CounterVec
	approvalsTotal   *prometheus.CounterVec
	confirmation     *prometheus.HistogramVec
	sessionResets    *prometheus.CounterVec
	replaysTotal     prometheus.Counter
	rateLimitedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchantrails_actions_total",
		Help: "Wallet actions by outcome",
	}, []string{"action", "outcome"})

	approvals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchantrails_approvals_total",
		Help: "Token approvals submitted before a dependent call",
	}, []string{"token"})

	confirmation := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merchantrails_confirmation_seconds",
		Help:    "Time from submission to receipt",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"action"})

	resets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchantrails_session_resets_total",
		Help: "Wallet sessions torn down",
	}, []string{"reason"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merchantrails_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merchantrails_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(actions, approvals, confirmation, resets, replays, limited)

	return &Metrics{
		registry:         r,
		actionsTotal:     actions,
		approvalsTotal:   approvals,
		confirmation:     confirmation,
		sessionResets:    resets,
		replaysTotal:     replays,
		rateLimitedTotal: limited,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ActionCompleted(action escrow.Action, kind escrow.Kind) {
	m.actionsTotal.WithLabelValues(string(action), string(kind)).Inc()
}

func (m *Metrics) ApprovalSubmitted(token string) {
	m.approvalsTotal.WithLabelValues(token).Inc()
}

func (m *Metrics) Confirmed(action escrow.Action, elapsed time.Duration) {
	m.confirmation.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionReset(reason string) {
	m.sessionResets.WithLabelValues(reason).Inc()
}

func (m *Metrics) incReplay() {
	m.replaysTotal.Inc()
}

func (m *Metrics) incRateLimited() {
	m.rateLimitedTotal.Inc()
}
