// Package metrics exposes Prometheus counters for the ledger, the webhook
// endpoint and the budget scheduler.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credits"

// Debit outcomes.
const (
	DebitFull    = "full"
	DebitClamped = "clamped"
	DebitRefused = "refused"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	debits         *prometheus.CounterVec
	debitedSeconds *prometheus.CounterVec
	credits        *prometheus.CounterVec
	creditedSecs   prometheus.Counter
	conflicts      prometheus.Counter
	webhooks       *prometheus.CounterVec
	alerts         *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Debit operations by service and outcome.",
		}, []string{"service", "outcome"}),
		debitedSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debited_seconds_total",
			Help:      "Seconds removed from balances by service.",
		}, []string{"service"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Settlement credits by result (applied or duplicate).",
		}, []string{"result"}),
		creditedSecs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credited_seconds_total",
			Help:      "Seconds added to balances by settlements.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Store transactions that lost an optimistic race.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget alerts recorded by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.debits, m.debitedSeconds, m.credits, m.creditedSecs,
		m.conflicts, m.webhooks, m.alerts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveDebit records a debit of requested seconds of which granted were taken.
func (m *Metrics) ObserveDebit(service string, requested, granted int64) {
	if m == nil {
		return
	}
	outcome := DebitFull
	switch {
	case granted == 0 && requested > 0:
		outcome = DebitRefused
	case granted < requested:
		outcome = DebitClamped
	}
	m.debits.WithLabelValues(service, outcome).Inc()
	if granted > 0 {
		m.debitedSeconds.WithLabelValues(service).Add(float64(granted))
	}
}

func (m *Metrics) ObserveCredit(applied bool, seconds int64) {
	if m == nil {
		return
	}
	if !applied {
		m.credits.WithLabelValues("duplicate").Inc()
		return
	}
	m.credits.WithLabelValues("applied").Inc()
	m.creditedSecs.Add(float64(seconds))
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAlert(alertType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType).Inc()
}
