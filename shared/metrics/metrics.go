// Package metrics holds the Prometheus collectors shared by the services.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loyalty"

// Metrics holds all Prometheus metrics for the ledger engine.
type Metrics struct {
	EntriesTotal        *prometheus.CounterVec
	PointsTotal         *prometheus.CounterVec
	RedemptionsTotal    *prometheus.CounterVec
	PaymentCallsTotal   *prometheus.CounterVec
	CredentialLookups   *prometheus.CounterVec
	PoolAcquireSeconds  prometheus.Histogram
	PoolExhaustedTotal  prometheus.Counter
	ReconciledTotal     *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	WebhookDeliveries   *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New initializes the collectors and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Total number of points entries appended, by kind.",
		}, []string{"kind"}),
		PointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_total",
			Help:      "Absolute points moved by committed entries, by kind.",
		}, []string{"kind"}),
		RedemptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redemption",
			Name:      "finalized_total",
			Help:      "Total number of redemptions reaching a terminal status.",
		}, []string{"status"}),
		PaymentCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "calls_total",
			Help:      "Payment provider calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		CredentialLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenancy",
			Name:      "credential_lookups_total",
			Help:      "Tenant credential cache lookups by result (hit, miss).",
		}, []string{"result"}),
		PoolAcquireSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_acquire_seconds",
			Help:      "Time spent waiting for a transaction slot.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PoolExhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_exhausted_total",
			Help:      "Transactions rejected because no slot became free in time.",
		}),
		ReconciledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "records_total",
			Help:      "Redemption records handled by the reconciler, by outcome.",
		}, []string{"outcome"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Committed events handed to the event stream, by outcome.",
		}, []string{"outcome"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "webhook_deliveries_total",
			Help:      "Events relayed to tenant webhooks, by outcome.",
		}, []string{"outcome"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) EntryAppended(kind string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.EntriesTotal.WithLabelValues(kind).Inc()
	m.PointsTotal.WithLabelValues(kind).Add(float64(amount))
}

func (m *Metrics) RedemptionFinalized(status string) {
	if m == nil {
		return
	}
	m.RedemptionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) PaymentCall(op, outcome string) {
	if m == nil {
		return
	}
	m.PaymentCallsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) CredentialLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CredentialLookups.WithLabelValues(result).Inc()
}

// PoolAcquired observes how long a caller waited for a slot.
func (m *Metrics) PoolAcquired(wait time.Duration) {
	if m == nil {
		return
	}
	m.PoolAcquireSeconds.Observe(wait.Seconds())
}

func (m *Metrics) PoolExhausted() {
	if m == nil {
		return
	}
	m.PoolExhaustedTotal.Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.ReconciledTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventPublished(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(outcome).Inc()
}

// WebhookDelivery counts one relayed event (delivered, dropped, skipped).
func (m *Metrics) WebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
