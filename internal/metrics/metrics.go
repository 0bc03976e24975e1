package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the billing core.
type Metrics struct {
	// Checkout metrics
	CheckoutsTotal          *prometheus.CounterVec
	CheckoutRejectionsTotal *prometheus.CounterVec
	CheckoutDuration        *prometheus.HistogramVec
	DuplicateWarningsTotal  prometheus.Counter

	// Webhook metrics
	WebhooksTotal          *prometheus.CounterVec
	WebhookDuration        *prometheus.HistogramVec
	IntegrityFailuresTotal *prometheus.CounterVec

	// Ledger metrics
	CreditsGrantedTotal  prometheus.Counter
	CreditsRefundedTotal prometheus.Counter

	// Lifecycle metrics
	OrdersExpiredTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_checkouts_total",
				Help: "Checkout attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		CheckoutRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_checkout_rejections_total",
				Help: "Checkouts rejected before reaching a processor, by reason",
			},
			[]string{"reason"},
		),
		CheckoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_checkout_duration_seconds",
				Help:    "Time to create a checkout session",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		),
		DuplicateWarningsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_duplicate_warnings_total",
				Help: "Checkouts that proceeded with a duplicate-order warning",
			},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhooks_total",
				Help: "Webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_duration_seconds",
				Help:    "Time to process a webhook delivery",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"provider"},
		),
		IntegrityFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_integrity_failures_total",
				Help: "Webhook integrity gate failures by check",
			},
			[]string{"check"},
		),
		CreditsGrantedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_credits_granted_total",
				Help: "Total credits granted through the ledger",
			},
		),
		CreditsRefundedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_credits_refunded_total",
				Help: "Total credits clawed back by refunds",
			},
		),
		OrdersExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_orders_expired_total",
				Help: "Stale orders expired by the sweep",
			},
		),
	}
}

// ObserveCheckout records a checkout attempt outcome.
func (m *Metrics) ObserveCheckout(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(provider, outcome).Inc()
	m.CheckoutDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveRejection records a pre-processor checkout rejection.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.CheckoutRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveWebhook records a webhook delivery outcome.
func (m *Metrics) ObserveWebhook(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(provider, outcome).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveIntegrityFailure records which integrity check rejected a payment.
func (m *Metrics) ObserveIntegrityFailure(check string) {
	if m == nil {
		return
	}
	m.IntegrityFailuresTotal.WithLabelValues(check).Inc()
}

// ObserveCreditsGranted records credits granted.
func (m *Metrics) ObserveCreditsGranted(credits int64) {
	if m == nil {
		return
	}
	m.CreditsGrantedTotal.Add(float64(credits))
}

// ObserveCreditsRefunded records credits clawed back by a refund.
func (m *Metrics) ObserveCreditsRefunded(credits int64) {
	if m == nil {
		return
	}
	m.CreditsRefundedTotal.Add(float64(credits))
}

// ObserveOrdersExpired records a sweep's expired order count.
func (m *Metrics) ObserveOrdersExpired(count int64) {
	if m == nil {
		return
	}
	m.OrdersExpiredTotal.Add(float64(count))
}
