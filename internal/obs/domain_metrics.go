package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentRequestTotal counts payment request build attempts by variant and result.
	PaymentRequestTotal *prometheus.CounterVec
	// PaymentCallbackTotal counts inbound provider callbacks by source (return, ipn) and result.
	PaymentCallbackTotal *prometheus.CounterVec
	// PaymentReconcileTotal counts reconciliation outcomes.
	PaymentReconcileTotal *prometheus.CounterVec
	// PaymentSignatureFailures counts callbacks rejected because of a signature mismatch.
	PaymentSignatureFailures prometheus.Counter
	// PaymentReconcileLatency records reconciliation latency in milliseconds.
	PaymentReconcileLatency prometheus.Histogram
	// OrderSyncTotal counts order payment-status synchronisation attempts.
	OrderSyncTotal *prometheus.CounterVec
	// AssetRelocationTotal counts asset relocation task outcomes.
	AssetRelocationTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_request_total",
			Help:      "Count of payment request build outcomes.",
		}, []string{"variant", "result"})
		PaymentCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callback_total",
			Help:      "Count of processed provider callbacks by outcome.",
		}, []string{"source", "result"})
		PaymentReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconcile_total",
			Help:      "Count of payment reconciliation outcomes.",
		}, []string{"status", "result"})
		PaymentSignatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_signature_failures_total",
			Help:      "Number of provider callbacks that failed signature verification.",
		})
		PaymentReconcileLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_reconcile_duration_ms",
			Help:      "Latency of payment reconciliation in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		})
		OrderSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_order_sync_total",
			Help:      "Count of order payment-status synchronisation attempts.",
		}, []string{"source", "result"})
		AssetRelocationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_asset_relocation_total",
			Help:      "Count of asset relocation task outcomes.",
		}, []string{"result"})

		register(reg, &PaymentRequestTotal)
		register(reg, &PaymentCallbackTotal)
		register(reg, &PaymentReconcileTotal)
		register(reg, &PaymentSignatureFailures)
		register(reg, &PaymentReconcileLatency)
		register(reg, &OrderSyncTotal)
		register(reg, &AssetRelocationTotal)
	})
}

// IncCounter increments vec for labels when the collector has been registered.
// Packages call it unconditionally so that tests which never register domain
// metrics keep working.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
