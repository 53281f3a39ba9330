package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue collectors are updated by workers and the admin stats endpoint.
var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokopay_queue_depth",
		Help: "Ready or delayed tasks waiting per kind.",
	}, []string{"kind"})
	QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_queue_processed_total",
		Help: "Task deliveries by outcome: success, retry or dead.",
	}, []string{"kind", "status"})
	QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokopay_queue_dlq_size",
		Help: "Dead-lettered tasks per kind.",
	}, []string{"kind"})
)

// MustRegisterMetrics exposes the queue collectors on reg, or the default
// registerer when reg is nil. Registering twice is a no-op.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{QueueDepth, QueueProcessedTotal, QueueDLQSize} {
		var are prometheus.AlreadyRegisteredError
		if err := reg.Register(c); err != nil && !errors.As(err, &are) {
			panic(err)
		}
	}
}

func queueLabel(kind string) string {
	if kind == "" {
		return "all"
	}
	return kind
}
