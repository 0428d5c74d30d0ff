package pvnet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics is a per-server prometheus registry so multiple servers in
// one process (common in tests) never collide on registration.
type serverMetrics struct {
	registry *prometheus.Registry

	opsTotal      *prometheus.CounterVec
	opErrorsTotal *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec

	activeChannels prometheus.Gauge
	monitorsTotal  prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &serverMetrics{
		registry: registry,
		opsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pvnet",
			Name:      "ops_total",
			Help:      "Client operations by kind.",
		}, []string{"kind"}),
		opErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pvnet",
			Name:      "op_errors_total",
			Help:      "Client operations completed with an error, by kind.",
		}, []string{"kind"}),
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pvnet",
			Name:      "op_duration_seconds",
			Help:      "Time from submit to completion, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pvnet",
			Name:      "active_channels",
			Help:      "Currently attached client channels.",
		}),
		monitorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pvnet",
			Name:      "monitors_total",
			Help:      "Monitor subscriptions created.",
		}),
	}
}

// observe instruments an operation before submit.
func (self *serverMetrics) observe(op *Operation) {
	kind := string(op.kind)
	self.opsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	prev := op.onComplete
	op.onComplete = func(o *Operation, result opResult) {
		if prev != nil {
			prev(o, result)
		}
		self.opDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if result.err != nil {
			self.opErrorsTotal.WithLabelValues(kind).Inc()
		}
	}
}
