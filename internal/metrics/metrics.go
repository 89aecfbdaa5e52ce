// Package metrics exposes the Prometheus instrumentation for the
// delivery queue.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the delivery queue
type Metrics struct {
	// Admission metrics
	MessagesQueued  prometheus.Counter
	MessagesRemoved prometheus.Counter
	QuotaRejections prometheus.Counter

	// Delivery metrics
	DeliveryAttempts  *prometheus.CounterVec
	DeliverySuccesses *prometheus.CounterVec
	DeliveryTempFails *prometheus.CounterVec
	DeliveryPermFails *prometheus.CounterVec
	DeliveryDeferrals *prometheus.CounterVec
	DeliveryDuration  prometheus.Histogram

	// Queue metrics
	InFlight    *prometheus.GaugeVec
	PoolBackoff *prometheus.CounterVec

	// Report metrics
	ReportsGenerated prometheus.Counter
	DoubleBounces    prometheus.Counter
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	queueLabel := []string{"queue"}
	return &Metrics{
		MessagesQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spoold_messages_queued_total",
			Help: "Total number of messages admitted into the queue",
		}),
		MessagesRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spoold_messages_removed_total",
			Help: "Total number of messages that left the queue",
		}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spoold_quota_rejections_total",
			Help: "Total number of messages rejected over quota",
		}),
		DeliveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spoold_delivery_attempts_total",
			Help: "Total number of delivery attempts per virtual queue",
		}, queueLabel),
		DeliverySuccesses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spoold_delivery_successes_total",
			Help: "Total number of completed recipients per virtual queue",
		}, queueLabel),
		DeliveryTempFails: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spoold_delivery_tempfails_total",
			Help: "Total number of temporary delivery failures per virtual queue",
		}, queueLabel),
		DeliveryPermFails: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spoold_delivery_permfails_total",
			Help: "Total number of permanent delivery failures per virtual queue",
		}, queueLabel),
		DeliveryDeferrals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spoold_delivery_deferrals_total",
			Help: "Total number of rate or concurrency deferrals per virtual queue",
		}, queueLabel),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spoold_delivery_duration_seconds",
			Help:    "Time spent processing one queue event",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		InFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spoold_in_flight",
			Help: "Messages currently being processed per virtual queue",
		}, queueLabel),
		PoolBackoff: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spoold_pool_backoff_total",
			Help: "Events left for the next tick because a worker pool was full",
		}, queueLabel),
		ReportsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spoold_reports_generated_total",
			Help: "Total number of delivery status reports generated",
		}),
		DoubleBounces: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spoold_double_bounces_total",
			Help: "Total number of undeliverable delivery reports quiesced",
		}),
	}
}
