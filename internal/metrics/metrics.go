// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "captioncast"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Upstream connection metrics
	UpstreamConnects   prometheus.Counter
	UpstreamReconnects prometheus.Counter
	UpstreamErrors     *prometheus.CounterVec
	UpstreamConnected  prometheus.Gauge
	AudioBytesSent     prometheus.Counter
	AudioFramesSent    prometheus.Counter

	// Caption metrics
	CaptionsPartial prometheus.Counter
	CaptionsFinal   prometheus.Counter

	// Sink metrics
	SinkClients *prometheus.GaugeVec
	SinkDropped *prometheus.CounterVec

	// Transcript store metrics
	StoreMutations *prometheus.CounterVec
	StoreEntries   prometheus.Gauge

	// External publisher metrics
	PublishTotal   prometheus.Counter
	PublishErrors  prometheus.Counter
	PublishRetries prometheus.Counter
	PublishLatency prometheus.Histogram

	// Kafka export metrics
	KafkaPublishTotal  *prometheus.CounterVec
	KafkaPublishErrors *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		UpstreamConnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Total number of upstream connection attempts",
		}),
		UpstreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of upstream errors",
		}, []string{"kind"}),
		UpstreamConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connected",
			Help:      "1 while the upstream socket is connected",
		}),
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total audio bytes forwarded upstream",
		}),
		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total audio frames forwarded upstream",
		}),

		CaptionsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captions_partial_total",
			Help:      "Total number of partial captions emitted",
		}),
		CaptionsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captions_final_total",
			Help:      "Total number of final captions emitted",
		}),

		SinkClients: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_clients",
			Help:      "Number of currently subscribed sink clients",
		}, []string{"sink"}),
		SinkDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Total number of sink subscribers dropped",
		}, []string{"sink", "reason"}),

		StoreMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_mutations_total",
			Help:      "Total number of transcript store mutations",
		}, []string{"kind"}),
		StoreEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_entries",
			Help:      "Number of transcript entries currently held",
		}),

		PublishTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of external caption publishes attempted",
		}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of failed external publishes",
		}),
		PublishRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Total number of conservative-form publish retries",
		}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Latency of external publish POSTs",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka export publishes",
		}, []string{"topic"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of failed Kafka export publishes",
		}, []string{"topic"}),
	}
}
