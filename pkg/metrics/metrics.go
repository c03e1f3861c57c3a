package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_job_process_duration_seconds",
			Help:    "Queue job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind", "status"},
	)

	JobsProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_processed_total",
			Help: "Total number of queue jobs processed",
		},
		[]string{"kind", "status"}, // status: completed, failed, retried
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Jobs currently waiting per priority lane",
		},
		[]string{"lane"},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Total channel delivery attempts",
		},
		[]string{"channel", "status"}, // status: delivered, failed, suppressed
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_ws_connections",
			Help: "Currently open websocket connections",
		},
	)

	TemplateRenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_template_render_duration_seconds",
			Help:    "Template render duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
		},
		[]string{"status"},
	)
)

func RecordJobProcess(kind, status string, duration time.Duration) {
	JobProcessDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	JobsProcessedCount.WithLabelValues(kind, status).Inc()
}

func SetQueueDepth(lane string, depth int64) {
	QueueDepth.WithLabelValues(lane).Set(float64(depth))
}

func IncrementDelivery(channel, status string) {
	NotificationsDelivered.WithLabelValues(channel, status).Inc()
}

func IncrementWSConnections() {
	WSConnections.Inc()
}

func DecrementWSConnections() {
	WSConnections.Dec()
}

func RecordTemplateRender(status string, duration time.Duration) {
	TemplateRenderDuration.WithLabelValues(status).Observe(duration.Seconds())
}
