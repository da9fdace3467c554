package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	NotificationsReceived  prometheus.Counter
	NotificationsIgnored   prometheus.Counter
	NotificationsRejected  prometheus.Counter
	BouncesRecorded        prometheus.Counter
	ReportsSent            prometheus.Counter
	ReportSendFailures     prometheus.Counter
	RetentionRuns          prometheus.Counter
	RetentionStageFailures prometheus.Counter
	RecordsPruned          prometheus.Counter
	IngestDuration         prometheus.Histogram
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		NotificationsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_notifications_received_total",
			Help: "Total number of inbound notification requests",
		}),
		NotificationsIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_notifications_ignored_total",
			Help: "Total number of notifications acknowledged but not persisted",
		}),
		NotificationsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_notifications_rejected_total",
			Help: "Total number of notifications rejected as malformed or unverified",
		}),
		BouncesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_bounces_recorded_total",
			Help: "Total number of bounce records appended to the store",
		}),
		ReportsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_reports_sent_total",
			Help: "Total number of bounce reports delivered",
		}),
		ReportSendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_report_send_failures_total",
			Help: "Total number of report deliveries that failed after all retries",
		}),
		RetentionRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_retention_runs_total",
			Help: "Total number of retention cycles started",
		}),
		RetentionStageFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_retention_stage_failures_total",
			Help: "Total number of retention stages that failed",
		}),
		RecordsPruned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bounce_sentinel_records_pruned_total",
			Help: "Total number of records removed by retention pruning",
		}),
		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bounce_sentinel_ingest_duration_seconds",
			Help:    "Time spent handling inbound notifications",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
