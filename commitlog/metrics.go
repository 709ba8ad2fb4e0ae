package commitlog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the commit log metrics. One Metrics value is shared by every
// log of a process; series are labelled with the log's name.
type Metrics struct {
	appends  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	segments *prometheus.GaugeVec
	pending  *prometheus.GaugeVec
	syncDur  *prometheus.HistogramVec
}

// NewMetrics returns unregistered commit log metrics.
func NewMetrics() *Metrics {
	const (
		namespace = "replication"
		subsystem = "commitlog"
	)

	labels := []string{"log"}

	return &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "appends_total",
			Help:      "Number of records appended, by status",
		}, append(labels, "status")),

		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "written_bytes_total",
			Help:      "Number of bytes written to segment files",
		}, labels),

		segments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "segments",
			Help:      "Number of segment files on disk",
		}, labels),

		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_appends",
			Help:      "Number of appends waiting for the writer",
		}, labels),

		syncDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_duration_seconds",
			Help:      "Histogram of times spent writing and syncing a batch",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 8),
		}, labels),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appends,
		m.bytes,
		m.segments,
		m.pending,
		m.syncDur,
	}
}

// logMetrics binds Metrics to one log's label.
type logMetrics struct {
	ok, failed prometheus.Counter
	bytes      prometheus.Counter
	segments   prometheus.Gauge
	pending    prometheus.Gauge
	syncDur    prometheus.Observer
}

func (m *Metrics) forLog(name string) *logMetrics {
	if m == nil {
		m = NewMetrics()
	}
	return &logMetrics{
		ok:       m.appends.WithLabelValues(name, "ok"),
		failed:   m.appends.WithLabelValues(name, "error"),
		bytes:    m.bytes.WithLabelValues(name),
		segments: m.segments.WithLabelValues(name),
		pending:  m.pending.WithLabelValues(name),
		syncDur:  m.syncDur.WithLabelValues(name),
	}
}
