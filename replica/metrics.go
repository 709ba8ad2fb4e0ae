package replica

import (
	"github.com/influxdata/replication"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the replica metrics of a stub.
type Metrics struct {
	committed     *prometheus.CounterVec
	writes        *prometheus.CounterVec
	localFailures prometheus.Counter
	repairs       prometheus.Counter
	checkpoints   *prometheus.CounterVec
	status        *prometheus.GaugeVec
}

// NewMetrics returns unregistered replica metrics.
func NewMetrics() *Metrics {
	const (
		namespace = "replication"
		subsystem = "replica"
	)

	return &Metrics{
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutations_committed_total",
			Help:      "Number of mutations committed, by the replica's status",
		}, []string{"status"}),

		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_writes_total",
			Help:      "Number of client writes, by result",
		}, []string{"result"}),

		localFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_failures_total",
			Help:      "Number of app or log failures that moved a replica to the error status",
		}),

		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "incomplete_data_repairs_total",
			Help:      "Number of commit log resets after an incomplete data check",
		}),

		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoints_total",
			Help:      "Number of app checkpoints, by result",
		}, []string{"result"}),

		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status",
			Help:      "Partition status of each replica (0 inactive, 1 error, 2 primary, 3 secondary, 4 potential secondary)",
		}, []string{"partition"}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.committed,
		m.writes,
		m.localFailures,
		m.repairs,
		m.checkpoints,
		m.status,
	}
}

func (m *Metrics) setStatus(gpid replication.GPID, s replication.PartitionStatus) {
	m.status.WithLabelValues(gpid.String()).Set(float64(s))
}

func (m *Metrics) forget(gpid replication.GPID) {
	m.status.DeleteLabelValues(gpid.String())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
