// Package metrics exposes commit, prune and snapshot progress to Prometheus.
// A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgerx"

type Metrics struct {
	registry *prometheus.Registry

	committedCheckpoints *prometheus.CounterVec
	committedRows        *prometheus.CounterVec
	commitLatency        *prometheus.HistogramVec
	checkpointHi         *prometheus.GaugeVec

	prunedRows        *prometheus.CounterVec
	retiredPartitions *prometheus.CounterVec
	readerLo          *prometheus.GaugeVec
	prunerHi          *prometheus.GaugeVec

	snapshotHi prometheus.Gauge
}

// New registers the ledgerx collectors plus the Go and process collectors
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		committedCheckpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_checkpoints_total",
			Help:      "Checkpoints committed per pipeline.",
		}, []string{"pipeline"}),
		committedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_rows_total",
			Help:      "Rows written per pipeline.",
		}, []string{"pipeline"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time to commit one batch, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"pipeline"}),
		checkpointHi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_hi_inclusive",
			Help:      "Highest committed checkpoint per pipeline.",
		}, []string{"pipeline"}),
		prunedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_rows_total",
			Help:      "Rows deleted by the pruner per pipeline.",
		}, []string{"pipeline"}),
		retiredPartitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retired_partitions_total",
			Help:      "Partitions detached by the pruner per pipeline.",
		}, []string{"pipeline"}),
		readerLo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reader_lo",
			Help:      "Lowest checkpoint guaranteed readable per pipeline.",
		}, []string{"pipeline"}),
		prunerHi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pruner_hi",
			Help:      "Exclusive upper bound of pruned checkpoints per pipeline.",
		}, []string{"pipeline"}),
		snapshotHi: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_checkpoint_hi_inclusive",
			Help:      "Checkpoint objects_snapshot reflects.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.committedCheckpoints,
		m.committedRows,
		m.commitLatency,
		m.checkpointHi,
		m.prunedRows,
		m.retiredPartitions,
		m.readerLo,
		m.prunerHi,
		m.snapshotHi,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and for callers adding their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveCommit(pipeline string, checkpoints, rows int, hi int64, took time.Duration) {
	if m == nil {
		return
	}
	m.committedCheckpoints.WithLabelValues(pipeline).Add(float64(checkpoints))
	m.committedRows.WithLabelValues(pipeline).Add(float64(rows))
	m.commitLatency.WithLabelValues(pipeline).Observe(took.Seconds())
	m.checkpointHi.WithLabelValues(pipeline).Set(float64(hi))
}

func (m *Metrics) ObservePrune(pipeline string, deleted int64, retired int, readerLo, prunerHi int64) {
	if m == nil {
		return
	}
	m.prunedRows.WithLabelValues(pipeline).Add(float64(deleted))
	m.retiredPartitions.WithLabelValues(pipeline).Add(float64(retired))
	m.readerLo.WithLabelValues(pipeline).Set(float64(readerLo))
	m.prunerHi.WithLabelValues(pipeline).Set(float64(prunerHi))
}

func (m *Metrics) ObserveSnapshot(hi int64) {
	if m == nil {
		return
	}
	m.snapshotHi.Set(float64(hi))
}
