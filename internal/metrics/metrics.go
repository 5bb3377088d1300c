// Package metrics exposes Prometheus collectors for the ledger jobs.
//
// Collectors live on a private registry served by Handler, so tests and
// multiple instances never collide on the global default registry. Every
// Observe method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/verifier"
)

// Metrics holds every ledger collector.
type Metrics struct {
	reg *prometheus.Registry

	// Verification runs by trigger and status
	Verifications *prometheus.CounterVec

	// 1 while the most recent verification found a break
	ChainBroken prometheus.Gauge

	// Events checked per verification run
	EventsVerified prometheus.Histogram

	VerificationDuration prometheus.Histogram

	// Merge attempts by status
	Merges *prometheus.CounterVec

	// Offline candidates by outcome: merged, duplicate, conflict, dropped, rehashed
	MergeEvents *prometheus.CounterVec

	Exports        prometheus.Counter
	ExportedEvents prometheus.Counter
	ExportedBytes  prometheus.Counter

	// Replication status changes by new status
	Replication *prometheus.CounterVec

	// Scheduled job runs by job and result
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered on a fresh
// registry, together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_verifications_total",
			Help: "Chain verification runs by trigger and result status",
		}, []string{"trigger", "status"}),

		ChainBroken: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_broken",
			Help: "1 if the most recent verification found an integrity violation",
		}),

		EventsVerified: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_verification_events",
			Help:    "Events checked per verification run",
			Buckets: prometheus.ExponentialBuckets(10, 10, 7),
		}),

		VerificationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_verification_duration_seconds",
			Help:    "Duration of chain verification runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_merges_total",
			Help: "Offline merge attempts by status",
		}, []string{"status"}),

		MergeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_merge_events_total",
			Help: "Offline event candidates by merge outcome",
		}, []string{"outcome"}),

		Exports: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_exports_total",
			Help: "Archive artifacts written",
		}),

		ExportedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_exported_events_total",
			Help: "Events written to archive artifacts",
		}),

		ExportedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_exported_bytes_total",
			Help: "Compressed archive bytes written",
		}),

		Replication: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_replication_updates_total",
			Help: "Archive replication status changes by new status",
		}, []string{"status"}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_job_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveVerification records one verification run.
func (m *Metrics) ObserveVerification(trigger string, _ audit.Range, res verifier.Result) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(trigger, string(res.Status)).Inc()
	m.EventsVerified.Observe(float64(res.EventsVerified))
	m.VerificationDuration.Observe(res.Duration.Seconds())
	if res.Status == audit.VerificationBroken {
		m.ChainBroken.Set(1)
	} else {
		m.ChainBroken.Set(0)
	}
}

// ObserveMerge records one merge attempt.
func (m *Metrics) ObserveMerge(rec audit.MergeRecord) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(string(rec.Status)).Inc()
	for outcome, n := range map[string]int{
		"merged":    rec.Merged,
		"duplicate": rec.Duplicates,
		"conflict":  rec.Conflicts,
		"dropped":   rec.Dropped,
		"rehashed":  rec.Rehashed,
	} {
		if n > 0 {
			m.MergeEvents.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// ObserveExport records one written archive.
func (m *Metrics) ObserveExport(a audit.ArchiveMetadata) {
	if m == nil {
		return
	}
	m.Exports.Inc()
	m.ExportedEvents.Add(float64(a.EventCount))
	m.ExportedBytes.Add(float64(a.SizeBytes))
}

// ObserveReplication records an archive replication status change.
func (m *Metrics) ObserveReplication(a audit.ArchiveMetadata) {
	if m == nil {
		return
	}
	m.Replication.WithLabelValues(string(a.ReplicationStatus)).Inc()
}

// ObserveJob records one scheduled job run.
func (m *Metrics) ObserveJob(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(name, result).Inc()
	m.JobDuration.WithLabelValues(name).Observe(took.Seconds())
}
