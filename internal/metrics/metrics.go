// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pkg_harvest"

// SyncMetrics holds the Prometheus instruments for harvest runs.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	packagesChanged *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	skippedRecords  *prometheus.CounterVec
}

// NewSyncMetrics creates the instruments and registers them with reg.
func NewSyncMetrics(reg prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Harvest runs by repository and terminal status.",
		}, []string{"repository", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of harvest runs in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"repository", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_active_runs",
			Help:      "Harvest runs currently in flight in this process.",
		}),
		packagesChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_changed_total",
			Help:      "Committed package changes by repository and kind.",
		}, []string{"repository", "change"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Upstream lookups by outcome.",
		}, []string{"outcome"}),
		skippedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_records_total",
			Help:      "Raw records rejected by validation.",
		}, []string{"repository"}),
	}

	for _, c := range []prometheus.Collector{
		m.runsTotal, m.runDuration, m.activeRuns, m.packagesChanged, m.resolutions, m.skippedRecords,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RunStarted marks a run as in flight.
func (m *SyncMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records the terminal status and duration of a run.
func (m *SyncMetrics) RunFinished(repository, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(repository, status).Inc()
	m.runDuration.WithLabelValues(repository, status).Observe(d.Seconds())
}

// PackagesChanged records the committed counts of a successful run.
func (m *SyncMetrics) PackagesChanged(repository string, added, updated, removed int) {
	if m == nil {
		return
	}
	m.packagesChanged.WithLabelValues(repository, "added").Add(float64(added))
	m.packagesChanged.WithLabelValues(repository, "updated").Add(float64(updated))
	m.packagesChanged.WithLabelValues(repository, "removed").Add(float64(removed))
}

// Resolution counts one upstream lookup by outcome: found, not_found, transient,
// fatal or cancelled.
func (m *SyncMetrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

// RecordSkipped counts records dropped by validation.
func (m *SyncMetrics) RecordSkipped(repository string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.skippedRecords.WithLabelValues(repository).Add(float64(n))
}
