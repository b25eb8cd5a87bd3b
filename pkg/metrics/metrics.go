package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/memguard/pkg/state"
)

// Metrics holds the guardian's Prometheus collectors
type Metrics struct {
	MemoryBytes      prometheus.Gauge
	ClassificationID prometheus.Gauge
	SamplesTotal     prometheus.Counter
	SampleFailures   prometheus.Counter
	RestartsTotal    *prometheus.CounterVec
	RestartFailures  prometheus.Counter
	Degraded         prometheus.Gauge
	SnapshotsTotal   prometheus.Counter
	SnapshotFailures prometheus.Counter
}

// New creates and registers the guardian collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memguard_process_memory_bytes",
			Help: "Last sampled RSS of the supervised process",
		}),
		ClassificationID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memguard_classification",
			Help: "Current classification tier (0=normal 1=warning 2=critical 3=emergency)",
		}),
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memguard_samples_total",
			Help: "Total memory samples taken",
		}),
		SampleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memguard_sample_failures_total",
			Help: "Samples where the whole probe chain failed",
		}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memguard_restarts_total",
			Help: "Restarts of the supervised process by trigger reason",
		}, []string{"reason"}),
		RestartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memguard_restart_failures_total",
			Help: "Restart attempts that failed to produce a running replacement",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memguard_degraded",
			Help: "1 when the guardian is degraded and no longer auto-restarting",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memguard_snapshots_total",
			Help: "State snapshots successfully persisted",
		}),
		SnapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memguard_snapshot_failures_total",
			Help: "State snapshot persist failures",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MemoryBytes,
			m.ClassificationID,
			m.SamplesTotal,
			m.SampleFailures,
			m.RestartsTotal,
			m.RestartFailures,
			m.Degraded,
			m.SnapshotsTotal,
			m.SnapshotFailures,
		)
	}
	return m
}

// RegisterStateStats exposes state manager and cache counters, computed at
// scrape time. They only ever increase, so they are counters.
func RegisterStateStats(reg prometheus.Registerer, mgr *state.Manager) {
	if reg == nil || mgr == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "memguard_cache_hits_total",
			Help: "Snapshot cache hits",
		}, func() float64 { return float64(mgr.GetStats().CacheStats.Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "memguard_cache_misses_total",
			Help: "Snapshot cache misses",
		}, func() float64 { return float64(mgr.GetStats().CacheStats.Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "memguard_state_writes_total",
			Help: "Snapshot storage writes",
		}, func() float64 { return float64(mgr.GetStats().Writes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "memguard_state_reads_total",
			Help: "Snapshot storage reads",
		}, func() float64 { return float64(mgr.GetStats().Reads) }),
	)
}
