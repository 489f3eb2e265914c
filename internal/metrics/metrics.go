// Package metrics exposes the engine's prometheus collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prison"

type Metrics struct {
	ledgerApplied   *prometheus.CounterVec
	ledgerConflicts prometheus.Counter
	ledgerSeconds   prometheus.Histogram

	cacheLookups *prometheus.CounterVec
	busUpdates   *prometheus.CounterVec

	regionResets     *prometheus.CounterVec
	resetRetries     prometheus.Counter
	resetSeconds     prometheus.Histogram
	regionRemaining  *prometheus.GaugeVec
	miningRewards    *prometheus.CounterVec
	miningRewardUnit *prometheus.CounterVec
	miningUnresolved *prometheus.CounterVec

	coordPending prometheus.Gauge
	coordJobs    *prometheus.CounterVec
	coordSeconds prometheus.Histogram
}

// New builds the collectors and registers them with reg (nil means a private registry).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ledgerApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "transactions_total",
			Help: "Ledger apply outcomes by result.",
		}, []string{"result"}),
		ledgerConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "version_conflicts_total",
			Help: "Compare-and-set conflicts that forced a re-read.",
		}),
		ledgerSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "apply_seconds",
			Help:    "Wall time of one ledger apply.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Balance reads by the tier that served them.",
		}, []string{"tier"}),
		busUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bus_updates_total",
			Help: "Cross-node balance updates by outcome.",
		}, []string{"outcome"}),
		regionResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "resets_total",
			Help: "Completed region resets by outcome.",
		}, []string{"region", "outcome"}),
		resetRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "batch_retries_total",
			Help: "Block batch writes retried during resets.",
		}),
		resetSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "region", Name: "reset_seconds",
			Help:    "Duration of a full region rewrite.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		regionRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "region", Name: "remaining_value",
			Help: "Remaining minable value per region.",
		}, []string{"region"}),
		miningRewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mining", Name: "rewards_total",
			Help: "Reward transactions produced by block breaks.",
		}, []string{"region"}),
		miningRewardUnit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mining", Name: "reward_value_total",
			Help: "Sum of reward deltas in minor units.",
		}, []string{"region", "currency"}),
		miningUnresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mining", Name: "rewards_unresolved_total",
			Help: "Rewards that still failed after retries and were handed back for re-submission.",
		}, []string{"region"}),
		coordPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "coord", Name: "pending_jobs",
			Help: "Jobs queued or running off the tick goroutine.",
		}),
		coordJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coord", Name: "jobs_total",
			Help: "Finished jobs by outcome.",
		}, []string{"outcome"}),
		coordSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "coord", Name: "job_seconds",
			Help:    "Job latency from submit to completion.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}
	for _, c := range []prometheus.Collector{
		m.ledgerApplied, m.ledgerConflicts, m.ledgerSeconds,
		m.cacheLookups, m.busUpdates,
		m.regionResets, m.resetRetries, m.resetSeconds, m.regionRemaining, m.miningRewards, m.miningRewardUnit, m.miningUnresolved,
		m.coordPending, m.coordJobs, m.coordSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) LedgerResult(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerApplied.WithLabelValues(result).Inc()
	m.ledgerSeconds.Observe(d.Seconds())
}

func (m *Metrics) LedgerConflict() {
	if m == nil {
		return
	}
	m.ledgerConflicts.Inc()
}

func (m *Metrics) CacheLookup(tier string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier).Inc()
}

func (m *Metrics) BusUpdate(outcome string) {
	if m == nil {
		return
	}
	m.busUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RegionReset(region string, inconsistent bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if inconsistent {
		outcome = "inconsistent"
	}
	m.regionResets.WithLabelValues(region, outcome).Inc()
	m.resetSeconds.Observe(d.Seconds())
}

func (m *Metrics) ResetRetry() {
	if m == nil {
		return
	}
	m.resetRetries.Inc()
}

func (m *Metrics) RegionRemaining(region string, v int64) {
	if m == nil {
		return
	}
	m.regionRemaining.WithLabelValues(region).Set(float64(v))
}

func (m *Metrics) MiningReward(region, currency string, delta int64) {
	if m == nil {
		return
	}
	m.miningRewards.WithLabelValues(region).Inc()
	m.miningRewardUnit.WithLabelValues(region, currency).Add(float64(delta))
}

func (m *Metrics) MiningUnresolved(region string) {
	if m == nil {
		return
	}
	m.miningUnresolved.WithLabelValues(region).Inc()
}

func (m *Metrics) CoordPending(n int) {
	if m == nil {
		return
	}
	m.coordPending.Set(float64(n))
}

func (m *Metrics) CoordJob(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.coordJobs.WithLabelValues(outcome).Inc()
	m.coordSeconds.Observe(d.Seconds())
}
