package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.LedgerResult("applied", time.Millisecond)
	m.LedgerConflict()
	m.CacheLookup("l1")
	m.BusUpdate("applied")
	m.RegionReset("A", false, time.Second)
	m.ResetRetry()
	m.RegionRemaining("A", 10)
	m.MiningReward("A", "money", 5)
	m.MiningUnresolved("A")
	m.CoordPending(3)
	m.CoordJob("ok", time.Millisecond)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.LedgerResult("applied", time.Millisecond)
	m.LedgerResult("applied", time.Millisecond)
	m.LedgerResult("duplicate", time.Millisecond)
	m.BusUpdate("discarded")
	m.RegionRemaining("A", 42)
	m.MiningUnresolved("A")

	require.Equal(t, 2.0, testutil.ToFloat64(m.ledgerApplied.WithLabelValues("applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ledgerApplied.WithLabelValues("duplicate")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.busUpdates.WithLabelValues("discarded")))
	require.Equal(t, 42.0, testutil.ToFloat64(m.regionRemaining.WithLabelValues("A")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.miningUnresolved.WithLabelValues("A")))

	_, err = New(reg)
	require.Error(t, err, "registering twice on one registry must fail")
}
