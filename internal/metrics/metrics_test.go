package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.OrdersPlaced.WithLabelValues("entry", "LIMIT").Inc()
	c.OrdersRejected.WithLabelValues("sl", "SLM_BLOCKED").Inc()
	c.TradesClosed.WithLabelValues("FORCE_FLATTEN|FILLED").Inc()
	c.RealizedPnl.Set(1200.0)
	c.WatchdogFires.WithLabelValues("sl_trigger").Inc()
	c.KillSwitch.Inc()
	c.ReconcileFindings.WithLabelValues("stale_live").Inc()
	c.CircuitBreakerState.WithLabelValues("place_order").Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}
	require.Contains(t, byName, "tradecore_orders_placed_total")
	require.Contains(t, byName, "tradecore_kill_switch_engaged_total")
	require.Equal(t, 1.0, byName["tradecore_kill_switch_engaged_total"].Metric[0].GetCounter().GetValue())
	require.Equal(t, 1200.0, byName["tradecore_daily_realized_pnl_inr"].Metric[0].GetGauge().GetValue())
}

func TestObserveOrderLatencyRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	done := c.ObserveOrderLatency("entry")
	done(time.Now().Add(-10 * time.Millisecond))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "tradecore_order_latency_seconds" {
			found = true
			require.Equal(t, uint64(1), f.Metric[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found)
}
