// Package metrics exposes the engine's Prometheus instrumentation,
// narrowed to the trade-execution core's own operations: order placement,
// watchdog fires, kill-switch engagements, and reconciler findings.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every metric the engine emits. One Collector per
// process, built once at startup and threaded into each component's
// constructor the same way *zap.Logger is.
type Collector struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrderLatency    *prometheus.HistogramVec
	TradesClosed    *prometheus.CounterVec
	RealizedPnl     prometheus.Gauge
	WatchdogFires   *prometheus.CounterVec
	KillSwitch      prometheus.Counter
	ReconcileFindings *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New registers and returns a Collector against reg. Pass
// prometheus.DefaultRegisterer from cmd/tradecore/main.go, or a fresh
// registry in tests.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_placed_total",
			Help: "Total number of orders placed, by role and order type.",
		}, []string{"role", "order_type"}),

		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_rejected_total",
			Help: "Total number of order placements rejected by the broker, by role and error kind.",
		}, []string{"role", "kind"}),

		OrderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecore_order_latency_seconds",
			Help:    "Latency of broker order placement calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}, []string{"role"}),

		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_trades_closed_total",
			Help: "Total number of trades reaching a terminal status, by close reason.",
		}, []string{"reason"}),

		RealizedPnl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_daily_realized_pnl_inr",
			Help: "Realized P&L for the current trading day, in INR.",
		}),

		WatchdogFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_watchdog_fires_total",
			Help: "Total number of watchdog timers that fired, by kind.",
		}, []string{"kind"}),

		KillSwitch: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_kill_switch_engaged_total",
			Help: "Total number of times the process-wide kill-switch was engaged.",
		}),

		ReconcileFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_reconcile_findings_total",
			Help: "Total number of position-first reconciler findings, by kind.",
		}, []string{"kind"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_broker_circuit_breaker_state",
			Help: "Current gobreaker state per broker call kind (0=closed, 1=half-open, 2=open).",
		}, []string{"call"}),
	}
}

// ObserveOrderLatency is a small helper for the common
// "defer metrics.ObserveOrderLatency(...)(time.Now())" pattern.
func (c *Collector) ObserveOrderLatency(role string) func(start time.Time) {
	return func(start time.Time) {
		c.OrderLatency.WithLabelValues(role).Observe(time.Since(start).Seconds())
	}
}
