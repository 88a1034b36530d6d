package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_ingested_total", Help: "Market ticks accepted into the pipeline"},
		[]string{"symbol"},
	)
	TicksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_dropped_total", Help: "Ticks dropped before feature extraction"},
		[]string{"symbol", "reason"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals emitted by the state machine"},
		[]string{"symbol", "side"},
	)
	RiskBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "risk_blocks_total", Help: "Signals blocked by the risk gate"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Execution attempts by terminal status"},
		[]string{"symbol", "status"},
	)
	OrderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_retries_total", Help: "Order submissions retried after a transient failure"},
		[]string{"symbol"},
	)
	FeedReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Market data reconnect attempts"},
	)
	FeedLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "feed_live", Help: "1 when the symbol feed is fresh, 0 when stale"},
		[]string{"symbol"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Number of open positions"},
	)
	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "daily_pnl", Help: "Realized plus unrealized PnL for the trading day"},
	)
	SnapshotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "snapshot_failures_total", Help: "State snapshot writes that failed"},
	)
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_events_dropped_total", Help: "Events dropped for slow subscribers"},
		[]string{"subscriber"},
	)
	SignalToAckSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signal_to_ack_seconds",
			Help:    "Latency from signal creation to gateway ack",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TicksDroppedTotal, SignalsTotal, RiskBlocksTotal,
		OrdersTotal, OrderRetriesTotal, FeedReconnectsTotal, FeedLive,
		OpenPositions, DailyPnL, SnapshotFailuresTotal, EventsDroppedTotal,
		SignalToAckSeconds,
	)
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveSignalToAck records the signal-to-ack latency histogram.
func ObserveSignalToAck(d time.Duration) {
	SignalToAckSeconds.Observe(d.Seconds())
}
