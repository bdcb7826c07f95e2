package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// OrdersTotal counts order commands by action and outcome.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_total",
			Help: "Total number of orders by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	TradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_trades_total",
			Help: "Total number of executed trades",
		},
	)

	TradedQuantity = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_traded_quantity_total",
			Help: "Total executed quantity",
		},
	)

	SelfTradePrevented = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_self_trade_prevented_total",
			Help: "Submissions where self-trade prevention applied",
		},
	)

	// OrderBookDepth tracks resting quantity per side.
	OrderBookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_orderbook_depth",
			Help: "Current order book depth",
		},
		[]string{"side"},
	)

	// SequencerSeq tracks the current order and trade sequence numbers.
	SequencerSeq = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_sequencer_seq",
			Help: "Current sequence number",
		},
		[]string{"stream"},
	)

	SpreadTicks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_spread_ticks",
			Help: "Best ask minus best bid in ticks",
		},
	)

	SpreadBps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_spread_bps",
			Help: "Spread in basis points of the midpoint",
		},
	)

	TopOfBookValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_top_of_book_value",
			Help: "Notional resting at the best bid and best ask",
		},
	)

	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_side_effect_failures_total",
			Help: "Failed persistence, cache, feed or settlement calls",
		},
		[]string{"target"},
	)

	EngineHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_engine_halted",
			Help: "1 when the engine stopped on a broken invariant",
		},
	)
)

// PrometheusMiddleware records request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}
