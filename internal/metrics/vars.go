package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QuotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_quotes_total",
		Help: "Quotes received, per venue",
	}, []string{"venue"})

	QuoteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_quote_errors_total",
		Help: "Quote failures or timeouts, per venue",
	}, []string{"venue"})

	QuoteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_quote_latency_seconds",
		Help:    "Time to obtain a venue quote",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	QuoteCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_quote_cache_hits_total",
		Help: "Best-quote cache hits",
	})

	OpportunitiesFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_opportunities_total",
		Help: "Opportunities emitted by the selector",
	})

	TradesExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_trades_total",
		Help: "Executed trades by outcome",
	}, []string{"outcome"})

	InFlightTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_trades_in_flight",
		Help: "Currently executing trades",
	})

	RealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_realized_pnl_usd",
		Help: "Cumulative realized PnL in USD",
	})

	RiskScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_risk_score",
		Help: "Aggregate risk score, 0-100",
	})

	Drawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_drawdown_pct",
		Help: "Current portfolio drawdown percent",
	})

	BreakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_circuit_breaker_open",
		Help: "1 while the circuit breaker is open",
	})
)

func init() {
	prometheus.MustRegister(
		QuotesTotal,
		QuoteErrors,
		QuoteLatency,
		QuoteCacheHits,
		OpportunitiesFound,
		TradesExecuted,
		InFlightTrades,
		RealizedPnL,
		RiskScore,
		Drawdown,
		BreakerOpen,
	)
}
