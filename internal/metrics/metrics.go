package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the campaign engine.
type Metrics struct {
	CampaignsActive prometheus.Gauge
	CampaignEvents  *prometheus.CounterVec // labels: event=start|stop|terminal

	// Streaming sessions
	SessionsOpen  *prometheus.GaugeVec   // labels: session
	WSReconnects  *prometheus.CounterVec // labels: session, kind
	MessagesTotal *prometheus.CounterVec // labels: session
	HandlerErrors *prometheus.CounterVec // labels: session
	CandleLag     prometheus.Gauge

	// Signals and execution
	CrossoversTotal  *prometheus.CounterVec // labels: direction
	OrderAttempts    *prometheus.CounterVec // labels: action, outcome
	ExecutionResults *prometheus.CounterVec // labels: action, outcome=ok|failed|partial
	TrailingTriggers prometheus.Counter
	SlippagePct      prometheus.Histogram

	// Funding
	FundingTradeable prometheus.Gauge
	FundingScans     *prometheus.CounterVec // labels: outcome

	// Dependencies
	CircuitBreakerState *prometheus.GaugeVec // labels: name; 0=closed, 1=open, 2=half-open
	RedisWriteDur       prometheus.Histogram
	RedisBufferedWrites prometheus.Counter
}

// NewMetrics registers all metrics on reg (prometheus.DefaultRegisterer
// when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CampaignsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campaign_active",
			Help: "Campaigns currently registered",
		}),
		CampaignEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_events_total",
			Help: "Campaign lifecycle events",
		}, []string{"event"}),

		SessionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "campaign_ws_sessions_open",
			Help: "Streaming sessions currently in the Open state",
		}, []string{"session"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_ws_closes_total",
			Help: "Streaming session closes by close classification",
		}, []string{"session", "kind"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_ws_messages_total",
			Help: "Data messages dispatched to handlers",
		}, []string{"session"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_ws_handler_errors_total",
			Help: "Handler errors and recovered panics",
		}, []string{"session"}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campaign_candle_lag_seconds",
			Help: "Lag between confirmed candle close and processing time",
		}),

		CrossoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_crossovers_total",
			Help: "Fresh EMA crossovers acted on",
		}, []string{"direction"}),
		OrderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_order_attempts_total",
			Help: "Exchange attempts per retried unit",
		}, []string{"action", "outcome"}),
		ExecutionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_execution_results_total",
			Help: "Final execution outcomes",
		}, []string{"action", "outcome"}),
		TrailingTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaign_trailing_triggers_total",
			Help: "ATR trailing-stop triggers",
		}),
		SlippagePct: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_trailing_slippage_pct",
			Help:    "Realized vs estimated trigger price slippage in percent",
			Buckets: []float64{-1, -0.5, -0.1, -0.05, 0, 0.05, 0.1, 0.5, 1},
		}),

		FundingTradeable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campaign_funding_tradeable",
			Help: "Instruments passing funding thresholds",
		}),
		FundingScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_funding_scans_total",
			Help: "Funding polls by outcome",
		}, []string{"outcome"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "campaign_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_redis_write_duration_seconds",
			Help:    "Redis snapshot write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaign_redis_buffered_writes_total",
			Help: "Snapshot writes buffered while the Redis breaker was open",
		}),
	}

	reg.MustRegister(
		m.CampaignsActive,
		m.CampaignEvents,
		m.SessionsOpen,
		m.WSReconnects,
		m.MessagesTotal,
		m.HandlerErrors,
		m.CandleLag,
		m.CrossoversTotal,
		m.OrderAttempts,
		m.ExecutionResults,
		m.TrailingTriggers,
		m.SlippagePct,
		m.FundingTradeable,
		m.FundingScans,
		m.CircuitBreakerState,
		m.RedisWriteDur,
		m.RedisBufferedWrites,
	)

	return m
}

// Outcome labels a boolean result.
func Outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
