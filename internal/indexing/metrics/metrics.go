package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChainCallsTotal tracks ledger API calls per endpoint
	ChainCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_chain_calls_total",
			Help: "Total number of ledger API calls",
		},
		[]string{"endpoint"},
	)

	// ChainErrorsTotal tracks failed ledger API calls per endpoint
	ChainErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_chain_errors_total",
			Help: "Total number of failed ledger API calls",
		},
		[]string{"endpoint", "error_type"},
	)

	// ChainLatency tracks ledger API latency
	ChainLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paywatch_chain_latency_seconds",
			Help:    "Ledger API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ChainTipHeight tracks the latest block height reported by the ledger
	ChainTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatch_chain_tip_height",
			Help: "Latest block height reported by the ledger API",
		},
	)

	// CursorHeight tracks the persisted cursor height
	CursorHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatch_cursor_height",
			Help: "Last fully processed block height",
		},
	)

	// LagBlocks tracks how far the cursor trails the chain tip
	LagBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatch_lag_blocks",
			Help: "Blocks between the chain tip and the cursor",
		},
	)

	// TicksTotal tracks poller ticks by outcome (ok, reorg, error, skipped)
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_poller_ticks_total",
			Help: "Total number of poller ticks by outcome",
		},
		[]string{"outcome"},
	)

	// TickDuration tracks how long a full tick takes
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paywatch_poller_tick_seconds",
			Help:    "Poller tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReorgsDetected tracks detected chain reorganizations
	ReorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paywatch_reorgs_detected_total",
			Help: "Total number of chain reorganizations detected",
		},
	)

	// EventsApplied tracks normalized events by type and result (applied, noop, deferred)
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_events_total",
			Help: "Total number of normalized contract events handled",
		},
		[]string{"type", "result"},
	)

	// EventsDropped tracks raw contract calls discarded during normalization
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_events_dropped_total",
			Help: "Total number of raw contract calls discarded by the normalizer",
		},
		[]string{"reason"},
	)

	// SweepApplied tracks invoices changed by the periodic sweeps
	SweepApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_sweep_applied_total",
			Help: "Total number of invoice updates applied by sweeps",
		},
		[]string{"sweep"},
	)

	// WebhookDeliveries tracks outbound webhook deliveries by result
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"event_type", "result"},
	)

	// WebhookLatency tracks outbound webhook POST latency
	WebhookLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paywatch_webhook_latency_seconds",
			Help:    "Webhook POST latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WebhookPending tracks attempt rows not yet delivered or failed
	WebhookPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatch_webhook_pending",
			Help: "Webhook attempt rows waiting for delivery",
		},
	)

	// WebhookVerifications tracks inbound signature checks by result
	WebhookVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_webhook_verifications_total",
			Help: "Total number of inbound webhook signature verifications",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatch_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
