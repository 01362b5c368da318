package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the engine's Prometheus instrumentation. All series are labeled
// by market where that makes sense.
type Metrics struct {
	registry *prometheus.Registry

	OrdersAdmitted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	FillVolume      *prometheus.CounterVec
	Liquidations    *prometheus.CounterVec
	ADLReductions   *prometheus.CounterVec
	FundingTicks    *prometheus.CounterVec
	MarkPrice       *prometheus.GaugeVec
	OpenInterest    *prometheus.GaugeVec
	InsuranceFund   *prometheus.GaugeVec
	OpenPairs       *prometheus.GaugeVec
	MarketHalted    *prometheus.GaugeVec
	HubSessions     prometheus.Gauge
	SlowConsumers   prometheus.Counter
	JournalRecords  prometheus.Counter
	RiskTickSeconds prometheus.Histogram
}

// New creates and registers the full metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OrdersAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_admitted_total",
			Help: "Orders that passed authentication and reservation.",
		}, []string{"market"}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected at admission, by taxonomy code.",
		}, []string{"market", "code"}),
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Matched fills.",
		}, []string{"market"}),
		FillVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fill_volume",
			Help: "Filled notional in collateral units.",
		}, []string{"market"}),
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_liquidations_total",
			Help: "Forced pair closes.",
		}, []string{"market"}),
		ADLReductions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_adl_reductions_total",
			Help: "Pairs reduced by auto-deleveraging.",
		}, []string{"market"}),
		FundingTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_funding_ticks_total",
			Help: "Funding interval accruals.",
		}, []string{"market"}),
		MarkPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_mark_price",
			Help: "Current mark price, 1e6 fixed point.",
		}, []string{"market"}),
		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_interest",
			Help: "Sum of open pair sizes.",
		}, []string{"market"}),
		InsuranceFund: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_insurance_fund",
			Help: "Insurance fund balance in collateral units.",
		}, []string{"market"}),
		OpenPairs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_pairs",
			Help: "Live pair count.",
		}, []string{"market"}),
		MarketHalted: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_market_halted",
			Help: "1 when admission is halted.",
		}, []string{"market"}),
		HubSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "engine_hub_sessions",
			Help: "Connected broadcast sessions.",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "engine_slow_consumers_total",
			Help: "Sessions dropped for queue overflow.",
		}),
		JournalRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "engine_journal_records_total",
			Help: "Records appended to the journal.",
		}),
		RiskTickSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_risk_tick_seconds",
			Help:    "Duration of one risk loop pass.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
}

// Handler serves the registry for the /metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
