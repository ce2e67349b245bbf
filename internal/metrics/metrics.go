// Package metrics provides Prometheus metrics for the wager engine.
package metrics

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed-point scale used when exporting amounts.
const TokenDecimals = 18

// EngineMetrics collects wager, settlement and liquidity metrics on a
// private registry.
type EngineMetrics struct {
	registry *prometheus.Registry

	WagersTotal      *prometheus.CounterVec
	OpenWagers       *prometheus.GaugeVec
	Settlements      *prometheus.CounterVec
	StakeVolume      *prometheus.CounterVec
	FeesCredited     *prometheus.CounterVec
	KeeperRewards    *prometheus.CounterVec
	RewardMinted     prometheus.Counter
	PayoutFailures   *prometheus.CounterVec
	LiquidityOps     *prometheus.CounterVec
	LiquidityLatency *prometheus.HistogramVec
	GuardRejections  *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *EngineMetrics {
	m := &EngineMetrics{
		registry: prometheus.NewRegistry(),

		WagersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_wagers_total",
				Help: "Wagers created",
			},
			[]string{"asset"},
		),
		OpenWagers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flippening_open_wagers",
				Help: "Wagers holding escrowed stake, by status",
			},
			[]string{"status"},
		),
		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_settlements_total",
				Help: "Terminal transitions by resolution and winner",
			},
			[]string{"resolution", "winner"},
		),
		StakeVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_stake_volume",
				Help: "Stake escrowed, in whole tokens",
			},
			[]string{"asset"},
		),
		FeesCredited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_fees_credited",
				Help: "Protocol fees credited, in whole tokens",
			},
			[]string{"asset"},
		),
		KeeperRewards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_keeper_rewards",
				Help: "Keeper rewards paid on expiry, in whole tokens",
			},
			[]string{"asset"},
		),
		RewardMinted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flippening_reward_minted",
				Help: "Reward tokens minted, in whole tokens",
			},
		),
		PayoutFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_payout_failures_total",
				Help: "Payout legs that failed delivery and were left for retry",
			},
			[]string{"kind"},
		),
		LiquidityOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_liquidity_operations_total",
				Help: "AMM operations by kind and outcome",
			},
			[]string{"op", "status"},
		),
		LiquidityLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flippening_liquidity_duration_seconds",
				Help:    "Latency of AMM operations",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"op"},
		),
		GuardRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flippening_guard_rejections_total",
				Help: "Lifecycle calls rejected by a guard",
			},
			[]string{"op", "reason"},
		),
	}

	m.registry.MustRegister(
		m.WagersTotal,
		m.OpenWagers,
		m.Settlements,
		m.StakeVolume,
		m.FeesCredited,
		m.KeeperRewards,
		m.RewardMinted,
		m.PayoutFailures,
		m.LiquidityOps,
		m.LiquidityLatency,
		m.GuardRejections,
	)
	return m
}

// Registry returns the underlying registry.
func (m *EngineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Units converts a base-unit amount to whole tokens.
func Units(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	return decimal.NewFromBigInt(amount, -TokenDecimals).InexactFloat64()
}

// RecordCreated counts a new wager.
func (m *EngineMetrics) RecordCreated(asset string, stake *big.Int) {
	if m == nil {
		return
	}
	m.WagersTotal.WithLabelValues(asset).Inc()
	m.StakeVolume.WithLabelValues(asset).Add(Units(stake))
	m.OpenWagers.WithLabelValues("created").Inc()
}

// RecordGuess moves a wager between open gauges.
func (m *EngineMetrics) RecordGuess() {
	if m == nil {
		return
	}
	m.OpenWagers.WithLabelValues("created").Dec()
	m.OpenWagers.WithLabelValues("guessed").Inc()
}

// RecordSettlement counts a terminal transition. from is the status the
// wager left.
func (m *EngineMetrics) RecordSettlement(from, resolution, winner, asset string, fee, keeperReward, minted *big.Int) {
	if m == nil {
		return
	}
	m.OpenWagers.WithLabelValues(from).Dec()
	m.Settlements.WithLabelValues(resolution, winner).Inc()
	if fee != nil && fee.Sign() > 0 {
		m.FeesCredited.WithLabelValues(asset).Add(Units(fee))
	}
	if keeperReward != nil && keeperReward.Sign() > 0 {
		m.KeeperRewards.WithLabelValues(asset).Add(Units(keeperReward))
	}
	if minted != nil && minted.Sign() > 0 {
		m.RewardMinted.Add(Units(minted))
	}
}

// RecordPayoutFailure counts an undelivered payout leg.
func (m *EngineMetrics) RecordPayoutFailure(kind string) {
	if m == nil {
		return
	}
	m.PayoutFailures.WithLabelValues(kind).Inc()
}

// RecordLiquidity counts an AMM operation and its latency.
func (m *EngineMetrics) RecordLiquidity(op string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.LiquidityOps.WithLabelValues(op, status).Inc()
	m.LiquidityLatency.WithLabelValues(op).Observe(seconds)
}

// RecordRejection counts a guard rejection.
func (m *EngineMetrics) RecordRejection(op, reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(op, reason).Inc()
}
