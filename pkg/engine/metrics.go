package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	positionsOpened     prometheus.Counter
	positionsClosed     prometheus.Counter
	partialCloses       prometheus.Counter
	liquidations        prometheus.Counter
	partialLiquidations prometheus.Counter
	fundingSettlements  prometheus.Counter
	failedSwaps         prometheus.Counter
	badDebt             prometheus.Counter
	openInterest        prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "positions_opened_total",
			Help: "Positions opened through the lifecycle engine.",
		}),
		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "positions_closed_total",
			Help: "Positions fully closed, including liquidations and TP/SL triggers.",
		}),
		partialCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "partial_closes_total",
			Help: "Partial closes forced by the fluctuation limit.",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "liquidations_total",
			Help: "Full liquidations executed.",
		}),
		partialLiquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "partial_liquidations_total",
			Help: "Partial liquidations executed.",
		}),
		fundingSettlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "funding_settlements_total",
			Help: "Funding settlements finalized.",
		}),
		failedSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "failed_swaps_total",
			Help: "Market swap requests that came back failed.",
		}),
		badDebt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perp", Name: "bad_debt_total",
			Help: "Cumulative collateral shortfall absorbed as bad debt.",
		}),
		openInterest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perp", Name: "open_interest_notional",
			Help: "Open interest notional across all markets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.positionsOpened, m.positionsClosed, m.partialCloses,
			m.liquidations, m.partialLiquidations, m.fundingSettlements,
			m.failedSwaps, m.badDebt, m.openInterest,
		)
	}
	return m
}
