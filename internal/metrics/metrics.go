// Package metrics exposes Prometheus collectors for the safety core.
//
//   - risk_fills_applied_total{symbol}            fills applied to the ledger
//   - risk_fills_rejected_total{reason}           fills rejected (validation, duplicate)
//   - risk_open_positions                         open positions gauge
//   - risk_account_daily_pnl                      aggregate daily P&L
//   - risk_pending_orders_expired_total           pending orders swept by TTL
//   - risk_reconcile_mismatches_total{symbol}     ledger vs broker mismatches
//   - risk_violations_total{scope}                risk guard violations (position|account)
//   - risk_failsafe_active                        1 while fail-safe mode is engaged
//   - risk_evidence_insufficient_total{tag}       fill claims without sufficient evidence
//   - risk_stuck_positions_total{classification}  stuck-monitor detections
//   - risk_session_flatten_total{result}          session-end closes (success|failure)
//   - risk_model_rotations_total{result}          rotation attempts (success|failure)
//   - risk_orders_blocked_total{reason}           orders refused at the gateway
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_fills_applied_total",
			Help: "Fills applied to the position ledger",
		},
		[]string{"symbol"},
	)

	FillsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_fills_rejected_total",
			Help: "Fills rejected by the position ledger",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_open_positions",
			Help: "Number of open positions",
		},
	)

	AccountDailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_account_daily_pnl",
			Help: "Aggregate daily P&L across positions",
		},
	)

	PendingOrdersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_pending_orders_expired_total",
			Help: "Pending orders removed by the staleness sweep",
		},
	)

	ReconcileMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_reconcile_mismatches_total",
			Help: "Ledger quantities that disagree with the broker",
		},
		[]string{"symbol"},
	)

	RiskViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_violations_total",
			Help: "Risk limit violations reported by the guard",
		},
		[]string{"scope"},
	)

	FailSafeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_failsafe_active",
			Help: "1 while the global fail-safe (dry-run) mode is engaged",
		},
	)

	EvidenceInsufficient = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_evidence_insufficient_total",
			Help: "Fill claims rejected for insufficient evidence",
		},
		[]string{"tag"},
	)

	StuckPositions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_stuck_positions_total",
			Help: "Stuck position detections by classification",
		},
		[]string{"classification"},
	)

	SessionFlatten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_session_flatten_total",
			Help: "Session-end close attempts by result",
		},
		[]string{"result"},
	)

	ModelRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_model_rotations_total",
			Help: "Model rotation attempts by result",
		},
		[]string{"result"},
	)

	OrdersBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_orders_blocked_total",
			Help: "Orders refused at the order boundary",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		FillsApplied,
		FillsRejected,
		OpenPositions,
		AccountDailyPnL,
		PendingOrdersExpired,
		ReconcileMismatches,
		RiskViolations,
		FailSafeActive,
		EvidenceInsufficient,
		StuckPositions,
		SessionFlatten,
		ModelRotations,
		OrdersBlocked,
	)
}
