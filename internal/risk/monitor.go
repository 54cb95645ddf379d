package risk

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/metrics"
	"futures-risk-bot/internal/position"
)

// AccountMonitor applies the guard to live ledger state. It tracks the
// equity high-water mark, serves as the ledger's account risk hook and
// observes per-fill position updates.
type AccountMonitor struct {
	guard     *Guard
	limits    Limits
	publisher events.Publisher
	logger    zerolog.Logger

	mu             sync.RWMutex
	highWaterMark  decimal.Decimal
	lastViolations []string
}

// NewAccountMonitor creates a monitor. The high-water mark starts at the
// configured account balance.
func NewAccountMonitor(limits Limits, publisher events.Publisher, logger zerolog.Logger) *AccountMonitor {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &AccountMonitor{
		guard:         NewGuard(),
		limits:        limits,
		publisher:     publisher,
		logger:        logger.With().Str("component", "RiskLimitGuard").Logger(),
		highWaterMark: limits.AccountBalance,
	}
}

// Evaluate runs the account-level check. It matches position.AccountRiskHook.
func (m *AccountMonitor) Evaluate(positions []position.Position) []string {
	m.mu.Lock()
	equity := Equity(m.limits.AccountBalance, positions)
	if equity.GreaterThan(m.highWaterMark) {
		m.highWaterMark = equity
	}
	hwm := m.highWaterMark
	m.mu.Unlock()

	violations := m.guard.CheckAccount(positions, m.limits, hwm)

	m.mu.Lock()
	m.lastViolations = violations
	m.mu.Unlock()
	return violations
}

// OnPositionUpdate checks the updated position against the limits
func (m *AccountMonitor) OnPositionUpdate(update position.PositionUpdate) {
	violations := m.guard.CheckPosition(update.Position, m.limits)
	for _, v := range violations {
		metrics.RiskViolations.WithLabelValues("position").Inc()
		m.logger.Warn().
			Str("symbol", update.Position.Symbol).
			Int64("net_qty", update.Position.NetQuantity).
			Str("violation", v).
			Msg("Position risk violation")
		m.publisher.Publish(events.Event{
			Type: events.EventRiskViolation,
			Data: map[string]interface{}{
				"scope":     "position",
				"symbol":    update.Position.Symbol,
				"violation": v,
			},
		})
	}
}

// HighWaterMark returns the highest observed equity
func (m *AccountMonitor) HighWaterMark() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highWaterMark
}

// Limits returns the configured limits
func (m *AccountMonitor) Limits() Limits {
	return m.limits
}

// GetRiskMetrics returns current risk metrics for the operator API
func (m *AccountMonitor) GetRiskMetrics(positions []position.Position) map[string]interface{} {
	m.mu.RLock()
	hwm := m.highWaterMark
	last := append([]string(nil), m.lastViolations...)
	m.mu.RUnlock()

	equity := Equity(m.limits.AccountBalance, positions)
	return map[string]interface{}{
		"account_balance":   m.limits.AccountBalance.StringFixed(2),
		"equity":            equity.StringFixed(2),
		"daily_pnl":         TotalDailyPnL(positions).StringFixed(2),
		"high_water_mark":   hwm.StringFixed(2),
		"drawdown":          equity.Sub(hwm).StringFixed(2),
		"max_position_size": m.limits.MaxPositionSize,
		"max_daily_loss":    m.limits.MaxDailyLoss.StringFixed(2),
		"max_drawdown":      m.limits.MaxDrawdown.StringFixed(2),
		"violations":        last,
	}
}
