// Package risk evaluates positions and the account against configured limits.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/position"
)

// Limits holds risk limit configuration. Loss limits are negative amounts:
// MaxDailyLoss of -1000 is breached once daily P&L falls below -1000.
// Zero values disable the corresponding check.
type Limits struct {
	MaxPositionSize int64           `json:"max_position_size" yaml:"max_position_size"`
	MaxDailyLoss    decimal.Decimal `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown" yaml:"max_drawdown"`
	AccountBalance  decimal.Decimal `json:"account_balance" yaml:"account_balance"`
}

// Guard evaluates risk limits. It never mutates state.
type Guard struct{}

// NewGuard creates a risk guard
func NewGuard() *Guard {
	return &Guard{}
}

// CheckPosition returns every limit the position violates. Size and loss are
// checked independently.
func (g *Guard) CheckPosition(pos position.Position, limits Limits) []string {
	var violations []string

	if limits.MaxPositionSize > 0 {
		size := pos.NetQuantity
		if size < 0 {
			size = -size
		}
		if size > limits.MaxPositionSize {
			violations = append(violations, fmt.Sprintf("%s position size %d exceeds limit %d",
				pos.Symbol, size, limits.MaxPositionSize))
		}
	}

	if !limits.MaxDailyLoss.IsZero() && pos.DailyPnL.LessThan(limits.MaxDailyLoss) {
		violations = append(violations, fmt.Sprintf("%s daily P&L %s below limit %s",
			pos.Symbol, pos.DailyPnL.StringFixed(2), limits.MaxDailyLoss.StringFixed(2)))
	}

	return violations
}

// CheckAccount returns account-level violations for the aggregate daily P&L
// and the drawdown of current equity from the high-water mark.
func (g *Guard) CheckAccount(positions []position.Position, limits Limits, highWaterMark decimal.Decimal) []string {
	var violations []string

	totalDaily := TotalDailyPnL(positions)
	if !limits.MaxDailyLoss.IsZero() && totalDaily.LessThan(limits.MaxDailyLoss) {
		violations = append(violations, fmt.Sprintf("account daily P&L %s below limit %s",
			totalDaily.StringFixed(2), limits.MaxDailyLoss.StringFixed(2)))
	}

	if !limits.MaxDrawdown.IsZero() && highWaterMark.IsPositive() {
		drawdown := Equity(limits.AccountBalance, positions).Sub(highWaterMark)
		if drawdown.LessThan(limits.MaxDrawdown) {
			violations = append(violations, fmt.Sprintf("account drawdown %s below limit %s",
				drawdown.StringFixed(2), limits.MaxDrawdown.StringFixed(2)))
		}
	}

	return violations
}

// TotalDailyPnL sums daily P&L over positions
func TotalDailyPnL(positions []position.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.DailyPnL)
	}
	return total
}

// Equity is the starting balance plus the aggregate daily P&L
func Equity(balance decimal.Decimal, positions []position.Position) decimal.Decimal {
	return balance.Add(TotalDailyPnL(positions))
}
