// Package compliance enforces daily-loss and drawdown limits and switches the
// process into fail-safe (dry-run) mode on breach. Recovery is manual.
package compliance

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// Errors for compliance enforcement
var (
	ErrInvalidTradeResult = errors.New("invalid trade result")
	ErrNotInFailSafe      = errors.New("fail-safe is not engaged")
	ErrResetRequiresActor = errors.New("fail-safe reset requires an operator and reason")
)

// Config holds compliance limits. Loss and drawdown limits are negative.
type Config struct {
	HardDailyLossLimit decimal.Decimal `json:"hard_daily_loss_limit" yaml:"hard_daily_loss_limit"`
	HardDrawdownLimit  decimal.Decimal `json:"hard_drawdown_limit" yaml:"hard_drawdown_limit"`
	SafeDailyLossLimit decimal.Decimal `json:"safe_daily_loss_limit" yaml:"safe_daily_loss_limit"`
	SafeDrawdownLimit  decimal.Decimal `json:"safe_drawdown_limit" yaml:"safe_drawdown_limit"`
	// CriticalFraction of a hard limit escalates to fail-safe early
	CriticalFraction  decimal.Decimal `json:"critical_fraction" yaml:"critical_fraction"`
	StartingBalance   decimal.Decimal `json:"starting_balance" yaml:"starting_balance"`
	ApprovedContracts []string        `json:"approved_contracts" yaml:"approved_contracts"`
	AlertDir          string          `json:"alert_dir" yaml:"alert_dir"`
	Timezone          string          `json:"timezone" yaml:"timezone"`
}

// DefaultConfig returns the default evaluation-account limits
func DefaultConfig() Config {
	return Config{
		HardDailyLossLimit: decimal.NewFromInt(-2400),
		HardDrawdownLimit:  decimal.NewFromInt(-2500),
		SafeDailyLossLimit: decimal.NewFromInt(-1000),
		SafeDrawdownLimit:  decimal.NewFromInt(-2000),
		CriticalFraction:   decimal.RequireFromString("0.9"),
		StartingBalance:    decimal.NewFromInt(50000),
		ApprovedContracts:  []string{"ES", "NQ", "MES", "MNQ", "RTY", "M2K", "YM", "MYM"},
		AlertDir:           "state/alerts",
		Timezone:           "America/New_York",
	}
}

// Validate checks limit ordering
func (c Config) Validate() error {
	if !c.HardDailyLossLimit.IsNegative() || !c.HardDrawdownLimit.IsNegative() {
		return fmt.Errorf("hard limits must be negative")
	}
	if !c.SafeDailyLossLimit.IsNegative() || !c.SafeDrawdownLimit.IsNegative() {
		return fmt.Errorf("safe limits must be negative")
	}
	if c.SafeDailyLossLimit.LessThan(c.HardDailyLossLimit) {
		return fmt.Errorf("safe daily loss limit %s is beyond hard limit %s", c.SafeDailyLossLimit, c.HardDailyLossLimit)
	}
	if c.SafeDrawdownLimit.LessThan(c.HardDrawdownLimit) {
		return fmt.Errorf("safe drawdown limit %s is beyond hard limit %s", c.SafeDrawdownLimit, c.HardDrawdownLimit)
	}
	if !c.CriticalFraction.IsPositive() || c.CriticalFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("critical fraction must be in (0, 1], got %s", c.CriticalFraction)
	}
	if !c.StartingBalance.IsPositive() {
		return fmt.Errorf("starting balance must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// State is the compliance state owned by the Enforcer
type State struct {
	TodayPnL             decimal.Decimal `json:"today_pnl"`
	CurrentDrawdown      decimal.Decimal `json:"current_drawdown"`
	AccountBalance       decimal.Decimal `json:"account_balance"`
	HighWaterMark        decimal.Decimal `json:"high_water_mark"`
	TradingDaysCompleted int             `json:"trading_days_completed"`
	LastResetDate        string          `json:"last_reset_date"` // YYYY-MM-DD in the trading timezone
	FailSafe             bool            `json:"fail_safe"`
	FailSafeReason       string          `json:"fail_safe_reason,omitempty"`
	FailSafeAt           time.Time       `json:"fail_safe_at,omitempty"`
}

// TradeResult is a closed trade's realized P&L
type TradeResult struct {
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	PnL       decimal.Decimal `json:"pnl"`
	Timestamp time.Time       `json:"timestamp"`
}
