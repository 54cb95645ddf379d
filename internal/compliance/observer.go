package compliance

import (
	"context"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/position"
)

// LedgerObserver feeds realized P&L net of commission from the position
// ledger into the enforcer. Each fill that moves the account is one trade
// result.
type LedgerObserver struct {
	enforcer *Enforcer
	logger   zerolog.Logger
}

// NewLedgerObserver creates the ledger to compliance bridge
func NewLedgerObserver(enforcer *Enforcer, logger zerolog.Logger) *LedgerObserver {
	return &LedgerObserver{
		enforcer: enforcer,
		logger:   logger.With().Str("component", "ComplianceFeed").Logger(),
	}
}

// OnPositionUpdate implements position.Observer. Commissions count against
// the account on every fill, opening fills included; the position keeps its
// realized P&L gross.
func (o *LedgerObserver) OnPositionUpdate(u position.PositionUpdate) {
	net := u.RealizedDelta.Sub(u.Fill.Commission)
	if net.IsZero() {
		return
	}
	_, err := o.enforcer.RecordTradeResult(context.Background(), TradeResult{
		TradeID:   u.Fill.FillID,
		Symbol:    u.Position.Symbol,
		PnL:       net,
		Timestamp: u.Fill.Timestamp,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("fill_id", u.Fill.FillID).Msg("Failed to record trade result")
	}
}
