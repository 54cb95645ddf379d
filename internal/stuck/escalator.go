package stuck

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/evidence"
	"futures-risk-bot/internal/gateway"
	"futures-risk-bot/internal/position"
)

// ErrExitUnconfirmed is returned when the exit order's fill cannot be proven
var ErrExitUnconfirmed = errors.New("emergency exit fill not confirmed")

// FillConfirmer waits for and verifies the fill of an order
type FillConfirmer interface {
	ConfirmFill(ctx context.Context, orderID, tag string) evidence.Result
}

// MarketExitEscalator flattens a stuck position with a reduce-only market
// order and requires fill evidence before reporting success.
type MarketExitEscalator struct {
	orders    gateway.OrderService
	confirmer FillConfirmer
	logger    zerolog.Logger
}

// NewMarketExitEscalator creates the default escalator
func NewMarketExitEscalator(orders gateway.OrderService, confirmer FillConfirmer, logger zerolog.Logger) *MarketExitEscalator {
	return &MarketExitEscalator{
		orders:    orders,
		confirmer: confirmer,
		logger:    logger.With().Str("component", "EmergencyExitEscalator").Logger(),
	}
}

// Escalate implements Escalator
func (e *MarketExitEscalator) Escalate(ctx context.Context, alert Alert) error {
	if alert.Quantity == 0 {
		return nil
	}
	tag := "stuck-exit-" + alert.Classification.String()

	res, err := e.orders.PlaceOrder(ctx, gateway.OrderRequest{
		Symbol:     alert.Symbol,
		Quantity:   -alert.Quantity,
		OrderType:  position.OrderTypeMarket,
		ReduceOnly: true,
		Tag:        tag,
	})
	if err != nil {
		return fmt.Errorf("emergency exit for %s: %w", alert.Symbol, err)
	}

	e.logger.Warn().
		Str("alert_id", alert.ID).
		Str("symbol", alert.Symbol).
		Int64("qty", -alert.Quantity).
		Str("order_id", res.OrderID).
		Str("classification", alert.Classification.String()).
		Msg("Emergency exit order submitted")

	if e.confirmer == nil {
		return nil
	}
	if result := e.confirmer.ConfirmFill(ctx, res.OrderID, tag); !result.HasSufficientEvidence {
		return fmt.Errorf("%w: order %s (%s)", ErrExitUnconfirmed, res.OrderID, result.Reason)
	}
	return nil
}
