package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/position"
)

// PositionSource looks up ledger positions by ID
type PositionSource interface {
	GetPosition(symbol string) (position.Position, bool)
}

// FillHandler receives simulated fills
type FillHandler func(position.FillReport) (position.Position, error)

// PaperGateway is the dry-run venue. Market orders fill immediately at the
// last quote; fills are delivered to the handler before PlaceOrder returns.
type PaperGateway struct {
	positions  PositionSource
	onFill     FillHandler
	commission decimal.Decimal
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	quotes map[string]decimal.Decimal
	fail   map[string]error
}

// NewPaperGateway creates a simulator charging commission per contract
func NewPaperGateway(positions PositionSource, onFill FillHandler, commission decimal.Decimal, logger zerolog.Logger) *PaperGateway {
	return &PaperGateway{
		positions:  positions,
		onFill:     onFill,
		commission: commission,
		logger:     logger.With().Str("component", "PaperGateway").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		quotes:     make(map[string]decimal.Decimal),
		fail:       make(map[string]error),
	}
}

// UpdateQuote sets the simulated market price for symbol
func (p *PaperGateway) UpdateQuote(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = price
}

// FailSymbol makes orders for symbol fail with err; nil clears it
func (p *PaperGateway) FailSymbol(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, symbol)
		return
	}
	p.fail[symbol] = err
}

func (p *PaperGateway) priceFor(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	price, ok := p.quotes[symbol]
	p.mu.RUnlock()
	if ok && price.IsPositive() {
		return price, true
	}
	if p.positions != nil {
		if pos, found := p.positions.GetPosition(symbol); found && pos.LastMarketPrice.IsPositive() {
			return pos.LastMarketPrice, true
		}
	}
	return decimal.Zero, false
}

// PlaceOrder implements OrderService
func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	p.mu.RLock()
	failErr := p.fail[req.Symbol]
	p.mu.RUnlock()
	if failErr != nil {
		return OrderResult{}, failErr
	}

	price := req.Price
	if req.OrderType == "" || req.OrderType == position.OrderTypeMarket {
		quote, ok := p.priceFor(req.Symbol)
		if !ok {
			return OrderResult{}, fmt.Errorf("%w: no market price for %s", ErrOrderRejected, req.Symbol)
		}
		price = quote
	}
	if !price.IsPositive() {
		return OrderResult{}, fmt.Errorf("%w: no price for %s", ErrOrderRejected, req.Symbol)
	}

	if req.ReduceOnly && p.positions != nil {
		pos, _ := p.positions.GetPosition(req.Symbol)
		if pos.NetQuantity == 0 || (pos.NetQuantity > 0) == (req.Quantity > 0) || abs(req.Quantity) > abs(pos.NetQuantity) {
			return OrderResult{}, fmt.Errorf("%w: reduce-only order would increase %s exposure", ErrOrderRejected, req.Symbol)
		}
	}

	res := OrderResult{
		OrderID:       "paper-" + uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Status:        StatusFilled,
		FilledQty:     req.Quantity,
		AvgPrice:      price,
		SubmittedAt:   p.now(),
	}

	if p.onFill != nil {
		_, err := p.onFill(position.FillReport{
			FillID:     uuid.New().String(),
			OrderID:    res.OrderID,
			Symbol:     req.Symbol,
			Price:      price,
			Quantity:   req.Quantity,
			Commission: p.commission.Mul(decimal.NewFromInt(abs(req.Quantity))),
			Timestamp:  res.SubmittedAt,
		})
		if err != nil {
			return OrderResult{}, fmt.Errorf("paper fill: %w", err)
		}
	}

	p.logger.Info().
		Str("order_id", res.OrderID).
		Str("symbol", req.Symbol).
		Int64("qty", req.Quantity).
		Str("price", price.String()).
		Str("tag", req.Tag).
		Msg("Paper order filled")
	return res, nil
}

// ClosePosition implements OrderService. The position ID is the symbol.
func (p *PaperGateway) ClosePosition(ctx context.Context, positionID string) (bool, error) {
	if p.positions == nil {
		return false, ErrUnknownPosition
	}
	pos, ok := p.positions.GetPosition(positionID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	if pos.NetQuantity == 0 {
		return true, nil
	}
	_, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol:     pos.Symbol,
		Quantity:   -pos.NetQuantity,
		OrderType:  position.OrderTypeMarket,
		ReduceOnly: true,
		Tag:        "close",
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoggingRegistry is the default position registry: it records the
// unregistration in the log.
type LoggingRegistry struct {
	logger zerolog.Logger
}

// NewLoggingRegistry creates a LoggingRegistry
func NewLoggingRegistry(logger zerolog.Logger) *LoggingRegistry {
	return &LoggingRegistry{logger: logger.With().Str("component", "PositionRegistry").Logger()}
}

// UnregisterPosition implements PositionRegistry
func (r *LoggingRegistry) UnregisterPosition(ctx context.Context, positionID, reason string) error {
	r.logger.Info().Str("position_id", positionID).Str("reason", reason).Msg("Position unregistered")
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
