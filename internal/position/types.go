// Package position owns per-symbol futures position state: fill application,
// weighted-average pricing, P&L, pending orders and reconciliation.
package position

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Errors for position tracking
var (
	ErrInvalidSymbol        = errors.New("symbol is required")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrInvalidQuantity      = errors.New("quantity must be non-zero")
	ErrDuplicateFill        = errors.New("fill already applied")
	ErrInvalidOrder         = errors.New("invalid pending order")
	ErrUnknownOrderType     = errors.New("unknown order type")
	ErrDuplicateClientOrder = errors.New("client order id already pending")
)

// OrderType is the venue order type of a pending order
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// ParseOrderType validates an order type string
func ParseOrderType(s string) (OrderType, error) {
	switch t := OrderType(strings.ToUpper(s)); t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderType, s)
	}
}

// Side is the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SideFor returns the side implied by a signed quantity
func SideFor(qty int64) Side {
	if qty < 0 {
		return SideSell
	}
	return SideBuy
}

// Pending order status constants
const (
	OrderStatusPending = "PENDING"
	OrderStatusWorking = "WORKING"
	OrderStatusExpired = "EXPIRED"
)

// Fill is an immutable execution report applied to a position
type Fill struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Timestamp  time.Time       `json:"timestamp"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"` // signed: positive buys, negative sells
	Commission decimal.Decimal `json:"commission"`
}

// FillReport is the input to ApplyFill. FillID and Timestamp are optional.
type FillReport struct {
	FillID     string
	OrderID    string
	Symbol     string
	Price      decimal.Decimal
	Quantity   int64
	Commission decimal.Decimal
	Timestamp  time.Time
}

func (r FillReport) validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return ErrInvalidSymbol
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, r.Price)
	}
	if r.Quantity == 0 {
		return ErrInvalidQuantity
	}
	if r.Commission.IsNegative() {
		return fmt.Errorf("commission must not be negative: %s", r.Commission)
	}
	return nil
}

// Position is the state of one symbol. NetQuantity always equals the signed
// sum of applied fill quantities; AveragePrice is zero while flat.
type Position struct {
	Symbol          string          `json:"symbol"`
	NetQuantity     int64           `json:"net_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	MarketValue     decimal.Decimal `json:"market_value"`
	LastMarketPrice decimal.Decimal `json:"last_market_price"`
	Commissions     decimal.Decimal `json:"commissions"`
	OpenedAt        time.Time       `json:"opened_at"`
	LastUpdate      time.Time       `json:"last_update"`
	LastPriceUpdate time.Time       `json:"last_price_update"`
	Fills           []Fill          `json:"fills"`
}

// IsOpen reports whether the position holds contracts
func (p Position) IsOpen() bool {
	return p.NetQuantity != 0
}

// ID returns the position identifier used by the order boundary. One
// position exists per symbol.
func (p Position) ID() string {
	return p.Symbol
}

func (p Position) clone() Position {
	c := p
	c.Fills = make([]Fill, len(p.Fills))
	copy(c.Fills, p.Fills)
	return c
}

// PendingOrder is an order submitted to the venue and not yet filled
type PendingOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"` // signed
	Price         decimal.Decimal `json:"price"`
	Side          Side            `json:"side"`
	Status        string          `json:"status"`
	SubmittedTime time.Time       `json:"submitted_time"`
	OrderType     OrderType       `json:"order_type"`
}

// PositionUpdate is delivered to ledger observers after every applied fill
type PositionUpdate struct {
	Position      Position
	Fill          Fill
	RealizedDelta decimal.Decimal
	Flattened     bool
}

// Observer receives position updates synchronously, in the goroutine that
// applied the fill, after the symbol lock has been released.
type Observer interface {
	OnPositionUpdate(update PositionUpdate)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(PositionUpdate)

// OnPositionUpdate calls f
func (f ObserverFunc) OnPositionUpdate(u PositionUpdate) { f(u) }

// AccountRiskHook evaluates the whole book after market updates and returns
// account-level violations.
type AccountRiskHook func(positions []Position) []string

// AccountSummary aggregates all positions
type AccountSummary struct {
	TotalDailyPnL      decimal.Decimal `json:"total_daily_pnl"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalCommissions   decimal.Decimal `json:"total_commissions"`
	OpenPositions      int             `json:"open_positions"`
	TotalPositions     int             `json:"total_positions"`
	PendingOrders      int             `json:"pending_orders"`
	AsOf               time.Time       `json:"as_of"`
}
