// Package gateway is the order-submission boundary. Every order path goes
// through Guarded, which consults the trading mode before anything reaches
// the venue.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/position"
)

// Errors returned at the order boundary
var (
	ErrFailSafe            = errors.New("fail-safe engaged: only reduce-only orders are accepted")
	ErrKillSwitch          = errors.New("kill switch active: only reduce-only orders are accepted")
	ErrContractNotApproved = errors.New("contract is not approved for trading")
	ErrInvalidRequest      = errors.New("invalid order request")
	ErrOrderRejected       = errors.New("order rejected by venue")
	ErrUnknownPosition     = errors.New("unknown position")
	ErrRiskBudgetExhausted = errors.New("no risk budget left for a new position")
)

// Order result statuses
const (
	StatusAccepted = "ACCEPTED"
	StatusFilled   = "FILLED"
)

// OrderRequest is a new order. Quantity is signed: positive buys, negative sells.
type OrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	Symbol        string             `json:"symbol"`
	Quantity      int64              `json:"quantity"`
	OrderType     position.OrderType `json:"order_type"`
	Price         decimal.Decimal    `json:"price"`
	ReduceOnly    bool               `json:"reduce_only"`
	Tag           string             `json:"tag"`
	// StopDistance is the per-contract loss to the stop. When positive the
	// quantity of an opening order is capped by the remaining risk budget.
	StopDistance decimal.Decimal `json:"stop_distance"`
}

// OrderResult is the venue acknowledgement
type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        string          `json:"status"`
	FilledQty     int64           `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// OrderService submits orders to the venue. Delivery is not assumed to be
// at-least-once; fills are verified independently.
type OrderService interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, positionID string) (bool, error)
}

// PositionRegistry is the external position-management registry. This core
// notifies it but does not own it.
type PositionRegistry interface {
	UnregisterPosition(ctx context.Context, positionID, reason string) error
}

// KillState reports whether the emergency kill file is present
type KillState interface {
	Active() bool
}

// ContractApprover gates opening orders on the contract whitelist
type ContractApprover interface {
	IsContractApproved(symbol string) bool
}

// TradeApprover approves opening orders against the compliance limits. A
// false answer means fail-safe is, or has just been, engaged.
type TradeApprover interface {
	CanTradeNow() bool
}

// PositionSizer caps an opening quantity by the remaining risk budget
type PositionSizer interface {
	CalculateMaxAllowedPositionSize(proposedSize int64, stopDistance decimal.Decimal) int64
}

// PendingRecorder records accepted orders as pending
type PendingRecorder interface {
	AddPendingOrder(order position.PendingOrder) error
}
