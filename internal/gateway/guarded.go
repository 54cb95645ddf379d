package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/metrics"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/tradingmode"
)

// GuardConfig holds the order boundary settings
type GuardConfig struct {
	OrderTimeout     time.Duration `json:"order_timeout" yaml:"order_timeout"`
	RatePerSecond    float64       `json:"rate_per_second" yaml:"rate_per_second"`
	Burst            int           `json:"burst" yaml:"burst"`
	BreakerFailures  uint32        `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpenDelay time.Duration `json:"breaker_open_delay" yaml:"breaker_open_delay"`
}

// DefaultGuardConfig returns the default order boundary settings
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		OrderTimeout:     10 * time.Second,
		RatePerSecond:    5,
		Burst:            10,
		BreakerFailures:  3,
		BreakerOpenDelay: 30 * time.Second,
	}
}

// Guarded wraps an OrderService with the trading-mode gate, the kill switch,
// the contract whitelist, pacing, a circuit breaker and per-call timeouts.
type Guarded struct {
	inner    OrderService
	mode     tradingmode.Reader
	kill     KillState
	approver ContractApprover
	trades   TradeApprover
	sizer    PositionSizer
	pending  PendingRecorder
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   zerolog.Logger
}

// GuardedOption configures a Guarded gateway
type GuardedOption func(*Guarded)

// WithKillState blocks opening orders while the kill file is present
func WithKillState(k KillState) GuardedOption {
	return func(g *Guarded) { g.kill = k }
}

// WithContractApprover rejects opening orders for unapproved contracts
func WithContractApprover(a ContractApprover) GuardedOption {
	return func(g *Guarded) { g.approver = a }
}

// WithTradeApprover rejects opening orders once the compliance limits refuse
// new trades
func WithTradeApprover(a TradeApprover) GuardedOption {
	return func(g *Guarded) { g.trades = a }
}

// WithPositionSizer caps opening orders that carry a stop distance
func WithPositionSizer(s PositionSizer) GuardedOption {
	return func(g *Guarded) { g.sizer = s }
}

// WithPendingRecorder records accepted orders as pending
func WithPendingRecorder(p PendingRecorder) GuardedOption {
	return func(g *Guarded) { g.pending = p }
}

// NewGuarded wraps inner. mode is required.
func NewGuarded(inner OrderService, mode tradingmode.Reader, cfg GuardConfig, logger zerolog.Logger, opts ...GuardedOption) *Guarded {
	def := DefaultGuardConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = def.BreakerOpenDelay
	}

	log := logger.With().Str("component", "OrderGateway").Logger()
	settings := gobreaker.Settings{
		Name:     "order-gateway",
		Interval: 60 * time.Second,
		Timeout:  cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Order breaker state changed")
		},
		// venue rejections are answers, not outages
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrUnknownPosition)
		},
	}

	g := &Guarded{
		inner:   inner,
		mode:    mode,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout: cfg.OrderTimeout,
		logger:  log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PlaceOrder submits req. While fail-safe or the kill switch is active only
// reduce-only orders pass. Opening orders are also checked against the
// compliance limits and, when they carry a stop distance, sized to the
// remaining risk budget.
func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := validateRequest(&req); err != nil {
		return OrderResult{}, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.New().String()
	}

	if !req.ReduceOnly {
		if !g.mode.IsLive() {
			metrics.OrdersBlocked.WithLabelValues("failsafe").Inc()
			g.logger.Warn().Str("symbol", req.Symbol).Int64("qty", req.Quantity).Str("tag", req.Tag).Msg("Order blocked: fail-safe engaged")
			return OrderResult{}, ErrFailSafe
		}
		if g.trades != nil && !g.trades.CanTradeNow() {
			g.logger.Warn().Str("symbol", req.Symbol).Int64("qty", req.Quantity).Str("tag", req.Tag).Msg("Order blocked: compliance limits refuse new trades")
			return OrderResult{}, ErrFailSafe
		}
		if g.kill != nil && g.kill.Active() {
			metrics.OrdersBlocked.WithLabelValues("kill_switch").Inc()
			g.logger.Warn().Str("symbol", req.Symbol).Str("tag", req.Tag).Msg("Order blocked: kill switch active")
			return OrderResult{}, ErrKillSwitch
		}
		if g.approver != nil && !g.approver.IsContractApproved(req.Symbol) {
			metrics.OrdersBlocked.WithLabelValues("contract").Inc()
			return OrderResult{}, fmt.Errorf("%w: %s", ErrContractNotApproved, req.Symbol)
		}
		if err := g.capQuantity(&req); err != nil {
			return OrderResult{}, err
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return OrderResult{}, fmt.Errorf("order pacing: %w", err)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.PlaceOrder(cctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.OrdersBlocked.WithLabelValues("breaker").Inc()
		}
		g.logger.Error().Err(err).Str("symbol", req.Symbol).Str("client_order_id", req.ClientOrderID).Str("tag", req.Tag).Msg("Order submission failed")
		return OrderResult{}, err
	}
	res := out.(OrderResult)

	side := "BUY"
	if req.Quantity < 0 {
		side = "SELL"
	}
	olog := logging.OrderContext(g.logger, res.OrderID, req.Symbol, side, string(req.OrderType))
	olog.Info().
		Str("client_order_id", req.ClientOrderID).
		Int64("qty", req.Quantity).
		Bool("reduce_only", req.ReduceOnly).
		Str("status", res.Status).
		Str("tag", req.Tag).
		Msg("Order submitted")

	if g.pending != nil && res.Status != StatusFilled && res.OrderID != "" {
		err := g.pending.AddPendingOrder(position.PendingOrder{
			OrderID:       res.OrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Quantity:      req.Quantity,
			Price:         req.Price,
			Status:        position.OrderStatusWorking,
			SubmittedTime: res.SubmittedAt,
			OrderType:     req.OrderType,
		})
		if err != nil {
			g.logger.Warn().Err(err).Str("order_id", res.OrderID).Msg("Failed to record pending order")
		}
	}
	return res, nil
}

// capQuantity shrinks req.Quantity to what the risk budget allows, keeping
// its sign.
func (g *Guarded) capQuantity(req *OrderRequest) error {
	if g.sizer == nil || !req.StopDistance.IsPositive() {
		return nil
	}
	size := req.Quantity
	if size < 0 {
		size = -size
	}
	allowed := g.sizer.CalculateMaxAllowedPositionSize(size, req.StopDistance)
	if allowed <= 0 {
		metrics.OrdersBlocked.WithLabelValues("risk_budget").Inc()
		g.logger.Warn().Str("symbol", req.Symbol).Int64("qty", req.Quantity).Str("stop_distance", req.StopDistance.String()).Msg("Order blocked: risk budget exhausted")
		return ErrRiskBudgetExhausted
	}
	if allowed < size {
		g.logger.Warn().Str("symbol", req.Symbol).Int64("requested", size).Int64("allowed", allowed).Msg("Order quantity capped by risk budget")
		if req.Quantity < 0 {
			allowed = -allowed
		}
		req.Quantity = allowed
	}
	return nil
}

// ClosePosition flattens a position. Closing reduces risk and is allowed in
// every mode.
func (g *Guarded) ClosePosition(ctx context.Context, positionID string) (bool, error) {
	if strings.TrimSpace(positionID) == "" {
		return false, fmt.Errorf("%w: position id is required", ErrInvalidRequest)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("order pacing: %w", err)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.ClosePosition(cctx, positionID)
	})
	if err != nil {
		g.logger.Error().Err(err).Str("position_id", positionID).Msg("Close position failed")
		return false, err
	}
	ok := out.(bool)
	g.logger.Info().Str("position_id", positionID).Bool("closed", ok).Msg("Close position submitted")
	return ok, nil
}

// BreakerState exposes the breaker state for the operator API
func (g *Guarded) BreakerState() string {
	return g.breaker.State().String()
}

func validateRequest(req *OrderRequest) error {
	req.Symbol = strings.TrimSpace(req.Symbol)
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if req.Quantity == 0 {
		return fmt.Errorf("%w: quantity must be non-zero", ErrInvalidRequest)
	}
	if req.OrderType == "" {
		req.OrderType = position.OrderTypeMarket
	}
	t, err := position.ParseOrderType(string(req.OrderType))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.OrderType = t
	if t != position.OrderTypeMarket && !req.Price.IsPositive() {
		return fmt.Errorf("%w: %s order requires a positive price", ErrInvalidRequest, t)
	}
	return nil
}
