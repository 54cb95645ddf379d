package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/tradingmode"
)

type recordingService struct {
	mu     sync.Mutex
	placed []OrderRequest
	closed []string
	err    error
}

func (r *recordingService) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return OrderResult{}, r.err
	}
	r.placed = append(r.placed, req)
	return OrderResult{OrderID: "v-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID, Status: StatusAccepted, SubmittedAt: time.Now()}, nil
}

func (r *recordingService) ClosePosition(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.closed = append(r.closed, id)
	return true, nil
}

type killFlag bool

func (k killFlag) Active() bool { return bool(k) }

type approveOnly string

func (a approveOnly) IsContractApproved(symbol string) bool { return symbol == string(a) }

func fastConfig() GuardConfig {
	return GuardConfig{OrderTimeout: time.Second, RatePerSecond: 1000, Burst: 1000, BreakerFailures: 2, BreakerOpenDelay: time.Minute}
}

func TestGuardedBlocksOpeningOrdersInFailSafe(t *testing.T) {
	svc := &recordingService{}
	cell := tradingmode.NewCell()
	g := NewGuarded(svc, cell, fastConfig(), zerolog.Nop())

	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	require.NoError(t, err)

	cell.EngageFailSafe("daily loss")

	_, err = g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	assert.ErrorIs(t, err, ErrFailSafe)

	_, err = g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: -1, ReduceOnly: true})
	assert.NoError(t, err, "reduce-only orders must pass in fail-safe")

	ok, err := g.ClosePosition(context.Background(), "ES")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, svc.placed, 2)
	assert.Equal(t, []string{"ES"}, svc.closed)
}

func TestGuardedKillSwitchAndWhitelist(t *testing.T) {
	svc := &recordingService{}
	g := NewGuarded(svc, tradingmode.NewCell(), fastConfig(), zerolog.Nop(),
		WithKillState(killFlag(true)))
	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	assert.ErrorIs(t, err, ErrKillSwitch)

	g = NewGuarded(svc, tradingmode.NewCell(), fastConfig(), zerolog.Nop(),
		WithContractApprover(approveOnly("ES")))
	_, err = g.PlaceOrder(context.Background(), OrderRequest{Symbol: "CL", Quantity: 1})
	assert.ErrorIs(t, err, ErrContractNotApproved)
	_, err = g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	assert.NoError(t, err)
}

type approveTrades bool

func (a approveTrades) CanTradeNow() bool { return bool(a) }

type budgetSizer int64

func (b budgetSizer) CalculateMaxAllowedPositionSize(size int64, stop decimal.Decimal) int64 {
	if size > int64(b) {
		return int64(b)
	}
	return size
}

func TestGuardedTradeApprover(t *testing.T) {
	svc := &recordingService{}
	g := NewGuarded(svc, tradingmode.NewCell(), fastConfig(), zerolog.Nop(),
		WithTradeApprover(approveTrades(false)))

	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	assert.ErrorIs(t, err, ErrFailSafe)

	_, err = g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: -1, ReduceOnly: true})
	assert.NoError(t, err, "reduce-only orders skip the compliance gate")
	assert.Len(t, svc.placed, 1)
}

func TestGuardedCapsQuantityByRiskBudget(t *testing.T) {
	tests := []struct {
		name    string
		budget  int64
		req     OrderRequest
		wantQty int64
		wantErr error
	}{
		{"within budget", 5, OrderRequest{Symbol: "ES", Quantity: 3, StopDistance: decimal.NewFromInt(100)}, 3, nil},
		{"long capped", 2, OrderRequest{Symbol: "ES", Quantity: 5, StopDistance: decimal.NewFromInt(100)}, 2, nil},
		{"short capped keeps sign", 2, OrderRequest{Symbol: "ES", Quantity: -5, StopDistance: decimal.NewFromInt(100)}, -2, nil},
		{"no stop distance", 0, OrderRequest{Symbol: "ES", Quantity: 5}, 5, nil},
		{"budget exhausted", 0, OrderRequest{Symbol: "ES", Quantity: 1, StopDistance: decimal.NewFromInt(100)}, 0, ErrRiskBudgetExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &recordingService{}
			g := NewGuarded(svc, tradingmode.NewCell(), fastConfig(), zerolog.Nop(),
				WithPositionSizer(budgetSizer(tt.budget)))

			_, err := g.PlaceOrder(context.Background(), tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, svc.placed)
				return
			}
			require.NoError(t, err)
			require.Len(t, svc.placed, 1)
			assert.Equal(t, tt.wantQty, svc.placed[0].Quantity)
		})
	}
}

func TestGuardedValidation(t *testing.T) {
	g := NewGuarded(&recordingService{}, tradingmode.NewCell(), fastConfig(), zerolog.Nop())

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"missing symbol", OrderRequest{Quantity: 1}},
		{"zero quantity", OrderRequest{Symbol: "ES"}},
		{"unknown type", OrderRequest{Symbol: "ES", Quantity: 1, OrderType: "ICEBERG"}},
		{"limit without price", OrderRequest{Symbol: "ES", Quantity: 1, OrderType: position.OrderTypeLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.PlaceOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestGuardedRecordsPendingOrders(t *testing.T) {
	ledger := position.NewLedger(nil, zerolog.Nop())
	g := NewGuarded(&recordingService{}, tradingmode.NewCell(), fastConfig(), zerolog.Nop(),
		WithPendingRecorder(ledger))

	res, err := g.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "c-1", Symbol: "NQ", Quantity: -2,
		OrderType: position.OrderTypeLimit, Price: decimal.NewFromInt(18000)})
	require.NoError(t, err)

	pending := ledger.PendingOrdersFor("NQ")
	require.Len(t, pending, 1)
	assert.Equal(t, res.OrderID, pending[0].OrderID)
	assert.Equal(t, position.SideSell, pending[0].Side)
}

func TestGuardedBreakerOpensOnOutage(t *testing.T) {
	svc := &recordingService{err: errors.New("connection refused")}
	g := NewGuarded(svc, tradingmode.NewCell(), fastConfig(), zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.BreakerState())

	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestGuardedRejectionsDoNotTripBreaker(t *testing.T) {
	svc := &recordingService{err: ErrOrderRejected}
	g := NewGuarded(svc, tradingmode.NewCell(), fastConfig(), zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
		require.ErrorIs(t, err, ErrOrderRejected)
	}
	assert.Equal(t, "closed", g.BreakerState())
}

// ==================== PAPER GATEWAY ====================

func TestPaperGatewayFillsAndCloses(t *testing.T) {
	ledger := position.NewLedger(nil, zerolog.Nop())
	paper := NewPaperGateway(ledger, ledger.ApplyFill, decimal.RequireFromString("2.25"), zerolog.Nop())

	_, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 2, OrderType: position.OrderTypeMarket})
	assert.ErrorIs(t, err, ErrOrderRejected, "no quote yet")

	paper.UpdateQuote("ES", decimal.NewFromInt(4500))
	res, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 2, OrderType: position.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)

	pos, ok := ledger.GetPosition("ES")
	require.True(t, ok)
	assert.Equal(t, int64(2), pos.NetQuantity)
	assert.True(t, pos.Commissions.Equal(decimal.RequireFromString("4.5")))

	_, err = paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, ErrOrderRejected, "reduce-only in the same direction")

	paper.UpdateQuote("ES", decimal.NewFromInt(4505))
	closed, err := paper.ClosePosition(context.Background(), "ES")
	require.NoError(t, err)
	assert.True(t, closed)

	pos, _ = ledger.GetPosition("ES")
	assert.Equal(t, int64(0), pos.NetQuantity)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(10)))

	_, err = paper.ClosePosition(context.Background(), "NQ")
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestPaperGatewayInjectedFailure(t *testing.T) {
	ledger := position.NewLedger(nil, zerolog.Nop())
	paper := NewPaperGateway(ledger, ledger.ApplyFill, decimal.Zero, zerolog.Nop())
	paper.UpdateQuote("ES", decimal.NewFromInt(10))
	paper.FailSymbol("ES", errors.New("venue down"))

	_, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	require.Error(t, err)

	paper.FailSymbol("ES", nil)
	_, err = paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "ES", Quantity: 1})
	assert.NoError(t, err)
}
