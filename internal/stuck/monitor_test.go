package stuck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/evidence"
	"futures-risk-bot/internal/gateway"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/tradingmode"
)

var now = time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Interval:          10 * time.Millisecond,
		RunawayLoss:       decimal.NewFromInt(-500),
		MaxPositionAge:    4 * time.Hour,
		StuckExitAfter:    5 * time.Minute,
		EscalationTimeout: time.Second,
	}
}

type recordingEscalator struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
	done   chan struct{}
}

func (r *recordingEscalator) Escalate(ctx context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return r.err
}

func (r *recordingEscalator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// ==================== CLASSIFICATION ====================

func TestClassifyPriority(t *testing.T) {
	m := NewMonitor(nil, nil, testConfig(), nil, zerolog.Nop())
	old := now.Add(-5 * time.Hour)
	exit := []position.PendingOrder{{OrderID: "x1", Symbol: "ES", Quantity: -2, SubmittedTime: now.Add(-10 * time.Minute)}}

	tests := []struct {
		name    string
		pos     position.Position
		pending []position.PendingOrder
		want    Classification
	}{
		{"healthy", position.Position{Symbol: "ES", NetQuantity: 2, LastUpdate: now, UnrealizedPnL: decimal.NewFromInt(-100)}, nil, Healthy},
		{"runaway only", position.Position{Symbol: "ES", NetQuantity: 2, LastUpdate: now, UnrealizedPnL: decimal.NewFromInt(-501)}, nil, RunawayLoss},
		{"aged only", position.Position{Symbol: "ES", NetQuantity: 2, LastUpdate: old}, nil, AgedOut},
		{"aged and runaway is runaway", position.Position{Symbol: "ES", NetQuantity: 2, LastUpdate: old, UnrealizedPnL: decimal.NewFromInt(-900)}, nil, RunawayLoss},
		{"stuck exit", position.Position{Symbol: "ES", NetQuantity: 2, LastUpdate: now}, exit, StuckExit},
		{"aged beats stuck exit", position.Position{Symbol: "ES", NetQuantity: 2, LastUpdate: old}, exit, AgedOut},
		{"same-side pending is not an exit", position.Position{Symbol: "ES", NetQuantity: -2, LastUpdate: now}, exit, Healthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := m.Classify(tt.pos, tt.pending, now)
			if got != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, got, reason)
			}
			if got != Healthy && reason == "" {
				t.Error("non-healthy classification should carry a reason")
			}
		})
	}
}

func TestNewerRetryResetsStuckExit(t *testing.T) {
	m := NewMonitor(nil, nil, testConfig(), nil, zerolog.Nop())
	pos := position.Position{Symbol: "NQ", NetQuantity: 1, LastUpdate: now}
	pending := []position.PendingOrder{
		{OrderID: "first", Symbol: "NQ", Quantity: -1, SubmittedTime: now.Add(-20 * time.Minute)},
		{OrderID: "retry", Symbol: "NQ", Quantity: -1, SubmittedTime: now.Add(-time.Minute)},
	}
	if got, _ := m.Classify(pos, pending, now); got != Healthy {
		t.Errorf("a recent retry should keep the position healthy, got %s", got)
	}
}

// ==================== SCAN PASSES ====================

func newLedger() *position.Ledger {
	return position.NewLedger(nil, zerolog.Nop(), position.WithClock(func() time.Time { return now }))
}

func TestCheckOnceRecoveryLifecycle(t *testing.T) {
	ledger := newLedger()
	ledger.ApplyFill(position.FillReport{FillID: "1", Symbol: "ES", Price: decimal.NewFromInt(4500), Quantity: 2})
	ledger.ApplyFill(position.FillReport{FillID: "2", Symbol: "NQ", Price: decimal.NewFromInt(18000), Quantity: 1})
	ledger.UpdateMarketPrices(map[string]decimal.Decimal{"ES": decimal.NewFromInt(4200), "NQ": decimal.NewFromInt(18010)})

	esc := &recordingEscalator{done: make(chan struct{}, 10)}
	m := NewMonitor(ledger, esc, testConfig(), nil, zerolog.Nop())
	m.SetClock(func() time.Time { return now })

	alerts := m.CheckOnce(context.Background())
	if len(alerts) != 1 || alerts[0].Symbol != "ES" || alerts[0].Classification != RunawayLoss {
		t.Fatalf("expected one ES runaway alert, got %+v", alerts)
	}
	<-esc.done

	if again := m.CheckOnce(context.Background()); len(again) != 0 {
		t.Errorf("symbol under recovery must be skipped, got %+v", again)
	}
	if len(m.UnderRecovery()) != 1 {
		t.Fatalf("expected ES under recovery")
	}

	ledger.ApplyFill(position.FillReport{FillID: "3", Symbol: "ES", Price: decimal.NewFromInt(4200), Quantity: -2})
	m.CheckOnce(context.Background())
	if len(m.UnderRecovery()) != 0 {
		t.Error("flat position should be swept from recovery")
	}
	m.escalations.Wait()
	if esc.count() != 1 {
		t.Errorf("expected a single escalation, got %d", esc.count())
	}
}

func TestFailedEscalationIsRetried(t *testing.T) {
	ledger := newLedger()
	ledger.ApplyFill(position.FillReport{FillID: "1", Symbol: "ES", Price: decimal.NewFromInt(100), Quantity: 1, Timestamp: now.Add(-5 * time.Hour)})

	esc := &recordingEscalator{err: errors.New("venue down")}
	m := NewMonitor(ledger, esc, testConfig(), nil, zerolog.Nop())
	m.SetClock(func() time.Time { return now })

	if alerts := m.CheckOnce(context.Background()); len(alerts) != 1 || alerts[0].Classification != AgedOut {
		t.Fatalf("expected aged-out alert, got %+v", alerts)
	}
	m.escalations.Wait()

	if alerts := m.CheckOnce(context.Background()); len(alerts) != 1 {
		t.Errorf("failed escalation should release the symbol for the next pass, got %+v", alerts)
	}
	m.escalations.Wait()
}

func TestMonitorStartStop(t *testing.T) {
	ledger := newLedger()
	ledger.ApplyFill(position.FillReport{FillID: "1", Symbol: "ES", Price: decimal.NewFromInt(100), Quantity: 1, Timestamp: now.Add(-5 * time.Hour)})

	esc := &recordingEscalator{done: make(chan struct{}, 10)}
	cfg := testConfig()
	cfg.StartupDelay = 20 * time.Millisecond
	m := NewMonitor(ledger, esc, cfg, nil, zerolog.Nop())
	m.SetClock(func() time.Time { return now })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-esc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never escalated")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// ==================== MARKET EXIT ESCALATOR ====================

func TestMarketExitEscalatorFlattensWithEvidence(t *testing.T) {
	ledger := newLedger()
	confirmer := evidence.NewConfirmer(evidence.NewVerifier(nil, 0, nil, zerolog.Nop()), 200*time.Millisecond)
	ledger.AddObserver(confirmer)

	paper := gateway.NewPaperGateway(ledger, ledger.ApplyFill, decimal.Zero, zerolog.Nop())
	paper.UpdateQuote("ES", decimal.NewFromInt(4400))
	cell := tradingmode.NewCell()
	orders := gateway.NewGuarded(paper, cell, gateway.GuardConfig{RatePerSecond: 100, Burst: 10}, zerolog.Nop())

	ledger.ApplyFill(position.FillReport{FillID: "1", Symbol: "ES", Price: decimal.NewFromInt(4500), Quantity: 3})
	cell.EngageFailSafe("test")

	esc := NewMarketExitEscalator(orders, confirmer, zerolog.Nop())
	err := esc.Escalate(context.Background(), Alert{ID: "a", Symbol: "ES", Quantity: 3, Classification: RunawayLoss})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	pos, _ := ledger.GetPosition("ES")
	if pos.NetQuantity != 0 {
		t.Errorf("expected flat after emergency exit, got %d", pos.NetQuantity)
	}
}

type acceptOnly struct{}

func (acceptOnly) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{OrderID: "never-fills", Status: gateway.StatusAccepted}, nil
}

func (acceptOnly) ClosePosition(ctx context.Context, id string) (bool, error) { return true, nil }

func TestMarketExitEscalatorRequiresEvidence(t *testing.T) {
	confirmer := evidence.NewConfirmer(evidence.NewVerifier(nil, 0, nil, zerolog.Nop()), 20*time.Millisecond)
	esc := NewMarketExitEscalator(acceptOnly{}, confirmer, zerolog.Nop())

	err := esc.Escalate(context.Background(), Alert{ID: "a", Symbol: "ES", Quantity: -1, Classification: StuckExit})
	if !errors.Is(err, ErrExitUnconfirmed) {
		t.Errorf("expected ErrExitUnconfirmed, got %v", err)
	}
}
