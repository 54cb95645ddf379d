package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/session"
)

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"url wins", Config{URL: "postgres://u:p@db/x", Host: "ignored"}, "postgres://u:p@db/x"},
		{"discrete fields", Config{Host: "localhost", Port: 5432, User: "bot", Password: "pw", Database: "risk", SSLMode: "disable"},
			"host=localhost port=5432 user=bot password=pw dbname=risk sslmode=disable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
	if (Config{}).Enabled() {
		t.Error("empty config must be disabled")
	}
}

// ============================================================================
// INTEGRATION (requires TEST_DATABASE_URL)
// ============================================================================

func testRepository(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url}, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRepository(db)
}

func TestRepositoryFillsAndTradeSearch(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	orderID := "it-" + uuid.New().String()
	at := time.Now().UTC().Truncate(time.Millisecond)

	u := position.PositionUpdate{
		Fill:     position.Fill{FillID: uuid.New().String(), OrderID: orderID, Symbol: "ES", Price: decimal.RequireFromString("4500.25"), Quantity: 1, Timestamp: at},
		Position: position.Position{Symbol: "ES", NetQuantity: 1},
	}
	if err := repo.SaveFill(ctx, u); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveFill(ctx, u); err != nil {
		t.Fatalf("replay must be ignored, got %v", err)
	}

	found, err := repo.FindTrade(ctx, orderID)
	if err != nil || !found {
		t.Errorf("expected trade found, got %v %v", found, err)
	}
	found, _ = repo.FindTrade(ctx, "missing-"+orderID)
	if found {
		t.Error("unknown order must not be found")
	}
}

func TestRepositoryComplianceAndFlatten(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rec := compliance.AuditRecord{ID: uuid.New().String(), Kind: "FAILSAFE_ENGAGED", Reason: "it", State: compliance.State{FailSafe: true}, At: time.Now().UTC()}
	if err := repo.RecordComplianceEvent(ctx, rec); err != nil {
		t.Fatal(err)
	}
	list, err := repo.ListComplianceEvents(ctx, 10)
	if err != nil || len(list) == 0 {
		t.Fatalf("expected events, got %v", err)
	}

	rep := session.Report{Date: "2025-03-05", Trigger: "it", Attempted: 2, Succeeded: 1, Failed: 1, Errors: map[string]string{"NQ": "x"}, StartedAt: time.Now().UTC()}
	if err := repo.SaveFlattenRun(ctx, rep); err != nil {
		t.Fatal(err)
	}
	last, err := repo.GetLastFlattenRun(ctx)
	if err != nil || last == nil || last.Trigger != "it" {
		t.Errorf("expected last flatten run, got %+v %v", last, err)
	}

	if err := repo.SaveEvent(ctx, events.Event{Type: events.EventKillSwitch, Data: map[string]interface{}{"active": true}}); err != nil {
		t.Fatal(err)
	}
}
