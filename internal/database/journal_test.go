package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/session"
	"futures-risk-bot/internal/stuck"
)

type fakeStore struct {
	mu      sync.Mutex
	fills   []string
	trades  []string
	alerts  []string
	flatten []session.Report
	events  []events.EventType
	failing bool
	block   chan struct{}
}

func (f *fakeStore) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeStore) SaveFill(ctx context.Context, u position.PositionUpdate) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("db down")
	}
	f.fills = append(f.fills, u.Fill.FillID)
	return nil
}

func (f *fakeStore) SaveTradeResult(ctx context.Context, trade compliance.TradeResult, st compliance.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trade.TradeID)
	return nil
}

func (f *fakeStore) SaveStuckAlert(ctx context.Context, a stuck.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a.ID)
	return nil
}

func (f *fakeStore) SaveFlattenRun(ctx context.Context, rep session.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flatten = append(f.flatten, rep)
	return nil
}

func (f *fakeStore) SaveEvent(ctx context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e.Type)
	return nil
}

// ============================================================================
// JOURNAL
// ============================================================================

func TestJournalWritesAllRecordKinds(t *testing.T) {
	store := &fakeStore{}
	j := NewJournal(store, 16, zerolog.Nop())
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "f1", Symbol: "ES"}})
	j.JournalTradeResult(compliance.TradeResult{TradeID: "t1", Symbol: "ES", PnL: decimal.NewFromInt(-50)}, compliance.State{})
	j.JournalStuckAlert(stuck.Alert{ID: "a1", Symbol: "ES", Classification: stuck.AgedOut})
	j.HandleEvent(events.Event{
		Type:      events.EventSessionFlatten,
		Timestamp: time.Date(2025, 3, 5, 20, 55, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"date":      "2025-03-05",
			"trigger":   "schedule",
			"attempted": 3,
			"succeeded": 2,
			"failed":    1,
			"errors":    map[string]string{"NQ": "rejected"},
		},
	})

	if err := j.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(store.fills) != 1 || len(store.trades) != 1 || len(store.alerts) != 1 {
		t.Errorf("expected one of each record, got fills=%v trades=%v alerts=%v", store.fills, store.trades, store.alerts)
	}
	if len(store.events) != 1 || store.events[0] != events.EventSessionFlatten {
		t.Errorf("expected the flatten event journaled, got %v", store.events)
	}
	if len(store.flatten) != 1 {
		t.Fatalf("expected one flatten run, got %d", len(store.flatten))
	}
	run := store.flatten[0]
	if run.Date != "2025-03-05" || run.Attempted != 3 || run.Failed != 1 || run.Errors["NQ"] != "rejected" {
		t.Errorf("flatten run not decoded from event: %+v", run)
	}
	if written, dropped := j.Stats(); written != 5 || dropped != 0 {
		t.Errorf("expected 5 written 0 dropped, got %d/%d", written, dropped)
	}
}

func TestJournalDropsWhenFull(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	j := NewJournal(store, 1, zerolog.Nop())
	if err := j.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// first record is taken by the blocked worker, second fills the queue
	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "1"}})
	deadline := time.Now().Add(time.Second)
	for len(j.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "2"}})
	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "3"}})

	close(store.block)
	j.Stop()

	if _, dropped := j.Stats(); dropped != 1 {
		t.Errorf("expected one dropped record, got %d", dropped)
	}
	if len(store.fills) != 2 {
		t.Errorf("expected two fills written, got %v", store.fills)
	}
}

func TestJournalWriteErrorsAreNotFatal(t *testing.T) {
	store := &fakeStore{failing: true}
	j := NewJournal(store, 4, zerolog.Nop())
	j.Start(context.Background())
	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "1"}})
	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "2"}})
	j.Stop()

	if written, _ := j.Stats(); written != 0 {
		t.Errorf("failed writes must not count as written, got %d", written)
	}
	// records after Stop are dropped, never panic on the closed queue
	j.OnPositionUpdate(position.PositionUpdate{Fill: position.Fill{FillID: "3"}})
	if _, dropped := j.Stats(); dropped != 1 {
		t.Errorf("expected post-stop record dropped, got %d", dropped)
	}
}
