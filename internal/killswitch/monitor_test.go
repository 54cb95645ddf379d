package killswitch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/events"
)

type recordingForcer struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingForcer) ForceFailSafe(ctx context.Context, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return true
}

func (r *recordingForcer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func TestCheckTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "KILL")
	forcer := &recordingForcer{}
	bus := events.NewEventBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var seen []bool
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Data["active"].(bool))
		mu.Unlock()
	}, events.EventKillSwitch)

	m := NewMonitor(path, time.Second, forcer, bus, zerolog.Nop())

	if m.Check(context.Background()) || m.Active() {
		t.Fatal("absent kill file must be healthy")
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.Check(context.Background()) || !m.Active() {
		t.Fatal("kill file presence must activate")
	}
	m.Check(context.Background())
	if forcer.count() != 1 {
		t.Errorf("fail-safe should be forced once per activation, got %d", forcer.count())
	}

	os.Remove(path)
	if m.Check(context.Background()) || m.Active() {
		t.Error("removing the kill file should lift the gate")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("expected activate then release events, got %v", seen)
	}
}

func TestStartDetectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "KILL")
	if err := os.WriteFile(path, []byte("stop"), 0o644); err != nil {
		t.Fatal(err)
	}
	forcer := &recordingForcer{}
	m := NewMonitor(path, 10*time.Millisecond, forcer, nil, zerolog.Nop())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if !m.Active() {
		t.Error("existing kill file should be active right after Start")
	}
	if forcer.count() != 1 {
		t.Errorf("expected one forced fail-safe, got %d", forcer.count())
	}
}

func TestStartRequiresPath(t *testing.T) {
	m := NewMonitor("", 0, nil, nil, zerolog.Nop())
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error without a path")
	}
}
