// Package killswitch watches for the emergency kill file. Its presence stops
// all opening orders and forces fail-safe.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/logging"
)

// DefaultInterval is the kill file poll interval
const DefaultInterval = time.Second

// FailSafeForcer latches fail-safe
type FailSafeForcer interface {
	ForceFailSafe(ctx context.Context, reason string) bool
}

// Monitor polls the kill file
type Monitor struct {
	path      string
	interval  time.Duration
	forcer    FailSafeForcer
	publisher events.Publisher
	logger    zerolog.Logger

	active atomic.Bool

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a kill file monitor
func NewMonitor(path string, interval time.Duration, forcer FailSafeForcer, publisher events.Publisher, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Monitor{
		path:      path,
		interval:  interval,
		forcer:    forcer,
		publisher: publisher,
		logger:    logger.With().Str("component", "KillSwitch").Str("path", path).Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Active implements gateway.KillState
func (m *Monitor) Active() bool {
	return m.active.Load()
}

// Start checks once and then polls
func (m *Monitor) Start(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("kill file path is required")
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("kill switch monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.Check(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop stops polling
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("kill switch monitor not running")
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check stats the kill file once and returns whether it is present.
// Stat errors other than absence keep the previous state.
func (m *Monitor) Check(ctx context.Context) bool {
	_, err := os.Stat(m.path)
	switch {
	case err == nil:
		if !m.active.Swap(true) {
			logging.Critical(&m.logger).Msg("EMERGENCY KILL FILE DETECTED - stopping all opening orders")
			m.publisher.Publish(events.Event{
				Type: events.EventKillSwitch,
				Data: map[string]interface{}{"active": true, "path": m.path},
			})
			if m.forcer != nil {
				m.forcer.ForceFailSafe(ctx, "emergency kill file present: "+m.path)
			}
		}
		return true
	case errors.Is(err, os.ErrNotExist):
		if m.active.Swap(false) {
			// fail-safe stays latched; only the kill gate lifts
			m.logger.Warn().Msg("Kill file removed; fail-safe remains engaged until manual reset")
			m.publisher.Publish(events.Event{
				Type: events.EventKillSwitch,
				Data: map[string]interface{}{"active": false, "path": m.path},
			})
		}
		return false
	default:
		m.logger.Error().Err(err).Msg("Failed to check kill file")
		return m.active.Load()
	}
}
