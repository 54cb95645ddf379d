// Package stuck scans open positions for runaway losses, aged positions and
// exit orders that never filled, and hands them to an escalator.
package stuck

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/metrics"
	"futures-risk-bot/internal/position"
)

// Classification of a scanned position, in ascending priority
type Classification int

const (
	Healthy Classification = iota
	StuckExit
	AgedOut
	RunawayLoss
)

func (c Classification) String() string {
	switch c {
	case Healthy:
		return "Healthy"
	case StuckExit:
		return "StuckExit"
	case AgedOut:
		return "AgedOut"
	case RunawayLoss:
		return "RunawayLoss"
	default:
		return "Unknown"
	}
}

// MarshalText renders the classification name in JSON
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ExitAttempt is an exit order already working for the position
type ExitAttempt struct {
	OrderID     string    `json:"order_id"`
	Quantity    int64     `json:"quantity"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Alert describes one detection
type Alert struct {
	ID             string          `json:"id"`
	PositionID     string          `json:"position_id"`
	Symbol         string          `json:"symbol"`
	Quantity       int64           `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	EntryTime      time.Time       `json:"entry_time"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Classification Classification  `json:"classification"`
	DetectedAt     time.Time       `json:"detected_at"`
	Reason         string          `json:"reason"`
	ExitAttempts   []ExitAttempt   `json:"exit_attempts"`
}

// Escalator resolves a stuck position, typically with an emergency exit
type Escalator interface {
	Escalate(ctx context.Context, alert Alert) error
}

// PositionReader is the ledger view the monitor needs
type PositionReader interface {
	GetOpenPositions() []position.Position
	GetPosition(symbol string) (position.Position, bool)
	PendingOrdersFor(symbol string) []position.PendingOrder
}

// Config holds monitor settings. RunawayLoss is a negative dollar amount.
type Config struct {
	Interval          time.Duration   `json:"interval" yaml:"interval"`
	StartupDelay      time.Duration   `json:"startup_delay" yaml:"startup_delay"`
	RunawayLoss       decimal.Decimal `json:"runaway_loss" yaml:"runaway_loss"`
	MaxPositionAge    time.Duration   `json:"max_position_age" yaml:"max_position_age"`
	StuckExitAfter    time.Duration   `json:"stuck_exit_after" yaml:"stuck_exit_after"`
	EscalationTimeout time.Duration   `json:"escalation_timeout" yaml:"escalation_timeout"`
}

// DefaultConfig returns the default monitor settings
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		StartupDelay:      30 * time.Second,
		RunawayLoss:       decimal.NewFromInt(-500),
		MaxPositionAge:    4 * time.Hour,
		StuckExitAfter:    5 * time.Minute,
		EscalationTimeout: 30 * time.Second,
	}
}

type recovery struct {
	alert     Alert
	startedAt time.Time
}

// Monitor is the periodic stuck-position scanner
type Monitor struct {
	reader    PositionReader
	escalator Escalator
	config    Config
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	recMu    sync.Mutex
	recovery map[string]*recovery

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
	escalations sync.WaitGroup
}

// NewMonitor creates a monitor. escalator may be nil, in which case
// detections are only reported.
func NewMonitor(reader PositionReader, escalator Escalator, config Config, publisher events.Publisher, logger zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	if config.EscalationTimeout <= 0 {
		config.EscalationTimeout = def.EscalationTimeout
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Monitor{
		reader:    reader,
		escalator: escalator,
		config:    config,
		publisher: publisher,
		logger:    logger.With().Str("component", "StuckPositionMonitor").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		recovery:  make(map[string]*recovery),
		stopChan:  make(chan struct{}),
	}
}

// SetClock overrides the monitor clock
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the scan loop after the startup delay
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("stuck position monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info().
		Dur("interval", m.config.Interval).
		Dur("startup_delay", m.config.StartupDelay).
		Msg("Starting stuck position monitor")

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop stops the loop and waits for in-flight escalations
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("stuck position monitor not running")
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.escalations.Wait()
	m.logger.Info().Msg("Stuck position monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	if m.config.StartupDelay > 0 {
		delay := time.NewTimer(m.config.StartupDelay)
		select {
		case <-delay.C:
		case <-m.stopChan:
			delay.Stop()
			return
		case <-ctx.Done():
			delay.Stop()
			return
		}
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.safeCheck(ctx)
	for {
		select {
		case <-ticker.C:
			m.safeCheck(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Panic recovered in stuck position scan")
		}
	}()
	m.CheckOnce(ctx)
}

// Classify returns the highest-priority condition that applies to pos
func (m *Monitor) Classify(pos position.Position, pending []position.PendingOrder, now time.Time) (Classification, string) {
	if !m.config.RunawayLoss.IsZero() && pos.UnrealizedPnL.LessThan(m.config.RunawayLoss) {
		return RunawayLoss, fmt.Sprintf("unrealized P&L %s below runaway threshold %s",
			pos.UnrealizedPnL.StringFixed(2), m.config.RunawayLoss.StringFixed(2))
	}

	if m.config.MaxPositionAge > 0 && !pos.LastUpdate.IsZero() {
		if age := now.Sub(pos.LastUpdate); age > m.config.MaxPositionAge {
			return AgedOut, fmt.Sprintf("no update for %s, max age %s", age.Round(time.Second), m.config.MaxPositionAge)
		}
	}

	if m.config.StuckExitAfter > 0 {
		if exit, ok := latestExitOrder(pos, pending); ok {
			if waited := now.Sub(exit.SubmittedTime); waited > m.config.StuckExitAfter {
				return StuckExit, fmt.Sprintf("exit order %s unfilled for %s", exit.OrderID, waited.Round(time.Second))
			}
		}
	}

	return Healthy, ""
}

// latestExitOrder returns the newest pending order that reduces pos. Older
// exit orders superseded by a retry are ignored.
func latestExitOrder(pos position.Position, pending []position.PendingOrder) (position.PendingOrder, bool) {
	var latest position.PendingOrder
	found := false
	for _, o := range pending {
		if o.Symbol != pos.Symbol || (o.Quantity > 0) == (pos.NetQuantity > 0) {
			continue
		}
		if !found || o.SubmittedTime.After(latest.SubmittedTime) {
			latest = o
			found = true
		}
	}
	return latest, found
}

func exitAttempts(pos position.Position, pending []position.PendingOrder) []ExitAttempt {
	var attempts []ExitAttempt
	for _, o := range pending {
		if o.Symbol == pos.Symbol && (o.Quantity > 0) != (pos.NetQuantity > 0) {
			attempts = append(attempts, ExitAttempt{OrderID: o.OrderID, Quantity: o.Quantity, SubmittedAt: o.SubmittedTime})
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].SubmittedAt.Before(attempts[j].SubmittedAt) })
	return attempts
}

// CheckOnce runs one scan pass followed by the recovery sweep and returns
// the new detections.
func (m *Monitor) CheckOnce(ctx context.Context) []Alert {
	now := m.now()
	var alerts []Alert

	for _, pos := range m.reader.GetOpenPositions() {
		if m.underRecovery(pos.Symbol) {
			continue
		}
		pending := m.reader.PendingOrdersFor(pos.Symbol)
		class, reason := m.Classify(pos, pending, now)
		if class == Healthy {
			continue
		}

		alert := Alert{
			ID:             uuid.New().String(),
			PositionID:     pos.ID(),
			Symbol:         pos.Symbol,
			Quantity:       pos.NetQuantity,
			EntryPrice:     pos.AveragePrice,
			EntryTime:      pos.OpenedAt,
			CurrentPrice:   pos.LastMarketPrice,
			UnrealizedPnL:  pos.UnrealizedPnL,
			Classification: class,
			DetectedAt:     now,
			Reason:         reason,
			ExitAttempts:   exitAttempts(pos, pending),
		}
		if !m.beginRecovery(alert, now) {
			continue
		}
		alerts = append(alerts, alert)
		m.report(alert)
		m.escalate(ctx, alert)
	}

	m.sweepRecovered(now)
	return alerts
}

func (m *Monitor) report(alert Alert) {
	metrics.StuckPositions.WithLabelValues(alert.Classification.String()).Inc()
	ev := m.logger.Warn()
	if alert.Classification == RunawayLoss {
		ev = m.logger.Error()
	}
	ev.Str("alert_id", alert.ID).
		Str("symbol", alert.Symbol).
		Int64("qty", alert.Quantity).
		Str("classification", alert.Classification.String()).
		Str("unrealized_pnl", alert.UnrealizedPnL.StringFixed(2)).
		Int("exit_attempts", len(alert.ExitAttempts)).
		Str("reason", alert.Reason).
		Msg("Stuck position detected")

	m.publisher.Publish(events.Event{
		Type: events.EventStuckPosition,
		Data: map[string]interface{}{
			"alert_id":       alert.ID,
			"position_id":    alert.PositionID,
			"symbol":         alert.Symbol,
			"quantity":       alert.Quantity,
			"classification": alert.Classification.String(),
			"unrealized_pnl": alert.UnrealizedPnL.String(),
			"reason":         alert.Reason,
			"detected_at":    alert.DetectedAt,
		},
	})
}

// escalate hands the alert to the escalator without blocking the scan
func (m *Monitor) escalate(ctx context.Context, alert Alert) {
	if m.escalator == nil {
		return
	}
	m.escalations.Add(1)
	go func() {
		defer m.escalations.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().Interface("panic", r).Str("symbol", alert.Symbol).Msg("Panic recovered in escalation")
				m.endRecovery(alert.Symbol)
			}
		}()

		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.EscalationTimeout)
		defer cancel()
		if err := m.escalator.Escalate(ectx, alert); err != nil {
			m.logger.Error().Err(err).
				Str("alert_id", alert.ID).
				Str("symbol", alert.Symbol).
				Msg("Escalation failed, position will be re-evaluated next pass")
			m.endRecovery(alert.Symbol)
		}
	}()
}

func (m *Monitor) underRecovery(symbol string) bool {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	_, ok := m.recovery[symbol]
	return ok
}

func (m *Monitor) beginRecovery(alert Alert, now time.Time) bool {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	if _, ok := m.recovery[alert.Symbol]; ok {
		return false
	}
	m.recovery[alert.Symbol] = &recovery{alert: alert, startedAt: now}
	return true
}

func (m *Monitor) endRecovery(symbol string) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	delete(m.recovery, symbol)
}

// sweepRecovered drops symbols whose position is now flat
func (m *Monitor) sweepRecovered(now time.Time) {
	m.recMu.Lock()
	symbols := make([]string, 0, len(m.recovery))
	for s := range m.recovery {
		symbols = append(symbols, s)
	}
	m.recMu.Unlock()

	for _, s := range symbols {
		pos, ok := m.reader.GetPosition(s)
		if ok && pos.IsOpen() {
			continue
		}

		m.recMu.Lock()
		rec, tracked := m.recovery[s]
		delete(m.recovery, s)
		m.recMu.Unlock()
		if !tracked {
			continue
		}

		duration := now.Sub(rec.startedAt)
		m.logger.Info().
			Str("symbol", s).
			Str("classification", rec.alert.Classification.String()).
			Dur("recovery_duration", duration).
			Msg("Stuck position recovered")
		m.publisher.Publish(events.Event{
			Type: events.EventRecoveryCompleted,
			Data: map[string]interface{}{
				"symbol":            s,
				"alert_id":          rec.alert.ID,
				"classification":    rec.alert.Classification.String(),
				"recovery_duration": duration.String(),
			},
		})
	}
}

// UnderRecovery returns the active recovery alerts, sorted by symbol
func (m *Monitor) UnderRecovery() []Alert {
	m.recMu.Lock()
	out := make([]Alert, 0, len(m.recovery))
	for _, r := range m.recovery {
		out = append(out, r.alert)
	}
	m.recMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
