// Package session flattens every open position shortly before the venue's
// daily close, once per trading day.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/gateway"
	"futures-risk-bot/internal/metrics"
	"futures-risk-bot/internal/position"
)

// UnregisterReason is passed to the position registry after a session close
const UnregisterReason = "SessionEnd"

// ErrStopping is reported when a flatten is requested while Stop drains
var ErrStopping = errors.New("session flattener is stopping")

// OpenPositions lists positions to flatten
type OpenPositions interface {
	GetOpenPositions() []position.Position
}

// Config holds flatten schedule settings
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Timezone        string        `json:"timezone" yaml:"timezone"`
	MarketClose     string        `json:"market_close" yaml:"market_close"` // HH:MM venue local
	FlattenLead     time.Duration `json:"flatten_lead" yaml:"flatten_lead"`
	Window          time.Duration `json:"window" yaml:"window"`
	CheckInterval   time.Duration `json:"check_interval" yaml:"check_interval"`
	HoldOverWeekend bool          `json:"hold_over_weekend" yaml:"hold_over_weekend"`
	CloseTimeout    time.Duration `json:"close_timeout" yaml:"close_timeout"`
}

// DefaultConfig flattens five minutes before the 16:00 Eastern close
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Timezone:      "America/New_York",
		MarketClose:   "16:00",
		FlattenLead:   5 * time.Minute,
		Window:        time.Minute,
		CheckInterval: 30 * time.Second,
		CloseTimeout:  10 * time.Second,
	}
}

// Report summarizes one flatten batch
type Report struct {
	Date      string            `json:"date"`
	Trigger   string            `json:"trigger"`
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// Flattener is the session-end scheduler
type Flattener struct {
	positions OpenPositions
	orders    gateway.OrderService
	registry  gateway.PositionRegistry
	config    Config
	loc       *time.Location
	closeHour int
	closeMin  int
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	stateMu      sync.Mutex
	currentDate  string
	flattenedDay bool
	lastReport   *Report

	mu       sync.Mutex
	running  bool
	stopping bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	batches  sync.WaitGroup
}

// NewFlattener validates the schedule and creates a flattener
func NewFlattener(positions OpenPositions, orders gateway.OrderService, registry gateway.PositionRegistry, config Config, publisher events.Publisher, logger zerolog.Logger) (*Flattener, error) {
	def := DefaultConfig()
	if config.Timezone == "" {
		config.Timezone = def.Timezone
	}
	if config.MarketClose == "" {
		config.MarketClose = def.MarketClose
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = def.CloseTimeout
	}
	if config.FlattenLead < 0 {
		return nil, fmt.Errorf("flatten lead must not be negative")
	}

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone %q: %w", config.Timezone, err)
	}
	closeAt, err := time.Parse("15:04", config.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("invalid market close %q: %w", config.MarketClose, err)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if registry == nil {
		registry = gateway.NewLoggingRegistry(logger)
	}

	return &Flattener{
		positions: positions,
		orders:    orders,
		registry:  registry,
		config:    config,
		loc:       loc,
		closeHour: closeAt.Hour(),
		closeMin:  closeAt.Minute(),
		publisher: publisher,
		logger:    logger.With().Str("component", "SessionFlattener").Logger(),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}, nil
}

// SetClock overrides the flattener clock
func (f *Flattener) SetClock(now func() time.Time) {
	f.now = now
}

// Start launches the schedule loop
func (f *Flattener) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("session flattener already running")
	}
	f.running = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	f.logger.Info().
		Str("market_close", f.config.MarketClose).
		Dur("lead", f.config.FlattenLead).
		Str("timezone", f.config.Timezone).
		Bool("hold_over_weekend", f.config.HoldOverWeekend).
		Msg("Starting session flattener")

	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

// Stop stops the loop and waits for an in-flight batch to finish
func (f *Flattener) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return fmt.Errorf("session flattener not running")
	}
	f.running = false
	f.stopping = true
	f.mu.Unlock()

	close(f.stopChan)
	f.wg.Wait()
	f.batches.Wait()

	f.mu.Lock()
	f.stopping = false
	f.mu.Unlock()
	f.logger.Info().Msg("Session flattener stopped")
	return nil
}

func (f *Flattener) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Check(ctx)
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// TargetTime returns the flatten time on the local date of t
func (f *Flattener) TargetTime(t time.Time) time.Time {
	local := t.In(f.loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), f.closeHour, f.closeMin, 0, 0, f.loc)
	return closeAt.Add(-f.config.FlattenLead)
}

// Check evaluates the schedule once and launches the flatten batch when the
// window is hit. Returns true when a batch was launched.
func (f *Flattener) Check(ctx context.Context) bool {
	if !f.config.Enabled {
		return false
	}
	now := f.now().In(f.loc)

	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	case time.Friday:
		if f.config.HoldOverWeekend {
			return false
		}
	}

	date := now.Format("2006-01-02")
	target := f.TargetTime(now)
	diff := now.Sub(target)
	if diff < 0 {
		diff = -diff
	}

	f.stateMu.Lock()
	if date != f.currentDate {
		f.currentDate = date
		f.flattenedDay = false
	}
	if diff > f.config.Window || f.flattenedDay {
		f.stateMu.Unlock()
		return false
	}
	f.flattenedDay = true
	f.stateMu.Unlock()

	if !f.beginBatch() {
		f.stateMu.Lock()
		f.flattenedDay = false
		f.stateMu.Unlock()
		return false
	}
	f.logger.Warn().
		Str("date", date).
		Time("target", target).
		Msg("Session end reached, flattening all positions")

	go func() {
		defer f.batches.Done()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error().Interface("panic", r).Msg("Panic recovered in session flatten batch")
			}
		}()
		f.flatten(context.WithoutCancel(ctx), date, "schedule")
	}()
	return true
}

// FlattenNow closes every open position immediately, outside the schedule.
// It works whether or not the schedule loop runs, but is refused while Stop
// drains in-flight batches.
func (f *Flattener) FlattenNow(ctx context.Context, trigger string) Report {
	date := f.now().In(f.loc).Format("2006-01-02")
	if !f.beginBatch() {
		f.logger.Warn().Str("trigger", trigger).Msg("Flatten refused, flattener is stopping")
		return Report{
			Date:      date,
			Trigger:   trigger,
			Errors:    map[string]string{"flattener": ErrStopping.Error()},
			StartedAt: f.now().UTC(),
		}
	}
	defer f.batches.Done()
	return f.flatten(ctx, date, trigger)
}

// beginBatch registers a flatten batch unless Stop is draining them
func (f *Flattener) beginBatch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return false
	}
	f.batches.Add(1)
	return true
}

// flatten closes each open position independently. A failure on one symbol
// never aborts the others.
func (f *Flattener) flatten(ctx context.Context, date, trigger string) Report {
	start := f.now()
	open := f.positions.GetOpenPositions()
	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })

	report := Report{Date: date, Trigger: trigger, Attempted: len(open), StartedAt: start, Errors: map[string]string{}}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, pos := range open {
		wg.Add(1)
		go func(pos position.Position) {
			defer wg.Done()
			err := f.closeOne(ctx, pos)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors[pos.Symbol] = err.Error()
				metrics.SessionFlatten.WithLabelValues("failure").Inc()
				f.logger.Error().Err(err).Str("symbol", pos.Symbol).Int64("qty", pos.NetQuantity).Msg("Session close failed")
				return
			}
			report.Succeeded++
			metrics.SessionFlatten.WithLabelValues("success").Inc()
		}(pos)
	}
	wg.Wait()
	report.Duration = f.now().Sub(start)

	f.stateMu.Lock()
	r := report
	f.lastReport = &r
	f.stateMu.Unlock()

	logEv := f.logger.Info()
	if report.Failed > 0 {
		logEv = f.logger.Error()
	}
	logEv.Str("date", date).
		Str("trigger", trigger).
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("Session flatten completed")

	f.publisher.Publish(events.Event{
		Type: events.EventSessionFlatten,
		Data: map[string]interface{}{
			"date":      date,
			"trigger":   trigger,
			"attempted": report.Attempted,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"errors":    report.Errors,
		},
	})
	return report
}

func (f *Flattener) closeOne(ctx context.Context, pos position.Position) error {
	cctx, cancel := context.WithTimeout(ctx, f.config.CloseTimeout)
	defer cancel()

	ok, err := f.orders.ClosePosition(cctx, pos.ID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("close of %s was not accepted", pos.ID())
	}

	if err := f.registry.UnregisterPosition(cctx, pos.ID(), UnregisterReason); err != nil {
		f.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position closed but registry unregister failed")
	}
	f.logger.Info().Str("symbol", pos.Symbol).Int64("qty", pos.NetQuantity).Msg("Position flattened for session end")
	return nil
}

// Status describes the schedule for the operator API
type Status struct {
	Date            string    `json:"date"`
	FlattenedToday  bool      `json:"flattened_today"`
	NextTarget      time.Time `json:"next_target"`
	HoldOverWeekend bool      `json:"hold_over_weekend"`
	LastReport      *Report   `json:"last_report,omitempty"`
}

// Status returns the current schedule state
func (f *Flattener) Status() Status {
	now := f.now()
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return Status{
		Date:            f.currentDate,
		FlattenedToday:  f.flattenedDay,
		NextTarget:      f.TargetTime(now),
		HoldOverWeekend: f.config.HoldOverWeekend,
		LastReport:      f.lastReport,
	}
}

// Wait blocks until in-flight flatten batches finish
func (f *Flattener) Wait() {
	f.batches.Wait()
}
