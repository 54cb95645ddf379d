package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/metrics"
)

// BrokerPositions reports the venue's view of net quantities per symbol
type BrokerPositions interface {
	OpenPositions(ctx context.Context) (map[string]int64, error)
}

// SnapshotStore persists ledger snapshots between restarts
type SnapshotStore interface {
	SavePositions(ctx context.Context, positions []Position) error
	LoadPositions(ctx context.Context) ([]Position, error)
}

// ReconcilerConfig holds reconciliation settings
type ReconcilerConfig struct {
	Interval      time.Duration `json:"interval" yaml:"interval"`
	BrokerTimeout time.Duration `json:"broker_timeout" yaml:"broker_timeout"`
}

// DefaultReconcilerConfig returns the default reconciliation settings
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:      30 * time.Second,
		BrokerTimeout: 5 * time.Second,
	}
}

// Mismatch is a symbol whose ledger quantity disagrees with the broker
type Mismatch struct {
	Symbol    string `json:"symbol"`
	LedgerQty int64  `json:"ledger_qty"`
	BrokerQty int64  `json:"broker_qty"`
}

// ReconcileReport summarizes one reconciliation pass
type ReconcileReport struct {
	ExpiredOrders []PendingOrder
	Mismatches    []Mismatch
	BrokerChecked bool
	At            time.Time
}

// Reconciler runs the periodic pending-order sweep and broker comparison.
// Mismatches are reported, never auto-corrected.
type Reconciler struct {
	ledger *Ledger
	broker BrokerPositions
	store  SnapshotStore
	config ReconcilerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler. broker and store may be nil.
func NewReconciler(ledger *Ledger, broker BrokerPositions, store SnapshotStore, config ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	def := DefaultReconcilerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BrokerTimeout <= 0 {
		config.BrokerTimeout = def.BrokerTimeout
	}
	return &Reconciler{
		ledger:   ledger,
		broker:   broker,
		store:    store,
		config:   config,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info().Dur("interval", r.config.Interval).Msg("Starting reconciliation loop")

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the current pass to finish
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info().Msg("Reconciliation loop stopped")
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReconcileOnce runs a single pass: stale pending sweep, broker comparison
// and snapshot persistence.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ReconcileReport {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Panic recovered in reconciliation pass")
		}
	}()

	report := ReconcileReport{At: r.ledger.now()}
	report.ExpiredOrders = r.ledger.SweepStalePendingOrders(report.At)

	if r.broker != nil {
		bctx, cancel := context.WithTimeout(ctx, r.config.BrokerTimeout)
		brokerQty, err := r.broker.OpenPositions(bctx)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Broker position query failed, skipping comparison")
		} else {
			report.BrokerChecked = true
			report.Mismatches = r.compare(brokerQty)
		}
	}

	if r.store != nil {
		sctx, cancel := context.WithTimeout(ctx, r.config.BrokerTimeout)
		if err := r.store.SavePositions(sctx, r.ledger.GetAllPositions()); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to persist ledger snapshot")
		}
		cancel()
	}

	return report
}

func (r *Reconciler) compare(brokerQty map[string]int64) []Mismatch {
	ledgerQty := make(map[string]int64)
	for _, p := range r.ledger.GetAllPositions() {
		ledgerQty[p.Symbol] = p.NetQuantity
	}

	var mismatches []Mismatch
	seen := make(map[string]bool)
	check := func(symbol string) {
		if seen[symbol] {
			return
		}
		seen[symbol] = true
		if ledgerQty[symbol] != brokerQty[symbol] {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, LedgerQty: ledgerQty[symbol], BrokerQty: brokerQty[symbol]})
		}
	}
	for s := range ledgerQty {
		check(s)
	}
	for s := range brokerQty {
		check(s)
	}

	for _, m := range mismatches {
		metrics.ReconcileMismatches.WithLabelValues(m.Symbol).Inc()
		r.logger.Error().
			Str("symbol", m.Symbol).
			Int64("ledger_qty", m.LedgerQty).
			Int64("broker_qty", m.BrokerQty).
			Msg("Position mismatch between ledger and broker")
		r.ledger.publisher.Publish(events.Event{
			Type: events.EventReconcileMismatch,
			Data: map[string]interface{}{
				"symbol":     m.Symbol,
				"ledger_qty": m.LedgerQty,
				"broker_qty": m.BrokerQty,
			},
		})
	}
	return mismatches
}

// RestoreFrom loads a persisted snapshot into the ledger
func (r *Reconciler) RestoreFrom(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	positions, err := r.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger snapshot: %w", err)
	}
	r.ledger.Restore(positions)
	return nil
}
