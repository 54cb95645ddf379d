package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-risk-bot/config"
	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/database"
	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/evidence"
	"futures-risk-bot/internal/feed"
	"futures-risk-bot/internal/gateway"
	"futures-risk-bot/internal/killswitch"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/risk"
	"futures-risk-bot/internal/rotation"
	"futures-risk-bot/internal/session"
	"futures-risk-bot/internal/stuck"
	"futures-risk-bot/internal/tradingmode"
)

// ErrNoLiveVenue is returned when live mode is configured without an order service
var ErrNoLiveVenue = errors.New("gateway mode live requires an order service")

// Bot owns every safety component and their background loops
type Bot struct {
	config *config.Config
	logger zerolog.Logger

	bus        *events.EventBus
	mode       *tradingmode.Cell
	ledger     *position.Ledger
	risk       *risk.AccountMonitor
	enforcer   *compliance.Enforcer
	confirmer  *evidence.Confirmer
	paper      *gateway.PaperGateway
	orders     *gateway.Guarded
	reconciler *position.Reconciler
	stuck      *stuck.Monitor
	flattener  *session.Flattener
	rotation   *rotation.Coordinator
	feed       *feed.Stream
	kill       *killswitch.Monitor

	db      *database.DB
	repo    *database.Repository
	redis   *redis.Client
	store   *database.RedisStateStore
	journal *database.Journal

	// injected
	venue    gateway.OrderService
	broker   position.BrokerPositions
	registry gateway.PositionRegistry
	detector rotation.RegimeDetector

	mu      sync.Mutex
	running bool
	started []component
}

type component struct {
	name string
	stop func() error
}

// Option configures a Bot
type Option func(*Bot)

// WithOrderService sets the live venue. Without it the paper venue is used.
func WithOrderService(svc gateway.OrderService) Option {
	return func(b *Bot) { b.venue = svc }
}

// WithBroker enables ledger against broker reconciliation
func WithBroker(broker position.BrokerPositions) Option {
	return func(b *Bot) { b.broker = broker }
}

// WithPositionRegistry sets the registry notified when a session flatten closes a position
func WithPositionRegistry(r gateway.PositionRegistry) Option {
	return func(b *Bot) { b.registry = r }
}

// WithRegimeDetector replaces the regime file detector
func WithRegimeDetector(d rotation.RegimeDetector) Option {
	return func(b *Bot) { b.detector = d }
}

// New wires the components. Storage connections are opened here; no
// background loop runs until Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Bot, error) {
	b := &Bot{
		config: cfg,
		logger: logging.Component(logger, "Bot"),
		bus:    events.NewEventBus(cfg.EventBufferSize),
		mode:   tradingmode.NewCell(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.openStorage(ctx, logger); err != nil {
		b.closeStorage()
		return nil, err
	}

	// Compliance owns the mode cell
	enforcerOpts := []compliance.Option{
		compliance.WithStateStore(b.store),
		compliance.WithPublisher(b.bus),
	}
	if b.repo != nil {
		enforcerOpts = append(enforcerOpts, compliance.WithAuditSink(b.repo))
	}
	if b.journal != nil {
		enforcerOpts = append(enforcerOpts, compliance.WithTradeJournal(b.journal))
	}
	enforcer, err := compliance.NewEnforcer(cfg.ComplianceConfig, b.mode, logger, enforcerOpts...)
	if err != nil {
		b.closeStorage()
		return nil, fmt.Errorf("compliance enforcer: %w", err)
	}
	b.enforcer = enforcer

	// Ledger and its observers, notified in registration order
	b.ledger = position.NewLedger(b.bus, logger)
	b.risk = risk.NewAccountMonitor(cfg.RiskConfig, b.bus, logger)
	b.ledger.SetAccountRiskHook(b.risk.Evaluate)
	b.ledger.AddObserver(b.risk)
	b.ledger.AddObserver(compliance.NewLedgerObserver(enforcer, logger))

	var searcher evidence.TradeSearcher = ledgerTradeSearch{ledger: b.ledger}
	if b.repo != nil {
		searcher = b.repo
	}
	verifier := evidence.NewVerifier(searcher, cfg.EvidenceConfig.SearchTimeout, b.bus, logger)
	b.confirmer = evidence.NewConfirmer(verifier, cfg.EvidenceConfig.ConfirmTimeout)
	b.ledger.AddObserver(b.confirmer)

	if b.journal != nil {
		b.ledger.AddObserver(b.journal)
		b.bus.SubscribeAll(b.journal.HandleEvent)
	}

	// Order boundary
	inner := b.venue
	if inner == nil {
		if cfg.GatewayConfig.Mode == "live" {
			b.closeStorage()
			return nil, ErrNoLiveVenue
		}
		b.paper = gateway.NewPaperGateway(b.ledger, b.ledger.ApplyFill, cfg.GatewayConfig.PaperCommission, logger)
		inner = b.paper
	}
	b.kill = killswitch.NewMonitor(cfg.KillSwitchConfig.Path, cfg.KillSwitchConfig.Interval, enforcer, b.bus, logger)
	b.orders = gateway.NewGuarded(inner, b.mode, cfg.GatewayConfig.Guard, logger,
		gateway.WithKillState(b.kill),
		gateway.WithContractApprover(enforcer),
		gateway.WithTradeApprover(enforcer),
		gateway.WithPositionSizer(enforcer),
		gateway.WithPendingRecorder(b.ledger),
	)

	// Periodic jobs
	var snapshots position.SnapshotStore = b.store
	b.reconciler = position.NewReconciler(b.ledger, b.broker, snapshots, cfg.ReconcilerConfig, logger)

	escalator := &journalingEscalator{inner: stuck.NewMarketExitEscalator(b.orders, b.confirmer, logger)}
	if b.journal != nil {
		escalator.journal = b.journal
	}
	b.stuck = stuck.NewMonitor(b.ledger, escalator, cfg.StuckConfig, b.bus, logger)

	registry := b.registry
	if registry == nil {
		registry = gateway.NewLoggingRegistry(logger)
	}
	b.flattener, err = session.NewFlattener(b.ledger, b.orders, registry, cfg.SessionConfig, b.bus, logger)
	if err != nil {
		b.closeStorage()
		return nil, fmt.Errorf("session flattener: %w", err)
	}

	detector := b.detector
	if detector == nil {
		detector = rotation.FileRegimeDetector{Path: cfg.RotationConfig.RegimeFile}
	}
	b.rotation, err = rotation.NewCoordinator(cfg.RotationConfig, detector, logger,
		rotation.WithPublisher(b.bus),
		rotation.WithFatalHandler(b.onRotationFatal),
	)
	if err != nil {
		b.closeStorage()
		return nil, fmt.Errorf("model rotation: %w", err)
	}

	if cfg.FeedConfig.URL != "" {
		var listeners []feed.QuoteListener
		if b.paper != nil {
			listeners = append(listeners, b.paper)
		}
		b.feed = feed.NewStream(cfg.FeedConfig, b.ledger, b.ledger, logger, listeners...)
	}

	return b, nil
}

func (b *Bot) openStorage(ctx context.Context, logger zerolog.Logger) error {
	cfg := b.config

	if cfg.DatabaseConfig.Enabled() {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		b.db = db
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("database migrations: %w", err)
		}
		b.repo = database.NewRepository(db)
		b.journal = database.NewJournal(b.repo, cfg.JournalBuffer, logger)
	} else {
		b.logger.Warn().Msg("No database configured, journal disabled")
	}

	if cfg.RedisConfig.Enabled {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}
	// A nil client keeps state in memory only
	b.store = database.NewRedisStateStore(ctx, b.redis, logger)
	return nil
}

func (b *Bot) closeStorage() {
	if b.db != nil {
		b.db.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}

// onRotationFatal halts trading: the strategy may be running with a model
// set that no longer matches the regime.
func (b *Bot) onRotationFatal(fe *rotation.FatalError) {
	l := b.logger
	logging.Critical(&l).Err(fe).Str("regime", fe.Regime).Str("step", fe.Step).Msg("Model rotation halted, forcing fail-safe")
	b.enforcer.ForceFailSafe(context.Background(), "model rotation failed: "+fe.Error())
}

// Start restores persisted state and launches every loop. On failure the
// components already started are stopped again.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot already running")
	}

	// Latched fail-safe must be in place before any order path is live
	if err := b.enforcer.Load(ctx); err != nil {
		return fmt.Errorf("failed to load compliance state: %w", err)
	}
	if err := b.reconciler.RestoreFrom(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Starting with an empty ledger")
	}
	if b.journal != nil {
		if err := b.journal.Start(ctx); err != nil {
			return fmt.Errorf("failed to start journal: %w", err)
		}
	}

	steps := []struct {
		name    string
		enabled bool
		start   func(context.Context) error
		stop    func() error
	}{
		{"kill_switch", true, b.kill.Start, b.kill.Stop},
		{"reconciler", true, b.reconciler.Start, b.stopReconciler},
		{"stuck_monitor", true, b.stuck.Start, b.stuck.Stop},
		{"session_flattener", b.config.SessionConfig.Enabled, b.flattener.Start, b.stopFlattener},
		{"model_rotation", b.config.RotationConfig.Enabled, b.rotation.Start, b.rotation.Stop},
		{"feed", b.feed != nil, b.startFeed, b.stopFeed},
	}

	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if err := s.start(ctx); err != nil {
			b.logger.Error().Err(err).Str("step", s.name).Msg("Startup failed, stopping started components")
			b.stopStartedLocked()
			if b.journal != nil {
				_ = b.journal.Stop()
			}
			return fmt.Errorf("failed to start %s: %w", s.name, err)
		}
		b.started = append(b.started, component{name: s.name, stop: s.stop})
	}

	b.running = true
	b.logger.Info().
		Str("mode", b.mode.Mode().String()).
		Bool("paper", b.paper != nil).
		Int("components", len(b.started)).
		Msg("Bot started")
	return nil
}

// Stop stops every loop in reverse start order, drains the event bus into
// the journal and closes storage.
func (b *Bot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false

	b.stopStartedLocked()
	b.bus.Close()
	if b.journal != nil {
		if err := b.journal.Stop(); err != nil {
			b.logger.Warn().Err(err).Msg("Journal stop")
		}
	}
	b.closeStorage()
	b.logger.Info().Msg("Bot stopped")
}

func (b *Bot) stopStartedLocked() {
	for i := len(b.started) - 1; i >= 0; i-- {
		c := b.started[i]
		if err := c.stop(); err != nil {
			b.logger.Warn().Err(err).Str("component", c.name).Msg("Stop failed")
		}
	}
	b.started = nil
}

func (b *Bot) startFeed(ctx context.Context) error { return b.feed.Start(ctx) }

func (b *Bot) stopFeed() error { return b.feed.Stop() }

// stopReconciler persists a final snapshot after the loop exits
func (b *Bot) stopReconciler() error {
	err := b.reconciler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.reconciler.ReconcileOnce(ctx)
	return err
}

func (b *Bot) stopFlattener() error {
	err := b.flattener.Stop()
	b.flattener.Wait()
	return err
}

// ==================== ACCESSORS ====================

// Orders is the guarded order boundary for strategy hosts
func (b *Bot) Orders() gateway.OrderService { return b.orders }

// Ledger returns the position ledger
func (b *Bot) Ledger() *position.Ledger { return b.ledger }

// Enforcer returns the compliance enforcer
func (b *Bot) Enforcer() *compliance.Enforcer { return b.enforcer }

// Events returns the event bus
func (b *Bot) Events() *events.EventBus { return b.bus }

// Paper returns the paper venue, nil when a live venue is injected
func (b *Bot) Paper() *gateway.PaperGateway { return b.paper }

// ==================== api.BotAPI ====================

func (b *Bot) Positions() []position.Position { return b.ledger.GetAllPositions() }

func (b *Bot) AccountSummary() position.AccountSummary { return b.ledger.GetAccountSummary() }

func (b *Bot) TradingMode() string { return b.mode.Mode().String() }

func (b *Bot) ComplianceState() compliance.State { return b.enforcer.State() }

func (b *Bot) ResetFailSafe(ctx context.Context, operator, reason string) error {
	if b.kill.Active() {
		b.logger.Warn().Str("operator", operator).Msg("Fail-safe reset while kill file is present, opening orders stay blocked")
	}
	return b.enforcer.ResetFailSafe(ctx, operator, reason)
}

func (b *Bot) RotationStatus() rotation.Status { return b.rotation.Status() }

func (b *Bot) StuckUnderRecovery() []stuck.Alert { return b.stuck.UnderRecovery() }

func (b *Bot) SessionStatus() session.Status { return b.flattener.Status() }

func (b *Bot) FlattenNow(ctx context.Context, trigger string) session.Report {
	return b.flattener.FlattenNow(ctx, trigger)
}

// HealthCheck reports configured storage dependencies
func (b *Bot) HealthCheck(ctx context.Context) map[string]error {
	checks := make(map[string]error)
	if b.db != nil {
		checks["postgres"] = b.db.HealthCheck(ctx)
	}
	if b.redis != nil {
		checks["redis"] = b.store.CheckRedisConnection(ctx)
	}
	return checks
}
