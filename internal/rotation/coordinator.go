package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/metrics"
)

// ErrHalted is returned once a fatal rotation failure has stopped the coordinator
var ErrHalted = errors.New("model rotation halted")

// State of the rotation state machine
type State int32

const (
	StateIdle State = iota
	StateCheckingRegime
	StateNoChange
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCheckingRegime:
		return "CheckingRegime"
	case StateNoChange:
		return "NoChange"
	case StateRotating:
		return "Rotating"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FatalError is a failed rotation. It must stop trading-affecting behavior.
type FatalError struct {
	Regime string
	Step   string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("model rotation to %s failed at %s: %v", e.Regime, e.Step, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Config holds rotation settings
type Config struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	CooldownBars int           `json:"cooldown_bars" yaml:"cooldown_bars"`
	BarDuration  time.Duration `json:"bar_duration" yaml:"bar_duration"`
	ManifestPath string        `json:"manifest_path" yaml:"manifest_path"`
	ActiveDir    string        `json:"active_dir" yaml:"active_dir"`
	SelectedPath string        `json:"selected_path" yaml:"selected_path"`
	AlertDir     string        `json:"alert_dir" yaml:"alert_dir"`
	RegimeFile   string        `json:"regime_file" yaml:"regime_file"`
}

// DefaultBarDuration is the bar length the cooldown is counted in
const DefaultBarDuration = 5 * time.Minute

// DefaultConfig returns rotation defaults
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Interval:     time.Minute,
		CooldownBars: 12,
		BarDuration:  DefaultBarDuration,
		ManifestPath: "models/manifest.json",
		ActiveDir:    "models/active",
		SelectedPath: "state/selected.json",
		AlertDir:     "state/alerts",
		RegimeFile:   "state/regime.txt",
	}
}

// Cooldown is the minimum time between rotations
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownBars) * c.BarDuration
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithClock overrides the coordinator clock
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithFatalHandler registers the hold-trading callback for fatal failures
func WithFatalHandler(fn func(*FatalError)) CoordinatorOption {
	return func(c *Coordinator) { c.onFatal = fn }
}

// WithPublisher sets the event publisher
func WithPublisher(p events.Publisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// Coordinator is the regime-triggered model rotation state machine
type Coordinator struct {
	config    Config
	detector  RegimeDetector
	publisher events.Publisher
	onFatal   func(*FatalError)
	logger    zerolog.Logger
	now       func() time.Time

	stateMu  sync.RWMutex
	state    State
	selected SelectedState
	halted   *FatalError
	lastErr  string

	// serializes CheckOnce so two passes never rotate concurrently
	passMu sync.Mutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator and loads selected.json if present
func NewCoordinator(config Config, detector RegimeDetector, logger zerolog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BarDuration <= 0 {
		config.BarDuration = def.BarDuration
	}
	if config.CooldownBars < 0 {
		return nil, fmt.Errorf("cooldown bars must not be negative")
	}
	if config.Enabled && (config.ManifestPath == "" || config.ActiveDir == "" || config.SelectedPath == "") {
		return nil, fmt.Errorf("rotation enabled without manifest, active dir or selected path")
	}

	c := &Coordinator{
		config:    config,
		detector:  detector,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "ModelRotation").Logger(),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.BarDuration != DefaultBarDuration {
		c.logger.Warn().
			Dur("bar_duration", config.BarDuration).
			Int("cooldown_bars", config.CooldownBars).
			Msg("Cooldown counts bars of a fixed wall-clock length; check it matches the strategy timeframe")
	}

	if config.SelectedPath != "" {
		st, err := LoadSelected(config.SelectedPath)
		if err != nil {
			return nil, err
		}
		c.selected = st
	}
	return c, nil
}

// Start launches the rotation loop
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("model rotation already running")
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info().
		Bool("enabled", c.config.Enabled).
		Dur("interval", c.config.Interval).
		Dur("cooldown", c.config.Cooldown()).
		Str("current_regime", c.Selected().CurrentRegime).
		Msg("Starting model rotation coordinator")

	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop stops the loop
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("model rotation not running")
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()
	c.logger.Info().Msg("Model rotation coordinator stopped")
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.CheckOnce(ctx); err != nil {
				var fatal *FatalError
				if errors.As(err, &fatal) || errors.Is(err, ErrHalted) {
					c.logger.Error().Msg("Model rotation loop halted")
					return
				}
			}
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// ShouldRotate reports whether a rotation to regime is allowed at now
func (c *Coordinator) ShouldRotate(regime string, now time.Time) (bool, string) {
	if !c.config.Enabled {
		return false, "rotation disabled"
	}
	sel := c.Selected()
	if regime == sel.CurrentRegime {
		return false, "regime unchanged"
	}
	if now.Before(sel.CooldownExpiresAt) {
		return false, fmt.Sprintf("cooldown active until %s", sel.CooldownExpiresAt.Format(time.RFC3339))
	}
	return true, ""
}

// CheckOnce runs one pass of the state machine and returns the terminal
// state of the pass. A *FatalError halts all later passes.
func (c *Coordinator) CheckOnce(ctx context.Context) (State, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	if halted := c.Halted(); halted != nil {
		return StateIdle, fmt.Errorf("%w: %v", ErrHalted, halted)
	}
	defer c.setState(StateIdle)

	c.setState(StateCheckingRegime)
	regime, err := c.detector.CurrentRegime(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Regime detection failed, treating as no change")
		c.setState(StateNoChange)
		return StateNoChange, nil
	}

	now := c.now()
	ok, reason := c.ShouldRotate(regime, now)
	if !ok {
		c.logger.Debug().Str("regime", regime).Str("reason", reason).Msg("No rotation")
		c.setState(StateNoChange)
		return StateNoChange, nil
	}

	c.setState(StateRotating)
	return StateRotating, c.Rotate(ctx, regime)
}

// Rotate performs the swap to regime unconditionally. Failures are returned
// as *FatalError after the coordinator has been halted.
func (c *Coordinator) Rotate(ctx context.Context, regime string) error {
	prev := c.Selected()
	start := c.now()

	next, err := c.rotate(ctx, regime, prev, start)
	if err != nil {
		return c.fail(err)
	}

	c.stateMu.Lock()
	c.selected = next
	c.lastErr = ""
	c.stateMu.Unlock()

	metrics.ModelRotations.WithLabelValues("success").Inc()
	c.logger.Info().
		Str("from_regime", prev.CurrentRegime).
		Str("to_regime", regime).
		Str("tranche_id", next.TrancheID).
		Int("rotation_count", next.RotationCount).
		Time("cooldown_expires_at", next.CooldownExpiresAt).
		Msg("Model rotation completed")
	c.publisher.Publish(events.Event{
		Type: events.EventModelRotated,
		Data: map[string]interface{}{
			"from_regime":    prev.CurrentRegime,
			"to_regime":      regime,
			"tranche_id":     next.TrancheID,
			"rotation_count": next.RotationCount,
		},
	})
	return nil
}

func (c *Coordinator) rotate(ctx context.Context, regime string, prev SelectedState, now time.Time) (SelectedState, error) {
	fatal := func(step string, err error) error {
		return &FatalError{Regime: regime, Step: step, Err: err}
	}

	manifest, err := LoadManifest(c.config.ManifestPath)
	if err != nil {
		return prev, fatal("load_manifest", err)
	}
	set, err := manifest.Regime(regime)
	if err != nil {
		return prev, fatal("locate_regime", err)
	}
	for _, a := range set.Artifacts {
		if err := manifest.VerifyArtifact(a); err != nil {
			return prev, fatal("verify_artifacts", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return prev, fatal("verify_artifacts", err)
	}

	staging, err := stageArtifacts(manifest, set, c.config.ActiveDir)
	if err != nil {
		return prev, fatal("stage", err)
	}

	prevDir, err := swapDirectories(staging, c.config.ActiveDir)
	if err != nil {
		os.RemoveAll(staging)
		return prev, fatal("swap", err)
	}

	next := SelectedState{
		CurrentRegime:     regime,
		TrancheID:         set.TrancheID,
		ManifestVersion:   manifest.Version,
		RotationCount:     prev.RotationCount + 1,
		LastRotationAt:    now,
		CooldownExpiresAt: now.Add(c.config.Cooldown()),
		Artifacts:         set.Artifacts,
	}
	if err := writeJSONAtomic(c.config.SelectedPath, next); err != nil {
		if rbErr := rollbackSwap(c.config.ActiveDir, prevDir); rbErr != nil {
			return prev, fatal("write_selected", fmt.Errorf("%w (rollback failed: %v)", err, rbErr))
		}
		return prev, fatal("write_selected", err)
	}

	if prevDir != "" {
		if err := os.RemoveAll(prevDir); err != nil {
			c.logger.Warn().Err(err).Str("dir", prevDir).Msg("Failed to remove previous model dir")
		}
	}
	return next, nil
}

func (c *Coordinator) fail(err error) error {
	var fe *FatalError
	if !errors.As(err, &fe) {
		fe = &FatalError{Step: "unknown", Err: err}
	}

	c.stateMu.Lock()
	c.halted = fe
	c.lastErr = fe.Error()
	c.stateMu.Unlock()

	metrics.ModelRotations.WithLabelValues("failure").Inc()
	logging.Critical(&c.logger).
		Err(fe.Err).
		Str("regime", fe.Regime).
		Str("step", fe.Step).
		Msg("MODEL ROTATION FAILED - holding trading")

	if path, werr := c.writeAlert(fe); werr != nil {
		c.logger.Error().Err(werr).Msg("Failed to write rotation alert artifact")
	} else if path != "" {
		c.logger.Warn().Str("path", path).Msg("Rotation alert artifact written")
	}

	c.publisher.Publish(events.Event{
		Type: events.EventRotationFailed,
		Data: map[string]interface{}{
			"regime": fe.Regime,
			"step":   fe.Step,
			"error":  fe.Err.Error(),
		},
	})

	if c.onFatal != nil {
		c.onFatal(fe)
	}
	return fe
}

func (c *Coordinator) writeAlert(fe *FatalError) (string, error) {
	if c.config.AlertDir == "" {
		return "", nil
	}
	id := uuid.New().String()
	path := filepath.Join(c.config.AlertDir, fmt.Sprintf("rotation_%s_%s.json", c.now().UTC().Format("20060102T150405Z"), id[:8]))
	return path, writeJSONAtomic(path, map[string]interface{}{
		"alert_id":   id,
		"kind":       "MODEL_ROTATION_FAILED",
		"severity":   "CRITICAL",
		"regime":     fe.Regime,
		"step":       fe.Step,
		"error":      fe.Err.Error(),
		"written_at": c.now().UTC(),
	})
}

// Selected returns the active tranche record
func (c *Coordinator) Selected() SelectedState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st := c.selected
	st.Artifacts = append([]Artifact(nil), c.selected.Artifacts...)
	return st
}

// Halted returns the fatal error that stopped rotation, if any
func (c *Coordinator) Halted() *FatalError {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.halted
}

// Status is the operator view of the coordinator
type Status struct {
	Enabled   bool          `json:"enabled"`
	State     State         `json:"state"`
	Selected  SelectedState `json:"selected"`
	Halted    bool          `json:"halted"`
	LastError string        `json:"last_error,omitempty"`
}

// Status returns the current coordinator state
func (c *Coordinator) Status() Status {
	sel := c.Selected()
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return Status{
		Enabled:   c.config.Enabled,
		State:     c.state,
		Selected:  sel,
		Halted:    c.halted != nil,
		LastError: c.lastErr,
	}
}
