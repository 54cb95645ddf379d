package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/metrics"
	"futures-risk-bot/internal/tradingmode"
)

const dateLayout = "2006-01-02"

// StateStore persists compliance state so the fail-safe latch survives restarts
type StateStore interface {
	LoadComplianceState(ctx context.Context) (*State, error)
	SaveComplianceState(ctx context.Context, state State) error
}

// AuditRecord is a durable record of a mode transition
type AuditRecord struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"` // FAILSAFE_ENGAGED or FAILSAFE_RESET
	Reason   string    `json:"reason"`
	Operator string    `json:"operator,omitempty"`
	State    State     `json:"state"`
	At       time.Time `json:"at"`
}

// AuditSink receives mode transition records
type AuditSink interface {
	RecordComplianceEvent(ctx context.Context, record AuditRecord) error
}

// TradeJournal receives every recorded trade result with the state after it.
// Implementations must not block.
type TradeJournal interface {
	JournalTradeResult(trade TradeResult, state State)
}

// Enforcer owns ComplianceState and is the single writer of the trading mode
// cell. All counters are guarded by one mutex.
type Enforcer struct {
	config    Config
	loc       *time.Location
	contracts *regexp.Regexp

	mode      *tradingmode.Cell
	store     StateStore
	audit     AuditSink
	journal   TradeJournal
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithStateStore persists state through store
func WithStateStore(store StateStore) Option {
	return func(e *Enforcer) { e.store = store }
}

// WithAuditSink records transitions through sink
func WithAuditSink(sink AuditSink) Option {
	return func(e *Enforcer) { e.audit = sink }
}

// WithTradeJournal journals every recorded trade result
func WithTradeJournal(j TradeJournal) Option {
	return func(e *Enforcer) { e.journal = j }
}

// WithPublisher publishes compliance events
func WithPublisher(p events.Publisher) Option {
	return func(e *Enforcer) { e.publisher = p }
}

// WithClock overrides the enforcer clock
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer creates an enforcer in Live mode with a fresh state
func NewEnforcer(config Config, mode *tradingmode.Cell, logger zerolog.Logger, opts ...Option) (*Enforcer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compliance config: %w", err)
	}
	loc, _ := time.LoadLocation(config.Timezone)

	e := &Enforcer{
		config:    config,
		loc:       loc,
		contracts: contractPattern(config.ApprovedContracts),
		mode:      mode,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "ComplianceEnforcer").Logger(),
		now:       time.Now,
		state: State{
			AccountBalance: config.StartingBalance,
			HighWaterMark:  config.StartingBalance,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mode == nil {
		e.mode = tradingmode.NewCell()
	}
	return e, nil
}

// contractPattern matches an approved root alone or followed by a futures
// month code and a one or two digit year, e.g. ES, ESZ5, MNQH25.
func contractPattern(roots []string) *regexp.Regexp {
	quoted := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r != "" {
			quoted = append(quoted, regexp.QuoteMeta(r))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`^(?:` + strings.Join(quoted, "|") + `)(?:[FGHJKMNQUVXZ]\d{1,2})?$`)
}

// Load restores persisted state. A persisted fail-safe latch re-engages the
// mode cell before any order path can run.
func (e *Enforcer) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	saved, err := e.store.LoadComplianceState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load compliance state: %w", err)
	}
	if saved == nil {
		e.logger.Info().Msg("No persisted compliance state, starting fresh")
		return nil
	}

	e.mu.Lock()
	e.state = *saved
	if e.state.HighWaterMark.IsZero() {
		e.state.HighWaterMark = decimal.Max(e.state.AccountBalance, e.config.StartingBalance)
	}
	if e.state.FailSafe {
		e.mode.EngageFailSafe(e.state.FailSafeReason)
	}
	st := e.state
	e.mu.Unlock()

	if st.FailSafe {
		metrics.FailSafeActive.Set(1)
		logging.Critical(&e.logger).
			Str("reason", st.FailSafeReason).
			Time("since", st.FailSafeAt).
			Msg("Persisted fail-safe latch restored, trading remains halted until manual reset")
	}
	e.logger.Info().
		Str("today_pnl", st.TodayPnL.StringFixed(2)).
		Str("balance", st.AccountBalance.StringFixed(2)).
		Int("trading_days", st.TradingDaysCompleted).
		Msg("Compliance state restored")
	return nil
}

// rolloverLocked starts a new trading day when date is after the last seen
// date. Returns false when date is before it (a late report).
func (e *Enforcer) rolloverLocked(date string) bool {
	switch {
	case e.state.LastResetDate == "":
		e.state.LastResetDate = date
	case date > e.state.LastResetDate:
		e.logger.Info().
			Str("previous", e.state.LastResetDate).
			Str("today", date).
			Str("previous_pnl", e.state.TodayPnL.StringFixed(2)).
			Msg("New trading day, resetting daily P&L")
		e.state.TradingDaysCompleted++
		e.state.TodayPnL = decimal.Zero
		e.state.LastResetDate = date
	case date < e.state.LastResetDate:
		return false
	}
	return true
}

// RecordTradeResult applies a closed trade's P&L and trips fail-safe on a
// hard-limit breach or when either metric reaches the critical fraction.
func (e *Enforcer) RecordTradeResult(ctx context.Context, trade TradeResult) (State, error) {
	if strings.TrimSpace(trade.Symbol) == "" {
		return e.State(), fmt.Errorf("%w: symbol is required", ErrInvalidTradeResult)
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = e.now()
	}
	if trade.TradeID == "" {
		trade.TradeID = uuid.New().String()
	}
	date := trade.Timestamp.In(e.loc).Format(dateLayout)

	e.mu.Lock()
	if e.rolloverLocked(date) {
		e.state.TodayPnL = e.state.TodayPnL.Add(trade.PnL)
	} else {
		e.logger.Warn().
			Str("trade_id", trade.TradeID).
			Str("trade_date", date).
			Str("current_date", e.state.LastResetDate).
			Msg("Late trade result from a previous day, applying to balance only")
	}
	e.state.AccountBalance = e.state.AccountBalance.Add(trade.PnL)
	if e.state.AccountBalance.GreaterThan(e.state.HighWaterMark) {
		e.state.HighWaterMark = e.state.AccountBalance
	}
	e.state.CurrentDrawdown = e.state.AccountBalance.Sub(e.state.HighWaterMark)

	reason := e.hardBreachLocked()
	transitioned := false
	if reason != "" {
		transitioned = e.latchLocked(reason)
	}
	st := e.state
	e.mu.Unlock()

	e.logger.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("pnl", trade.PnL.StringFixed(2)).
		Str("today_pnl", st.TodayPnL.StringFixed(2)).
		Str("drawdown", st.CurrentDrawdown.StringFixed(2)).
		Msg("Trade result recorded")

	e.publisher.Publish(events.Event{
		Type: events.EventTradeResult,
		Data: map[string]interface{}{
			"trade_id":  trade.TradeID,
			"symbol":    trade.Symbol,
			"pnl":       trade.PnL.String(),
			"today_pnl": st.TodayPnL.String(),
			"balance":   st.AccountBalance.String(),
			"drawdown":  st.CurrentDrawdown.String(),
			"timestamp": trade.Timestamp,
		},
	})
	if e.journal != nil {
		e.journal.JournalTradeResult(trade, st)
	}

	if transitioned {
		e.afterEngage(ctx, st)
	} else {
		e.persist(ctx, st)
	}
	return st, nil
}

// hardBreachLocked returns a non-empty reason when a hard limit or its
// critical fraction is reached.
func (e *Enforcer) hardBreachLocked() string {
	s := e.state
	c := e.config
	switch {
	case s.TodayPnL.LessThanOrEqual(c.HardDailyLossLimit):
		return fmt.Sprintf("daily loss %s breached hard limit %s", s.TodayPnL.StringFixed(2), c.HardDailyLossLimit.StringFixed(2))
	case s.CurrentDrawdown.LessThanOrEqual(c.HardDrawdownLimit):
		return fmt.Sprintf("drawdown %s breached hard limit %s", s.CurrentDrawdown.StringFixed(2), c.HardDrawdownLimit.StringFixed(2))
	case s.TodayPnL.LessThanOrEqual(c.HardDailyLossLimit.Mul(c.CriticalFraction)):
		return fmt.Sprintf("daily loss %s reached critical level of hard limit %s", s.TodayPnL.StringFixed(2), c.HardDailyLossLimit.StringFixed(2))
	case s.CurrentDrawdown.LessThanOrEqual(c.HardDrawdownLimit.Mul(c.CriticalFraction)):
		return fmt.Sprintf("drawdown %s reached critical level of hard limit %s", s.CurrentDrawdown.StringFixed(2), c.HardDrawdownLimit.StringFixed(2))
	}
	return ""
}

// CanTrade approves new trades for the given daily P&L and balance. It
// returns false while fail-safe is latched and trips fail-safe when either
// the safe daily-loss or the safe drawdown limit is reached.
func (e *Enforcer) CanTrade(pnl, balance decimal.Decimal) bool {
	e.mu.Lock()
	if e.state.FailSafe {
		e.mu.Unlock()
		metrics.OrdersBlocked.WithLabelValues("failsafe").Inc()
		return false
	}

	hwm := decimal.Max(e.state.HighWaterMark, balance)
	drawdown := balance.Sub(hwm)

	var reason string
	switch {
	case pnl.LessThanOrEqual(e.config.SafeDailyLossLimit):
		reason = fmt.Sprintf("daily P&L %s reached safe limit %s", pnl.StringFixed(2), e.config.SafeDailyLossLimit.StringFixed(2))
	case balance.IsPositive() && drawdown.LessThanOrEqual(e.config.SafeDrawdownLimit):
		reason = fmt.Sprintf("drawdown %s reached safe limit %s", drawdown.StringFixed(2), e.config.SafeDrawdownLimit.StringFixed(2))
	}
	if reason == "" {
		e.mu.Unlock()
		return true
	}

	transitioned := e.latchLocked(reason)
	st := e.state
	e.mu.Unlock()

	metrics.OrdersBlocked.WithLabelValues("compliance").Inc()
	if transitioned {
		e.afterEngage(context.Background(), st)
	}
	return false
}

// CanTradeNow approves new trades against the enforcer's own state
func (e *Enforcer) CanTradeNow() bool {
	e.mu.Lock()
	e.rolloverLocked(e.now().In(e.loc).Format(dateLayout))
	pnl, balance := e.state.TodayPnL, e.state.AccountBalance
	e.mu.Unlock()
	return e.CanTrade(pnl, balance)
}

// IsContractApproved reports whether symbol is on the whitelist. It does not
// depend on P&L state.
func (e *Enforcer) IsContractApproved(symbol string) bool {
	if e.contracts == nil {
		return false
	}
	return e.contracts.MatchString(strings.ToUpper(strings.TrimSpace(symbol)))
}

// CalculateMaxAllowedPositionSize caps the proposed contract count by the
// smaller of the remaining daily-loss and drawdown budgets (measured to the
// safe limits) divided by the per-contract stop distance. Never negative.
func (e *Enforcer) CalculateMaxAllowedPositionSize(proposedSize int64, stopDistance decimal.Decimal) int64 {
	if proposedSize <= 0 || !stopDistance.IsPositive() {
		return 0
	}

	e.mu.Lock()
	if e.state.FailSafe {
		e.mu.Unlock()
		return 0
	}
	dailyBudget := e.state.TodayPnL.Sub(e.config.SafeDailyLossLimit)
	drawdownBudget := e.state.CurrentDrawdown.Sub(e.config.SafeDrawdownLimit)
	e.mu.Unlock()

	budget := decimal.Min(dailyBudget, drawdownBudget)
	if !budget.IsPositive() {
		return 0
	}
	allowed := budget.Div(stopDistance).Floor().IntPart()
	if allowed < proposedSize {
		e.logger.Debug().
			Int64("proposed", proposedSize).
			Int64("allowed", allowed).
			Str("budget", budget.StringFixed(2)).
			Msg("Position size capped by remaining risk budget")
		return allowed
	}
	return proposedSize
}

// ForceFailSafe engages fail-safe for reasons outside P&L, such as a kill
// file or a failed model rotation.
func (e *Enforcer) ForceFailSafe(ctx context.Context, reason string) bool {
	e.mu.Lock()
	transitioned := e.latchLocked(reason)
	st := e.state
	e.mu.Unlock()

	if transitioned {
		e.afterEngage(ctx, st)
	}
	return transitioned
}

// ResetFailSafe is the manual recovery path back to Live
func (e *Enforcer) ResetFailSafe(ctx context.Context, operator, reason string) error {
	if strings.TrimSpace(operator) == "" || strings.TrimSpace(reason) == "" {
		return ErrResetRequiresActor
	}

	e.mu.Lock()
	if !e.state.FailSafe {
		e.mu.Unlock()
		return ErrNotInFailSafe
	}
	previous := e.state.FailSafeReason
	e.state.FailSafe = false
	e.state.FailSafeReason = ""
	e.state.FailSafeAt = time.Time{}
	e.mode.Release(fmt.Sprintf("manual reset by %s: %s", operator, reason))
	st := e.state
	e.mu.Unlock()

	metrics.FailSafeActive.Set(0)

	e.logger.Warn().
		Str("operator", operator).
		Str("reason", reason).
		Str("previous_reason", previous).
		Msg("Fail-safe manually reset, trading is live")

	e.record(ctx, AuditRecord{Kind: "FAILSAFE_RESET", Reason: reason, Operator: operator, State: st})
	e.persist(ctx, st)
	e.publisher.Publish(events.Event{
		Type: events.EventFailSafeReset,
		Data: map[string]interface{}{"operator": operator, "reason": reason, "previous_reason": previous},
	})
	return nil
}

// latchLocked sets the fail-safe latch and the mode cell together. Returns
// true on the transition.
func (e *Enforcer) latchLocked(reason string) bool {
	if e.state.FailSafe {
		return false
	}
	e.state.FailSafe = true
	e.state.FailSafeReason = reason
	e.state.FailSafeAt = e.now().UTC()
	e.mode.EngageFailSafe(reason)
	return true
}

// afterEngage runs the side effects of a Live to FailSafe transition
// outside the state lock.
func (e *Enforcer) afterEngage(ctx context.Context, st State) {
	metrics.FailSafeActive.Set(1)

	logging.Critical(&e.logger).
		Str("reason", st.FailSafeReason).
		Str("today_pnl", st.TodayPnL.StringFixed(2)).
		Str("drawdown", st.CurrentDrawdown.StringFixed(2)).
		Str("balance", st.AccountBalance.StringFixed(2)).
		Msg("COMPLIANCE BREACH: fail-safe engaged, live trading halted")

	if path, err := writeAlertArtifact(e.config.AlertDir, st); err != nil {
		e.logger.Error().Err(err).Msg("Failed to write compliance alert artifact")
	} else if path != "" {
		e.logger.Info().Str("path", path).Msg("Compliance alert artifact written")
	}

	e.record(ctx, AuditRecord{Kind: "FAILSAFE_ENGAGED", Reason: st.FailSafeReason, State: st})
	e.persist(ctx, st)
	e.publisher.Publish(events.Event{
		Type: events.EventFailSafeEngaged,
		Data: map[string]interface{}{
			"reason":    st.FailSafeReason,
			"today_pnl": st.TodayPnL.String(),
			"drawdown":  st.CurrentDrawdown.String(),
			"balance":   st.AccountBalance.String(),
		},
	})
}

func (e *Enforcer) record(ctx context.Context, rec AuditRecord) {
	if e.audit == nil {
		return
	}
	rec.ID = uuid.New().String()
	rec.At = e.now().UTC()
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.audit.RecordComplianceEvent(actx, rec); err != nil {
		e.logger.Error().Err(err).Str("kind", rec.Kind).Msg("Failed to record compliance audit event")
	}
}

func (e *Enforcer) persist(ctx context.Context, st State) {
	if e.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.store.SaveComplianceState(sctx, st); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist compliance state")
	}
}

// State returns a copy of the current compliance state
func (e *Enforcer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsFailSafe reports whether the fail-safe latch is set
func (e *Enforcer) IsFailSafe() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.FailSafe
}

// Config returns the enforcer configuration
func (e *Enforcer) Config() Config {
	return e.config
}
