package position

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/metrics"
)

// DefaultPendingTTL is how long a pending order may stay unfilled before the
// reconciliation sweep drops it.
const DefaultPendingTTL = time.Hour

type entry struct {
	mu  sync.Mutex
	pos Position
}

// Ledger is the single owner of Position, Fill and PendingOrder state.
// Fills for one symbol serialize on that symbol's lock; different symbols
// proceed concurrently. Reads return copies.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry

	fillsMu   sync.Mutex
	seenFills map[string]struct{}

	pendingMu  sync.RWMutex
	pending    map[string]*PendingOrder // keyed by order ID
	clientIDs  map[string]string        // client order ID -> order ID
	pendingTTL time.Duration

	obsMu       sync.RWMutex
	observers   []Observer
	accountHook AccountRiskHook

	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// LedgerOption configures a Ledger
type LedgerOption func(*Ledger)

// WithClock overrides the ledger clock
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithPendingTTL overrides the pending order staleness TTL
func WithPendingTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.pendingTTL = ttl
		}
	}
}

// NewLedger creates an empty ledger
func NewLedger(publisher events.Publisher, logger zerolog.Logger, opts ...LedgerOption) *Ledger {
	if publisher == nil {
		publisher = events.Nop{}
	}
	l := &Ledger{
		entries:    make(map[string]*entry),
		seenFills:  make(map[string]struct{}),
		pending:    make(map[string]*PendingOrder),
		clientIDs:  make(map[string]string),
		pendingTTL: DefaultPendingTTL,
		publisher:  publisher,
		logger:     logger.With().Str("component", "PositionLedger").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddObserver registers a synchronous position-update observer
func (l *Ledger) AddObserver(o Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, o)
}

// SetAccountRiskHook sets the account-level check run after market updates
func (l *Ledger) SetAccountRiskHook(hook AccountRiskHook) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.accountHook = hook
}

func (l *Ledger) entryFor(symbol string) *entry {
	l.mu.RLock()
	e, ok := l.entries[symbol]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[symbol]; ok {
		return e
	}
	e = &entry{pos: Position{Symbol: symbol}}
	l.entries[symbol] = e
	return e
}

// markFillSeen records a fill ID and reports whether it was new
func (l *Ledger) markFillSeen(fillID string) bool {
	l.fillsMu.Lock()
	defer l.fillsMu.Unlock()
	if _, dup := l.seenFills[fillID]; dup {
		return false
	}
	l.seenFills[fillID] = struct{}{}
	return true
}

// ApplyFill applies an execution report to the symbol's position. Invalid
// input is rejected without mutation; a fill ID seen before returns
// ErrDuplicateFill and the unchanged position.
func (l *Ledger) ApplyFill(report FillReport) (Position, error) {
	if err := report.validate(); err != nil {
		metrics.FillsRejected.WithLabelValues("validation").Inc()
		return Position{}, err
	}
	if report.FillID == "" {
		report.FillID = uuid.New().String()
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = l.now()
	}

	if !l.markFillSeen(report.FillID) {
		metrics.FillsRejected.WithLabelValues("duplicate").Inc()
		l.logger.Debug().
			Str("fill_id", report.FillID).
			Str("order_id", report.OrderID).
			Msg("Duplicate fill ignored")
		pos, _ := l.GetPosition(report.Symbol)
		return pos, ErrDuplicateFill
	}

	fill := Fill{
		FillID:     report.FillID,
		OrderID:    report.OrderID,
		Symbol:     report.Symbol,
		Timestamp:  report.Timestamp.UTC(),
		Price:      report.Price,
		Quantity:   report.Quantity,
		Commission: report.Commission,
	}

	e := l.entryFor(report.Symbol)
	e.mu.Lock()
	wasOpen := e.pos.IsOpen()
	realized := e.pos.applyFill(fill)
	snapshot := e.pos.clone()
	e.mu.Unlock()

	if report.OrderID != "" {
		l.RemovePendingOrder(report.OrderID)
	}

	flattened := wasOpen && !snapshot.IsOpen()
	metrics.FillsApplied.WithLabelValues(report.Symbol).Inc()

	plog := logging.PositionContext(l.logger, snapshot.Symbol, snapshot.NetQuantity, snapshot.AveragePrice)
	plog.Info().
		Str("fill_id", fill.FillID).
		Str("order_id", fill.OrderID).
		Int64("fill_qty", fill.Quantity).
		Str("fill_price", fill.Price.String()).
		Str("realized_delta", realized.String()).
		Bool("flattened", flattened).
		Msg("Fill applied")

	update := PositionUpdate{
		Position:      snapshot,
		Fill:          fill,
		RealizedDelta: realized,
		Flattened:     flattened,
	}
	l.notify(update)

	l.publisher.Publish(events.Event{
		Type: events.EventPositionUpdated,
		Data: map[string]interface{}{
			"symbol":         snapshot.Symbol,
			"fill_id":        fill.FillID,
			"order_id":       fill.OrderID,
			"fill_qty":       fill.Quantity,
			"fill_price":     fill.Price.String(),
			"commission":     fill.Commission.String(),
			"net_quantity":   snapshot.NetQuantity,
			"average_price":  snapshot.AveragePrice.String(),
			"realized_pnl":   snapshot.RealizedPnL.String(),
			"realized_delta": realized.String(),
			"flattened":      flattened,
			"fill_time":      fill.Timestamp,
		},
	})

	return snapshot, nil
}

func (l *Ledger) notify(update PositionUpdate) {
	l.obsMu.RLock()
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.obsMu.RUnlock()

	for _, o := range observers {
		o.OnPositionUpdate(update)
	}
}

// applyFill mutates the position and returns the P&L realized by this fill.
// Increasing fills re-average; reducing fills realize against the average;
// a fill that crosses zero opens the remainder at the fill price.
func (p *Position) applyFill(f Fill) decimal.Decimal {
	oldQty := p.NetQuantity
	newQty := oldQty + f.Quantity
	realized := decimal.Zero

	if oldQty == 0 || (oldQty > 0) == (f.Quantity > 0) {
		if oldQty == 0 {
			p.OpenedAt = f.Timestamp
		}
		p.AveragePrice = decimal.NewFromInt(oldQty).Mul(p.AveragePrice).
			Add(decimal.NewFromInt(f.Quantity).Mul(f.Price)).
			Div(decimal.NewFromInt(newQty))
	} else {
		closed := abs64(f.Quantity)
		if abs64(oldQty) < closed {
			closed = abs64(oldQty)
		}
		realized = f.Price.Sub(p.AveragePrice).Mul(decimal.NewFromInt(closed))
		if oldQty < 0 {
			realized = realized.Neg()
		}

		switch {
		case newQty == 0:
			p.AveragePrice = decimal.Zero
		case (newQty > 0) != (oldQty > 0):
			p.AveragePrice = f.Price
			p.OpenedAt = f.Timestamp
		}
	}

	p.NetQuantity = newQty
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.Commissions = p.Commissions.Add(f.Commission)
	p.insertFill(f)
	if f.Timestamp.After(p.LastUpdate) {
		p.LastUpdate = f.Timestamp
	}
	if newQty == 0 {
		p.OpenedAt = time.Time{}
	}
	p.revalue()
	return realized
}

// insertFill keeps the fill history ordered by timestamp so late deliveries
// land in their execution position.
func (p *Position) insertFill(f Fill) {
	i := sort.Search(len(p.Fills), func(i int) bool {
		return p.Fills[i].Timestamp.After(f.Timestamp)
	})
	p.Fills = append(p.Fills, Fill{})
	copy(p.Fills[i+1:], p.Fills[i:])
	p.Fills[i] = f
}

// revalue recomputes mark-to-market fields from the last market price
func (p *Position) revalue() {
	if p.NetQuantity == 0 || p.LastMarketPrice.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		p.MarketValue = decimal.Zero
	} else {
		qty := decimal.NewFromInt(p.NetQuantity)
		p.UnrealizedPnL = p.LastMarketPrice.Sub(p.AveragePrice).Mul(qty)
		p.MarketValue = p.LastMarketPrice.Mul(qty)
	}
	p.DailyPnL = p.RealizedPnL.Add(p.UnrealizedPnL)
}

// UpdateMarketPrices marks every known position to the supplied prices and
// then runs the account-level risk hook. Returns the hook's violations.
func (l *Ledger) UpdateMarketPrices(prices map[string]decimal.Decimal) []string {
	now := l.now()
	for symbol, price := range prices {
		if !price.IsPositive() {
			l.logger.Warn().Str("symbol", symbol).Str("price", price.String()).Msg("Ignoring non-positive market price")
			continue
		}
		l.mu.RLock()
		e, ok := l.entries[symbol]
		l.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		e.pos.LastMarketPrice = price
		e.pos.LastPriceUpdate = now
		e.pos.revalue()
		e.mu.Unlock()
	}

	summary := l.GetAccountSummary()
	metrics.OpenPositions.Set(float64(summary.OpenPositions))
	metrics.AccountDailyPnL.Set(summary.TotalDailyPnL.InexactFloat64())

	l.obsMu.RLock()
	hook := l.accountHook
	l.obsMu.RUnlock()
	if hook == nil {
		return nil
	}

	violations := hook(l.GetAllPositions())
	for _, v := range violations {
		metrics.RiskViolations.WithLabelValues("account").Inc()
		l.logger.Warn().Str("violation", v).Msg("Account risk violation")
		l.publisher.Publish(events.Event{
			Type: events.EventRiskViolation,
			Data: map[string]interface{}{"scope": "account", "violation": v},
		})
	}
	return violations
}

// GetPosition returns a copy of one symbol's position
func (l *Ledger) GetPosition(symbol string) (Position, bool) {
	l.mu.RLock()
	e, ok := l.entries[symbol]
	l.mu.RUnlock()
	if !ok {
		return Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.clone(), true
}

// GetAllPositions returns copies of every position ever opened, sorted by symbol
func (l *Ledger) GetAllPositions() []Position {
	l.mu.RLock()
	list := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		list = append(list, e)
	}
	l.mu.RUnlock()

	positions := make([]Position, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		positions = append(positions, e.pos.clone())
		e.mu.Unlock()
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

// GetOpenPositions returns copies of positions with non-zero quantity
func (l *Ledger) GetOpenPositions() []Position {
	all := l.GetAllPositions()
	open := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open
}

// GetAccountSummary aggregates P&L and counts across all positions
func (l *Ledger) GetAccountSummary() AccountSummary {
	s := AccountSummary{AsOf: l.now()}
	for _, p := range l.GetAllPositions() {
		s.TotalPositions++
		if p.IsOpen() {
			s.OpenPositions++
		}
		s.TotalDailyPnL = s.TotalDailyPnL.Add(p.DailyPnL)
		s.TotalUnrealizedPnL = s.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
		s.TotalRealizedPnL = s.TotalRealizedPnL.Add(p.RealizedPnL)
		s.TotalMarketValue = s.TotalMarketValue.Add(p.MarketValue)
		s.TotalCommissions = s.TotalCommissions.Add(p.Commissions)
	}

	l.pendingMu.RLock()
	s.PendingOrders = len(l.pending)
	l.pendingMu.RUnlock()
	return s
}

// Restore loads previously persisted positions. Fill IDs in the restored
// history are marked as seen so replayed feed messages stay idempotent.
func (l *Ledger) Restore(positions []Position) {
	for _, p := range positions {
		if p.Symbol == "" {
			continue
		}
		e := l.entryFor(p.Symbol)
		e.mu.Lock()
		e.pos = p.clone()
		e.mu.Unlock()

		for _, f := range p.Fills {
			l.markFillSeen(f.FillID)
		}
	}
	l.logger.Info().Int("count", len(positions)).Msg("Restored positions")
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
