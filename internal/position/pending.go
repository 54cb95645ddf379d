package position

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/metrics"
)

// AddPendingOrder registers a submitted order. The client order ID is the
// idempotency key: a second order with the same key is rejected.
func (l *Ledger) AddPendingOrder(order PendingOrder) error {
	if strings.TrimSpace(order.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(order.Symbol) == "" {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, ErrInvalidSymbol)
	}
	if order.Quantity == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, ErrInvalidQuantity)
	}
	if order.Price.IsNegative() {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, ErrInvalidPrice)
	}
	orderType, err := ParseOrderType(string(order.OrderType))
	if err != nil {
		return err
	}
	order.OrderType = orderType
	if order.OrderType != OrderTypeMarket && !order.Price.IsPositive() {
		return fmt.Errorf("%w: %s order requires a price", ErrInvalidOrder, order.OrderType)
	}

	implied := SideFor(order.Quantity)
	if order.Side == "" {
		order.Side = implied
	} else if order.Side != implied {
		return fmt.Errorf("%w: side %s disagrees with quantity %d", ErrInvalidOrder, order.Side, order.Quantity)
	}
	if order.Status == "" {
		order.Status = OrderStatusPending
	}
	if order.SubmittedTime.IsZero() {
		order.SubmittedTime = l.now()
	}

	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	if order.ClientOrderID != "" {
		if existing, ok := l.clientIDs[order.ClientOrderID]; ok && existing != order.OrderID {
			return fmt.Errorf("%w: %s", ErrDuplicateClientOrder, order.ClientOrderID)
		}
		l.clientIDs[order.ClientOrderID] = order.OrderID
	}
	o := order
	l.pending[order.OrderID] = &o
	return nil
}

// RemovePendingOrder drops a pending order, e.g. when filled or canceled
func (l *Ledger) RemovePendingOrder(orderID string) (PendingOrder, bool) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return l.removePendingLocked(orderID)
}

func (l *Ledger) removePendingLocked(orderID string) (PendingOrder, bool) {
	o, ok := l.pending[orderID]
	if !ok {
		return PendingOrder{}, false
	}
	delete(l.pending, orderID)
	if o.ClientOrderID != "" {
		delete(l.clientIDs, o.ClientOrderID)
	}
	return *o, true
}

// PendingOrders returns all pending orders ordered by submission time
func (l *Ledger) PendingOrders() []PendingOrder {
	l.pendingMu.RLock()
	out := make([]PendingOrder, 0, len(l.pending))
	for _, o := range l.pending {
		out = append(out, *o)
	}
	l.pendingMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedTime.Before(out[j].SubmittedTime) })
	return out
}

// PendingOrdersFor returns pending orders of one symbol ordered by submission time
func (l *Ledger) PendingOrdersFor(symbol string) []PendingOrder {
	all := l.PendingOrders()
	out := all[:0]
	for _, o := range all {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// SweepStalePendingOrders removes pending orders older than the TTL
func (l *Ledger) SweepStalePendingOrders(now time.Time) []PendingOrder {
	cutoff := now.Add(-l.pendingTTL)

	l.pendingMu.Lock()
	var expired []PendingOrder
	for id, o := range l.pending {
		if o.SubmittedTime.Before(cutoff) {
			if removed, ok := l.removePendingLocked(id); ok {
				removed.Status = OrderStatusExpired
				expired = append(expired, removed)
			}
		}
	}
	l.pendingMu.Unlock()

	for _, o := range expired {
		metrics.PendingOrdersExpired.Inc()
		l.logger.Warn().
			Str("order_id", o.OrderID).
			Str("symbol", o.Symbol).
			Int64("quantity", o.Quantity).
			Time("submitted", o.SubmittedTime).
			Msg("Pending order expired without fill")
		l.publisher.Publish(events.Event{
			Type: events.EventPendingOrderExpired,
			Data: map[string]interface{}{
				"order_id":  o.OrderID,
				"symbol":    o.Symbol,
				"quantity":  o.Quantity,
				"submitted": o.SubmittedTime,
			},
		})
	}
	return expired
}
