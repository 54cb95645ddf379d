package evidence

import (
	"context"
	"sync"
	"time"

	"futures-risk-bot/internal/position"
)

const recentFillRetention = 10 * time.Minute

type recentFill struct {
	fill FillEvent
	seen time.Time
}

// Confirmer waits a bounded time for the trade feed to deliver the fill of
// an order and then verifies the evidence. Fills that arrive before anyone
// waits are retained briefly.
type Confirmer struct {
	verifier *Verifier
	timeout  time.Duration

	mu      sync.Mutex
	waiters map[string][]chan FillEvent
	recent  map[string]recentFill
}

// NewConfirmer creates a confirmer with the given wait timeout
func NewConfirmer(verifier *Verifier, timeout time.Duration) *Confirmer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Confirmer{
		verifier: verifier,
		timeout:  timeout,
		waiters:  make(map[string][]chan FillEvent),
		recent:   make(map[string]recentFill),
	}
}

// Deliver hands a fill event to waiters of its order
func (c *Confirmer) Deliver(fill FillEvent) {
	if fill.OrderID == "" {
		return
	}
	now := time.Now()

	c.mu.Lock()
	for id, r := range c.recent {
		if now.Sub(r.seen) > recentFillRetention {
			delete(c.recent, id)
		}
	}
	c.recent[fill.OrderID] = recentFill{fill: fill, seen: now}
	waiters := c.waiters[fill.OrderID]
	delete(c.waiters, fill.OrderID)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- fill
	}
}

// OnPositionUpdate lets the confirmer observe fills applied to the ledger
func (c *Confirmer) OnPositionUpdate(u position.PositionUpdate) {
	c.Deliver(FillEvent{
		FillID:    u.Fill.FillID,
		OrderID:   u.Fill.OrderID,
		Symbol:    u.Fill.Symbol,
		Price:     u.Fill.Price,
		Quantity:  u.Fill.Quantity,
		Timestamp: u.Fill.Timestamp,
	})
}

// ConfirmFill waits for the fill of orderID and verifies the evidence. On
// timeout or cancellation the verification runs without a fill event and
// therefore reports insufficient evidence.
func (c *Confirmer) ConfirmFill(ctx context.Context, orderID, tag string) Result {
	if orderID == "" {
		return c.verifier.VerifyFillEvidence(ctx, orderID, nil, tag)
	}

	c.mu.Lock()
	if r, ok := c.recent[orderID]; ok {
		c.mu.Unlock()
		fill := r.fill
		return c.verifier.VerifyFillEvidence(ctx, orderID, &fill, tag)
	}
	ch := make(chan FillEvent, 1)
	c.waiters[orderID] = append(c.waiters[orderID], ch)
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var fill *FillEvent
	select {
	case f := <-ch:
		fill = &f
	case <-timer.C:
		c.dropWaiter(orderID, ch)
	case <-ctx.Done():
		c.dropWaiter(orderID, ch)
	}
	return c.verifier.VerifyFillEvidence(ctx, orderID, fill, tag)
}

func (c *Confirmer) dropWaiter(orderID string, ch chan FillEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[orderID]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, orderID)
	} else {
		c.waiters[orderID] = list
	}
}
