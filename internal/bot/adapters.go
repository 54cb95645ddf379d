package bot

import (
	"context"

	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/stuck"
)

// ledgerTradeSearch answers trade searches from the ledger's fill history
// when no journal database is configured.
type ledgerTradeSearch struct {
	ledger *position.Ledger
}

func (s ledgerTradeSearch) FindTrade(ctx context.Context, orderID string) (bool, error) {
	for _, p := range s.ledger.GetAllPositions() {
		for _, f := range p.Fills {
			if f.OrderID == orderID {
				return true, nil
			}
		}
	}
	return false, ctx.Err()
}

// journalingEscalator records each escalated alert before handing it on
type journalingEscalator struct {
	inner   stuck.Escalator
	journal interface{ JournalStuckAlert(stuck.Alert) }
}

func (e *journalingEscalator) Escalate(ctx context.Context, alert stuck.Alert) error {
	if e.journal != nil {
		e.journal.JournalStuckAlert(alert)
	}
	return e.inner.Escalate(ctx, alert)
}
