// Package evidence gates every "filled" claim on proof: an order ID from the
// venue and a matching fill event from the trade feed.
package evidence

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/metrics"
)

// Type identifies one kind of evidence
type Type string

const (
	TypeOrderID     Type = "ORDER_ID"
	TypeFillEvent   Type = "FILL_EVENT"
	TypeTradeSearch Type = "TRADE_SEARCH"
)

// FillEvent is a fill as delivered by the trade feed
type FillEvent struct {
	FillID    string          `json:"fill_id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Result is the outcome of one verification
type Result struct {
	OrderID               string    `json:"order_id"`
	Tag                   string    `json:"tag"`
	EvidenceTypes         []Type    `json:"evidence_types"`
	HasSufficientEvidence bool      `json:"has_sufficient_evidence"`
	Reason                string    `json:"reason,omitempty"`
	VerifiedAt            time.Time `json:"verified_at"`
}

// Has reports whether the result carries evidence of type t
func (r Result) Has(t Type) bool {
	for _, e := range r.EvidenceTypes {
		if e == t {
			return true
		}
	}
	return false
}

// TradeSearcher independently confirms a trade for an order ID
type TradeSearcher interface {
	FindTrade(ctx context.Context, orderID string) (bool, error)
}

// Verifier checks fill evidence. It holds no per-order state.
type Verifier struct {
	searcher      TradeSearcher
	searchTimeout time.Duration
	publisher     events.Publisher
	logger        zerolog.Logger
}

// NewVerifier creates a verifier. searcher may be nil.
func NewVerifier(searcher TradeSearcher, searchTimeout time.Duration, publisher events.Publisher, logger zerolog.Logger) *Verifier {
	if searchTimeout <= 0 {
		searchTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Verifier{
		searcher:      searcher,
		searchTimeout: searchTimeout,
		publisher:     publisher,
		logger:        logger.With().Str("component", "OrderEvidenceVerifier").Logger(),
	}
}

// VerifyFillEvidence collects evidence for orderID. Evidence is sufficient
// only when both the order ID and a fill event for that order are present;
// trade-search confirmation is recorded but never substitutes for either.
func (v *Verifier) VerifyFillEvidence(ctx context.Context, orderID string, fill *FillEvent, tag string) Result {
	orderID = strings.TrimSpace(orderID)
	res := Result{OrderID: orderID, Tag: tag, VerifiedAt: time.Now().UTC()}

	hasOrderID := orderID != ""
	if hasOrderID {
		res.EvidenceTypes = append(res.EvidenceTypes, TypeOrderID)
	}

	hasFill := fill != nil
	if hasFill && fill.OrderID != "" && hasOrderID && fill.OrderID != orderID {
		v.logger.Warn().
			Str("order_id", orderID).
			Str("fill_order_id", fill.OrderID).
			Str("tag", tag).
			Msg("Fill event belongs to a different order")
		hasFill = false
	}
	if hasFill {
		res.EvidenceTypes = append(res.EvidenceTypes, TypeFillEvent)
	}

	if hasOrderID && v.searcher != nil {
		sctx, cancel := context.WithTimeout(ctx, v.searchTimeout)
		found, err := v.searcher.FindTrade(sctx, orderID)
		cancel()
		if err != nil {
			v.logger.Warn().Err(err).Str("order_id", orderID).Msg("Trade search failed")
		} else if found {
			res.EvidenceTypes = append(res.EvidenceTypes, TypeTradeSearch)
		}
	}

	res.HasSufficientEvidence = hasOrderID && hasFill
	if res.HasSufficientEvidence {
		v.logger.Debug().
			Str("order_id", orderID).
			Str("tag", tag).
			Int("evidence_count", len(res.EvidenceTypes)).
			Msg("Fill evidence verified")
		return res
	}

	switch {
	case !hasOrderID && !hasFill:
		res.Reason = "no order id and no fill event"
	case !hasOrderID:
		res.Reason = "fill event without order id"
	default:
		res.Reason = "order id without fill event"
	}
	v.reportViolation(res)
	return res
}

func (v *Verifier) reportViolation(res Result) {
	metrics.EvidenceInsufficient.WithLabelValues(res.Tag).Inc()

	types := make([]string, len(res.EvidenceTypes))
	for i, t := range res.EvidenceTypes {
		types[i] = string(t)
	}
	logging.Critical(&v.logger).
		Str("order_id", res.OrderID).
		Str("tag", res.Tag).
		Strs("evidence", types).
		Str("reason", res.Reason).
		Msg("GUARDRAIL VIOLATION: fill claimed without sufficient evidence")

	v.publisher.Publish(events.Event{
		Type: events.EventGuardrailViolation,
		Data: map[string]interface{}{
			"order_id": res.OrderID,
			"tag":      res.Tag,
			"reason":   res.Reason,
			"evidence": types,
		},
	})
}
