package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/session"
	"futures-risk-bot/internal/stuck"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// FILLS
// ============================================================================

// SaveFill journals an applied fill. Replays of the same fill are ignored.
func (r *Repository) SaveFill(ctx context.Context, u position.PositionUpdate) error {
	query := `
		INSERT INTO fills (fill_id, order_id, symbol, price, quantity, commission, realized_delta, net_quantity, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fill_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		u.Fill.FillID, u.Fill.OrderID, u.Fill.Symbol, u.Fill.Price, u.Fill.Quantity,
		u.Fill.Commission, u.RealizedDelta, u.Position.NetQuantity, u.Fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save fill %s: %w", u.Fill.FillID, err)
	}
	return nil
}

// FindTrade reports whether a fill for orderID has been journaled. It serves
// as the trade-search evidence source.
func (r *Repository) FindTrade(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fills WHERE order_id = $1)`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to search trades for %s: %w", orderID, err)
	}
	return exists, nil
}

// GetFillsBySymbol returns journaled fills for a symbol since a time
func (r *Repository) GetFillsBySymbol(ctx context.Context, symbol string, since time.Time) ([]position.Fill, error) {
	query := `
		SELECT fill_id, COALESCE(order_id, ''), symbol, price, quantity, commission, filled_at
		FROM fills
		WHERE symbol = $1 AND filled_at >= $2
		ORDER BY filled_at
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []position.Fill
	for rows.Next() {
		var f position.Fill
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Symbol, &f.Price, &f.Quantity, &f.Commission, &f.Timestamp); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ============================================================================
// COMPLIANCE
// ============================================================================

// SaveTradeResult journals a trade result and the compliance state after it
func (r *Repository) SaveTradeResult(ctx context.Context, trade compliance.TradeResult, st compliance.State) error {
	query := `
		INSERT INTO trade_results (trade_id, symbol, pnl, today_pnl, drawdown, balance, fail_safe, traded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		trade.TradeID, trade.Symbol, trade.PnL, st.TodayPnL, st.CurrentDrawdown,
		st.AccountBalance, st.FailSafe, trade.Timestamp,
	)
	return err
}

// RecordComplianceEvent implements compliance.AuditSink
func (r *Repository) RecordComplianceEvent(ctx context.Context, rec compliance.AuditRecord) error {
	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance state: %w", err)
	}
	query := `
		INSERT INTO compliance_events (id, kind, reason, operator, state, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query, rec.ID, rec.Kind, rec.Reason, rec.Operator, state, rec.At)
	if err != nil {
		return fmt.Errorf("failed to record compliance event: %w", err)
	}
	return nil
}

// ListComplianceEvents returns the most recent compliance events
func (r *Repository) ListComplianceEvents(ctx context.Context, limit int) ([]compliance.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, kind, reason, COALESCE(operator, ''), state, occurred_at
		FROM compliance_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []compliance.AuditRecord
	for rows.Next() {
		var rec compliance.AuditRecord
		var state []byte
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Reason, &rec.Operator, &state, &rec.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(state, &rec.State); err != nil {
			return nil, fmt.Errorf("failed to parse state of event %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// STUCK POSITIONS AND SESSION FLATTEN
// ============================================================================

// SaveStuckAlert journals a stuck-position detection
func (r *Repository) SaveStuckAlert(ctx context.Context, a stuck.Alert) error {
	query := `
		INSERT INTO stuck_alerts (id, symbol, classification, quantity, unrealized_pnl, reason, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		a.ID, a.Symbol, a.Classification.String(), a.Quantity, a.UnrealizedPnL, a.Reason, a.DetectedAt,
	)
	return err
}

// SaveFlattenRun journals a session flatten batch
func (r *Repository) SaveFlattenRun(ctx context.Context, rep session.Report) error {
	errs, err := json.Marshal(rep.Errors)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO flatten_runs (session_date, trigger, attempted, succeeded, failed, errors, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		rep.Date, rep.Trigger, rep.Attempted, rep.Succeeded, rep.Failed, errs, rep.StartedAt,
	)
	return err
}

// GetLastFlattenRun returns the latest flatten batch, or nil when none exist
func (r *Repository) GetLastFlattenRun(ctx context.Context) (*session.Report, error) {
	query := `
		SELECT to_char(session_date, 'YYYY-MM-DD'), trigger, attempted, succeeded, failed, errors, started_at
		FROM flatten_runs
		ORDER BY started_at DESC
		LIMIT 1
	`
	var rep session.Report
	var errs []byte
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&rep.Date, &rep.Trigger, &rep.Attempted, &rep.Succeeded, &rep.Failed, &errs, &rep.StartedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &rep.Errors); err != nil {
			return nil, err
		}
	}
	return &rep, nil
}

// ============================================================================
// EVENTS
// ============================================================================

// SaveEvent journals a bus event
func (r *Repository) SaveEvent(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO system_events (event_type, data, occurred_at) VALUES ($1, $2, $3)`,
		string(e.Type), data, at,
	)
	return err
}

// CountEvents returns the number of journaled events of a type
func (r *Repository) CountEvents(ctx context.Context, eventType events.EventType) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM system_events WHERE event_type = $1`, string(eventType)).Scan(&n)
	return n, err
}
