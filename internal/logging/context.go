package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context, falling back to the default
func FromContext(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		d := Default()
		return &d
	}
	return l
}

// TraceID returns the trace ID stored by WithTraceContext, or ""
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, l zerolog.Logger) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	tl := l.With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	return tl.WithContext(newCtx), tl
}

// PositionContext creates a logger context for position operations
func PositionContext(l zerolog.Logger, symbol string, netQty int64, avgPrice decimal.Decimal) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Int64("net_qty", netQty).
		Str("avg_price", avgPrice.String()).
		Logger()
}

// OrderContext creates a logger context for order operations
func OrderContext(l zerolog.Logger, orderID, symbol, side, orderType string) zerolog.Logger {
	return l.With().
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("order_type", orderType).
		Logger()
}
