package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-risk-bot/internal/position"
)

type quoteRecorder struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
}

func (q *quoteRecorder) UpdateQuote(symbol string, price decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quotes == nil {
		q.quotes = map[string]decimal.Decimal{}
	}
	q.quotes[symbol] = price
}

func (q *quoteRecorder) get(symbol string) (decimal.Decimal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.quotes[symbol]
	return p, ok
}

const (
	fillES1 = `{"type":"fill","fill":{"fill_id":"f1","order_id":"o1","symbol":"ES","price":"4500.25","quantity":2,"commission":"4.5","timestamp":"2025-03-05T15:00:00Z"}}`
	fillES2 = `{"type":"fill","fill":{"fill_id":"f2","order_id":"o2","symbol":"ES","price":"4510.25","quantity":-1,"timestamp":"2025-03-05T15:01:00Z"}}`
	quote   = `{"type":"quote","quote":{"prices":{"ES":"4505.25"}}}`
)

func TestHandleMessageAppliesFillsAndQuotes(t *testing.T) {
	ledger := position.NewLedger(nil, zerolog.Nop())
	quotes := &quoteRecorder{}
	s := NewStream(Config{}, ledger, ledger, zerolog.Nop(), quotes)

	s.HandleMessage([]byte(fillES1))
	s.HandleMessage([]byte(fillES1)) // redelivery
	s.HandleMessage([]byte(fillES2))
	s.HandleMessage([]byte(quote))
	s.HandleMessage([]byte(`{"type":"fill","fill":{"fill_id":"bad","symbol":"ES","price":"0","quantity":1}}`))
	s.HandleMessage([]byte(`not json`))
	s.HandleMessage([]byte(`{"type":"heartbeat"}`))

	pos, ok := ledger.GetPosition("ES")
	require.True(t, ok)
	assert.Equal(t, int64(1), pos.NetQuantity)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(10)), "realized %s", pos.RealizedPnL)
	assert.True(t, pos.LastMarketPrice.Equal(decimal.RequireFromString("4505.25")))

	price, ok := quotes.get("ES")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("4505.25")))

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.FillsApplied)
	assert.Equal(t, int64(1), stats.FillsDuplicate)
	assert.Equal(t, int64(1), stats.FillsRejected)
	assert.Equal(t, int64(1), stats.Quotes)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamReconnectsAndAppliesOverWebsocket(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		switch atomic.AddInt32(&connections, 1) {
		case 1:
			// first session delivers one fill then drops
			conn.WriteMessage(websocket.TextMessage, []byte(fillES1))
		default:
			// redelivery after reconnect must be idempotent
			conn.WriteMessage(websocket.TextMessage, []byte(fillES1))
			conn.WriteMessage(websocket.TextMessage, []byte(fillES2))
			conn.WriteMessage(websocket.TextMessage, []byte(quote))
			// hold the connection open until the client leaves
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	ledger := position.NewLedger(nil, zerolog.Nop())
	s := NewStream(Config{URL: wsURL(srv), MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, ledger, ledger, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.Stats().Quotes == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	pos, _ := ledger.GetPosition("ES")
	assert.Equal(t, int64(1), pos.NetQuantity)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connections), int32(2))
	stats := s.Stats()
	assert.Equal(t, int64(2), stats.FillsApplied)
	assert.Equal(t, int64(1), stats.FillsDuplicate)
	assert.False(t, stats.Connected)
}

func TestStartRequiresURL(t *testing.T) {
	s := NewStream(Config{}, nil, nil, zerolog.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}
