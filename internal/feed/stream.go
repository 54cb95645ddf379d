// Package feed consumes the execution gateway's fill and quote stream over a
// websocket and applies it to the position ledger.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-risk-bot/internal/position"
)

// Message types on the stream
const (
	TypeFill  = "fill"
	TypeQuote = "quote"
)

// FillMessage is a fill on the wire. Prices are decimal strings.
type FillMessage struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// QuoteMessage is a batch of last prices
type QuoteMessage struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

type envelope struct {
	Type  string        `json:"type"`
	Fill  *FillMessage  `json:"fill,omitempty"`
	Quote *QuoteMessage `json:"quote,omitempty"`
}

// FillSink receives fills
type FillSink interface {
	ApplyFill(position.FillReport) (position.Position, error)
}

// PriceSink receives quote batches
type PriceSink interface {
	UpdateMarketPrices(map[string]decimal.Decimal) []string
}

// QuoteListener is notified per symbol quote, e.g. the paper venue
type QuoteListener interface {
	UpdateQuote(symbol string, price decimal.Decimal)
}

// Config holds stream settings
type Config struct {
	URL            string        `json:"url" yaml:"url"`
	MinBackoff     time.Duration `json:"min_backoff" yaml:"min_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	HandshakeLimit time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
}

// DefaultConfig returns stream defaults
func DefaultConfig() Config {
	return Config{
		MinBackoff:     500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		ReadTimeout:    60 * time.Second,
		HandshakeLimit: 10 * time.Second,
	}
}

// Stats are stream counters
type Stats struct {
	Connected      bool      `json:"connected"`
	Reconnects     int       `json:"reconnects"`
	FillsApplied   int64     `json:"fills_applied"`
	FillsDuplicate int64     `json:"fills_duplicate"`
	FillsRejected  int64     `json:"fills_rejected"`
	Quotes         int64     `json:"quotes"`
	LastMessage    time.Time `json:"last_message"`
}

// Stream is a reconnecting websocket consumer
type Stream struct {
	config    Config
	fills     FillSink
	prices    PriceSink
	listeners []QuoteListener
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	conn     *websocket.Conn
	stats    Stats
	wg       sync.WaitGroup
}

// NewStream creates a stream. Quote listeners are optional.
func NewStream(config Config, fills FillSink, prices PriceSink, logger zerolog.Logger, listeners ...QuoteListener) *Stream {
	def := DefaultConfig()
	if config.MinBackoff <= 0 {
		config.MinBackoff = def.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.HandshakeLimit <= 0 {
		config.HandshakeLimit = def.HandshakeLimit
	}
	return &Stream{
		config:    config,
		fills:     fills,
		prices:    prices,
		listeners: listeners,
		dialer:    &websocket.Dialer{HandshakeTimeout: config.HandshakeLimit},
		logger:    logger.With().Str("component", "FeedStream").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start begins connecting in the background
func (s *Stream) Start(ctx context.Context) error {
	if s.config.URL == "" {
		return fmt.Errorf("feed url is required")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("feed stream already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Str("url", s.config.URL).Msg("Starting feed stream")
	s.wg.Add(1)
	go s.connectLoop(ctx)
	return nil
}

// Stop closes the connection and waits for the reader to exit
func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("feed stream not running")
	}
	s.running = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Feed stream stopped")
	return nil
}

func (s *Stream) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Stream) connectLoop(ctx context.Context) {
	defer s.wg.Done()
	backoff := s.config.MinBackoff

	for s.isRunning() && ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.config.URL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Feed connection failed")
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.config.MaxBackoff)
			s.mu.Lock()
			s.stats.Reconnects++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.stats.Connected = true
		s.mu.Unlock()
		backoff = s.config.MinBackoff
		s.logger.Info().Msg("Feed connected")

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.stats.Connected = false
		s.mu.Unlock()
		conn.Close()

		if !s.isRunning() {
			return
		}
		s.logger.Warn().Dur("retry_in", backoff).Msg("Feed connection lost, reconnecting")
		if !s.sleep(ctx, backoff) {
			return
		}
	}
}

func (s *Stream) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Msg("Feed connection closed normally")
			} else if s.isRunning() {
				s.logger.Warn().Err(err).Msg("Feed read error")
			}
			return
		}
		s.HandleMessage(message)
	}
}

// HandleMessage decodes and applies one stream message. Malformed messages
// are logged and dropped.
func (s *Stream) HandleMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse feed message")
		return
	}

	s.mu.Lock()
	s.stats.LastMessage = time.Now()
	s.mu.Unlock()

	switch env.Type {
	case TypeFill:
		if env.Fill == nil {
			s.logger.Warn().Msg("Fill message without payload")
			return
		}
		s.handleFill(*env.Fill)
	case TypeQuote:
		if env.Quote == nil || len(env.Quote.Prices) == 0 {
			return
		}
		s.handleQuote(env.Quote.Prices)
	default:
		s.logger.Debug().Str("type", env.Type).Msg("Unknown feed message type")
	}
}

func (s *Stream) handleFill(m FillMessage) {
	_, err := s.fills.ApplyFill(position.FillReport{
		FillID:     m.FillID,
		OrderID:    m.OrderID,
		Symbol:     m.Symbol,
		Price:      m.Price,
		Quantity:   m.Quantity,
		Commission: m.Commission,
		Timestamp:  m.Timestamp,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.stats.FillsApplied++
	case errors.Is(err, position.ErrDuplicateFill):
		s.stats.FillsDuplicate++
		s.logger.Debug().Str("fill_id", m.FillID).Msg("Duplicate fill ignored")
	default:
		s.stats.FillsRejected++
		s.logger.Warn().Err(err).Str("fill_id", m.FillID).Str("symbol", m.Symbol).Msg("Fill rejected by ledger")
	}
}

func (s *Stream) handleQuote(prices map[string]decimal.Decimal) {
	for symbol, price := range prices {
		for _, l := range s.listeners {
			l.UpdateQuote(symbol, price)
		}
	}
	if s.prices != nil {
		s.prices.UpdateMarketPrices(prices)
	}
	s.mu.Lock()
	s.stats.Quotes++
	s.mu.Unlock()
}

// Stats returns a snapshot of stream counters
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
