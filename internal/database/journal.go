package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/events"
	"futures-risk-bot/internal/position"
	"futures-risk-bot/internal/session"
	"futures-risk-bot/internal/stuck"
)

// JournalStore is the write side of the repository used by the journal
type JournalStore interface {
	SaveFill(ctx context.Context, u position.PositionUpdate) error
	SaveTradeResult(ctx context.Context, trade compliance.TradeResult, st compliance.State) error
	SaveStuckAlert(ctx context.Context, a stuck.Alert) error
	SaveFlattenRun(ctx context.Context, rep session.Report) error
	SaveEvent(ctx context.Context, e events.Event) error
}

type journalJob struct {
	kind string
	fn   func(ctx context.Context) error
}

// Journal writes records to the store from a single background worker so
// that callers on the fill path never wait on the database. When the queue
// is full records are dropped and counted.
type Journal struct {
	store   JournalStore
	queue   chan journalJob
	timeout time.Duration
	logger  zerolog.Logger

	dropped atomic.Int64
	written atomic.Int64

	mu      sync.Mutex
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// NewJournal creates a journal with a queue of bufSize records
func NewJournal(store JournalStore, bufSize int, logger zerolog.Logger) *Journal {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Journal{
		store:   store,
		queue:   make(chan journalJob, bufSize),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "Journal").Logger(),
	}
}

// Start launches the writer
func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("journal already running")
	}
	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	j.running = true
	j.wg.Add(1)
	go j.run(context.WithoutCancel(ctx))
	return nil
}

// Stop closes the queue and waits until queued records are written
func (j *Journal) Stop() error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return fmt.Errorf("journal not running")
	}
	j.running = false
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info().
		Int64("written", j.written.Load()).
		Int64("dropped", j.dropped.Load()).
		Msg("Journal stopped")
	return nil
}

func (j *Journal) run(ctx context.Context) {
	defer j.wg.Done()
	for job := range j.queue {
		j.exec(ctx, job)
	}
}

func (j *Journal) exec(ctx context.Context, job journalJob) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error().Interface("panic", r).Str("kind", job.kind).Msg("Panic recovered in journal write")
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if err := job.fn(cctx); err != nil {
		j.logger.Error().Err(err).Str("kind", job.kind).Msg("Journal write failed")
		return
	}
	j.written.Add(1)
}

func (j *Journal) enqueue(kind string, fn func(ctx context.Context) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- journalJob{kind: kind, fn: fn}:
	default:
		if n := j.dropped.Add(1); n%100 == 1 {
			j.logger.Warn().Int64("dropped", n).Str("kind", kind).Msg("Journal queue full, dropping record")
		}
	}
}

// OnPositionUpdate implements position.Observer
func (j *Journal) OnPositionUpdate(u position.PositionUpdate) {
	j.enqueue("fill", func(ctx context.Context) error { return j.store.SaveFill(ctx, u) })
}

// JournalTradeResult implements compliance.TradeJournal
func (j *Journal) JournalTradeResult(trade compliance.TradeResult, st compliance.State) {
	j.enqueue("trade_result", func(ctx context.Context) error { return j.store.SaveTradeResult(ctx, trade, st) })
}

// JournalStuckAlert records a stuck-position detection
func (j *Journal) JournalStuckAlert(a stuck.Alert) {
	j.enqueue("stuck_alert", func(ctx context.Context) error { return j.store.SaveStuckAlert(ctx, a) })
}

// HandleEvent is an event bus subscriber. Every event is journaled; session
// flatten events are also recorded as flatten runs.
func (j *Journal) HandleEvent(e events.Event) {
	j.enqueue("event", func(ctx context.Context) error { return j.store.SaveEvent(ctx, e) })

	if e.Type == events.EventSessionFlatten {
		rep := reportFromEvent(e)
		j.enqueue("flatten_run", func(ctx context.Context) error { return j.store.SaveFlattenRun(ctx, rep) })
	}
}

func reportFromEvent(e events.Event) session.Report {
	rep := session.Report{StartedAt: e.Timestamp}
	rep.Date, _ = e.Data["date"].(string)
	rep.Trigger, _ = e.Data["trigger"].(string)
	rep.Attempted, _ = e.Data["attempted"].(int)
	rep.Succeeded, _ = e.Data["succeeded"].(int)
	rep.Failed, _ = e.Data["failed"].(int)
	rep.Errors, _ = e.Data["errors"].(map[string]string)
	return rep
}

// Stats returns written and dropped counts
func (j *Journal) Stats() (written, dropped int64) {
	return j.written.Load(), j.dropped.Load()
}
