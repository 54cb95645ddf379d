// Package tradingmode holds the process-wide trading mode cell. The
// compliance enforcer is its only writer; every order-submission path reads it.
package tradingmode

import (
	"sync"
	"sync/atomic"
	"time"
)

// Mode is the global trading mode
type Mode int32

const (
	Live Mode = iota
	FailSafe
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "LIVE"
	case FailSafe:
		return "FAILSAFE"
	default:
		return "UNKNOWN"
	}
}

// Reader is the read side injected into order paths
type Reader interface {
	Mode() Mode
	IsLive() bool
}

// Cell is an atomic mode cell with the reason of the last transition
type Cell struct {
	mode atomic.Int32

	mu      sync.RWMutex
	reason  string
	changed time.Time
}

// NewCell returns a cell in Live mode
func NewCell() *Cell {
	return &Cell{}
}

// Mode returns the current mode
func (c *Cell) Mode() Mode {
	return Mode(c.mode.Load())
}

// IsLive reports whether live orders may be submitted
func (c *Cell) IsLive() bool {
	return c.Mode() == Live
}

// EngageFailSafe switches to FailSafe. Returns false if it was already engaged.
func (c *Cell) EngageFailSafe(reason string) bool {
	if !c.mode.CompareAndSwap(int32(Live), int32(FailSafe)) {
		return false
	}
	c.mu.Lock()
	c.reason = reason
	c.changed = time.Now().UTC()
	c.mu.Unlock()
	return true
}

// Release returns the cell to Live. Returns false if it was already live.
func (c *Cell) Release(reason string) bool {
	if !c.mode.CompareAndSwap(int32(FailSafe), int32(Live)) {
		return false
	}
	c.mu.Lock()
	c.reason = reason
	c.changed = time.Now().UTC()
	c.mu.Unlock()
	return true
}

// Reason returns the reason and time of the last transition
func (c *Cell) Reason() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason, c.changed
}
