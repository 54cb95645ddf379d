package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNoRegime is returned when the detector has no label yet
var ErrNoRegime = errors.New("no regime available")

// RegimeDetector supplies the current market regime label
type RegimeDetector interface {
	CurrentRegime(ctx context.Context) (string, error)
}

// FileRegimeDetector reads the regime label from a file written by the
// upstream classifier. Whitespace is trimmed.
type FileRegimeDetector struct {
	Path string
}

// CurrentRegime implements RegimeDetector
func (d FileRegimeDetector) CurrentRegime(ctx context.Context) (string, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read regime file: %w", err)
	}
	regime := strings.TrimSpace(string(data))
	if regime == "" {
		return "", ErrNoRegime
	}
	return regime, nil
}

// StaticDetector returns a label set in-process
type StaticDetector struct {
	mu     sync.RWMutex
	regime string
}

// NewStaticDetector creates a detector with an initial label
func NewStaticDetector(regime string) *StaticDetector {
	return &StaticDetector{regime: regime}
}

// Set replaces the label
func (d *StaticDetector) Set(regime string) {
	d.mu.Lock()
	d.regime = regime
	d.mu.Unlock()
}

// CurrentRegime implements RegimeDetector
func (d *StaticDetector) CurrentRegime(ctx context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.regime == "" {
		return "", ErrNoRegime
	}
	return d.regime, nil
}
