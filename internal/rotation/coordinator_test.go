package rotation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)

type fixture struct {
	root     string
	config   Config
	manifest Manifest
}

func hashOf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// newFixture writes artifacts for two regimes and a manifest naming them
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "store")
	require.NoError(t, os.MkdirAll(src, 0o755))

	files := map[string]string{
		"trend_entry.onnx": "trend-entry-v1",
		"trend_exit.onnx":  "trend-exit-v1",
		"range_entry.onnx": "range-entry-v1",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(body), 0o644))
	}

	m := Manifest{
		Version: "2025.03.01",
		Regimes: map[string]RegimeArtifacts{
			"trending": {TrancheID: "T-7", Artifacts: []Artifact{
				{Name: "entry.onnx", Path: "store/trend_entry.onnx", SHA256: hashOf(files["trend_entry.onnx"])},
				{Name: "exit.onnx", Path: "store/trend_exit.onnx", SHA256: hashOf(files["trend_exit.onnx"])},
			}},
			"ranging": {TrancheID: "R-3", Artifacts: []Artifact{
				{Name: "entry.onnx", Path: "store/range_entry.onnx", SHA256: hashOf(files["range_entry.onnx"])},
			}},
		},
	}
	f := &fixture{root: root, manifest: m}
	f.writeManifest(t)

	f.config = Config{
		Enabled:      true,
		Interval:     10 * time.Millisecond,
		CooldownBars: 3,
		BarDuration:  DefaultBarDuration,
		ManifestPath: filepath.Join(root, "manifest.json"),
		ActiveDir:    filepath.Join(root, "models", "active"),
		SelectedPath: filepath.Join(root, "state", "selected.json"),
		AlertDir:     filepath.Join(root, "alerts"),
	}
	return f
}

func (f *fixture) writeManifest(t *testing.T) {
	t.Helper()
	data, err := json.Marshal(f.manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "manifest.json"), data, 0o644))
}

func (f *fixture) coordinator(t *testing.T, detector RegimeDetector, clock *time.Time, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	opts = append(opts, WithClock(func() time.Time { return *clock }))
	c, err := NewCoordinator(f.config, detector, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func readActive(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

// ==================== ROTATION ====================

func TestRotateActivatesTranche(t *testing.T) {
	f := newFixture(t)
	clock := t0
	detector := NewStaticDetector("trending")
	c := f.coordinator(t, detector, &clock)

	state, err := c.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRotating, state)

	assert.Equal(t, map[string]string{"entry.onnx": "trend-entry-v1", "exit.onnx": "trend-exit-v1"}, readActive(t, f.config.ActiveDir))

	sel, err := LoadSelected(f.config.SelectedPath)
	require.NoError(t, err)
	assert.Equal(t, "trending", sel.CurrentRegime)
	assert.Equal(t, "T-7", sel.TrancheID)
	assert.Equal(t, 1, sel.RotationCount)
	assert.True(t, sel.CooldownExpiresAt.Equal(t0.Add(15*time.Minute)))

	_, err = os.Stat(f.config.ActiveDir + ".prev")
	assert.True(t, os.IsNotExist(err), "previous dir should be removed after commit")
}

func TestCooldownAndUnchangedRegime(t *testing.T) {
	f := newFixture(t)
	clock := t0
	detector := NewStaticDetector("trending")
	c := f.coordinator(t, detector, &clock)

	_, err := c.CheckOnce(context.Background())
	require.NoError(t, err)

	state, err := c.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, state, "same regime must not rotate")

	detector.Set("ranging")
	clock = t0.Add(14 * time.Minute)
	state, err = c.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, state, "cooldown of 3 bars x 5m still active")

	clock = t0.Add(15 * time.Minute)
	state, err = c.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRotating, state)
	assert.Equal(t, map[string]string{"entry.onnx": "range-entry-v1"}, readActive(t, f.config.ActiveDir))
	assert.Equal(t, 2, c.Selected().RotationCount)
}

func TestDisabledNeverRotates(t *testing.T) {
	f := newFixture(t)
	f.config.Enabled = false
	clock := t0
	c := f.coordinator(t, NewStaticDetector("trending"), &clock)

	ok, reason := c.ShouldRotate("trending", t0)
	assert.False(t, ok)
	assert.Equal(t, "rotation disabled", reason)

	state, err := c.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, state)
}

func TestDetectorErrorIsNoChange(t *testing.T) {
	f := newFixture(t)
	clock := t0
	c := f.coordinator(t, FileRegimeDetector{Path: filepath.Join(f.root, "missing.txt")}, &clock)

	state, err := c.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, state)
	assert.Nil(t, c.Halted())
}

func TestSelectedStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	clock := t0
	c := f.coordinator(t, NewStaticDetector("trending"), &clock)
	_, err := c.CheckOnce(context.Background())
	require.NoError(t, err)

	restarted := f.coordinator(t, NewStaticDetector("trending"), &clock)
	assert.Equal(t, "trending", restarted.Selected().CurrentRegime)
	state, err := restarted.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, state)
}

// ==================== FAIL-CLOSED ====================

func TestMissingRegimeLeavesActiveUntouched(t *testing.T) {
	f := newFixture(t)
	clock := t0
	detector := NewStaticDetector("trending")

	var fatalSeen *FatalError
	c := f.coordinator(t, detector, &clock, WithFatalHandler(func(fe *FatalError) { fatalSeen = fe }))
	_, err := c.CheckOnce(context.Background())
	require.NoError(t, err)
	before := readActive(t, f.config.ActiveDir)

	detector.Set("high_volatility")
	clock = t0.Add(time.Hour)
	state, err := c.CheckOnce(context.Background())
	assert.Equal(t, StateRotating, state)

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.ErrorIs(t, err, ErrRegimeNotInManifest)
	assert.Equal(t, "locate_regime", fe.Step)
	require.NotNil(t, fatalSeen)

	assert.Equal(t, before, readActive(t, f.config.ActiveDir))
	sel, err := LoadSelected(f.config.SelectedPath)
	require.NoError(t, err)
	assert.Equal(t, "trending", sel.CurrentRegime)

	alerts, err := os.ReadDir(f.config.AlertDir)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// halted: later passes refuse to run
	detector.Set("ranging")
	_, err = c.CheckOnce(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.True(t, c.Status().Halted)
}

func TestHashMismatchIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "store", "trend_exit.onnx"), []byte("tampered"), 0o644))
	clock := t0
	c := f.coordinator(t, NewStaticDetector("trending"), &clock)

	_, err := c.CheckOnce(context.Background())
	assert.ErrorIs(t, err, ErrHashMismatch)
	_, statErr := os.Stat(f.config.ActiveDir)
	assert.True(t, os.IsNotExist(statErr), "nothing may be activated on a hash mismatch")
}

func TestMissingArtifactIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.root, "store", "range_entry.onnx")))
	clock := t0
	c := f.coordinator(t, NewStaticDetector("ranging"), &clock)

	_, err := c.CheckOnce(context.Background())
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestLoopHaltsOnFatal(t *testing.T) {
	f := newFixture(t)
	clock := t0
	fatal := make(chan *FatalError, 1)
	c := f.coordinator(t, NewStaticDetector("unknown"), &clock, WithFatalHandler(func(fe *FatalError) { fatal <- fe }))

	require.NoError(t, c.Start(context.Background()))
	select {
	case fe := <-fatal:
		assert.Equal(t, "unknown", fe.Regime)
	case <-time.After(2 * time.Second):
		t.Fatal("rotation loop never reported the fatal error")
	}
	require.NoError(t, c.Stop())
}

// ==================== MANIFEST ====================

func TestManifestValidation(t *testing.T) {
	good := hashOf("x")
	tests := []struct {
		name string
		m    Manifest
	}{
		{"no regimes", Manifest{}},
		{"no tranche", Manifest{Regimes: map[string]RegimeArtifacts{"a": {Artifacts: []Artifact{{Name: "m", Path: "p", SHA256: good}}}}}},
		{"no artifacts", Manifest{Regimes: map[string]RegimeArtifacts{"a": {TrancheID: "t"}}}},
		{"bad hash", Manifest{Regimes: map[string]RegimeArtifacts{"a": {TrancheID: "t", Artifacts: []Artifact{{Name: "m", Path: "p", SHA256: "abc"}}}}}},
		{"path in name", Manifest{Regimes: map[string]RegimeArtifacts{"a": {TrancheID: "t", Artifacts: []Artifact{{Name: "../m", Path: "p", SHA256: good}}}}}},
		{"duplicate name", Manifest{Regimes: map[string]RegimeArtifacts{"a": {TrancheID: "t", Artifacts: []Artifact{
			{Name: "m", Path: "p", SHA256: good}, {Name: "m", Path: "q", SHA256: good},
		}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.m.Validate(), ErrInvalidManifest)
		})
	}
}

func TestVerifyAll(t *testing.T) {
	f := newFixture(t)
	m, err := LoadManifest(f.config.ManifestPath)
	require.NoError(t, err)
	assert.NoError(t, m.VerifyAll())
	assert.Equal(t, []string{"ranging", "trending"}, m.RegimeNames())

	require.NoError(t, os.Remove(filepath.Join(f.root, "store", "trend_exit.onnx")))
	assert.ErrorIs(t, m.VerifyAll(), ErrArtifactMissing)
}

func TestFileRegimeDetector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regime.txt")
	d := FileRegimeDetector{Path: path}

	require.NoError(t, os.WriteFile(path, []byte("  trending\n"), 0o644))
	regime, err := d.CurrentRegime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "trending", regime)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))
	_, err = d.CurrentRegime(context.Background())
	assert.ErrorIs(t, err, ErrNoRegime)
}
