// Package rotation swaps the active model artifact set when the market regime
// changes. Every failure during a swap is fatal and halts further rotation.
package rotation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Errors for manifest handling
var (
	ErrInvalidManifest     = errors.New("invalid model manifest")
	ErrRegimeNotInManifest = errors.New("regime not present in manifest")
	ErrArtifactMissing     = errors.New("model artifact missing")
	ErrHashMismatch        = errors.New("model artifact hash mismatch")
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Artifact is one model file and its content hash
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"` // relative to the manifest directory unless absolute
	SHA256 string `json:"sha256"`
}

// RegimeArtifacts is the tranche of artifacts to activate for a regime
type RegimeArtifacts struct {
	TrancheID string     `json:"tranche_id"`
	Artifacts []Artifact `json:"artifacts"`
}

// Manifest maps regimes to artifact tranches
type Manifest struct {
	Version string                     `json:"version"`
	Regimes map[string]RegimeArtifacts `json:"regimes"`

	baseDir string
}

// SelectedState is the durable record of the active tranche
type SelectedState struct {
	CurrentRegime     string     `json:"current_regime"`
	TrancheID         string     `json:"tranche_id"`
	ManifestVersion   string     `json:"manifest_version"`
	RotationCount     int        `json:"rotation_count"`
	LastRotationAt    time.Time  `json:"last_rotation_at"`
	CooldownExpiresAt time.Time  `json:"cooldown_expires_at"`
	Artifacts         []Artifact `json:"artifacts"`
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.baseDir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest structure. It does not touch artifact files.
func (m *Manifest) Validate() error {
	if len(m.Regimes) == 0 {
		return fmt.Errorf("%w: no regimes", ErrInvalidManifest)
	}
	for regime, set := range m.Regimes {
		if strings.TrimSpace(regime) == "" {
			return fmt.Errorf("%w: empty regime key", ErrInvalidManifest)
		}
		if set.TrancheID == "" {
			return fmt.Errorf("%w: regime %s has no tranche id", ErrInvalidManifest, regime)
		}
		if len(set.Artifacts) == 0 {
			return fmt.Errorf("%w: regime %s has no artifacts", ErrInvalidManifest, regime)
		}
		names := make(map[string]bool, len(set.Artifacts))
		for _, a := range set.Artifacts {
			if a.Name == "" || a.Name != filepath.Base(a.Name) || a.Name == "." || a.Name == ".." {
				return fmt.Errorf("%w: regime %s has invalid artifact name %q", ErrInvalidManifest, regime, a.Name)
			}
			if names[a.Name] {
				return fmt.Errorf("%w: regime %s lists %s twice", ErrInvalidManifest, regime, a.Name)
			}
			names[a.Name] = true
			if a.Path == "" {
				return fmt.Errorf("%w: artifact %s has no path", ErrInvalidManifest, a.Name)
			}
			if !sha256Pattern.MatchString(a.SHA256) {
				return fmt.Errorf("%w: artifact %s has malformed sha256", ErrInvalidManifest, a.Name)
			}
		}
	}
	return nil
}

// Regime returns the tranche for a regime
func (m *Manifest) Regime(regime string) (RegimeArtifacts, error) {
	set, ok := m.Regimes[regime]
	if !ok {
		return RegimeArtifacts{}, fmt.Errorf("%w: %s", ErrRegimeNotInManifest, regime)
	}
	return set, nil
}

// RegimeNames returns the manifest regimes, sorted
func (m *Manifest) RegimeNames() []string {
	names := make([]string, 0, len(m.Regimes))
	for r := range m.Regimes {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}

// ArtifactPath resolves an artifact path against the manifest directory
func (m *Manifest) ArtifactPath(a Artifact) string {
	if filepath.IsAbs(a.Path) {
		return a.Path
	}
	return filepath.Join(m.baseDir, a.Path)
}

// VerifyArtifact checks that the artifact exists and its content hash matches
func (m *Manifest) VerifyArtifact(a Artifact) error {
	path := m.ArtifactPath(a)
	sum, err := fileSHA256(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s (%s)", ErrArtifactMissing, a.Name, path)
		}
		return fmt.Errorf("failed to hash %s: %w", a.Name, err)
	}
	if sum != a.SHA256 {
		return fmt.Errorf("%w: %s expected %s got %s", ErrHashMismatch, a.Name, a.SHA256, sum)
	}
	return nil
}

// VerifyAll checks every artifact of every regime
func (m *Manifest) VerifyAll() error {
	var errs []error
	for _, regime := range m.RegimeNames() {
		for _, a := range m.Regimes[regime].Artifacts {
			if err := m.VerifyArtifact(a); err != nil {
				errs = append(errs, fmt.Errorf("regime %s: %w", regime, err))
			}
		}
	}
	return errors.Join(errs...)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
