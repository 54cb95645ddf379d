package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// stageArtifacts copies a verified tranche into a fresh staging directory
// next to the active directory, so the final rename stays on one filesystem.
func stageArtifacts(m *Manifest, set RegimeArtifacts, activeDir string) (string, error) {
	parent := filepath.Dir(activeDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create models parent dir: %w", err)
	}
	staging := filepath.Join(parent, fmt.Sprintf(".%s.staging-%s", filepath.Base(activeDir), uuid.New().String()[:8]))
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}

	for _, a := range set.Artifacts {
		if err := copyFile(m.ArtifactPath(a), filepath.Join(staging, a.Name)); err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("failed to stage %s: %w", a.Name, err)
		}
		// hash the staged copy, not just the source
		sum, err := fileSHA256(filepath.Join(staging, a.Name))
		if err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("failed to hash staged %s: %w", a.Name, err)
		}
		if sum != a.SHA256 {
			os.RemoveAll(staging)
			return "", fmt.Errorf("%w: staged %s", ErrHashMismatch, a.Name)
		}
	}
	return staging, nil
}

// swapDirectories moves staging into place. The previous active directory is
// kept at prevDir until the caller commits or rolls back.
func swapDirectories(staging, activeDir string) (prevDir string, err error) {
	prevDir = activeDir + ".prev"
	if err := os.RemoveAll(prevDir); err != nil {
		return "", fmt.Errorf("failed to clear previous dir: %w", err)
	}

	hadActive := true
	if _, err := os.Stat(activeDir); errors.Is(err, os.ErrNotExist) {
		hadActive = false
	} else if err != nil {
		return "", fmt.Errorf("failed to stat active dir: %w", err)
	}

	if hadActive {
		if err := os.Rename(activeDir, prevDir); err != nil {
			return "", fmt.Errorf("failed to retire active dir: %w", err)
		}
	}
	if err := os.Rename(staging, activeDir); err != nil {
		if hadActive {
			if rbErr := os.Rename(prevDir, activeDir); rbErr != nil {
				return "", fmt.Errorf("failed to activate staging: %w (rollback failed: %v)", err, rbErr)
			}
		}
		return "", fmt.Errorf("failed to activate staging: %w", err)
	}
	if !hadActive {
		return "", nil
	}
	return prevDir, nil
}

// rollbackSwap restores prevDir as the active directory
func rollbackSwap(activeDir, prevDir string) error {
	if prevDir == "" {
		return os.RemoveAll(activeDir)
	}
	failed := activeDir + ".failed"
	os.RemoveAll(failed)
	if err := os.Rename(activeDir, failed); err != nil {
		return err
	}
	if err := os.Rename(prevDir, activeDir); err != nil {
		return err
	}
	return os.RemoveAll(failed)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeJSONAtomic replaces path with v via temp file, fsync and rename
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// LoadSelected reads selected.json. A missing file yields an empty state.
func LoadSelected(path string) (SelectedState, error) {
	var st SelectedState
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read selected state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse selected state: %w", err)
	}
	return st, nil
}
