package compliance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// alertArtifact is the durable breadcrumb written on every fail-safe transition
type alertArtifact struct {
	AlertID   string    `json:"alert_id"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	State     State     `json:"state"`
	WrittenAt time.Time `json:"written_at"`
}

// writeAlertArtifact writes the alert JSON via temp file and rename.
// An empty dir disables artifacts.
func writeAlertArtifact(dir string, st State) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create alert dir: %w", err)
	}

	id := uuid.New().String()
	data, err := json.MarshalIndent(alertArtifact{
		AlertID:   id,
		Kind:      "COMPLIANCE_FAILSAFE",
		Severity:  "CRITICAL",
		Reason:    st.FailSafeReason,
		State:     st,
		WrittenAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	name := fmt.Sprintf("failsafe_%s_%s.json", time.Now().UTC().Format("20060102T150405Z"), id[:8])
	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, ".alert-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp alert: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write alert: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to sync alert: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to publish alert: %w", err)
	}
	return final, nil
}
