package mission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunStatePath returns the run-state file location for a manifest.
func RunStatePath(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), ".nightshift", "runstate.json")
}

// LoadRunState reads the persisted run position. A missing file means a
// fresh run and returns (nil, nil).
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &rs, nil
}

// SaveRunState persists the run position atomically.
func SaveRunState(path string, rs *RunState) error {
	rs.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".runstate-*")
	if err != nil {
		return fmt.Errorf("failed to create run state temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close run state temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace run state: %w", err)
	}
	return nil
}

// ClearRunState removes the run-state file after a completed run.
func ClearRunState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run state: %w", err)
	}
	return nil
}
