package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the flat-file metrics record written on shutdown. It is
// strictly best-effort: a missing or corrupt file never blocks a boot.
type Snapshot struct {
	Metrics    MetricsSnapshot `json:"metrics"`
	ShutdownAt time.Time       `json:"shutdown_at"`
}

// WriteSnapshot writes the snapshot atomically (temp file, then rename).
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("kernel: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".shinkei-snapshot-*")
	if err != nil {
		return fmt.Errorf("kernel: create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("kernel: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("kernel: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("kernel: rename snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a previous shutdown's snapshot. A missing file returns
// ok=false with no error; a corrupt file returns ok=false and the parse
// error for logging. Either way the caller proceeds with a fresh state.
func ReadSnapshot(path string) (Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("kernel: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("kernel: corrupt snapshot: %w", err)
	}
	return snap, true, nil
}
