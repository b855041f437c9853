package journal

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinkei/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestJournalRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j := Open(path, testLogger())
	defer j.Close()

	j.Mark("boot", map[string]any{"version": "test"})
	j.Record(registry.Event{
		Type:    registry.EventStatusChanged,
		Source:  "memory",
		Payload: map[string]any{"new_status": "healthy"},
		At:      time.Now(),
	})

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, string(registry.EventStatusChanged), entries[0].Type)
	assert.Equal(t, "memory", entries[0].Source)
	assert.Equal(t, "healthy", entries[0].Payload["new_status"])
	assert.Equal(t, "boot", entries[1].Type)
}

func TestJournalEmptyPathIsDisabled(t *testing.T) {
	j := Open("", testLogger())
	defer j.Close()

	// Everything is a no-op, nothing panics.
	j.Mark("boot", nil)
	j.Record(registry.Event{Type: registry.EventRegistered})

	entries, err := j.Recent(10)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalOpenFailureNeverBlocksCaller(t *testing.T) {
	// A directory path cannot be opened as a database file.
	j := Open(t.TempDir(), testLogger())
	defer j.Close()

	assert.NotPanics(t, func() {
		j.Mark("boot", nil)
		j.Record(registry.Event{Type: registry.EventRegistered})
	})
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1 := Open(path, testLogger())
	j1.Mark("boot", nil)
	j1.Close()

	j2 := Open(path, testLogger())
	defer j2.Close()
	j2.Mark("shutdown", nil)

	entries, err := j2.Recent(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJournalRecentLimit(t *testing.T) {
	j := Open(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	defer j.Close()

	for i := 0; i < 5; i++ {
		j.Mark("tick", nil)
	}
	entries, err := j.Recent(3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
