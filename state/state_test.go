package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker(t *testing.T) {
	m := NewMemoryTracker()

	assert.False(t, m.AlreadyProcessed("h1"))
	require.NoError(t, m.MarkProcessed(Record{Hash: "h1", MessageID: "a", Encoded: true}))
	require.NoError(t, m.MarkProcessed(Record{Hash: "h2", Degraded: []string{"html"}}))
	require.NoError(t, m.MarkProcessed(Record{Hash: ""}))

	assert.True(t, m.AlreadyProcessed("h1"))
	assert.False(t, m.AlreadyProcessed(""))
	assert.Equal(t, Snapshot{Processed: 2, Encoded: 1, Degraded: 1}, m.Snapshot())
}

func TestFileTracker_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, true)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkProcessed(Record{Hash: "h1", MessageID: "one@example.com", Encoded: true}))
	require.NoError(t, tracker.MarkProcessed(Record{Hash: "h1", MessageID: "again"}))
	require.NoError(t, tracker.MarkProcessed(Record{Hash: "h2", MessageID: "two@example.com"}))
	require.NoError(t, tracker.Close())
	require.NoError(t, tracker.Close())

	reloaded, err := NewFileTracker(dir, false)
	require.NoError(t, err)
	defer reloaded.Close()

	assert.True(t, reloaded.AlreadyProcessed("h1"))
	assert.True(t, reloaded.AlreadyProcessed("h2"))
	assert.Equal(t, 2, reloaded.Snapshot().Processed)

	rec, ok := reloaded.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "one@example.com", rec.MessageID)
	assert.True(t, rec.Encoded)
	assert.False(t, rec.DecodedAt.IsZero())
}

func TestFileTracker_FlushAndClose(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, true)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkProcessed(Record{Hash: "h1", MessageID: "one"}))
	require.NoError(t, tracker.Flush())

	data, err := os.ReadFile(tracker.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hash":"h1"`)

	require.NoError(t, tracker.Close())
	require.NoError(t, tracker.Flush())
	require.NoError(t, tracker.Close())
}

func TestFileTracker_NoPersist(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, false)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkProcessed(Record{Hash: "h1"}))
	assert.True(t, tracker.AlreadyProcessed("h1"))
	require.NoError(t, tracker.Close())

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileTracker_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{\"hash\":\"ok\"}\n\nnot json\n"), 0o600))

	_, err := NewFileTracker(dir, false)
	assert.ErrorContains(t, err, "parse state line 3")
}

func TestNewFileTracker_EmptyDir(t *testing.T) {
	_, err := NewFileTracker(" ", true)
	assert.ErrorIs(t, err, ErrEmptyStateDir)
}
