package persistence

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/IliaW/url-watcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileRepository_LoadMissingIsEmpty(t *testing.T) {
	repo := NewFileRepository(filepath.Join(t.TempDir(), "old_data.gob"), discardLogger())

	snapshot, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snapshot)
	assert.Empty(t, snapshot)
}

func TestFileRepository_RoundTrip(t *testing.T) {
	repo := NewFileRepository(filepath.Join(t.TempDir(), "old_data.gob"), discardLogger())
	ctx := context.Background()

	snapshots := []model.Snapshot{
		{},
		{"https://example.test/page": "<html>v1</html>"},
		{
			"https://example.test/a": "line1\nline2\n",
			"https://example.test/b": "",
			"https://example.test/c": "ünïcödé \x00 and \"quotes\"",
			"https://example.test/d": "latin-1 caf\xe9",
		},
	}
	for _, want := range snapshots {
		require.NoError(t, repo.Save(ctx, want))
		got, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFileRepository_SaveOverwritesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(filepath.Join(dir, "old_data.gob"), discardLogger())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, model.Snapshot{"a": "1", "b": "2"}))
	require.NoError(t, repo.Save(ctx, model.Snapshot{"a": "3"}))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Snapshot{"a": "3"}, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "old_data.gob", entries[0].Name())
}

func TestFileRepository_SaveFailureKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old_data.gob")
	repo := NewFileRepository(path, discardLogger())
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, model.Snapshot{"a": "1"}))

	broken := NewFileRepository(filepath.Join(dir, "missing", "old_data.gob"), discardLogger())
	require.Error(t, broken.Save(ctx, model.Snapshot{"a": "2"}))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Snapshot{"a": "1"}, got)
}

func TestFileRepository_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old_data.gob")
	require.NoError(t, os.WriteFile(path, []byte("not a gob"), 0o644))

	_, err := NewFileRepository(path, discardLogger()).Load(context.Background())
	require.Error(t, err)
}
