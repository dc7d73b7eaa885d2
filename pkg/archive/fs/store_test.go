package fs

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/parts"

func newTestStore(t *testing.T, afs afero.Fs) *Store {
	t.Helper()

	s, err := New(afs, testDir, log.NewNopLogger())
	require.NoError(t, err)

	return s
}

func writeTemp(t *testing.T, afs afero.Fs, name string, payload string) string {
	t.Helper()

	path := filepath.Join(testDir, name)
	require.NoError(t, afero.WriteFile(afs, path, []byte(payload), 0o644))

	return path
}

func TestPromoteNewEntry(t *testing.T) {
	afs := afero.NewMemMapFs()
	s := newTestStore(t, afs)
	ctx := context.Background()

	_, found, err := s.ReadCurrent(ctx, "parts/lm317")
	require.NoError(t, err)
	assert.False(t, found)

	tmp := writeTemp(t, afs, "lm317_new.pdf", "v1")
	path, err := s.Promote(ctx, "parts/lm317", tmp, "fp1", "lm317.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(testDir, "lm317.pdf"), path)

	// Temp file is gone, final file holds the payload.
	exists, err := afero.Exists(afs, tmp)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := afero.ReadFile(afs, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	rec, found, err := s.ReadCurrent(ctx, "parts/lm317")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fp1", rec.Fingerprint)
	assert.Empty(t, rec.History)
}

func TestPromoteArchivesPrevious(t *testing.T) {
	afs := afero.NewMemMapFs()
	s := newTestStore(t, afs)
	ctx := context.Background()

	tmp := writeTemp(t, afs, "lm317_new.pdf", "v1")
	_, err := s.Promote(ctx, "parts/lm317", tmp, "fp1", "lm317.pdf")
	require.NoError(t, err)

	tmp = writeTemp(t, afs, "lm317_new.pdf", "v2")
	path, err := s.Promote(ctx, "parts/lm317", tmp, "fp2", "lm317.pdf")
	require.NoError(t, err)

	got, err := afero.ReadFile(afs, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	history, err := s.ListHistory(ctx, "parts/lm317")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "fp1", history[0].Fingerprint)

	archived, err := afero.ReadFile(afs, history[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), archived)
}

func TestHistoryGrowthAndOrder(t *testing.T) {
	afs := afero.NewMemMapFs()
	s := newTestStore(t, afs)
	ctx := context.Background()

	const k = 5
	for i := 1; i <= k; i++ {
		tmp := writeTemp(t, afs, "lm317_new.pdf", fmt.Sprintf("v%d", i))
		_, err := s.Promote(ctx, "parts/lm317", tmp, fmt.Sprintf("fp%d", i), "lm317.pdf")
		require.NoError(t, err)
	}

	rec, found, err := s.ReadCurrent(ctx, "parts/lm317")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fmt.Sprintf("fp%d", k), rec.Fingerprint)

	history, err := s.ListHistory(ctx, "parts/lm317")
	require.NoError(t, err)
	require.Len(t, history, k-1)

	// Most recent first.
	for i, v := range history {
		assert.Equal(t, fmt.Sprintf("fp%d", k-1-i), v.Fingerprint)
	}

	// Every archived copy survives with distinct paths.
	paths := make(map[string]struct{})
	for _, v := range history {
		paths[v.Path] = struct{}{}
	}
	assert.Len(t, paths, k-1)
}

func TestIndexSurvivesRestart(t *testing.T) {
	afs := afero.NewMemMapFs()
	ctx := context.Background()

	s := newTestStore(t, afs)
	tmp := writeTemp(t, afs, "lm317_new.pdf", "v1")
	_, err := s.Promote(ctx, "parts/lm317", tmp, "fp1", "lm317.pdf")
	require.NoError(t, err)

	// A fresh store over the same filesystem sees the promoted state.
	s2 := newTestStore(t, afs)
	rec, found, err := s2.ReadCurrent(ctx, "parts/lm317")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fp1", rec.Fingerprint)
}

func TestCorruptIndexReported(t *testing.T) {
	afs := afero.NewMemMapFs()

	require.NoError(t, afs.MkdirAll(testDir, 0o755))
	require.NoError(t, afero.WriteFile(afs, filepath.Join(testDir, IndexFileName), []byte("{not json"), 0o644))

	_, err := New(afs, testDir, log.NewNopLogger())
	assert.Error(t, err)
}

func TestReadCurrentMissingFile(t *testing.T) {
	afs := afero.NewMemMapFs()
	s := newTestStore(t, afs)
	ctx := context.Background()

	tmp := writeTemp(t, afs, "lm317_new.pdf", "v1")
	path, err := s.Promote(ctx, "parts/lm317", tmp, "fp1", "lm317.pdf")
	require.NoError(t, err)

	// Someone deleted the current file out from under the index.
	require.NoError(t, afs.Remove(path))

	_, found, err := s.ReadCurrent(ctx, "parts/lm317")
	require.NoError(t, err)
	assert.False(t, found, "missing current file must trigger a re-fetch")
}

func TestOrphanedTempIgnored(t *testing.T) {
	afs := afero.NewMemMapFs()
	ctx := context.Background()

	s := newTestStore(t, afs)
	tmp := writeTemp(t, afs, "lm317_new.pdf", "v1")
	path, err := s.Promote(ctx, "parts/lm317", tmp, "fp1", "lm317.pdf")
	require.NoError(t, err)

	// Simulate a crash that left a partially written temp file behind.
	writeTemp(t, afs, "lm317_new.pdf", "partial")

	s2 := newTestStore(t, afs)
	rec, found, err := s2.ReadCurrent(ctx, "parts/lm317")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fp1", rec.Fingerprint)

	got, err := afero.ReadFile(afs, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got, "prior current file must be intact after a crashed run")
}
