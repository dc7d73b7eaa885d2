package coordinator

import (
	"context"
	"net/url"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValerySidorin/yoink/pkg/archive"
	archivefs "github.com/ValerySidorin/yoink/pkg/archive/fs"
	"github.com/ValerySidorin/yoink/pkg/manifest"
	"github.com/ValerySidorin/yoink/pkg/namer"
)

type fakeResolver struct{}

func (fakeResolver) Resolve(baseURL string, item string) (string, error) {
	return baseURL + url.QueryEscape(item) + ".pdf", nil
}

// fakeFetcher serves canned payloads per item and writes them through
// the same afero fs the archive store uses.
type fakeFetcher struct {
	fs       afero.Fs
	payloads map[string][]byte
	failing  map[string]struct{}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, dest string) (int64, error) {
	item := strings.TrimSuffix(path.Base(rawURL), ".pdf")

	if _, ok := f.failing[item]; ok {
		return 0, errors.New("simulated network error")
	}

	payload, ok := f.payloads[item]
	if !ok {
		return 0, errors.Errorf("no payload for item %s", item)
	}

	if err := afero.WriteFile(f.fs, dest, payload, 0o644); err != nil {
		return 0, err
	}

	return int64(len(payload)), nil
}

type testEnv struct {
	fs      afero.Fs
	fetcher *fakeFetcher
	coord   *Coordinator
}

func newTestEnv(t *testing.T, workers int) *testEnv {
	t.Helper()

	afs := afero.NewMemMapFs()
	f := &fakeFetcher{
		fs:       afs,
		payloads: make(map[string][]byte),
		failing:  make(map[string]struct{}),
	}

	newStore := func(folder string) (archive.Store, error) {
		return archivefs.New(afs, folder, log.NewNopLogger())
	}

	coord := newCoordinator(Config{Workers: workers}, afs, fakeResolver{}, f,
		newStore, nil, prometheus.NewPedanticRegistry(), log.NewNopLogger())

	return &testEnv{fs: afs, fetcher: f, coord: coord}
}

func entry(category, item, folder string) manifest.Entry {
	return manifest.Entry{
		Category:     category,
		Item:         item,
		BaseURL:      "https://example.com/search/",
		Folder:       folder,
		FilenameMode: manifest.FilenameModeItem,
	}
}

func outcomeByID(results []Result) map[string]string {
	return lo.SliceToMap(results, func(r Result) (string, string) {
		return r.Entry.ID(), r.Outcome
	})
}

func TestRunDownloadsEverything(t *testing.T) {
	env := newTestEnv(t, 4)
	env.fetcher.payloads["lm317"] = []byte("lm317 v1")
	env.fetcher.payloads["ne555"] = []byte("ne555 v1")

	entries := []manifest.Entry{
		entry("parts", "lm317", "/parts"),
		entry("parts", "ne555", "/parts"),
	}

	results, err := env.coord.Run(context.Background(), entries)
	require.NoError(t, err)

	outcomes := outcomeByID(results)
	assert.Equal(t, OutcomeUpdated, outcomes["parts/lm317"])
	assert.Equal(t, OutcomeUpdated, outcomes["parts/ne555"])

	got, err := afero.ReadFile(env.fs, "/parts/lm317.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("lm317 v1"), got)
}

func TestRunIdempotent(t *testing.T) {
	env := newTestEnv(t, 4)
	env.fetcher.payloads["lm317"] = []byte("lm317 v1")

	entries := []manifest.Entry{entry("parts", "lm317", "/parts")}
	ctx := context.Background()

	results, err := env.coord.Run(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, results[0].Outcome)

	// Second run with an unchanged remote source: no mutations, all
	// unchanged. Stores are reopened from the persisted index, so this
	// also covers resumption across process restarts.
	results, err = env.coord.Run(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, results[0].Outcome)

	history, err := mustStore(t, env, "/parts").ListHistory(ctx, "parts/lm317")
	require.NoError(t, err)
	assert.Empty(t, history, "unchanged run must not grow history")

	// No temp leftovers either.
	infos, err := afero.ReadDir(env.fs, "/parts")
	require.NoError(t, err)
	names := lo.Map(infos, func(fi os.FileInfo, _ int) string { return fi.Name() })
	assert.NotContains(t, names, "parts_lm317_new.pdf")
}

func mustStore(t *testing.T, env *testEnv, folder string) archive.Store {
	t.Helper()

	s, err := archivefs.New(env.fs, folder, log.NewNopLogger())
	require.NoError(t, err)

	return s
}

func TestRunDetectsChange(t *testing.T) {
	env := newTestEnv(t, 4)
	env.fetcher.payloads["lm317"] = []byte("lm317 v1")

	entries := []manifest.Entry{entry("parts", "lm317", "/parts")}
	ctx := context.Background()

	_, err := env.coord.Run(ctx, entries)
	require.NoError(t, err)

	env.fetcher.payloads["lm317"] = []byte("lm317 v2")

	results, err := env.coord.Run(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, results[0].Outcome)

	history, err := mustStore(t, env, "/parts").ListHistory(ctx, "parts/lm317")
	require.NoError(t, err)
	require.Len(t, history, 1)

	archived, err := afero.ReadFile(env.fs, history[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("lm317 v1"), archived)
}

func TestRunIsolatesFailures(t *testing.T) {
	env := newTestEnv(t, 4)
	env.fetcher.payloads["lm317"] = []byte("lm317 v1")
	env.fetcher.payloads["ne555"] = []byte("ne555 v1")
	env.fetcher.failing["tl072"] = struct{}{}

	entries := []manifest.Entry{
		entry("parts", "lm317", "/parts"),
		entry("parts", "tl072", "/parts"),
		entry("parts", "ne555", "/parts"),
	}

	results, err := env.coord.Run(context.Background(), entries)
	require.NoError(t, err)

	outcomes := outcomeByID(results)
	assert.Equal(t, OutcomeUpdated, outcomes["parts/lm317"])
	assert.Equal(t, OutcomeUpdated, outcomes["parts/ne555"])
	assert.Equal(t, OutcomeFailed, outcomes["parts/tl072"])

	failed := lo.Filter(results, func(r Result, _ int) bool { return r.Outcome == OutcomeFailed })
	require.Len(t, failed, 1)
	assert.Error(t, failed[0].Err)
}

func TestRunNamingConflict(t *testing.T) {
	// Two categories share a folder and an item name, so both resolve
	// to the same destination file. Workers=1 keeps ordering fixed.
	env := newTestEnv(t, 1)
	env.fetcher.payloads["lm317"] = []byte("lm317 v1")

	entries := []manifest.Entry{
		entry("legacy", "lm317", "/parts"),
		entry("parts", "lm317", "/parts"),
	}

	results, err := env.coord.Run(context.Background(), entries)
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, OutcomeFailed, res.Outcome, res.Entry.ID())
		assert.True(t, errors.Is(res.Err, namer.ErrNamingConflict), res.Entry.ID())
	}
}

func TestRunUnknownFolderStoreError(t *testing.T) {
	env := newTestEnv(t, 4)
	env.coord.newStore = func(folder string) (archive.Store, error) {
		return nil, errors.New("disk on fire")
	}

	_, err := env.coord.Run(context.Background(), []manifest.Entry{entry("parts", "lm317", "/parts")})
	assert.Error(t, err, "store init failures are fatal before any download")
}
