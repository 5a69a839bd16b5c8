package watcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/store"
)

func entry(name, sha string) models.IndexEntry {
	return models.IndexEntry{
		State: models.BranchState{Name: name, HeadCommit: sha, SyncedAt: time.Now().UTC()},
		Record: &models.PackageRecord{
			PackageBase: name,
			Packages:    []models.Package{{Name: name, Version: "1-1"}},
		},
	}
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aur-meta.db")
	writer := openStore(t, path)
	reader := openStore(t, path)

	idx := index.New()
	w, err := New(reader, idx, path, 0)
	require.NoError(t, err)

	reloaded, err := w.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded, "nothing committed yet")

	require.NoError(t, writer.Commit(ctx, 1, []models.IndexEntry{entry("yay", "aaaa")}, nil))
	reloaded, err = w.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Equal(t, uint64(1), idx.Current().Generation())
	sha, ok := idx.Current().Resolve("yay")
	assert.True(t, ok)
	assert.Equal(t, "aaaa", sha)

	reloaded, err = w.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded, "same generation is not reloaded")
}

func TestReloadSkipsWhenServedIsAhead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aur-meta.db")
	st := openStore(t, path)
	require.NoError(t, st.Commit(ctx, 1, []models.IndexEntry{entry("yay", "aaaa")}, nil))

	idx := index.New()
	b := index.NewBuilder(5)
	require.NoError(t, b.Add(entry("paru", "bbbb")))
	require.NoError(t, idx.Publish(b.Build()))

	w, err := New(st, idx, path, 0)
	require.NoError(t, err)
	reloaded, err := w.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded)
	_, ok := idx.Current().Resolve("paru")
	assert.True(t, ok)
}

func TestWatcherPicksUpCommits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aur-meta.db")
	writer := openStore(t, path)
	reader := openStore(t, path)

	idx := index.New()
	w, err := New(reader, idx, path, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, writer.Commit(ctx, 1, []models.IndexEntry{entry("yay", "aaaa")}, nil))
	require.Eventually(t, func() bool { return idx.Current().Generation() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Commit(ctx, 2, []models.IndexEntry{entry("yay", "cccc")}, []string{}))
	require.Eventually(t, func() bool { return idx.Current().Generation() == 2 }, 5*time.Second, 10*time.Millisecond)

	sha, _ := idx.Current().Resolve("yay")
	assert.Equal(t, "cccc", sha)
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(nil, index.New(), "/tmp/x.db", 0)
	assert.Error(t, err)
}
