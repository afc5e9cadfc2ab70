package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamavenir/codeindex/internal/workspace"
)

type recorder struct {
	mu    sync.Mutex
	paths map[string]bool
}

func (r *recorder) record(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[rel] = true
}

func (r *recorder) seen(rel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[rel]
}

func startWatcher(t *testing.T, root string) *recorder {
	t.Helper()
	rec := &recorder{paths: map[string]bool{}}
	w := New(root, workspace.MustMatcher(), rec.record, nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Close() })
	return rec
}

func TestReportsFileChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	rec := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "a.txt"), []byte("x"), 0o644))
	assert.Eventually(t, func() bool { return rec.seen("dir/a.txt") }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "fresh"), 0o755))
	assert.Eventually(t, func() bool { return rec.seen("fresh") }, 2*time.Second, 10*time.Millisecond)

	// Give the watcher a moment to add the new directory before writing into it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "fresh", "b.txt"), []byte("x"), 0o644))
	assert.Eventually(t, func() bool { return rec.seen("fresh/b.txt") }, 2*time.Second, 10*time.Millisecond)
}

func TestIgnoresExcludedPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))
	rec := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "kept.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return rec.seen("kept.txt") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.seen(".env"))
	assert.False(t, rec.seen("node_modules/x.js"))
}

func TestCloseIsIdempotent(t *testing.T) {
	w := New(t.TempDir(), nil, func(string) {}, nil)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
