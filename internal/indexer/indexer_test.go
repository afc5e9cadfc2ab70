package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamavenir/codeindex/internal/merkle"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/remote/remotetest"
	"github.com/adamavenir/codeindex/internal/state"
	"github.com/adamavenir/codeindex/internal/workspace"
)

var testKey = bytes.Repeat([]byte{5}, 32)

type harness struct {
	t     *testing.T
	root  string
	srv   *remotetest.Server
	store *state.Store
	ix    *Indexer
}

func newHarness(t *testing.T, files map[string]string, mutate func(*Options)) *harness {
	t.Helper()
	root, err := workspace.Canonical(t.TempDir())
	require.NoError(t, err)
	h := &harness{t: t, root: root}
	for rel, content := range files {
		h.write(rel, content)
	}

	srv, err := remotetest.New(testKey)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	h.srv = srv
	client, err := remote.NewClient(srv.URL, remotetest.Token)
	require.NoError(t, err)

	h.store = state.NewStore(t.TempDir())
	st := state.New(root)
	st.PathKey = pathenc.FormatKey(testKey)
	require.NoError(t, h.store.Save(st))

	opts := Options{
		Peer:  client,
		Store: h.store,
		Config: Config{
			Concurrency:  4,
			MaxRetries:   2,
			SyncInterval: time.Hour,
			DisableWatch: true,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ix, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ix.Close() })
	return h
}

func (h *harness) write(rel, content string) {
	p := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) index() *IndexResult {
	h.t.Helper()
	res, err := h.ix.Index(context.Background(), h.root, false)
	require.NoError(h.t, err)
	return res
}

func TestEndToEndIncrementalSync(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1", "dir/b.txt": "2"}, nil)

	res := h.index()
	require.NotEmpty(t, res.CodebaseID)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Batches)

	st, ok, err := h.store.Load(h.root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.CodebaseID, st.CodebaseID)

	h.srv.ResetCounters()
	require.NoError(t, h.ix.MarkPending(h.root))
	idle, err := h.ix.SyncIfNeeded(context.Background(), h.root)
	require.NoError(t, err)
	assert.True(t, idle.Ran)
	assert.Empty(t, idle.Changed, "nothing changed since the full index")
	assert.Empty(t, h.srv.Uploads())

	h.write("dir/b.txt", "3")
	h.srv.ResetCounters()
	require.NoError(t, h.ix.MarkPending(h.root))

	synced, err := h.ix.SyncIfNeeded(context.Background(), h.root)
	require.NoError(t, err)
	assert.True(t, synced.Ran)
	assert.Equal(t, []string{"dir/b.txt"}, synced.Changed)
	assert.Equal(t, 1, synced.Upload.Uploaded)

	uploads := h.srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "dir/b.txt", uploads[0].Path)
	assert.Equal(t, []string{"dir"}, uploads[0].AncestorSpline)
	assert.Equal(t, merkle.HashBytes([]byte("3")), h.srv.Files(res.CodebaseID)["dir/b.txt"])

	handshakes, ensures, confirms, _ := h.srv.Counts()
	assert.Equal(t, 0, handshakes)
	assert.Equal(t, 1, ensures)
	assert.Equal(t, 1, confirms)
	assert.False(t, h.ix.Pending(h.root))
}

func TestFullIndexIsIdempotent(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1", "dir/b.txt": "2", "dir/c/d.txt": "4"}, nil)

	first := h.index()
	remoteBefore := h.srv.Files(first.CodebaseID)

	second := h.index()
	assert.Equal(t, first.CodebaseID, second.CodebaseID)
	assert.Equal(t, remoteBefore, h.srv.Files(second.CodebaseID))

	st, _, err := h.store.Load(h.root)
	require.NoError(t, err)
	assert.Equal(t, pathenc.FormatKey(testKey), st.PathKey, "the path key never changes")
}

func TestBatchBoundary(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 2500; i++ {
		files[fmt.Sprintf("pkg%02d/file%04d.txt", i%25, i)] = fmt.Sprint(i)
	}
	h := newHarness(t, files, func(o *Options) { o.Config.BatchSize = 1000; o.Config.Concurrency = 16 })

	res := h.index()
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 2500, res.Uploaded)

	handshakes, ensures, confirms, _ := h.srv.Counts()
	assert.Equal(t, 3, handshakes)
	assert.Equal(t, 3, ensures)
	assert.Equal(t, 3, confirms)
	assert.Len(t, h.srv.Files(res.CodebaseID), 2500)
}

func TestVerboseListsUploadedFiles(t *testing.T) {
	h := newHarness(t, map[string]string{"b.txt": "b", "a.txt": "a"}, nil)
	res, err := h.ix.Index(context.Background(), h.root, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, res.Files)
}

func TestOversizeFilesAreNotIndexed(t *testing.T) {
	h := newHarness(t, map[string]string{"small.txt": "ok", "big.txt": "0123456789abcdef"}, func(o *Options) {
		o.Config.MaxFileSize = 8
	})
	res := h.index()
	assert.Equal(t, 1, res.Uploaded)
	assert.NotContains(t, h.srv.Files(res.CodebaseID), "big.txt")
}

func TestNothingToIndex(t *testing.T) {
	h := newHarness(t, map[string]string{"node_modules/x.js": "x"}, nil)
	_, err := h.ix.Index(context.Background(), h.root, false)
	assert.ErrorIs(t, err, ErrNothingToIndex)
}

func TestHandshakeWithoutCodebaseIDFailsBatch(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1"}, nil)
	h.srv.OmitNextCodebaseID()
	_, err := h.ix.Index(context.Background(), h.root, false)
	require.ErrorIs(t, err, remote.ErrMissingCodebaseID)
	assert.Empty(t, h.srv.Uploads())
	assert.False(t, h.ix.Watching(h.root))
}

func TestSyncWithoutPendingIsNoop(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1"}, nil)
	h.index()
	h.srv.ResetCounters()

	res, err := h.ix.SyncIfNeeded(context.Background(), h.root)
	require.NoError(t, err)
	assert.False(t, res.Ran)
	_, _, confirms, reconciles := h.srv.Counts()
	assert.Zero(t, confirms)
	assert.Zero(t, reconciles)
}

func TestSyncBeforeIndex(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1"}, nil)
	_, err := h.ix.Sync(context.Background(), h.root)
	assert.ErrorIs(t, err, ErrNotIndexed)
	assert.True(t, h.ix.Pending(h.root), "pending survives a failed sync")
}

func TestFailedSyncRestoresPending(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1"}, nil)
	h.index()
	h.write("a.txt", "2")
	h.srv.FailNext(remote.PathConfirm, 100)

	_, err := h.ix.Sync(context.Background(), h.root)
	require.Error(t, err)
	assert.True(t, h.ix.Pending(h.root))

	h.srv.FailNext(remote.PathConfirm, 0)
	res, err := h.ix.SyncIfNeeded(context.Background(), h.root)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.False(t, h.ix.Pending(h.root))
}

func TestConcurrentSyncTriggersShareOneRun(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1", "b/c.txt": "2"}, nil)
	h.index()
	h.write("b/c.txt", "changed")
	h.srv.ResetCounters()
	require.NoError(t, h.ix.MarkPending(h.root))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ix.SyncIfNeeded(context.Background(), h.root)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, _, confirms, _ := h.srv.Counts()
	assert.Equal(t, 1, confirms)
	assert.Len(t, h.srv.Uploads(), 1)
}

type fakeWatcher struct {
	mu       sync.Mutex
	onChange func(string)
	closed   bool
	starts   int
}

func (f *fakeWatcher) start(_ context.Context, _ string, _ *workspace.Matcher, onChange func(string)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = onChange
	f.starts++
	return f, nil
}

func (f *fakeWatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWatcher) fire(rel string) {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	fn(rel)
}

func TestWatcherStartsOnceAndMarksPending(t *testing.T) {
	fw := &fakeWatcher{}
	h := newHarness(t, map[string]string{"a.txt": "1"}, func(o *Options) {
		o.Config.DisableWatch = false
		o.Watch = fw.start
	})

	h.index()
	h.index()
	assert.Equal(t, 1, fw.starts)
	assert.True(t, h.ix.Watching(h.root))
	assert.False(t, h.ix.Pending(h.root))

	fw.fire("a.txt")
	assert.True(t, h.ix.Pending(h.root))

	require.NoError(t, h.ix.Close())
	assert.True(t, fw.closed)
	assert.False(t, h.ix.Watching(h.root))
}

func TestScheduledSyncRuns(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1"}, func(o *Options) {
		o.Config.SyncInterval = 20 * time.Millisecond
	})
	h.index()
	h.write("a.txt", "2")
	require.NoError(t, h.ix.MarkPending(h.root))

	assert.Eventually(t, func() bool {
		return !h.ix.Pending(h.root) && len(h.srv.Uploads()) == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStaleRuntimeCodebaseIsDiscarded(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "1"}, nil)
	res := h.index()

	sess := h.ix.session(h.root)
	sess.setCodebase("cb-stale", "other-key")
	assert.Equal(t, res.CodebaseID, sess.resolveCodebase(res.CodebaseID, pathenc.KeyFingerprint(testKey)))

	sess.setCodebase("cb-stale", pathenc.KeyFingerprint(testKey))
	assert.Equal(t, res.CodebaseID, sess.resolveCodebase(res.CodebaseID, pathenc.KeyFingerprint(testKey)))

	sess.setCodebase("cb-stale", pathenc.KeyFingerprint(testKey))
	assert.Empty(t, sess.resolveCodebase("", pathenc.KeyFingerprint(testKey)), "an empty record is never filled from the cache")
	assert.Empty(t, sess.codebaseID)
}

func TestStatusAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, map[string]string{"a.txt": "1"}, func(o *Options) { o.Metrics = metrics })

	before, err := h.ix.Status(h.root)
	require.NoError(t, err)
	assert.False(t, before.Indexed)

	res := h.index()
	after, err := h.ix.Status(h.root)
	require.NoError(t, err)
	assert.True(t, after.Indexed)
	assert.Equal(t, res.CodebaseID, after.CodebaseID)
	assert.True(t, after.Watching)

	all, err := h.ix.Workspaces()
	require.NoError(t, err)
	require.Len(t, all, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.runs.WithLabelValues("index", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.files.WithLabelValues("uploaded")))
}
