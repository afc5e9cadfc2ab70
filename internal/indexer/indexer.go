// Package indexer drives the workspace lifecycle: the first full index, the
// change watcher, and periodic incremental syncs against the index service.
package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/pool"
	"github.com/adamavenir/codeindex/internal/reconcile"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/state"
	"github.com/adamavenir/codeindex/internal/upload"
	"github.com/adamavenir/codeindex/internal/watch"
	"github.com/adamavenir/codeindex/internal/workspace"
)

var tracer = otel.Tracer("github.com/adamavenir/codeindex/internal/indexer")

var (
	// ErrNotIndexed is returned when a workspace has no completed full index.
	ErrNotIndexed = errors.New("workspace not indexed yet")
	// ErrNothingToIndex is returned when discovery finds no eligible files.
	ErrNothingToIndex = errors.New("no files to index")
)

// Config tunes batching, limits and scheduling.
type Config struct {
	BatchSize      int
	MaxFiles       int
	MaxFileSize    int64
	Concurrency    int
	MaxRetries     int
	RetryDelay     time.Duration
	MaxIterations  int
	SyncInterval   time.Duration
	IgnorePatterns []string
	// DisableWatch turns off the file watcher; syncs then need MarkPending.
	DisableWatch bool
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		MaxFiles:      20000,
		MaxFileSize:   upload.DefaultMaxFileSize,
		Concurrency:   8,
		MaxRetries:    3,
		RetryDelay:    200 * time.Millisecond,
		MaxIterations: reconcile.DefaultMaxIterations,
		SyncInterval:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = d.MaxFiles
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	return c
}

// WatchFunc starts watching root and calls onChange for each relevant change.
type WatchFunc func(ctx context.Context, root string, matcher *workspace.Matcher, onChange func(rel string)) (io.Closer, error)

// Options configures an Indexer.
type Options struct {
	Peer    remote.Peer
	Store   *state.Store
	Config  Config
	Logger  *slog.Logger
	Metrics *Metrics
	// Watch replaces the fsnotify watcher, mainly for tests.
	Watch WatchFunc
	// Now replaces the clock.
	Now func() time.Time
}

// Indexer owns one Session per workspace. Runs for the same workspace are
// serialized; concurrent sync triggers share a single run.
type Indexer struct {
	peer    remote.Peer
	store   *state.Store
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	watch   WatchFunc
	matcher *workspace.Matcher
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	syncs    singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Session is the runtime state of one workspace.
type Session struct {
	Path string

	runMu   sync.Mutex
	pending atomic.Bool

	mu             sync.Mutex
	codebaseID     string
	keyFingerprint string
	watcher        io.Closer
	scheduled      bool
	stop           context.CancelFunc
}

// New creates an Indexer.
func New(opts Options) (*Indexer, error) {
	if opts.Peer == nil {
		return nil, errors.New("indexer: peer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("indexer: store is required")
	}
	cfg := opts.Config.withDefaults()
	matcher, err := workspace.NewMatcher(cfg.IgnorePatterns...)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	watchFn := opts.Watch
	if watchFn == nil {
		watchFn = fsWatch(logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		peer:     opts.Peer,
		store:    opts.Store,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		watch:    watchFn,
		matcher:  matcher,
		now:      now,
		sessions: map[string]*Session{},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func fsWatch(logger *slog.Logger) WatchFunc {
	return func(ctx context.Context, root string, matcher *workspace.Matcher, onChange func(string)) (io.Closer, error) {
		w := watch.New(root, matcher, onChange, logger)
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Config returns the effective configuration.
func (ix *Indexer) Config() Config {
	return ix.cfg
}

// Store returns the state store.
func (ix *Indexer) Store() *state.Store {
	return ix.store
}

func (ix *Indexer) session(root string) *Session {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sess, ok := ix.sessions[root]
	if !ok {
		sess = &Session{Path: root}
		ix.sessions[root] = sess
	}
	return sess
}

// MarkPending records that the workspace changed since the last sync.
func (ix *Indexer) MarkPending(workspacePath string) error {
	root, err := workspace.Canonical(workspacePath)
	if err != nil {
		return err
	}
	ix.session(root).pending.Store(true)
	return nil
}

// Pending reports whether the workspace has unsynced changes.
func (ix *Indexer) Pending(workspacePath string) bool {
	root, err := workspace.Canonical(workspacePath)
	if err != nil {
		return false
	}
	ix.mu.Lock()
	sess, ok := ix.sessions[root]
	ix.mu.Unlock()
	return ok && sess.pending.Load()
}

// Close stops every watcher and scheduled sync.
func (ix *Indexer) Close() error {
	ix.cancel()
	ix.mu.Lock()
	sessions := make([]*Session, 0, len(ix.sessions))
	for _, sess := range ix.sessions {
		sessions = append(sessions, sess)
	}
	ix.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.stop != nil {
			sess.stop()
		}
		if sess.watcher != nil {
			if err := sess.watcher.Close(); err != nil {
				errs = append(errs, err)
			}
			sess.watcher = nil
		}
		sess.scheduled = false
		sess.mu.Unlock()
	}
	ix.wg.Wait()
	return errors.Join(errs...)
}

// startBackground starts the watcher and periodic sync once per workspace.
func (ix *Indexer) startBackground(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.scheduled || ix.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(ix.ctx)
	sess.stop = cancel
	sess.scheduled = true

	if !ix.cfg.DisableWatch {
		w, err := ix.watch(ctx, sess.Path, ix.matcher, func(string) { sess.pending.Store(true) })
		if err != nil {
			ix.logger.Warn("file watcher unavailable; changes are picked up only when marked", "workspace", sess.Path, "error", err)
		} else {
			sess.watcher = w
		}
	}

	if ix.cfg.SyncInterval <= 0 {
		return
	}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ticker := time.NewTicker(ix.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := ix.syncSession(ctx, sess); err != nil && !errors.Is(err, context.Canceled) {
					ix.logger.Warn("scheduled sync failed", "workspace", sess.Path, "error", err)
				}
			}
		}
	}()
}

// Watching reports whether background sync is running for the workspace.
func (ix *Indexer) Watching(workspacePath string) bool {
	root, err := workspace.Canonical(workspacePath)
	if err != nil {
		return false
	}
	ix.mu.Lock()
	sess, ok := ix.sessions[root]
	ix.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.scheduled
}

func (sess *Session) setCodebase(id, keyFingerprint string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.codebaseID = id
	sess.keyFingerprint = keyFingerprint
}

// resolveCodebase returns the persisted ID. The cache is refreshed whenever
// it disagrees with the record or the current key.
func (sess *Session) resolveCodebase(persisted, keyFingerprint string) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.codebaseID != persisted || sess.keyFingerprint != keyFingerprint {
		sess.codebaseID = persisted
		sess.keyFingerprint = keyFingerprint
	}
	return persisted
}

func (ix *Indexer) poolOptions() pool.Options {
	return pool.Options{
		MaxParallel: ix.cfg.Concurrency,
		MaxRetries:  ix.cfg.MaxRetries,
		RetryDelay:  ix.cfg.RetryDelay,
		Retryable:   remote.IsRetryable,
		Logger:      ix.logger,
	}
}

func (ix *Indexer) schemeFor(st *state.WorkspaceState) (*pathenc.Scheme, []byte, error) {
	key, err := st.Key()
	if err != nil {
		return nil, nil, err
	}
	scheme, err := pathenc.NewScheme(key)
	if err != nil {
		return nil, nil, err
	}
	return scheme, key, nil
}

// finish runs ensure-index then confirm for a batch or sync.
func (ix *Indexer) finish(ctx context.Context, codebaseID string, fingerprint []float32, pathKeyHash string) error {
	opts := ix.poolOptions()
	if err := pool.Retry(ctx, opts, func(ctx context.Context) error {
		return ix.peer.EnsureIndex(ctx, remote.EnsureIndexRequest{CodebaseID: codebaseID})
	}); err != nil {
		return err
	}
	return pool.Retry(ctx, opts, func(ctx context.Context) error {
		return ix.peer.ConfirmSync(ctx, remote.ConfirmRequest{
			CodebaseID:  codebaseID,
			Status:      remote.SyncStatusSuccess,
			Fingerprint: fingerprint,
			PathKeyHash: pathKeyHash,
		})
	})
}
