package indexer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adamavenir/codeindex/internal/merkle"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/reconcile"
	"github.com/adamavenir/codeindex/internal/upload"
	"github.com/adamavenir/codeindex/internal/workspace"
)

// SyncResult summarizes one incremental sync. Ran is false when there was
// nothing pending.
type SyncResult struct {
	WorkspacePath string         `json:"workspacePath"`
	Ran           bool           `json:"ran"`
	CodebaseID    string         `json:"codebaseId,omitempty"`
	Changed       []string       `json:"changed,omitempty"`
	Upload        upload.Report  `json:"upload"`
	Reconcile     ReconcileStats `json:"reconcile"`
}

// ReconcileStats are the node counts of the reconciliation pass.
type ReconcileStats struct {
	Visited   int  `json:"visited"`
	Matched   int  `json:"matched"`
	Dropped   int  `json:"dropped"`
	Abandoned int  `json:"abandoned"`
	Truncated bool `json:"truncated"`
}

// SyncIfNeeded reconciles and uploads changes when the workspace has been
// marked pending. Concurrent callers for the same workspace share one run.
func (ix *Indexer) SyncIfNeeded(ctx context.Context, workspacePath string) (*SyncResult, error) {
	root, err := workspace.Canonical(workspacePath)
	if err != nil {
		return nil, err
	}
	return ix.syncSession(ctx, ix.session(root))
}

// Sync marks the workspace pending and syncs it.
func (ix *Indexer) Sync(ctx context.Context, workspacePath string) (*SyncResult, error) {
	if err := ix.MarkPending(workspacePath); err != nil {
		return nil, err
	}
	return ix.SyncIfNeeded(ctx, workspacePath)
}

func (ix *Indexer) syncSession(ctx context.Context, sess *Session) (*SyncResult, error) {
	if !sess.pending.Load() {
		ix.metrics.observeSkip("sync")
		return &SyncResult{WorkspacePath: sess.Path}, nil
	}
	v, err, _ := ix.syncs.Do(sess.Path, func() (any, error) {
		sess.runMu.Lock()
		defer sess.runMu.Unlock()
		// Cleared before the run so edits made while it is in flight set it again.
		if !sess.pending.Swap(false) {
			return &SyncResult{WorkspacePath: sess.Path}, nil
		}
		start := ix.now()
		result, err := ix.incremental(ctx, sess)
		ix.metrics.observeRun("sync", err, time.Since(start))
		if err != nil {
			sess.pending.Store(true)
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (ix *Indexer) incremental(ctx context.Context, sess *Session) (*SyncResult, error) {
	ctx, span := tracer.Start(ctx, "indexer.Sync")
	defer span.End()

	root := sess.Path
	st, ok, err := ix.store.Load(root)
	if err != nil {
		return nil, err
	}
	if !ok || st.PathKey == "" || st.FingerprintSeed == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNotIndexed)
	}
	scheme, key, err := ix.schemeFor(st)
	if err != nil {
		return nil, err
	}
	pathKeyHash := pathenc.KeyFingerprint(key)
	codebaseID := sess.resolveCodebase(st.CodebaseID, pathKeyHash)
	if codebaseID == "" {
		return nil, fmt.Errorf("%s: %w", root, ErrNotIndexed)
	}

	tree, err := merkle.Build(ctx, root, merkle.Options{Matcher: ix.matcher, MaxFiles: ix.cfg.MaxFiles, MaxFileSize: ix.cfg.MaxFileSize})
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}

	engine := reconcile.New(ix.peer, scheme, tree, reconcile.DirLister{Root: root, Matcher: ix.matcher}, reconcile.Options{
		Pool:          ix.poolOptions(),
		MaxIterations: ix.cfg.MaxIterations,
		Logger:        ix.logger,
	})
	rec, err := engine.Run(ctx, codebaseID, st.FingerprintSeed)
	if err != nil {
		return nil, err
	}
	ix.metrics.observeReconcile(rec)

	uploader := upload.New(ix.peer, scheme, root, upload.Options{Pool: ix.poolOptions(), MaxFileSize: ix.cfg.MaxFileSize, Logger: ix.logger})
	report := uploader.Upload(ctx, rec.Changed, codebaseID, st.FingerprintSeed)
	ix.metrics.observeUpload(report)

	if err := ix.finish(ctx, codebaseID, tree.Fingerprint(st.FingerprintSeed), pathKeyHash); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("confirm sync: %w", err)
	}

	st.LastSyncAt = ix.now().Unix()
	if err := ix.store.Save(st); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("sync.changed", len(rec.Changed)),
		attribute.Int("sync.uploaded", report.Uploaded),
	)
	ix.logger.Info("workspace synced", "repo", st.RepoName, "changed", len(rec.Changed),
		"uploaded", report.Uploaded, "truncated", rec.Truncated)
	return &SyncResult{
		WorkspacePath: root,
		Ran:           true,
		CodebaseID:    codebaseID,
		Changed:       rec.Changed,
		Upload:        report,
		Reconcile: ReconcileStats{
			Visited:   rec.Visited,
			Matched:   rec.Matched,
			Dropped:   rec.Dropped,
			Abandoned: rec.Abandoned,
			Truncated: rec.Truncated,
		},
	}, nil
}
