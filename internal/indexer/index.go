package indexer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adamavenir/codeindex/internal/merkle"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/pool"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/state"
	"github.com/adamavenir/codeindex/internal/upload"
	"github.com/adamavenir/codeindex/internal/workspace"
)

// IndexResult summarizes a full index.
type IndexResult struct {
	WorkspacePath string    `json:"workspacePath"`
	CodebaseID    string    `json:"codebaseId"`
	Uploaded      int       `json:"uploaded"`
	Batches       int       `json:"batches"`
	Oversize      int       `json:"oversize,omitempty"`
	Unreadable    int       `json:"unreadable,omitempty"`
	Failed        int       `json:"failed,omitempty"`
	NextSyncAt    time.Time `json:"nextSyncAt"`
	Files         []string  `json:"files,omitempty"`
}

// Index uploads the whole workspace in batches, persists the codebase ID and
// starts background sync. Running it again on an unchanged workspace yields
// the same codebase ID.
func (ix *Indexer) Index(ctx context.Context, workspacePath string, verbose bool) (*IndexResult, error) {
	ctx, span := tracer.Start(ctx, "indexer.Index")
	defer span.End()

	root, err := workspace.Canonical(workspacePath)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("workspace.repo", state.RepoName(root)))

	sess := ix.session(root)
	sess.runMu.Lock()
	start := ix.now()
	result, err := ix.fullIndex(ctx, sess)
	sess.runMu.Unlock()
	ix.metrics.observeRun("index", err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ix.startBackground(sess)
	result.NextSyncAt = ix.now().Add(ix.cfg.SyncInterval)
	if !verbose {
		result.Files = nil
	}
	span.SetAttributes(attribute.Int("index.uploaded", result.Uploaded), attribute.Int("index.batches", result.Batches))
	ix.logger.Info("workspace indexed", "repo", state.RepoName(root), "codebase_id", result.CodebaseID,
		"uploaded", result.Uploaded, "batches", result.Batches)
	return result, nil
}

func (ix *Indexer) fullIndex(ctx context.Context, sess *Session) (*IndexResult, error) {
	root := sess.Path
	st, err := ix.store.LoadOrNew(root)
	if err != nil {
		return nil, err
	}
	changed, err := st.EnsureIdentity()
	if err != nil {
		return nil, err
	}
	if changed {
		// The key must be on disk before any encoded path leaves the process.
		if err := ix.store.Save(st); err != nil {
			return nil, fmt.Errorf("persist workspace identity: %w", err)
		}
	}
	scheme, key, err := ix.schemeFor(st)
	if err != nil {
		return nil, err
	}

	files, err := ix.fileList(ctx, root)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.Build(ctx, root, merkle.Options{Matcher: ix.matcher, MaxFiles: ix.cfg.MaxFiles, MaxFileSize: ix.cfg.MaxFileSize})
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}

	eligible := make([]string, 0, len(files))
	for _, rel := range files {
		size, err := workspace.FileSize(root, rel)
		if err != nil || size > ix.cfg.MaxFileSize {
			continue
		}
		eligible = append(eligible, rel)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNothingToIndex)
	}

	uploader := upload.New(ix.peer, scheme, root, upload.Options{Pool: ix.poolOptions(), MaxFileSize: ix.cfg.MaxFileSize, Logger: ix.logger})
	fingerprint := tree.Fingerprint(st.FingerprintSeed)
	pathKeyHash := pathenc.KeyFingerprint(key)
	handshake := remote.HandshakeRequest{
		Repository: remote.RepositoryInfo{
			Name:                  st.RepoName,
			Owner:                 st.RepoOwner,
			RelativeWorkspacePath: pathenc.Root,
			IsLocal:               true,
			Seed:                  st.FingerprintSeed,
		},
		RootHash:        tree.RootHash(),
		Fingerprint:     fingerprint,
		FingerprintKind: remote.FingerprintKind,
		PathKeyHash:     pathKeyHash,
	}

	result := &IndexResult{WorkspacePath: root}
	var report upload.Report
	for start := 0; start < len(eligible); start += ix.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+ix.cfg.BatchSize, len(eligible))
		batch := eligible[start:end]

		var resp remote.HandshakeResponse
		err := pool.Retry(ctx, ix.poolOptions(), func(ctx context.Context) error {
			var err error
			resp, err = ix.peer.Handshake(ctx, handshake)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("handshake for batch %d: %w", result.Batches+1, err)
		}
		if result.CodebaseID != "" && resp.CodebaseID != result.CodebaseID {
			ix.logger.Warn("index service changed codebase id between batches", "previous", result.CodebaseID, "current", resp.CodebaseID)
		}
		result.CodebaseID = resp.CodebaseID

		batchReport := uploader.Upload(ctx, batch, resp.CodebaseID, st.FingerprintSeed)
		report.Add(batchReport)
		ix.metrics.observeUpload(batchReport)

		if err := ix.finish(ctx, resp.CodebaseID, fingerprint, pathKeyHash); err != nil {
			return nil, fmt.Errorf("confirm batch %d: %w", result.Batches+1, err)
		}
		result.Batches++
		ix.logger.Debug("batch confirmed", "batch", result.Batches, "files", len(batch), "uploaded", batchReport.Uploaded)
	}

	st.CodebaseID = result.CodebaseID
	st.IndexedAt = ix.now().Unix()
	if err := ix.store.Save(st); err != nil {
		return nil, fmt.Errorf("persist codebase id: %w", err)
	}
	sess.setCodebase(result.CodebaseID, pathKeyHash)

	result.Uploaded = report.Uploaded
	result.Oversize = report.Oversize
	result.Unreadable = report.Unreadable
	result.Failed = report.Failed
	result.Files = report.Paths
	return result, nil
}

// fileList returns the cached discovery list, creating it on first use.
func (ix *Indexer) fileList(ctx context.Context, root string) ([]string, error) {
	files, ok, err := ix.store.LoadFileList(root)
	if err != nil {
		return nil, fmt.Errorf("read file list: %w", err)
	}
	if ok {
		return files, nil
	}
	files, err = workspace.Discover(ctx, root, ix.matcher, ix.cfg.MaxFiles)
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	if err := ix.store.SaveFileList(root, files); err != nil {
		return nil, fmt.Errorf("write file list: %w", err)
	}
	return files, nil
}
