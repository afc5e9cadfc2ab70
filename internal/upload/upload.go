// Package upload sends changed workspace files to the remote index.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/adamavenir/codeindex/internal/merkle"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/pool"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/workspace"
)

// DefaultMaxFileSize is the upload size ceiling.
const DefaultMaxFileSize int64 = 1 << 20

var (
	errOversize   = errors.New("file exceeds size limit")
	errUnreadable = errors.New("file unreadable")
)

// skipped reports errors for files that were never sent. They are not retried.
func skipped(err error) bool {
	return errors.Is(err, errOversize) || errors.Is(err, errUnreadable)
}

// Peer is the part of the index service the uploader needs.
type Peer interface {
	UploadFile(ctx context.Context, req remote.UploadRequest) error
}

// Options configures an Uploader.
type Options struct {
	Pool        pool.Options
	MaxFileSize int64
	Logger      *slog.Logger
}

// Uploader reads, hashes and sends files from one workspace.
type Uploader struct {
	peer   Peer
	scheme *pathenc.Scheme
	root   string
	opts   Options
	logger *slog.Logger
}

// Report counts how each file ended. Files that were never read (oversize,
// unreadable) are not retried.
type Report struct {
	Uploaded   int      `json:"uploaded"`
	Oversize   int      `json:"oversize"`
	Unreadable int      `json:"unreadable"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Paths      []string `json:"paths,omitempty"`
}

// Add merges another report into r.
func (r *Report) Add(other Report) {
	r.Uploaded += other.Uploaded
	r.Oversize += other.Oversize
	r.Unreadable += other.Unreadable
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Paths = append(r.Paths, other.Paths...)
}

// New creates an Uploader for the workspace at root.
func New(peer Peer, scheme *pathenc.Scheme, root string, opts Options) *Uploader {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Pool.Logger = logger
	retryable := opts.Pool.Retryable
	opts.Pool.Retryable = func(err error) bool {
		if skipped(err) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	return &Uploader{peer: peer, scheme: scheme, root: root, opts: opts, logger: logger}
}

// Upload sends files and waits for every attempt to settle.
func (u *Uploader) Upload(ctx context.Context, files []string, codebaseID string, seed int64) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	exec := pool.New(u.opts.Pool)
	for _, rel := range files {
		rel := pathenc.Clean(rel)
		// Content is read only once the task holds a slot.
		exec.Submit(ctx, func(taskCtx context.Context) error {
			req, err := u.prepare(rel, codebaseID, seed)
			if err != nil {
				return err
			}
			return u.peer.UploadFile(taskCtx, req)
		}, func(err error) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Uploaded++
				report.Paths = append(report.Paths, rel)
			case errors.Is(err, pool.ErrSkipped):
				report.Skipped++
			case errors.Is(err, errOversize):
				report.Oversize++
				u.logger.Debug("skipping file", "path", rel, "error", err)
			case errors.Is(err, errUnreadable):
				report.Unreadable++
				u.logger.Debug("skipping file", "path", rel, "error", err)
			default:
				report.Failed++
				u.logger.Warn("upload failed after retries", "error", err)
			}
		})
	}
	exec.Wait()
	sort.Strings(report.Paths)
	return report
}

func (u *Uploader) prepare(rel, codebaseID string, seed int64) (remote.UploadRequest, error) {
	size, err := workspace.FileSize(u.root, rel)
	if err != nil {
		return remote.UploadRequest{}, fmt.Errorf("%w: %w", errUnreadable, err)
	}
	if size > u.opts.MaxFileSize {
		return remote.UploadRequest{}, fmt.Errorf("%d bytes: %w", size, errOversize)
	}
	content, err := os.ReadFile(workspace.Abs(u.root, rel))
	if err != nil {
		return remote.UploadRequest{}, fmt.Errorf("%w: %w", errUnreadable, err)
	}
	if int64(len(content)) > u.opts.MaxFileSize {
		return remote.UploadRequest{}, fmt.Errorf("%d bytes: %w", len(content), errOversize)
	}

	spline := Spline(rel)
	for i, ancestor := range spline {
		spline[i] = u.scheme.Encode(ancestor)
	}
	return remote.UploadRequest{
		CodebaseID:     codebaseID,
		Seed:           seed,
		EncodedPath:    u.scheme.Encode(rel),
		Content:        content,
		ContentHash:    merkle.HashBytes(content),
		AncestorSpline: spline,
		UpdateType:     remote.UpdateUpsert,
	}, nil
}

// Spline lists the ancestor directories of rel from the top down, excluding
// rel itself. Top-level files get the root, ".".
func Spline(rel string) []string {
	parent := merkle.Parent(rel)
	if parent == pathenc.Root {
		return []string{pathenc.Root}
	}
	parts := strings.Split(parent, "/")
	spline := make([]string, len(parts))
	for i := range parts {
		spline[i] = strings.Join(parts[:i+1], "/")
	}
	return spline
}
