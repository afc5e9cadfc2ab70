// Package reconcile finds which workspace files differ from what the remote
// index holds by walking the Merkle tree breadth first against the peer.
package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/pool"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/workspace"
)

// DefaultMaxIterations bounds how many nodes one run negotiates.
const DefaultMaxIterations = 10000

var tracer = otel.Tracer("github.com/adamavenir/codeindex/internal/reconcile")

// Peer is the part of the index service the engine needs.
type Peer interface {
	ReconcileNode(ctx context.Context, req remote.ReconcileRequest) (remote.ReconcileResponse, error)
}

// Hasher returns the local hash for a relative path.
type Hasher interface {
	SubtreeHash(rel string) (string, error)
}

// Lister returns the real children of a directory, ignore rules applied.
type Lister interface {
	ListChildren(rel string) ([]workspace.Entry, error)
	IsRegularFile(rel string) bool
}

// DirLister lists children straight from disk.
type DirLister struct {
	Root    string
	Matcher *workspace.Matcher
}

// ListChildren implements Lister.
func (d DirLister) ListChildren(rel string) ([]workspace.Entry, error) {
	return workspace.ListChildren(d.Root, rel, d.Matcher)
}

// IsRegularFile implements Lister.
func (d DirLister) IsRegularFile(rel string) bool {
	return workspace.IsRegularFile(d.Root, rel)
}

// Options configures an Engine.
type Options struct {
	Pool          pool.Options
	MaxIterations int
	Logger        *slog.Logger
}

// Engine runs reconciliation for one workspace snapshot.
type Engine struct {
	peer   Peer
	scheme *pathenc.Scheme
	hasher Hasher
	lister Lister
	opts   Options
	logger *slog.Logger
}

// Result is the outcome of one run.
type Result struct {
	// Changed holds relative file paths to upload, sorted and unique.
	Changed []string `json:"changed"`
	// Visited counts nodes sent to the peer.
	Visited int `json:"visited"`
	Matched int `json:"matched"`
	// Dropped counts nodes whose negotiation failed after retries, or that
	// were skipped after truncation.
	Dropped int `json:"dropped"`
	// Abandoned counts nodes whose local state could not be read.
	Abandoned int  `json:"abandoned"`
	Truncated bool `json:"truncated"`
}

// New creates an Engine.
func New(peer Peer, scheme *pathenc.Scheme, hasher Hasher, lister Lister, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Pool.Logger = logger
	return &Engine{peer: peer, scheme: scheme, hasher: hasher, lister: lister, opts: opts, logger: logger}
}

type nodeOutcome struct {
	node      string
	matched   bool
	abandoned bool
	changed   []string
	descend   []string
	err       error
}

// Run negotiates from the root until every mismatch is resolved or the
// iteration ceiling is reached. Nodes that fail are dropped and counted; Run
// only returns an error when ctx is canceled before it finishes.
func (e *Engine) Run(ctx context.Context, codebaseID string, seed int64) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Run")
	defer span.End()

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := pool.New(e.opts.Pool)
	outcomes := make(chan nodeOutcome)
	queue := []string{pathenc.Root}
	visited := map[string]bool{}
	changed := map[string]struct{}{}
	result := &Result{}
	inFlight := 0

	for {
		for len(queue) > 0 && !result.Truncated {
			node := queue[0]
			queue = queue[1:]
			if visited[node] {
				continue
			}
			if result.Visited >= e.opts.MaxIterations {
				result.Truncated = true
				cancel()
				e.logger.Warn("reconcile iteration ceiling reached; returning partial change set",
					"max_iterations", e.opts.MaxIterations, "queued", len(queue)+1)
				break
			}
			visited[node] = true

			hash, err := e.hasher.SubtreeHash(node)
			if err != nil {
				result.Abandoned++
				e.logger.Debug("abandoning node without local hash", "error", err)
				continue
			}
			result.Visited++
			inFlight++
			e.dispatch(dispatchCtx, exec, codebaseID, seed, node, hash, outcomes)
		}
		if inFlight == 0 {
			break
		}

		out := <-outcomes
		inFlight--
		switch {
		case out.err != nil:
			result.Dropped++
			if !errors.Is(out.err, pool.ErrSkipped) {
				e.logger.Warn("reconcile node failed after retries", "error", out.err)
			}
		case out.abandoned:
			result.Abandoned++
		case out.matched:
			result.Matched++
		}
		for _, rel := range out.changed {
			changed[rel] = struct{}{}
		}
		if !result.Truncated {
			queue = append(queue, out.descend...)
		}
	}
	exec.Wait()

	result.Changed = make([]string, 0, len(changed))
	for rel := range changed {
		result.Changed = append(result.Changed, rel)
	}
	sort.Strings(result.Changed)

	span.SetAttributes(
		attribute.Int("reconcile.visited", result.Visited),
		attribute.Int("reconcile.changed", len(result.Changed)),
		attribute.Int("reconcile.dropped", result.Dropped),
		attribute.Bool("reconcile.truncated", result.Truncated),
	)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, exec *pool.Executor, codebaseID string, seed int64, node, hash string, outcomes chan<- nodeOutcome) {
	var out nodeOutcome
	exec.Submit(ctx, func(taskCtx context.Context) error {
		resp, err := e.peer.ReconcileNode(taskCtx, remote.ReconcileRequest{
			CodebaseID:  codebaseID,
			Seed:        seed,
			EncodedPath: e.scheme.Encode(node),
			Hash:        hash,
		})
		if err != nil {
			return err
		}
		out = e.resolve(node, resp)
		return nil
	}, func(err error) {
		if err != nil {
			out = nodeOutcome{node: node, err: err}
		}
		outcomes <- out
	})
}

// resolve turns the peer's answer for node into changed files and
// directories to negotiate next.
func (e *Engine) resolve(node string, resp remote.ReconcileResponse) nodeOutcome {
	out := nodeOutcome{node: node}
	if resp.Match {
		out.matched = true
		return out
	}

	children, err := e.lister.ListChildren(node)
	if err != nil {
		// A file node or a vanished directory.
		if len(resp.Children) == 0 && node != pathenc.Root && e.lister.IsRegularFile(node) {
			out.changed = append(out.changed, node)
			return out
		}
		e.logger.Debug("abandoning node whose children cannot be listed", "error", err)
		out.abandoned = true
		return out
	}

	children = e.snapshotted(children)

	if len(resp.Children) == 0 {
		if len(children) == 0 && node != pathenc.Root {
			if e.lister.IsRegularFile(node) {
				out.changed = append(out.changed, node)
			}
			return out
		}
		for _, child := range children {
			out.add(child)
		}
		return out
	}

	hints := make(map[string]string, len(resp.Children))
	for _, hint := range resp.Children {
		rel, err := e.scheme.Decode(hint.EncodedPath)
		if err != nil {
			continue
		}
		hints[rel] = hint.Hash
	}

	for _, child := range children {
		remoteHash, shared := hints[child.Rel]
		if !shared {
			out.add(child)
			continue
		}
		if localHash, _ := e.hasher.SubtreeHash(child.Rel); localHash != remoteHash {
			out.add(child)
		}
	}
	return out
}

// snapshotted keeps the children the local tree holds. Files past the
// discovery cap or over the size ceiling are on disk but never uploaded, so
// reporting them would repeat on every sync.
func (e *Engine) snapshotted(children []workspace.Entry) []workspace.Entry {
	kept := children[:0]
	for _, child := range children {
		if _, err := e.hasher.SubtreeHash(child.Rel); err == nil {
			kept = append(kept, child)
		}
	}
	return kept
}

func (o *nodeOutcome) add(child workspace.Entry) {
	if child.IsDir {
		o.descend = append(o.descend, child.Rel)
		return
	}
	o.changed = append(o.changed, child.Rel)
}
