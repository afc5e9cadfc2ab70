// Package search runs queries against the remote index for the indexed
// workspace and maps the results back to plain paths.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gobwas/glob"

	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/state"
)

// DefaultMaxResults is used when a query does not set MaxResults.
const DefaultMaxResults = 10

// ErrNoSingleWorkspace is returned when more than one workspace is indexed.
var ErrNoSingleWorkspace = errors.New("search needs exactly one indexed workspace")

// Peer is the part of the index service search needs.
type Peer interface {
	Search(ctx context.Context, req remote.SearchRequest) (remote.SearchResponse, error)
}

// Syncer brings a workspace up to date before a query.
type Syncer interface {
	SyncIfNeeded(ctx context.Context, workspacePath string) (*indexer.SyncResult, error)
}

// Query is one search request.
type Query struct {
	Text       string
	Include    string
	Exclude    string
	MaxResults int
}

// Hit is one result with a plain path.
type Hit struct {
	Path      string  `json:"path"`
	Score     float32 `json:"score"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
}

// Response is the filtered result set. Total counts every hit that passed
// the filters before truncation.
type Response struct {
	Total int   `json:"total"`
	Hits  []Hit `json:"hits"`
}

// Searcher answers queries for the single indexed workspace.
type Searcher struct {
	peer   Peer
	store  *state.Store
	syncer Syncer
	logger *slog.Logger
}

// New creates a Searcher. syncer may be nil to skip the pre-search sync.
func New(peer Peer, store *state.Store, syncer Syncer, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Searcher{peer: peer, store: store, syncer: syncer, logger: logger}
}

// Search syncs pending changes, queries the index and filters the hits.
func (s *Searcher) Search(ctx context.Context, q Query) (*Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("query cannot be empty")
	}
	include, err := compile(q.Include)
	if err != nil {
		return nil, fmt.Errorf("invalid include glob: %w", err)
	}
	exclude, err := compile(q.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude glob: %w", err)
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	st, err := s.workspace()
	if err != nil {
		return nil, err
	}
	if s.syncer != nil {
		if _, err := s.syncer.SyncIfNeeded(ctx, st.WorkspacePath); err != nil {
			s.logger.Warn("pre-search sync failed; searching the last synced state", "repo", st.RepoName, "error", err)
		}
		// The sync may have replaced the codebase ID.
		if fresh, ok, err := s.store.Load(st.WorkspacePath); err == nil && ok && fresh.Indexed() {
			st = fresh
		}
	}

	key, err := st.Key()
	if err != nil {
		return nil, err
	}
	scheme, err := pathenc.NewScheme(key)
	if err != nil {
		return nil, err
	}

	resp, err := s.peer.Search(ctx, remote.SearchRequest{
		CodebaseID: st.CodebaseID,
		Query:      q.Text,
		TopK:       limit,
		Repository: remote.RepositoryInfo{
			Name:                  st.RepoName,
			Owner:                 st.RepoOwner,
			RelativeWorkspacePath: pathenc.Root,
			IsLocal:               true,
			Seed:                  st.FingerprintSeed,
		},
	})
	if err != nil {
		return nil, err
	}

	out := &Response{Hits: []Hit{}}
	for _, r := range resp.Results {
		p, err := scheme.Decode(r.EncodedPath)
		if err != nil {
			p = r.EncodedPath
		}
		p = strings.TrimPrefix(p, "./")
		if include != nil && !include.Match(p) {
			continue
		}
		if exclude != nil && exclude.Match(p) {
			continue
		}
		out.Total++
		if len(out.Hits) < limit {
			out.Hits = append(out.Hits, Hit{Path: p, Score: r.Score, StartLine: r.StartLine, EndLine: r.EndLine})
		}
	}
	return out, nil
}

func (s *Searcher) workspace() (*state.WorkspaceState, error) {
	all, err := s.store.List()
	if err != nil {
		return nil, err
	}
	var indexed []*state.WorkspaceState
	for _, st := range all {
		if st.Indexed() {
			indexed = append(indexed, st)
		}
	}
	switch len(indexed) {
	case 0:
		return nil, indexer.ErrNotIndexed
	case 1:
		return indexed[0], nil
	default:
		return nil, fmt.Errorf("%w: found %d", ErrNoSingleWorkspace, len(indexed))
	}
}

func compile(pattern string) (glob.Glob, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	return glob.Compile(pattern, '/')
}
