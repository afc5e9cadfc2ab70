package indexer

import (
	"github.com/adamavenir/codeindex/internal/state"
	"github.com/adamavenir/codeindex/internal/workspace"
)

// Status describes a workspace as the indexer sees it.
type Status struct {
	WorkspacePath string `json:"workspacePath"`
	RepoName      string `json:"repoName,omitempty"`
	CodebaseID    string `json:"codebaseId,omitempty"`
	Indexed       bool   `json:"indexed"`
	Pending       bool   `json:"pending"`
	Watching      bool   `json:"watching"`
	IndexedAt     int64  `json:"indexedAt,omitempty"`
	LastSyncAt    int64  `json:"lastSyncAt,omitempty"`
}

// Status reports persisted and runtime state for one workspace.
func (ix *Indexer) Status(workspacePath string) (*Status, error) {
	root, err := workspace.Canonical(workspacePath)
	if err != nil {
		return nil, err
	}
	st, err := ix.store.LoadOrNew(root)
	if err != nil {
		return nil, err
	}
	return ix.statusOf(st), nil
}

// Workspaces reports every workspace with persisted state.
func (ix *Indexer) Workspaces() ([]*Status, error) {
	all, err := ix.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(all))
	for _, st := range all {
		out = append(out, ix.statusOf(st))
	}
	return out, nil
}

func (ix *Indexer) statusOf(st *state.WorkspaceState) *Status {
	return &Status{
		WorkspacePath: st.WorkspacePath,
		RepoName:      st.RepoName,
		CodebaseID:    st.CodebaseID,
		Indexed:       st.Indexed(),
		Pending:       ix.Pending(st.WorkspacePath),
		Watching:      ix.Watching(st.WorkspacePath),
		IndexedAt:     st.IndexedAt,
		LastSyncAt:    st.LastSyncAt,
	}
}
