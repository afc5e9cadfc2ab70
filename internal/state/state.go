// Package state persists per-workspace identity: the path key, fingerprint
// seed and the codebase ID the remote index assigned.
package state

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/adamavenir/codeindex/internal/pathenc"
)

const (
	// RepoOwner is the owner reported for every local workspace.
	RepoOwner = "local-user"

	repoNamePrefix = "local-"
	maxSeed        = 1 << 53
)

// WorkspaceState is the persisted record for one workspace.
type WorkspaceState struct {
	WorkspacePath   string `json:"workspace_path"`
	CodebaseID      string `json:"codebase_id,omitempty"`
	PathKey         string `json:"path_key,omitempty"`
	FingerprintSeed int64  `json:"fingerprint_seed,omitempty"`
	RepoName        string `json:"repo_name,omitempty"`
	RepoOwner       string `json:"repo_owner,omitempty"`
	IndexedAt       int64  `json:"indexed_at,omitempty"`
	LastSyncAt      int64  `json:"last_sync_at,omitempty"`
}

// New returns an empty record for workspacePath.
func New(workspacePath string) *WorkspaceState {
	return &WorkspaceState{WorkspacePath: workspacePath}
}

// EnsureIdentity fills in any missing key, seed or repository name. Values
// already present are never replaced. It reports whether anything changed.
func (s *WorkspaceState) EnsureIdentity() (bool, error) {
	changed := false
	if s.PathKey == "" {
		key, err := pathenc.GenerateKey()
		if err != nil {
			return false, err
		}
		s.PathKey = pathenc.FormatKey(key)
		changed = true
	}
	if s.FingerprintSeed == 0 {
		seed, err := randomSeed()
		if err != nil {
			return false, err
		}
		s.FingerprintSeed = seed
		changed = true
	}
	if s.RepoName == "" {
		s.RepoName = RepoName(s.WorkspacePath)
		changed = true
	}
	if s.RepoOwner == "" {
		s.RepoOwner = RepoOwner
		changed = true
	}
	return changed, nil
}

// Key decodes the stored path key.
func (s *WorkspaceState) Key() ([]byte, error) {
	if s.PathKey == "" {
		return nil, fmt.Errorf("workspace %s has no path key", s.WorkspacePath)
	}
	return pathenc.ParseKey(s.PathKey)
}

// Indexed reports whether a full index has completed for this workspace.
func (s *WorkspaceState) Indexed() bool {
	return s.CodebaseID != "" && s.PathKey != ""
}

// RepoName derives the repository name reported for a workspace path.
func RepoName(workspacePath string) string {
	return repoNamePrefix + pathHash(workspacePath)
}

func pathHash(p string) string {
	sum := sha256.Sum256([]byte(p))
	return hex.EncodeToString(sum[:])[:12]
}

// projectDirName is stable for a path and readable in a directory listing.
func projectDirName(workspacePath string) string {
	base := filepath.Base(workspacePath)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "root"
	}
	return base + "-" + pathHash(workspacePath)
}

func randomSeed() (int64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate fingerprint seed: %w", err)
		}
		seed := int64(binary.LittleEndian.Uint64(buf[:]) % maxSeed)
		if seed != 0 {
			return seed, nil
		}
	}
}

func encodeState(s *WorkspaceState) (*bytes.Reader, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	return bytes.NewReader(data), nil
}
