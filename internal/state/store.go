package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

const (
	stateFileName    = "state.json"
	fileListFileName = "embeddable_files.txt"
	projectsDirName  = "projects"
)

// Store keeps one directory per workspace under a data directory.
type Store struct {
	dataDir string
}

// NewStore creates a store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// DefaultDataDir is where state lives when no data directory is configured.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".codeindex"), nil
}

// ProjectDir returns the directory holding a workspace's files.
func (s *Store) ProjectDir(workspacePath string) string {
	return filepath.Join(s.dataDir, projectsDirName, projectDirName(workspacePath))
}

// Load reads the state for a workspace. ok is false when none exists.
func (s *Store) Load(workspacePath string) (*WorkspaceState, bool, error) {
	var st WorkspaceState
	ok, err := readJSON(filepath.Join(s.ProjectDir(workspacePath), stateFileName), &st)
	if err != nil {
		return nil, ok, fmt.Errorf("load state for %s: %w", workspacePath, err)
	}
	if !ok {
		return nil, false, nil
	}
	if st.WorkspacePath == "" {
		st.WorkspacePath = workspacePath
	}
	return &st, true, nil
}

// LoadOrNew returns the stored state or a fresh record.
func (s *Store) LoadOrNew(workspacePath string) (*WorkspaceState, error) {
	st, ok, err := s.Load(workspacePath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return New(workspacePath), nil
	}
	return st, nil
}

// Save writes the state atomically.
func (s *Store) Save(st *WorkspaceState) error {
	if st.WorkspacePath == "" {
		return fmt.Errorf("state has no workspace path")
	}
	dir := s.ProjectDir(st.WorkspacePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	r, err := encodeState(st)
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(dir, stateFileName), r)
}

// List returns every stored workspace, sorted by path. Unreadable records
// are skipped.
func (s *Store) List() ([]*WorkspaceState, error) {
	root := filepath.Join(s.dataDir, projectsDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*WorkspaceState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var st WorkspaceState
		ok, err := readJSON(filepath.Join(root, entry.Name(), stateFileName), &st)
		if err != nil || !ok || st.WorkspacePath == "" {
			continue
		}
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspacePath < out[j].WorkspacePath })
	return out, nil
}

// LoadFileList reads the cached discovery list. Blank lines and lines
// starting with '#' are ignored.
func (s *Store) LoadFileList(workspacePath string) ([]string, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.ProjectDir(workspacePath), fileListFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var files []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		files = append(files, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, true, err
	}
	return files, true, nil
}

// SaveFileList writes the discovery list, one relative path per line.
func (s *Store) SaveFileList(workspacePath string, files []string) error {
	dir := s.ProjectDir(workspacePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, f := range files {
		buf.WriteString(f)
		buf.WriteByte('\n')
	}
	return atomic.WriteFile(filepath.Join(dir, fileListFileName), &buf)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, err
	}
	return true, nil
}
