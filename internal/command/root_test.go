package command

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/remote/remotetest"
	"github.com/adamavenir/codeindex/internal/search"
	"github.com/adamavenir/codeindex/internal/state"
	"github.com/adamavenir/codeindex/internal/workspace"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func executeCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

func executeJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	cmd := NewRootCmd("test")
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(args, "--json"))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%s: %v (stderr: %s)", strings.Join(args, " "), err, stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		t.Fatalf("decode %s output %q: %v", args[0], stdout.String(), err)
	}
}

// setupEnv points configuration at a fake index service and a fresh data
// directory, and returns a workspace whose key the fake knows.
func setupEnv(t *testing.T) (*remotetest.Server, string) {
	t.Helper()
	srv, err := remotetest.New(testKey)
	if err != nil {
		t.Fatalf("start fake: %v", err)
	}
	t.Cleanup(srv.Close)

	dataDir := t.TempDir()
	t.Setenv("CODEINDEX_DATA_DIR", dataDir)
	t.Setenv("CODEINDEX_AUTH_TOKEN", remotetest.Token)
	t.Setenv("CODEINDEX_BASE_URL", srv.URL)
	t.Setenv("CODEINDEX_LOG_LEVEL", "error")

	root, err := workspace.Canonical(t.TempDir())
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	st := state.New(root)
	st.PathKey = pathenc.FormatKey(testKey)
	if err := state.NewStore(dataDir).Save(st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	return srv, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRootCommandVersion(t *testing.T) {
	cmd := NewRootCmd("test")

	output, err := executeCommand(cmd, "--version")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.Contains(output, "codeindex version test") {
		t.Fatalf("expected version output, got %q", output)
	}
}

func TestMissingTokenShowsHint(t *testing.T) {
	t.Setenv("CODEINDEX_DATA_DIR", t.TempDir())
	t.Setenv("CODEINDEX_AUTH_TOKEN", "")
	t.Setenv("CODEINDEX_BASE_URL", "https://index.example.com")

	output, err := executeCommand(NewRootCmd("test"), "status")
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !strings.Contains(output, "Hint: export CODEINDEX_AUTH_TOKEN") {
		t.Fatalf("expected token hint, got %q", output)
	}
}

func TestSearchBeforeIndex(t *testing.T) {
	setupEnv(t)

	output, err := executeCommand(NewRootCmd("test"), "search", "anything")
	if err == nil {
		t.Fatal("expected search before index to fail")
	}
	if !strings.Contains(output, "codeindex index <path>") {
		t.Fatalf("expected index hint, got %q", output)
	}
}

func TestIndexSyncSearchFlow(t *testing.T) {
	srv, root := setupEnv(t)
	writeFile(t, root, "a.txt", "1")
	writeFile(t, root, "dir/b.txt", "2")

	var indexed indexer.IndexResult
	executeJSON(t, &indexed, "index", root, "--verbose")
	if indexed.CodebaseID == "" || indexed.Uploaded != 2 {
		t.Fatalf("unexpected index result: %+v", indexed)
	}
	if len(indexed.Files) != 2 {
		t.Fatalf("expected verbose file list, got %v", indexed.Files)
	}

	writeFile(t, root, "dir/b.txt", "needle")
	srv.ResetCounters()

	var synced indexer.SyncResult
	executeJSON(t, &synced, "sync", root)
	if len(synced.Changed) != 1 || synced.Changed[0] != "dir/b.txt" {
		t.Fatalf("expected dir/b.txt to change, got %v", synced.Changed)
	}
	if uploads := srv.Uploads(); len(uploads) != 1 || uploads[0].Path != "dir/b.txt" {
		t.Fatalf("expected one upload of dir/b.txt, got %+v", uploads)
	}

	var found search.Response
	executeJSON(t, &found, "search", "needle", "--include", "dir/**")
	if found.Total != 1 || found.Hits[0].Path != "dir/b.txt" {
		t.Fatalf("unexpected search result: %+v", found)
	}

	var statuses []indexer.Status
	executeJSON(t, &statuses, "status")
	if len(statuses) != 1 || !statuses[0].Indexed || statuses[0].CodebaseID != indexed.CodebaseID {
		t.Fatalf("unexpected status: %+v", statuses)
	}
	if statuses[0].LastSyncAt == 0 {
		t.Fatal("expected last sync time")
	}
}

func TestStatusText(t *testing.T) {
	_, root := setupEnv(t)

	output, err := executeCommand(NewRootCmd("test"), "status", root)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(output, root+": not indexed") {
		t.Fatalf("unexpected status output %q", output)
	}
}
