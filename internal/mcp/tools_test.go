package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/search"
)

type stubIndexer struct {
	path    string
	verbose bool
	err     error
}

func (s *stubIndexer) Index(_ context.Context, path string, verbose bool) (*indexer.IndexResult, error) {
	s.path, s.verbose = path, verbose
	if s.err != nil {
		return nil, s.err
	}
	res := &indexer.IndexResult{
		WorkspacePath: path,
		CodebaseID:    "cb-1",
		Uploaded:      3,
		Batches:       1,
		NextSyncAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if verbose {
		res.Files = []string{"a.go", "b.go", "c.go"}
	}
	return res, nil
}

type stubSearcher struct {
	query search.Query
	err   error
}

func (s *stubSearcher) Search(_ context.Context, q search.Query) (*search.Response, error) {
	s.query = q
	if s.err != nil {
		return nil, s.err
	}
	return &search.Response{Total: 1, Hits: []search.Hit{{Path: "src/a.go", Score: 0.9, StartLine: 1, EndLine: 4}}}, nil
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestHandleIndex(t *testing.T) {
	ix := &stubIndexer{}
	res := handleIndex(context.Background(), ToolContext{Indexer: ix}, indexArgs{WorkspacePath: " /work ", Verbose: true})
	require.False(t, res.IsError)
	assert.Equal(t, "/work", ix.path)
	assert.True(t, ix.verbose)

	var payload indexPayload
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &payload))
	assert.Equal(t, "cb-1", payload.CodebaseID)
	assert.Equal(t, 3, payload.FilesUploaded)
	assert.Equal(t, 1, payload.Batches)
	assert.Equal(t, "2026-01-02T03:04:05Z", payload.NextSyncAt)
	assert.Len(t, payload.Files, 3)
}

func TestHandleIndexErrors(t *testing.T) {
	res := handleIndex(context.Background(), ToolContext{Indexer: &stubIndexer{}}, indexArgs{})
	assert.True(t, res.IsError)

	res = handleIndex(context.Background(), ToolContext{Indexer: &stubIndexer{err: indexer.ErrNothingToIndex}}, indexArgs{WorkspacePath: "/w"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "no indexable files")

	res = handleIndex(context.Background(), ToolContext{Indexer: &stubIndexer{err: errors.New("boom")}}, indexArgs{WorkspacePath: "/w"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "boom")
}

func TestHandleSearch(t *testing.T) {
	s := &stubSearcher{}
	res := handleSearch(context.Background(), ToolContext{Searcher: s}, searchArgs{
		Query:            "handler",
		PathsIncludeGlob: "src/**",
		PathsExcludeGlob: "**_test.go",
		MaxResults:       5,
	})
	require.False(t, res.IsError)
	assert.Equal(t, search.Query{Text: "handler", Include: "src/**", Exclude: "**_test.go", MaxResults: 5}, s.query)

	var resp search.Response
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "src/a.go", resp.Hits[0].Path)
}

func TestHandleSearchErrors(t *testing.T) {
	res := handleSearch(context.Background(), ToolContext{Searcher: &stubSearcher{}}, searchArgs{Query: " "})
	assert.True(t, res.IsError)

	res = handleSearch(context.Background(), ToolContext{Searcher: &stubSearcher{err: indexer.ErrNotIndexed}}, searchArgs{Query: "q"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "index_project")

	res = handleSearch(context.Background(), ToolContext{Searcher: &stubSearcher{err: fmt.Errorf("%w: found 2", search.ErrNoSingleWorkspace)}}, searchArgs{Query: "q"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "found 2")
}

func TestServerOverInMemoryTransport(t *testing.T) {
	ctx := context.Background()
	server := NewServer("test", &ToolContext{Indexer: &stubIndexer{}, Searcher: &stubSearcher{}}, nil)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"index_project", "semantic_search"}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "semantic_search",
		Arguments: map[string]any{"query": "handler"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "src/a.go")
}
