package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/search"
)

// Indexer runs a full index of a workspace.
type Indexer interface {
	Index(ctx context.Context, workspacePath string, verbose bool) (*indexer.IndexResult, error)
}

// Searcher answers queries against the indexed workspace.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
}

// ToolContext carries what the tool handlers need.
type ToolContext struct {
	Indexer  Indexer
	Searcher Searcher
}

type indexArgs struct {
	WorkspacePath string `json:"workspacePath" jsonschema:"Absolute path of the workspace to index"`
	Verbose       bool   `json:"verbose,omitempty" jsonschema:"Include the list of uploaded files in the result"`
}

type searchArgs struct {
	Query            string `json:"query" jsonschema:"Natural language or code query"`
	PathsIncludeGlob string `json:"paths_include_glob,omitempty" jsonschema:"Only return results whose path matches this glob"`
	PathsExcludeGlob string `json:"paths_exclude_glob,omitempty" jsonschema:"Drop results whose path matches this glob"`
	MaxResults       int    `json:"max_results,omitempty" jsonschema:"Maximum number of results to return (default: 10)"`
}

// RegisterTools registers the index_project and semantic_search tools.
func RegisterTools(server *mcp.Server, ctx *ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "index_project",
		Description: "Index a workspace for semantic search. Uploads file contents with encrypted paths and keeps the index in sync afterwards.",
	}, func(c context.Context, _ *mcp.CallToolRequest, args indexArgs) (*mcp.CallToolResult, any, error) {
		return handleIndex(c, *ctx, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "semantic_search",
		Description: "Search the indexed workspace. Pending local changes are synced first.",
	}, func(c context.Context, _ *mcp.CallToolRequest, args searchArgs) (*mcp.CallToolResult, any, error) {
		return handleSearch(c, *ctx, args), nil, nil
	})
}

type indexPayload struct {
	CodebaseID    string   `json:"codebaseId"`
	FilesUploaded int      `json:"filesUploaded"`
	Batches       int      `json:"batches"`
	NextSyncAt    string   `json:"nextSyncAt"`
	Files         []string `json:"files,omitempty"`
}

func handleIndex(c context.Context, ctx ToolContext, args indexArgs) *mcp.CallToolResult {
	path := strings.TrimSpace(args.WorkspacePath)
	if path == "" {
		return toolError("Error: workspacePath is required")
	}
	if ctx.Indexer == nil {
		return toolError("Error: indexer is not configured")
	}
	res, err := ctx.Indexer.Index(c, path, args.Verbose)
	if err != nil {
		if errors.Is(err, indexer.ErrNothingToIndex) {
			return toolError(fmt.Sprintf("Error: no indexable files found in %s", path))
		}
		return toolError(fmt.Sprintf("Error: index failed: %v", err))
	}
	return jsonResult(indexPayload{
		CodebaseID:    res.CodebaseID,
		FilesUploaded: res.Uploaded,
		Batches:       res.Batches,
		NextSyncAt:    res.NextSyncAt.UTC().Format(time.RFC3339),
		Files:         res.Files,
	})
}

func handleSearch(c context.Context, ctx ToolContext, args searchArgs) *mcp.CallToolResult {
	if strings.TrimSpace(args.Query) == "" {
		return toolError("Error: query cannot be empty")
	}
	if ctx.Searcher == nil {
		return toolError("Error: search is not configured")
	}
	resp, err := ctx.Searcher.Search(c, search.Query{
		Text:       args.Query,
		Include:    args.PathsIncludeGlob,
		Exclude:    args.PathsExcludeGlob,
		MaxResults: args.MaxResults,
	})
	switch {
	case errors.Is(err, indexer.ErrNotIndexed):
		return toolError("Error: no workspace is indexed yet. Run index_project first.")
	case errors.Is(err, search.ErrNoSingleWorkspace):
		return toolError(fmt.Sprintf("Error: %v", err))
	case err != nil:
		return toolError(fmt.Sprintf("Error: search failed: %v", err))
	}
	return jsonResult(resp)
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(err.Error())
	}
	return toolResult(string(data), false)
}

func toolResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

func toolError(text string) *mcp.CallToolResult {
	return toolResult(text, true)
}
