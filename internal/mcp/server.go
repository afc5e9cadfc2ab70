package mcp

import (
	"context"
	"io"
	"log/slog"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "codeindex"

// Server exposes the indexing tools over MCP.
type Server struct {
	server *mcp.Server
	logger *slog.Logger
}

// NewServer builds a server with the index and search tools registered.
func NewServer(version string, tools *ToolContext, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)
	RegisterTools(server, tools)
	return &Server{server: server, logger: logger}
}

// Run serves MCP over stdio until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves one session over t. It is used for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
