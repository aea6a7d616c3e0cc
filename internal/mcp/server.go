package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to MCP clients.
var Version = "v0.1.0"

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
	logger *slog.Logger
}

// Config holds server dependencies.
type Config struct {
	Service Service
	// Health names components whose health get_index_status reports.
	Health map[string]HealthChecker
	Logger *slog.Logger
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	impl := &mcp.Implementation{
		Name:    "offline-rag",
		Version: Version,
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_passages",
		Description: "Search the locally ingested documents. Returns the best matching passages with their source file and relevance scores.",
	}, makeSearchHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_document",
		Description: "Ingest a document (txt, md, html, pdf, docx) or every supported document under a directory. Unchanged passages are skipped.",
	}, makeIngestHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List all ingested documents with their format, passage count and ingestion time.",
	}, makeListHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_document",
		Description: "Remove an ingested document and all of its passages from the index.",
	}, makeRemoveHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Get the current status of the passage index including document and passage counts, embedding model and component health.",
	}, makeStatusHandler(cfg.Service, cfg.Health))

	return &Server{server: server, logger: logger}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Serving MCP over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
