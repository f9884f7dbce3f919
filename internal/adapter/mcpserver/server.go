// Package mcpserver exposes the tool registry over the Model Context
// Protocol on stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"runbox/internal/adapter/tool"
)

// Server wraps an MCP stdio server around a tool registry.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New builds an MCP server publishing every registered tool. Tool schemas
// are passed through as raw JSON Schema so validation wrappers and the
// protocol see the same contract.
func New(name, version string, registry *tool.Registry, logger *slog.Logger) *Server {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	for _, t := range registry.List() {
		t := t
		schema := t.Schema()
		params := schema.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		mcpTool := mcp.NewToolWithRawSchema(schema.Name, schema.Description, params)
		s.AddTool(mcpTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			raw, err := json.Marshal(req.GetArguments())
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			result, err := t.Execute(ctx, raw)
			if err != nil {
				logger.Warn("tool execution failed", "tool", t.Name(), "error", err)
				return mcp.NewToolResultError(err.Error()), nil
			}
			if result.IsError {
				return mcp.NewToolResultError(result.Content), nil
			}
			return mcp.NewToolResultText(result.Content), nil
		})
	}

	return &Server{mcp: s, logger: logger}
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout until the
// client disconnects or the context is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(
		func(innerCtx context.Context) context.Context {
			if ctx != nil {
				return ctx
			}
			return innerCtx
		}))
}
