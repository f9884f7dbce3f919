package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for function-calling callers (MCP, agents).
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// Tool is the interface every tool must implement. Arguments arrive as
// model-supplied JSON and may contain secret placeholders; implementations
// that execute commands restore them before use and redact their output
// before returning.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}
