package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"runbox/internal/domain"
	"runbox/internal/security"
)

// RedactTool applies the compiled secret dictionary to arbitrary text.
// Useful for scrubbing file contents or logs before they leave the host.
type RedactTool struct {
	redactor *security.Redactor
	logger   *slog.Logger
}

// NewRedactTool creates the text_redact tool.
func NewRedactTool(redactor *security.Redactor, logger *slog.Logger) *RedactTool {
	return &RedactTool{redactor: redactor, logger: logger}
}

func (t *RedactTool) Name() string { return "text_redact" }
func (t *RedactTool) Description() string {
	return "Replace configured secrets in text with placeholders"
}

func (t *RedactTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to redact"}
			},
			"required": ["text"]
		}`),
	}
}

type redactParams struct {
	Text string `json:"text"`
}

func (t *RedactTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.text_redact", t.logger, params,
		func(ctx context.Context, span trace.Span, p redactParams) (any, error) {
			return TextResult(t.redactor.Redact(p.Text)), nil
		})
}
