package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactToolMetadata(t *testing.T) {
	tool := NewRedactTool(testRedactor(t, "hunter2secret"), nopLogger())
	if tool.Name() != "text_redact" {
		t.Errorf("Name() = %q", tool.Name())
	}
	var v map[string]any
	if err := json.Unmarshal(tool.Schema().Parameters, &v); err != nil {
		t.Fatalf("schema parameters are not valid JSON: %v", err)
	}
}

func TestRedactToolReplacesSecrets(t *testing.T) {
	tool := NewRedactTool(testRedactor(t, "hunter2secret"), nopLogger())

	result, err := tool.Execute(context.Background(),
		json.RawMessage(`{"text":"export TOKEN=hunter2secret"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if strings.Contains(result.Content, "hunter2secret") {
		t.Errorf("plaintext leaked: %s", result.Content)
	}
	if result.Content != "export TOKEN=<<$env:S0>>" {
		t.Errorf("unexpected content: %s", result.Content)
	}
}

func TestRedactToolNoSecretsIsIdentity(t *testing.T) {
	tool := NewRedactTool(testRedactor(t, "hunter2secret"), nopLogger())

	result, err := tool.Execute(context.Background(),
		json.RawMessage(`{"text":"nothing sensitive here"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Content != "nothing sensitive here" {
		t.Errorf("unexpected content: %s", result.Content)
	}
}

func TestRedactToolInvalidParams(t *testing.T) {
	tool := NewRedactTool(testRedactor(t, "hunter2secret"), nopLogger())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{broken`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for invalid params")
	}
}
