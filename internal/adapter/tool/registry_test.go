package tool

import (
	"errors"
	"testing"

	"runbox/internal/domain"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	tool := &stubTool{name: "alpha", result: &domain.ToolResult{Content: "ok"}}

	if err := reg.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name() != "alpha" {
		t.Errorf("Name() = %q, want alpha", got.Name())
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&stubTool{name: "dup"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(&stubTool{name: "dup"}); err == nil {
		t.Fatal("expected error registering duplicate name")
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Get("missing")
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	tools := reg.List()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, tool := range tools {
		if tool.Name() != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, tool.Name(), want[i])
		}
	}
}

func TestRegistrySchemasSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, name := range []string{"b_tool", "a_tool"} {
		if err := reg.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	schemas := reg.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("expected 2 schemas, got %d", len(schemas))
	}
	if schemas[0].Name != "a_tool" || schemas[1].Name != "b_tool" {
		t.Errorf("schemas not sorted: %q, %q", schemas[0].Name, schemas[1].Name)
	}
}

func TestRegistryEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	if len(reg.List()) != 0 {
		t.Error("expected empty list")
	}
	if len(reg.Schemas()) != 0 {
		t.Error("expected empty schemas")
	}
}
