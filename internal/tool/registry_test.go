package tool

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"omnichat/internal/domain"
)

// stubTool is a minimal tool for testing the registry.
type stubTool struct {
	name     string
	category domain.ToolCategory
	result   string
	err      error
}

func (s *stubTool) Name() string                  { return s.name }
func (s *stubTool) Description() string           { return "stub: " + s.name }
func (s *stubTool) Category() domain.ToolCategory { return s.category }
func (s *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return s.result, s.err
}

var _ domain.Tool = (*stubTool)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "test_tool", result: "ok"})

	got := reg.Get("test_tool")
	if got == nil {
		t.Fatal("expected to find registered tool")
	}
	if got.Name() != "test_tool" {
		t.Fatalf("expected 'test_tool', got %q", got.Name())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	if got := reg.Get("nonexistent"); got != nil {
		t.Fatal("expected nil for unknown tool")
	}
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "echo", result: "hello"})

	result, err := reg.Execute(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "hello" {
		t.Fatalf("expected 'hello', got %q", result)
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	if _, err := reg.Execute(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistry_AllIsSortedByName(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "beta"})
	reg.Register(&stubTool{name: "alpha"})
	reg.Register(&stubTool{name: "gamma"})

	all := reg.All()
	if len(all) != 3 || all[0].Name() != "alpha" || all[2].Name() != "gamma" {
		t.Fatalf("unexpected order: %v", reg.Names())
	}
}

func TestRegistry_ByCategory(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(NewDateTimeTool())
	for _, ft := range FileTools(t.TempDir()) {
		reg.Register(ft)
	}
	reg.Register(NewShellTool(ShellConfig{}))

	if got := len(reg.ByCategory(domain.CategoryFilesystem)); got != 3 {
		t.Fatalf("expected 3 filesystem tools, got %d", got)
	}
	if got := reg.ByCategory(domain.CategorySystem); len(got) != 1 || got[0].Name() != "shell" {
		t.Fatalf("expected shell as the only system tool, got %v", got)
	}
	if got := reg.ByCategory(domain.CategoryDateTime); len(got) != 1 {
		t.Fatalf("expected one datetime tool, got %d", len(got))
	}
}

func TestRegistry_Definitions(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "tool1"})
	reg.Register(&stubTool{name: "tool2"})

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "tool1" || defs[0].Description != "stub: tool1" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "dup", result: "v1"})
	reg.Register(&stubTool{name: "dup", result: "v2"})

	result, _ := reg.Execute(context.Background(), "dup", nil)
	if result != "v2" {
		t.Fatalf("expected overwritten tool result 'v2', got %q", result)
	}
}

// --- ToolParameters ---

func TestToolParameters_WithRequired(t *testing.T) {
	params := ToolParameters(
		map[string]Param{
			"name": {Type: "string", Description: "The name"},
			"unit": {Type: "string", Description: "Unit", Enum: []string{"c", "f"}},
		},
		[]string{"name"},
	)

	if params["type"] != "object" {
		t.Fatal("expected type=object")
	}
	props := params["properties"].(map[string]any)
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}
	unit := props["unit"].(map[string]any)
	if enum, ok := unit["enum"].([]string); !ok || len(enum) != 2 {
		t.Fatalf("expected enum on unit, got %v", unit)
	}
	required := params["required"].([]string)
	if len(required) != 1 || required[0] != "name" {
		t.Fatalf("unexpected required: %v", required)
	}
}

func TestToolParameters_NoRequired(t *testing.T) {
	params := ToolParameters(map[string]Param{"query": {Type: "string", Description: "Search query"}}, nil)
	if _, ok := params["required"]; ok {
		t.Fatal("should not have 'required' key when nil")
	}
}

// --- Args helpers ---

func TestArgsString_Values(t *testing.T) {
	args := map[string]any{"key": "value", "num": 42.0, "nil": nil}
	if got := ArgsString(args, "key"); got != "value" {
		t.Fatalf("expected 'value', got %q", got)
	}
	if got := ArgsString(args, "num"); got != "42" {
		t.Fatalf("expected '42', got %q", got)
	}
	if got := ArgsString(args, "nil"); got != "" {
		t.Fatalf("expected empty for nil, got %q", got)
	}
	if got := ArgsString(nil, "key"); got != "" {
		t.Fatalf("expected empty for nil args, got %q", got)
	}
}

func TestArgsInt(t *testing.T) {
	args := map[string]any{"f": 3.0, "s": "7", "bad": "x"}
	if got := ArgsInt(args, "f", 0); got != 3 {
		t.Fatalf("float: got %d", got)
	}
	if got := ArgsInt(args, "s", 0); got != 7 {
		t.Fatalf("string: got %d", got)
	}
	if got := ArgsInt(args, "bad", 5); got != 5 {
		t.Fatalf("fallback: got %d", got)
	}
}
