package tool

import (
	"context"
	"strings"
	"testing"

	"omnichat/internal/domain"
	"omnichat/internal/security"
)

func TestNewShellTool_Defaults(t *testing.T) {
	s := NewShellTool(ShellConfig{})
	if s == nil {
		t.Fatal("NewShellTool returned nil")
	}
	if s.Name() != "shell" {
		t.Errorf("Name: got %q", s.Name())
	}
	if s.Description() == "" {
		t.Error("Description should not be empty")
	}
	params := s.Parameters()
	if params == nil {
		t.Fatal("Parameters returned nil")
	}
}

func TestShellTool_Execute_EmptyCommand_Error(t *testing.T) {
	s := NewShellTool(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 4096})
	ctx := context.Background()
	out, err := s.Execute(ctx, map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}

	out, err = s.Execute(ctx, map[string]any{"command": "   "})
	if err == nil {
		t.Fatal("expected error for whitespace-only command")
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}
}

func TestShellTool_Execute_Echo_Success(t *testing.T) {
	s := NewShellTool(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 4096})
	ctx := context.Background()
	out, err := s.Execute(ctx, map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output should contain 'hello', got %q", out)
	}
}

func TestShellTool_Execute_ExitNonZero_ReturnsError(t *testing.T) {
	s := NewShellTool(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 4096})
	ctx := context.Background()
	_, err := s.Execute(ctx, map[string]any{"command": "exit 1"})
	if err == nil {
		t.Fatal("expected error for exit 1")
	}
}

func TestShellTool_Category(t *testing.T) {
	if got := NewShellTool(ShellConfig{}).Category(); got != domain.CategorySystem {
		t.Fatalf("expected system category, got %q", got)
	}
}

func TestShellTool_Execute_BlockedByPolicy(t *testing.T) {
	policy, err := security.NewCommandPolicy(security.PolicyConfig{
		Blacklist:     []string{"rm -rf"},
		Whitelist:     []string{"echo"},
		DefaultPolicy: "deny",
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewCommandPolicy: %v", err)
	}
	s := NewShellTool(ShellConfig{TimeoutSeconds: 5, WorkingDir: t.TempDir(), Policy: policy})

	if _, err := s.Execute(context.Background(), map[string]any{"command": "rm -rf ./data"}); err == nil {
		t.Fatal("blacklisted command must not run")
	}
	if _, err := s.Execute(context.Background(), map[string]any{"command": "touch marker"}); err == nil {
		t.Fatal("unlisted command must fall to the deny default")
	}
	out, err := s.Execute(context.Background(), map[string]any{"command": "echo allowed"})
	if err != nil || !strings.Contains(out, "allowed") {
		t.Fatalf("whitelisted command should run, got %q, %v", out, err)
	}
}

func TestShellTool_Execute_Timeout(t *testing.T) {
	s := NewShellTool(ShellConfig{TimeoutSeconds: 1})
	_, err := s.Execute(context.Background(), map[string]any{"command": "sleep 5"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestShellTool_Execute_TruncatesOutput(t *testing.T) {
	s := NewShellTool(ShellConfig{TimeoutSeconds: 5, MaxOutputBytes: 10})
	out, err := s.Execute(context.Background(), map[string]any{"command": "printf '0123456789abcdef'"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "0123456789\n") || !strings.Contains(out, "truncated") {
		t.Fatalf("expected truncated output, got %q", out)
	}
}

// --- Sandbox ---

func TestSandboxArgs_Defaults(t *testing.T) {
	sb := &Sandbox{}
	args := strings.Join(sb.args("/srv/ws", "ls -la"), " ")
	for _, want := range []string{"run --rm", "--network none", "--memory 256m", "-v /srv/ws:/workspace -w /workspace", "alpine:3.20 sh -c ls -la"} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in %q", want, args)
		}
	}
}

func TestSandboxArgs_NetworkAndImage(t *testing.T) {
	sb := &Sandbox{Image: "python:3.12-alpine", Network: true}
	args := sb.args("", "python -V")
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--network") || strings.Contains(joined, "/workspace") {
		t.Fatalf("unexpected flags in %q", joined)
	}
	if args[len(args)-4] != "python:3.12-alpine" || args[len(args)-1] != "python -V" {
		t.Fatalf("image or command misplaced: %v", args)
	}
}

func TestShellTool_SandboxDescription(t *testing.T) {
	s := NewShellTool(ShellConfig{Sandbox: &Sandbox{}})
	if !strings.Contains(s.Description(), "/workspace") {
		t.Fatalf("description should mention the sandbox mount: %q", s.Description())
	}
}
