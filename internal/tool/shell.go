package tool

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"omnichat/internal/domain"
	"omnichat/internal/security"
)

const (
	defaultShellTimeout   = 30
	defaultMaxOutputBytes = 65536
)

// CommandChecker decides whether a command may run.
type CommandChecker interface {
	Check(command string) (security.Decision, string)
}

type ShellTool struct {
	workingDir     string
	timeoutSeconds int
	maxOutputBytes int
	policy         CommandChecker
	sandbox        *Sandbox
}

type ShellConfig struct {
	WorkingDir     string
	TimeoutSeconds int
	MaxOutputBytes int
	Policy         CommandChecker // nil allows everything
	Sandbox        *Sandbox       // nil runs on the host
}

func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &ShellTool{
		workingDir:     cfg.WorkingDir,
		timeoutSeconds: cfg.TimeoutSeconds,
		maxOutputBytes: cfg.MaxOutputBytes,
		policy:         cfg.Policy,
		sandbox:        cfg.Sandbox,
	}
}

func (s *ShellTool) Name() string                  { return "shell" }
func (s *ShellTool) Category() domain.ToolCategory { return domain.CategorySystem }

func (s *ShellTool) Description() string {
	if s.sandbox != nil {
		return "Execute a shell command in an isolated container with the workspace mounted at /workspace. Returns combined stdout and stderr."
	}
	return "Execute a shell command on the host. Returns combined stdout and stderr."
}

func (s *ShellTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"command": {Type: "string", Description: "The shell command to execute (e.g. 'ls -la', 'git status')"},
		},
		[]string{"command"},
	)
}

func (s *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(ArgsString(args, "command"))
	if command == "" {
		return "", fmt.Errorf("missing argument: command")
	}
	if s.policy != nil {
		if decision, reason := s.policy.Check(command); decision != security.Allow {
			return "", fmt.Errorf("command not permitted (%s)", reason)
		}
	}

	dir := s.workingDir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeoutSeconds)*time.Second)
	defer cancel()

	// sh -c handles pipes, redirects and quoting.
	var cmd *exec.Cmd
	if s.sandbox != nil {
		cmd = s.sandbox.command(ctx, absDir, command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = absDir
	}
	cmd.WaitDelay = 2 * time.Second

	output, err := cmd.CombinedOutput()
	result := string(output)
	if len(result) > s.maxOutputBytes {
		result = result[:s.maxOutputBytes] + "\n... (output truncated)"
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command timed out after %ds", s.timeoutSeconds)
		}
		return result, fmt.Errorf("exit: %w", err)
	}
	return result, nil
}
