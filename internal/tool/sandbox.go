package tool

import (
	"context"
	"fmt"
	"os/exec"
)

// Sandbox runs shell commands in a throwaway Docker container instead of
// on the host. The working directory is mounted at /workspace.
type Sandbox struct {
	Image   string // default alpine:3.20
	Memory  string // docker --memory, default 256m
	CPUs    string // docker --cpus, default 0.5
	Network bool   // attach the default network; off means --network none
}

func (sb *Sandbox) withDefaults() Sandbox {
	out := *sb
	if out.Image == "" {
		out.Image = "alpine:3.20"
	}
	if out.Memory == "" {
		out.Memory = "256m"
	}
	if out.CPUs == "" {
		out.CPUs = "0.5"
	}
	return out
}

// args builds the docker run invocation for command.
func (sb *Sandbox) args(workDir, command string) []string {
	c := sb.withDefaults()
	args := []string{"run", "--rm", "-i",
		"--memory", c.Memory,
		"--cpus", c.CPUs,
		"--pids-limit", "100",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"--security-opt", "no-new-privileges",
	}
	if !c.Network {
		args = append(args, "--network", "none")
	}
	if workDir != "" {
		args = append(args, "-v", workDir+":/workspace", "-w", "/workspace")
	}
	return append(args, c.Image, "sh", "-c", command)
}

func (sb *Sandbox) command(ctx context.Context, workDir, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "docker", sb.args(workDir, command)...)
}

// CheckSandbox reports whether a Docker daemon is reachable.
func CheckSandbox(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return fmt.Errorf("docker not available: %w", err)
	}
	return nil
}
