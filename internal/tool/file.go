package tool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"omnichat/internal/domain"
)

const maxReadBytes = 256 << 10

// resolvePath resolves a file path relative to the workspace and prevents traversal.
func resolvePath(workspace, path string) (string, error) {
	path = strings.TrimSpace(path)
	if !filepath.IsAbs(path) && workspace != "" {
		path = filepath.Join(workspace, path)
	}
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if workspace != "" {
		wsAbs, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		if !strings.HasPrefix(resolved, wsAbs+string(filepath.Separator)) && resolved != wsAbs {
			return "", fmt.Errorf("path %q is outside workspace %q", resolved, wsAbs)
		}
	}
	return resolved, nil
}

// --- ReadFileTool ---

// ReadFileTool reads the contents of a file inside the workspace.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string                  { return "read_file" }
func (t *ReadFileTool) Category() domain.ToolCategory { return domain.CategoryFilesystem }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a text file in the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"path": {Type: "string", Description: "File path relative to the workspace"},
		},
		[]string{"path"},
	)
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "path")
	if path == "" {
		return "", fmt.Errorf("missing argument: path")
	}
	resolved, err := resolvePath(t.workspace, path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... (file truncated)", nil
	}
	return string(data), nil
}

// --- WriteFileTool ---

// WriteFileTool writes content to a file, creating parent directories as needed.
type WriteFileTool struct {
	workspace string
}

func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) Name() string                  { return "write_file" }
func (t *WriteFileTool) Category() domain.ToolCategory { return domain.CategoryFilesystem }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace. Creates the file if it does not exist; overwrites if it exists."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"path":    {Type: "string", Description: "File path relative to the workspace"},
			"content": {Type: "string", Description: "Content to write to the file"},
		},
		[]string{"path", "content"},
	)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "path")
	content := ArgsString(args, "content")
	if path == "" {
		return "", fmt.Errorf("missing argument: path")
	}
	resolved, err := resolvePath(t.workspace, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// --- ListDirTool ---

// ListDirTool lists files and directories at a given path.
type ListDirTool struct {
	workspace string
}

func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{workspace: workspace}
}

func (t *ListDirTool) Name() string                  { return "list_dir" }
func (t *ListDirTool) Category() domain.ToolCategory { return domain.CategoryFilesystem }
func (t *ListDirTool) Description() string {
	return "List files and directories in the workspace. Use '.' or empty for the workspace root."
}

func (t *ListDirTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"path": {Type: "string", Description: "Directory path relative to the workspace"},
		},
		nil,
	)
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "path")
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(t.workspace, path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("list dir: %w", err)
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var lines []string
	for _, e := range entries {
		if e.IsDir() {
			lines = append(lines, e.Name()+"/")
			continue
		}
		size := ""
		if info, err := e.Info(); err == nil {
			size = fmt.Sprintf(" %d", info.Size())
		}
		lines = append(lines, e.Name()+size)
	}
	return strings.Join(lines, "\n"), nil
}

// FileTools returns the workspace file tools.
func FileTools(workspace string) []domain.Tool {
	return []domain.Tool{NewReadFileTool(workspace), NewWriteFileTool(workspace), NewListDirTool(workspace)}
}

var (
	_ domain.Tool = (*ReadFileTool)(nil)
	_ domain.Tool = (*WriteFileTool)(nil)
	_ domain.Tool = (*ListDirTool)(nil)
)
