package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultSoulName = "default"

// SoulFiles reads persona files from a directory. A user-specific file
// <dir>/<userID>/<agent>.md wins over the shared <dir>/<agent>.md. An empty
// agent name means "default".
type SoulFiles struct {
	Dir string
}

func (s SoulFiles) Soul(ctx context.Context, userID, agent string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if agent == "" {
		agent = defaultSoulName
	}
	if !safeName(agent) {
		return "", fmt.Errorf("invalid agent name %q", agent)
	}

	candidates := []string{filepath.Join(s.Dir, agent+".md")}
	if userID != "" && safeName(userID) {
		candidates = append([]string{filepath.Join(s.Dir, userID, agent+".md")}, candidates...)
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read soul %s: %w", path, err)
		}
		return string(data), nil
	}
	return "", nil
}

func safeName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
