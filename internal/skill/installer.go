package skill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"
)

const maxSkillFileBytes = 256 << 10

// InstallerConfig configures where downloaded skills are stored.
type InstallerConfig struct {
	SkillDir   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Installer fetches skill YAML files from a URL into the local skills
// directory. Installed skills are picked up by Registry.LoadDirectory.
type Installer struct {
	skillDir string
	logger   *slog.Logger
	client   *http.Client
}

func NewInstaller(cfg InstallerConfig) (*Installer, error) {
	if cfg.SkillDir == "" {
		return nil, fmt.Errorf("skills directory not configured")
	}
	if err := os.MkdirAll(cfg.SkillDir, 0o755); err != nil {
		return nil, fmt.Errorf("create skills directory: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Installer{
		skillDir: cfg.SkillDir,
		logger:   cfg.Logger,
		client:   cfg.HTTPClient,
	}, nil
}

// Install downloads a skill definition, validates it and writes it as
// <name>.yaml. An existing skill with the same name is replaced.
func (m *Installer) Install(ctx context.Context, url string) (Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Definition{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Definition{}, fmt.Errorf("fetch skill: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Definition{}, fmt.Errorf("skill not found at %s (status %d)", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSkillFileBytes+1))
	if err != nil {
		return Definition{}, err
	}
	if len(body) > maxSkillFileBytes {
		return Definition{}, fmt.Errorf("skill file exceeds %d bytes", maxSkillFileBytes)
	}

	base := path.Base(req.URL.Path)
	def, err := ParseDefinition(body, trimExt(base))
	if err != nil {
		return Definition{}, err
	}

	dest := filepath.Join(m.skillDir, def.Name+".yaml")
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return Definition{}, err
	}
	m.logger.Info("skill installed", "name", def.Name, "path", dest)
	return def, nil
}

// Uninstall removes an installed skill file.
func (m *Installer) Uninstall(name string) error {
	for _, ext := range []string{".yaml", ".yml"} {
		p := filepath.Join(m.skillDir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return os.Remove(p)
		}
	}
	return fmt.Errorf("skill %q not installed", name)
}

// ListInstalled returns the skills currently in the skills directory.
func (m *Installer) ListInstalled() ([]Definition, error) {
	return LoadFromDirectory(m.skillDir, m.logger)
}

func (m *Installer) Dir() string {
	return m.skillDir
}

func trimExt(name string) string {
	if name == "/" || name == "." {
		return ""
	}
	return name[:len(name)-len(filepath.Ext(name))]
}
