package skill

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes one YAML skill. fallbackName is used when the
// document has no name.
func ParseDefinition(data []byte, fallbackName string) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse skill: %w", err)
	}
	if def.Name == "" {
		def.Name = fallbackName
	}
	def.Name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(def.Name), "-", "_"))
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadFromDirectory loads skill definitions from .yaml/.yml files in dir.
// A missing directory yields no skills; unreadable or invalid files are
// logged and skipped.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]Definition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("skills directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []Definition
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isSkillFile(name) {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read skill file", "path", path, "err", err)
			continue
		}

		def, err := ParseDefinition(data, strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			logger.Warn("cannot load skill file", "path", path, "err", err)
			continue
		}

		logger.Info("loaded user skill", "name", def.Name, "path", path)
		skills = append(skills, def)
	}

	return skills, nil
}

func isSkillFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
