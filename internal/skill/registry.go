// Package skill provides reusable multi-step workflows that the generator
// can call like any other tool.
package skill

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"omnichat/internal/domain"
)

// Step actions.
const (
	ActionTool     = "tool"
	ActionTemplate = "template"
)

// Definition describes a skill as loaded from YAML.
type Definition struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Params      []Param `yaml:"params"`
	Steps       []Step  `yaml:"steps"`
	Disabled    bool    `yaml:"disabled"`
	BuiltIn     bool    `yaml:"-"`
}

type Param struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Step is either a tool call whose args may reference {{param}} and
// {{previous}}, or a template rendered with the same placeholders.
type Step struct {
	Action   string            `yaml:"action"`
	Tool     string            `yaml:"tool"`
	Args     map[string]string `yaml:"args"`
	Template string            `yaml:"template"`
}

// ToolRunner executes a registered tool by name.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// Validate checks that a definition can be exposed as a tool.
func (d Definition) Validate() error {
	if !validName.MatchString(d.Name) {
		return fmt.Errorf("skill name %q must match %s", d.Name, validName)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("skill %q has no steps", d.Name)
	}
	for i, s := range d.Steps {
		switch s.Action {
		case ActionTool:
			if s.Tool == "" {
				return fmt.Errorf("skill %q step %d: tool name required", d.Name, i+1)
			}
		case ActionTemplate:
			if s.Template == "" {
				return fmt.Errorf("skill %q step %d: template required", d.Name, i+1)
			}
		default:
			return fmt.Errorf("skill %q step %d: unknown action %q", d.Name, i+1, s.Action)
		}
	}
	return nil
}

// Registry manages available skills.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Definition
	runner ToolRunner
	logger *slog.Logger
}

func NewRegistry(runner ToolRunner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills: make(map[string]Definition),
		runner: runner,
		logger: logger,
	}
}

// Register adds a skill, replacing any existing skill with the same name.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[def.Name]; exists {
		r.logger.Info("skill updated", "name", def.Name)
	} else {
		r.logger.Info("skill registered", "name", def.Name, "steps", len(def.Steps))
	}
	r.skills[def.Name] = def
	return nil
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.skills[name]
	return def, ok
}

// SetEnabled toggles a skill without removing it.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.skills[name]
	if !ok {
		return fmt.Errorf("skill %q not found", name)
	}
	def.Disabled = !enabled
	r.skills[name] = def
	return nil
}

// List returns all registered skills ordered by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.skills))
	for _, d := range r.skills {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SkillTools exposes every enabled skill as a tool.
func (r *Registry) SkillTools() []domain.Tool {
	var out []domain.Tool
	for _, def := range r.List() {
		if def.Disabled {
			continue
		}
		out = append(out, &skillTool{def: def, runner: r.runner, logger: r.logger})
	}
	return out
}

// LoadDirectory registers every valid skill file found in dir and returns
// how many were registered.
func (r *Registry) LoadDirectory(dir string) (int, error) {
	defs, err := LoadFromDirectory(dir, r.logger)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			r.logger.Warn("skipping invalid skill", "name", def.Name, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

// RegisterBuiltins loads the built-in skills. They only use tools that
// ship with the gateway.
func (r *Registry) RegisterBuiltins() {
	builtins := []Definition{
		{
			Name:        "world_clock",
			Description: "Show the current time in two timezones side by side",
			BuiltIn:     true,
			Params: []Param{
				{Name: "home", Description: "IANA timezone of the user, e.g. Asia/Ho_Chi_Minh", Required: true},
				{Name: "remote", Description: "IANA timezone to compare with, e.g. Europe/Berlin", Required: true},
			},
			Steps: []Step{
				{Action: ActionTool, Tool: "get_datetime", Args: map[string]string{"timezone": "{{home}}"}},
				{Action: ActionTemplate, Template: "Home: {{previous}}"},
				{Action: ActionTool, Tool: "get_datetime", Args: map[string]string{"timezone": "{{remote}}"}},
				{Action: ActionTemplate, Template: "Remote: {{previous}}"},
			},
		},
		{
			Name:        "workspace_overview",
			Description: "List the top level of the workspace directory",
			BuiltIn:     true,
			Steps: []Step{
				{Action: ActionTool, Tool: "list_dir", Args: map[string]string{"path": "."}},
				{Action: ActionTemplate, Template: "Workspace contents:\n{{previous}}"},
			},
		},
	}
	for _, s := range builtins {
		if err := r.Register(s); err != nil {
			r.logger.Error("invalid builtin skill", "name", s.Name, "err", err)
		}
	}
}
