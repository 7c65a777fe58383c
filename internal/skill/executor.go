package skill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"omnichat/internal/domain"
)

const maxStepOutput = 4000

// skillTool runs a skill's steps sequentially. Each step's output becomes
// {{previous}} for the next one.
type skillTool struct {
	def    Definition
	runner ToolRunner
	logger *slog.Logger
}

func (s *skillTool) Name() string                  { return "skill_" + s.def.Name }
func (s *skillTool) Category() domain.ToolCategory { return domain.CategorySkill }

func (s *skillTool) Description() string {
	if s.def.Description == "" {
		return "Run the " + s.def.Name + " skill"
	}
	return s.def.Description
}

func (s *skillTool) Parameters() map[string]any {
	props := make(map[string]any, len(s.def.Params))
	var required []string
	for _, p := range s.def.Params {
		props[p.Name] = map[string]any{"type": "string", "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *skillTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	vars := make(map[string]string, len(s.def.Params)+1)
	for _, p := range s.def.Params {
		v := strings.TrimSpace(fmt.Sprint(valueOr(args[p.Name], "")))
		if v == "" && p.Required {
			return "", fmt.Errorf("missing required parameter %q", p.Name)
		}
		vars[p.Name] = v
	}

	s.logger.Info("executing skill", "name", s.def.Name, "steps", len(s.def.Steps))

	var outputs []string
	previous := ""
	for i, step := range s.def.Steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		vars["previous"] = previous

		switch step.Action {
		case ActionTool:
			if s.runner == nil {
				return "", fmt.Errorf("tool registry not available")
			}
			stepArgs := make(map[string]any, len(step.Args))
			for k, v := range step.Args {
				stepArgs[k] = expand(v, vars)
			}
			out, err := s.runner.Execute(ctx, step.Tool, stepArgs)
			if err != nil {
				return "", fmt.Errorf("step %d (%s): %w", i+1, step.Tool, err)
			}
			previous = clip(out)
			// A tool step followed by a template is only an input to it.
			if i+1 < len(s.def.Steps) && s.def.Steps[i+1].Action == ActionTemplate {
				continue
			}
			outputs = append(outputs, previous)
		case ActionTemplate:
			previous = expand(step.Template, vars)
			outputs = append(outputs, previous)
		}
		s.logger.Debug("skill step done", "skill", s.def.Name, "index", i, "action", step.Action)
	}
	return strings.Join(outputs, "\n\n"), nil
}

// expand replaces {{name}} placeholders with their values. Unknown
// placeholders are left untouched.
func expand(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStepOutput {
		return s[:maxStepOutput] + "\n... (truncated)"
	}
	return s
}

func valueOr(v any, def any) any {
	if v == nil {
		return def
	}
	return v
}
