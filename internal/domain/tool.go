package domain

import "context"

type ToolCategory string

const (
	CategoryFilesystem ToolCategory = "filesystem"
	CategorySystem     ToolCategory = "system"
	CategoryDateTime   ToolCategory = "datetime"
	CategoryKnowledge  ToolCategory = "knowledge"
	CategorySkill      ToolCategory = "skill"
	CategoryGeneral    ToolCategory = "general"
)

// Tool is the interface for agent capabilities (shell, file ops, skills, etc).
type Tool interface {
	Name() string
	Description() string
	Category() ToolCategory
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definition converts a tool to its model-facing definition.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
