package agent

import (
	"sort"
	"strings"

	"omnichat/internal/domain"
)

// ToolFilter applies allow/deny rules to tools.
type ToolFilter struct {
	allowedTools map[string]bool // if non-empty, only these tools are allowed
	deniedTools  map[string]bool // these tools are always denied
}

// NewToolFilter creates a tool filter from allow/deny lists.
// If allowed is non-empty, only those tools are permitted.
// Denied tools are always blocked regardless of the allow list.
func NewToolFilter(allowed, denied []string) *ToolFilter {
	tf := &ToolFilter{
		allowedTools: make(map[string]bool),
		deniedTools:  make(map[string]bool),
	}
	for _, t := range allowed {
		tf.allowedTools[t] = true
	}
	for _, t := range denied {
		tf.deniedTools[t] = true
	}
	return tf
}

// Filter returns only the tools that pass the filter.
func (tf *ToolFilter) Filter(tools []domain.Tool) []domain.Tool {
	if tf.IsEmpty() {
		return tools
	}
	filtered := make([]domain.Tool, 0, len(tools))
	for _, t := range tools {
		if tf.IsAllowed(t.Name()) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// IsAllowed returns true if the tool name passes the filter.
func (tf *ToolFilter) IsAllowed(name string) bool {
	if tf == nil {
		return true
	}
	if tf.deniedTools[name] {
		return false
	}
	if len(tf.allowedTools) > 0 {
		return tf.allowedTools[name]
	}
	return true
}

// IsEmpty returns true if the filter has no rules.
func (tf *ToolFilter) IsEmpty() bool {
	return tf == nil || (len(tf.allowedTools) == 0 && len(tf.deniedTools) == 0)
}

// ToolSource lists every registered tool.
type ToolSource interface {
	All() []domain.Tool
}

// AdminFlags are operator-level switches. Filesystem and command tools are
// offered only when their flag is set, and then regardless of the channel
// allow-list.
type AdminFlags struct {
	Filesystem bool
	Commands   bool
}

// SelectTools gates the registry for one turn:
//   - datetime tools are always offered
//   - filesystem and system tools follow the admin flags
//   - everything else needs ToolsEnabled and passes the account allow-list
//   - skills need SkillsEnabled
func SelectTools(registered, skills []domain.Tool, cfg domain.RuntimeConfig, admin AdminFlags, denied []string) []domain.Tool {
	filter := NewToolFilter(cfg.AllowedTools, denied)
	deny := NewToolFilter(nil, denied)

	seen := make(map[string]bool)
	var out []domain.Tool
	add := func(t domain.Tool) {
		if seen[t.Name()] {
			return
		}
		seen[t.Name()] = true
		out = append(out, t)
	}

	for _, t := range registered {
		switch t.Category() {
		case domain.CategoryDateTime:
			if deny.IsAllowed(t.Name()) {
				add(t)
			}
		case domain.CategoryFilesystem:
			if admin.Filesystem && deny.IsAllowed(t.Name()) {
				add(t)
			}
		case domain.CategorySystem:
			if admin.Commands && deny.IsAllowed(t.Name()) {
				add(t)
			}
		default:
			if cfg.ToolsEnabled && filter.IsAllowed(t.Name()) {
				add(t)
			}
		}
	}
	if cfg.SkillsEnabled {
		for _, t := range deny.Filter(skills) {
			add(t)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// toolNames lists tool names for logs and provenance.
func toolNames(tools []domain.Tool) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return strings.Join(names, ",")
}
