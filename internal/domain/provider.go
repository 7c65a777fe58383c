package domain

import "context"

// Generator is the streaming generation backend. Stream runs the full
// tool-calling loop for at most req.MaxSteps model round-trips, executing
// req.Tools itself, and reports progress on out. Stream always closes out
// before returning. A non-nil error means the run ended abnormally; events
// already delivered (tokens, step results) remain valid.
type Generator interface {
	Name() string
	SupportsVision(model string) bool
	Stream(ctx context.Context, req GenerationRequest, out chan<- StreamEvent) error
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken     StreamEventType = "token"
	StreamToolStart StreamEventType = "tool_start"
	StreamToolEnd   StreamEventType = "tool_end"
	StreamStep      StreamEventType = "step" // one model round-trip finished
	StreamDone      StreamEventType = "done"
	StreamError     StreamEventType = "error"
)

// StreamEvent represents a single streaming event from a generator.
type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	Content     string          `json:"content,omitempty"` // token text or error message
	Step        int             `json:"step,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	ToolID      string          `json:"tool_id,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"` // set on StreamStep and StreamToolEnd
	Usage       *Usage          `json:"usage,omitempty"`        // set on StreamDone
}

type GenerationRequest struct {
	Messages  []Message
	Tools     []Tool
	Model     string
	MaxTokens int
	MaxSteps  int
}

type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"` // image URLs for vision models
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}
