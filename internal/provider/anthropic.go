package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"omnichat/internal/config"
	"omnichat/internal/domain"
)

const (
	anthropicAPIBase      = "https://api.anthropic.com/v1"
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultModel = "claude-sonnet-4-5"
)

// Anthropic implements domain.Generator for the Anthropic Messages API.
// Each round-trip is a single non-streamed request; the reply text is
// forwarded as one token event.
type Anthropic struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type AnthropicConfig struct {
	Name       string
	APIKey     string
	APIBase    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = anthropicAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Anthropic{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.With("generator", cfg.Name),
	}
}

// anthropicConstructor adapts a provider config entry for Factory.
func anthropicConstructor(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Generator {
	return NewAnthropic(AnthropicConfig{
		Name:       name,
		APIKey:     pc.APIKey,
		APIBase:    pc.APIBase,
		Model:      pc.DefaultModel,
		HTTPClient: client,
		Logger:     logger,
	})
}

func (a *Anthropic) Name() string { return a.name }

// SupportsVision is true for every Claude 3 and later model.
func (a *Anthropic) SupportsVision(model string) bool {
	if model == "" {
		model = a.model
	}
	return !strings.HasPrefix(model, "claude-2") && !strings.HasPrefix(model, "claude-instant")
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"` // text | image | tool_use | tool_result
	Text      string          `json:"text,omitempty"`
	Source    *anthropicImage `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"` // url | base64
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Stream runs the same tool loop as the OpenAI adapter against the
// Messages API.
func (a *Anthropic) Stream(ctx context.Context, req domain.GenerationRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	body := anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if body.Model == "" {
		body.Model = a.model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultStepMaxTokens
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}
	body.System, body.Messages = toAnthropicMessages(req.Messages)

	byName := make(map[string]domain.Tool, len(req.Tools))
	for _, t := range req.Tools {
		d := domain.Definition(t)
		schema := d.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		body.Tools = append(body.Tools, anthropicTool{Name: d.Name, Description: d.Description, InputSchema: schema})
		byName[d.Name] = t
	}

	var usage domain.Usage
	for step := 1; step <= maxSteps; step++ {
		resp, err := a.call(ctx, body)
		if err != nil {
			emit(ctx, out, domain.StreamEvent{Type: domain.StreamError, Step: step, Content: err.Error()})
			return fmt.Errorf("step %d: %w", step, err)
		}
		usage.Add(domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		})

		var text strings.Builder
		var calls []anthropicBlock
		for _, b := range resp.Content {
			switch b.Type {
			case "text":
				text.WriteString(b.Text)
			case "tool_use":
				calls = append(calls, b)
			}
		}
		if text.Len() > 0 {
			if err := emit(ctx, out, domain.StreamEvent{Type: domain.StreamToken, Content: text.String()}); err != nil {
				return err
			}
		}
		if len(calls) == 0 {
			if err := emit(ctx, out, domain.StreamEvent{Type: domain.StreamStep, Step: step}); err != nil {
				return err
			}
			break
		}

		body.Messages = append(body.Messages, anthropicMessage{Role: "assistant", Content: resp.Content})
		results := make([]domain.ToolResult, 0, len(calls))
		reply := anthropicMessage{Role: "user"}
		for _, c := range calls {
			emit(ctx, out, domain.StreamEvent{Type: domain.StreamToolStart, Step: step, Tool: c.Name, ToolID: c.ID})
			r := a.runTool(ctx, c, byName)
			results = append(results, r)
			emit(ctx, out, domain.StreamEvent{Type: domain.StreamToolEnd, Step: step, Tool: r.Name, ToolID: r.CallID, ToolResults: []domain.ToolResult{r}})

			block := anthropicBlock{Type: "tool_result", ToolUseID: c.ID, Content: truncate(r.Output, maxToolOutputForLLM)}
			if r.Error != "" {
				block.Content = fmt.Sprintf("Error executing tool %s: %s", r.Name, r.Error)
				block.IsError = true
			}
			reply.Content = append(reply.Content, block)
		}
		body.Messages = append(body.Messages, reply)
		if err := emit(ctx, out, domain.StreamEvent{Type: domain.StreamStep, Step: step, ToolResults: results}); err != nil {
			return err
		}
	}

	return emit(ctx, out, domain.StreamEvent{Type: domain.StreamDone, Usage: &usage})
}

func (a *Anthropic) runTool(ctx context.Context, call anthropicBlock, byName map[string]domain.Tool) (r domain.ToolResult) {
	r = domain.ToolResult{CallID: call.ID, Name: call.Name}
	defer func() {
		if p := recover(); p != nil {
			r.Error = fmt.Sprintf("tool %s panicked: %v", call.Name, p)
		}
	}()
	t, ok := byName[call.Name]
	if !ok {
		r.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return r
	}
	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			r.Error = fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)
			return r
		}
	}
	a.logger.Info("executing tool", "tool", call.Name)
	out, err := t.Execute(ctx, args)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Output = out
	return r
}

func (a *Anthropic) call(ctx context.Context, body anthropicRequest) (*anthropicResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

// toAnthropicMessages lifts system messages into the system field and maps
// tool traffic onto tool_use / tool_result blocks. Consecutive tool results
// share one user turn.
func toAnthropicMessages(msgs []domain.Message) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "tool":
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(out); n > 0 && out[n-1].Role == "user" && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})
		default:
			var blocks []anthropicBlock
			for _, img := range m.Images {
				blocks = append(blocks, anthropicBlock{Type: "image", Source: imageSource(img)})
			}
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage("{}")
				if len(tc.Arguments) > 0 {
					input, _ = json.Marshal(tc.Arguments)
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
		}
	}
	return strings.Join(system, "\n\n"), out
}

// imageSource accepts http(s) URLs and base64 data URLs.
func imageSource(u string) *anthropicImage {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return &anthropicImage{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return &anthropicImage{Type: "url", URL: u}
}
