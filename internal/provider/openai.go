package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"omnichat/internal/domain"
)

const (
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultMaxParallel   = 5
	maxToolOutputForLLM  = 8000
	defaultStepMaxTokens = 1024
)

// visionPrefixes are model families that accept image inputs.
var visionPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4", "gemini", "llava", "claude-3", "claude-sonnet", "claude-opus"}

// OpenAI implements domain.Generator for OpenAI-compatible chat completion
// APIs (OpenAI, Groq, Gemini's compatibility endpoint, Ollama's /v1).
type OpenAI struct {
	name         string
	client       *openai.Client
	model        string
	visionModels map[string]bool
	maxParallel  int
	logger       *slog.Logger
}

type OpenAIConfig struct {
	Name         string // reported by Name(); default "openai"
	APIKey       string
	APIBase      string
	Model        string
	VisionModels []string // extra models that accept images
	MaxParallel  int      // concurrent tool executions per step
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		oc.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}
	oc.HTTPClient = cfg.HTTPClient

	vision := make(map[string]bool, len(cfg.VisionModels))
	for _, m := range cfg.VisionModels {
		vision[m] = true
	}
	return &OpenAI{
		name:         cfg.Name,
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		visionModels: vision,
		maxParallel:  cfg.MaxParallel,
		logger:       cfg.Logger.With("generator", cfg.Name),
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) SupportsVision(model string) bool {
	if model == "" {
		model = o.model
	}
	if o.visionModels[model] {
		return true
	}
	m := strings.ToLower(model)
	for _, p := range visionPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// Stream runs the tool-calling loop: call the model, execute requested tools,
// feed results back, repeat until the model answers without tools or
// req.MaxSteps round-trips are spent.
func (o *OpenAI) Stream(ctx context.Context, req domain.GenerationRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	model := req.Model
	if model == "" {
		model = o.model
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultStepMaxTokens
	}

	msgs := toOpenAIMessages(req.Messages)
	tools, byName := toOpenAITools(req.Tools)
	toolSem := make(chan struct{}, o.maxParallel)

	var usage domain.Usage
	for step := 1; step <= maxSteps; step++ {
		o.logger.Debug("generation step", "step", step, "messages", len(msgs), "model", model)

		res, err := o.streamStep(ctx, openai.ChatCompletionRequest{
			Model:         model,
			Messages:      msgs,
			Tools:         tools,
			MaxTokens:     maxTokens,
			Stream:        true,
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}, out)
		usage.Add(res.usage)
		if err != nil {
			emit(ctx, out, domain.StreamEvent{Type: domain.StreamError, Step: step, Content: err.Error()})
			return fmt.Errorf("step %d: %w", step, err)
		}

		if len(res.calls) == 0 {
			if err := emit(ctx, out, domain.StreamEvent{Type: domain.StreamStep, Step: step}); err != nil {
				return err
			}
			break
		}

		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   res.content,
			ToolCalls: res.calls,
		})
		results := o.runTools(ctx, step, res.calls, byName, toolSem, out)
		for _, r := range results {
			content := r.Output
			if r.Error != "" {
				content = fmt.Sprintf("Error executing tool %s: %s", r.Name, r.Error)
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    truncate(content, maxToolOutputForLLM),
				ToolCallID: r.CallID,
				Name:       r.Name,
			})
		}
		if err := emit(ctx, out, domain.StreamEvent{Type: domain.StreamStep, Step: step, ToolResults: results}); err != nil {
			return err
		}
	}

	return emit(ctx, out, domain.StreamEvent{Type: domain.StreamDone, Usage: &usage})
}

type stepResult struct {
	content string
	calls   []openai.ToolCall
	usage   domain.Usage
}

// streamStep performs one streamed completion, forwarding content deltas as
// tokens and assembling tool calls from their fragments.
func (o *OpenAI) streamStep(ctx context.Context, req openai.ChatCompletionRequest, out chan<- domain.StreamEvent) (stepResult, error) {
	var res stepResult
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return res, err
	}
	defer stream.Close()

	var content strings.Builder
	partial := make(map[int]*openai.ToolCall)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		if chunk.Usage != nil {
			res.usage = domain.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(ctx, out, domain.StreamEvent{Type: domain.StreamToken, Content: delta.Content}); err != nil {
				return res, err
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := partial[idx]
			if !ok {
				cur = &openai.ToolCall{Type: openai.ToolTypeFunction}
				partial[idx] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Function.Name = tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}
	}

	res.content = content.String()
	idxs := make([]int, 0, len(partial))
	for i := range partial {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		tc := *partial[i]
		if tc.Function.Name == "" {
			continue
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i)
		}
		res.calls = append(res.calls, tc)
	}
	return res, nil
}

// runTools executes one step's tool calls in parallel with bounded
// concurrency and returns results in call order.
func (o *OpenAI) runTools(ctx context.Context, step int, calls []openai.ToolCall, byName map[string]domain.Tool, sem chan struct{}, out chan<- domain.StreamEvent) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		emit(ctx, out, domain.StreamEvent{Type: domain.StreamToolStart, Step: step, Tool: tc.Function.Name, ToolID: tc.ID})

		wg.Add(1)
		go func(idx int, tc openai.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r := domain.ToolResult{CallID: tc.ID, Name: tc.Function.Name}
			output, err := o.executeTool(ctx, tc, byName)
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Output = output
			}
			results[idx] = r
			emit(ctx, out, domain.StreamEvent{Type: domain.StreamToolEnd, Step: step, Tool: r.Name, ToolID: r.CallID, ToolResults: []domain.ToolResult{r}})
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (o *OpenAI) executeTool(ctx context.Context, tc openai.ToolCall, byName map[string]domain.Tool) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tc.Function.Name, r)
		}
	}()

	t, ok := byName[tc.Function.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", tc.Function.Name)
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", tc.Function.Name, err)
		}
	}
	o.logger.Info("executing tool", "tool", tc.Function.Name)
	return t.Execute(ctx, args)
}

func toOpenAIMessages(msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if m.ToolCallID != "" {
			om.Name = m.ToolName
		}
		if len(m.Images) > 0 {
			if m.Content != "" {
				om.MultiContent = append(om.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
			}
			for _, url := range m.Images {
				om.MultiContent = append(om.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
				})
			}
		} else {
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []domain.Tool) ([]openai.Tool, map[string]domain.Tool) {
	if len(tools) == 0 {
		return nil, nil
	}
	defs := make([]openai.Tool, 0, len(tools))
	byName := make(map[string]domain.Tool, len(tools))
	for _, t := range tools {
		d := domain.Definition(t)
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
		byName[d.Name] = t
	}
	return defs, byName
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, out chan<- domain.StreamEvent, ev domain.StreamEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
