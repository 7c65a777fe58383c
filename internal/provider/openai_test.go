package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"omnichat/internal/domain"
)

type echoTool struct {
	name string
	err  error
	got  map[string]any
}

func (e *echoTool) Name() string                  { return e.name }
func (e *echoTool) Description() string           { return "test tool" }
func (e *echoTool) Category() domain.ToolCategory { return domain.CategoryGeneral }
func (e *echoTool) Parameters() map[string]any    { return nil }

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	e.got = args
	if e.err != nil {
		return "", e.err
	}
	return "72F and sunny", nil
}

// sseServer answers each chat completion request with the next scripted
// list of chunks and records the decoded request bodies.
type sseServer struct {
	mu       sync.Mutex
	scripts  [][]string
	requests []map[string]any
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if idx >= len(s.scripts) {
		http.Error(w, `{"error":{"message":"unexpected call"}}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range s.scripts[idx] {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func contentChunk(text string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

func toolChunk(id, name, args string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":%q,"type":"function","function":{"name":%q,"arguments":%q}}]}}]}`, id, name, args)
}

func usageChunk(total int) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"m","choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":0,"total_tokens":%d}}`, total, total)
}

func newTestOpenAI(t *testing.T, srv *sseServer) *OpenAI {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: ts.URL + "/v1", Model: "gpt-4o-mini", Logger: testLogger()})
}

func runStream(t *testing.T, g domain.Generator, req domain.GenerationRequest) ([]domain.StreamEvent, error) {
	t.Helper()
	out := make(chan domain.StreamEvent, 128)
	err := g.Stream(context.Background(), req, out)
	var events []domain.StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events, err
}

func TestOpenAI_StreamsTokensAndUsage(t *testing.T) {
	srv := &sseServer{scripts: [][]string{{contentChunk("Hel"), contentChunk("lo"), usageChunk(12)}}}
	g := newTestOpenAI(t, srv)

	events, err := runStream(t, g, domain.GenerationRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		MaxSteps: 3,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := tokens(events); got != "Hello" {
		t.Fatalf("expected 'Hello', got %q", got)
	}
	last := events[len(events)-1]
	if last.Type != domain.StreamDone || last.Usage == nil || last.Usage.TotalTokens != 12 {
		t.Fatalf("expected done event with usage, got %+v", last)
	}
	if len(srv.requests) != 1 {
		t.Fatalf("expected a single model call, got %d", len(srv.requests))
	}
}

func TestOpenAI_ExecutesToolsAndFeedsResultsBack(t *testing.T) {
	srv := &sseServer{scripts: [][]string{
		{toolChunk("call_1", "get_weather", `{"city":`), toolChunk("", "", `"Hanoi"}`)},
		{contentChunk("It is 72F.")},
	}}
	g := newTestOpenAI(t, srv)
	tool := &echoTool{name: "get_weather"}

	events, err := runStream(t, g, domain.GenerationRequest{
		Messages: []domain.Message{{Role: "user", Content: "weather?"}},
		Tools:    []domain.Tool{tool},
		MaxSteps: 3,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if tool.got["city"] != "Hanoi" {
		t.Fatalf("tool arguments not assembled from fragments: %v", tool.got)
	}

	var stepResults []domain.ToolResult
	var starts, ends int
	for _, ev := range events {
		switch ev.Type {
		case domain.StreamToolStart:
			starts++
		case domain.StreamToolEnd:
			ends++
		case domain.StreamStep:
			stepResults = append(stepResults, ev.ToolResults...)
		}
	}
	if starts != 1 || ends != 1 {
		t.Fatalf("expected one tool start/end, got %d/%d", starts, ends)
	}
	if len(stepResults) != 1 || stepResults[0].Output != "72F and sunny" || stepResults[0].CallID != "call_1" {
		t.Fatalf("unexpected step results: %+v", stepResults)
	}
	if got := tokens(events); got != "It is 72F." {
		t.Fatalf("expected final answer, got %q", got)
	}

	if len(srv.requests) != 2 {
		t.Fatalf("expected two model calls, got %d", len(srv.requests))
	}
	msgs, _ := srv.requests[1]["messages"].([]any)
	lastMsg, _ := msgs[len(msgs)-1].(map[string]any)
	if lastMsg["role"] != "tool" || lastMsg["tool_call_id"] != "call_1" {
		t.Fatalf("tool result not sent back: %v", lastMsg)
	}
}

func TestOpenAI_ToolErrorIsReportedToModel(t *testing.T) {
	srv := &sseServer{scripts: [][]string{
		{toolChunk("call_1", "get_weather", `{}`)},
		{contentChunk("Sorry.")},
	}}
	g := newTestOpenAI(t, srv)
	tool := &echoTool{name: "get_weather", err: errors.New("service down")}

	events, err := runStream(t, g, domain.GenerationRequest{Tools: []domain.Tool{tool}, MaxSteps: 2})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var result domain.ToolResult
	for _, ev := range events {
		if ev.Type == domain.StreamStep && len(ev.ToolResults) > 0 {
			result = ev.ToolResults[0]
		}
	}
	if result.Error != "service down" {
		t.Fatalf("expected tool error in step results, got %+v", result)
	}
	msgs, _ := srv.requests[1]["messages"].([]any)
	lastMsg, _ := msgs[len(msgs)-1].(map[string]any)
	if content, _ := lastMsg["content"].(string); !strings.Contains(content, "Error executing tool get_weather") {
		t.Fatalf("expected error text for the model, got %q", content)
	}
}

func TestOpenAI_StopsAtMaxSteps(t *testing.T) {
	srv := &sseServer{scripts: [][]string{
		{toolChunk("call_1", "get_weather", `{}`)},
		{toolChunk("call_2", "get_weather", `{}`)},
	}}
	g := newTestOpenAI(t, srv)

	events, err := runStream(t, g, domain.GenerationRequest{Tools: []domain.Tool{&echoTool{name: "get_weather"}}, MaxSteps: 1})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(srv.requests) != 1 {
		t.Fatalf("expected one model call with MaxSteps=1, got %d", len(srv.requests))
	}
	if events[len(events)-1].Type != domain.StreamDone {
		t.Fatalf("expected done as last event, got %+v", events[len(events)-1])
	}
}

func TestOpenAI_UnknownToolBecomesErrorResult(t *testing.T) {
	srv := &sseServer{scripts: [][]string{
		{toolChunk("call_1", "missing_tool", `{}`)},
		{contentChunk("ok")},
	}}
	g := newTestOpenAI(t, srv)

	events, err := runStream(t, g, domain.GenerationRequest{Tools: []domain.Tool{&echoTool{name: "get_weather"}}, MaxSteps: 2})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for _, ev := range events {
		if ev.Type == domain.StreamStep && len(ev.ToolResults) > 0 {
			if !strings.Contains(ev.ToolResults[0].Error, "unknown tool") {
				t.Fatalf("expected unknown tool error, got %+v", ev.ToolResults[0])
			}
			return
		}
	}
	t.Fatal("no step with tool results")
}

func TestOpenAI_ServerErrorEmitsErrorEvent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer ts.Close()
	g := NewOpenAI(OpenAIConfig{APIKey: "bad", APIBase: ts.URL, Logger: testLogger()})

	events, err := runStream(t, g, domain.GenerationRequest{MaxSteps: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(events) != 1 || events[0].Type != domain.StreamError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
}

func TestOpenAI_SupportsVision(t *testing.T) {
	g := NewOpenAI(OpenAIConfig{Model: "llama3.1:8b", VisionModels: []string{"my-vlm"}, Logger: testLogger()})
	cases := map[string]bool{
		"gpt-4o-mini": true,
		"my-vlm":      true,
		"":            false,
		"gpt-3.5":     false,
	}
	for model, want := range cases {
		if got := g.SupportsVision(model); got != want {
			t.Errorf("SupportsVision(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestToOpenAIMessages_InlinesImages(t *testing.T) {
	msgs := toOpenAIMessages([]domain.Message{{Role: "user", Content: "what is this?", Images: []string{"https://x/img.png"}}})
	if len(msgs) != 1 || len(msgs[0].MultiContent) != 2 || msgs[0].Content != "" {
		t.Fatalf("expected text + image parts, got %+v", msgs)
	}
	if msgs[0].MultiContent[1].ImageURL == nil || msgs[0].MultiContent[1].ImageURL.URL != "https://x/img.png" {
		t.Fatalf("image part missing: %+v", msgs[0].MultiContent[1])
	}
}
