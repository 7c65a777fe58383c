package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"omnichat/internal/domain"
)

// mockGenerator emits the configured events, then returns err.
type mockGenerator struct {
	name   string
	events []domain.StreamEvent
	err    error
	calls  int
	panics bool
}

func (m *mockGenerator) Name() string               { return m.name }
func (m *mockGenerator) SupportsVision(string) bool { return m.name == "vision" }

func (m *mockGenerator) Stream(ctx context.Context, req domain.GenerationRequest, out chan<- domain.StreamEvent) error {
	m.calls++
	if m.panics {
		panic("boom")
	}
	defer close(out)
	for _, ev := range m.events {
		out <- ev
	}
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, g domain.Generator) ([]domain.StreamEvent, error) {
	t.Helper()
	out := make(chan domain.StreamEvent, 64)
	err := g.Stream(context.Background(), domain.GenerationRequest{}, out)
	var events []domain.StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events, err
}

func tokens(events []domain.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == domain.StreamToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

// --- Logic đúng ---

func TestFailover_UsesPrimaryWhenHealthy(t *testing.T) {
	p1 := &mockGenerator{name: "primary", events: []domain.StreamEvent{{Type: domain.StreamToken, Content: "from-primary"}, {Type: domain.StreamDone}}}
	p2 := &mockGenerator{name: "secondary", events: []domain.StreamEvent{{Type: domain.StreamToken, Content: "from-secondary"}}}
	f, err := NewFailover([]domain.Generator{p1, p2}, testLogger())
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}

	events, err := collect(t, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tokens(events); got != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", got)
	}
	if p2.calls != 0 {
		t.Fatalf("secondary should not be called, got %d calls", p2.calls)
	}
}

func TestFailover_AdvancesWhenPrimaryFailsBeforeOutput(t *testing.T) {
	p1 := &mockGenerator{name: "primary", events: []domain.StreamEvent{{Type: domain.StreamError, Content: "401"}}, err: errors.New("unauthorized")}
	p2 := &mockGenerator{name: "secondary", events: []domain.StreamEvent{{Type: domain.StreamToken, Content: "from-secondary"}, {Type: domain.StreamDone}}}
	f, _ := NewFailover([]domain.Generator{p1, p2}, testLogger())

	events, err := collect(t, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tokens(events); got != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", got)
	}
	for _, ev := range events {
		if ev.Type == domain.StreamError {
			t.Fatalf("error event from the abandoned generator leaked: %+v", ev)
		}
	}
}

// --- Điều kiện rẽ nhánh ---

func TestFailover_DoesNotAdvanceAfterOutput(t *testing.T) {
	p1 := &mockGenerator{name: "primary", events: []domain.StreamEvent{{Type: domain.StreamToken, Content: "partial"}}, err: errors.New("connection reset")}
	p2 := &mockGenerator{name: "secondary", events: []domain.StreamEvent{{Type: domain.StreamToken, Content: "from-secondary"}}}
	f, _ := NewFailover([]domain.Generator{p1, p2}, testLogger())

	events, err := collect(t, f)
	if err == nil {
		t.Fatal("expected the primary's error")
	}
	if got := tokens(events); got != "partial" {
		t.Fatalf("expected only the partial output, got %q", got)
	}
	if p2.calls != 0 {
		t.Fatalf("secondary must not run after output was forwarded, got %d calls", p2.calls)
	}
}

func TestFailover_DoesNotAdvanceAfterToolActivity(t *testing.T) {
	p1 := &mockGenerator{name: "primary", events: []domain.StreamEvent{{Type: domain.StreamToolStart, Tool: "get_time"}}, err: errors.New("stream broke")}
	p2 := &mockGenerator{name: "secondary"}
	f, _ := NewFailover([]domain.Generator{p1, p2}, testLogger())

	if _, err := collect(t, f); err == nil {
		t.Fatal("expected error")
	}
	if p2.calls != 0 {
		t.Fatalf("tool activity counts as output; secondary ran %d times", p2.calls)
	}
}

func TestFailover_AllGeneratorsFail(t *testing.T) {
	p1 := &mockGenerator{name: "p1", err: errors.New("fail 1")}
	p2 := &mockGenerator{name: "p2", events: []domain.StreamEvent{{Type: domain.StreamError, Content: "fail 2"}}, err: errors.New("fail 2")}
	f, _ := NewFailover([]domain.Generator{p1, p2}, testLogger())

	events, err := collect(t, f)
	if err == nil {
		t.Fatal("expected error when all generators fail")
	}
	if !strings.Contains(err.Error(), "fail 2") {
		t.Fatalf("expected the last error to be wrapped, got %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.StreamError {
		t.Fatalf("the last generator's error event should be forwarded, got %+v", events)
	}
}

func TestFailover_RecoversFromPanickingGenerator(t *testing.T) {
	p1 := &mockGenerator{name: "p1", panics: true}
	p2 := &mockGenerator{name: "p2", events: []domain.StreamEvent{{Type: domain.StreamToken, Content: "ok"}}}
	f, _ := NewFailover([]domain.Generator{p1, p2}, testLogger())

	events, err := collect(t, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tokens(events); got != "ok" {
		t.Fatalf("expected 'ok', got %q", got)
	}
}

func TestFailover_Name(t *testing.T) {
	f, _ := NewFailover([]domain.Generator{&mockGenerator{name: "a"}, &mockGenerator{name: "b"}}, testLogger())
	if f.Name() != "failover(a→b)" {
		t.Fatalf("unexpected name: %s", f.Name())
	}
}

func TestFailover_VisionFollowsPrimary(t *testing.T) {
	f, _ := NewFailover([]domain.Generator{&mockGenerator{name: "vision"}, &mockGenerator{name: "text"}}, testLogger())
	if !f.SupportsVision("") {
		t.Fatal("expected vision support from the primary generator")
	}
}

func TestNewFailover_RequiresGenerators(t *testing.T) {
	if _, err := NewFailover(nil, testLogger()); err == nil {
		t.Fatal("expected error for empty chain")
	}
}
