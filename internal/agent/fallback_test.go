package agent

import (
	"strings"
	"testing"

	"omnichat/internal/domain"
)

func TestComposeFallback(t *testing.T) {
	results := []domain.ToolResult{
		{Name: "get_weather", Output: "72"},
		{Name: "lookup", Error: "timeout"},
		{Name: "search", Output: strings.Repeat("x", 2000)},
	}
	got := ComposeFallback(results, false)
	if got != ComposeFallback(results, false) {
		t.Fatal("fallback must be deterministic")
	}
	if !strings.Contains(got, "get_weather: 72") || !strings.Contains(got, "lookup: failed (timeout)") {
		t.Errorf("missing tool lines:\n%s", got)
	}
	if len(got) > 1200 {
		t.Errorf("long output should be truncated, got %d bytes", len(got))
	}
	if strings.Contains(got, "interrupted") {
		t.Error("no stream-error note expected")
	}
	if !strings.Contains(ComposeFallback(results, true), "interrupted") {
		t.Error("stream-error note missing")
	}
}

func TestTrimHistory(t *testing.T) {
	var stored []domain.StoredMessage
	for i := int64(1); i <= 6; i++ {
		role := domain.RoleUser
		if i%2 == 0 {
			role = domain.RoleAssistant
		}
		stored = append(stored, domain.StoredMessage{ID: i, Role: role, Content: "turn"})
	}
	stored = append(stored, domain.StoredMessage{ID: 7, Role: domain.RoleUser, Content: "current"})

	got := trimHistory(stored, 7, 3)
	if len(got) != 2 || got[0].Role != "user" {
		t.Fatalf("expected the window to start on a user turn, got %+v", got)
	}
	for _, m := range got {
		if m.Content == "current" {
			t.Error("the message being answered must not be in history")
		}
	}
}
