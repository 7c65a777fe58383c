package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"omnichat/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCollector_CountsBusEvents(t *testing.T) {
	c := New(Config{})
	events := bus.NewEventBus(testLogger())
	c.Subscribe(events)

	events.Emit(bus.Event{Type: bus.EventInboundReceived, Payload: map[string]any{"platform": "telegram"}})
	events.Emit(bus.Event{Type: bus.EventInboundReceived, Payload: map[string]any{"platform": "telegram"}})
	events.Emit(bus.Event{Type: bus.EventInboundDuplicate})
	events.Emit(bus.Event{Type: bus.EventReplySent, Payload: map[string]any{"platform": "telegram", "tokens": 42}})
	events.Emit(bus.Event{Type: bus.EventProcessingFailed})
	events.Emit(bus.Event{Type: bus.EventFallbackUsed})
	events.Emit(bus.Event{Type: bus.EventCommandHandled, Payload: map[string]any{"command": "status"}})
	events.Emit(bus.Event{Type: bus.EventConnectorConnected, Payload: map[string]any{"platform": "slack"}})

	if got := testutil.ToFloat64(c.Inbound.WithLabelValues("telegram")); got != 2 {
		t.Errorf("inbound: got %v", got)
	}
	if got := testutil.ToFloat64(c.Duplicates); got != 1 {
		t.Errorf("duplicates: got %v", got)
	}
	if got := testutil.ToFloat64(c.Replies.WithLabelValues("telegram")); got != 1 {
		t.Errorf("replies: got %v", got)
	}
	if got := testutil.ToFloat64(c.Tokens); got != 42 {
		t.Errorf("tokens: got %v", got)
	}
	if got := testutil.ToFloat64(c.Failures); got != 1 {
		t.Errorf("failures: got %v", got)
	}
	if got := testutil.ToFloat64(c.Fallbacks); got != 1 {
		t.Errorf("fallbacks: got %v", got)
	}
	if got := testutil.ToFloat64(c.Commands.WithLabelValues("status")); got != 1 {
		t.Errorf("commands: got %v", got)
	}
	if got := testutil.ToFloat64(c.ConnectorEvents.WithLabelValues("slack", bus.EventConnectorConnected)); got != 1 {
		t.Errorf("connector events: got %v", got)
	}
}

func TestCollector_Unsubscribe(t *testing.T) {
	c := New(Config{})
	events := bus.NewEventBus(testLogger())
	c.Subscribe(events)
	c.Unsubscribe(events)

	events.Emit(bus.Event{Type: bus.EventInboundDuplicate})
	if got := testutil.ToFloat64(c.Duplicates); got != 0 {
		t.Fatalf("expected no counting after Unsubscribe, got %v", got)
	}
}

func TestCollector_EndpointServesMetrics(t *testing.T) {
	live := 3
	c := New(Config{LiveConnectors: func() int { return live }})
	c.Duplicates.Inc()

	r := chi.NewRouter()
	c.Mount(r, "/metrics")
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"omnichat_inbound_duplicates_total 1",
		"omnichat_live_connectors 3",
		"omnichat_uptime_seconds",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
