package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is an internal notification. Payload keys are event-specific.
type Event struct {
	Type      string
	Source    string // "manager", "processor", "connector:telegram", ...
	Payload   map[string]any
	Timestamp time.Time
}

func (e Event) String(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

func (e Event) Int(key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

type EventHandler func(Event)

// EventBus is a synchronous topic pub/sub with a bounded history ring.
// Handlers registered for "*" receive every event.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 500,
		logger:     logger,
	}
}

// On registers handler and returns an id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	hs := eb.handlers[eventType]
	for i, h := range hs {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit delivers event to matching handlers in registration order. A
// panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns recorded events of eventType ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventConnectorConnected    = "connector.connected"
	EventConnectorDisconnected = "connector.disconnected"
	EventConnectorError        = "connector.error"

	EventInboundReceived  = "message.inbound"
	EventInboundDuplicate = "message.duplicate"
	EventInboundEdited    = "message.edited"
	EventInboundDeleted   = "message.deleted"
	EventReplySent        = "message.replied"
	EventProcessingFailed = "message.failed"
	EventFallbackUsed     = "generation.fallback"
	EventCommandHandled   = "command.handled"
	EventRuleMatched      = "rule.matched"
	EventToolExecuted     = "tool.executed"
	EventInjectionBlocked = "security.injection_neutralized"
	EventScheduledRun     = "scheduler.run"
)
