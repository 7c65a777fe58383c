// Package metrics exposes gateway activity in Prometheus format. Counters are
// fed from the EventBus so the pipeline never imports this package.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omnichat/internal/bus"
)

const namespace = "omnichat"

// Collector aggregates the gateway's counters and gauges on its own registry.
type Collector struct {
	registry *prometheus.Registry
	handlers []handlerRef

	Inbound         *prometheus.CounterVec
	Duplicates      prometheus.Counter
	Replies         *prometheus.CounterVec
	Failures        prometheus.Counter
	Fallbacks       prometheus.Counter
	Tokens          prometheus.Counter
	Commands        *prometheus.CounterVec
	RuleMatches     *prometheus.CounterVec
	Injections      prometheus.Counter
	ConnectorEvents *prometheus.CounterVec
	ScheduledRuns   *prometheus.CounterVec
	liveConnectors  prometheus.GaugeFunc
	uptime          prometheus.GaugeFunc
}

type handlerRef struct {
	event string
	id    string
}

// Config wires live values the collector reads at scrape time.
type Config struct {
	// LiveConnectors reports how many connectors are currently connected.
	LiveConnectors func() int
	// GoRuntime adds the standard Go and process collectors.
	GoRuntime bool
}

func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	start := time.Now()
	live := cfg.LiveConnectors
	if live == nil {
		live = func() int { return 0 }
	}

	c := &Collector{
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_messages_total",
			Help: "Inbound messages accepted after dedupe.",
		}, []string{"platform"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_duplicates_total",
			Help: "Inbound messages dropped as duplicates.",
		}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replies_total",
			Help: "Generated replies delivered to a channel.",
		}, []string{"platform"}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "processing_failures_total",
			Help: "Messages whose processing failed.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fallback_replies_total",
			Help: "Replies composed from tool results because generation produced no text.",
		}),
		Tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "generation_tokens_total",
			Help: "Tokens reported by the generator for delivered replies.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Chat commands handled.",
		}, []string{"command"}),
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_matches_total",
			Help: "Auto-reply rules matched, by action.",
		}, []string{"action"}),
		Injections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "injections_neutralized_total",
			Help: "Inbound messages whose prompt-injection markers were neutralized.",
		}),
		ConnectorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connector_events_total",
			Help: "Connector lifecycle events.",
		}, []string{"platform", "event"}),
		ScheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduled_runs_total",
			Help: "Scheduled task runs by outcome.",
		}, []string{"outcome"}),
	}
	c.registry = reg
	c.liveConnectors = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "live_connectors",
		Help: "Connectors currently connected.",
	}, func() float64 { return float64(live()) })
	c.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Time since start in seconds.",
	}, func() float64 { return time.Since(start).Seconds() })

	reg.MustRegister(
		c.Inbound, c.Duplicates, c.Replies, c.Failures, c.Fallbacks, c.Tokens,
		c.Commands, c.RuleMatches, c.Injections, c.ConnectorEvents, c.ScheduledRuns,
		c.liveConnectors, c.uptime,
	)
	if cfg.GoRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c
}

// Handler renders the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Mount registers the scrape endpoint on r.
func (c *Collector) Mount(r chi.Router, path string) {
	if path == "" {
		path = "/metrics"
	}
	r.Method(http.MethodGet, path, c.Handler())
}

// Subscribe updates the collectors from bus events.
func (c *Collector) Subscribe(events *bus.EventBus) {
	on := func(typ string, fn bus.EventHandler) {
		c.handlers = append(c.handlers, handlerRef{event: typ, id: events.On(typ, fn)})
	}
	on(bus.EventInboundReceived, func(e bus.Event) {
		c.Inbound.WithLabelValues(label(e.String("platform"))).Inc()
	})
	on(bus.EventInboundDuplicate, func(bus.Event) { c.Duplicates.Inc() })
	on(bus.EventReplySent, func(e bus.Event) {
		c.Replies.WithLabelValues(label(e.String("platform"))).Inc()
		if n := e.Int("tokens"); n > 0 {
			c.Tokens.Add(float64(n))
		}
	})
	on(bus.EventProcessingFailed, func(bus.Event) { c.Failures.Inc() })
	on(bus.EventFallbackUsed, func(bus.Event) { c.Fallbacks.Inc() })
	on(bus.EventCommandHandled, func(e bus.Event) {
		c.Commands.WithLabelValues(label(e.String("command"))).Inc()
	})
	on(bus.EventRuleMatched, func(e bus.Event) {
		c.RuleMatches.WithLabelValues(label(e.String("action"))).Inc()
	})
	on(bus.EventInjectionBlocked, func(bus.Event) { c.Injections.Inc() })
	for _, typ := range []string{bus.EventConnectorConnected, bus.EventConnectorDisconnected, bus.EventConnectorError} {
		on(typ, func(e bus.Event) {
			c.ConnectorEvents.WithLabelValues(label(e.String("platform")), e.Type).Inc()
		})
	}
	on(bus.EventScheduledRun, func(e bus.Event) {
		c.ScheduledRuns.WithLabelValues(label(e.String("outcome"))).Inc()
	})
}

// Unsubscribe removes every handler registered by Subscribe.
func (c *Collector) Unsubscribe(events *bus.EventBus) {
	for _, h := range c.handlers {
		events.Off(h.event, h.id)
	}
	c.handlers = nil
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
