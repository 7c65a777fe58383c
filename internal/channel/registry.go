package channel

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"omnichat/internal/domain"
)

// Factory builds a fresh, unconnected connector.
type Factory func() domain.Connector

// Registry maps a platform to its connector factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.Platform]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.Platform]Factory)}
}

// Register adds or replaces the factory for p.
func (r *Registry) Register(p domain.Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Create returns a new connector for p.
func (r *Registry) Create(p domain.Platform) (domain.Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, p)
	}
	return f(), nil
}

func (r *Registry) Has(p domain.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[p]
	return ok
}

// Platforms lists registered platforms in sorted order.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options carries app-level settings shared by every connector instance of
// a platform (OAuth client, webhook router, ...).
type Options struct {
	Slack     SlackAppConfig
	Webhook   *WebhookRouter
	Bridge    BridgeConfig
	Reconnect ReconnectPolicy
	Logger    *slog.Logger

	// WebhookAllowPrivate permits webhook replies to non-public addresses.
	WebhookAllowPrivate bool
}

// DefaultRegistry registers every built-in connector.
func DefaultRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reconnect == (ReconnectPolicy{}) {
		opts.Reconnect = DefaultReconnectPolicy()
	}

	r := NewRegistry()
	r.Register(domain.PlatformTelegram, func() domain.Connector {
		return NewTelegram(TelegramConfig{Logger: opts.Logger})
	})
	r.Register(domain.PlatformSlack, func() domain.Connector {
		return NewSlack(SlackConfig{App: opts.Slack, Reconnect: opts.Reconnect, Logger: opts.Logger})
	})
	r.Register(domain.PlatformDiscord, func() domain.Connector {
		return NewDiscord(DiscordConfig{Logger: opts.Logger})
	})
	if opts.Webhook != nil {
		r.Register(domain.PlatformWebhook, func() domain.Connector {
			return NewWebhook(WebhookConfig{Router: opts.Webhook, AllowPrivate: opts.WebhookAllowPrivate, Logger: opts.Logger})
		})
	}
	r.Register(domain.PlatformBridge, func() domain.Connector {
		cfg := opts.Bridge
		cfg.Reconnect = opts.Reconnect
		cfg.Logger = opts.Logger
		return NewBridge(cfg)
	})
	return r
}
