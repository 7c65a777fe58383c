package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"omnichat/internal/config"
	"omnichat/internal/domain"
)

// Constructor creates a generator from a config entry.
type Constructor func(name string, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Generator

// knownBases are the OpenAI-compatible endpoints used when a provider entry
// leaves apiBase empty.
var knownBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"ollama":     "http://localhost:11434/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// Factory creates and caches generators from config.
type Factory struct {
	cfg          config.GenerationConfig
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]Constructor
	cache        map[string]domain.Generator
	mu           sync.RWMutex
}

func NewFactory(cfg config.GenerationConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       SharedHTTPClient(timeout),
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Generator),
	}
	f.constructors["anthropic"] = anthropicConstructor
	f.constructors["claude"] = anthropicConstructor
	return f
}

// RegisterConstructor adds (or replaces) the constructor used for name.
// Entries without a constructor are treated as OpenAI-compatible; anthropic
// and claude map to the Messages API adapter.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// Get returns the named generator, or the default if name is empty.
// Instances are cached.
func (f *Factory) Get(name string) (domain.Generator, error) {
	if name == "" {
		name = f.cfg.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	var g domain.Generator
	if ctor, found := f.constructors[name]; found {
		g = ctor(name, pc, f.client, f.logger)
	} else {
		if pc.APIBase == "" {
			pc.APIBase = knownBases[name]
		}
		if pc.APIBase == "" {
			return nil, fmt.Errorf("provider %s: no apiBase configured", name)
		}
		g = NewOpenAI(OpenAIConfig{
			Name:         name,
			APIKey:       pc.APIKey,
			APIBase:      pc.APIBase,
			Model:        pc.DefaultModel,
			VisionModels: pc.VisionModels,
			MaxParallel:  f.cfg.MaxParallelTools,
			HTTPClient:   f.client,
			Logger:       f.logger,
		})
	}
	f.cache[name] = g
	return g, nil
}

// Generator returns the generator the processor should use: the failover
// chain when one is configured, otherwise the default provider.
func (f *Factory) Generator() (domain.Generator, error) {
	if len(f.cfg.FailoverChain) < 2 {
		return f.Get("")
	}
	chain := make([]domain.Generator, 0, len(f.cfg.FailoverChain))
	for _, name := range f.cfg.FailoverChain {
		g, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping provider in failover chain", "provider", name, "error", err)
			continue
		}
		chain = append(chain, g)
	}
	switch len(chain) {
	case 0:
		return nil, fmt.Errorf("failover chain has no usable provider")
	case 1:
		return chain[0], nil
	}
	return NewFailover(chain, f.logger)
}
