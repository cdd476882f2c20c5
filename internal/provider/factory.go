package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"dingbridge/internal/config"
	"dingbridge/internal/domain"
)

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider

// Factory creates and caches rate-limited providers from config.
type Factory struct {
	providers    map[string]config.ProviderConfig
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors
// ("openai", "anthropic") registered by provider type.
func NewFactory(providers map[string]config.ProviderConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		providers:    providers,
		logger:       logger,
		client:       SharedHTTPClient(defaultHTTPTimeout),
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a constructor for a provider type.
func (f *Factory) RegisterConstructor(typ string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[typ] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, MaxTokens: pc.MaxTokens,
			HTTPClient: client, Logger: logger,
		})
	}
	f.constructors["anthropic"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Provider {
		return NewClaude(ClaudeConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, MaxTokens: pc.MaxTokens,
			HTTPClient: client, Logger: logger,
		})
	}
}

// Get returns the named provider wrapped in its rate limiter. Providers are
// cached so every turn shares one limiter per provider.
func (f *Factory) Get(name string) (domain.Provider, error) {
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

	pc, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	ctor, ok := f.constructors[pc.Type]
	if !ok {
		return nil, fmt.Errorf("provider %s: unsupported type %q", name, pc.Type)
	}

	p := NewRateLimited(ctor(pc, f.client, f.logger.With("provider", name)), pc.RatePerMinute, pc.Burst)
	f.cache[name] = p
	return p, nil
}

// Chain returns primary, or a failover chain of primary then fallbacks.
func (f *Factory) Chain(primary string, fallbacks []string) (domain.Provider, error) {
	first, err := f.Get(primary)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return first, nil
	}
	chain := []domain.Provider{first}
	for _, name := range fallbacks {
		if name == primary {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	return NewFailoverProvider(chain, f.logger), nil
}
