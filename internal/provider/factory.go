package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"replybot/internal/config"
	"replybot/internal/domain"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

// Factory builds the configured providers and their routing cards.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func requireKey(name string, pc config.ProviderConfig) error {
	if pc.APIKey == "" {
		return fmt.Errorf("provider %s: %w", name, ErrMissingCredentials)
	}
	return nil
}

func endpoint(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) Endpoint {
	return Endpoint{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Client: client, Logger: logger}
}

// registerDefaults registers all built-in provider constructors.
func (f *Factory) registerDefaults() {
	client := SharedHTTPClient(defaultHTTPTimeout)

	f.constructors["ollama"] = func(_ context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewOllama(endpoint(pc, client, logger)), nil
	}

	f.constructors["openai"] = func(_ context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		if err := requireKey("openai", pc); err != nil {
			return nil, err
		}
		return NewOpenAI(endpoint(pc, client, logger)), nil
	}

	f.constructors["claude"] = func(_ context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		if err := requireKey("claude", pc); err != nil {
			return nil, err
		}
		return NewClaude(endpoint(pc, client, logger)), nil
	}

	f.constructors["gemini"] = func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewGemini(ctx, GeminiConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
}

// Build constructs every enabled provider. Missing credentials fail the whole
// build so a misconfigured deployment never starts.
func (f *Factory) Build(ctx context.Context) (map[string]domain.Provider, []domain.ProviderCard, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.cfg.Providers))
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	providers := make(map[string]domain.Provider, len(names))
	cards := make([]domain.ProviderCard, 0, len(names))
	for _, name := range names {
		pc := f.cfg.Providers[name]

		var (
			p   domain.Provider
			err error
		)
		if ctor, ok := f.constructors[name]; ok {
			p, err = ctor(ctx, pc, f.logger)
		} else if pc.APIBase != "" {
			// Fallback: treat unknown providers as OpenAI-compatible.
			if err = requireKey(name, pc); err == nil {
				p = NewOpenAICompatible(name, endpoint(pc, nil, f.logger))
			}
		} else {
			err = fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
		}
		if err != nil {
			return nil, nil, err
		}

		providers[name] = p
		cards = append(cards, Card(name, pc))
		f.logger.Debug("provider ready", "provider", name, "model", pc.DefaultModel)
	}

	return providers, cards, nil
}

// Card converts a provider config entry into a routing card.
func Card(name string, pc config.ProviderConfig) domain.ProviderCard {
	card := domain.ProviderCard{Provider: name, Model: pc.DefaultModel}
	for _, c := range pc.Capabilities {
		card.Capabilities = append(card.Capabilities, domain.Capability(c))
	}
	return card
}

// HealthReport checks every provider and returns the error (or nil) per name.
func HealthReport(ctx context.Context, providers map[string]domain.Provider) map[string]error {
	out := make(map[string]error, len(providers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range providers {
		wg.Add(1)
		go func(name string, p domain.Provider) {
			defer wg.Done()
			err := p.Healthy(ctx)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return out
}
