// Package factory constructs provider clients from configuration and the
// encrypted secrets store.
package factory

import (
	"context"
	"fmt"
	"sync"

	"braindrive/pkg/config"
	"braindrive/pkg/llm"
	"braindrive/pkg/llm/anthropic"
	"braindrive/pkg/llm/google"
	"braindrive/pkg/llm/ollama"
	"braindrive/pkg/llm/openai"
)

// Factory builds and caches one client per (provider, model) pair.
type Factory struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]llm.Client
}

// New creates a Factory.
func New(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, clients: make(map[string]llm.Client)}
}

// Client returns a client for the provider and model, constructing it on
// first use. API keys are read from the secrets store (falling back to the
// environment); Ollama needs none.
func (f *Factory) Client(_ context.Context, provider, model string) (llm.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := provider + "/" + model
	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	var client llm.Client
	switch provider {
	case config.ProviderAnthropic:
		apiKey, err := config.GetSecret(config.SecretAnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("no API key configured for %s: %w", provider, err)
		}
		client = anthropic.New(apiKey, model)
	case config.ProviderOpenAI:
		apiKey, err := config.GetSecret(config.SecretOpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("no API key configured for %s: %w", provider, err)
		}
		client = openai.New(apiKey, model)
	case config.ProviderGoogle:
		apiKey, err := config.GetSecret(config.SecretGoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("no API key configured for %s: %w", provider, err)
		}
		client = google.New(apiKey, model)
	case config.ProviderOllama:
		client = ollama.New(f.cfg.OllamaURL, model)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	f.clients[key] = client
	return client, nil
}
