package ai

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conclave-ai/conclave/core"
)

// ProviderFactory defines the interface for AI provider factories
type ProviderFactory interface {
	// Create creates a new AI client instance with the given configuration
	Create(config *ClientConfig) core.AIClient

	// DetectEnvironment checks if this provider can be used with current
	// environment. Returns priority (higher = preferred) and availability.
	DetectEnvironment() (priority int, available bool)

	// Name returns the provider's name
	Name() string

	// Description returns a human-readable description
	Description() string
}

// ProviderRegistry manages registered AI providers
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

// Global registry instance
var registry = &ProviderRegistry{
	providers: make(map[string]ProviderFactory),
}

// Register registers a new AI provider factory.
// This is typically called from init() functions in provider packages.
func Register(factory ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.providers[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}

	registry.providers[name] = factory
	return nil
}

// MustRegister registers a provider and panics on error.
// Use this in init() functions where errors cannot be handled.
func MustRegister(factory ProviderFactory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// GetProvider retrieves a registered provider by name
func GetProvider(name string) (ProviderFactory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	factory, exists := registry.providers[name]
	return factory, exists
}

// ListProviders returns all registered provider names
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient creates a client for the configured provider
func NewClient(opts ...ClientOption) (core.AIClient, error) {
	config := &ClientConfig{}
	for _, opt := range opts {
		opt(config)
	}

	if config.Provider == "" {
		return nil, fmt.Errorf("%w: provider name", core.ErrMissingConfiguration)
	}

	factory, ok := GetProvider(config.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q (registered: %v)",
			core.ErrInvalidConfiguration, config.Provider, ListProviders())
	}

	return factory.Create(config), nil
}

// DetectBestProvider finds the highest-priority available provider
func DetectBestProvider(logger core.Logger) (string, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	type candidate struct {
		name     string
		priority int
	}
	var candidates []candidate

	for name, factory := range registry.providers {
		priority, available := factory.DetectEnvironment()
		if available {
			candidates = append(candidates, candidate{name: name, priority: priority})
		}
	}

	if len(candidates) == 0 {
		if logger != nil {
			logger.Error("No AI providers detected in environment", map[string]interface{}{
				"operation":         "provider_detection",
				"checked_providers": len(registry.providers),
				"suggestion":        "Set API keys (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, XAI_API_KEY)",
			})
		}
		return "", core.ErrNoProvidersAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].name < candidates[j].name
	})

	selected := candidates[0].name
	if logger != nil {
		logger.Info("AI provider selected", map[string]interface{}{
			"operation":        "provider_selection",
			"provider":         selected,
			"total_candidates": len(candidates),
		})
	}
	return selected, nil
}
