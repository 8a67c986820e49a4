package main

import (
	"fmt"
	"os"

	"github.com/haricheung/agentic-shell/internal/provider"
)

// providerConfigPath resolves the prompt/provider config document: an
// AGSH_CONFIG env var override, or configs/agsh.yaml relative to the
// working directory.
func providerConfigPath() string {
	if p := os.Getenv("AGSH_CONFIG"); p != "" {
		return p
	}
	return "configs/agsh.yaml"
}

// loadProviderConfig loads the C4 config document. Missing env vars in the
// template (e.g. no OPENAI_API_KEY set) are retained as literal
// placeholders rather than failing startup — a provider only needs its
// vars resolved once a request actually targets it.
func loadProviderConfig() *provider.PromptConfig {
	res := provider.LoadConfig(providerConfigPath(), true)
	if res.IsErr() {
		fmt.Fprintf(os.Stderr, "warning: could not load %s (%v); using built-in defaults\n", providerConfigPath(), res.Error())
		return defaultProviderConfig()
	}
	return res.Value()
}

// defaultProviderConfig is the fallback used when configs/agsh.yaml is
// missing from the working directory, so agsh still runs from a fresh
// checkout without any config file present.
func defaultProviderConfig() *provider.PromptConfig {
	return &provider.PromptConfig{
		Providers: map[string]provider.Config{
			"ollama": {
				Type:      provider.KindLocal,
				BaseURL:   os.Getenv("OLLAMA_BASE_URL"),
				TimeoutMs: 30000,
				Models: []provider.ModelInfo{
					{Name: envOr("OLLAMA_MODEL", "llama3"), IsDefault: true, ContextLength: 8192},
				},
			},
		},
		Defaults: provider.DefaultsConfig{
			Provider:    "ollama",
			Temperature: 0.2,
			MaxTokens:   1024,
			TimeoutMs:   30000,
		},
		Features: provider.FeaturesConfig{Streaming: true, Retries: true, Fallback: false},
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
