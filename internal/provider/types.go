// Package provider implements the Prompt/Provider Core (C4): configuration
// loading with environment interpolation, a lazily-initialized provider
// registry, streaming/blocking completion, and typed structured-output
// decoding, per §4.4.
package provider

import (
	"context"
	"time"

	"github.com/haricheung/agentic-shell/internal/result"
)

// ModelInfo describes one model a provider exposes, per §3.
type ModelInfo struct {
	Name          string   `yaml:"name" json:"name" validate:"required"`
	DisplayName   string   `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	IsDefault     bool     `yaml:"default,omitempty" json:"default,omitempty"`
	ContextLength int      `yaml:"contextLength" json:"contextLength" validate:"required,min=1"`
	Capabilities  []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// Kind is the provider transport family, per §3.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Config is one named provider's configuration, per §3's ProviderConfig.
type Config struct {
	Type      Kind        `yaml:"type" json:"type" validate:"required,oneof=local remote"`
	BaseURL   string      `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	APIKey    string      `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	TimeoutMs int         `yaml:"timeout" json:"timeout" validate:"required,min=1000"`
	Models    []ModelInfo `yaml:"models" json:"models" validate:"required,min=1,dive"`
}

// DefaultsConfig is PromptConfig.defaults, per §3.
type DefaultsConfig struct {
	Provider    string  `yaml:"provider" json:"provider" validate:"required"`
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `yaml:"maxTokens" json:"maxTokens" validate:"required,min=1"`
	TimeoutMs   int     `yaml:"timeout" json:"timeout" validate:"required,min=1000"`
}

// FeaturesConfig toggles optional runtime behaviors, per §6.
type FeaturesConfig struct {
	Streaming bool `yaml:"enableStreaming" json:"enableStreaming"`
	Retries   bool `yaml:"enableRetries" json:"enableRetries"`
	Fallback  bool `yaml:"enableFallback" json:"enableFallback"`
}

// PromptConfig is the full configuration document, per §3 and §6.
type PromptConfig struct {
	Providers map[string]Config `yaml:"providers" json:"providers" validate:"required,min=1,dive"`
	Defaults  DefaultsConfig    `yaml:"defaults" json:"defaults" validate:"required"`
	Features  FeaturesConfig    `yaml:"features" json:"features"`
}

// Request is a completion request, per §4.4.
type Request struct {
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   *int
	TimeoutMs   *int
	Metadata    map[string]any

	// Format, when set, pins the response shape: the local provider sends
	// it as the Ollama "format" parameter; the remote provider encodes it
	// as an OpenAI-compatible function/tool schema. Nil means free text.
	Format map[string]any
}

// Usage reports token consumption, per §4.4.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completion response, per §4.4.
type Response struct {
	Content      string
	Usage        *Usage
	Model        string
	FinishReason string
	Metadata     map[string]any
}

// StreamChunk is one element of a streaming response, per §4.4. The final
// chunk MUST have IsComplete=true and MUST be the last element delivered.
type StreamChunk struct {
	Content    string
	IsComplete bool
	Metadata   map[string]any
}

// Stream is a finite, non-restartable, single-consumer sequence of chunks.
// Implementations MUST release the underlying transport when Close is
// called, when the sequence is exhausted, or when ctx passed to Next is
// cancelled.
type Stream interface {
	// Next blocks for the next chunk. It returns ok=false once the stream
	// is exhausted (the final IsComplete=true chunk has already been
	// delivered) or on error.
	Next(ctx context.Context) (chunk StreamChunk, ok bool, err *result.Error)
	Close() error
}

// Capabilities summarizes what a provider supports.
type Capabilities struct {
	SupportsStreaming      bool
	SupportsFunctionCalling bool
	SupportsJSONSchema      bool
}

// Provider is the uniform contract every backend implements, per §4.4.
type Provider interface {
	Initialize(cfg Config) result.Result[struct{}]
	Complete(ctx context.Context, req Request) result.Result[Response]
	StreamCompletion(ctx context.Context, req Request) result.Result[Stream]
	IsAvailable(ctx context.Context) result.Result[bool]
	GetCapabilities() Capabilities
	GetModels() result.Result[[]ModelInfo]
	Cleanup() error
}

// availabilityCacheTTL bounds how long a cheap availability probe's result
// is reused, per §4.4 ("Availability probing is cheap (≤5s) and cached
// briefly").
const availabilityCacheTTL = 10 * time.Second
