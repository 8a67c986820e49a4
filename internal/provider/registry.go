package provider

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/result"
)

// Factory builds a fresh, uninitialized Provider for a Kind. Registered at
// package init by local.go and remote.go.
type Factory func() Provider

var factories = map[Kind]Factory{}

// registerFactory wires a Kind to the Factory that builds it. Called from
// each provider implementation's init().
func registerFactory(kind Kind, f Factory) {
	factories[kind] = f
}

// Registry lazily constructs and caches one Provider instance per
// configured provider name, per §4.4 ("providers are constructed on first
// use, not at startup"). A Registry is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	cfg       *PromptConfig
	instances map[string]Provider
	log       *zap.SugaredLogger
}

// NewRegistry builds a Registry bound to cfg. No provider is constructed
// until the first Get call names it.
func NewRegistry(cfg *PromptConfig, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{cfg: cfg, instances: make(map[string]Provider), log: log}
}

// Get returns the named provider, constructing and initializing it on
// first request. Subsequent calls return the same instance.
func (r *Registry) Get(name string) result.Result[Provider] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[name]; ok {
		return result.Ok(p)
	}

	pcfg, ok := r.cfg.Providers[name]
	if !ok {
		return result.Err[Provider](result.New(result.CategoryValidation, "ProviderNotFound",
			fmt.Sprintf("no provider named %q is configured", name)).WithContext("provider", name))
	}

	factory, ok := factories[pcfg.Type]
	if !ok {
		return result.Err[Provider](result.New(result.CategoryValidation, "ProviderKindUnsupported",
			fmt.Sprintf("no implementation registered for provider kind %q", pcfg.Type)).WithContext("kind", string(pcfg.Type)))
	}

	p := factory()
	if res := p.Initialize(pcfg); res.IsErr() {
		return result.Err[Provider](res.Error().WithContext("provider", name))
	}

	guarded := WithBreaker(name, p)
	r.instances[name] = guarded
	p = guarded
	r.log.Infow("provider initialized", "provider", name, "kind", pcfg.Type)
	return result.Ok(p)
}

// PreferenceList returns the fallback order §4.4's "enableFallback" feature
// walks through: the requested provider first (if named and configured),
// then defaults.provider, then every remaining configured provider in
// map-iteration order deduplicated against what's already listed. An empty
// preferred argument starts the list at defaults.provider.
func (r *Registry) PreferenceList(preferred string) []string {
	seen := make(map[string]bool)
	var order []string

	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := r.cfg.Providers[name]; !ok {
			return
		}
		seen[name] = true
		order = append(order, name)
	}

	add(preferred)
	add(r.cfg.Defaults.Provider)
	for name := range r.cfg.Providers {
		add(name)
	}
	return order
}

// Cleanup releases every constructed provider instance's resources.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.instances {
		if err := p.Cleanup(); err != nil {
			r.log.Warnw("provider cleanup failed", "provider", name, "error", err)
		}
	}
}
