package provider

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/haricheung/agentic-shell/internal/result"
)

// breakerSettings tunes the circuit per provider name: trip after 5
// consecutive failures within a 60s window, half-open probe after 30s.
func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// guardedProvider wraps a Provider with a gobreaker circuit so that a
// provider in a failing streak is short-circuited without dispatching
// further requests, per §4.4's availability-probing guidance.
type guardedProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps p in a circuit breaker named name.
func WithBreaker(name string, p Provider) Provider {
	return &guardedProvider{inner: p, breaker: gobreaker.NewCircuitBreaker(breakerSettings(name))}
}

func (g *guardedProvider) Initialize(cfg Config) result.Result[struct{}] {
	return g.inner.Initialize(cfg)
}

func (g *guardedProvider) Complete(ctx context.Context, req Request) result.Result[Response] {
	out, err := g.breaker.Execute(func() (any, error) {
		res := g.inner.Complete(ctx, req)
		if res.IsErr() {
			return res, res.Error()
		}
		return res, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return result.Err[Response](result.New(result.CategoryBusiness, "ProviderCircuitOpen",
				"provider circuit is open after repeated failures").WithContext("provider", g.breaker.Name()))
		}
		return out.(result.Result[Response])
	}
	return out.(result.Result[Response])
}

func (g *guardedProvider) StreamCompletion(ctx context.Context, req Request) result.Result[Stream] {
	out, err := g.breaker.Execute(func() (any, error) {
		res := g.inner.StreamCompletion(ctx, req)
		if res.IsErr() {
			return res, res.Error()
		}
		return res, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return result.Err[Stream](result.New(result.CategoryBusiness, "ProviderCircuitOpen",
				"provider circuit is open after repeated failures").WithContext("provider", g.breaker.Name()))
		}
		return out.(result.Result[Stream])
	}
	return out.(result.Result[Stream])
}

func (g *guardedProvider) IsAvailable(ctx context.Context) result.Result[bool] {
	if g.breaker.State() == gobreaker.StateOpen {
		return result.Ok(false)
	}
	return g.inner.IsAvailable(ctx)
}

func (g *guardedProvider) GetCapabilities() Capabilities {
	return g.inner.GetCapabilities()
}

func (g *guardedProvider) GetModels() result.Result[[]ModelInfo] {
	return g.inner.GetModels()
}

func (g *guardedProvider) Cleanup() error {
	return g.inner.Cleanup()
}
