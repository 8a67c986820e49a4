package provider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/result"
)

// Options lets a caller override the config-supplied defaults for a single
// request, per §4.4. Any nil field falls back to PromptConfig.defaults.
type Options struct {
	Provider    string
	Model       string
	Temperature *float64
	MaxTokens   *int
	TimeoutMs   *int
	Format      map[string]any
}

// Handler is the public facade C2/C3 call into: it resolves a provider and
// model from Options and the loaded defaults, retries transient failures,
// falls back across the provider preference list when configured, and
// stamps provenance metadata onto every successful Response.
type Handler struct {
	cfg      *PromptConfig
	registry *Registry
	retry    result.RetryPolicy
	log      *zap.SugaredLogger
}

// NewHandler builds a Handler bound to cfg and registry.
func NewHandler(cfg *PromptConfig, registry *Registry, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{cfg: cfg, registry: registry, retry: result.DefaultRetryPolicy(), log: log}
}

func (h *Handler) resolveRequest(opts Options) Request {
	req := Request{
		Prompt:      "", // filled by caller via Complete/Stream's prompt argument
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TimeoutMs:   opts.TimeoutMs,
		Format:      opts.Format,
	}
	if req.Model == "" {
		req.Model = h.cfg.Defaults.Model
	}
	if req.Temperature == nil {
		t := h.cfg.Defaults.Temperature
		req.Temperature = &t
	}
	if req.MaxTokens == nil {
		m := h.cfg.Defaults.MaxTokens
		req.MaxTokens = &m
	}
	if req.TimeoutMs == nil {
		tm := h.cfg.Defaults.TimeoutMs
		req.TimeoutMs = &tm
	}
	return req
}

func withTimeout(ctx context.Context, ms *int) (context.Context, context.CancelFunc) {
	if ms == nil || *ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(*ms)*time.Millisecond)
}

// Complete resolves the configured provider chain and runs prompt through
// it, retrying transient failures and falling back to the next preferred
// provider when features.enableFallback is set and every retry for the
// current provider is exhausted. The returned Response carries provenance
// metadata: {provider, model, usage, finishReason}.
func (h *Handler) Complete(ctx context.Context, prompt string, opts Options) result.Result[Response] {
	if prompt == "" {
		return result.Err[Response](result.New(result.CategoryValidation, "InvalidInput", "prompt must not be empty"))
	}

	req := h.resolveRequest(opts)
	req.Prompt = prompt

	chain := h.registry.PreferenceList(opts.Provider)
	if len(chain) == 0 {
		return result.Err[Response](result.New(result.CategoryValidation, "ProviderNotFound", "no provider configured"))
	}
	if !h.cfg.Features.Fallback {
		chain = chain[:1]
	}

	var last result.Result[Response]
	for i, name := range chain {
		providerRes := h.registry.Get(name)
		if providerRes.IsErr() {
			last = result.Err[Response](providerRes.Error())
			continue
		}
		p := providerRes.Value()

		start := time.Now()
		callCtx, cancel := withTimeout(ctx, req.TimeoutMs)
		res := h.callWithRetry(callCtx, p, req)
		cancel()

		outcome := "ok"
		if res.IsErr() {
			outcome = "error"
		}
		observeCompletion(name, outcome, time.Since(start).Seconds())

		if res.IsOk() {
			return result.Ok(withProvenance(res.Value(), name, req.Model))
		}
		last = res
		if i+1 < len(chain) {
			observeFallback(name, chain[i+1])
			h.log.Warnw("provider failed, falling back", "provider", name, "next", chain[i+1], "error", res.Error())
		}
	}
	return last
}

func (h *Handler) callWithRetry(ctx context.Context, p Provider, req Request) result.Result[Response] {
	if !h.cfg.Features.Retries {
		return p.Complete(ctx, req)
	}
	return result.Do(ctx, h.retry, func(ctx context.Context) result.Result[Response] {
		return p.Complete(ctx, req)
	})
}

func withProvenance(resp Response, providerName, model string) Response {
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any, 3)
	}
	resp.Metadata["provider"] = providerName
	if resp.Model == "" {
		resp.Model = model
	}
	return resp
}

// Stream resolves the configured provider and opens a streaming completion.
// Streaming never falls back mid-stream — a failure opening the stream may
// retry against the next provider, but a stream that starts is not
// restarted, matching the Stream interface's non-restartable contract.
func (h *Handler) Stream(ctx context.Context, prompt string, opts Options) result.Result[Stream] {
	if prompt == "" {
		return result.Err[Stream](result.New(result.CategoryValidation, "InvalidInput", "prompt must not be empty"))
	}

	req := h.resolveRequest(opts)
	req.Prompt = prompt

	chain := h.registry.PreferenceList(opts.Provider)
	if len(chain) == 0 {
		return result.Err[Stream](result.New(result.CategoryValidation, "ProviderNotFound", "no provider configured"))
	}
	if !h.cfg.Features.Fallback {
		chain = chain[:1]
	}

	var last result.Result[Stream]
	for _, name := range chain {
		providerRes := h.registry.Get(name)
		if providerRes.IsErr() {
			last = result.Err[Stream](providerRes.Error())
			continue
		}
		res := providerRes.Value().StreamCompletion(ctx, req)
		if res.IsOk() {
			return result.Ok(res.Value())
		}
		last = res
	}
	return last
}
