package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/agentic-shell/internal/result"
)

func init() {
	registerFactory(KindLocal, func() Provider { return &localProvider{} })
}

// localProvider speaks the Ollama-style local wire protocol, per §6:
// POST {baseURL}/api/generate with {model, prompt, options.num_predict,
// format, stream, temperature}, reading back newline-delimited or single
// {response, done, prompt_eval_count, eval_count, total_duration,
// load_duration} JSON objects. Unknown response fields are tolerated.
type localProvider struct {
	baseURL string
	models  []ModelInfo
	client  *http.Client

	mu            sync.Mutex
	lastProbeAt   time.Time
	lastAvailable bool
}

type ollamaOptions struct {
	NumPredict  *int     `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Format  map[string]any `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
	LoadDuration    int64  `json:"load_duration"`
}

func (p *localProvider) Initialize(cfg Config) result.Result[struct{}] {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	p.baseURL = base
	p.models = cfg.Models
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p.client = &http.Client{Timeout: timeout}
	return result.Ok(struct{}{})
}

func (p *localProvider) buildRequest(req Request) ollamaGenerateRequest {
	opts := &ollamaOptions{Temperature: req.Temperature}
	if req.MaxTokens != nil {
		opts.NumPredict = req.MaxTokens
	}
	model := req.Model
	if model == "" && len(p.models) > 0 {
		model = p.models[0].Name
	}
	return ollamaGenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		Format:  req.Format,
		Options: opts,
	}
}

func (p *localProvider) Complete(ctx context.Context, req Request) result.Result[Response] {
	body := p.buildRequest(req)
	body.Stream = false

	payload, err := json.Marshal(body)
	if err != nil {
		return result.Err[Response](result.Wrap(result.CategoryValidation, "InvalidInput", "could not encode request", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return result.Err[Response](result.Wrap(result.CategorySystem, "RequestBuildFailed", "could not build request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return result.Err[Response](result.Wrap(result.CategoryNetwork, "ProviderUnreachable", "local provider request failed", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return result.Err[Response](result.Wrap(result.CategoryNetwork, "ProviderReadFailed", "could not read response body", err))
	}
	if resp.StatusCode >= 400 {
		return result.Err[Response](result.New(result.CategoryBusiness, "ProviderError",
			fmt.Sprintf("local provider returned status %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode).WithContext("body", string(raw)))
	}

	var decoded ollamaGenerateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return result.Err[Response](result.Wrap(result.CategoryValidation, "MalformedResponse", "could not decode local provider response", err))
	}

	return result.Ok(Response{
		Content: decoded.Response,
		Usage: &Usage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
			TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
		},
		Model:        body.Model,
		FinishReason: "stop",
		Metadata: map[string]any{
			"totalDurationNs": decoded.TotalDuration,
			"loadDurationNs":  decoded.LoadDuration,
		},
	})
}

// localStream decodes the newline-delimited JSON objects Ollama emits when
// stream=true, surfacing each partial `response` field as a chunk.
type localStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	done    bool
}

func (s *localStream) Next(ctx context.Context) (StreamChunk, bool, *result.Error) {
	if s.done {
		return StreamChunk{}, false, nil
	}
	select {
	case <-ctx.Done():
		return StreamChunk{}, false, result.Wrap(result.CategoryCancelled, "StreamCancelled", "stream context cancelled", ctx.Err())
	default:
	}

	var decoded ollamaGenerateResponse
	if err := s.decoder.Decode(&decoded); err != nil {
		if err == io.EOF {
			s.done = true
			return StreamChunk{}, false, nil
		}
		return StreamChunk{}, false, result.Wrap(result.CategoryValidation, "MalformedResponse", "could not decode stream chunk", err)
	}
	if decoded.Done {
		s.done = true
	}
	return StreamChunk{Content: decoded.Response, IsComplete: decoded.Done}, true, nil
}

func (s *localStream) Close() error {
	return s.body.Close()
}

func (p *localProvider) StreamCompletion(ctx context.Context, req Request) result.Result[Stream] {
	body := p.buildRequest(req)
	body.Stream = true

	payload, err := json.Marshal(body)
	if err != nil {
		return result.Err[Stream](result.Wrap(result.CategoryValidation, "InvalidInput", "could not encode request", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return result.Err[Stream](result.Wrap(result.CategorySystem, "RequestBuildFailed", "could not build request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return result.Err[Stream](result.Wrap(result.CategoryNetwork, "ProviderUnreachable", "local provider request failed", err))
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return result.Err[Stream](result.New(result.CategoryBusiness, "ProviderError",
			fmt.Sprintf("local provider returned status %d", resp.StatusCode)).WithContext("status", resp.StatusCode))
	}

	return result.Ok[Stream](&localStream{body: resp.Body, decoder: json.NewDecoder(resp.Body)})
}

func (p *localProvider) IsAvailable(ctx context.Context) result.Result[bool] {
	p.mu.Lock()
	if time.Since(p.lastProbeAt) < availabilityCacheTTL {
		available := p.lastAvailable
		p.mu.Unlock()
		return result.Ok(available)
	}
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return result.Err[bool](result.Wrap(result.CategorySystem, "RequestBuildFailed", "could not build probe request", err))
	}
	resp, err := p.client.Do(httpReq)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastProbeAt = time.Now()
	p.lastAvailable = err == nil && resp != nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}
	return result.Ok(p.lastAvailable)
}

func (p *localProvider) GetCapabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsJSONSchema: true}
}

func (p *localProvider) GetModels() result.Result[[]ModelInfo] {
	return result.Ok(p.models)
}

func (p *localProvider) Cleanup() error {
	return nil
}
