package provider

import (
	"bufio"
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
	registerFactory(KindRemote, func() Provider { return &remoteProvider{} })
}

// remoteProvider speaks the OpenAI-compatible chat completion wire
// protocol, per §6: POST {baseURL}/chat/completions with
// {model, messages, temperature, max_tokens, stream, tools}, adapted from
// the teacher's internal/llm.Client dialect. When req.Format names a JSON
// schema contract, it is encoded as a single forced function/tool call
// rather than the plain chat shape, matching the "langchain-function-
// calling" classification method's wire expectations.
type remoteProvider struct {
	baseURL string
	apiKey  string
	models  []ModelInfo
	client  *http.Client

	mu            sync.Mutex
	lastProbeAt   time.Time
	lastAvailable bool
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []tool        `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
}

type toolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChoice struct {
	Message struct {
		Content   string     `json:"content"`
		ToolCalls []toolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Delta        struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Model   string       `json:"model"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *remoteProvider) Initialize(cfg Config) result.Result[struct{}] {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	p.baseURL = base
	p.apiKey = cfg.APIKey
	p.models = cfg.Models
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p.client = &http.Client{Timeout: timeout}
	return result.Ok(struct{}{})
}

func (p *remoteProvider) buildRequest(req Request, stream bool) chatRequest {
	model := req.Model
	if model == "" && len(p.models) > 0 {
		model = p.models[0].Name
	}
	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.Format != nil {
		body.Tools = []tool{{
			Type: "function",
			Function: toolFunction{
				Name:        "emit_structured_result",
				Description: "Return the classification or completion result matching the required schema.",
				Parameters:  req.Format,
			},
		}}
		body.ToolChoice = map[string]any{"type": "function", "function": map[string]any{"name": "emit_structured_result"}}
	}
	return body
}

func (p *remoteProvider) doRequest(ctx context.Context, body chatRequest) (*http.Response, *result.Error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, result.Wrap(result.CategoryValidation, "InvalidInput", "could not encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, result.Wrap(result.CategorySystem, "RequestBuildFailed", "could not build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, result.Wrap(result.CategoryNetwork, "ProviderUnreachable", "remote provider request failed", err)
	}
	return resp, nil
}

// extractContent pulls either the tool-call arguments (when Format pinned a
// schema) or the plain message content out of the first choice.
func extractContent(choice chatChoice, wantedStructured bool) string {
	if wantedStructured && len(choice.Message.ToolCalls) > 0 {
		return choice.Message.ToolCalls[0].Function.Arguments
	}
	return choice.Message.Content
}

func (p *remoteProvider) Complete(ctx context.Context, req Request) result.Result[Response] {
	body := p.buildRequest(req, false)
	resp, rerr := p.doRequest(ctx, body)
	if rerr != nil {
		return result.Err[Response](rerr)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return result.Err[Response](result.Wrap(result.CategoryNetwork, "ProviderReadFailed", "could not read response body", err))
	}
	if resp.StatusCode >= 400 {
		return result.Err[Response](result.New(result.CategoryBusiness, "ProviderError",
			fmt.Sprintf("remote provider returned status %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode).WithContext("body", string(raw)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return result.Err[Response](result.Wrap(result.CategoryValidation, "MalformedResponse", "could not decode remote provider response", err))
	}
	if len(decoded.Choices) == 0 {
		return result.Err[Response](result.New(result.CategoryValidation, "MalformedResponse", "remote provider returned no choices"))
	}

	choice := decoded.Choices[0]
	return result.Ok(Response{
		Content:      extractContent(choice, req.Format != nil),
		Model:        decoded.Model,
		FinishReason: choice.FinishReason,
		Usage: &Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	})
}

// remoteStream decodes an OpenAI-style `data: {...}` / `data: [DONE]`
// server-sent-event stream into StreamChunks.
type remoteStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *remoteStream) Next(ctx context.Context) (StreamChunk, bool, *result.Error) {
	if s.done {
		return StreamChunk{}, false, nil
	}
	for {
		select {
		case <-ctx.Done():
			return StreamChunk{}, false, result.Wrap(result.CategoryCancelled, "StreamCancelled", "stream context cancelled", ctx.Err())
		default:
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.done = true
				return StreamChunk{}, false, nil
			}
			return StreamChunk{}, false, result.Wrap(result.CategoryNetwork, "StreamReadFailed", "could not read stream", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return StreamChunk{IsComplete: true}, true, nil
		}

		var decoded chatResponse
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return StreamChunk{}, false, result.Wrap(result.CategoryValidation, "MalformedResponse", "could not decode stream chunk", err)
		}
		if len(decoded.Choices) == 0 {
			continue
		}
		return StreamChunk{Content: decoded.Choices[0].Delta.Content}, true, nil
	}
}

func (s *remoteStream) Close() error {
	return s.body.Close()
}

func (p *remoteProvider) StreamCompletion(ctx context.Context, req Request) result.Result[Stream] {
	body := p.buildRequest(req, true)
	resp, rerr := p.doRequest(ctx, body)
	if rerr != nil {
		return result.Err[Stream](rerr)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return result.Err[Stream](result.New(result.CategoryBusiness, "ProviderError",
			fmt.Sprintf("remote provider returned status %d", resp.StatusCode)).WithContext("status", resp.StatusCode))
	}
	return result.Ok[Stream](&remoteStream{body: resp.Body, reader: bufio.NewReader(resp.Body)})
}

func (p *remoteProvider) IsAvailable(ctx context.Context) result.Result[bool] {
	p.mu.Lock()
	if time.Since(p.lastProbeAt) < availabilityCacheTTL {
		available := p.lastAvailable
		p.mu.Unlock()
		return result.Ok(available)
	}
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return result.Err[bool](result.Wrap(result.CategorySystem, "RequestBuildFailed", "could not build probe request", err))
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
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

func (p *remoteProvider) GetCapabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsFunctionCalling: true, SupportsJSONSchema: true}
}

func (p *remoteProvider) GetModels() result.Result[[]ModelInfo] {
	return result.Ok(p.models)
}

func (p *remoteProvider) Cleanup() error {
	return nil
}
