package classify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haricheung/agentic-shell/internal/provider"
	"github.com/haricheung/agentic-shell/internal/result"
	"github.com/haricheung/agentic-shell/internal/schema"
)

const classificationTaskPrompt = "Classify the following user input as exactly one of command, prompt, or workflow, " +
	"and respond using the required JSON shape.\n\nInput: %s"

// completer is the narrow slice of *provider.Handler's public surface
// structuredMethod depends on — letting tests supply a scripted fake
// without constructing a real provider registry.
type completer interface {
	Complete(ctx context.Context, prompt string, opts provider.Options) result.Result[provider.Response]
}

// structuredMethod is the shared implementation behind ollama-native and
// langchain-function-calling: both send the input plus a task framing to a
// structured-output-capable provider with a pinned schema, decode and
// validate the JSON response, and short-circuit obvious commands through
// the rule-based detector before any network I/O, per §4.2.
type structuredMethod struct {
	name         MethodName
	handler      completer
	schemas      *schema.Registry
	schemaName   string
	providerName string
	ruleBased    *ruleBasedMethod
	accuracy     float64
	latencyMs    float64
}

func newOllamaNativeMethod(handler completer, schemas *schema.Registry, schemaName, providerName string, rb *ruleBasedMethod) *structuredMethod {
	return &structuredMethod{
		name: MethodOllamaNative, handler: handler, schemas: schemas, schemaName: schemaName,
		providerName: providerName, ruleBased: rb, accuracy: 0.85, latencyMs: 600,
	}
}

func newFunctionCallingMethod(handler completer, schemas *schema.Registry, schemaName, providerName string, rb *ruleBasedMethod) *structuredMethod {
	return &structuredMethod{
		name: MethodFunctionCalling, handler: handler, schemas: schemas, schemaName: schemaName,
		providerName: providerName, ruleBased: rb, accuracy: 0.83, latencyMs: 700,
	}
}

func (m *structuredMethod) classify(ctx context.Context, input string, pctx ProcessingContext) result.Result[ClassificationResult] {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "InvalidInput", "input must not be empty or whitespace-only"))
	}

	if strings.HasPrefix(trimmed, m.ruleBased.commandPrefix) {
		return m.ruleBased.classify(ctx, input, pctx)
	}

	entryRes := m.schemas.Get(m.schemaName)
	if entryRes.IsErr() {
		return result.Err[ClassificationResult](entryRes.Error())
	}
	entry := entryRes.Value()

	var schemaMap map[string]any
	if err := json.Unmarshal(entry.Schema, &schemaMap); err != nil {
		return result.Err[ClassificationResult](result.Wrap(result.CategorySystem, "InvalidSchema", "registered schema is not a JSON object", err))
	}

	resp := m.handler.Complete(ctx, sprintfTask(trimmed), provider.Options{Provider: m.providerName, Format: schemaMap})
	if resp.IsErr() {
		return result.Err[ClassificationResult](mapProviderFailure(resp.Error()))
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(resp.Value().Content), &decoded); err != nil {
		return result.Err[ClassificationResult](result.Wrap(result.CategoryValidation, "InvalidJson", "provider response was not valid JSON", err))
	}

	if verr := entry.Validate(decoded); verr != nil {
		return result.Err[ClassificationResult](result.Wrap(result.CategoryValidation, "SchemaViolation", "provider response failed schema validation", verr))
	}

	t, ok := decoded["type"].(string)
	if !ok || (t != string(TypeCommand) && t != string(TypePrompt) && t != string(TypeWorkflow)) {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "SchemaViolation", "decoded type is not one of command/prompt/workflow"))
	}
	confidence, _ := decoded["confidence"].(float64)
	reasoning, _ := decoded["reasoning"].(string)

	res := newResult(Type(t), confidence, m.name, reasoning)
	res.Metadata["schema"] = m.schemaName
	return result.Ok(res)
}

func sprintfTask(input string) string {
	return strings.Replace(classificationTaskPrompt, "%s", input, 1)
}

// mapProviderFailure translates a provider-layer *result.Error into the
// classification failure taxonomy §4.2 names: ProviderUnavailable,
// Timeout, ProviderError.
func mapProviderFailure(e *result.Error) *result.Error {
	switch e.Category {
	case result.CategoryTimeout:
		return result.New(result.CategoryTimeout, "Timeout", e.Message).WithContext("cause", e.Code)
	case result.CategoryNetwork:
		return result.New(result.CategoryNetwork, "ProviderUnavailable", e.Message).WithContext("cause", e.Code)
	case result.CategoryBusiness:
		return result.New(result.CategoryBusiness, "ProviderError", e.Message).WithContext("cause", e.Code).WithContext("context", e.Context)
	default:
		return e
	}
}

func (m *structuredMethod) isAvailable(ctx context.Context) bool {
	if m.handler == nil {
		return false
	}
	return true
}

func (m *structuredMethod) getExpectedAccuracy() float64 { return m.accuracy }
func (m *structuredMethod) getAverageLatencyMs() float64 { return m.latencyMs }
func (m *structuredMethod) getMethodName() MethodName    { return m.name }
