package classify

import (
	"context"
	"testing"

	"github.com/haricheung/agentic-shell/internal/provider"
	"github.com/haricheung/agentic-shell/internal/result"
	"github.com/haricheung/agentic-shell/internal/schema"
)

func TestHybridStage1ConfidentStopsAtRuleOnly(t *testing.T) {
	// "/status" gets confidence 1.0 from rule-based, well above threshold.
	fake := &scriptedCompleter{response: result.Ok(provider.Response{Content: `{"type":"command","confidence":0.2}`})}
	stage2 := newOllamaNativeMethod(fake, schema.NewWithBuiltins(nil), "minimal", "ollama", newRuleBasedMethod(""))
	m := newHybridMethod(newRuleBasedMethod(""), stage2, 0)

	res := m.classify(context.Background(), "/status", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	got := res.Value()
	if got.Method != MethodHybrid || got.Metadata["stage"] != "rule-only" {
		t.Fatalf("got %+v, want hybrid/rule-only", got)
	}
	if fake.calls != 0 {
		t.Errorf("expected stage 2 never invoked when stage 1 is confident, got %d calls", fake.calls)
	}
}

func TestHybridEscalatesWhenStage1Unconfident(t *testing.T) {
	fake := &scriptedCompleter{response: result.Ok(provider.Response{Content: `{"type":"workflow","confidence":0.9}`})}
	stage2 := newOllamaNativeMethod(fake, schema.NewWithBuiltins(nil), "minimal", "ollama", newRuleBasedMethod(""))
	m := newHybridMethod(newRuleBasedMethod(""), stage2, 0.8)

	res := m.classify(context.Background(), "random ambiguous text", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	if fake.calls != 1 {
		t.Errorf("expected stage 2 invoked once, got %d calls", fake.calls)
	}
	if res.Value().Method != MethodHybrid {
		t.Errorf("got method %v, want hybrid", res.Value().Method)
	}
}

func TestHybridAgreementAveragesConfidenceWithBonus(t *testing.T) {
	first := ClassificationResult{Type: TypeWorkflow, Confidence: 0.6}
	second := ClassificationResult{Type: TypeWorkflow, Confidence: 0.8, Method: MethodOllamaNative}
	combined := combineHybridConfidence(first, second)
	want := (0.6+0.8)/2 + 0.1
	if combined.Confidence != want {
		t.Errorf("got confidence %v, want %v", combined.Confidence, want)
	}
}

func TestHybridDisagreementTrustsLLMWithPenaltyAndFloor(t *testing.T) {
	first := ClassificationResult{Type: TypePrompt, Confidence: 0.9}
	second := ClassificationResult{Type: TypeWorkflow, Confidence: 0.65, Method: MethodOllamaNative}
	combined := combineHybridConfidence(first, second)
	if combined.Type != TypeWorkflow {
		t.Errorf("got type %v, want workflow (trust the LLM stage)", combined.Type)
	}
	if combined.Confidence != 0.6 {
		t.Errorf("got confidence %v, want 0.6 (0.65-0.1 floored at 0.6)", combined.Confidence)
	}
}

func TestHybridMergeExtractedDataLLMOverwritesOnCollision(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	overlay := map[string]any{"b": 99, "c": 3}
	merged := mergeExtracted(base, overlay)
	if merged["a"] != 1 || merged["b"] != 99 || merged["c"] != 3 {
		t.Errorf("got %+v, want LLM stage values to win on key collision", merged)
	}
}
