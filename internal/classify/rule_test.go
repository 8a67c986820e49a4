package classify

import (
	"context"
	"testing"
)

func TestRuleBasedCommandPrefix(t *testing.T) {
	m := newRuleBasedMethod("")
	res := m.classify(context.Background(), "/status", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	got := res.Value()
	if got.Type != TypeCommand || got.Confidence != 1.0 || got.Method != MethodRuleBased {
		t.Fatalf("got %+v, want command/1.0/rule-based", got)
	}
	if got.ExtractedData["commandName"] != "status" {
		t.Errorf("got commandName %v, want status", got.ExtractedData["commandName"])
	}
	if args, ok := got.ExtractedData["args"].([]string); !ok || len(args) != 0 {
		t.Errorf("got args %v, want empty slice", got.ExtractedData["args"])
	}
}

func TestRuleBasedGreetingIsPromptWithHighConfidence(t *testing.T) {
	m := newRuleBasedMethod("")
	res := m.classify(context.Background(), "hi", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	got := res.Value()
	if got.Type != TypePrompt {
		t.Fatalf("got type %v, want prompt", got.Type)
	}
	if got.Confidence < 0.7 {
		t.Errorf("got confidence %v, want >= 0.7", got.Confidence)
	}
}

func TestRuleBasedWorkflowDetectsFileAndActionVerb(t *testing.T) {
	m := newRuleBasedMethod("")
	res := m.classify(context.Background(), "write a quicksort in haskell into file foo.hs", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	got := res.Value()
	if got.Type != TypeWorkflow {
		t.Fatalf("got type %v, want workflow", got.Type)
	}
	if got.Confidence < 0.6 {
		t.Errorf("got confidence %v, want >= 0.6", got.Confidence)
	}
	indicators, ok := got.ExtractedData["workflowIndicators"].([]string)
	if !ok {
		t.Fatalf("expected workflowIndicators to be a []string, got %T", got.ExtractedData["workflowIndicators"])
	}
	if !containsStr(indicators, "write") {
		t.Errorf("expected workflowIndicators %v to contain %q", indicators, "write")
	}
	if !containsStr(indicators, ".hs") {
		t.Errorf("expected workflowIndicators %v to contain %q", indicators, ".hs")
	}
}

func TestRuleBasedEmptyInputFails(t *testing.T) {
	m := newRuleBasedMethod("")
	res := m.classify(context.Background(), "   ", ProcessingContext{})
	if !res.IsErr() || res.Error().Code != "InvalidInput" {
		t.Fatalf("expected InvalidInput, got %+v", res.Error())
	}
}

func TestRuleBasedConfidenceAlwaysInUnitRange(t *testing.T) {
	m := newRuleBasedMethod("")
	inputs := []string{"/status", "hi", "write a quicksort in haskell into file foo.hs", "random text with no signals at all"}
	for _, in := range inputs {
		res := m.classify(context.Background(), in, ProcessingContext{})
		if res.IsErr() {
			continue
		}
		c := res.Value().Confidence
		if c < 0 || c > 1 {
			t.Errorf("input %q produced out-of-range confidence %v", in, c)
		}
	}
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
