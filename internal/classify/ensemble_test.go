package classify

import (
	"context"
	"testing"

	"github.com/haricheung/agentic-shell/internal/result"
)

type scriptedMethod struct {
	name    MethodName
	outcome result.Result[ClassificationResult]
	calls   int
}

func (m *scriptedMethod) classify(context.Context, string, ProcessingContext) result.Result[ClassificationResult] {
	m.calls++
	return m.outcome
}
func (m *scriptedMethod) isAvailable(context.Context) bool { return true }
func (m *scriptedMethod) getExpectedAccuracy() float64     { return 0.8 }
func (m *scriptedMethod) getAverageLatencyMs() float64     { return 10 }
func (m *scriptedMethod) getMethodName() MethodName        { return m.name }

func okVote(name MethodName, t Type, confidence float64) *scriptedMethod {
	return &scriptedMethod{name: name, outcome: result.Ok(newResult(t, confidence, name, ""))}
}

func errVote(name MethodName) *scriptedMethod {
	return &scriptedMethod{name: name, outcome: result.Err[ClassificationResult](result.New(result.CategoryNetwork, "ProviderUnavailable", "down"))}
}

func TestEnsembleMajorityAgreementAggregatesMeanConfidence(t *testing.T) {
	members := []Method{
		okVote("a", TypePrompt, 0.6),
		okVote("b", TypePrompt, 0.8),
		okVote("c", TypeWorkflow, 0.9),
	}
	m := newEnsembleMethod(members, 0.6)
	res := m.classify(context.Background(), "do something", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	got := res.Value()
	if got.Type != TypePrompt {
		t.Fatalf("got type %v, want prompt (2 of 3 agree)", got.Type)
	}
	want := (0.6 + 0.8) / 2
	if got.Confidence != want {
		t.Errorf("got confidence %v, want %v", got.Confidence, want)
	}
	if got.Method != MethodEnsemble {
		t.Errorf("got method %v, want ensemble", got.Method)
	}
	dissenting, ok := got.Metadata["dissenting"].([]map[string]any)
	if !ok || len(dissenting) != 1 {
		t.Errorf("expected one dissenting vote recorded, got %+v", got.Metadata["dissenting"])
	}
}

func TestEnsembleBelowMinimumAgreementFails(t *testing.T) {
	members := []Method{
		okVote("a", TypePrompt, 0.6),
		okVote("b", TypeWorkflow, 0.8),
		okVote("c", TypeCommand, 0.9),
	}
	m := newEnsembleMethod(members, 0.6)
	res := m.classify(context.Background(), "do something", ProcessingContext{})
	if !res.IsErr() || res.Error().Code != "AllMethodsFailed" {
		t.Fatalf("expected AllMethodsFailed on no consensus, got %+v", res.Error())
	}
}

func TestEnsembleIgnoresFailedMembersWhenComputingAgreement(t *testing.T) {
	members := []Method{
		okVote("a", TypeCommand, 0.7),
		okVote("b", TypeCommand, 0.9),
		errVote("c"),
	}
	m := newEnsembleMethod(members, 0.6)
	res := m.classify(context.Background(), "/status", ProcessingContext{})
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	if res.Value().Type != TypeCommand {
		t.Errorf("got type %v, want command", res.Value().Type)
	}
}

func TestEnsembleAllMembersFailingReturnsAllMethodsFailed(t *testing.T) {
	members := []Method{errVote("a"), errVote("b")}
	m := newEnsembleMethod(members, 0.6)
	res := m.classify(context.Background(), "do something", ProcessingContext{})
	if !res.IsErr() || res.Error().Code != "AllMethodsFailed" {
		t.Fatalf("expected AllMethodsFailed, got %+v", res.Error())
	}
}

func TestEnsembleDefaultsMinimumAgreementWhenUnset(t *testing.T) {
	m := newEnsembleMethod([]Method{okVote("a", TypePrompt, 0.5)}, 0)
	if m.minimumAgreement != defaultMinimumAgreement {
		t.Errorf("got %v, want default %v", m.minimumAgreement, defaultMinimumAgreement)
	}
}
