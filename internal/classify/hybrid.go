package classify

import (
	"context"
	"fmt"

	"github.com/haricheung/agentic-shell/internal/result"
)

const defaultHybridThreshold = 0.8

// hybridMethod runs rule-based first and only escalates to an LLM-backed
// method when the rule-based stage is not confident enough, per §4.2.
type hybridMethod struct {
	ruleBased *ruleBasedMethod
	stage2    Method
	threshold float64
}

func newHybridMethod(ruleBased *ruleBasedMethod, stage2 Method, threshold float64) *hybridMethod {
	if threshold <= 0 {
		threshold = defaultHybridThreshold
	}
	return &hybridMethod{ruleBased: ruleBased, stage2: stage2, threshold: threshold}
}

func (m *hybridMethod) classify(ctx context.Context, input string, pctx ProcessingContext) result.Result[ClassificationResult] {
	stage1 := m.ruleBased.classify(ctx, input, pctx)
	if stage1.IsErr() {
		return stage1
	}
	first := stage1.Value()

	if first.Confidence >= m.threshold && first.Type != "" {
		res := first
		res.Method = MethodHybrid
		res.Metadata["stage"] = "rule-only"
		return result.Ok(res)
	}

	stage2 := m.stage2.classify(ctx, input, pctx)
	if stage2.IsErr() {
		return stage2
	}
	second := stage2.Value()

	combined := combineHybridConfidence(first, second)
	combined.Method = MethodHybrid
	combined.Metadata["stage"] = "rule+llm"
	combined.ExtractedData = mergeExtracted(first.ExtractedData, second.ExtractedData)
	return result.Ok(combined)
}

// combineHybridConfidence implements §4.2's merge rule: agreement takes
// the mean plus a small bonus capped at 0.98; disagreement trusts the LLM
// stage but reduces its confidence by 0.1, floored at 0.6.
func combineHybridConfidence(first, second ClassificationResult) ClassificationResult {
	if first.Type == second.Type {
		conf := (first.Confidence+second.Confidence)/2 + 0.1
		if conf > 0.98 {
			conf = 0.98
		}
		return ClassificationResult{
			Type: second.Type, Confidence: conf,
			Reasoning: fmt.Sprintf("rule-based and %s agree: %s", second.Method, second.Reasoning),
			Metadata:  map[string]any{}, ExtractedData: map[string]any{},
		}
	}
	conf := second.Confidence - 0.1
	if conf < 0.6 {
		conf = 0.6
	}
	return ClassificationResult{
		Type: second.Type, Confidence: conf,
		Reasoning: fmt.Sprintf("rule-based (%s) and %s (%s) disagree; trusting %s", first.Type, second.Method, second.Type, second.Method),
		Metadata:  map[string]any{}, ExtractedData: map[string]any{},
	}
}

func mergeExtracted(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v // LLM-stage data overwrites on key collision, per §4.2
	}
	return merged
}

func (m *hybridMethod) isAvailable(ctx context.Context) bool {
	return m.ruleBased.isAvailable(ctx) && m.stage2.isAvailable(ctx)
}

func (m *hybridMethod) getExpectedAccuracy() float64 {
	return (m.ruleBased.getExpectedAccuracy() + m.stage2.getExpectedAccuracy()) / 2
}

func (m *hybridMethod) getAverageLatencyMs() float64 {
	return m.ruleBased.getAverageLatencyMs() + m.stage2.getAverageLatencyMs()
}

func (m *hybridMethod) getMethodName() MethodName { return MethodHybrid }
