// Package classify implements the Classification Core (C2): a method table
// of pluggable classification strategies behind a uniform interface, a
// dispatcher with fallback and optional ensemble escalation, and running
// statistics, per §4.2.
package classify

import (
	"context"
	"time"

	"github.com/haricheung/agentic-shell/internal/result"
)

// Type is one of the three classification outcomes, per §3.
type Type string

const (
	TypeCommand  Type = "command"
	TypePrompt   Type = "prompt"
	TypeWorkflow Type = "workflow"
)

// MethodName identifies a concrete classification strategy, per the
// GLOSSARY: rule-based, ollama-native, langchain-function-calling, hybrid,
// ensemble. The source's overlapping LangChain method names (structured,
// few-shot, chat-prompt, output-parser, output-fixing) collapse to the
// single langchain-function-calling name here — their external contract
// is identical.
type MethodName string

const (
	MethodRuleBased       MethodName = "rule-based"
	MethodOllamaNative    MethodName = "ollama-native"
	MethodFunctionCalling MethodName = "langchain-function-calling"
	MethodHybrid          MethodName = "hybrid"
	MethodEnsemble        MethodName = "ensemble"
)

// ProcessingContext is the immutable, per-request context built by the
// orchestrator, per §3. Constructed once, consumed once, never stored.
type ProcessingContext struct {
	SessionID      string
	Source         string
	Timestamp      time.Time
	PreviousInputs []string
	Environment    map[string]string
}

// ClassificationResult is the outcome of one classify call, per §3.
// Invariant: Confidence is clamped to [0,1] on construction; Type is
// always one of the three enum values; Method identifies whichever method
// ultimately produced the result, including after fallback.
type ClassificationResult struct {
	Type          Type
	Confidence    float64
	Method        MethodName
	Reasoning     string
	ExtractedData map[string]any
	Metadata      map[string]any
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// newResult builds a ClassificationResult with Confidence clamped to [0,1].
func newResult(t Type, confidence float64, method MethodName, reasoning string) ClassificationResult {
	return ClassificationResult{
		Type:          t,
		Confidence:    clamp01(confidence),
		Method:        method,
		Reasoning:     reasoning,
		ExtractedData: map[string]any{},
		Metadata:      map[string]any{},
	}
}

// Options selects and parameterizes a single classify call.
type Options struct {
	Method   MethodName
	Context  ProcessingContext
	Deadline time.Duration
}

// Method is the uniform internal interface every classification strategy
// implements, per §4.2.
type Method interface {
	classify(ctx context.Context, input string, pctx ProcessingContext) result.Result[ClassificationResult]
	isAvailable(ctx context.Context) bool
	getExpectedAccuracy() float64
	getAverageLatencyMs() float64
	getMethodName() MethodName
}

// Statistics is the classifier's running counters, per §4.2.
type Statistics struct {
	TotalClassifications  int64
	TotalProcessingTimeMs int64
	TotalConfidence       float64
	TypeDistribution      map[Type]int64
	MethodUsage           map[MethodName]int64
}

// AverageConfidence returns totalConfidence/totalClassifications, or 0 when
// no classification has occurred — never NaN, per §8's round-trip law.
func (s *Statistics) AverageConfidence() float64 {
	if s.TotalClassifications == 0 {
		return 0
	}
	return s.TotalConfidence / float64(s.TotalClassifications)
}

func newStatistics() *Statistics {
	return &Statistics{
		TypeDistribution: make(map[Type]int64),
		MethodUsage:      make(map[MethodName]int64),
	}
}
