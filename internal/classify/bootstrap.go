package classify

import (
	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/schema"
)

// NewDefaultClassifier wires the standard five-method table described in
// §4.2 — rule-based, ollama-native, langchain-function-calling, hybrid,
// ensemble — behind a single Classifier, using handler and schemas for the
// two LLM-backed methods and providerName to select which configured
// provider they call. This is the entrypoint cmd/agsh wires at startup;
// tests that need a scripted subset build method tables by hand via
// NewClassifier instead.
func NewDefaultClassifier(handler completer, schemas *schema.Registry, providerName string, cfg Config, log *zap.SugaredLogger) *Classifier {
	rule := newRuleBasedMethod(cfg.CommandPrefix)
	ollamaNative := newOllamaNativeMethod(handler, schemas, "standard", providerName, rule)
	functionCalling := newFunctionCallingMethod(handler, schemas, "standard", providerName, rule)
	hybrid := newHybridMethod(rule, ollamaNative, 0)
	ensemble := newEnsembleMethod([]Method{rule, ollamaNative, functionCalling}, 0)

	methods := map[MethodName]Method{
		MethodRuleBased:       rule,
		MethodOllamaNative:    ollamaNative,
		MethodFunctionCalling: functionCalling,
		MethodHybrid:          hybrid,
		MethodEnsemble:        ensemble,
	}
	return NewClassifier(cfg, methods, ensemble, rule, log)
}
