package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/haricheung/agentic-shell/internal/result"
)

const defaultCommandPrefix = "/"

var (
	greetingWords = []string{"hi", "hello", "hey", "thanks", "thank you", "good morning", "good evening"}
	questionWords = []string{"what", "why", "how", "when", "where", "who", "which", "can you", "could you", "would you"}
	conversationalMarkers = []string{"please", "just wondering", "i was wondering", "quick question"}

	actionVerbs = []string{
		"write", "create", "build", "implement", "generate", "refactor", "fix",
		"add", "delete", "remove", "update", "run", "execute", "compile",
		"deploy", "install", "configure", "migrate", "optimize",
	}
	technicalTerms = []string{
		"function", "class", "algorithm", "quicksort", "mergesort", "recursion",
		"api", "database", "server", "compiler", "haskell", "python", "rust",
		"golang", "javascript", "typescript",
	}
	multiStepIndicators = []string{"then", "after that", "first,", "next,", "steps", "step 1", "step one"}

	fileExtensionPattern = regexp.MustCompile(`\.(go|py|js|ts|rb|java|c|cpp|h|hs|rs|sh|md|json|yaml|yml|txt|html|css)\b`)
	filePathPattern       = regexp.MustCompile(`(?:^|\s)[\w./-]+/[\w./-]+`)
)

// ruleBasedMethod is the deterministic cascade §4.2 describes: command
// prefix detection first, then additive-with-clamp indicator scoring
// between prompt and workflow signals. Ties resolve to prompt.
type ruleBasedMethod struct {
	commandPrefix string
}

func newRuleBasedMethod(commandPrefix string) *ruleBasedMethod {
	if commandPrefix == "" {
		commandPrefix = defaultCommandPrefix
	}
	return &ruleBasedMethod{commandPrefix: commandPrefix}
}

func containsWord(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func (m *ruleBasedMethod) classify(_ context.Context, input string, _ ProcessingContext) result.Result[ClassificationResult] {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "InvalidInput", "input must not be empty or whitespace-only"))
	}

	if strings.HasPrefix(trimmed, m.commandPrefix) {
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, m.commandPrefix))
		parts := strings.Fields(rest)
		commandName := ""
		args := []string{}
		if len(parts) > 0 {
			commandName = parts[0]
			args = parts[1:]
		}
		res := newResult(TypeCommand, 1.0, MethodRuleBased, "input begins with the configured command prefix")
		res.ExtractedData["commandName"] = commandName
		res.ExtractedData["args"] = args
		return result.Ok(res)
	}

	lower := strings.ToLower(trimmed)

	promptScore := 0.0
	var promptIndicators []string
	if matched := firstMatch(lower, greetingWords); matched != "" {
		promptScore += 0.75
		promptIndicators = append(promptIndicators, matched)
	}
	if matched := firstMatch(lower, questionWords); matched != "" {
		promptScore += 0.25
		promptIndicators = append(promptIndicators, matched)
	}
	if matched := firstMatch(lower, conversationalMarkers); matched != "" {
		promptScore += 0.15
		promptIndicators = append(promptIndicators, matched)
	}

	workflowScore := 0.0
	var workflowIndicators []string
	for _, v := range actionVerbs {
		if containsWord(lower, v) {
			workflowScore += 0.3
			workflowIndicators = append(workflowIndicators, v)
			break // one action-verb match is enough signal; repeats don't compound
		}
	}
	if extMatches := fileExtensionPattern.FindAllString(lower, -1); len(extMatches) > 0 {
		workflowScore += 0.35
		workflowIndicators = append(workflowIndicators, extMatches...)
	}
	hasFileRef := fileExtensionPattern.MatchString(lower) || filePathPattern.MatchString(lower)
	if matched := firstMatch(lower, technicalTerms); matched != "" {
		workflowScore += 0.15
		workflowIndicators = append(workflowIndicators, matched)
	}
	if matched := firstMatch(lower, multiStepIndicators); matched != "" {
		workflowScore += 0.2
		workflowIndicators = append(workflowIndicators, matched)
	}

	promptDominant := promptScore >= workflowScore
	if promptDominant && (!hasFileRef || workflowScore < 0.3) {
		conf := promptScore
		if conf == 0 {
			conf = 0.3 // no signal either way: weak default toward prompt
		}
		res := newResult(TypePrompt, clampRange(conf, 0.1, 0.95), MethodRuleBased, "prompt signals dominate with no strong workflow indicators")
		res.ExtractedData["promptIndicators"] = promptIndicators
		return result.Ok(res)
	}

	res := newResult(TypeWorkflow, clampRange(workflowScore, 0.1, 0.95), MethodRuleBased, "workflow signals (action verbs, file references, or multi-step markers) dominate")
	res.ExtractedData["workflowIndicators"] = workflowIndicators
	return result.Ok(res)
}

func firstMatch(haystack string, candidates []string) string {
	for _, c := range candidates {
		if strings.Contains(haystack, c) {
			return c
		}
	}
	return ""
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (m *ruleBasedMethod) isAvailable(context.Context) bool   { return true }
func (m *ruleBasedMethod) getExpectedAccuracy() float64       { return 0.75 }
func (m *ruleBasedMethod) getAverageLatencyMs() float64       { return 1 }
func (m *ruleBasedMethod) getMethodName() MethodName          { return MethodRuleBased }
