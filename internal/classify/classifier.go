package classify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/result"
)

const defaultMaxInputLen = 8192

// fallbackConfidencePenalty is subtracted from a fallback classification's
// confidence, floored at fallbackConfidenceFloor, so degraded results are
// visibly less trusted than a primary-method success, per §8 scenario 5.
const (
	fallbackConfidencePenalty = 0.2
	fallbackConfidenceFloor   = 0.1
)

// Config parameterizes a Classifier: which method runs by default, which
// method backstops failures, and whether a failing primary escalates to
// the ensemble before falling back to rule-based. Ensemble escalation
// defaults off — it at least doubles request cost per classification, so
// operators opt in explicitly rather than inheriting it silently.
type Config struct {
	DefaultMethod      MethodName
	EnsembleEscalation bool
	MaxInputLen        int
	CommandPrefix      string
}

// Classifier is the C2 dispatcher: a method table keyed by MethodName, a
// fallback chain, and running Statistics, per §4.2.
type Classifier struct {
	mu            sync.Mutex
	methods       map[MethodName]Method
	ensemble      Method
	defaultMethod MethodName
	fallback      *ruleBasedMethod
	escalate      bool
	maxInputLen   int
	commandPrefix string
	stats         *Statistics
	log           *zap.SugaredLogger
}

// NewClassifier builds a dispatcher over the given method table. fallback
// is always rule-based: it is the one method guaranteed never to need a
// network call, so it is the floor every other method falls back onto.
func NewClassifier(cfg Config, methods map[MethodName]Method, ensemble Method, fallback *ruleBasedMethod, log *zap.SugaredLogger) *Classifier {
	maxLen := cfg.MaxInputLen
	if maxLen <= 0 {
		maxLen = defaultMaxInputLen
	}
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Classifier{
		methods:       methods,
		ensemble:      ensemble,
		defaultMethod: cfg.DefaultMethod,
		fallback:      fallback,
		escalate:      cfg.EnsembleEscalation,
		maxInputLen:   maxLen,
		commandPrefix: prefix,
		stats:         newStatistics(),
		log:           log,
	}
}

// Configure swaps the dispatcher's tunables at runtime without touching
// accumulated Statistics.
func (c *Classifier) Configure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.DefaultMethod != "" {
		c.defaultMethod = cfg.DefaultMethod
	}
	c.escalate = cfg.EnsembleEscalation
	if cfg.MaxInputLen > 0 {
		c.maxInputLen = cfg.MaxInputLen
	}
	if cfg.CommandPrefix != "" {
		c.commandPrefix = cfg.CommandPrefix
	}
}

// ResetStats zeroes the running Statistics.
func (c *Classifier) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = newStatistics()
}

// Stats returns a snapshot copy of the running Statistics.
func (c *Classifier) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := *c.stats
	snapshot.TypeDistribution = make(map[Type]int64, len(c.stats.TypeDistribution))
	for k, v := range c.stats.TypeDistribution {
		snapshot.TypeDistribution[k] = v
	}
	snapshot.MethodUsage = make(map[MethodName]int64, len(c.stats.MethodUsage))
	for k, v := range c.stats.MethodUsage {
		snapshot.MethodUsage[k] = v
	}
	return snapshot
}

// Classify dispatches input to the requested (or default) method, falling
// back to rule-based on failure and finally to a safe synthesized default
// when even that fails, per §4.2 and §8 scenario 5.
func (c *Classifier) Classify(ctx context.Context, input string, opts Options) result.Result[ClassificationResult] {
	start := time.Now()

	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "InvalidInput", "input must not be empty or whitespace-only"))
	}

	c.mu.Lock()
	maxLen := c.maxInputLen
	prefix := c.commandPrefix
	name := opts.Method
	if name == "" {
		name = c.defaultMethod
	}
	method, known := c.methods[name]
	escalate := c.escalate
	ensemble := c.ensemble
	c.mu.Unlock()

	if len(input) > maxLen {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "InputTooLong",
			fmt.Sprintf("input length %d exceeds maximum %d", len(input), maxLen)))
	}
	if !known {
		return result.Err[ClassificationResult](result.New(result.CategoryValidation, "MethodUnavailable",
			fmt.Sprintf("method %q is not registered", name)))
	}

	pctx := opts.Context
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = start
	}

	primary := method.classify(ctx, input, pctx)
	if primary.IsOk() {
		c.record(primary.Value(), time.Since(start))
		return primary
	}
	primaryErr := primary.Error()

	if escalate && ensemble != nil && name != MethodEnsemble {
		escalated := ensemble.classify(ctx, input, pctx)
		if escalated.IsOk() {
			res := escalated.Value()
			res.Reasoning = fmt.Sprintf("primary method %q failed (%s); escalated to ensemble: %s", name, primaryErr.Message, res.Reasoning)
			c.record(res, time.Since(start))
			return result.Ok(res)
		}
	}

	fallback := c.fallback.classify(ctx, input, pctx)
	if fallback.IsOk() {
		res := fallback.Value()
		res.Confidence -= fallbackConfidencePenalty
		if res.Confidence < fallbackConfidenceFloor {
			res.Confidence = fallbackConfidenceFloor
		}
		res.Reasoning = fmt.Sprintf("Primary method %q failed: %s; falling back to rule-based: %s", name, primaryErr.Message, res.Reasoning)
		c.record(res, time.Since(start))
		return result.Ok(res)
	}

	res := c.safeDefault(input, prefix, name, primaryErr)
	c.record(res, time.Since(start))
	return result.Ok(res)
}

// safeDefault is the last resort when rule-based itself cannot classify
// (empty input is the only case, already rejected above, so this path is
// defensive). It never calls a method and so can never fail.
func (c *Classifier) safeDefault(input, prefix string, primaryName MethodName, primaryErr *result.Error) ClassificationResult {
	t := TypePrompt
	if strings.HasPrefix(strings.TrimSpace(input), prefix) {
		t = TypeCommand
	}
	res := newResult(t, fallbackConfidenceFloor, MethodRuleBased,
		fmt.Sprintf("Primary method %q and rule-based fallback both failed (%s); using safe default", primaryName, primaryErr.Message))
	res.Metadata["degraded"] = true
	return res
}

func (c *Classifier) record(res ClassificationResult, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalClassifications++
	c.stats.TotalProcessingTimeMs += elapsed.Milliseconds()
	c.stats.TotalConfidence += res.Confidence
	c.stats.TypeDistribution[res.Type]++
	c.stats.MethodUsage[res.Method]++
	observeClassification(string(res.Method), string(res.Type), elapsed.Seconds(), res.Confidence)
}
