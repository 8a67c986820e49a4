// Package schema implements the Schema Registry (C1): a process-wide
// registry of named classification-output contracts with dual-counter
// (measured vs baseline) performance tracking, per §3 and §4.1.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/result"
)

// Complexity enumerates the shape tiers a schema can declare, per §3.
type Complexity string

const (
	ComplexityMinimal      Complexity = "minimal"
	ComplexityStandard     Complexity = "standard"
	ComplexityDetailed     Complexity = "detailed"
	ComplexityOptimized    Complexity = "optimized"
	ComplexityContextAware Complexity = "context_aware"
)

// Baseline holds the never-mutated baseline performance estimate for a
// schema's expected classification method performance.
type Baseline struct {
	Accuracy           float64
	LatencyMs          float64
	ParsingReliability float64
}

// Measured holds the atomically-updated counters §3 calls out:
// totalUses, successfulClassifications, totalLatencyMs,
// totalParsingAttempts, successfulParsingAttempts, lastMeasuredAt.
type Measured struct {
	TotalUses                 int64
	SuccessfulClassifications int64
	TotalLatencyMs            int64
	TotalParsingAttempts      int64
	SuccessfulParsingAttempts int64
	LastMeasuredAt            time.Time
}

// PerformanceProfile is the dual-track profile from §3: a baseline that
// never changes, and measured counters updated via TrackUsage.
//
// Expectations:
//   - Effective() returns Measured-derived values once TotalUses > 0
//   - Effective() returns Baseline values when TotalUses == 0
//   - SuccessfulClassifications never exceeds TotalUses
//   - SuccessfulParsingAttempts never exceeds TotalParsingAttempts
type PerformanceProfile struct {
	mu       sync.RWMutex
	Baseline Baseline
	Measured Measured
}

// Effective is the derived view §3 defines: accuracy, latencyMs,
// parsingReliability, plus whether the values come from live measurements.
type Effective struct {
	Accuracy           float64
	LatencyMs          float64
	ParsingReliability float64
	IsMeasured         bool
}

func (p *PerformanceProfile) effective() Effective {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Measured.TotalUses == 0 {
		return Effective{
			Accuracy:           p.Baseline.Accuracy,
			LatencyMs:          p.Baseline.LatencyMs,
			ParsingReliability: p.Baseline.ParsingReliability,
			IsMeasured:         false,
		}
	}
	accuracy := float64(p.Measured.SuccessfulClassifications) / float64(p.Measured.TotalUses)
	latency := float64(p.Measured.TotalLatencyMs) / float64(p.Measured.TotalUses)
	reliability := p.Baseline.ParsingReliability
	if p.Measured.TotalParsingAttempts > 0 {
		reliability = float64(p.Measured.SuccessfulParsingAttempts) / float64(p.Measured.TotalParsingAttempts)
	}
	return Effective{
		Accuracy:           clamp01(accuracy),
		LatencyMs:          latency,
		ParsingReliability: clamp01(reliability),
		IsMeasured:         true,
	}
}

func (p *PerformanceProfile) track(latencyMs int64, classificationSuccess, parsingSuccess bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Measured.TotalUses++
	p.Measured.TotalLatencyMs += latencyMs
	if classificationSuccess {
		p.Measured.SuccessfulClassifications++
	}
	p.Measured.TotalParsingAttempts++
	if parsingSuccess {
		p.Measured.SuccessfulParsingAttempts++
	}
	p.Measured.LastMeasuredAt = time.Now().UTC()
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

// Metadata describes a registered schema, per §3's ClassificationMethodMetadata
// (the registry attaches the same metadata shape to each schema entry).
type Metadata struct {
	Name           string
	Complexity     Complexity
	Version        string
	RecommendedFor []string
}

// Entry is one registered schema contract plus its metadata and
// performance profile.
type Entry struct {
	Name     string
	Schema   json.RawMessage
	Metadata Metadata
	Perf     *PerformanceProfile

	compiled *jsonschema.Schema
}

// Validate checks data against the entry's compiled JSON Schema contract.
func (e *Entry) Validate(data map[string]any) error {
	if e.compiled == nil {
		return nil
	}
	return e.compiled.Validate(data)
}

// Criteria narrows SelectOptimal's candidate set, per §4.1.
type Criteria struct {
	UseCase     string
	MaxLatencyMs float64
	MinAccuracy  float64
	Priority     string // "speed" | "accuracy" | ""
}

// Registry is the process-wide schema registry (§4.1).
//
// Expectations:
//   - Register fails with AlreadyExists when name is taken
//   - Get fails with NotFound for unknown names
//   - GetByComplexity returns the first registered match for level
//   - SelectOptimal filters then selects per the priority flag, ties break
//     by registration order
//   - TrackUsage updates counters atomically and never lets successful*
//     exceed total*
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
	log     *zap.SugaredLogger
}

// New creates an empty registry. Use NewWithBuiltins for the standard
// pre-registered schema set.
func New(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{entries: make(map[string]*Entry), log: log}
}

// NewWithBuiltins creates a registry pre-populated with the five built-in
// schemas §4.1 mandates: minimal, standard, detailed, optimized, context_aware.
func NewWithBuiltins(log *zap.SugaredLogger) *Registry {
	r := New(log)
	for _, b := range builtinSchemas() {
		if res := r.Register(b.name, b.schema, b.metadata); res.IsErr() {
			// Built-ins are authored in-package; a failure here is a bug.
			panic(res.Error())
		}
	}
	return r
}

// Register adds a new named schema contract. Fails with AlreadyExists if
// name is already registered.
func (r *Registry) Register(name string, schemaDoc json.RawMessage, metadata Metadata) result.Result[*Entry] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return result.Err[*Entry](result.New(result.CategoryBusiness, "AlreadyExists",
			fmt.Sprintf("schema %q is already registered", name)))
	}

	compiled, err := compile(name, schemaDoc)
	if err != nil {
		return result.Err[*Entry](result.Wrap(result.CategoryValidation, "InvalidSchema",
			fmt.Sprintf("schema %q failed to compile", name), err))
	}

	entry := &Entry{
		Name:     name,
		Schema:   schemaDoc,
		Metadata: metadata,
		Perf:     &PerformanceProfile{Baseline: baselineFor(metadata.Complexity)},
		compiled: compiled,
	}
	r.entries[name] = entry
	r.order = append(r.order, name)
	r.log.Infow("schema registered", "name", name, "complexity", metadata.Complexity)
	return result.Ok(entry)
}

func compile(name string, schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var v any
	if err := json.Unmarshal(schemaDoc, &v); err != nil {
		return nil, err
	}
	url := "mem://" + name
	if err := c.AddResource(url, v); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get looks up a schema by name.
func (r *Registry) Get(name string) result.Result[*Entry] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return result.Err[*Entry](result.New(result.CategoryBusiness, "NotFound",
			fmt.Sprintf("schema %q is not registered", name)))
	}
	return result.Ok(e)
}

// GetByComplexity returns the first registered schema matching level.
func (r *Registry) GetByComplexity(level Complexity) result.Result[*Entry] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		e := r.entries[name]
		if e.Metadata.Complexity == level {
			return result.Ok(e)
		}
	}
	return result.Err[*Entry](result.New(result.CategoryBusiness, "NotFound",
		fmt.Sprintf("no schema registered with complexity %q", level)))
}

// SelectOptimal filters registered schemas by criteria, then selects per
// the priority flag: "speed" picks minimum latency, "accuracy" picks
// maximum accuracy, otherwise prefers optimized > standard > first match.
// Ties break by registration order.
func (r *Registry) SelectOptimal(criteria Criteria) result.Result[*Entry] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Entry
	for _, name := range r.order {
		e := r.entries[name]
		if criteria.UseCase != "" && !containsStr(e.Metadata.RecommendedFor, criteria.UseCase) {
			continue
		}
		eff := e.Perf.effective()
		if criteria.MaxLatencyMs > 0 && eff.LatencyMs > criteria.MaxLatencyMs {
			continue
		}
		if criteria.MinAccuracy > 0 && eff.Accuracy < criteria.MinAccuracy {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return result.Err[*Entry](result.New(result.CategoryBusiness, "NotFound",
			"no schema satisfies the selection criteria"))
	}

	switch criteria.Priority {
	case "speed":
		best := candidates[0]
		bestLatency := best.Perf.effective().LatencyMs
		for _, c := range candidates[1:] {
			if l := c.Perf.effective().LatencyMs; l < bestLatency {
				best, bestLatency = c, l
			}
		}
		return result.Ok(best)
	case "accuracy":
		best := candidates[0]
		bestAcc := best.Perf.effective().Accuracy
		for _, c := range candidates[1:] {
			if a := c.Perf.effective().Accuracy; a > bestAcc {
				best, bestAcc = c, a
			}
		}
		return result.Ok(best)
	default:
		if e := firstWithComplexity(candidates, ComplexityOptimized); e != nil {
			return result.Ok(e)
		}
		if e := firstWithComplexity(candidates, ComplexityStandard); e != nil {
			return result.Ok(e)
		}
		return result.Ok(candidates[0])
	}
}

func firstWithComplexity(candidates []*Entry, level Complexity) *Entry {
	for _, c := range candidates {
		if c.Metadata.Complexity == level {
			return c
		}
	}
	return nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// TrackUsage atomically updates the named schema's measured counters.
func (r *Registry) TrackUsage(name string, latencyMs int64, classificationSuccess, parsingSuccess bool) result.Result[struct{}] {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return result.Err[struct{}](result.New(result.CategoryBusiness, "NotFound",
			fmt.Sprintf("schema %q is not registered", name)))
	}
	e.Perf.track(latencyMs, classificationSuccess, parsingSuccess)
	return result.Ok(struct{}{})
}

// GetEffective returns the effective (measured-or-baseline) performance
// view for the named schema.
func (r *Registry) GetEffective(name string) result.Result[Effective] {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return result.Err[Effective](result.New(result.CategoryBusiness, "NotFound",
			fmt.Sprintf("schema %q is not registered", name)))
	}
	return result.Ok(e.effective())
}

// Names returns all registered schema names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out) // stable, deterministic listing for callers (e.g. /schema CLI command)
	return out
}

func baselineFor(c Complexity) Baseline {
	// Conservative defaults per §3: richer schemas cost more latency but
	// are assumed marginally more reliable to parse, never more accurate
	// by construction alone — accuracy baselines are deliberately flat.
	switch c {
	case ComplexityMinimal:
		return Baseline{Accuracy: 0.72, LatencyMs: 250, ParsingReliability: 0.97}
	case ComplexityStandard:
		return Baseline{Accuracy: 0.78, LatencyMs: 400, ParsingReliability: 0.95}
	case ComplexityDetailed:
		return Baseline{Accuracy: 0.82, LatencyMs: 650, ParsingReliability: 0.92}
	case ComplexityOptimized:
		return Baseline{Accuracy: 0.80, LatencyMs: 500, ParsingReliability: 0.94}
	case ComplexityContextAware:
		return Baseline{Accuracy: 0.84, LatencyMs: 800, ParsingReliability: 0.90}
	default:
		return Baseline{Accuracy: 0.70, LatencyMs: 300, ParsingReliability: 0.95}
	}
}
