package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/classify"
	"github.com/haricheung/agentic-shell/internal/provider"
	"github.com/haricheung/agentic-shell/internal/result"
)

const defaultMaxHistory = 20

// Classifier is the narrow slice of *classify.Classifier the orchestrator
// depends on, letting tests inject a scripted fake.
type Classifier interface {
	Classify(ctx context.Context, input string, opts classify.Options) result.Result[classify.ClassificationResult]
}

// PromptHandler is the narrow slice of *provider.Handler the orchestrator
// depends on.
type PromptHandler interface {
	Complete(ctx context.Context, prompt string, opts provider.Options) result.Result[provider.Response]
	Stream(ctx context.Context, prompt string, opts provider.Options) result.Result[provider.Stream]
}

// CommandHandler dispatches a rule-based-extracted command to the
// external Command collaborator (§1: command registries are out of
// scope for the core; this is the seam it plugs into).
type CommandHandler interface {
	Handle(ctx context.Context, name string, args []string) (string, error)
}

// WorkflowHandler dispatches a workflow-classified input to the external
// Workflow collaborator, returning a correlation ID for the eventual result.
type WorkflowHandler interface {
	Process(ctx context.Context, rawInput, sessionContext string) (string, error)
}

// Orchestrator is the single-consumer loop described in §4.3: it dequeues
// from inbound, classifies, dispatches to command/prompt/workflow, and
// emits progress/terminal messages to outbound. Each UserInput dispatches
// into its own goroutine under a per-request cancellable context so the
// loop itself never blocks on provider I/O or workflow execution — the
// Go-idiomatic realization of the spec's "single cooperative consumer
// with suspension points" model (Go has no stackless coroutines).
type Orchestrator struct {
	inbound  *Queue
	outbound *Queue

	classifier Classifier
	prompts    PromptHandler
	commands   CommandHandler
	workflows  WorkflowHandler

	historyMu  sync.Mutex
	history    map[string][]string
	maxHistory int

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
	lastID   string

	gracePeriod time.Duration
	log         *zap.SugaredLogger
}

// NewOrchestrator wires an Orchestrator. Any of commands/workflows may be
// nil; a classification routed to a nil collaborator emits AgentError.
func NewOrchestrator(inbound, outbound *Queue, classifier Classifier, prompts PromptHandler, commands CommandHandler, workflows WorkflowHandler, gracePeriod time.Duration, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &Orchestrator{
		inbound: inbound, outbound: outbound,
		classifier: classifier, prompts: prompts, commands: commands, workflows: workflows,
		history: make(map[string][]string), maxHistory: defaultMaxHistory,
		active: make(map[string]context.CancelFunc),
		gracePeriod: gracePeriod, log: log,
	}
}

// Run drives the consumer loop until Shutdown is processed, the inbound
// queue closes, or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		msg := o.inbound.Dequeue(ctx)
		if msg.IsErr() {
			switch msg.Error().Code {
			case "QueueClosed":
				return nil
			case "Cancelled":
				return nil
			default:
				o.log.Errorw("unexpected dequeue error", "error", msg.Error())
				continue
			}
		}

		switch m := msg.Value(); m.Kind {
		case KindUserInput:
			o.dispatchUserInput(ctx, m)
		case KindCancelRequested:
			o.handleCancel(m)
		case KindShutdown:
			o.handleShutdown(m)
			return nil
		default:
			o.log.Warnw("orchestrator received unexpected message kind", "kind", m.Kind)
		}
	}
}

func (o *Orchestrator) dispatchUserInput(parent context.Context, msg Message) {
	in, ok := msg.Payload.(UserInput)
	if !ok {
		o.emitError(msg.ID, "", result.New(result.CategorySystem, "InvalidPayload", "UserInput message had the wrong payload type"))
		return
	}

	reqCtx, cancel := context.WithCancel(parent)
	o.setActive(msg.ID, cancel)

	go func() {
		defer o.clearActive(msg.ID)
		defer func() {
			if r := recover(); r != nil {
				o.emitError(msg.ID, in.SessionID, result.FromPanic(r))
			}
		}()
		o.process(reqCtx, msg.ID, in)
	}()
}

func (o *Orchestrator) process(ctx context.Context, requestID string, in UserInput) {
	pctx := o.buildContext(in)

	cres := o.classifier.Classify(ctx, in.Input, classify.Options{Context: pctx})
	if cres.IsErr() {
		o.emitError(requestID, in.SessionID, cres.Error())
		return
	}
	o.recordHistory(in.SessionID, in.Input)
	cls := cres.Value()

	switch cls.Type {
	case classify.TypeCommand:
		o.dispatchCommand(ctx, requestID, cls)
	case classify.TypeWorkflow:
		o.dispatchWorkflow(ctx, requestID, in)
	default:
		o.dispatchPrompt(ctx, requestID, in)
	}
}

func (o *Orchestrator) dispatchCommand(ctx context.Context, requestID string, cls classify.ClassificationResult) {
	if o.commands == nil {
		o.emitError(requestID, "", result.New(result.CategoryBusiness, "MethodUnavailable", "no command handler configured"))
		return
	}
	name, _ := cls.ExtractedData["commandName"].(string)
	args, _ := cls.ExtractedData["args"].([]string)

	out, err := o.commands.Handle(ctx, name, args)
	if o.emitCancelledIfDone(ctx, requestID) {
		return
	}
	if err != nil {
		o.emitError(requestID, "", result.Wrap(result.CategoryBusiness, "CommandFailed", err.Error(), err))
		return
	}
	o.emitComplete(requestID, out)
}

func (o *Orchestrator) dispatchWorkflow(ctx context.Context, requestID string, in UserInput) {
	if o.workflows == nil {
		o.emitError(requestID, in.SessionID, result.New(result.CategoryBusiness, "MethodUnavailable", "no workflow handler configured"))
		return
	}
	summary := o.sessionSummary(in.SessionID)
	taskID, err := o.workflows.Process(ctx, in.Raw, summary)
	if o.emitCancelledIfDone(ctx, requestID) {
		return
	}
	if err != nil {
		o.emitError(requestID, in.SessionID, result.Wrap(result.CategoryBusiness, "WorkflowFailed", err.Error(), err))
		return
	}
	o.emitComplete(requestID, taskID)
}

func (o *Orchestrator) dispatchPrompt(ctx context.Context, requestID string, in UserInput) {
	if o.prompts == nil {
		o.emitError(requestID, in.SessionID, result.New(result.CategoryBusiness, "MethodUnavailable", "no prompt handler configured"))
		return
	}
	streamRes := o.prompts.Stream(ctx, in.Input, provider.Options{})
	if streamRes.IsErr() {
		o.emitFailure(requestID, in.SessionID, streamRes.Error())
		return
	}
	stream := streamRes.Value()
	defer stream.Close()

	for {
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			o.emitFailure(requestID, in.SessionID, err)
			return
		}
		if !ok {
			o.emitComplete(requestID, nil)
			return
		}
		o.outbound.Enqueue(ctx, NewAgentStreamChunk(requestID, AgentStreamChunk{
			RequestID: requestID, Content: chunk.Content, IsComplete: chunk.IsComplete,
		}))
		if chunk.IsComplete {
			o.emitComplete(requestID, nil)
			return
		}
	}
}

func (o *Orchestrator) handleCancel(msg Message) {
	c, _ := msg.Payload.(CancelRequested)
	target := c.TargetID

	o.activeMu.Lock()
	if target == "" {
		target = o.lastID
	}
	cancel, ok := o.active[target]
	o.activeMu.Unlock()

	if ok {
		cancel()
	}
}

func (o *Orchestrator) handleShutdown(msg Message) {
	s, _ := msg.Payload.(Shutdown)

	deadline := time.NewTimer(o.gracePeriod)
	defer deadline.Stop()
	for {
		o.activeMu.Lock()
		remaining := len(o.active)
		o.activeMu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline.C:
			o.cancelAll()
		case <-time.After(20 * time.Millisecond):
			continue
		}
		break
	}

	o.inbound.Close(s.Reason)
	o.outbound.Close(s.Reason)
}

func (o *Orchestrator) cancelAll() {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	for _, cancel := range o.active {
		cancel()
	}
}

func (o *Orchestrator) setActive(id string, cancel context.CancelFunc) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	o.active[id] = cancel
	o.lastID = id
}

func (o *Orchestrator) clearActive(id string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	delete(o.active, id)
}

func (o *Orchestrator) buildContext(in UserInput) classify.ProcessingContext {
	o.historyMu.Lock()
	prev := append([]string(nil), o.history[in.SessionID]...)
	o.historyMu.Unlock()
	return classify.ProcessingContext{
		SessionID:      in.SessionID,
		Source:         in.Source,
		Timestamp:      time.Now(),
		PreviousInputs: prev,
	}
}

func (o *Orchestrator) recordHistory(sessionID, input string) {
	if sessionID == "" {
		return
	}
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	h := append(o.history[sessionID], input)
	if len(h) > o.maxHistory {
		h = h[len(h)-o.maxHistory:]
	}
	o.history[sessionID] = h
}

func (o *Orchestrator) sessionSummary(sessionID string) string {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	h := o.history[sessionID]
	summary := ""
	for _, line := range h {
		summary += line + "\n"
	}
	return summary
}

// emitCancelledIfDone emits AgentCancelled and returns true if ctx was
// cancelled by the time a suspending call returned.
func (o *Orchestrator) emitCancelledIfDone(ctx context.Context, requestID string) bool {
	if ctx.Err() == nil {
		return false
	}
	o.outbound.Enqueue(context.Background(), NewAgentCancelled(requestID, AgentCancelled{RequestID: requestID, Reason: "cancelled"}))
	return true
}

func (o *Orchestrator) emitComplete(requestID string, value any) {
	o.outbound.Enqueue(context.Background(), NewAgentComplete(requestID, AgentComplete{RequestID: requestID, Result: value}))
}

func (o *Orchestrator) emitError(requestID, sessionID string, e *result.Error) {
	_ = sessionID
	o.outbound.Enqueue(context.Background(), NewAgentError(requestID, AgentError{
		RequestID: requestID, Message: e.Message, Category: string(e.Category), Cause: causeString(e), Suggestions: suggestionsFor(e.Code),
	}))
}

// emitFailure routes a Cancelled-category error to AgentCancelled and
// everything else to AgentError, preserving the exactly-one-terminal-
// message guarantee's distinction between the two outcomes.
func (o *Orchestrator) emitFailure(requestID, sessionID string, e *result.Error) {
	if e.Category == result.CategoryCancelled {
		o.outbound.Enqueue(context.Background(), NewAgentCancelled(requestID, AgentCancelled{RequestID: requestID, Reason: e.Message}))
		return
	}
	o.emitError(requestID, sessionID, e)
}

func causeString(e *result.Error) string {
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

// suggestionsFor derives user-facing remediation hints from an error
// code, per §7's "suggestions array derived from the error code".
func suggestionsFor(code string) []string {
	switch code {
	case "ProviderUnreachable", "ProviderUnavailable":
		return []string{"verify the provider's base URL is reachable", "check the provider server is running"}
	case "Timeout":
		return []string{"retry the request", "consider raising the configured timeout"}
	case "ProviderCircuitOpen":
		return []string{"wait for the circuit breaker to recover", "check the provider's recent error logs"}
	case "SchemaViolation", "InvalidJson":
		return []string{"the provider's response did not match the expected shape"}
	default:
		return nil
	}
}
