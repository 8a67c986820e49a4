package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/bus"
	"github.com/haricheung/agentic-shell/internal/llm"
	"github.com/haricheung/agentic-shell/internal/roles/perceiver"
	"github.com/haricheung/agentic-shell/internal/types"
)

// resultRegistry multiplexes the single outputFn callback GGS/MetaVal
// invoke on task completion to whichever workflowAdapter.Process call is
// waiting on that task ID. It replaces the original resultCh broadcast
// (every listener saw every FinalResult and filtered by TaskID) with
// direct per-task delivery, since the queue-based orchestrator runs one
// goroutine per dispatched request rather than one shared REPL loop.
type resultRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan types.FinalResult
}

func newResultRegistry() *resultRegistry {
	return &resultRegistry{waiters: make(map[string]chan types.FinalResult)}
}

func (r *resultRegistry) register(taskID string) chan types.FinalResult {
	ch := make(chan types.FinalResult, 1)
	r.mu.Lock()
	r.waiters[taskID] = ch
	r.mu.Unlock()
	return ch
}

func (r *resultRegistry) forget(taskID string) {
	r.mu.Lock()
	delete(r.waiters, taskID)
	r.mu.Unlock()
}

func (r *resultRegistry) dispatch(fr types.FinalResult) {
	r.mu.Lock()
	ch, ok := r.waiters[fr.TaskID]
	if ok {
		delete(r.waiters, fr.TaskID)
	}
	r.mu.Unlock()
	if ok {
		ch <- fr
	}
}

// workflowAdapter is the queue.WorkflowHandler the orchestrator dispatches
// workflow-classified input to. It kicks off the existing R1..R7 role
// pipeline via Perceiver exactly as the original CLI did, then blocks until
// that task's FinalResult arrives (or ctx is cancelled), returning the
// summary as the orchestrator's AgentComplete payload.
type workflowAdapter struct {
	b         *bus.Bus
	llmClient *llm.Client
	clarify   func(string) (string, error)
	results   *resultRegistry
	log       *zap.SugaredLogger
}

func (w *workflowAdapter) Process(ctx context.Context, rawInput, sessionContext string) (string, error) {
	p := perceiver.New(w.b, w.llmClient, w.clarify, w.log)
	taskID, err := p.Process(ctx, rawInput, sessionContext)
	if err != nil {
		return "", err
	}

	ch := w.results.register(taskID)
	select {
	case <-ctx.Done():
		w.results.forget(taskID)
		return "", ctx.Err()
	case fr := <-ch:
		return fr.Summary, nil
	}
}
