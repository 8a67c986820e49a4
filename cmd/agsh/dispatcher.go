package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/haricheung/agentic-shell/internal/bus"
	"github.com/haricheung/agentic-shell/internal/roles/agentval"
	"github.com/haricheung/agentic-shell/internal/roles/executor"
	"github.com/haricheung/agentic-shell/internal/tasklog"
	"github.com/haricheung/agentic-shell/internal/types"
	"go.uber.org/zap"
)

// runSubtaskDispatcher subscribes to DispatchManifest, SubTask, and ExecutionResult
// messages on the bus. Subtasks are dispatched in sequence-number order: all subtasks
// sharing the same sequence number run in parallel, and the next sequence group is only
// started once the current group fully completes. Outputs from each completed group are
// appended to the context of the next group so later subtasks can see earlier results
// (e.g. a "locate file" subtask feeds its path to an "extract audio" subtask).
func runSubtaskDispatcher(ctx context.Context, b *bus.Bus, exec *executor.Executor, av *agentval.AgentValidator, abortTaskCh <-chan string, logReg *tasklog.Registry, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	manifestCh := b.Subscribe(types.MsgDispatchManifest)
	subTaskCh := b.Subscribe(types.MsgSubTask)
	execResultCh := b.Subscribe(types.MsgExecutionResult)

	type subtaskState struct {
		resultCh     chan types.ExecutionResult
		correctionCh chan types.CorrectionSignal
	}

	// taskDispatch tracks the sequential dispatch state for one parent task.
	type taskDispatch struct {
		ctx         context.Context
		cancel      context.CancelFunc
		expected    int                     // total subtasks from manifest (-1 = not yet received)
		bySeq       map[int][]types.SubTask // sequence number -> subtasks
		inFlight    int                     // subtasks currently executing
		currentSeq  int                     // sequence group now running (0 = not started)
		prevOutputs []string                // outputs collected from completed sequence groups
	}

	// completionSignal is sent by each agentval goroutine on finish.
	type completionSignal struct {
		parentTaskID string
		output       any
	}
	completionCh := make(chan completionSignal, 32)

	dispatches := make(map[string]*taskDispatch) // parentTaskID -> dispatch state
	var mu sync.Mutex
	states := make(map[string]*subtaskState) // subtaskID -> executor/agentval channels

	// spawnSubtask launches one executor+agentval pair.
	spawnSubtask := func(td *taskDispatch, st types.SubTask) {
		resultC := make(chan types.ExecutionResult, 8)
		correctionC := make(chan types.CorrectionSignal, 8)
		mu.Lock()
		states[st.SubTaskID] = &subtaskState{resultCh: resultC, correctionCh: correctionC}
		mu.Unlock()

		log.Infow("spawning executor+agentval", "subtask", st.SubTaskID, "seq", st.Sequence)
		subTask := st
		tl := logReg.Get(subTask.ParentTaskID)
		go exec.RunSubTask(td.ctx, subTask, correctionC, tl)
		go func() {
			outcome := av.Run(td.ctx, subTask, resultC, correctionC, tl)
			mu.Lock()
			delete(states, subTask.SubTaskID)
			mu.Unlock()
			completionCh <- completionSignal{parentTaskID: subTask.ParentTaskID, output: outcome.Output}
		}()
		td.inFlight++
	}

	// dispatchSeq launches all subtasks for a given sequence number,
	// enriching their Context with outputs from previous sequences.
	dispatchSeq := func(td *taskDispatch, seq int) {
		subtasks := td.bySeq[seq]
		td.currentSeq = seq
		prevCtx := ""
		if len(td.prevOutputs) > 0 {
			prevCtx = "\n\nOutputs from prior steps (use these directly - do not re-run discovery):\n" +
				strings.Join(td.prevOutputs, "\n---\n")
		}
		log.Infow("dispatching sequence", "seq", seq, "subtasks", len(subtasks))
		for _, st := range subtasks {
			if prevCtx != "" {
				st.Context = st.Context + prevCtx
			}
			spawnSubtask(td, st)
		}
	}

	// minSeqAbove returns the smallest sequence number strictly above floor, or -1.
	minSeqAbove := func(td *taskDispatch, floor int) int {
		best := -1
		for seq := range td.bySeq {
			if seq > floor && (best < 0 || seq < best) {
				best = seq
			}
		}
		return best
	}

	// tryStart dispatches the first sequence group once all subtasks are buffered.
	tryStart := func(td *taskDispatch) {
		if td.expected <= 0 || td.inFlight > 0 || td.currentSeq > 0 {
			return
		}
		total := 0
		for _, sts := range td.bySeq {
			total += len(sts)
		}
		if total < td.expected {
			return // still waiting for subtask messages
		}
		if first := minSeqAbove(td, 0); first >= 0 {
			dispatchSeq(td, first)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case taskID, ok := <-abortTaskCh:
			if !ok {
				return
			}
			if td, found := dispatches[taskID]; found {
				log.Infow("aborting task", "task_id", taskID)
				td.cancel()
				delete(dispatches, taskID)
			}

		case msg, ok := <-manifestCh:
			if !ok {
				return
			}
			raw, _ := json.Marshal(msg.Payload)
			var manifest types.DispatchManifest
			if err := json.Unmarshal(raw, &manifest); err != nil {
				log.Errorw("bad DispatchManifest payload", "error", err)
				continue
			}
			td, exists := dispatches[manifest.TaskID]
			if !exists {
				tCtx, tCancel := context.WithCancel(ctx)
				td = &taskDispatch{ctx: tCtx, cancel: tCancel, bySeq: make(map[int][]types.SubTask)}
				dispatches[manifest.TaskID] = td
			}
			td.expected = len(manifest.SubTaskIDs)
			log.Infow("manifest received", "task_id", manifest.TaskID, "expecting", td.expected)
			tryStart(td)

		case msg, ok := <-subTaskCh:
			if !ok {
				return
			}
			st, err := toSubTask(msg.Payload)
			if err != nil {
				log.Errorw("bad SubTask payload", "error", err)
				continue
			}
			td, exists := dispatches[st.ParentTaskID]
			if !exists {
				tCtx, tCancel := context.WithCancel(ctx)
				td = &taskDispatch{ctx: tCtx, cancel: tCancel, bySeq: make(map[int][]types.SubTask)}
				dispatches[st.ParentTaskID] = td
			}
			td.bySeq[st.Sequence] = append(td.bySeq[st.Sequence], st)
			tryStart(td)

		case sig, ok := <-completionCh:
			if !ok {
				return
			}
			td := dispatches[sig.parentTaskID]
			if td == nil {
				continue
			}
			// Collect output for context injection into next sequence.
			if sig.output != nil {
				var s string
				if raw, err := json.Marshal(sig.output); err == nil {
					if json.Unmarshal(raw, &s) == nil && s != "" {
						td.prevOutputs = append(td.prevOutputs, s)
					} else {
						td.prevOutputs = append(td.prevOutputs, string(raw))
					}
				}
			}
			td.inFlight--
			if td.inFlight == 0 {
				if next := minSeqAbove(td, td.currentSeq); next >= 0 {
					dispatchSeq(td, next)
				} else {
					delete(dispatches, sig.parentTaskID)
				}
			}

		case msg, ok := <-execResultCh:
			if !ok {
				return
			}
			result, err := toExecutionResult(msg.Payload)
			if err != nil {
				log.Errorw("bad ExecutionResult payload", "error", err)
				continue
			}
			mu.Lock()
			state, found := states[result.SubTaskID]
			mu.Unlock()
			if !found {
				log.Warnw("no state for subtask (already completed?)", "subtask", result.SubTaskID)
				continue
			}
			select {
			case state.resultCh <- result:
			default:
				log.Warnw("resultCh full", "subtask", result.SubTaskID)
			}
		}
	}
}

func toSubTask(payload any) (types.SubTask, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return types.SubTask{}, err
	}
	var st types.SubTask
	return st, json.Unmarshal(b, &st)
}

func toExecutionResult(payload any) (types.ExecutionResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	var r types.ExecutionResult
	return r, json.Unmarshal(b, &r)
}
