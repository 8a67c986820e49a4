package queue

import (
	"context"
	"testing"
	"time"

	"github.com/haricheung/agentic-shell/internal/classify"
	"github.com/haricheung/agentic-shell/internal/provider"
	"github.com/haricheung/agentic-shell/internal/result"
)

type fakeClassifier struct {
	outcome result.Result[classify.ClassificationResult]
}

func (f *fakeClassifier) Classify(context.Context, string, classify.Options) result.Result[classify.ClassificationResult] {
	return f.outcome
}

type fakeCommandHandler struct {
	out string
	err error
}

func (f *fakeCommandHandler) Handle(context.Context, string, []string) (string, error) {
	return f.out, f.err
}

type fakeWorkflowHandler struct {
	taskID string
	err    error
}

func (f *fakeWorkflowHandler) Process(context.Context, string, string) (string, error) {
	return f.taskID, f.err
}

type fakeStream struct {
	chunks []provider.StreamChunk
	idx    int
	block  bool
}

func (s *fakeStream) Next(ctx context.Context) (provider.StreamChunk, bool, *result.Error) {
	if s.block {
		<-ctx.Done()
		return provider.StreamChunk{}, false, result.New(result.CategoryCancelled, "Cancelled", "stream cancelled")
	}
	if s.idx >= len(s.chunks) {
		return provider.StreamChunk{}, false, nil
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, true, nil
}
func (s *fakeStream) Close() error { return nil }

type fakePromptHandler struct {
	stream *fakeStream
}

func (f *fakePromptHandler) Complete(context.Context, string, provider.Options) result.Result[provider.Response] {
	return result.Ok(provider.Response{})
}
func (f *fakePromptHandler) Stream(context.Context, string, provider.Options) result.Result[provider.Stream] {
	return result.Ok[provider.Stream](f.stream)
}

func newTestQueues() (*Queue, *Queue) {
	return New("in", Config{}, nil), New("out", Config{}, nil)
}

func drainUntilTerminal(t *testing.T, out *Queue, timeout time.Duration) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var got []Message
	for {
		r := out.Dequeue(ctx)
		if r.IsErr() {
			t.Fatalf("timed out waiting for terminal message, got so far: %+v", got)
		}
		got = append(got, r.Value())
		if IsTerminal(r.Value().Kind) {
			return got
		}
	}
}

func TestOrchestratorDispatchesCommand(t *testing.T) {
	in, out := newTestQueues()
	cls := &fakeClassifier{outcome: result.Ok(classify.ClassificationResult{
		Type: classify.TypeCommand, Confidence: 1,
		ExtractedData: map[string]any{"commandName": "status", "args": []string{}},
	})}
	cmds := &fakeCommandHandler{out: "all systems nominal"}
	o := NewOrchestrator(in, out, cls, nil, cmds, nil, 0, nil)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go o.Run(runCtx)

	in.Enqueue(context.Background(), NewUserInput("req1", UserInput{Input: "/status"}))

	msgs := drainUntilTerminal(t, out, time.Second)
	last := msgs[len(msgs)-1]
	if last.Kind != KindAgentComplete {
		t.Fatalf("got terminal kind %v, want AgentComplete", last.Kind)
	}
	if last.Payload.(AgentComplete).Result != "all systems nominal" {
		t.Fatalf("got result %+v", last.Payload)
	}
}

func TestOrchestratorDispatchesWorkflow(t *testing.T) {
	in, out := newTestQueues()
	cls := &fakeClassifier{outcome: result.Ok(classify.ClassificationResult{Type: classify.TypeWorkflow, Confidence: 0.9})}
	wf := &fakeWorkflowHandler{taskID: "task-42"}
	o := NewOrchestrator(in, out, cls, nil, nil, wf, 0, nil)

	go o.Run(context.Background())
	in.Enqueue(context.Background(), NewUserInput("req1", UserInput{Raw: "build something", SessionID: "s1"}))

	msgs := drainUntilTerminal(t, out, time.Second)
	last := msgs[len(msgs)-1]
	if last.Kind != KindAgentComplete || last.Payload.(AgentComplete).Result != "task-42" {
		t.Fatalf("got %+v, want AgentComplete with task-42", last)
	}
}

func TestOrchestratorStreamsPromptThenCompletes(t *testing.T) {
	in, out := newTestQueues()
	cls := &fakeClassifier{outcome: result.Ok(classify.ClassificationResult{Type: classify.TypePrompt, Confidence: 0.8})}
	stream := &fakeStream{chunks: []provider.StreamChunk{
		{Content: "hel"}, {Content: "lo", IsComplete: true},
	}}
	prompts := &fakePromptHandler{stream: stream}
	o := NewOrchestrator(in, out, cls, prompts, nil, nil, 0, nil)

	go o.Run(context.Background())
	in.Enqueue(context.Background(), NewUserInput("req1", UserInput{Input: "hi there"}))

	msgs := drainUntilTerminal(t, out, time.Second)
	if len(msgs) < 2 {
		t.Fatalf("expected at least one chunk plus a terminal message, got %+v", msgs)
	}
	for _, m := range msgs[:len(msgs)-1] {
		if m.Kind != KindAgentStreamChunk {
			t.Errorf("expected only stream chunks before terminal, got %v", m.Kind)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Kind != KindAgentComplete {
		t.Fatalf("got terminal kind %v, want AgentComplete", last.Kind)
	}
}

func TestOrchestratorEmitsErrorOnClassificationFailure(t *testing.T) {
	in, out := newTestQueues()
	cls := &fakeClassifier{outcome: result.Err[classify.ClassificationResult](result.New(result.CategoryValidation, "InvalidInput", "empty"))}
	o := NewOrchestrator(in, out, cls, nil, nil, nil, 0, nil)

	go o.Run(context.Background())
	in.Enqueue(context.Background(), NewUserInput("req1", UserInput{Input: ""}))

	msgs := drainUntilTerminal(t, out, time.Second)
	last := msgs[len(msgs)-1]
	if last.Kind != KindAgentError {
		t.Fatalf("got %v, want AgentError", last.Kind)
	}
}

func TestOrchestratorCancelRequestedCancelsActiveRequest(t *testing.T) {
	in, out := newTestQueues()
	cls := &fakeClassifier{outcome: result.Ok(classify.ClassificationResult{Type: classify.TypePrompt, Confidence: 0.8})}
	stream := &fakeStream{block: true}
	prompts := &fakePromptHandler{stream: stream}
	o := NewOrchestrator(in, out, cls, prompts, nil, nil, 0, nil)

	go o.Run(context.Background())
	in.Enqueue(context.Background(), NewUserInput("req1", UserInput{Input: "hang forever"}))
	time.Sleep(20 * time.Millisecond) // let the request reach the blocking stream read
	in.Enqueue(context.Background(), NewCancelRequested("c1", CancelRequested{TargetID: "req1"}))

	msgs := drainUntilTerminal(t, out, time.Second)
	last := msgs[len(msgs)-1]
	if last.Kind != KindAgentCancelled {
		t.Fatalf("got %v, want AgentCancelled", last.Kind)
	}
}

func TestOrchestratorShutdownClosesQueues(t *testing.T) {
	in, out := newTestQueues()
	cls := &fakeClassifier{}
	o := NewOrchestrator(in, out, cls, nil, nil, nil, 50*time.Millisecond, nil)

	done := make(chan struct{})
	go func() { o.Run(context.Background()); close(done) }()
	in.Enqueue(context.Background(), NewShutdown("s1", Shutdown{Reason: "test shutdown"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not return after Shutdown")
	}

	if r := in.Enqueue(context.Background(), NewUserInput("late", UserInput{Input: "x"})); !r.IsErr() || r.Error().Code != "QueueClosed" {
		t.Fatalf("expected inbound queue closed after shutdown, got %+v", r)
	}
}
