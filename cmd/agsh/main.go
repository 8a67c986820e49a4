package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/haricheung/agentic-shell/internal/bus"
	"github.com/haricheung/agentic-shell/internal/classify"
	"github.com/haricheung/agentic-shell/internal/llm"
	"github.com/haricheung/agentic-shell/internal/provider"
	"github.com/haricheung/agentic-shell/internal/queue"
	"github.com/haricheung/agentic-shell/internal/roles/agentval"
	"github.com/haricheung/agentic-shell/internal/roles/auditor"
	"github.com/haricheung/agentic-shell/internal/roles/executor"
	"github.com/haricheung/agentic-shell/internal/roles/ggs"
	"github.com/haricheung/agentic-shell/internal/roles/memory"
	"github.com/haricheung/agentic-shell/internal/roles/metaval"
	"github.com/haricheung/agentic-shell/internal/roles/planner"
	"github.com/haricheung/agentic-shell/internal/schema"
	"github.com/haricheung/agentic-shell/internal/tasklog"
	"github.com/haricheung/agentic-shell/internal/tools"
	"github.com/haricheung/agentic-shell/internal/types"
	"github.com/haricheung/agentic-shell/internal/ui"
)

func main() {
	// Load env
	_ = godotenv.Load(".env")

	// Resolve cache dir
	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "agsh")

	// Ensure cache directory exists before opening any files.
	_ = os.MkdirAll(cacheDir, 0755)

	// Ensure the workspace directory exists before executor ever attempts a
	// redirected write_file.
	if err := tools.EnsureWorkspace(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not create workspace dir: %v\n", err)
	}

	// All role pipeline logging goes through coreLog (zap), writing JSON lines
	// to ~/.cache/agsh/debug.log so it doesn't interfere with the terminal UI.
	coreLog := newCoreLogger(cacheDir)
	defer coreLog.Sync()

	// Build the bus - foundational, everything depends on it
	b := bus.New(coreLog)

	// LLM clients - each tier reads {TIER}_{API_KEY,BASE_URL,MODEL},
	// falling back to the shared OPENAI_* vars for any unset tier variable.
	brainClient := llm.NewTier("BRAIN", coreLog) // R2 Planner only - needs reasoning/thinking
	toolClient := llm.NewTier("TOOL", coreLog)   // R1 Perceiver, R3 Executor, R4a AgentVal, R4b MetaVal

	// Infrastructure roles
	mem := memory.New(b, filepath.Join(cacheDir, "memory"), coreLog)
	aud := auditor.New(b, b.NewTap(),
		filepath.Join(cacheDir, "audit.jsonl"),
		filepath.Join(cacheDir, "audit_stats.json"),
		5*time.Minute, coreLog)

	// Sci-fi terminal UI - reads its own independent tap of every bus message,
	// visualizing the Workflow collaborator's internal role pipeline. The
	// orchestrator's own terminal messages (stream chunks, completion,
	// errors) are rendered separately by drainRequest.
	disp := ui.New(b.NewTap())

	// Final-result multiplexer - delivers each workflow task's output to
	// whichever workflowAdapter.Process call is waiting on it.
	results := newResultRegistry()
	outputFn := func(taskID, summary string, output any) {
		results.dispatch(types.FinalResult{TaskID: taskID, Summary: summary, Output: output})
	}

	// Per-task structured log registry - one JSONL file per task under tasks/
	logReg := tasklog.NewRegistry(filepath.Join(cacheDir, "tasks"), coreLog)

	// Logical roles
	// R2_BRAIN env var selects the planning engine: "cc" or "llm" (default).
	plan := planner.New(b, brainClient, logReg, os.Getenv("R2_BRAIN"), coreLog)
	mv := metaval.New(b, toolClient, outputFn, logReg, coreLog)
	gs := ggs.New(b, outputFn, coreLog) // R7 - Goal Gradient Solver; sits between R4b and R2
	exec := executor.New(b, toolClient, coreLog)
	av := agentval.New(b, toolClient, coreLog)

	// Context - cancelled on SIGTERM or when the current mode finishes.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM) // Ctrl+C (SIGINT) handled per-mode below
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Audit report channel - delivers R6 reports to /audit.
	auditReportCh := make(chan types.AuditReport, 4)
	auditReportSub := b.Subscribe(types.MsgAuditReport)
	go func() {
		for msg := range auditReportSub {
			raw, _ := json.Marshal(msg.Payload)
			var rep types.AuditReport
			if json.Unmarshal(raw, &rep) == nil {
				select {
				case auditReportCh <- rep:
				default:
				}
			}
		}
	}()

	// Start persistent goroutines
	go mem.Run(ctx)
	go aud.Run(ctx)
	go plan.Run(ctx)
	go mv.Run(ctx)
	go gs.Run(ctx)
	go disp.Run(ctx)

	// Task abort channel: reserved for the subtask dispatcher's own
	// cancellation path; the CLI no longer drives it directly (cancellation
	// now flows through CancelRequested -> the per-request context).
	abortTaskCh := make(chan string, 4)

	// Subtask dispatcher: subscribes to SubTask messages and spawns paired executor/agentval goroutines
	go runSubtaskDispatcher(ctx, b, exec, av, abortTaskCh, logReg, coreLog)

	// C1: output-shape schema registry.
	schemas := schema.NewWithBuiltins(coreLog)

	// C4: prompt/provider core.
	promptCfg := loadProviderConfig()
	providerRegistry := provider.NewRegistry(promptCfg, coreLog)
	providerHandler := provider.NewHandler(promptCfg, providerRegistry, coreLog)
	defer providerRegistry.Cleanup()

	// C2: classification core, wired with every method the spec names.
	classifierCfg := classify.Config{
		DefaultMethod:      classify.MethodHybrid,
		EnsembleEscalation: false,
		CommandPrefix:      "/",
	}
	classifier := classify.NewDefaultClassifier(providerHandler, schemas, promptCfg.Defaults.Provider, classifierCfg, coreLog)

	cmds := &commandHandler{b: b, plan: plan, schemas: schemas, auditReportCh: auditReportCh}

	// C3: bounded priority queues + the single-consumer orchestrator.
	inbound := queue.New("inbound", queue.Config{}, coreLog)
	outbound := queue.New("outbound", queue.Config{}, coreLog)

	// REPL or one-shot
	if len(os.Args) > 1 && os.Args[1] != "" {
		// One-shot mode: Ctrl+C cancels the whole task and exits.
		intrCh := make(chan os.Signal, 1)
		signal.Notify(intrCh, os.Interrupt)
		go func() {
			select {
			case <-intrCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		clarify := func(question string) (string, error) {
			fmt.Printf("? %s\n> ", question)
			if scanner.Scan() {
				return scanner.Text(), nil
			}
			return "", fmt.Errorf("no input")
		}
		wf := &workflowAdapter{b: b, llmClient: toolClient, clarify: clarify, results: results, log: coreLog}
		orch := queue.NewOrchestrator(inbound, outbound, classifier, providerHandler, cmds, wf, 5*time.Second, coreLog)
		go orch.Run(ctx)

		input := strings.Join(os.Args[1:], " ")
		if err := runTask(ctx, inbound, outbound, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			cancel()
			os.Exit(1)
		}
		// Cancel context so memory/auditor goroutines drain their pending writes before exit
		cancel()
		// Give goroutines a moment to flush (memory drain, audit flush).
		// The channels are small; this is bounded to a few milliseconds in practice.
		time.Sleep(200 * time.Millisecond)
	} else {
		// REPL mode
		runREPL(ctx, b, toolClient, results, cancel, cacheDir, disp, inbound, outbound, classifier, providerHandler, cmds, coreLog)
	}
}

// runTask drives a single one-shot request through the queue + orchestrator
// and prints its terminal result.
func runTask(ctx context.Context, inbound, outbound *queue.Queue, input string) error {
	requestID := uuid.New().String()
	if r := inbound.Enqueue(ctx, queue.NewUserInput(requestID, queue.UserInput{
		Input: input, Raw: input, Source: "cli",
	})); r.IsErr() {
		return fmt.Errorf("enqueue: %s", r.Error().Message)
	}

	out, ok := drainRequest(ctx, outbound, requestID)
	fmt.Println(out)
	if !ok {
		return fmt.Errorf("task did not complete successfully")
	}
	return nil
}

// runREPL is the interactive shell loop. Per §2 it is enqueue/display
// only: every line becomes a UserInput message, classification and
// dispatch happen entirely inside the orchestrator, and this loop's only
// business logic is session history bookkeeping and Ctrl+C cancellation.
func runREPL(ctx context.Context, b *bus.Bus, llmClient *llm.Client, results *resultRegistry,
	cancel context.CancelFunc, cacheDir string, disp *ui.Display,
	inbound, outbound *queue.Queue, classifier *classify.Classifier, prompts *provider.Handler, cmds *commandHandler,
	log *zap.SugaredLogger) {
	fmt.Println("\033[1m\033[36m⚡ agsh\033[0m — agentic shell  \033[2m(exit/Ctrl-D to quit | Ctrl+C aborts task | debug: ~/.cache/agsh/debug.log)\033[0m")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36m>\033[0m ",
		HistoryFile:       filepath.Join(cacheDir, "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		// readline unavailable (e.g. not a TTY) - not expected in normal usage
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		cancel()
		return
	}
	defer rl.Close()

	sessionID := uuid.New().String()

	clarify := func(question string) (string, error) {
		// Print the question as plain output, NOT embedded in the readline prompt.
		// A \n inside SetPrompt causes readline to miscalculate cursor position and
		// reprint the question line on every internal redraw, flooding the terminal.
		fmt.Printf("\033[33m?\033[0m %s\n", question)
		ans, err := rl.Readline()
		if err != nil {
			return "", fmt.Errorf("no input")
		}
		return strings.TrimSpace(ans), nil
	}
	wf := &workflowAdapter{b: b, llmClient: llmClient, clarify: clarify, results: results, log: log}
	orch := queue.NewOrchestrator(inbound, outbound, classifier, prompts, cmds, wf, 5*time.Second, nil)
	go orch.Run(ctx)

	// Per-turn request state - protected by reqMu.
	var reqMu sync.Mutex
	var currentRequestID string

	// Ctrl+C during task execution (readline NOT active): cancel the
	// in-flight request only. Ctrl+C during readline input (idle) arrives
	// as readline.ErrInterrupt and is handled in the read loop below.
	intrCh := make(chan os.Signal, 1)
	signal.Notify(intrCh, os.Interrupt)
	defer signal.Stop(intrCh)
	go func() {
		for {
			select {
			case <-intrCh:
				reqMu.Lock()
				rid := currentRequestID
				reqMu.Unlock()
				if rid != "" {
					inbound.Enqueue(context.Background(), queue.NewCancelRequested(uuid.New().String(), queue.CancelRequested{TargetID: rid, Reason: "user interrupt"}))
					disp.Abort() // close the pipeline box immediately
					fmt.Print("\r\033[K\n\033[33m⚠️  task aborted\033[0m  (type 'exit' or Ctrl+D to quit)\n")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		// readline handles: backspace, arrow keys, Ctrl+A/E, history (↑↓), Unicode/CJK.
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			// Ctrl+C while idle (no task running) - first press warns, second exits.
			fmt.Println("\n\033[2m(Ctrl+C again or type 'exit' to quit)\033[0m")
			line2, err2 := rl.Readline()
			if err2 == readline.ErrInterrupt || strings.TrimSpace(line2) == "exit" || strings.TrimSpace(line2) == "quit" {
				cancel()
				return
			}
			line = line2
			err = err2
		}
		if err != nil {
			// io.EOF (Ctrl+D) or other error -> exit cleanly
			cancel()
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			cancel()
			break
		}

		requestID := uuid.New().String()
		reqMu.Lock()
		currentRequestID = requestID
		reqMu.Unlock()

		disp.Resume() // lift post-abort suppression before the new pipeline starts
		r := inbound.Enqueue(ctx, queue.NewUserInput(requestID, queue.UserInput{
			Input: input, Raw: input, SessionID: sessionID, Source: "repl",
		}))
		if r.IsErr() {
			fmt.Fprintf(os.Stderr, "error: %s\n", r.Error().Message)
			continue
		}

		// Wait for display to close the pipeline box before printing the
		// result and returning to readline. Without this, the REPL
		// goroutine can reach rl.Readline() (which draws the prompt) before
		// the display goroutine finishes, whose redraw would erase it.
		out, _ := drainRequest(ctx, outbound, requestID)
		disp.WaitTaskClose(300 * time.Millisecond)
		fmt.Println(out)

		reqMu.Lock()
		currentRequestID = ""
		reqMu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}
