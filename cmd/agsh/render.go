package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haricheung/agentic-shell/internal/queue"
)

// drainRequest reads outbound queue messages for requestID until a
// terminal one arrives, printing stream chunks and progress as they come.
// It returns the printable result of the terminal message and whether the
// request completed successfully.
func drainRequest(ctx context.Context, outbound *queue.Queue, requestID string) (string, bool) {
	const (
		bold  = "\033[1m"
		green = "\033[32m"
		red   = "\033[31m"
		dim   = "\033[2m"
		reset = "\033[0m"
	)

	streaming := false
	for {
		r := outbound.Dequeue(ctx)
		if r.IsErr() {
			return fmt.Sprintf("(interrupted: %s)", r.Error().Message), false
		}
		msg := r.Value()

		switch payload := msg.Payload.(type) {
		case queue.AgentProgress:
			if payload.RequestID != requestID {
				continue
			}
			fmt.Printf("%s… %s%s\n", dim, payload.Phase, reset)

		case queue.AgentStreamChunk:
			if payload.RequestID != requestID {
				continue
			}
			if !streaming {
				fmt.Printf("\n%s%s📋 Result%s\n", bold, green, reset)
				streaming = true
			}
			fmt.Print(payload.Content)
			if payload.IsComplete {
				fmt.Println()
			}

		case queue.AgentComplete:
			if payload.RequestID != requestID {
				continue
			}
			if streaming {
				return "", true
			}
			return formatCompleteResult(payload.Result), true

		case queue.AgentError:
			if payload.RequestID != requestID {
				continue
			}
			out := fmt.Sprintf("%s%serror: %s%s", bold, red, payload.Message, reset)
			if len(payload.Suggestions) > 0 {
				for _, s := range payload.Suggestions {
					out += fmt.Sprintf("\n  - %s", s)
				}
			}
			return out, false

		case queue.AgentCancelled:
			if payload.RequestID != requestID {
				continue
			}
			return fmt.Sprintf("%s(cancelled: %s)%s", dim, payload.Reason, reset), false
		}
	}
}

// formatCompleteResult renders an AgentComplete.Result the way the
// original printResult did: plain strings print with real newlines;
// anything else pretty-prints as indented JSON.
func formatCompleteResult(value any) string {
	const (
		bold  = "\033[1m"
		green = "\033[32m"
		reset = "\033[0m"
	)
	header := fmt.Sprintf("%s%s📋 Result%s", bold, green, reset)
	if value == nil {
		return header
	}
	if s, ok := value.(string); ok {
		return header + "\n" + s
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%s\n%v", header, value)
	}
	return header + "\n" + string(pretty)
}
