package tools

import (
	"context"
	"os/exec"
	"strings"

	"github.com/haricheung/agentic-shell/internal/result"
)

// RunAppleScript executes an AppleScript via osascript and returns stdout.
// The script is passed via stdin so it can contain arbitrary quoting without
// shell escaping issues.
func RunAppleScript(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-")
	cmd.Stdin = strings.NewReader(script)

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			stderr := string(ee.Stderr)
			return "", result.Wrap(result.CategorySystem, "APPLESCRIPT_FAILED", stderrOrDefault(stderr, err), err).
				WithContext("stderr", stderr)
		}
		return "", result.Wrap(result.CategorySystem, "APPLESCRIPT_FAILED", err.Error(), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func stderrOrDefault(stderr string, err error) string {
	if stderr != "" {
		return stderr
	}
	return err.Error()
}
