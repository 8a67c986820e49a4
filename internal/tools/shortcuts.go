package tools

import (
	"context"
	"os/exec"
	"strings"

	"github.com/haricheung/agentic-shell/internal/result"
)

// RunShortcut runs a named Apple Shortcut using the macOS Shortcuts CLI.
// Shortcuts sync via iCloud so this can trigger automations on iPhone/iPad/Apple Watch.
// input is passed as stdin to the shortcut; pass "" if the shortcut needs no input.
// A non-zero exit is reported as a SYSTEM result.Error carrying the shortcut
// name and any captured stderr as context.
func RunShortcut(ctx context.Context, name, input string) (string, error) {
	args := []string{"run", name}
	cmd := exec.CommandContext(ctx, "shortcuts", args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	out, err := cmd.Output()
	if err != nil {
		re := result.Wrap(result.CategorySystem, "SHORTCUT_FAILED", "shortcut '"+name+"' failed", err).
			WithContext("name", name)
		if ee, ok := err.(*exec.ExitError); ok {
			if stderr := strings.TrimSpace(string(ee.Stderr)); stderr != "" {
				re = re.WithContext("stderr", stderr)
			}
		}
		return "", re
	}
	return strings.TrimRight(string(out), "\n"), nil
}
