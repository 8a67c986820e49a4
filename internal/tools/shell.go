package tools

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/haricheung/agentic-shell/internal/result"
)

const defaultShellTimeout = 30 * time.Second

// RunShell executes cmd in a bash shell with a default 30s timeout.
// Returns stdout, stderr, and any execution error. A context deadline exceeded
// during the run is reported as a TIMEOUT result.Error so R4a's infrastructure-error
// rule can match on it without parsing the message text.
func RunShell(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultShellTimeout)
	defer cancel()

	c := exec.CommandContext(ctx, "bash", "-c", cmd)

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err = c.Run()
	if err != nil && ctx.Err() != nil {
		err = result.Wrap(result.CategoryTimeout, "SHELL_TIMEOUT", "shell command exceeded timeout", err).
			WithContext("command", cmd)
	}
	return outBuf.String(), errBuf.String(), err
}
