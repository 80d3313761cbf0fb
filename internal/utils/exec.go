package utils

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RunCommand executes an external command and returns its trimmed stdout.
// Stderr is folded into the error for diagnostics. Used for the docker and
// git invocations of publish; everything else goes through real APIs.
func RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to execute %q: %w. Stderr: %s",
			name+" "+strings.Join(args, " "), err, strings.TrimSpace(stderrBuf.String()))
	}
	return strings.TrimSpace(stdoutBuf.String()), nil
}
