package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// maxStageOutput bounds the captured output persisted per stage.
const maxStageOutput = 64 * 1024

// runShell executes a stage command through the shell with the working
// directory set, capturing combined stdout and stderr. The exit code is -1
// when the command could not be started at all.
func runShell(ctx context.Context, command, dir string) (output string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	output = truncateOutput(string(out))
	if err == nil {
		return output, 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, exitErr.ExitCode(), fmt.Errorf("command exited with code %d", exitErr.ExitCode())
	}
	return output, -1, err
}

// truncateOutput caps output at maxStageOutput, keeping the tail where the
// failure usually is.
func truncateOutput(s string) string {
	if len(s) <= maxStageOutput {
		return s
	}
	return "... (truncated)\n" + s[len(s)-maxStageOutput:]
}
