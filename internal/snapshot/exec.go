package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner invokes real btrfs subcommands via os/exec, capturing a
// bounded stderr tail for error messages.
type ExecRunner struct{}

// Run executes name with args, returning trimmed stdout. On failure the
// error message includes the last lines of stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, stderrTail(&stderr))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func stderrTail(buf *bytes.Buffer) string {
	const maxLines = 20
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
