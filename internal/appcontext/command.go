package appcontext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	commandTimeout = 5 * time.Second
	maxOutputBytes = 1 << 20
)

// allowedBinaries is the closed set of binaries the snapshot builder may
// invoke. Probes run through exec argv directly, never through a shell.
var allowedBinaries = map[string]bool{
	"git": true,
}

const shellMetaChars = ";&|`$(){}[]"

// sanitizeArgs rejects arguments that could change meaning if a probe were
// ever misrouted through a shell, plus parent traversal and leading
// rm/sudo.
func sanitizeArgs(args []string) error {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "rm", "sudo":
			return fmt.Errorf("argument %q is not allowed in leading position", args[0])
		}
	}
	for _, arg := range args {
		if strings.ContainsAny(arg, shellMetaChars) {
			return fmt.Errorf("argument %q contains shell metacharacters", arg)
		}
		if strings.Contains(arg, "..") {
			return fmt.Errorf("argument %q contains parent traversal", arg)
		}
	}
	return nil
}

// cappedBuffer keeps at most max bytes and silently discards the rest, so a
// chatty subprocess cannot grow the snapshot unbounded.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := c.max - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		c.buf.Write(p)
	}
	return n, nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

// runCommand executes an allow-listed binary with sanitized arguments in
// dir and returns its trimmed stdout.
func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	if !allowedBinaries[name] {
		return "", fmt.Errorf("binary %q is not allow-listed", name)
	}
	if err := sanitizeArgs(args); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	stdout := &cappedBuffer{max: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
