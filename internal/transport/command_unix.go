//go:build !windows

package transport

import (
	"context"
	"os/exec"
	"syscall"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// newCommandFunc builds the stdio child process. Each child gets its own
// process group so shutdown can reap the whole tree, not just the direct
// child.
func newCommandFunc(cwd string, observe func(*exec.Cmd)) mcptransport.CommandFunc {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if cwd != "" {
			cmd.Dir = cwd
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid: true,
			Pgid:    0,
		}
		if observe != nil {
			observe(cmd)
		}
		return cmd, nil
	}
}
