//go:build windows

package transport

import (
	"context"
	"os/exec"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// newCommandFunc builds the stdio child process. Windows manages child
// trees via job objects rather than process groups, so only the working
// directory is applied here.
func newCommandFunc(cwd string, observe func(*exec.Cmd)) mcptransport.CommandFunc {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if cwd != "" {
			cmd.Dir = cwd
		}
		if observe != nil {
			observe(cmd)
		}
		return cmd, nil
	}
}
