//go:build windows

package transport

import (
	"os/exec"
	"time"
)

// KillProcessTree terminates a stdio child. Windows has no process groups
// in the POSIX sense, so only the direct child is killed; the grace period
// is unused.
func KillProcessTree(cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
