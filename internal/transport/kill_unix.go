//go:build !windows

package transport

import (
	"os/exec"
	"syscall"
	"time"
)

// KillProcessTree terminates a stdio child and everything it spawned.
// The child runs in its own process group (see newCommandFunc), so the
// whole group gets SIGTERM first and SIGKILL once the grace period runs
// out. Children launched through package runners like npx or uvx leave
// grandchildren behind otherwise.
func KillProcessTree(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Process already reaped; nothing left to signal.
		return
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pgid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
