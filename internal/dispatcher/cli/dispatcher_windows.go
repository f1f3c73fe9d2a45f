//go:build windows

package cli

import "os/exec"

// setProcessGroup is a no-op on Windows: job objects would be needed for
// true process-group termination, which os/exec does not expose. Kill()
// below still reaches the direct child.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup terminates the direct child. Windows has no SIGTERM;
// there is no graceful-then-forceful distinction available without a job
// object, so this and forceKillProcessGroup both call Kill().
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// forceKillProcessGroup terminates the direct child.
func forceKillProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
