//go:build windows

package supervisor

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups to signal; both paths hard-kill.
func signalTerm(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func signalKill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
