//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr sets Unix-specific process attributes. The runtime child is
// placed in its own process group so a timeout kill reaches any helpers it
// spawned.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcess forcibly terminates the command's process group.
func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
