//go:build windows

package runtime

import (
	"os/exec"
)

// setSysProcAttr sets Windows-specific process attributes.
func setSysProcAttr(cmd *exec.Cmd) {
	// No process-group handling on Windows; Kill terminates the child directly.
}

// killProcess forcibly terminates the command's process.
func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
