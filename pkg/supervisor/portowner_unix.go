//go:build !windows

package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// SystemPortOwnerLookup resolves port ownership with lsof and kills owners
// directly. It implements PortOwnerLookup for production use.
type SystemPortOwnerLookup struct{}

// FindProcessOnPort returns the pid listening on the TCP port, or 0 when the
// port is free. An lsof exit status of 1 means no matches, not an error.
func (SystemPortOwnerLookup) FindProcessOnPort(port int) (int, error) {
	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("lsof: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		return pid, nil
	}
	return 0, nil
}

// Terminate force-kills the process.
func (SystemPortOwnerLookup) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
