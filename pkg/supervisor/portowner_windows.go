//go:build windows

package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SystemPortOwnerLookup resolves port ownership with netstat and kills owners
// with taskkill. It implements PortOwnerLookup for production use.
type SystemPortOwnerLookup struct{}

// FindProcessOnPort scans netstat output for a LISTENING socket on the port
// and returns its pid, or 0 when the port is free.
func (SystemPortOwnerLookup) FindProcessOnPort(port int) (int, error) {
	out, err := exec.Command("netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return 0, fmt.Errorf("netstat: %w", err)
	}

	suffix := ":" + strconv.Itoa(port)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		return pid, nil
	}
	return 0, nil
}

// Terminate force-kills the process tree.
func (SystemPortOwnerLookup) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run(); err != nil {
		return fmt.Errorf("taskkill pid %d: %w", pid, err)
	}
	return nil
}
