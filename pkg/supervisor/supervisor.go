// Package supervisor manages the lifecycle of the serving worker process:
// spawning it, shutting it down gracefully, and reclaiming its listen port
// from stale processes before a restart.
package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
)

const (
	// stopGracePeriod bounds how long Stop waits after the polite signal
	// before escalating to a hard kill.
	stopGracePeriod = 5 * time.Second

	// reclaimDeadline bounds how long Restart waits for a stale port owner
	// to vanish after termination.
	reclaimDeadline = 3 * time.Second
)

// CommandFactory builds the worker command for a given listen port. Injected
// so tests can substitute a harmless process.
type CommandFactory func(port int) *exec.Cmd

// PortOwnerLookup finds and terminates whatever process holds a listen port.
// The production implementation shells out to platform tooling.
type PortOwnerLookup interface {
	// FindProcessOnPort returns the owning pid, or 0 when the port is free.
	FindProcessOnPort(port int) (int, error)
	// Terminate forcefully ends the process with the given pid.
	Terminate(pid int) error
}

// SelfCommandFactory launches the current executable's serve subcommand,
// which is how the supervisor process spawns its worker in production.
func SelfCommandFactory(configPath string) CommandFactory {
	return func(port int) *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		args := []string{"serve", "--port", strconv.Itoa(port)}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// Supervisor owns at most one worker process at a time. All lifecycle
// operations are serialized under one mutex so concurrent admin requests
// cannot race a restart.
type Supervisor struct {
	mu      sync.Mutex
	port    int
	factory CommandFactory
	ports   PortOwnerLookup
	logger  *logging.Logger

	cmd  *exec.Cmd
	done chan struct{}
}

// New builds a supervisor for a worker listening on port.
func New(port int, factory CommandFactory, ports PortOwnerLookup, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Supervisor{
		port:    port,
		factory: factory,
		ports:   ports,
		logger:  logger,
	}
}

// Running reports whether the worker process is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Supervisor) runningLocked() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Port returns the worker's listen port.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SetPort changes the port used for the next Start. It does not touch a
// running worker; callers restart explicitly after a config change.
func (s *Supervisor) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
}

// Start spawns the worker. Calling Start while the worker is alive is a
// no-op, so repeated admin requests cannot stack up duplicate processes.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Supervisor) startLocked() error {
	if s.runningLocked() {
		return nil
	}

	cmd := s.factory(s.port)
	if cmd == nil {
		return apperrors.New(apperrors.ErrCodeInternal, "command factory returned no command")
	}
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to start worker").
			WithContext("port", s.port)
	}

	done := make(chan struct{})
	go func(c *exec.Cmd, ch chan struct{}) {
		_ = c.Wait()
		close(ch)
	}(cmd, done)

	s.cmd = cmd
	s.done = done
	s.logger.Info(logging.CategorySupervisor, "worker_started", "", map[string]any{
		"pid":  cmd.Process.Pid,
		"port": s.port,
	})
	return nil
}

// Stop shuts the worker down: polite signal first, hard kill if it outlives
// the grace period. Stopping an already-stopped worker is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if !s.runningLocked() {
		s.cmd = nil
		s.done = nil
		return nil
	}

	pid := s.cmd.Process.Pid
	signalTerm(s.cmd)

	select {
	case <-s.done:
	case <-time.After(stopGracePeriod):
		s.logger.Warn(logging.CategorySupervisor, "worker_kill_escalation", "", map[string]any{
			"pid": pid,
		})
		signalKill(s.cmd)
		<-s.done
	}

	s.logger.Info(logging.CategorySupervisor, "worker_stopped", "", map[string]any{"pid": pid})
	s.cmd = nil
	s.done = nil
	return nil
}

// Restart stops the worker, evicts any stale owner of its old port, moves to
// newPort, and starts a fresh worker. Passing the current port restarts in
// place. Old-port eviction covers the case where a previous worker died
// without releasing its socket or an unrelated process grabbed the port while
// the worker was down.
func (s *Supervisor) Restart(newPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPort := s.port
	if err := s.stopLocked(); err != nil {
		return err
	}
	if err := s.reclaimPortLocked(oldPort); err != nil {
		return err
	}
	if newPort > 0 && newPort != oldPort {
		if err := s.reclaimPortLocked(newPort); err != nil {
			return err
		}
		s.port = newPort
	}
	return s.startLocked()
}

func (s *Supervisor) reclaimPortLocked(port int) error {
	if s.ports == nil {
		return nil
	}

	pid, err := s.ports.FindProcessOnPort(port)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to inspect listen port").
			WithContext("port", port)
	}
	if pid == 0 {
		return nil
	}

	s.logger.Warn(logging.CategorySupervisor, "port_owner_evicted", "", map[string]any{
		"port": port,
		"pid":  pid,
	})
	if err := s.ports.Terminate(pid); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to evict port owner").
			WithContext("port", port).
			WithContext("pid", pid)
	}

	deadline := time.Now().Add(reclaimDeadline)
	for time.Now().Before(deadline) {
		pid, err := s.ports.FindProcessOnPort(port)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to inspect listen port").
				WithContext("port", port)
		}
		if pid == 0 {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return apperrors.Newf(apperrors.ErrCodeInternal, "port %d still occupied after eviction", port)
}
