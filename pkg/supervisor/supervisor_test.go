//go:build !windows

package supervisor

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePortLookup scripts port ownership for reclaim tests.
type fakePortLookup struct {
	mu         sync.Mutex
	owner      int
	findCalls  int
	terminated []int
}

func (f *fakePortLookup) FindProcessOnPort(port int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	return f.owner, nil
}

func (f *fakePortLookup) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	f.owner = 0
	return nil
}

func sleepFactory(seconds string) CommandFactory {
	return func(port int) *exec.Cmd {
		return exec.Command("sleep", seconds)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	sup := New(18080, sleepFactory("30"), nil, nil)
	t.Cleanup(func() { _ = sup.Stop() })

	require.NoError(t, sup.Start())
	firstPid := sup.cmd.Process.Pid

	require.NoError(t, sup.Start())
	require.Equal(t, firstPid, sup.cmd.Process.Pid, "second Start must not respawn")
	require.True(t, sup.Running())
}

func TestStopTerminatesWorker(t *testing.T) {
	sup := New(18080, sleepFactory("30"), nil, nil)

	require.NoError(t, sup.Start())
	require.True(t, sup.Running())

	start := time.Now()
	require.NoError(t, sup.Stop())
	require.False(t, sup.Running())
	require.Less(t, time.Since(start), stopGracePeriod, "sleep exits on SIGTERM without escalation")

	// Stopping again is a no-op.
	require.NoError(t, sup.Stop())
}

func TestStopEscalatesWhenTermIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the grace period")
	}
	factory := func(port int) *exec.Cmd {
		return exec.Command("sh", "-c", "trap '' TERM; sleep 60")
	}
	sup := New(18080, factory, nil, nil)

	require.NoError(t, sup.Start())
	// Give the shell a moment to install its trap.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, sup.Stop())
	require.False(t, sup.Running())
}

func TestRestartEvictsStalePortOwner(t *testing.T) {
	ports := &fakePortLookup{owner: 4242}
	sup := New(18080, sleepFactory("30"), ports, nil)
	t.Cleanup(func() { _ = sup.Stop() })

	require.NoError(t, sup.Restart(18080))
	require.True(t, sup.Running())
	require.Equal(t, []int{4242}, ports.terminated)
}

func TestRestartSkipsEvictionWhenPortFree(t *testing.T) {
	ports := &fakePortLookup{owner: 0}
	sup := New(18080, sleepFactory("30"), ports, nil)
	t.Cleanup(func() { _ = sup.Stop() })

	require.NoError(t, sup.Restart(18080))
	require.True(t, sup.Running())
	require.Empty(t, ports.terminated)
}

func TestRestartMovesToNewPort(t *testing.T) {
	var gotPort int
	factory := func(port int) *exec.Cmd {
		gotPort = port
		return exec.Command("sleep", "30")
	}
	ports := &fakePortLookup{owner: 0}
	sup := New(18080, factory, ports, nil)
	t.Cleanup(func() { _ = sup.Stop() })

	require.NoError(t, sup.Start())
	require.NoError(t, sup.Restart(19090))
	require.Equal(t, 19090, gotPort)
	require.Equal(t, 19090, sup.Port())
	// Both the vacated port and the new one get inspected.
	require.GreaterOrEqual(t, ports.findCalls, 2)
}

func TestRunningReflectsNaturalExit(t *testing.T) {
	sup := New(18080, sleepFactory("0"), nil, nil)

	require.NoError(t, sup.Start())
	require.Eventually(t, func() bool { return !sup.Running() }, 5*time.Second, 50*time.Millisecond)

	// A dead worker can be started again.
	require.NoError(t, sup.Start())
	require.True(t, sup.Running())
	require.NoError(t, sup.Stop())
}

func TestSetPortAppliesOnNextStart(t *testing.T) {
	var gotPort int
	factory := func(port int) *exec.Cmd {
		gotPort = port
		return exec.Command("sleep", "30")
	}
	sup := New(18080, factory, nil, nil)
	t.Cleanup(func() { _ = sup.Stop() })

	sup.SetPort(19090)
	require.NoError(t, sup.Start())
	require.Equal(t, 19090, gotPort)
	require.Equal(t, 19090, sup.Port())
}
