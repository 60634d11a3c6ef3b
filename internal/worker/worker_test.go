package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/event"
	"github.com/keeperd/keeper/internal/process"
)

type fakeProc struct {
	pid   int
	calls []string
}

func (p *fakeProc) Pid() int { return p.pid }
func (p *fakeProc) Start()   { p.calls = append(p.calls, "start") }
func (p *fakeProc) Pause()   { p.calls = append(p.calls, "pause") }
func (p *fakeProc) Resume()  { p.calls = append(p.calls, "resume") }
func (p *fakeProc) Stop()    { p.calls = append(p.calls, "stop") }
func (p *fakeProc) Quit(graceful bool) {
	if graceful {
		p.calls = append(p.calls, "quit-graceful")
	} else {
		p.calls = append(p.calls, "quit-forced")
	}
}

type harness struct {
	nextPid   int
	spawned   []*fakeProc
	spawnErr  error
	spawnFail int
}

func (h *harness) spawn(idx int) (Proc, error) {
	if h.spawnErr != nil && h.spawnFail != 0 {
		h.spawnFail--
		return nil, h.spawnErr
	}
	h.nextPid++
	p := &fakeProc{pid: h.nextPid}
	h.spawned = append(h.spawned, p)
	return p, nil
}

func (h *harness) last() *fakeProc { return h.spawned[len(h.spawned)-1] }

func testCfg() *config.Service {
	return &config.Service{
		Name:            "web",
		Num:             1,
		Command:         "serve",
		Restarts:        3,
		Timeout:         10,
		StartupTimeout:  30,
		ShutdownTimeout: 30,
		Heartbeat:       1,
	}
}

func newTestWorker(t *testing.T) (*Worker, *harness) {
	t.Helper()
	h := &harness{}
	return New(0, testCfg(), h.spawn), h
}

func running(t *testing.T) (*Worker, *harness, *fakeProc) {
	t.Helper()
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)
	p := h.last()
	w.Loaded(p.pid)
	require.True(t, w.IsRunning())
	return w, h, p
}

func lastEvent(t *testing.T, w *Worker) event.Event {
	t.Helper()
	ev, ok := w.Events.Last()
	require.True(t, ok)
	return ev
}

func TestStartThenLoaded(t *testing.T) {
	w, h := newTestWorker(t)

	w.Start(event.ReasonConsoleRequest)
	require.Len(t, h.spawned, 1)
	assert.Equal(t, stateStarting, w.state.tag)
	assert.False(t, w.IsRunning())
	assert.Equal(t, []int{1}, w.Pids())

	// A stale loaded for another pid changes nothing.
	w.Loaded(999)
	assert.Equal(t, stateStarting, w.state.tag)

	w.Loaded(h.last().pid)
	assert.True(t, w.IsRunning())
	assert.Contains(t, h.last().calls, "start")
	assert.Equal(t, event.StateRunning, lastEvent(t, w).State)
	assert.Zero(t, w.restarts)
}

func TestStartIsNoOpOutsideRestartableStates(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)
	w.Start(event.ReasonConsoleRequest)
	assert.Len(t, h.spawned, 1)
}

func TestStartStopEndsStopped(t *testing.T) {
	w, h, p := running(t)
	_ = h

	w.Stop(event.ReasonConsoleRequest)
	assert.Equal(t, stateStopping, w.state.tag)
	assert.Contains(t, p.calls, "stop")

	w.Exited(p.pid, process.ExitErr(0))
	assert.True(t, w.IsStopped())
	assert.Equal(t, event.StateStopped, lastEvent(t, w).State)
}

func TestBootFailureExhaustsBudget(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)

	// Immediate non-zero exits consume the budget; the third attempt
	// is the last.
	for i := 0; i < 3; i++ {
		require.Equal(t, stateStarting, w.state.tag)
		w.Exited(h.last().pid, process.ExitErr(1))
	}

	assert.True(t, w.IsFailed())
	assert.Len(t, h.spawned, 3)

	var failures int
	for _, ev := range w.Events.Events() {
		if ev.State == event.StateFailed {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestFailedSlotRestartableByOperator(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)
	for i := 0; i < 3; i++ {
		w.Exited(h.last().pid, process.ExitErr(1))
	}
	require.True(t, w.IsFailed())

	w.Start(event.ReasonConsoleRequest)
	assert.Equal(t, stateStarting, w.state.tag)
	w.Loaded(h.last().pid)
	assert.True(t, w.IsRunning())
	assert.Zero(t, w.restarts)
}

func TestStartDebounceResetsBudget(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)
	w.restarts = 2

	// A clean exit after a long run resets the counter.
	w.started = time.Now().Add(-11 * time.Second)
	w.Exited(h.last().pid, process.ExitErr(0))
	assert.Equal(t, stateStarting, w.state.tag)
	assert.Zero(t, w.restarts)
}

func TestFastCleanExitConsumesBudget(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)

	w.Exited(h.last().pid, process.ExitErr(0))
	assert.Equal(t, 1, w.restarts)
	assert.Equal(t, stateStarting, w.state.tag)
}

func TestGracefulReload(t *testing.T) {
	w, h, old := running(t)

	w.Reload(true, event.ReasonConsoleRequest)
	require.Equal(t, stateReloading, w.state.tag)
	newer := h.last()
	require.NotEqual(t, old.pid, newer.pid)
	assert.Equal(t, []int{newer.pid, old.pid}, w.Pids())

	w.Loaded(newer.pid)
	assert.Equal(t, stateStoppingOld, w.state.tag)
	assert.Contains(t, old.calls, "stop")
	assert.Contains(t, newer.calls, "start")

	w.Exited(old.pid, process.ExitErr(0))
	assert.True(t, w.IsRunning())
	assert.False(t, w.RestoreFromFail())

	evs := w.Events.Events()
	require.GreaterOrEqual(t, len(evs), 3)
	assert.Equal(t, event.StateStopped, evs[len(evs)-2].State)
	assert.Equal(t, event.StateRunning, evs[len(evs)-1].State)

	// The old pid shows up in exactly one Stopped event.
	var stoppedOld int
	for _, ev := range evs {
		if ev.State == event.StateStopped && ev.Pid != "" {
			stoppedOld++
		}
	}
	assert.Equal(t, 1, stoppedOld)
}

func TestHardRestartQuitsOldOnLoad(t *testing.T) {
	w, h, old := running(t)

	w.Reload(false, event.ReasonConsoleRequest)
	require.Equal(t, stateRestarting, w.state.tag)

	newer := h.last()
	w.Loaded(newer.pid)
	assert.Equal(t, stateStoppingOld, w.state.tag)
	assert.Contains(t, old.calls, "quit-graceful")

	w.Exited(old.pid, process.SignalErr(15))
	assert.True(t, w.IsRunning())
}

func TestReloadFallbackRestoresOldWorker(t *testing.T) {
	w, h, old := running(t)

	w.Reload(true, event.ReasonConsoleRequest)

	for i := 0; i < 3; i++ {
		require.Equal(t, stateReloading, w.state.tag)
		w.Exited(h.last().pid, process.ExitErr(1))
	}

	assert.True(t, w.IsRunning())
	assert.True(t, w.RestoreFromFail())
	assert.True(t, w.IsFailed(), "restored slot counts as failed")
	pid, ok := w.Pid()
	require.True(t, ok)
	assert.Equal(t, old.pid, pid)

	var reloadFailed int
	for _, ev := range w.Events.Events() {
		if ev.State == event.StateReloadFailed {
			reloadFailed++
		}
	}
	assert.Equal(t, 3, reloadFailed)

	last := lastEvent(t, w)
	assert.Equal(t, event.StateRunning, last.State)
	assert.Equal(t, event.ReasonRestoreAfterFailed, last.Reason)
}

func TestReloadDebounce(t *testing.T) {
	w, h, _ := running(t)

	w.Reload(true, event.ReasonConsoleRequest)
	w.restarts = 2

	// Replacement survived past the reload window before a clean exit.
	w.started = time.Now().Add(-4 * time.Second)
	w.Exited(h.last().pid, process.ExitErr(0))
	assert.Equal(t, stateReloading, w.state.tag)
	assert.Zero(t, w.restarts)
}

func TestWorkerRequestedRestart(t *testing.T) {
	w, h, old := running(t)

	w.Message(old.pid, "restart")
	require.Equal(t, stateRestarting, w.state.tag)
	assert.Equal(t, event.ReasonWorkerRequest, w.Events.Events()[len(w.Events.Events())-1].Reason)

	newer := h.last()
	w.Loaded(newer.pid)
	w.Exited(old.pid, process.ExitErr(0))
	assert.True(t, w.IsRunning())
	pid, _ := w.Pid()
	assert.Equal(t, newer.pid, pid)
}

func TestMessageIgnoredOutsideRunning(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)
	w.Message(h.last().pid, "restart")
	assert.Equal(t, stateStarting, w.state.tag)
	assert.Len(t, h.spawned, 1)
}

func TestStopMidReloadCollapsesOverlap(t *testing.T) {
	w, h, old := running(t)

	w.Reload(true, event.ReasonConsoleRequest)
	newer := h.last()

	w.Stop(event.ReasonConsoleRequest)
	assert.Equal(t, stateStopping, w.state.tag)
	assert.Contains(t, newer.calls, "quit-graceful")
	assert.Contains(t, old.calls, "stop")
	assert.Equal(t, []int{old.pid}, w.Pids())

	w.Exited(old.pid, process.ExitErr(0))
	assert.True(t, w.IsStopped())
	assert.Equal(t, event.StateStopped, lastEvent(t, w).State)
}

func TestQuitMidReloadQuitsBoth(t *testing.T) {
	w, h, old := running(t)

	w.Reload(false, event.ReasonConsoleRequest)
	newer := h.last()

	w.Quit(event.ReasonMasterShutdown)
	assert.Equal(t, stateStopping, w.state.tag)
	assert.Contains(t, newer.calls, "quit-graceful")
	assert.Contains(t, old.calls, "quit-graceful")
}

func TestNewProcessDiedDuringStoppingOld(t *testing.T) {
	w, h, old := running(t)

	w.Reload(true, event.ReasonConsoleRequest)
	newer := h.last()
	w.Loaded(newer.pid)
	require.Equal(t, stateStoppingOld, w.state.tag)

	w.Exited(newer.pid, process.ExitErr(2))
	assert.Contains(t, old.calls, "quit-forced")
	assert.Equal(t, stateStarting, w.state.tag)
	assert.Equal(t, 1, w.restarts)

	evs := w.Events.Events()
	assert.Equal(t, event.ReasonNewProcessDied, evs[len(evs)-1].Reason)
}

func TestRunningWorkerCrashRespawnsImmediately(t *testing.T) {
	w, h, p := running(t)

	w.Exited(p.pid, process.ExitErr(7))
	assert.Equal(t, stateStarting, w.state.tag)
	assert.Contains(t, p.calls, "quit-forced")
	require.Len(t, h.spawned, 2)

	evs := w.Events.Events()
	assert.Equal(t, event.ReasonRestartFailedRunningWorker, evs[len(evs)-1].Reason)
}

func TestHeartbeatLossHardReplaces(t *testing.T) {
	w, h, p := running(t)

	w.Exited(p.pid, process.HeartbeatErr())
	assert.Equal(t, stateStarting, w.state.tag)
	assert.True(t, w.RestoreFromFail())
	require.Len(t, h.spawned, 2)

	evs := w.Events.Events()
	assert.Equal(t, event.ReasonReloadAfterTimeout, evs[len(evs)-1].Reason)

	// Degradation clears once the replacement loads.
	w.Loaded(h.last().pid)
	assert.False(t, w.RestoreFromFail())
}

func TestStaleExitIgnored(t *testing.T) {
	w, _, p := running(t)

	w.Exited(p.pid+100, process.ExitErr(1))
	assert.True(t, w.IsRunning())
	pid, _ := w.Pid()
	assert.Equal(t, p.pid, pid)
}

func TestPauseResume(t *testing.T) {
	w, _, p := running(t)

	w.Pause(event.ReasonConsoleRequest)
	assert.Contains(t, p.calls, "pause")
	assert.Equal(t, event.StatePaused, lastEvent(t, w).State)
	assert.True(t, w.IsRunning())

	w.Resume(event.ReasonConsoleRequest)
	assert.Contains(t, p.calls, "resume")
	assert.Equal(t, event.StateRunning, lastEvent(t, w).State)
}

func TestPauseIgnoredWhileStarting(t *testing.T) {
	w, h := newTestWorker(t)
	w.Start(event.ReasonConsoleRequest)
	w.Pause(event.ReasonConsoleRequest)
	assert.NotContains(t, h.last().calls, "pause")
}

func TestPidCountInvariant(t *testing.T) {
	w, h := newTestWorker(t)
	assert.Empty(t, w.Pids())

	w.Start(event.ReasonConsoleRequest)
	assert.Len(t, w.Pids(), 1)

	w.Loaded(h.last().pid)
	assert.Len(t, w.Pids(), 1)

	w.Reload(true, event.ReasonConsoleRequest)
	assert.Len(t, w.Pids(), 2)

	w.Loaded(h.last().pid)
	assert.Len(t, w.Pids(), 2)

	oldPid := w.state.old.Pid()
	w.Exited(oldPid, process.ExitErr(0))
	assert.Len(t, w.Pids(), 1)

	w.Stop(event.ReasonConsoleRequest)
	w.Exited(w.state.cur.Pid(), process.ExitErr(0))
	assert.Empty(t, w.Pids())
}

func TestSpawnFailureFailsSlot(t *testing.T) {
	h := &harness{spawnErr: errors.New("fork: resource temporarily unavailable"), spawnFail: -1}
	w := New(0, testCfg(), h.spawn)

	w.Start(event.ReasonConsoleRequest)
	assert.True(t, w.IsFailed())
	assert.Empty(t, h.spawned)
}
