// Package worker implements the per-slot supervision state machine:
// startup and liveness tracking, graceful and hard replacement with
// dual-process overlap, and crash accounting with debounced restart.
package worker

import (
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/event"
	"github.com/keeperd/keeper/internal/process"
)

// Proc is the supervisor's view of a live child. Implemented by
// process.Handle; tests substitute recorders.
type Proc interface {
	Pid() int
	Start()
	Pause()
	Resume()
	Stop()
	Quit(graceful bool)
}

// Spawner forks a new child for a slot and returns its handle.
type Spawner func(idx int) (Proc, error)

// Debounce windows: a child that stayed up longer than this before
// exiting resets the restart counter.
const (
	startDebounce  = 10 * time.Second
	reloadDebounce = 3 * time.Second
)

type stateTag int

const (
	// Never started or reset.
	stateInitial stateTag = iota
	// Child forked, awaiting loaded.
	stateStarting
	// Child reported loaded and is serving.
	stateRunning
	// Graceful reload: new child starting, old still running.
	stateReloading
	// Hard replacement: old will be quit once new loads.
	stateRestarting
	// New child took over, old being torn down.
	stateStoppingOld
	// Awaiting the current child's exit.
	stateStopping
	stateStopped
	stateFailed
)

// workerState is one tagged value; cur and old are only set for the
// tags that own them. At most two children exist, and only in the
// overlap states.
type workerState struct {
	tag stateTag
	cur Proc
	old Proc
}

// Worker supervises one slot within a service. It is owned by the
// service event loop; nothing here is safe for concurrent use.
type Worker struct {
	Idx    int
	Events *event.Ring

	cfg   *config.Service
	state workerState
	spawn Spawner

	started         time.Time
	restarts        int
	restoreFromFail bool
}

func New(idx int, cfg *config.Service, spawn Spawner) *Worker {
	return &Worker{
		Idx:     idx,
		Events:  event.NewRing(50),
		cfg:     cfg,
		state:   workerState{tag: stateInitial},
		spawn:   spawn,
		started: time.Now(),
	}
}

func pidStr(p Proc) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(p.Pid())
}

// Start spawns a child for a slot that has none. No-op in any other
// state.
func (w *Worker) Start(reason event.Reason) {
	switch w.state.tag {
	case stateInitial, stateStopped, stateFailed:
	default:
		return
	}

	log.Debug().Int("idx", w.Idx).Str("service", w.cfg.Name).Msg("starting worker")

	p, err := w.spawn(w.Idx)
	if err != nil {
		log.Error().Err(err).Int("idx", w.Idx).Str("service", w.cfg.Name).Msg("failed to spawn worker")
		w.restarts++
		w.Events.Add(event.StateFailed, event.ReasonSpawnFailed, "")
		if w.restarts < w.cfg.Restarts {
			w.state = workerState{tag: stateInitial}
			w.Start(event.ReasonRestartFailedStartingWorker)
		} else {
			w.state = workerState{tag: stateFailed}
		}
		return
	}

	w.state = workerState{tag: stateStarting, cur: p}
	w.Events.Add(event.StateStarting, reason, pidStr(p))
}

// Loaded handles the child's loaded report. In the overlap states the
// old process begins teardown and the new one takes over.
func (w *Worker) Loaded(pid int) {
	switch w.state.tag {
	case stateStarting:
		if w.state.cur.Pid() != pid {
			return
		}
		w.restarts = 0
		w.state.cur.Start()
		w.Events.Add(event.StateRunning, event.ReasonNone, pidStr(w.state.cur))
		w.state = workerState{tag: stateRunning, cur: w.state.cur}
		w.restoreFromFail = false

	case stateReloading:
		if w.state.cur.Pid() != pid {
			return
		}
		w.restarts = 0
		w.state.old.Stop()
		w.state.cur.Start()
		w.Events.Add(event.StateStoppingOld, event.ReasonNone, pidStr(w.state.old))
		w.state = workerState{tag: stateStoppingOld, cur: w.state.cur, old: w.state.old}

	case stateRestarting:
		if w.state.cur.Pid() != pid {
			return
		}
		w.restarts = 0
		w.state.old.Quit(true)
		w.state.cur.Start()
		w.Events.Add(event.StateStoppingOld, event.ReasonNone, pidStr(w.state.old))
		w.state = workerState{tag: stateStoppingOld, cur: w.state.cur, old: w.state.old}
	}
}

// Reload replaces the running child with a fresh one, gracefully or
// not. On stopped or failed slots it is a plain start.
func (w *Worker) Reload(graceful bool, reason event.Reason) {
	switch w.state.tag {
	case stateRunning:
		cur := w.state.cur

		p, err := w.spawn(w.Idx)
		if err != nil {
			log.Error().Err(err).Int("idx", w.Idx).Str("service", w.cfg.Name).Msg("failed to spawn replacement worker")
			w.Events.Add(event.StateReloadFailed, event.ReasonSpawnFailed, pidStr(cur))
			return
		}

		if graceful {
			log.Info().Int("pid", cur.Pid()).Msg("reloading worker")
			w.Events.Add(event.StateReloading, reason, pidStr(cur))
			w.state = workerState{tag: stateReloading, cur: p, old: cur}
		} else {
			log.Info().Int("pid", cur.Pid()).Msg("restarting worker")
			w.Events.Add(event.StateRestarting, reason, pidStr(cur))
			w.state = workerState{tag: stateRestarting, cur: p, old: cur}
		}

	case stateFailed, stateStopped:
		w.restarts = 0
		w.state = workerState{tag: stateInitial}
		w.Start(reason)
	}
}

// Stop tears the slot down toward Stopped. Mid-reload, the new child
// is quit and the old one is stopped gracefully.
func (w *Worker) Stop(reason event.Reason) {
	switch w.state.tag {
	case stateInitial, stateStopped, stateFailed:
		w.state = workerState{tag: stateStopped}
		w.Events.Add(event.StateStopped, reason, "")

	case stateStarting:
		w.state.cur.Quit(true)
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.cur))
		w.state = workerState{tag: stateStopping, cur: w.state.cur}

	case stateRunning:
		w.state.cur.Stop()
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.cur))
		w.state = workerState{tag: stateStopping, cur: w.state.cur}

	case stateReloading, stateRestarting:
		w.state.cur.Quit(true)
		w.state.old.Stop()
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.old))
		w.state = workerState{tag: stateStopping, cur: w.state.old}

	case stateStoppingOld:
		w.state.old.Quit(true)
		w.state.cur.Stop()
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.cur))
		w.state = workerState{tag: stateStopping, cur: w.state.cur}

	case stateStopping:
	}
}

// Quit is Stop without grace for anything already replaceable.
func (w *Worker) Quit(reason event.Reason) {
	switch w.state.tag {
	case stateInitial, stateStopped, stateFailed:
		w.state = workerState{tag: stateStopped}
		w.Events.Add(event.StateStopped, reason, "")

	case stateStarting:
		w.state.cur.Quit(true)
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.cur))
		w.state = workerState{tag: stateStopping, cur: w.state.cur}

	case stateRunning:
		w.state.cur.Quit(true)
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.cur))
		w.state = workerState{tag: stateStopping, cur: w.state.cur}

	case stateReloading, stateRestarting:
		w.state.cur.Quit(true)
		w.state.old.Quit(true)
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.old))
		w.state = workerState{tag: stateStopping, cur: w.state.old}

	case stateStoppingOld:
		w.state.old.Quit(true)
		w.state.cur.Quit(true)
		w.Events.Add(event.StateStopping, reason, pidStr(w.state.cur))
		w.state = workerState{tag: stateStopping, cur: w.state.cur}

	case stateStopping:
	}
}

// Pause suspends a running child.
func (w *Worker) Pause(reason event.Reason) {
	if w.state.tag == stateRunning {
		w.state.cur.Pause()
		w.Events.Add(event.StatePaused, reason, pidStr(w.state.cur))
	}
}

// Resume reverses Pause.
func (w *Worker) Resume(reason event.Reason) {
	if w.state.tag == stateRunning {
		w.state.cur.Resume()
		w.Events.Add(event.StateRunning, reason, pidStr(w.state.cur))
	}
}

// Message handles a worker-initiated request. Only reload and restart
// from the current running child are honored.
func (w *Worker) Message(pid int, msg string) {
	if w.state.tag != stateRunning || w.state.cur.Pid() != pid {
		return
	}

	switch msg {
	case "reload":
		w.Reload(true, event.ReasonWorkerRequest)
	case "restart":
		w.Reload(false, event.ReasonWorkerRequest)
	}
}

// Exited applies the restart policy for a child's classified exit.
func (w *Worker) Exited(pid int, err *process.Error) {
	switch w.state.tag {
	case stateRunning:
		if w.state.cur.Pid() != pid {
			return
		}
		if err.Kind == process.StartupTimeout || err.Kind == process.HeartbeatFailed {
			// Liveness was lost and the child has already been force
			// killed; note the degradation and hard-replace it.
			w.Events.Add(event.StateRunning, err.Reason(), strconv.Itoa(pid))
			w.restoreFromFail = true
			w.started = time.Now()
			w.state = workerState{tag: stateInitial}
			w.Start(event.ReasonReloadAfterTimeout)
			return
		}
		w.state.cur.Quit(false)
		w.started = time.Now()
		w.state = workerState{tag: stateInitial}
		w.Events.Add(event.StateStopped, err.Reason(), strconv.Itoa(pid))
		w.Start(event.ReasonRestartFailedRunningWorker)

	case stateStarting:
		if w.state.cur.Pid() != pid {
			return
		}
		w.bumpRestarts(err, startDebounce)
		w.Events.Add(event.StateFailed, err.Reason(), strconv.Itoa(pid))

		if w.restarts < w.cfg.Restarts {
			w.state.cur.Quit(false)
			w.state = workerState{tag: stateInitial}
			w.Start(event.ReasonRestartFailedStartingWorker)
		} else {
			log.Error().Int("pid", pid).Int("idx", w.Idx).Msg("can not start worker")
			w.state = workerState{tag: stateFailed}
		}

	case stateReloading:
		w.replacementExited(pid, err, event.StateReloadFailed, func(p Proc) workerState {
			return workerState{tag: stateReloading, cur: p, old: w.state.old}
		})

	case stateRestarting:
		w.replacementExited(pid, err, event.StateRestartFailed, func(p Proc) workerState {
			return workerState{tag: stateRestarting, cur: p, old: w.state.old}
		})

	case stateStoppingOld:
		if w.state.cur.Pid() == pid {
			w.state.old.Quit(false)
			w.restarts++
			w.Events.Add(event.StateFailed, err.Reason(), strconv.Itoa(pid))
			w.state = workerState{tag: stateInitial}
			w.Start(event.ReasonNewProcessDied)
		} else if w.state.old.Pid() == pid {
			w.oldExited(pid)
		}

	case stateStopping:
		if w.state.cur.Pid() != pid {
			return
		}
		w.state = workerState{tag: stateStopped}
		w.Events.Add(event.StateStopped, err.Reason(), strconv.Itoa(pid))
	}
}

// replacementExited handles the new child dying during reload or
// restart: retry within the budget, otherwise keep the old process.
func (w *Worker) replacementExited(pid int, err *process.Error, failTag event.State, retry func(Proc) workerState) {
	if w.state.cur.Pid() == pid {
		w.bumpRestarts(err, reloadDebounce)
		w.Events.Add(failTag, err.Reason(), strconv.Itoa(pid))

		if w.restarts < w.cfg.Restarts {
			p, spawnErr := w.spawn(w.Idx)
			if spawnErr != nil {
				log.Error().Err(spawnErr).Int("idx", w.Idx).Msg("failed to spawn replacement worker")
				w.restoreOld()
				return
			}
			w.state = retry(p)
		} else {
			log.Error().Int("pid", pid).Int("idx", w.Idx).Msg("can not start worker, restoring old worker")
			w.restoreOld()
		}
	} else if w.state.old.Pid() == pid {
		w.oldExited(pid)
	}
}

func (w *Worker) restoreOld() {
	w.restoreFromFail = true
	w.Events.Add(event.StateRunning, event.ReasonRestoreAfterFailed, pidStr(w.state.old))
	w.state = workerState{tag: stateRunning, cur: w.state.old}
}

// oldExited finishes a replacement: the old process is gone and the
// new one is the slot's current child.
func (w *Worker) oldExited(pid int) {
	w.restoreFromFail = false
	w.Events.Add(event.StateStopped, event.ReasonNone, strconv.Itoa(pid))
	w.Events.Add(event.StateRunning, event.ReasonNone, pidStr(w.state.cur))
	w.state = workerState{tag: stateRunning, cur: w.state.cur}
}

// bumpRestarts applies the fast-restart debounce: clean exits after a
// long enough run reset the budget, everything else consumes it.
func (w *Worker) bumpRestarts(err *process.Error, window time.Duration) {
	if err.Kind == process.ExitCode && err.Code == 0 {
		now := time.Now()
		if now.Sub(w.started) > window {
			w.started = now
			w.restarts = 0
			return
		}
	}
	w.restarts++
}

// IsRunning reports whether the slot is serving.
func (w *Worker) IsRunning() bool { return w.state.tag == stateRunning }

// IsFailed reports a dead slot, or one running only because the old
// process was restored after a failed replacement.
func (w *Worker) IsFailed() bool {
	if w.state.tag == stateFailed {
		return true
	}
	return w.state.tag == stateRunning && w.restoreFromFail
}

// IsStopped reports a cleanly stopped slot.
func (w *Worker) IsStopped() bool { return w.state.tag == stateStopped }

// Settled reports that no transition is in flight.
func (w *Worker) Settled() bool {
	switch w.state.tag {
	case stateStarting, stateReloading, stateRestarting, stateStoppingOld, stateStopping:
		return false
	}
	return true
}

// Pid returns the serving child's pid, if any.
func (w *Worker) Pid() (int, bool) {
	switch w.state.tag {
	case stateRunning, stateStoppingOld:
		return w.state.cur.Pid(), true
	}
	return 0, false
}

// Pids lists every child currently attributed to the slot.
func (w *Worker) Pids() []int {
	var out []int
	if w.state.cur != nil {
		out = append(out, w.state.cur.Pid())
	}
	if w.state.old != nil {
		out = append(out, w.state.old.Pid())
	}
	return out
}

// RestoreFromFail reports whether the running child is the old process
// kept alive after a failed replacement burned the restart budget.
func (w *Worker) RestoreFromFail() bool { return w.restoreFromFail }
