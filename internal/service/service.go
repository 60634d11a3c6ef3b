// Package service aggregates the worker slots of one named service
// and runs their event loop. All supervisor state is confined to that
// loop; handles and control connections communicate with it through
// the mailbox.
package service

import (
	"github.com/rs/zerolog/log"

	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/event"
	"github.com/keeperd/keeper/internal/process"
	"github.com/keeperd/keeper/internal/proto"
	"github.com/keeperd/keeper/internal/sockets"
	"github.com/keeperd/keeper/internal/worker"
)

// State is the derived service-level state.
type State int

const (
	StateLoading State = iota
	StateRunning
	StatePaused
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Op is the in-flight lifecycle operation, used by the master to
// reject conflicting control requests.
type Op int

const (
	OpNone Op = iota
	OpStarting
	OpReloading
	OpStopping
)

// Result is the final outcome of a lifecycle operation.
type Result int

const (
	ResultStarted Result = iota
	ResultStopped
	ResultFailed
	ResultDone
)

type waiter struct {
	op Op
	ch chan Result
}

// Service owns N worker slots for one service name.
type Service struct {
	cfg     *config.Service
	workers []*worker.Worker

	ops  chan func()
	quit chan struct{}

	paused   bool
	inflight Op
	waiters  []waiter
}

// New builds the service and starts its event loop. Workers exist for
// the master's lifetime; they spawn nothing until started.
func New(cfg *config.Service, registry *sockets.Registry) *Service {
	listeners := registry.ForService(cfg.Name)
	return newService(cfg, func(s *Service) worker.Spawner {
		return func(idx int) (worker.Proc, error) {
			h, err := process.Start(idx, cfg, listeners, s)
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	})
}

func newService(cfg *config.Service, spawner func(*Service) worker.Spawner) *Service {
	s := &Service{
		cfg:  cfg,
		ops:  make(chan func(), 64),
		quit: make(chan struct{}),
	}

	spawn := spawner(s)
	s.workers = make([]*worker.Worker, cfg.Num)
	for i := range s.workers {
		s.workers[i] = worker.New(i, cfg, spawn)
	}

	go s.loop()
	return s
}

func (s *Service) Name() string { return s.cfg.Name }

func (s *Service) loop() {
	for {
		select {
		case f := <-s.ops:
			f()
		case <-s.quit:
			return
		}
	}
}

func (s *Service) post(f func()) {
	select {
	case s.ops <- f:
	case <-s.quit:
	}
}

// Terminate ends the event loop. Only called during master teardown,
// after the workers have been stopped.
func (s *Service) Terminate() {
	close(s.quit)
}

// Sink: handle goroutines deliver child events into the loop. The
// slot's exit is always consumed before any waiter that depends on it
// completes.

func (s *Service) ProcessLoaded(idx, pid int) {
	s.post(func() {
		s.workers[idx].Loaded(pid)
		s.check()
	})
}

func (s *Service) ProcessMessage(idx, pid int, msg proto.WorkerMessage) {
	s.post(func() {
		s.workers[idx].Message(pid, msg.Cmd)
		s.check()
	})
}

func (s *Service) ProcessExited(idx, pid int, err *process.Error) {
	s.post(func() {
		s.workers[idx].Exited(pid, err)
		s.check()
	})
}

// Start brings every slot up. The result arrives once all slots have
// settled.
func (s *Service) Start() <-chan Result {
	ch := make(chan Result, 1)
	s.post(func() {
		log.Info().Str("service", s.cfg.Name).Msg("starting service")
		s.inflight = OpStarting
		s.paused = false
		for _, w := range s.workers {
			w.Start(event.ReasonConsoleRequest)
		}
		s.waiters = append(s.waiters, waiter{OpStarting, ch})
		s.check()
	})
	return ch
}

// Stop tears every slot down toward Stopped.
func (s *Service) Stop(reason event.Reason) <-chan Result {
	ch := make(chan Result, 1)
	s.post(func() {
		log.Info().Str("service", s.cfg.Name).Msg("stopping service")
		s.inflight = OpStopping
		s.paused = false
		for _, w := range s.workers {
			w.Stop(reason)
		}
		s.waiters = append(s.waiters, waiter{OpStopping, ch})
		s.check()
	})
	return ch
}

// Reload replaces every slot's child, gracefully or not.
func (s *Service) Reload(graceful bool) <-chan Result {
	ch := make(chan Result, 1)
	s.post(func() {
		log.Info().Str("service", s.cfg.Name).Bool("graceful", graceful).Msg("reloading service")
		s.inflight = OpReloading
		for _, w := range s.workers {
			w.Reload(graceful, event.ReasonConsoleRequest)
		}
		s.waiters = append(s.waiters, waiter{OpReloading, ch})
		s.check()
	})
	return ch
}

// Pause suspends running slots. Immediate.
func (s *Service) Pause() <-chan Result {
	ch := make(chan Result, 1)
	s.post(func() {
		for _, w := range s.workers {
			w.Pause(event.ReasonConsoleRequest)
		}
		s.paused = true
		ch <- ResultDone
	})
	return ch
}

// Resume reverses Pause. Immediate.
func (s *Service) Resume() <-chan Result {
	ch := make(chan Result, 1)
	s.post(func() {
		for _, w := range s.workers {
			w.Resume(event.ReasonConsoleRequest)
		}
		s.paused = false
		ch <- ResultDone
	})
	return ch
}

// Snapshot returns the derived state and in-flight operation.
func (s *Service) Snapshot() (State, Op) {
	type snap struct {
		state State
		op    Op
	}
	ch := make(chan snap, 1)
	s.post(func() {
		ch <- snap{s.deriveState(), s.inflight}
	})
	select {
	case res := <-ch:
		return res.state, res.op
	case <-s.quit:
		return StateStopped, OpNone
	}
}

// Status clones each slot's event ring for a control-plane response.
func (s *Service) Status() proto.ServiceStatus {
	ch := make(chan proto.ServiceStatus, 1)
	s.post(func() {
		st := proto.ServiceStatus{State: s.deriveState().String()}
		for _, w := range s.workers {
			st.Workers = append(st.Workers, proto.WorkerEvents{
				Idx:    w.Idx,
				Events: w.Events.Events(),
			})
		}
		ch <- st
	})
	select {
	case st := <-ch:
		return st
	case <-s.quit:
		return proto.ServiceStatus{State: StateStopped.String()}
	}
}

// Pids lists the serving child pids in slot order.
func (s *Service) Pids() []int32 {
	ch := make(chan []int32, 1)
	s.post(func() {
		var pids []int32
		for _, w := range s.workers {
			if pid, ok := w.Pid(); ok {
				pids = append(pids, int32(pid))
			}
		}
		ch <- pids
	})
	select {
	case pids := <-ch:
		return pids
	case <-s.quit:
		return nil
	}
}

func (s *Service) deriveState() State {
	var running, stopped, failed int
	converging := false
	for _, w := range s.workers {
		if !w.Settled() {
			converging = true
		}
		if w.IsRunning() {
			running++
		}
		if w.IsStopped() {
			stopped++
		}
		if w.IsFailed() {
			failed++
		}
	}

	switch {
	case converging:
		return StateLoading
	case stopped == len(s.workers):
		return StateStopped
	case failed > 0:
		return StateFailed
	case running > 0 && s.paused:
		return StatePaused
	case running > 0:
		return StateRunning
	default:
		return StateStopped
	}
}

// check completes waiters whose operation has converged.
func (s *Service) check() {
	remaining := s.waiters[:0]
	for _, wt := range s.waiters {
		res, done := s.evaluate(wt.op)
		if done {
			wt.ch <- res
		} else {
			remaining = append(remaining, wt)
		}
	}
	s.waiters = remaining
	if len(s.waiters) == 0 {
		s.inflight = OpNone
	}
}

func (s *Service) evaluate(op Op) (Result, bool) {
	for _, w := range s.workers {
		if !w.Settled() {
			return 0, false
		}
	}

	state := s.deriveState()
	switch op {
	case OpStarting:
		if state == StateRunning || state == StatePaused {
			return ResultStarted, true
		}
		return ResultFailed, true
	case OpStopping:
		for _, w := range s.workers {
			if !w.IsStopped() {
				return 0, false
			}
		}
		return ResultStopped, true
	case OpReloading:
		if state == StateFailed {
			return ResultFailed, true
		}
		return ResultDone, true
	}
	return ResultDone, true
}

// WorkerPids lists every child attributed to any slot; used by the
// master's final sweep at shutdown.
func (s *Service) WorkerPids() []int {
	ch := make(chan []int, 1)
	s.post(func() {
		var pids []int
		for _, w := range s.workers {
			pids = append(pids, w.Pids()...)
		}
		ch <- pids
	})
	select {
	case pids := <-ch:
		return pids
	case <-s.quit:
		return nil
	}
}
