//go:build linux

// Package process manages one live child on behalf of a worker slot:
// the inherited pipe pair, the command/heartbeat channel, the
// startup/liveness/shutdown timers, and exit classification.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oraoto/go-pidfd"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/proto"
	"github.com/keeperd/keeper/internal/sockets"
)

// Worker-side descriptor convention: the command pipe read end and the
// message pipe write end land at fixed descriptors after fork, and the
// inherited listening sockets follow.
const (
	FdRecv     = 3
	FdSend     = 4
	fdListener = 5
)

// FdEnvVar tells the worker where its pipe ends are.
const FdEnvVar = "KEEPER_FD"

// Grace between the SIGTERM escalation and the final SIGKILL.
const termGrace = time.Second

// Sink receives what a handle surfaces upward. Implemented by the
// owning service loop; all methods must be safe to call from handle
// goroutines.
type Sink interface {
	ProcessLoaded(idx, pid int)
	ProcessMessage(idx, pid int, msg proto.WorkerMessage)
	ProcessExited(idx, pid int, err *Error)
}

type phase int

const (
	phaseStarting phase = iota
	phaseRunning
	phaseStopping
	phaseDead
)

// Handle is the master-side object managing one live child.
type Handle struct {
	idx  int
	pid  int
	cfg  *config.Service
	sink Sink

	proc   *os.Process
	pfd    pidfd.PidFd
	hasPfd bool

	send *os.File
	recv *os.File
	pipe *proto.Pipe

	mu       sync.Mutex
	phase    phase
	cause    *Error
	startup  *time.Timer
	liveness *time.Timer
	escalate *time.Timer
	killer   *time.Timer

	died chan struct{}
}

func pipePair() (recv, send, childRecv, childSend *os.File, err error) {
	recv, childSend, err = os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	childRecv, send, err = os.Pipe()
	if err != nil {
		childSend.Close()
		recv.Close()
		return nil, nil, nil, nil, err
	}

	return recv, send, childRecv, childSend, nil
}

// Start forks the service command for one worker slot. The child gets
// the pipe pair at the fixed descriptors, the routed listening sockets
// after them, and the configured directory, credentials and
// stdout/stderr redirects. The handle sends prepare immediately and
// begins the startup timer and heartbeat.
func Start(idx int, cfg *config.Service, listeners []*sockets.Listener, sink Sink) (*Handle, error) {
	recv, send, childRecv, childSend, err := pipePair()
	if err != nil {
		return nil, fmt.Errorf("failed to create the pipe pair for the worker: %w", err)
	}
	defer childSend.Close()
	defer childRecv.Close()

	cmd := exec.Command("/bin/sh", "-c", cfg.Command)
	cmd.Dir = cfg.Directory
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cfg.Uid != nil || cfg.Gid != nil {
		cred := &syscall.Credential{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
		if cfg.Uid != nil {
			cred.Uid = *cfg.Uid
		}
		if cfg.Gid != nil {
			cred.Gid = *cfg.Gid
		}
		cmd.SysProcAttr.Credential = cred
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	var redirects []*os.File
	if cfg.Stdout != "" {
		f, err := os.OpenFile(cfg.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			send.Close()
			recv.Close()
			return nil, fmt.Errorf("failed to open stdout redirect for %q: %w", cfg.Name, err)
		}
		cmd.Stdout = f
		redirects = append(redirects, f)
	}
	if cfg.Stderr != "" {
		f, err := os.OpenFile(cfg.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			closeAll(redirects)
			send.Close()
			recv.Close()
			return nil, fmt.Errorf("failed to open stderr redirect for %q: %w", cfg.Name, err)
		}
		cmd.Stderr = f
		redirects = append(redirects, f)
	}

	extra := []*os.File{childRecv, childSend}
	for _, l := range listeners {
		extra = append(extra, l.File())
	}
	cmd.ExtraFiles = extra

	env := append(os.Environ(), fmt.Sprintf("%s=%d,%d", FdEnvVar, FdRecv, FdSend))
	if len(listeners) > 0 {
		sockEnv, err := sockets.Env(listeners, fdListener)
		if err != nil {
			closeAll(redirects)
			send.Close()
			recv.Close()
			return nil, fmt.Errorf("failed to build socket mapping for %q: %w", cfg.Name, err)
		}
		env = append(env, sockEnv)
	}
	cmd.Env = env

	log.Debug().
		Str("service", cfg.Name).
		Int("idx", idx).
		Str("cmd", cfg.Command).
		Msg("starting worker process")

	if err := cmd.Start(); err != nil {
		closeAll(redirects)
		send.Close()
		recv.Close()
		return nil, fmt.Errorf("failed to fork the worker: %w", err)
	}
	closeAll(redirects)

	h := &Handle{
		idx:   idx,
		pid:   cmd.Process.Pid,
		cfg:   cfg,
		sink:  sink,
		proc:  cmd.Process,
		send:  send,
		recv:  recv,
		phase: phaseStarting,
		died:  make(chan struct{}),
	}

	if pfd, err := pidfd.Open(h.pid, 0); err == nil {
		h.pfd = pfd
		h.hasPfd = true
	} else {
		log.Debug().Err(err).Int("pid", h.pid).Msg("pidfd unavailable, falling back to kill")
	}

	h.pipe = proto.NewPipe(send, recv)

	log.Info().
		Str("service", cfg.Name).
		Int("idx", idx).
		Int("pid", h.pid).
		Msg("started worker")

	if err := h.pipe.Send(proto.CmdPrepare); err != nil {
		log.Error().Err(err).Int("pid", h.pid).Msg("failed to send prepare")
	}

	h.startup = time.AfterFunc(cfg.Startup(), func() {
		h.fail(StartupTimeoutErr())
	})

	go h.heartbeatLoop()
	go h.recvLoop()
	go h.monitorExit(cmd)

	return h, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// Pid is immutable for the handle's lifetime.
func (h *Handle) Pid() int { return h.pid }

// Start tells a loaded worker to begin serving.
func (h *Handle) Start() { h.command(proto.CmdStart) }

// Pause suspends request handling in the worker.
func (h *Handle) Pause() { h.command(proto.CmdPause) }

// Resume reverses Pause.
func (h *Handle) Resume() { h.command(proto.CmdResume) }

// Stop starts a graceful shutdown: the stop command now, SIGTERM when
// the shutdown timeout expires, SIGKILL shortly after.
func (h *Handle) Stop() { h.shutdown() }

// Quit terminates the child. Graceful quits follow the same escalation
// as Stop; otherwise the child is killed outright.
func (h *Handle) Quit(graceful bool) {
	if graceful {
		h.shutdown()
		return
	}

	h.mu.Lock()
	if h.phase == phaseDead {
		h.mu.Unlock()
		return
	}
	h.phase = phaseStopping
	h.stopTimersLocked()
	h.mu.Unlock()

	h.kill(syscall.SIGKILL)
}

func (h *Handle) shutdown() {
	h.mu.Lock()
	if h.phase == phaseStopping || h.phase == phaseDead {
		h.mu.Unlock()
		return
	}
	h.phase = phaseStopping
	h.stopTimersLocked()
	h.escalate = time.AfterFunc(h.cfg.Shutdown(), func() {
		h.kill(syscall.SIGTERM)
		h.mu.Lock()
		if h.phase != phaseDead {
			h.killer = time.AfterFunc(termGrace, func() {
				h.kill(syscall.SIGKILL)
			})
		}
		h.mu.Unlock()
	})
	h.mu.Unlock()

	h.command(proto.CmdStop)
}

func (h *Handle) command(cmd proto.WorkerCommand) {
	if err := h.pipe.Send(cmd); err != nil {
		log.Debug().Err(err).Int("pid", h.pid).Str("cmd", string(cmd)).Msg("failed to send command")
	}
}

// fail records the first failure cause and force-kills the child.
// Deliberate shutdowns ignore late timer fires so the exit keeps its
// real classification.
func (h *Handle) fail(e *Error) {
	h.mu.Lock()
	if h.phase == phaseStopping || h.phase == phaseDead {
		h.mu.Unlock()
		return
	}
	if h.cause == nil {
		h.cause = e
	}
	h.mu.Unlock()

	log.Error().Int("pid", h.pid).Str("error", e.Error()).Msg("worker failed")
	h.kill(syscall.SIGKILL)
}

func (h *Handle) kill(sig syscall.Signal) {
	if h.hasPfd {
		if err := h.pfd.SendSignal(sig, 0); err == nil {
			if sig == syscall.SIGKILL {
				unix.Kill(-h.pid, sig)
			}
			return
		}
	}
	h.proc.Signal(sig)
	if sig == syscall.SIGKILL {
		unix.Kill(-h.pid, sig)
	}
}

func (h *Handle) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-h.died:
			return
		case <-ticker.C:
			if err := h.pipe.Send(proto.CmdHeartbeat); err != nil {
				return
			}
		}
	}
}

func (h *Handle) recvLoop() {
	for res := range h.pipe.Recv() {
		if res.Err != nil {
			if !errors.Is(res.Err, io.EOF) && !errors.Is(res.Err, os.ErrClosed) {
				h.fail(PipeErr(res.Err))
			}
			return
		}

		switch res.Msg.Cmd {
		case proto.MsgForked:
			log.Debug().Int("pid", h.pid).Msg("worker forked")
		case proto.MsgLoaded:
			h.onLoaded()
		case proto.MsgHeartbeat:
			h.touch()
		case proto.MsgCfgError:
			h.fail(ConfigErr(res.Msg.Data))
		case proto.MsgReload, proto.MsgRestart:
			h.sink.ProcessMessage(h.idx, h.pid, res.Msg)
		default:
			log.Warn().Int("pid", h.pid).Str("cmd", res.Msg.Cmd).Msg("unexpected worker message")
		}
	}
}

func (h *Handle) onLoaded() {
	h.mu.Lock()
	if h.phase != phaseStarting {
		h.mu.Unlock()
		return
	}
	h.phase = phaseRunning
	if h.startup != nil {
		h.startup.Stop()
		h.startup = nil
	}
	h.liveness = time.AfterFunc(h.cfg.Liveness(), func() {
		h.fail(HeartbeatErr())
	})
	h.mu.Unlock()

	log.Info().Int("pid", h.pid).Int("idx", h.idx).Msg("worker loaded")
	h.sink.ProcessLoaded(h.idx, h.pid)
}

func (h *Handle) touch() {
	h.mu.Lock()
	if h.liveness != nil {
		h.liveness.Reset(h.cfg.Liveness())
	}
	h.mu.Unlock()
}

func (h *Handle) stopTimersLocked() {
	for _, t := range []*time.Timer{h.startup, h.liveness, h.escalate, h.killer} {
		if t != nil {
			t.Stop()
		}
	}
	h.startup, h.liveness = nil, nil
}

// monitorExit reaps the child and delivers the single classified exit
// to the supervisor. A recorded failure cause wins over the raw wait
// status.
func (h *Handle) monitorExit(cmd *exec.Cmd) {
	defer close(h.died)

	waitErr := cmd.Wait()
	state := cmd.ProcessState

	h.mu.Lock()
	h.phase = phaseDead
	h.stopTimersLocked()
	cause := h.cause
	h.mu.Unlock()

	h.send.Close()
	h.recv.Close()
	if h.hasPfd {
		unix.Close(int(h.pfd))
	}

	perr := classify(cause, state, waitErr)

	if state != nil && state.Success() {
		log.Info().Int("pid", h.pid).Msg("worker process exited normally")
	} else if perr.Kind == Signaled && (perr.Signal == syscall.SIGTERM || perr.Signal == syscall.SIGHUP) {
		log.Info().Int("pid", h.pid).Int("signal", int(perr.Signal)).Msg("worker process exited")
	} else {
		log.Error().Int("pid", h.pid).Str("error", perr.Error()).Msg("worker process exited")
	}

	h.sink.ProcessExited(h.idx, h.pid, perr)
}

func classify(cause *Error, state *os.ProcessState, waitErr error) *Error {
	if cause != nil {
		return cause
	}
	if state == nil {
		if waitErr != nil {
			return PipeErr(waitErr)
		}
		return ExitErr(0)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return SignalErr(ws.Signal())
	}
	return ExitErr(state.ExitCode())
}
