// Package master owns the service map, the control-plane listener and
// signal handling, and routes control requests to services.
package master

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/event"
	"github.com/keeperd/keeper/internal/proto"
	"github.com/keeperd/keeper/internal/service"
	"github.com/keeperd/keeper/internal/sockets"
	"github.com/keeperd/keeper/internal/version"
)

// Progress cadence for long-running control operations.
const pongInterval = 500 * time.Millisecond

type Master struct {
	cfg      *config.Config
	registry *sockets.Registry
	services map[string]*service.Service
	ln       net.Listener

	quit     chan struct{}
	quitOnce sync.Once
}

// New binds the pre-opened sockets and the control listener, writes
// the pid file, and builds every configured service. Failures here are
// fatal; nothing has been forked yet.
func New(cfg *config.Config) (*Master, error) {
	if cfg.Master.Directory != "" {
		if err := os.Chdir(cfg.Master.Directory); err != nil {
			return nil, fmt.Errorf("failed to enter working directory: %w", err)
		}
	}

	if pid, ok := loadPid(cfg.Master.PidPath()); ok && processAlive(pid) {
		return nil, fmt.Errorf("master already running with pid %d", pid)
	}

	sockCfgs := make([]sockets.Config, 0, len(cfg.Sockets))
	for _, s := range cfg.Sockets {
		sockCfgs = append(sockCfgs, sockets.Config{
			Name:      s.Name,
			Proto:     s.Proto,
			Host:      s.Host,
			Port:      s.Port,
			Path:      s.Path,
			Backlog:   s.Backlog,
			Services:  s.Services,
			App:       s.App,
			Arguments: s.Arguments,
		})
	}

	registry, err := sockets.NewRegistry(sockCfgs)
	if err != nil {
		return nil, err
	}

	ln, err := listenControl(cfg.Master.SockPath())
	if err != nil {
		registry.Close()
		return nil, err
	}

	if err := savePid(cfg.Master.PidPath()); err != nil {
		ln.Close()
		registry.Close()
		return nil, err
	}

	m := &Master{
		cfg:      cfg,
		registry: registry,
		services: make(map[string]*service.Service, len(cfg.Services)),
		ln:       ln,
		quit:     make(chan struct{}),
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		m.services[svc.Name] = service.New(svc, registry)
	}

	return m, nil
}

// listenControl creates the control socket mode-restricted to the
// master's user and group.
func listenControl(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		// A previous master may have died without cleanup; only a
		// connectable socket means one is still alive.
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("control socket %q is in use", path)
		}
		os.Remove(path)
	}

	old := unix.Umask(0o117)
	ln, err := net.Listen("unix", path)
	unix.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socket %q: %w", path, err)
	}
	return ln, nil
}

// Run serves the control plane until an operator quit or a
// termination signal, then shuts every service down.
func (m *Master) Run() error {
	sig := make(chan os.Signal, 8)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	go m.acceptLoop()

	log.Info().
		Int("pid", os.Getpid()).
		Str("sock", m.cfg.Master.SockPath()).
		Msg("master running")

	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				// Reserved for config reload.
				log.Info().Msg("SIGHUP ignored")
			default:
				log.Info().Str("signal", s.String()).Msg("shutting down")
				m.Shutdown()
			}
		case <-m.quit:
			m.teardown()
			return nil
		}
	}
}

// Shutdown requests a graceful master exit.
func (m *Master) Shutdown() {
	m.quitOnce.Do(func() { close(m.quit) })
}

func (m *Master) teardown() {
	m.ln.Close()

	timeout := 5 * time.Second
	for i := range m.cfg.Services {
		if t := m.cfg.Services[i].Shutdown() + 3*time.Second; t > timeout {
			timeout = t
		}
	}

	var wg sync.WaitGroup
	for _, svc := range m.services {
		wg.Add(1)
		go func(svc *service.Service) {
			defer wg.Done()
			select {
			case <-svc.Stop(event.ReasonMasterShutdown):
			case <-time.After(timeout):
				log.Error().Str("service", svc.Name()).Msg("service did not stop in time")
			}
		}(svc)
	}
	wg.Wait()

	// Best-effort sweep of anything still alive.
	for _, svc := range m.services {
		for _, pid := range svc.WorkerPids() {
			unix.Kill(-pid, syscall.SIGKILL)
			unix.Kill(pid, syscall.SIGKILL)
		}
		svc.Terminate()
	}

	m.registry.Close()
	removeFiles(m.cfg.Master.PidPath(), m.cfg.Master.SockPath())
	log.Info().Msg("master stopped")
}

func (m *Master) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("control accept failed")
			continue
		}
		go m.handleConn(conn)
	}
}

// handleConn serves one control client. Transport errors drop the
// connection only; the master never times out an accepted connection.
func (m *Master) handleConn(conn net.Conn) {
	defer conn.Close()

	var dec proto.Decoder
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				payload, ok := dec.Next()
				if !ok {
					break
				}

				req, err := proto.Unmarshal(proto.Requests, payload)
				if err != nil {
					log.Warn().Err(err).Msg("bad control request")
					return
				}
				if !m.dispatch(conn, req) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("control connection lost")
			}
			return
		}
	}
}

func (m *Master) respond(conn net.Conn, v any) bool {
	frame, err := proto.EncodeMessage(proto.Responses, v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode control response")
		return false
	}
	if _, err := conn.Write(frame); err != nil {
		return false
	}
	return true
}

// dispatch applies one request and writes the response(s). Returns
// false when the connection should close.
func (m *Master) dispatch(conn net.Conn, req any) bool {
	switch r := req.(type) {
	case *proto.Ping:
		return m.respond(conn, proto.Pong{})

	case *proto.PidQuery:
		return m.respond(conn, proto.MasterPid(os.Getpid()))

	case *proto.VersionQuery:
		return m.respond(conn, proto.MasterVersion(version.Full()))

	case *proto.Quit:
		m.respond(conn, proto.Done{})
		m.Shutdown()
		return false

	case *proto.Status:
		svc, ok := m.services[string(*r)]
		if !ok {
			return m.respond(conn, proto.ErrorUnknownService{})
		}
		if state, _ := svc.Snapshot(); state == service.StateLoading {
			return m.respond(conn, proto.ErrorNotReady{})
		}
		return m.respond(conn, svc.Status())

	case *proto.SPid:
		svc, ok := m.services[string(*r)]
		if !ok {
			return m.respond(conn, proto.ErrorUnknownService{})
		}
		pids := svc.Pids()
		if pids == nil {
			pids = []int32{}
		}
		return m.respond(conn, proto.ServiceWorkerPids(pids))

	case *proto.Start:
		return m.lifecycle(conn, string(*r), func(svc *service.Service) <-chan service.Result {
			return svc.Start()
		})

	case *proto.Stop:
		return m.lifecycle(conn, string(*r), func(svc *service.Service) <-chan service.Result {
			return svc.Stop(event.ReasonConsoleRequest)
		})

	case *proto.Reload:
		return m.lifecycle(conn, string(*r), func(svc *service.Service) <-chan service.Result {
			return svc.Reload(true)
		})

	case *proto.Restart:
		return m.lifecycle(conn, string(*r), func(svc *service.Service) <-chan service.Result {
			return svc.Reload(false)
		})

	case *proto.Pause:
		return m.pauseResume(conn, string(*r), true)

	case *proto.Resume:
		return m.pauseResume(conn, string(*r), false)
	}

	log.Warn().Msg("unhandled control request")
	return false
}

// guard rejects operations conflicting with an in-flight transition.
func (m *Master) guard(conn net.Conn, name string) (*service.Service, bool) {
	svc, ok := m.services[name]
	if !ok {
		m.respond(conn, proto.ErrorUnknownService{})
		return nil, false
	}

	switch _, op := svc.Snapshot(); op {
	case service.OpStarting:
		m.respond(conn, proto.ErrorServiceStarting{})
		return nil, false
	case service.OpReloading:
		m.respond(conn, proto.ErrorServiceReloading{})
		return nil, false
	case service.OpStopping:
		m.respond(conn, proto.ErrorServiceStopping{})
		return nil, false
	}
	return svc, true
}

func (m *Master) lifecycle(conn net.Conn, name string, op func(*service.Service) <-chan service.Result) bool {
	svc, ok := m.guard(conn, name)
	if !ok {
		return true
	}

	ch := op(svc)
	ticker := time.NewTicker(pongInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-ch:
			switch res {
			case service.ResultStarted:
				return m.respond(conn, proto.ServiceStarted{})
			case service.ResultStopped:
				return m.respond(conn, proto.ServiceStopped{})
			case service.ResultFailed:
				return m.respond(conn, proto.ServiceFailed{})
			default:
				return m.respond(conn, proto.Done{})
			}
		case <-ticker.C:
			if !m.respond(conn, proto.Pong{}) {
				return false
			}
		}
	}
}

func (m *Master) pauseResume(conn net.Conn, name string, pause bool) bool {
	svc, ok := m.guard(conn, name)
	if !ok {
		return true
	}

	if state, _ := svc.Snapshot(); state != service.StateRunning && state != service.StatePaused {
		return m.respond(conn, proto.ErrorNotReady{})
	}

	if pause {
		<-svc.Pause()
	} else {
		<-svc.Resume()
	}
	return m.respond(conn, proto.Done{})
}
