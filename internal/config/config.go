// Package config loads and validates the master configuration: the
// control socket, pre-bound listening sockets, and the supervised
// services.
//
//	master:
//	  sock: keeper.sock
//	  pid: keeper.pid
//	logging:
//	  level: info
//	sockets:
//	  - name: http
//	    proto: tcp4
//	    port: 8080
//	    services: [web]
//	services:
//	  - name: web
//	    num: 2
//	    command: "python web.py"
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// Config is the full daemon configuration, immutable after Load.
type Config struct {
	Master   Master    `yaml:"master"`
	Logging  Logging   `yaml:"logging"`
	Sockets  []Socket  `yaml:"sockets" validate:"dive"`
	Services []Service `yaml:"services" validate:"required,min=1,dive"`
}

// Master configures the master process itself.
type Master struct {
	// Path to the control unix domain socket.
	Sock string `yaml:"sock" env:"KEEPER_SOCK"`
	// Path to the pid file; empty disables it.
	Pid string `yaml:"pid" env:"KEEPER_PID"`
	// Working directory applied before services load. Relative socket
	// and pid paths are resolved against it.
	Directory string `yaml:"directory" env:"KEEPER_DIRECTORY"`
}

type Logging struct {
	Level string `yaml:"level" env:"KEEPER_LOG_LEVEL"`
}

// Socket declares one pre-bound listening socket handed to workers by
// FD inheritance.
type Socket struct {
	Name    string `yaml:"name" validate:"required"`
	Proto   string `yaml:"proto" validate:"oneof=tcp4 tcp6 unix"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port" validate:"min=0,max=65535"`
	Path    string `yaml:"path"`
	Backlog int    `yaml:"backlog"`
	// Names of the services this socket is routed to.
	Services []string `yaml:"services"`
	// Opaque application metadata forwarded to workers.
	App       string   `yaml:"app"`
	Arguments []string `yaml:"arguments"`
}

// Service declares one supervised workload.
type Service struct {
	Name    string `yaml:"name" validate:"required"`
	Num     int    `yaml:"num" validate:"min=1"`
	Command string `yaml:"command" validate:"required"`

	// Restart attempts before a worker slot is marked failed.
	Restarts int `yaml:"restarts" validate:"min=1"`

	Directory string  `yaml:"directory"`
	Uid       *uint32 `yaml:"uid"`
	Gid       *uint32 `yaml:"gid"`
	Stdout    string  `yaml:"stdout"`
	Stderr    string  `yaml:"stderr"`

	// Workers silent for more than this many seconds are killed and
	// restarted.
	Timeout int `yaml:"timeout" validate:"min=1"`
	// Seconds a freshly forked worker has to report loaded.
	StartupTimeout int `yaml:"startup_timeout" validate:"min=1"`
	// Seconds a worker has to finish serving after a stop request.
	ShutdownTimeout int `yaml:"shutdown_timeout" validate:"min=1"`
	// Master heartbeat cadence in seconds.
	Heartbeat int `yaml:"heartbeat" validate:"min=1"`
}

func (s *Service) Liveness() time.Duration { return time.Duration(s.Timeout) * time.Second }
func (s *Service) Startup() time.Duration  { return time.Duration(s.StartupTimeout) * time.Second }
func (s *Service) Shutdown() time.Duration { return time.Duration(s.ShutdownTimeout) * time.Second }
func (s *Service) HeartbeatInterval() time.Duration {
	return time.Duration(s.Heartbeat) * time.Second
}

// SockPath resolves the control socket path against the working
// directory.
func (m *Master) SockPath() string { return m.resolve(m.Sock) }

// PidPath resolves the pid file path; empty when disabled.
func (m *Master) PidPath() string {
	if m.Pid == "" {
		return ""
	}
	return m.resolve(m.Pid)
}

func (m *Master) resolve(p string) string {
	if filepath.IsAbs(p) || m.Directory == "" {
		return p
	}
	return filepath.Join(m.Directory, p)
}

// Default returns a configuration with master-level defaults applied.
func Default() *Config {
	return &Config{
		Master:  Master{Sock: "keeper.sock"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	c := config.New().
		AddFeeder(feeder.Yaml{Path: path}).
		AddFeeder(feeder.Env{}).
		AddStruct(cfg)
	if err := c.Feed(); err != nil {
		return nil, fmt.Errorf("failed to read configuration %q: %w", path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills per-entry defaults for fields the file omitted.
func (c *Config) Normalize() {
	if c.Master.Sock == "" {
		c.Master.Sock = "keeper.sock"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for i := range c.Sockets {
		s := &c.Sockets[i]
		if s.Proto == "" {
			s.Proto = "tcp4"
		}
		if s.Host == "" {
			s.Host = "0.0.0.0"
		}
		if s.Backlog == 0 {
			s.Backlog = 256
		}
	}

	for i := range c.Services {
		s := &c.Services[i]
		if s.Num == 0 {
			s.Num = 1
		}
		if s.Restarts == 0 {
			s.Restarts = 3
		}
		if s.Timeout == 0 {
			s.Timeout = 10
		}
		if s.StartupTimeout == 0 {
			s.StartupTimeout = 30
		}
		if s.ShutdownTimeout == 0 {
			s.ShutdownTimeout = 30
		}
		if s.Heartbeat == 0 {
			s.Heartbeat = 1
		}
	}
}

// Validate checks field constraints and cross-references between
// sockets and services. Any error here is fatal at master startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	services := make(map[string]struct{}, len(c.Services))
	for _, s := range c.Services {
		if _, dup := services[s.Name]; dup {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		services[s.Name] = struct{}{}

		if s.Timeout < 3*s.Heartbeat {
			return fmt.Errorf("service %q: timeout %ds must be at least three heartbeat intervals (%ds)",
				s.Name, s.Timeout, s.Heartbeat)
		}
	}

	sockets := make(map[string]struct{}, len(c.Sockets))
	for _, s := range c.Sockets {
		if _, dup := sockets[s.Name]; dup {
			return fmt.Errorf("duplicate socket name %q", s.Name)
		}
		sockets[s.Name] = struct{}{}

		switch s.Proto {
		case "unix":
			if s.Path == "" {
				return fmt.Errorf("socket %q: unix sockets need a path", s.Name)
			}
		default:
			if s.Port == 0 {
				return fmt.Errorf("socket %q: %s sockets need a port", s.Name, s.Proto)
			}
		}

		for _, svc := range s.Services {
			if _, ok := services[svc]; !ok {
				return fmt.Errorf("socket %q routes to undeclared service %q", s.Name, svc)
			}
		}
	}

	return nil
}

// ServiceByName returns the named service config.
func (c *Config) ServiceByName(name string) (*Service, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}
