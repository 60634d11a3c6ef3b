// Package sockets owns the pre-bound listening sockets workers
// inherit across fork.
package sockets

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Config is the subset of socket configuration the registry needs.
// It mirrors config.Socket; the indirection keeps this package free of
// a config import cycle when config grows service references.
type Config struct {
	Name      string
	Proto     string
	Host      string
	Port      int
	Path      string
	Backlog   int
	Services  []string
	App       string
	Arguments []string
}

// Listener is one bound, nonblocking socket retained as a raw file.
type Listener struct {
	Name      string
	Proto     string
	Addr      string
	App       string
	Arguments []string

	file     *os.File
	services map[string]struct{}
}

// File exposes the inheritable descriptor.
func (l *Listener) File() *os.File { return l.file }

// Registry maps socket names to bound listeners and routes them to
// services. Names are unique; services may only reference declared
// sockets.
type Registry struct {
	listeners []*Listener
	byName    map[string]*Listener
}

// NewRegistry binds every configured socket. Binding happens once at
// master start; any failure is fatal.
func NewRegistry(cfgs []Config) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Listener)}

	for _, cfg := range cfgs {
		if _, dup := r.byName[cfg.Name]; dup {
			r.Close()
			return nil, fmt.Errorf("duplicate socket name %q", cfg.Name)
		}

		l, err := bind(cfg)
		if err != nil {
			r.Close()
			return nil, err
		}

		log.Info().
			Str("socket", cfg.Name).
			Str("proto", cfg.Proto).
			Str("addr", l.Addr).
			Msg("bound listening socket")

		r.listeners = append(r.listeners, l)
		r.byName[cfg.Name] = l
	}

	return r, nil
}

func bind(cfg Config) (*Listener, error) {
	var (
		file *os.File
		addr string
		err  error
	)

	switch cfg.Proto {
	case "tcp4", "tcp6":
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		var ln net.Listener
		ln, err = net.Listen(cfg.Proto, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to bind socket %q on %s: %w", cfg.Name, addr, err)
		}
		tcp := ln.(*net.TCPListener)
		file, err = tcp.File()
		tcp.Close()
	case "unix":
		addr = cfg.Path
		var ln net.Listener
		ln, err = net.Listen("unix", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to bind socket %q on %s: %w", cfg.Name, addr, err)
		}
		ux := ln.(*net.UnixListener)
		// The dup must survive the listener; keep the path bound.
		ux.SetUnlinkOnClose(false)
		file, err = ux.File()
		ux.Close()
	default:
		return nil, fmt.Errorf("socket %q: unsupported proto %q", cfg.Name, cfg.Proto)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to retain socket %q: %w", cfg.Name, err)
	}

	if err := unix.SetNonblock(int(file.Fd()), true); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mark socket %q nonblocking: %w", cfg.Name, err)
	}

	services := make(map[string]struct{}, len(cfg.Services))
	for _, s := range cfg.Services {
		services[s] = struct{}{}
	}

	return &Listener{
		Name:      cfg.Name,
		Proto:     cfg.Proto,
		Addr:      addr,
		App:       cfg.App,
		Arguments: cfg.Arguments,
		file:      file,
		services:  services,
	}, nil
}

// ForService returns the listeners routed to the named service, in
// declaration order.
func (r *Registry) ForService(service string) []*Listener {
	var out []*Listener
	for _, l := range r.listeners {
		if _, ok := l.services[service]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Lookup returns a declared listener by name.
func (r *Registry) Lookup(name string) (*Listener, bool) {
	l, ok := r.byName[name]
	return l, ok
}

// Close releases every retained descriptor and unlinks unix socket
// paths.
func (r *Registry) Close() {
	for _, l := range r.listeners {
		l.file.Close()
		if l.Proto == "unix" {
			os.Remove(l.Addr)
		}
	}
	r.listeners = nil
}

// socketEnv is the per-listener entry in the environment mapping.
type socketEnv struct {
	Name      string   `json:"name"`
	Fd        int      `json:"fd"`
	Proto     string   `json:"proto"`
	Addr      string   `json:"addr"`
	App       string   `json:"app,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
}

// EnvVar is the variable carrying the name-to-FD mapping for
// inherited sockets.
const EnvVar = "KEEPER_SOCKETS"

// Env renders the mapping for a worker whose first inherited listener
// lands at firstFd. Entries follow the ForService order.
func Env(listeners []*Listener, firstFd int) (string, error) {
	entries := make([]socketEnv, 0, len(listeners))
	for i, l := range listeners {
		entries = append(entries, socketEnv{
			Name:      l.Name,
			Fd:        firstFd + i,
			Proto:     l.Proto,
			Addr:      l.Addr,
			App:       l.App,
			Arguments: l.Arguments,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return EnvVar + "=" + strings.TrimSpace(string(data)), nil
}
