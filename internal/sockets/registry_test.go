package sockets

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegistryBindsAndRoutes(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Name: "http", Proto: "tcp4", Host: "127.0.0.1", Port: 0, Services: []string{"web"}},
		{Name: "admin", Proto: "tcp4", Host: "127.0.0.1", Port: 0, Services: []string{"web", "ops"}},
	})
	require.NoError(t, err)
	defer r.Close()

	web := r.ForService("web")
	require.Len(t, web, 2)
	assert.Equal(t, "http", web[0].Name)
	assert.Equal(t, "admin", web[1].Name)

	ops := r.ForService("ops")
	require.Len(t, ops, 1)
	assert.Equal(t, "admin", ops[0].Name)

	assert.Empty(t, r.ForService("unknown"))

	l, ok := r.Lookup("http")
	require.True(t, ok)
	assert.NotNil(t, l.File())

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry([]Config{
		{Name: "http", Proto: "tcp4", Host: "127.0.0.1", Port: 0},
		{Name: "http", Proto: "tcp4", Host: "127.0.0.1", Port: 0},
	})
	assert.ErrorContains(t, err, "duplicate socket name")
}

func TestRegistryListenersAreNonblocking(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Name: "http", Proto: "tcp4", Host: "127.0.0.1", Port: 0},
	})
	require.NoError(t, err)
	defer r.Close()

	l, _ := r.Lookup("http")
	flags, err := unix.FcntlInt(l.File().Fd(), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestUnixSocketUnlinkedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.sock")
	r, err := NewRegistry([]Config{
		{Name: "ipc", Proto: "unix", Path: path},
	})
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	// The bound socket survives its net.Listener: the retained
	// descriptor can be turned back into a listener.
	l, _ := r.Lookup("ipc")
	ln, err := net.FileListener(l.File())
	require.NoError(t, err)
	ln.Close()

	r.Close()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEnvMapping(t *testing.T) {
	r, err := NewRegistry([]Config{
		{Name: "http", Proto: "tcp4", Host: "127.0.0.1", Port: 0, Services: []string{"web"}, App: "gateway", Arguments: []string{"-v"}},
		{Name: "admin", Proto: "tcp4", Host: "127.0.0.1", Port: 0, Services: []string{"web"}},
	})
	require.NoError(t, err)
	defer r.Close()

	env, err := Env(r.ForService("web"), 5)
	require.NoError(t, err)
	require.True(t, len(env) > len(EnvVar)+1)
	assert.Equal(t, EnvVar+"=", env[:len(EnvVar)+1])

	var entries []struct {
		Name      string   `json:"name"`
		Fd        int      `json:"fd"`
		Proto     string   `json:"proto"`
		App       string   `json:"app"`
		Arguments []string `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal([]byte(env[len(EnvVar)+1:]), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "http", entries[0].Name)
	assert.Equal(t, 5, entries[0].Fd)
	assert.Equal(t, "gateway", entries[0].App)
	assert.Equal(t, []string{"-v"}, entries[0].Arguments)
	assert.Equal(t, 6, entries[1].Fd)
}
