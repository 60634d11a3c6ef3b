// Package client speaks the control protocol to a running master on
// behalf of the operator tool.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keeperd/keeper/internal/proto"
	"github.com/keeperd/keeper/internal/version"
)

// Reads use a short deadline so a wedged master cannot hang the tool;
// timeouts are retried a few times before giving up.
const (
	readTimeout = time.Second
	readRetries = 5
)

// Conn is one control-plane connection.
type Conn struct {
	conn net.Conn
	dec  proto.Decoder
	buf  []byte
}

// Connect dials the control socket and verifies the master responds
// to a ping. Permission problems are reported distinctly: they mean a
// master is there but this user may not talk to it.
func Connect(sock string) (*Conn, error) {
	nc, err := net.Dial("unix", sock)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("can not connect to master: permission denied: %s", sock)
		}
		return nil, fmt.Errorf("can not connect to master %s: %w", sock, err)
	}

	c := &Conn{conn: nc, buf: make([]byte, 4096)}

	if err := c.Send(proto.Ping{}); err != nil {
		nc.Close()
		return nil, err
	}
	if _, err := c.Read(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("master process is not responding")
	}
	return c, nil
}

func (c *Conn) Close() { c.conn.Close() }

// Send frames and writes one request.
func (c *Conn) Send(req any) error {
	frame, err := proto.EncodeMessage(proto.Requests, req)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("can not send command: %w", err)
	}
	return nil
}

// Read returns the next response frame.
func (c *Conn) Read() (any, error) {
	retries := readRetries
	for {
		if payload, ok := c.dec.Next(); ok {
			return proto.Unmarshal(proto.Responses, payload)
		}

		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.dec.Write(c.buf[:n])
			continue
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() && retries > 0 {
				retries--
				continue
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}
	}
}

// Options adjusts Run's behavior for special subcommands.
type Options struct {
	// CheckVersion makes a version request succeed only when the
	// master runs the same release as this binary.
	CheckVersion bool
}

// Run sends one request and consumes responses until a final one,
// printing results the way operators expect. Returns success.
func Run(req any, sock string, opts Options) bool {
	c, err := Connect(sock)
	if err != nil {
		log.Error().Msg(err.Error())
		return false
	}
	defer c.Close()

	if err := c.Send(req); err != nil {
		log.Error().Err(err).Msg("can not send command")
		return false
	}

	for {
		resp, err := c.Read()
		if err != nil {
			log.Error().Err(err).Msg("master process is not responding")
			return false
		}

		switch r := resp.(type) {
		case *proto.Pong:
			fmt.Print(".")

		case *proto.Done:
			fmt.Println()
			return true

		case *proto.MasterPid:
			fmt.Println(int32(*r))
			return true

		case *proto.MasterVersion:
			if opts.CheckVersion {
				return version.SameRelease(string(*r))
			}
			fmt.Println(string(*r))
			return true

		case *proto.ServiceStarted, *proto.ServiceStopped:
			fmt.Println("done")
			return true

		case *proto.ServiceFailed:
			fmt.Println("failed.")
			return false

		case *proto.ServiceStatus:
			printStatus(r)
			return true

		case *proto.ServiceWorkerPids:
			for _, pid := range *r {
				fmt.Println(pid)
			}
			return true

		case *proto.ErrorNotReady:
			log.Error().Msg("service is loading")
			return false

		case *proto.ErrorUnknownService:
			log.Error().Msg("service is unknown")
			return false

		case *proto.ErrorServiceStarting:
			log.Error().Msg("service is starting")
			return false

		case *proto.ErrorServiceReloading:
			log.Error().Msg("service is restarting")
			return false

		case *proto.ErrorServiceStopping:
			log.Error().Msg("service is stopping")
			return false

		default:
			fmt.Printf("MSG: %#v\n", resp)
		}
	}
}

func printStatus(st *proto.ServiceStatus) {
	fmt.Printf("Service status: %s\n", st.State)
	for _, w := range st.Workers {
		for _, ev := range w.Events {
			ts := time.Unix(int64(ev.Timestamp), 0).Format("2006-01-02 15:04:05")
			fmt.Printf("%d %s: ", w.Idx, ts)
			if ev.Pid != "" {
				fmt.Printf("(pid:%s) ", ev.Pid)
			}
			fmt.Print(ev.State)
			if ev.Reason != "" && ev.Reason != "Initial" {
				fmt.Printf(", reason: %s", ev.Reason)
			}
			fmt.Println()
		}
	}
}
