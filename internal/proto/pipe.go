package proto

import (
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// RecvResult is one decoded worker message or a terminal read error.
type RecvResult struct {
	Msg WorkerMessage
	Err error
}

// Pipe drives the duplex master↔worker channel over the inherited
// pipe pair. Commands go out synchronously; inbound messages are
// decoded by a reader goroutine and delivered on a channel, which
// closes after a terminal error (io.EOF when the child exits).
type Pipe struct {
	mu     sync.Mutex
	writer io.Writer
	recv   chan RecvResult
}

func NewPipe(writer io.Writer, reader io.Reader) *Pipe {
	r := make(chan RecvResult)
	p := &Pipe{
		writer: writer,
		recv:   r,
	}

	go p.recvWorker(reader)
	return p
}

// Send frames and writes one command.
func (p *Pipe) Send(cmd WorkerCommand) error {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(frame) != 0 {
		n, err := p.writer.Write(frame)
		if err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		frame = frame[n:]
	}
	return nil
}

// Recv exposes the inbound message stream.
func (p *Pipe) Recv() <-chan RecvResult { return p.recv }

func (p *Pipe) recvWorker(reader io.Reader) {
	defer close(p.recv)

	var dec Decoder
	buf := make([]byte, 4096)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])

			for {
				payload, ok := dec.Next()
				if !ok {
					break
				}

				log.Trace().Bytes("payload", payload).Msg("worker message")

				var msg WorkerMessage
				if err := json.Unmarshal(payload, &msg); err != nil {
					p.recv <- RecvResult{Err: fmt.Errorf("failed to unmarshal worker message: %w", err)}
					return
				}
				p.recv <- RecvResult{Msg: msg}
			}
		}
		if err != nil {
			p.recv <- RecvResult{Err: err}
			return
		}
	}
}
