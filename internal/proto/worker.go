package proto

import (
	"github.com/goccy/go-json"
)

// WorkerCommand is a master-to-worker command. All variants are unit.
type WorkerCommand string

const (
	CmdPrepare   WorkerCommand = "prepare"
	CmdStart     WorkerCommand = "start"
	CmdPause     WorkerCommand = "pause"
	CmdResume    WorkerCommand = "resume"
	CmdStop      WorkerCommand = "stop"
	CmdHeartbeat WorkerCommand = "hb"
)

// Worker-to-master message command names.
const (
	MsgForked    = "forked"
	MsgLoaded    = "loaded"
	MsgReload    = "reload"
	MsgRestart   = "restart"
	MsgCfgError  = "cfgerror"
	MsgHeartbeat = "hb"
)

// WorkerMessage is a worker-to-master message. Data is set only for
// cfgerror and carries the error text.
type WorkerMessage struct {
	Cmd  string
	Data string
}

func (m WorkerMessage) MarshalJSON() ([]byte, error) {
	env := envelope{Cmd: m.Cmd}
	if m.Data != "" {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func (m *WorkerMessage) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	m.Cmd = env.Cmd
	m.Data = ""
	if len(env.Data) > 0 {
		return json.Unmarshal(env.Data, &m.Data)
	}
	return nil
}

// EncodeCommand frames a worker command.
func EncodeCommand(c WorkerCommand) ([]byte, error) {
	payload, err := json.Marshal(envelope{Cmd: string(c)})
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}
