package proto

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/keeperd/keeper/internal/event"
)

// Control requests, client to master. Payload-bearing variants carry
// the service name and encode their data as a bare JSON string.
type (
	Ping         struct{}
	PidQuery     struct{}
	VersionQuery struct{}
	Quit         struct{}
	Status       string
	SPid         string
	Start        string
	Pause        string
	Resume       string
	Reload       string
	Restart      string
	Stop         string
)

// Control responses, master to client.
type (
	Pong                  struct{}
	Done                  struct{}
	MasterPid             int32
	MasterVersion         string
	ServiceStarted        struct{}
	ServiceStopped        struct{}
	ServiceFailed         struct{}
	ServiceWorkerPids     []int32
	ErrorNotReady         struct{}
	ErrorUnknownService   struct{}
	ErrorServiceStarting  struct{}
	ErrorServiceReloading struct{}
	ErrorServiceStopping  struct{}
)

// ServiceStatus carries the derived service state and every slot's
// event history. On the wire it is a pair [state, [[idx, events]...]].
type ServiceStatus struct {
	State   string
	Workers []WorkerEvents
}

// WorkerEvents pairs a slot index with its event ring snapshot,
// encoded as [idx, events].
type WorkerEvents struct {
	Idx    int
	Events []event.Event
}

func (w WorkerEvents) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{w.Idx, w.Events})
}

func (w *WorkerEvents) UnmarshalJSON(b []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &w.Idx); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &w.Events)
}

func (s ServiceStatus) MarshalJSON() ([]byte, error) {
	workers := s.Workers
	if workers == nil {
		workers = []WorkerEvents{}
	}
	return json.Marshal([]any{s.State, workers})
}

func (s *ServiceStatus) UnmarshalJSON(b []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &s.State); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &s.Workers)
}

// Requests maps control-plane request tags.
var Requests = NewTagMap(map[string]reflect.Type{
	"Ping":    reflect.TypeFor[Ping](),
	"Pid":     reflect.TypeFor[PidQuery](),
	"Version": reflect.TypeFor[VersionQuery](),
	"Quit":    reflect.TypeFor[Quit](),
	"Status":  reflect.TypeFor[Status](),
	"SPid":    reflect.TypeFor[SPid](),
	"Start":   reflect.TypeFor[Start](),
	"Pause":   reflect.TypeFor[Pause](),
	"Resume":  reflect.TypeFor[Resume](),
	"Reload":  reflect.TypeFor[Reload](),
	"Restart": reflect.TypeFor[Restart](),
	"Stop":    reflect.TypeFor[Stop](),
})

// Responses maps control-plane response tags.
var Responses = NewTagMap(map[string]reflect.Type{
	"Pong":                  reflect.TypeFor[Pong](),
	"Done":                  reflect.TypeFor[Done](),
	"Pid":                   reflect.TypeFor[MasterPid](),
	"Version":               reflect.TypeFor[MasterVersion](),
	"ServiceStarted":        reflect.TypeFor[ServiceStarted](),
	"ServiceStopped":        reflect.TypeFor[ServiceStopped](),
	"ServiceFailed":         reflect.TypeFor[ServiceFailed](),
	"ServiceStatus":         reflect.TypeFor[ServiceStatus](),
	"ServiceWorkerPids":     reflect.TypeFor[ServiceWorkerPids](),
	"ErrorNotReady":         reflect.TypeFor[ErrorNotReady](),
	"ErrorUnknownService":   reflect.TypeFor[ErrorUnknownService](),
	"ErrorServiceStarting":  reflect.TypeFor[ErrorServiceStarting](),
	"ErrorServiceReloading": reflect.TypeFor[ErrorServiceReloading](),
	"ErrorServiceStopping":  reflect.TypeFor[ErrorServiceStopping](),
})

type envelope struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

var emptyObject = []byte("{}")

// Marshal encodes a message variant as its adjacently-tagged JSON
// object. Unit variants omit the data field.
func Marshal(m *TagMap, v any) ([]byte, error) {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
		v = reflect.ValueOf(v).Elem().Interface()
	}

	tag, ok := m.toTag[t]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %v", t)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q message: %w", tag, err)
	}

	env := envelope{Cmd: tag}
	if !bytes.Equal(data, emptyObject) {
		env.Data = data
	}
	return json.Marshal(env)
}

// Unmarshal decodes a frame payload into a pointer to the matching
// variant from the tag map.
func Unmarshal(m *TagMap, b []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}

	t, ok := m.toType[env.Cmd]
	if !ok {
		return nil, fmt.Errorf("unknown tag %q", env.Cmd)
	}

	val := reflect.New(t).Interface()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, val); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %q message: %w", env.Cmd, err)
		}
	}
	return val, nil
}

// EncodeMessage marshals a variant and wraps it in a frame.
func EncodeMessage(m *TagMap, v any) ([]byte, error) {
	payload, err := Marshal(m, v)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}
