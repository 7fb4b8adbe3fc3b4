// pkg/model/message.go
package model

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire unit shared by imperative calls and broker pushes.
type Envelope struct {
	Session string         `json:"session"`
	Task    *string        `json:"task"`   // Caller-assigned correlation tag, null when absent
	Event   string         `json:"event"`  // Operation name, see Kind
	Params  map[string]any `json:"params"` // Operation specific
}

// Well-known params keys inspected by the routing layer.
const (
	ParamAuthToken       = "auth_token"
	ParamErr             = "err"
	ParamPhase           = "phase"
	ParamOriginalSession = "original_session"
	ParamCipherSuites    = "cipher_suites"
)

// NewEnvelope creates an envelope for the given event with empty params.
func NewEnvelope(session, event string) *Envelope {
	return &Envelope{
		Session: session,
		Event:   event,
		Params:  map[string]any{},
	}
}

// Kind returns the event name as a Kind.
func (e *Envelope) Kind() Kind {
	return Kind(e.Event)
}

// TaskID returns the task tag, or "" when none is set.
func (e *Envelope) TaskID() string {
	if e.Task == nil {
		return ""
	}
	return *e.Task
}

// SetTask sets the task tag.
func (e *Envelope) SetTask(task string) {
	e.Task = &task
}

// Param returns a params value.
func (e *Envelope) Param(key string) (any, bool) {
	if e.Params == nil {
		return nil, false
	}
	v, ok := e.Params[key]
	return v, ok
}

// ErrCode returns params.err. Pushes without an err field are treated as success.
func (e *Envelope) ErrCode() int {
	v, ok := e.Param(ParamErr)
	if !ok {
		return 0
	}
	return toInt(v)
}

// Phase returns params.phase for multi-step replies.
func (e *Envelope) Phase() (int, bool) {
	v, ok := e.Param(ParamPhase)
	if !ok {
		return 0, false
	}
	return toInt(v), true
}

// OriginalSession returns params.original_session, used to filter
// self-originated governance confirmations.
func (e *Envelope) OriginalSession() string {
	v, _ := e.Param(ParamOriginalSession)
	s, _ := v.(string)
	return s
}

// Clone returns a deep copy of the envelope. The copy shares no mutable
// state with e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := &Envelope{
		Session: e.Session,
		Event:   e.Event,
	}
	if e.Task != nil {
		task := *e.Task
		out.Task = &task
	}
	if e.Params != nil {
		out.Params = CloneMap(e.Params)
	}
	return out
}

// Decode parses a serialized envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode envelope: missing event")
	}
	return &env, nil
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}
