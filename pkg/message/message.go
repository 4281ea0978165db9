package message

// Wire protocol (JSON over WebSocket, one self-describing frame per message)

import (
	"encoding/json"
	"time"
)

const (
	KindString = "string"
	KindEvent  = "event"
)

// Message is one telemetry frame. Every concrete message carries its kind
// discriminator and an epoch-millis timestamp in its own JSON tags, so a
// frame decodes without any context beyond the registry.
type Message interface {
	Kind() string
	Time() int64
}

// StringMessage is the plain-text kind.
type StringMessage struct {
	MsgKind string `json:"kind"`
	TS      int64  `json:"ts"`
	Payload string `json:"payload"`
}

func NewString(payload string) *StringMessage {
	return &StringMessage{MsgKind: KindString, TS: NowMillis(), Payload: payload}
}

func (m *StringMessage) Kind() string { return m.MsgKind }
func (m *StringMessage) Time() int64  { return m.TS }

// EventMessage is the generic structured kind: a correlation id, an optional
// call/tool id and an opaque payload kept raw until the consumer wants it.
type EventMessage struct {
	MsgKind string          `json:"kind"`
	TS      int64           `json:"ts"`
	RunID   string          `json:"run_id"`
	CallID  string          `json:"call_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(runID string, payload json.RawMessage) *EventMessage {
	return &EventMessage{MsgKind: KindEvent, TS: NowMillis(), RunID: runID, Payload: payload}
}

func (m *EventMessage) Kind() string { return m.MsgKind }
func (m *EventMessage) Time() int64  { return m.TS }

func NowMillis() int64 { return time.Now().UnixMilli() }
