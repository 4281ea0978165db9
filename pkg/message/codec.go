package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownKind marks a frame whose discriminator has no registered
// decoder. Consumers skip the frame; the stream itself stays up.
var ErrUnknownKind = errors.New("unknown message kind")

// DecodeFunc turns the raw frame bytes into a concrete message.
type DecodeFunc func([]byte) (Message, error)

// Registry maps kind discriminators to decoders. Registration is additive;
// callers may install custom kinds before connecting.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]DecodeFunc
}

// NewRegistry returns a registry with the built-in kinds installed.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]DecodeFunc)}
	r.Register(KindString, func(b []byte) (Message, error) {
		var m StringMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return &m, nil
	})
	r.Register(KindEvent, func(b []byte) (Message, error) {
		var m EventMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return &m, nil
	})
	return r
}

func (r *Registry) Register(kind string, fn DecodeFunc) {
	r.mu.Lock()
	r.kinds[kind] = fn
	r.mu.Unlock()
}

func (r *Registry) lookup(kind string) (DecodeFunc, bool) {
	r.mu.RLock()
	fn, ok := r.kinds[kind]
	r.mu.RUnlock()
	return fn, ok
}

// Kinds returns the registered discriminators, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

// Codec encodes and decodes frames against a kind registry.
type Codec struct {
	Registry *Registry
}

func NewCodec(reg *Registry) *Codec {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Codec{Registry: reg}
}

// Encode marshals the concrete message. The struct's own tags carry the
// discriminator, so encoding succeeds for any message type.
func (c *Codec) Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return b, nil
}

// Decode peeks the discriminator and dispatches to the registered decoder.
// An unregistered kind fails with ErrUnknownKind for that frame only.
func (c *Codec) Decode(b []byte) (Message, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if head.Kind == "" {
		return nil, fmt.Errorf("decode frame: missing kind")
	}
	fn, ok := c.Registry.lookup(head.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, head.Kind)
	}
	m, err := fn(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
	}
	return m, nil
}
