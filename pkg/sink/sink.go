package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"agentwire/telemetry/pkg/message"
)

var (
	// ErrNotInitialized is returned by Write before Open has run.
	ErrNotInitialized = errors.New("sink: writer is not initialized; call Open first")
	// ErrClosed is returned once the sink has been released.
	ErrClosed = errors.New("sink: closed")
)

// Format renders one message as one record. It must be pure: no shared
// state, no trailing newline (the sink appends it).
type Format func(message.Message) (string, error)

// Sink is an append-only record writer shared by concurrent producers.
// Open acquires the target exactly once, Write appends one complete record
// per call, Close releases exactly once. All three are total: they either
// fully succeed or fail with no partial state.
type Sink struct {
	mu     sync.Mutex
	open   bool
	closed bool
	target io.WriteCloser
	dial   func() (io.WriteCloser, error)
	format Format
}

// New builds a sink over an already-constructed target. The target is not
// touched until Open.
func New(target io.WriteCloser, format Format) *Sink {
	return &Sink{dial: func() (io.WriteCloser, error) { return target, nil }, format: format}
}

// NewFunc defers target acquisition to Open.
func NewFunc(dial func() (io.WriteCloser, error), format Format) *Sink {
	return &Sink{dial: dial, format: format}
}

// NewFile appends encoded frames, one per line, to a rotating log file.
// Rotation thresholds of zero fall back to lumberjack defaults.
func NewFile(path string, maxSizeMB, maxBackups, maxAgeDays int) *Sink {
	codec := message.NewCodec(nil)
	return NewFunc(func() (io.WriteCloser, error) {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		}, nil
	}, func(m message.Message) (string, error) {
		b, err := codec.Encode(m)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
}

// Open acquires the target. Idempotent and safe under racing callers: the
// first caller acquires, the rest observe the sink open. After Close it
// fails with ErrClosed; build a fresh sink to reopen.
func (s *Sink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.open {
		return nil
	}
	t, err := s.dial()
	if err != nil {
		return fmt.Errorf("sink: open: %w", err)
	}
	s.target = t
	s.open = true
	return nil
}

// Write formats the message and appends it as a single record. Concurrent
// writes serialize on the sink mutex, so records never interleave.
func (s *Sink) Write(m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.open {
		return ErrNotInitialized
	}
	rec, err := s.format(m)
	if err != nil {
		return fmt.Errorf("sink: format %s: %w", m.Kind(), err)
	}
	if _, err := io.WriteString(s.target, rec+"\n"); err != nil {
		return fmt.Errorf("sink: append: %w", err)
	}
	return nil
}

// Close releases the target. Idempotent; concurrent closers converge on a
// single release.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.open {
		return nil
	}
	s.open = false
	t := s.target
	s.target = nil
	if err := t.Close(); err != nil {
		return fmt.Errorf("sink: close: %w", err)
	}
	return nil
}

// IsOpen reports whether the target is currently acquired.
func (s *Sink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
