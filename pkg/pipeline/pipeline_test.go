package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentwire/telemetry/pkg/client"
	"agentwire/telemetry/pkg/event"
	"agentwire/telemetry/pkg/message"
	"agentwire/telemetry/pkg/server"
	"agentwire/telemetry/pkg/sink"
)

type recorder struct {
	opened bool
	closed bool
	msgs   []message.Message
	fail   error
}

func (r *recorder) Open() error { r.opened = true; return nil }
func (r *recorder) Process(m message.Message) error {
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, m)
	return nil
}
func (r *recorder) Close() error { r.closed = true; return nil }

func TestFanOutIsolation(t *testing.T) {
	bad := &recorder{fail: errors.New("disk gone")}
	good := &recorder{}
	p := New(bad, good)
	require.NoError(t, p.Open())

	// the failing processor must not affect its sibling or the publisher
	p.Publish(message.NewString("x"))
	p.Publish(message.NewString("y"))

	require.Len(t, good.msgs, 2)
	require.NoError(t, p.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestEmitStampsRunID(t *testing.T) {
	rec := &recorder{}
	p := New(rec)
	require.NoError(t, p.Open())

	run := NewRun("agent-9", "react")
	require.NotEmpty(t, run.ID)
	p.Emit(run, event.NewNodeStarted("", "plan", ""))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, run.ID, rec.msgs[0].(*event.NodeStarted).RunID)
}

func TestOpenFailureClosesEarlierProcessors(t *testing.T) {
	first := &recorder{}
	s := sink.NewFile(filepath.Join(t.TempDir(), "x.jsonl"), 0, 0, 0)
	require.NoError(t, s.Close()) // force Open to fail with ErrClosed
	p := New(first, SinkProcessor{Sink: s})

	require.ErrorIs(t, p.Open(), sink.ErrClosed)
	assert.True(t, first.closed, "already-opened processors are rolled back")
}

// End-to-end: server + sink fan out the same message; a subscriber sees it
// decoded, the sink holds it as one complete record.
func TestEndToEnd(t *testing.T) {
	d := server.DefaultDescriptor()
	d.Port = 0
	srv := server.New(d, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })

	sinkPath := filepath.Join(t.TempDir(), "events.jsonl")
	fileSink := sink.NewFile(sinkPath, 0, 0, 0)
	p := New(SinkProcessor{Sink: fileSink}, ServerProcessor{Server: srv})
	require.NoError(t, p.Open())

	sub := client.New("ws://"+srv.Addr()+"/ws", client.Options{})
	require.NoError(t, sub.ConnectWithRetry(context.Background(), 5*time.Second))
	assert.True(t, sub.IsConnected())

	deadline := time.Now().Add(5 * time.Second)
	for !srv.IsClientConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, srv.IsClientConnected())

	p.Publish(message.NewString("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := sub.Next(ctx)
	require.NoError(t, err)
	sm, ok := m.(*message.StringMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", sm.Payload)
	assert.Equal(t, message.KindString, sm.Kind())
	assert.NotZero(t, sm.Time())
	_, more := sub.TryNext()
	assert.False(t, more, "exactly one message")

	require.NoError(t, sub.Close())
	require.NoError(t, p.Close())
	assert.False(t, srv.IsStarted())
	assert.False(t, sub.IsConnected())

	b, err := os.ReadFile(sinkPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"hello"`)
}
