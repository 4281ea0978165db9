package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentwire/telemetry/pkg/message"
	"agentwire/telemetry/pkg/server"
)

type mysteryMessage struct {
	MsgKind string `json:"kind"`
	TS      int64  `json:"ts"`
	Secret  string `json:"secret"`
}

func (m *mysteryMessage) Kind() string { return m.MsgKind }
func (m *mysteryMessage) Time() int64  { return m.TS }

func startServer(t *testing.T) *server.Server {
	t.Helper()
	d := server.DefaultDescriptor()
	d.Port = 0
	s := server.New(d, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestConnectAndReceive(t *testing.T) {
	s := startServer(t)
	sub := New("ws://"+s.Addr()+"/ws", Options{})
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, sub.Connect(context.Background()))
	assert.True(t, sub.IsConnected())
	waitFor(t, s.IsClientConnected, "server registered the peer")

	require.NoError(t, s.Send(message.NewString("one")))
	require.NoError(t, s.Send(message.NewString("two")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m1, err := sub.Next(ctx)
	require.NoError(t, err)
	m2, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", m1.(*message.StringMessage).Payload)
	assert.Equal(t, "two", m2.(*message.StringMessage).Payload, "per-peer FIFO order")
}

func TestConnectFailsFast(t *testing.T) {
	sub := New("ws://127.0.0.1:1/ws", Options{})
	err := sub.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, sub.IsConnected())
}

func TestConnectWithRetryTimeout(t *testing.T) {
	sub := New("ws://127.0.0.1:1/ws", Options{})
	begin := time.Now()
	err := sub.ConnectWithRetry(context.Background(), 2*time.Second)
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.GreaterOrEqual(t, time.Since(begin), 2*time.Second)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestConnectWithRetryEventuallySucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	d := server.DefaultDescriptor()
	d.Port = port
	s := server.New(d, nil)
	t.Cleanup(func() { _ = s.Close() })
	go func() {
		time.Sleep(1500 * time.Millisecond)
		_ = s.Start(context.Background())
	}()

	sub := New(d.URL(), Options{})
	t.Cleanup(func() { _ = sub.Close() })
	require.NoError(t, sub.ConnectWithRetry(context.Background(), 10*time.Second))
	assert.True(t, sub.IsConnected())
}

func TestRetryCancellationPropagates(t *testing.T) {
	sub := New("ws://127.0.0.1:1/ws", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	begin := time.Now()
	err := sub.ConnectWithRetry(ctx, 30*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(begin), 5*time.Second, "cancellation must not wait out the timeout")
}

func TestDecodeSkip(t *testing.T) {
	s := startServer(t)
	sub := New("ws://"+s.Addr()+"/ws", Options{})
	t.Cleanup(func() { _ = sub.Close() })
	require.NoError(t, sub.Connect(context.Background()))
	waitFor(t, s.IsClientConnected, "peer attached")

	// encoding needs no registration, so the server can push a kind the
	// subscriber has never heard of
	require.NoError(t, s.Send(&mysteryMessage{MsgKind: "mystery", TS: message.NowMillis(), Secret: "x"}))
	require.NoError(t, s.Send(message.NewString("after")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", m.(*message.StringMessage).Payload, "unknown kind is skipped, later frames still arrive")
	waitFor(t, func() bool { return sub.Skipped() == 1 }, "skip counter")
	assert.Zero(t, sub.Pending())
}

func TestCloseKeepsInboxDrainable(t *testing.T) {
	s := startServer(t)
	sub := New("ws://"+s.Addr()+"/ws", Options{})
	require.NoError(t, sub.Connect(context.Background()))
	waitFor(t, s.IsClientConnected, "peer attached")

	require.NoError(t, s.Send(message.NewString("buffered")))
	waitFor(t, func() bool { return sub.Pending() == 1 }, "message buffered")

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.False(t, sub.IsConnected())

	m, ok := sub.TryNext()
	require.True(t, ok, "buffered entries stay consumable after Close")
	assert.Equal(t, "buffered", m.(*message.StringMessage).Payload)

	require.ErrorIs(t, sub.Connect(context.Background()), ErrClientClosed)
}

func TestCustomRegistry(t *testing.T) {
	s := startServer(t)
	reg := message.NewRegistry()
	reg.Register("mystery", func(b []byte) (message.Message, error) {
		m := &mysteryMessage{}
		if err := json.Unmarshal(b, m); err != nil {
			return nil, err
		}
		return m, nil
	})
	sub := New("ws://"+s.Addr()+"/ws", Options{Registry: reg})
	t.Cleanup(func() { _ = sub.Close() })
	require.NoError(t, sub.Connect(context.Background()))
	waitFor(t, s.IsClientConnected, "peer attached")

	require.NoError(t, s.Send(&mysteryMessage{MsgKind: "mystery", TS: message.NowMillis(), Secret: "shh"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shh", m.(*mysteryMessage).Secret)
}
