package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agentwire/telemetry/pkg/message"
)

var (
	// ErrConnectTimeout is returned by ConnectWithRetry when the deadline
	// passes without a successful attempt.
	ErrConnectTimeout = errors.New("client: connect timed out")
	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client: closed")
)

// retryBackoff is the fixed sleep between ConnectWithRetry attempts.
const retryBackoff = time.Second

// Options tunes a Subscriber beyond the server URL.
type Options struct {
	Token      string
	DNSServers []string // resolve the URL host via these servers before dialing
	Registry   *message.Registry
}

// Subscriber dials a broadcast server and decodes its pushed frames into
// an unbounded inbox. Undecodable frames are counted and skipped; they
// never stop the read loop.
type Subscriber struct {
	rawURL string
	opts   Options
	codec  *message.Codec

	mu        sync.Mutex
	ws        *websocket.Conn
	connected atomic.Bool
	closed    atomic.Bool
	skipped   atomic.Int64
	queue     *inbox
	closeOnce sync.Once
}

// New builds a disconnected subscriber for the given ws:// URL. A nil
// registry in opts gets the built-in kinds; register custom kinds on the
// registry before Connect.
func New(rawURL string, opts Options) *Subscriber {
	reg := opts.Registry
	if reg == nil {
		reg = message.NewRegistry()
	}
	return &Subscriber{
		rawURL: rawURL,
		opts:   opts,
		codec:  message.NewCodec(reg),
		queue:  newInbox(),
	}
}

// Connect performs a single dial attempt. IsConnected flips true only once
// the websocket handshake has completed, at which point the server has
// registered this subscriber as an attached peer.
func (c *Subscriber) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return nil
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return fmt.Errorf("client: dial %s: %w", target, err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClientClosed
	}
	c.ws = ws
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(ws)
	return nil
}

// ConnectWithRetry retries Connect with a fixed backoff until success or
// the timeout passes, then fails with ErrConnectTimeout. Cancellation is
// not a transient failure: it propagates immediately.
func (c *Subscriber) ConnectWithRetry(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err)
		}
		wait := retryBackoff
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// readLoop decodes pushed frames into the inbox in arrival order. A frame
// of an unregistered or malformed kind is skipped, not fatal. A read error
// (server close, network drop) ends the loop and flips IsConnected.
func (c *Subscriber) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if !c.closed.Load() {
				log.Printf("telemetry client: stream ended: %v", err)
			}
			return
		}
		m, err := c.codec.Decode(data)
		if err != nil {
			c.skipped.Add(1)
			if !errors.Is(err, message.ErrUnknownKind) {
				log.Printf("telemetry client: skipping frame: %v", err)
			}
			continue
		}
		c.queue.push(m)
	}
}

// Next blocks until a decoded message is available or ctx fires. Buffered
// messages remain consumable after Close.
func (c *Subscriber) Next(ctx context.Context) (message.Message, error) {
	return c.queue.pop(ctx)
}

// TryNext pops without blocking.
func (c *Subscriber) TryNext() (message.Message, bool) {
	return c.queue.tryPop()
}

// Pending reports the number of buffered messages.
func (c *Subscriber) Pending() int { return c.queue.len() }

// Skipped reports how many frames were dropped as undecodable.
func (c *Subscriber) Skipped() int64 { return c.skipped.Load() }

// IsConnected reports whether the handshake has completed and the read
// loop is live.
func (c *Subscriber) IsConnected() bool { return c.connected.Load() }

// Close stops the read loop and flips IsConnected. Idempotent; it does not
// drain the inbox.
func (c *Subscriber) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.connected.Store(false)
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
	})
	return nil
}

// dialURL resolves the URL host through the configured DNS servers, when
// any are set, so observers can reach servers that the system resolver
// does not know.
func (c *Subscriber) dialURL() (string, error) {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return "", fmt.Errorf("client: bad url %q: %w", c.rawURL, err)
	}
	if len(c.opts.DNSServers) == 0 {
		return c.rawURL, nil
	}
	host := u.Hostname()
	ip := resolveHost(host, c.opts.DNSServers)
	if ip == "" || ip == host {
		return c.rawURL, nil
	}
	port := u.Port()
	if port != "" {
		u.Host = ip + ":" + port
	} else {
		u.Host = ip
	}
	return u.String(), nil
}
