package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agentwire/telemetry/pkg/message"
)

// ErrServerClosed is returned by Start after Close.
var ErrServerClosed = errors.New("server: closed")

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// outboundBuffer bounds each peer's send queue. On overflow the oldest
// frame is dropped so Send never waits on a stalled peer.
const outboundBuffer = 64

type peer struct {
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func (p *peer) shutdown() {
	p.once.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

// Server accepts subscriber connections on the descriptor's endpoint and
// pushes every sent message to all attached peers. Lifecycle:
// Idle -> Starting -> Running -> Closed; Start and Close are idempotent.
type Server struct {
	desc  Descriptor
	codec *message.Codec

	mu    sync.Mutex
	peers map[*peer]struct{}

	ln   net.Listener
	http *http.Server

	started   atomic.Bool
	closed    atomic.Bool
	connected atomic.Bool

	firstPeer chan struct{}
	firstOnce sync.Once
	closeOnce sync.Once
}

// New builds an unstarted server. A nil codec gets the built-in registry;
// the server only encodes, so custom kinds need no registration here.
func New(desc Descriptor, codec *message.Codec) *Server {
	if codec == nil {
		codec = message.NewCodec(nil)
	}
	return &Server{
		desc:      desc,
		codec:     codec,
		peers:     make(map[*peer]struct{}),
		firstPeer: make(chan struct{}),
	}
}

// Start binds the endpoint and begins accepting peers. Bind failures (port
// in use) surface synchronously. With AwaitFirstPeer set, Start blocks
// until a peer attaches, AwaitTimeout elapses (proceed without observers,
// nil error) or ctx is cancelled (the endpoint is released). Starting a
// running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.started.Load() {
		return nil
	}

	ln, err := net.Listen("tcp", s.desc.Addr())
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.desc.Addr(), err)
	}

	mux := http.NewServeMux()
	path := s.desc.Path
	if path == "" {
		path = "/ws"
	}
	mux.HandleFunc(path, s.handleWS)

	s.mu.Lock()
	s.ln = ln
	s.http = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !s.closed.Load() {
			log.Printf("telemetry server: serve: %v", err)
		}
	}()
	s.started.Store(true)

	if !s.desc.AwaitFirstPeer {
		return nil
	}

	timeout := s.desc.AwaitTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.firstPeer:
		return nil
	case <-timer.C:
		// policy: proceed without observers
		log.Printf("telemetry server: no peer within %s, continuing", timeout)
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.desc.Token != "" && !authorized(r, s.desc.Token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{ws: ws, out: make(chan []byte, outboundBuffer), done: make(chan struct{})}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.connected.Store(true)
	s.mu.Unlock()
	s.firstOnce.Do(func() { close(s.firstPeer) })
	log.Printf("telemetry server: peer attached (%s), total=%d", ws.RemoteAddr(), s.PeerCount())

	go s.writeLoop(p)
	go s.readLoop(p)
}

// writeLoop drains one peer's outbound buffer. A failed write detaches
// that peer only.
func (s *Server) writeLoop(p *peer) {
	for {
		select {
		case b := <-p.out:
			if err := p.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				s.detach(p, err)
				return
			}
		case <-p.done:
			return
		}
	}
}

// readLoop exists to notice disconnects; inbound frames are discarded.
func (s *Server) readLoop(p *peer) {
	for {
		if _, _, err := p.ws.ReadMessage(); err != nil {
			s.detach(p, err)
			return
		}
	}
}

func (s *Server) detach(p *peer, cause error) {
	s.mu.Lock()
	_, present := s.peers[p]
	delete(s.peers, p)
	if len(s.peers) == 0 {
		s.connected.Store(false)
	}
	s.mu.Unlock()
	p.shutdown()
	if present {
		if n := p.dropped.Load(); n > 0 {
			log.Printf("telemetry server: peer detached (%v), dropped %d slow-consumer frames", cause, n)
		} else {
			log.Printf("telemetry server: peer detached: %v", cause)
		}
	}
}

// Send encodes the message once and queues it to every attached peer in
// send order. Peer failures are isolated; Send only errors when encoding
// itself fails.
func (s *Server) Send(m message.Message) error {
	b, err := s.codec.Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.Unlock()
	for _, p := range targets {
		select {
		case p.out <- b:
		default:
			// full: drop the oldest frame, then retry once
			select {
			case <-p.out:
				p.dropped.Add(1)
			default:
			}
			select {
			case p.out <- b:
			default:
				p.dropped.Add(1)
			}
		}
	}
	return nil
}

// Close releases the endpoint and detaches every peer. Idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.started.Store(false)
		s.mu.Lock()
		srv := s.http
		peers := make([]*peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.peers = make(map[*peer]struct{})
		s.connected.Store(false)
		s.mu.Unlock()
		for _, p := range peers {
			p.shutdown()
		}
		if srv != nil {
			_ = srv.Close()
		}
	})
	return nil
}

// IsStarted reports whether the endpoint is bound and accepting. It is
// independent of whether any peer has attached.
func (s *Server) IsStarted() bool { return s.started.Load() }

// IsClientConnected reports whether at least one peer is attached.
func (s *Server) IsClientConnected() bool { return s.connected.Load() }

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Addr returns the bound address, useful when Port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.desc.Addr()
	}
	return s.ln.Addr().String()
}

func authorized(r *http.Request, token string) bool {
	got := r.URL.Query().Get("token")
	if got == "" {
		ah := r.Header.Get("Authorization")
		const p = "Bearer "
		if len(ah) > len(p) && ah[:len(p)] == p {
			got = ah[len(p):]
		}
	}
	if got == "" || len(got) != len(token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
