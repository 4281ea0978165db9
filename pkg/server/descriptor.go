package server

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPort is the well-known telemetry port. Override via Descriptor.
const DefaultPort = 50881

// Descriptor is the immutable endpoint configuration shared by the
// broadcast server (bind side) and the subscriber (dial side).
type Descriptor struct {
	Host           string
	Port           int
	Scheme         string // "ws" or "wss"
	Path           string
	Token          string // optional bearer token required on upgrade
	AwaitFirstPeer bool
	AwaitTimeout   time.Duration
}

// DefaultDescriptor binds loopback on the default port and does not wait
// for an observer.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		Scheme:         "ws",
		Path:           "/ws",
		AwaitFirstPeer: false,
		AwaitTimeout:   300 * time.Second,
	}
}

// Addr is the host:port the server binds.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// URL is the websocket URL a subscriber dials.
func (d Descriptor) URL() string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	path := d.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, d.Addr(), path)
}
