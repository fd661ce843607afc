// Package transport defines the packet transports that carry cyclic data
// between the nodes of a replication group.
package transport

import (
	"context"
	"errors"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/skycoin/cyclenet/pkg/buffer"
)

// UnknownOrigin marks a received buffer whose sender could not be learned.
const UnknownOrigin = 0xffff

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrUnsupportedScheme is returned for data URLs that name no known transport.
	ErrUnsupportedScheme = errors.New("unsupported transport scheme")
)

// Transport sends and receives whole packets between group members.
type Transport interface {

	// Send transmits the filled part of b to all other members.
	Send(b *buffer.Buffer) error

	// Receive blocks for at most timeout, reading one packet into b and
	// setting b.Fill and b.Origin. A timeout returns zero bytes and no error.
	Receive(b *buffer.Buffer, timeout time.Duration) (int, error)

	// Flush pushes out any queued data.
	Flush() error

	// IsOperational reports whether the transport can still carry data.
	IsOperational() bool

	// Close implements io.Closer
	Close() error

	// Type returns the string representation of the transport type.
	Type() string
}

// Config selects and tunes a transport.
type Config struct {
	URL        string `json:"url"`         // udp://host:port or ws://host:port/path
	Interface  string `json:"interface"`   // interface name or address for UDP, empty for default
	LocalPort  int    `json:"local_port"`  // UDP receive port, defaults to the URL port
	TTL        int    `json:"ttl"`         // multicast TTL
	TOS        int    `json:"tos"`         // IP type-of-service byte, 0 leaves the default
	Loopback   bool   `json:"loopback"`    // receive own multicast packets
	ReadBuffer int    `json:"read_buffer"` // socket receive buffer size, 0 leaves the default
}

// New creates the transport named by the scheme of conf.URL.
func New(ctx context.Context, conf Config) (Transport, error) {
	u, err := url.Parse(conf.URL)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid data url %q", conf.URL)
	}
	switch u.Scheme {
	case "udp", "udp4":
		return NewUDP(conf)
	case "ws", "wss":
		return DialWS(ctx, conf.URL)
	default:
		return nil, pkgerrors.Wrap(ErrUnsupportedScheme, u.Scheme)
	}
}

// copyPacket fills b with p and records its origin.
func copyPacket(b *buffer.Buffer, p []byte, origin uint16) int {
	n := copy(b.Space(), p)
	b.Fill = n
	b.Origin = origin
	return n
}
