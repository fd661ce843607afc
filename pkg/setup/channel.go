package setup

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const wsWriteWait = 10 * time.Second

// Channel is a reliable, ordered configuration link between two nodes.
type Channel interface {
	// Send writes one command. It is safe for concurrent use.
	Send(c Command) error

	// Receive blocks until the next command arrives or the channel fails.
	Receive() (Command, error)

	// RemoteAddr describes the other end.
	RemoteAddr() string

	// Close implements io.Closer
	Close() error
}

type streamChannel struct {
	proto  *Protocol
	remote string
}

// NewStreamChannel runs the setup protocol over a byte stream.
func NewStreamChannel(rwc io.ReadWriteCloser, remote string) Channel {
	return &streamChannel{proto: NewSetupProtocol(rwc), remote: remote}
}

func (c *streamChannel) Send(cmd Command) error    { return c.proto.WriteCommand(cmd) }
func (c *streamChannel) Receive() (Command, error) { return c.proto.ReadCommand() }
func (c *streamChannel) RemoteAddr() string        { return c.remote }
func (c *streamChannel) Close() error              { return c.proto.Close() }

// Pipe returns two connected in-memory channels.
func Pipe() (Channel, Channel) {
	a, b := net.Pipe()
	return NewStreamChannel(a, "pipe:b"), NewStreamChannel(b, "pipe:a")
}

type wsChannel struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWSChannel runs the setup protocol over a WebSocket, one packet per
// binary message.
func NewWSChannel(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(cmd Command) error {
	raw, err := EncodePacket(cmd.Type(), cmd)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *wsChannel) Receive() (Command, error) {
	for {
		typ, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return DecodePacket(raw)
		}
	}
}

func (c *wsChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsChannel) Close() error {
	c.wmu.Lock()
	c.conn.WriteControl(websocket.CloseMessage, // nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.wmu.Unlock()
	return c.conn.Close()
}

// Dial opens a configuration channel to a master. Addresses are either
// tcp://host:port (or a bare host:port) or ws://host:port/path.
func Dial(ctx context.Context, addr string) (Channel, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "tcp", Host: addr}
	}
	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		return NewStreamChannel(conn, conn.RemoteAddr().String()), nil
	case "ws", "wss":
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		return NewWSChannel(conn), nil
	}
	return nil, errors.Errorf("unsupported setup channel scheme %q", u.Scheme)
}

// Event is the outcome of one Receive on a pumped channel.
type Event struct {
	Cmd Command
	Err error
}

// Pump reads ch in the background. The returned channel yields every
// command and finally one event carrying the error that ended the channel.
func Pump(ch Channel) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for {
			cmd, err := ch.Receive()
			if err != nil {
				out <- Event{Err: err}
				return
			}
			out <- Event{Cmd: cmd}
		}
	}()
	return out
}
