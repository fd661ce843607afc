package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/wire"
)

// WSClient implements Transport as a party of a remote Relay.
type WSClient struct {
	log  *logging.Logger
	conn *websocket.Conn

	wmu   sync.Mutex
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

// DialWS connects to the Relay served at url.
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := &WSClient{
		log:   logging.MustGetLogger("ws_client"),
		conn:  conn,
		inbox: make(chan []byte, partyQueueSize),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	c.log.Infof("Connected to relay %s", url)
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.Close() // nolint:errcheck

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPingHandler(func(data string) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		typ, m, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("Read failed")
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbox <- m:
		case <-c.done:
			return
		default:
			c.log.Warn("Inbox full, dropping message")
		}
	}
}

// Send implements Transport.
func (c *WSClient) Send(b *buffer.Buffer) error {
	if !c.IsOperational() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, b.Bytes())
}

// Receive implements Transport.
func (c *WSClient) Receive(b *buffer.Buffer, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-c.inbox:
		origin, ok := wire.PeekSender(p)
		if !ok {
			origin = UnknownOrigin
		}
		return copyPacket(b, p, origin), nil
	case <-timer.C:
		return 0, nil
	case <-c.done:
		return 0, ErrClosed
	}
}

// Flush implements Transport.
func (c *WSClient) Flush() error { return nil }

// IsOperational implements Transport.
func (c *WSClient) IsOperational() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close implements Transport.
func (c *WSClient) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, // nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Type implements Transport.
func (c *WSClient) Type() string { return "ws" }
