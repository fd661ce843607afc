package transport

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	partyQueueSize = 64
)

var partyID uint32

// Relay is a WebSocket hub that repeats every binary message it receives
// to all other connected parties. It stands in for a broadcast medium where
// datagram multicast is not available.
type Relay struct {
	log      *logging.Logger
	pool     *buffer.Pool
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	parties map[*party]struct{}
}

// NewRelay creates a Relay whose messages are staged in buffers from pool.
func NewRelay(pool *buffer.Pool) *Relay {
	return &Relay{
		log:  logging.MustGetLogger("ws_relay"),
		pool: pool,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  pool.Size(),
			WriteBufferSize: pool.Size(),
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		parties: make(map[*party]struct{}),
	}
}

// party is one attached member, remote or local.
type party struct {
	id   uint32
	log  *logrus.Entry
	conn *websocket.Conn
	out  chan *buffer.Buffer
	done chan struct{}
	once sync.Once
}

func (r *Relay) attach(conn *websocket.Conn) *party {
	id := atomic.AddUint32(&partyID, 1)
	p := &party{
		id:   id,
		log:  r.log.WithField("party", id),
		conn: conn,
		out:  make(chan *buffer.Buffer, partyQueueSize),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.parties[p] = struct{}{}
	n := len(r.parties)
	r.mu.Unlock()
	p.log.Debugf("Attached (%d parties)", n)
	return p
}

func (r *Relay) detach(p *party) {
	r.mu.Lock()
	_, ok := r.parties[p]
	delete(r.parties, p)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() { close(p.done) })
	for {
		select {
		case b := <-p.out:
			b.Release()
		default:
			p.log.Debug("Detached")
			return
		}
	}
}

// fanout hands b to every party except from. Each delivery holds one use
// of b; the caller keeps its own.
func (r *Relay) fanout(from *party, b *buffer.Buffer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.parties {
		if p == from {
			continue
		}
		b.Claim()
		select {
		case p.out <- b:
		default:
			b.Release()
			p.log.Warn("Queue full, dropping message")
		}
	}
}

// Parties returns the number of attached parties.
func (r *Relay) Parties() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parties)
}

// ServeHTTP upgrades the request and relays the connection's messages
// until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("Upgrade failed")
		return
	}
	p := r.attach(conn)
	go r.writeLoop(p)
	r.readLoop(p)
}

func (r *Relay) readLoop(p *party) {
	defer func() {
		r.detach(p)
		p.conn.Close() // nolint:errcheck
	}()
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait)) // nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, m, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.WithError(err).Warn("Read failed")
			}
			return
		}
		if typ != websocket.BinaryMessage || len(m) > r.pool.Size() {
			p.log.Debugf("Ignoring message of type %d and size %d", typ, len(m))
			continue
		}
		b := r.pool.Get()
		b.Fill = copy(b.Space(), m)
		r.fanout(p, b)
		b.Release()
	}
}

func (r *Relay) writeLoop(p *party) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close() // nolint:errcheck
	}()
	for {
		select {
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint:errcheck
			p.conn.WriteMessage(websocket.CloseMessage, []byte{}) // nolint:errcheck
			return
		case b := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint:errcheck
			err := p.conn.WriteMessage(websocket.BinaryMessage, b.Bytes())
			b.Release()
			if err != nil {
				p.log.WithError(err).Warn("Write failed")
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint:errcheck
			if err := p.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				p.log.WithError(err).Warn("Ping failed")
				return
			}
		}
	}
}

// Close detaches all parties.
func (r *Relay) Close() error {
	r.mu.RLock()
	ps := make([]*party, 0, len(r.parties))
	for p := range r.parties {
		ps = append(ps, p)
	}
	r.mu.RUnlock()
	for _, p := range ps {
		r.detach(p)
	}
	return nil
}

// Local attaches an in-process member to the relay, for the node that
// hosts it.
func (r *Relay) Local() *RelayEndpoint {
	return &RelayEndpoint{relay: r, p: r.attach(nil)}
}

// RelayEndpoint implements Transport for a member hosted next to the Relay.
type RelayEndpoint struct {
	relay *Relay
	p     *party
}

// Send implements Transport.
func (ep *RelayEndpoint) Send(b *buffer.Buffer) error {
	if !ep.IsOperational() {
		return ErrClosed
	}
	rb := ep.relay.pool.Get()
	rb.Fill = copy(rb.Space(), b.Bytes())
	ep.relay.fanout(ep.p, rb)
	rb.Release()
	return nil
}

// Receive implements Transport.
func (ep *RelayEndpoint) Receive(b *buffer.Buffer, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rb := <-ep.p.out:
		defer rb.Release()
		origin, ok := wire.PeekSender(rb.Bytes())
		if !ok {
			origin = UnknownOrigin
		}
		return copyPacket(b, rb.Bytes(), origin), nil
	case <-timer.C:
		return 0, nil
	case <-ep.p.done:
		return 0, ErrClosed
	}
}

// Flush implements Transport.
func (ep *RelayEndpoint) Flush() error { return nil }

// IsOperational implements Transport.
func (ep *RelayEndpoint) IsOperational() bool {
	select {
	case <-ep.p.done:
		return false
	default:
		return true
	}
}

// Close implements Transport.
func (ep *RelayEndpoint) Close() error {
	ep.relay.detach(ep.p)
	return nil
}

// Type implements Transport.
func (ep *RelayEndpoint) Type() string { return "ws-local" }
