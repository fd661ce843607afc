package transport

import (
	"sync"
	"time"

	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/wire"
)

const busQueueSize = 256

// DropFunc decides whether packet should be lost on its way to the
// endpoint named to.
type DropFunc func(to string, packet []byte) bool

// Bus is an in-memory broadcast medium. Every packet sent by one endpoint
// is delivered to all other endpoints.
type Bus struct {
	mu   sync.RWMutex
	eps  []*BusEndpoint
	drop DropFunc
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// SetDrop installs a loss filter. A nil filter delivers everything.
func (b *Bus) SetDrop(f DropFunc) {
	b.mu.Lock()
	b.drop = f
	b.mu.Unlock()
}

// Endpoint attaches a new named endpoint to the bus.
func (b *Bus) Endpoint(name string) *BusEndpoint {
	ep := &BusEndpoint{
		bus:  b,
		name: name,
		in:   make(chan []byte, busQueueSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.eps = append(b.eps, ep)
	b.mu.Unlock()
	return ep
}

func (b *Bus) broadcast(from *BusEndpoint, p []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ep := range b.eps {
		if ep == from {
			continue
		}
		if b.drop != nil && b.drop(ep.name, p) {
			continue
		}
		select {
		case <-ep.done:
		case ep.in <- append([]byte(nil), p...):
		default:
			// queue overflow is loss, like a full socket buffer
		}
	}
}

// BusEndpoint implements Transport on a Bus.
type BusEndpoint struct {
	bus  *Bus
	name string
	in   chan []byte
	done chan struct{}
	once sync.Once
}

// Name returns the endpoint name.
func (ep *BusEndpoint) Name() string { return ep.name }

// Send implements Transport.
func (ep *BusEndpoint) Send(b *buffer.Buffer) error {
	if !ep.IsOperational() {
		return ErrClosed
	}
	ep.bus.broadcast(ep, b.Bytes())
	return nil
}

// Receive implements Transport.
func (ep *BusEndpoint) Receive(b *buffer.Buffer, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-ep.in:
		origin, ok := wire.PeekSender(p)
		if !ok {
			origin = UnknownOrigin
		}
		return copyPacket(b, p, origin), nil
	case <-timer.C:
		return 0, nil
	case <-ep.done:
		return 0, ErrClosed
	}
}

// Flush implements Transport.
func (ep *BusEndpoint) Flush() error { return nil }

// IsOperational implements Transport.
func (ep *BusEndpoint) IsOperational() bool {
	select {
	case <-ep.done:
		return false
	default:
		return true
	}
}

// Close implements Transport.
func (ep *BusEndpoint) Close() error {
	if ep == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.done) })
	return nil
}

// Type implements Transport.
func (ep *BusEndpoint) Type() string { return "bus" }
