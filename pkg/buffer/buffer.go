// Package buffer provides the fixed-capacity message buffers exchanged
// between the transports and the communication roles.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

// DefaultSize fits one Ethernet frame's worth of UDP payload.
const DefaultSize = 1472

var log = logging.MustGetLogger("buffer")

// ErrLeaked is returned when a pool is closed while buffers are checked out.
var ErrLeaked = errors.New("buffers still in use")

// Buffer is a fixed-capacity byte area with a fill level and a use count.
// A buffer obtained from a Pool starts with one use; every Claim must be
// matched by one Release, and the last Release returns it to the pool.
type Buffer struct {
	data []byte
	uses int32
	pool *Pool

	// Fill is the number of valid bytes.
	Fill int

	// Origin is the sender id the data came from.
	Origin uint16

	// Cycle is the cycle the buffer was composed for.
	Cycle cycle.Counter
}

// Bytes returns the filled part of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.Fill] }

// Space returns the whole capacity, for transports reading into the buffer.
func (b *Buffer) Space() []byte { return b.data }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Uses returns the current use count.
func (b *Buffer) Uses() int32 { return atomic.LoadInt32(&b.uses) }

// Claim registers one more holder of the buffer.
func (b *Buffer) Claim() {
	if atomic.AddInt32(&b.uses, 1) <= 1 {
		panic("buffer: claim of released buffer")
	}
}

// Release drops one use. On the last release the buffer is reset and
// returned to its pool.
func (b *Buffer) Release() {
	switch n := atomic.AddInt32(&b.uses, -1); {
	case n > 0:
	case n == 0:
		b.Fill, b.Origin, b.Cycle = 0, 0, 0
		if b.pool != nil {
			b.pool.put(b)
		}
	default:
		log.Errorf("buffer released %d times too often", -n)
	}
}

// Pool is a mutex protected freelist of buffers of one size.
type Pool struct {
	mu      sync.Mutex
	free    []*Buffer
	size    int
	created int
	out     int
}

// NewPool creates a Pool of buffers of the given size, allocating prealloc
// buffers up front.
func NewPool(size, prealloc int) *Pool {
	p := &Pool{size: size}
	for i := 0; i < prealloc; i++ {
		p.free = append(p.free, p.alloc())
	}
	return p
}

func (p *Pool) alloc() *Buffer {
	p.created++
	return &Buffer{data: make([]byte, p.size), pool: p}
}

// Size returns the capacity of the pool's buffers.
func (p *Pool) Size() int { return p.size }

// Get checks out a buffer with a use count of one.
func (p *Pool) Get() *Buffer {
	p.mu.Lock()
	var b *Buffer
	if n := len(p.free); n > 0 {
		b, p.free = p.free[n-1], p.free[:n-1]
	} else {
		b = p.alloc()
	}
	p.out++
	p.mu.Unlock()

	atomic.StoreInt32(&b.uses, 1)
	return b
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	p.free = append(p.free, b)
	p.out--
	p.mu.Unlock()
}

// Outstanding returns the number of buffers currently checked out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

// Close drops the freelist and reports buffers that were never returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
	if p.out != 0 {
		return fmt.Errorf("%v: %d of %d", ErrLeaked, p.out, p.created)
	}
	return nil
}
