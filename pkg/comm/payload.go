// Package comm implements the cyclic data replication protocol: the shared
// send/receive state machine and the master and peer roles built on it.
package comm

import (
	"fmt"

	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/setup"
	"github.com/skycoin/cyclenet/pkg/wire"
)

// Packer fills the payload area of an outgoing packet.
type Packer interface {
	// Pack writes the payload for cycle c into buf and returns its length.
	Pack(buf []byte, c cycle.Counter) (int, error)
}

// Unpacker consumes the payload of an accepted packet. It is called exactly
// once per sender and logical cycle.
type Unpacker interface {
	Unpack(data []byte, cb wire.ControlBlock, localTick uint32) error
}

// PackerFunc adapts a function to Packer.
type PackerFunc func(buf []byte, c cycle.Counter) (int, error)

// Pack implements Packer.
func (f PackerFunc) Pack(buf []byte, c cycle.Counter) (int, error) { return f(buf, c) }

// UnpackerFunc adapts a function to Unpacker.
type UnpackerFunc func(data []byte, cb wire.ControlBlock, localTick uint32) error

// Unpack implements Unpacker.
func (f UnpackerFunc) Unpack(data []byte, cb wire.ControlBlock, localTick uint32) error {
	return f(data, cb, localTick)
}

type nopPayload struct{}

func (nopPayload) Pack([]byte, cycle.Counter) (int, error)        { return 0, nil }
func (nopPayload) Unpack([]byte, wire.ControlBlock, uint32) error { return nil }

// Decision is the outcome of vetting a joining peer.
type Decision int

// Vetting outcomes.
const (
	Accept Decision = iota
	Reject
	Delay
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Delay:
		return "delay"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Candidate describes a peer waiting for admission.
type Candidate struct {
	ID      uint16        `json:"id"`
	Remote  string        `json:"remote"`
	Version setup.Version `json:"version"`
}

// Authorizer vets joining peers. Delay leaves the candidate pending; it is
// asked again on a later cycle.
type Authorizer interface {
	Authorize(c Candidate) Decision
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(c Candidate) Decision

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(c Candidate) Decision { return f(c) }

// Hooks are optional notifications from a role. They run on the role's
// goroutine and must not block.
type Hooks struct {
	// OnJoin is called when a peer becomes part of the send order.
	OnJoin func(id uint16, at cycle.Counter)
	// OnLeave is called when a peer is removed from the send order.
	OnLeave func(id uint16, at cycle.Counter)
	// OnClientPayload is called for application data on the config channel.
	OnClientPayload func(from uint16, data []byte)
	// OnSend is called after each data packet this node sends.
	OnSend func(id uint16, state SendState, c cycle.Counter)
}

func (h Hooks) join(id uint16, at cycle.Counter) {
	if h.OnJoin != nil {
		h.OnJoin(id, at)
	}
}

func (h Hooks) leave(id uint16, at cycle.Counter) {
	if h.OnLeave != nil {
		h.OnLeave(id, at)
	}
}

func (h Hooks) clientPayload(from uint16, data []byte) {
	if h.OnClientPayload != nil {
		h.OnClientPayload(from, data)
	}
}

func (h Hooks) sent(id uint16, state SendState, c cycle.Counter) {
	if h.OnSend != nil {
		h.OnSend(id, state, c)
	}
}
