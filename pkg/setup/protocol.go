// Package setup defines the configuration channel protocol spoken between
// the master and its peers next to the cyclic data traffic.
package setup

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

// PacketType defines type of a setup packet
type PacketType byte

func (sp PacketType) String() string {
	switch sp {
	case PacketConfigurePeer:
		return "ConfigurePeer"
	case PacketHookUp:
		return "HookUp"
	case PacketDeletePeer:
		return "DeletePeer"
	case PacketClientPayload:
		return "ClientPayload"
	case PacketInitialConfComplete:
		return "InitialConfComplete"
	case PacketVersion:
		return "Version"
	}
	return fmt.Sprintf("Unknown(%d)", sp)
}

const (
	// PacketConfigurePeer assigns a peer its send id and the group parameters.
	PacketConfigurePeer PacketType = iota
	// PacketHookUp places a peer in the follow chain from a given cycle.
	PacketHookUp
	// PacketDeletePeer removes a peer from the follow chain from a given cycle.
	PacketDeletePeer
	// PacketClientPayload carries opaque application data.
	PacketClientPayload
	// PacketInitialConfComplete ends the initial configuration of a peer.
	PacketInitialConfComplete
	// PacketVersion announces the software version of the sender.
	PacketVersion
)

var (
	// ErrUnknownPacket is returned for packet types outside the protocol.
	ErrUnknownPacket = errors.New("unknown setup packet")

	// ErrPacketTooLarge is returned when a body does not fit the length field.
	ErrPacketTooLarge = errors.New("setup packet too large")
)

// Command is one decoded configuration channel message.
type Command interface {
	Type() PacketType
}

// ConfigurePeer is the first message a master sends to an accepted peer.
type ConfigurePeer struct {
	PeerID   uint16        `json:"peer_id"`
	GroupID  uint32        `json:"group_id"`
	Interval time.Duration `json:"interval"`
	DataURL  string        `json:"data_url"`
}

// HookUp makes PeerID follow FollowID in the send order, effective at Cycle.
type HookUp struct {
	PeerID   uint16        `json:"peer_id"`
	FollowID uint16        `json:"follow_id"`
	Cycle    cycle.Counter `json:"cycle"`
}

// DeletePeer removes PeerID from the send order, effective at Cycle. Sent by
// a peer about itself it is a leave request.
type DeletePeer struct {
	PeerID uint16        `json:"peer_id"`
	Cycle  cycle.Counter `json:"cycle"`
}

// ClientPayload is opaque application data.
type ClientPayload struct {
	Data []byte `json:"data"`
}

// InitialConfComplete marks the end of the initial configuration burst.
type InitialConfComplete struct{}

// Version is the software version triple of a node.
type Version struct {
	Major    uint16 `json:"major"`
	Minor    uint16 `json:"minor"`
	Revision uint16 `json:"revision"`
}

// CurrentVersion is the version of this implementation.
var CurrentVersion = Version{Major: 1, Minor: 2, Revision: 0}

// Compatible reports whether nodes at v and o can form a group.
func (v Version) Compatible(o Version) bool { return v.Major == o.Major }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// Type implements Command.
func (ConfigurePeer) Type() PacketType { return PacketConfigurePeer }

// Type implements Command.
func (HookUp) Type() PacketType { return PacketHookUp }

// Type implements Command.
func (DeletePeer) Type() PacketType { return PacketDeletePeer }

// Type implements Command.
func (ClientPayload) Type() PacketType { return PacketClientPayload }

// Type implements Command.
func (InitialConfComplete) Type() PacketType { return PacketInitialConfComplete }

// Type implements Command.
func (Version) Type() PacketType { return PacketVersion }

// Decode unmarshals the body of a packet of type t.
func Decode(t PacketType, body []byte) (Command, error) {
	switch t {
	case PacketConfigurePeer:
		var c ConfigurePeer
		err := json.Unmarshal(body, &c)
		return c, err
	case PacketHookUp:
		var c HookUp
		err := json.Unmarshal(body, &c)
		return c, err
	case PacketDeletePeer:
		var c DeletePeer
		err := json.Unmarshal(body, &c)
		return c, err
	case PacketClientPayload:
		var c ClientPayload
		err := json.Unmarshal(body, &c)
		return c, err
	case PacketInitialConfComplete:
		return InitialConfComplete{}, nil
	case PacketVersion:
		var c Version
		err := json.Unmarshal(body, &c)
		return c, err
	}
	return nil, fmt.Errorf("%v: %s", ErrUnknownPacket, t)
}

// Protocol frames commands on a byte stream: one type byte, a big endian
// uint16 body length, then the JSON body.
type Protocol struct {
	rwc io.ReadWriteCloser
	wmu sync.Mutex
}

// NewSetupProtocol constructs a new setup Protocol.
func NewSetupProtocol(rwc io.ReadWriteCloser) *Protocol {
	return &Protocol{rwc: rwc}
}

// ReadPacket reads a single setup packet.
func (p *Protocol) ReadPacket() (PacketType, []byte, error) {
	h := make([]byte, 3)
	if _, err := io.ReadFull(p.rwc, h); err != nil {
		return 0, nil, err
	}
	t := PacketType(h[0])
	pay := make([]byte, binary.BigEndian.Uint16(h[1:3]))
	if _, err := io.ReadFull(p.rwc, pay); err != nil {
		return 0, nil, err
	}
	if len(pay) == 0 {
		return 0, nil, errors.New("empty packet")
	}
	return t, pay, nil
}

// WritePacket writes a single setup packet.
func (p *Protocol) WritePacket(t PacketType, body interface{}) error {
	raw, err := EncodePacket(t, body)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err = p.rwc.Write(raw)
	return err
}

// ReadCommand reads and decodes one command.
func (p *Protocol) ReadCommand() (Command, error) {
	t, body, err := p.ReadPacket()
	if err != nil {
		return nil, err
	}
	return Decode(t, body)
}

// WriteCommand encodes and writes one command.
func (p *Protocol) WriteCommand(c Command) error {
	return p.WritePacket(c.Type(), c)
}

// Close closes the underlying `ReadWriteCloser`.
func (p *Protocol) Close() error {
	if err := p.rwc.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %v", err)
	}
	return nil
}

// EncodePacket frames body as a packet of type t.
func EncodePacket(t PacketType, body interface{}) ([]byte, error) {
	pay, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(pay) > math.MaxUint16 {
		return nil, ErrPacketTooLarge
	}
	raw := make([]byte, 3+len(pay))
	raw[0] = byte(t)
	binary.BigEndian.PutUint16(raw[1:3], uint16(len(pay)))
	copy(raw[3:], pay)
	return raw, nil
}

// DecodePacket parses one whole framed packet.
func DecodePacket(raw []byte) (Command, error) {
	if len(raw) < 3 {
		return nil, io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(raw[1:3]))
	if len(raw) != 3+n {
		return nil, fmt.Errorf("packet length %d does not match header %d", len(raw)-3, n)
	}
	return Decode(PacketType(raw[0]), raw[3:])
}
