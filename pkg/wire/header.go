// Package wire encodes and decodes the fixed control block that precedes
// every cyclic data packet.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

// HeaderSize is the size of the encoded control block.
const HeaderSize = 22

// Field offsets.
const (
	offChecksum  = 0
	offTiming    = 2
	offGroup     = 6
	offCycle     = 10
	offSender    = 14
	offPeerCount = 16
	offTick      = 18
)

const (
	errorBit   = 0x8000
	senderMask = 0x7fff
)

// MaxSenderID is the largest sender id that fits the header.
const MaxSenderID = senderMask

// ErrShortHeader is returned when a buffer cannot hold a control block.
var ErrShortHeader = errors.New("message shorter than control block")

var table = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Checksum computes the CRC-16 (CCITT) of a packet, skipping the checksum
// field itself.
func Checksum(packet []byte) uint16 {
	return crc16.Checksum(packet[offChecksum+2:], table)
}

// ControlBlock is the decoded form of a packet header.
type ControlBlock struct {
	Checksum      uint16
	TimingOffset  int32 // microseconds
	GroupID       uint32
	Cycle         cycle.Counter
	SenderID      uint16
	ErrorFlag     bool
	PeerCount     uint16
	SenderTick    uint32
	ChecksumValid bool
}

// String implements fmt.Stringer.
func (cb ControlBlock) String() string {
	return fmt.Sprintf("<sender:%d><cycle:%s><err:%t><peers:%d><tick:%d>",
		cb.SenderID, cb.Cycle, cb.ErrorFlag, cb.PeerCount, cb.SenderTick)
}

// Decode reads the control block of packet. The packet is not modified.
func Decode(packet []byte) (ControlBlock, error) {
	if len(packet) < HeaderSize {
		return ControlBlock{}, ErrShortHeader
	}
	sender := binary.BigEndian.Uint16(packet[offSender:])
	cb := ControlBlock{
		Checksum:     binary.BigEndian.Uint16(packet[offChecksum:]),
		TimingOffset: int32(binary.BigEndian.Uint32(packet[offTiming:])),
		GroupID:      binary.BigEndian.Uint32(packet[offGroup:]),
		Cycle:        cycle.Counter(binary.BigEndian.Uint32(packet[offCycle:])),
		SenderID:     sender & senderMask,
		ErrorFlag:    sender&errorBit != 0,
		PeerCount:    binary.BigEndian.Uint16(packet[offPeerCount:]),
		SenderTick:   binary.BigEndian.Uint32(packet[offTick:]),
	}
	cb.ChecksumValid = cb.Checksum == Checksum(packet)
	return cb, nil
}

// PeekSender returns the sender id of packet without validating it.
func PeekSender(packet []byte) (uint16, bool) {
	if len(packet) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint16(packet[offSender:]) & senderMask, true
}

// Stamp holds the per-send header fields.
type Stamp struct {
	GroupID   uint32
	Cycle     cycle.Counter
	SenderID  uint16
	ErrorFlag bool
	PeerCount uint16
	Tick      uint32
}

// HeaderWriter finishes a header once the payload is in place.
type HeaderWriter struct {
	buf []byte
}

// Encode writes all header fields except checksum and timing into buf.
// The returned writer's Finish must be called once the payload is known.
func Encode(buf []byte, s Stamp) (*HeaderWriter, error) {
	if err := Restamp(buf, s); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[offGroup:], s.GroupID)
	return &HeaderWriter{buf: buf}, nil
}

// Restamp rewrites cycle, sender, error flag, peer count and tick of an
// already composed header, leaving group id and payload untouched.
func Restamp(buf []byte, s Stamp) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	sender := s.SenderID & senderMask
	if s.ErrorFlag {
		sender |= errorBit
	}
	binary.BigEndian.PutUint32(buf[offCycle:], uint32(s.Cycle))
	binary.BigEndian.PutUint16(buf[offSender:], sender)
	binary.BigEndian.PutUint16(buf[offPeerCount:], s.PeerCount)
	binary.BigEndian.PutUint32(buf[offTick:], s.Tick)
	return nil
}

// Finish writes the timing offset and backfills the checksum over the first
// fill bytes of the buffer.
func (w *HeaderWriter) Finish(fill int, timingOffset int32) {
	Finish(w.buf[:fill], timingOffset)
}

// Finish writes the timing offset into packet and computes its checksum.
func Finish(packet []byte, timingOffset int32) {
	binary.BigEndian.PutUint32(packet[offTiming:], uint32(timingOffset))
	binary.BigEndian.PutUint16(packet[offChecksum:], Checksum(packet))
}
