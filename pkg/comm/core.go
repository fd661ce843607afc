package comm

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/internal/metrics"
	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/transport"
	"github.com/skycoin/cyclenet/pkg/wire"
)

// SendState selects what CodeAndSend transmits.
type SendState int

// Send states.
const (
	// Normal packs and sends a new buffer for the next cycle.
	Normal SendState = iota
	// AfterNormal follows a Normal send; a resend behaves like Stasis.
	AfterNormal
	// Stasis resends the current buffer unchanged.
	Stasis
	// Recover resends the previous cycle's buffer.
	Recover
)

func (s SendState) String() string {
	switch s {
	case Normal:
		return "normal"
	case AfterNormal:
		return "after-normal"
	case Stasis:
		return "stasis"
	case Recover:
		return "recover"
	}
	return fmt.Sprintf("SendState(%d)", int(s))
}

// IngestResult classifies a validated packet against what was already
// received from its sender.
type IngestResult int

// Ingest results.
const (
	Accepted IngestResult = iota
	Duplicate
	Stale
	Gap
)

func (r IngestResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	}
	return fmt.Sprintf("IngestResult(%d)", int(r))
}

// CoreConfig configures a Core.
type CoreConfig struct {
	ID       uint16
	GroupID  uint32
	Packer   Packer
	Unpacker Unpacker
	Hooks    Hooks
	Metrics  metrics.Recorder
	Logger   *logging.Logger
}

// Core is the send/receive state machine shared by master and peer. It
// owns two buffers: the current one, holding the last packed cycle, and the
// backup, holding the cycle before.
type Core struct {
	log      *logging.Logger
	id       uint16
	group    uint32
	tr       transport.Transport
	pool     *buffer.Pool
	packer   Packer
	unpacker Unpacker
	hooks    Hooks
	metrics  metrics.Recorder

	current   *buffer.Buffer
	backup    *buffer.Buffer
	packed    cycle.Counter
	hasPacked bool
	hasBackup bool

	state     SendState
	errorFlag bool
	peerCount uint16
	received  map[uint16]cycle.Counter
	tickStart time.Time
}

// NewCore creates a Core sending on tr with buffers from pool.
func NewCore(conf CoreConfig, tr transport.Transport, pool *buffer.Pool) *Core {
	c := &Core{
		log:      conf.Logger,
		id:       conf.ID,
		group:    conf.GroupID,
		tr:       tr,
		pool:     pool,
		packer:   conf.Packer,
		unpacker: conf.Unpacker,
		hooks:    conf.Hooks,
		metrics:  conf.Metrics,
		current:  pool.Get(),
		backup:   pool.Get(),
		received: make(map[uint16]cycle.Counter),
	}
	if c.log == nil {
		c.log = logging.MustGetLogger("comm")
	}
	if c.packer == nil {
		c.packer = nopPayload{}
	}
	if c.unpacker == nil {
		c.unpacker = nopPayload{}
	}
	if c.metrics == nil {
		c.metrics = metrics.NewDummy()
	}
	return c
}

// ID returns the send id of this node.
func (c *Core) ID() uint16 { return c.id }

// State returns the send state.
func (c *Core) State() SendState { return c.state }

// SetState selects the behavior of the next CodeAndSend.
func (c *Core) SetState(s SendState) { c.state = s }

// ErrorFlag returns the recovery request flag carried by Normal and Stasis sends.
func (c *Core) ErrorFlag() bool { return c.errorFlag }

// SetErrorFlag sets the recovery request flag.
func (c *Core) SetErrorFlag(f bool) { c.errorFlag = f }

// SetPeerCount sets the peer count announced in the header.
func (c *Core) SetPeerCount(n int) { c.peerCount = uint16(n) }

// PackedCycle returns the cycle of the most recently packed buffer.
func (c *Core) PackedCycle() (cycle.Counter, bool) { return c.packed, c.hasPacked }

// StartTick marks the start of a tick; timing offsets are measured from it.
func (c *Core) StartTick() { c.tickStart = time.Now() }

func (c *Core) timingOffset() int32 {
	if c.tickStart.IsZero() {
		return 0
	}
	return int32(time.Since(c.tickStart) / time.Microsecond)
}

func (c *Core) stamp(mc cycle.Counter, errorFlag bool, tick uint32) wire.Stamp {
	return wire.Stamp{
		GroupID:   c.group,
		Cycle:     mc,
		SenderID:  c.id,
		ErrorFlag: errorFlag,
		PeerCount: c.peerCount,
		Tick:      tick,
	}
}

// DeriveState returns the send state that answers a master message
// carrying mc, given what this node packed last.
func (c *Core) DeriveState(mc cycle.Counter) (SendState, error) {
	if !c.hasPacked {
		return Normal, nil
	}
	switch mc.Distance(c.packed) {
	case 1:
		return Normal, nil
	case 0:
		return Stasis, nil
	case -1:
		return Recover, nil
	}
	return 0, &ProtocolError{
		Op:     "derive send state",
		Node:   c.id,
		Cycle:  mc,
		Expect: c.packed,
		Detail: "packed cycle out of step with master",
	}
}

// CodeAndSend composes or re-stamps the packet for mc according to the
// send state and sends it.
func (c *Core) CodeAndSend(mc cycle.Counter, tick uint32) error {
	return c.codeAndSend(mc, tick, true)
}

// Code advances the packing bookkeeping like CodeAndSend without sending.
// Only a Normal state packs; other states have nothing to do.
func (c *Core) Code(mc cycle.Counter, tick uint32) error {
	if c.state != Normal {
		return nil
	}
	return c.codeAndSend(mc, tick, false)
}

func (c *Core) codeAndSend(mc cycle.Counter, tick uint32, send bool) error {
	state := c.state
	var out *buffer.Buffer

	switch state {
	case Normal:
		if c.hasPacked && !mc.IsNext(c.packed) {
			return c.violation("normal send", mc, c.packed, "not the cycle after the packed one")
		}
		c.current, c.backup = c.backup, c.current
		c.hasBackup = c.hasPacked

		w, err := wire.Encode(c.current.Space(), c.stamp(mc, c.errorFlag, tick))
		if err != nil {
			return err
		}
		n, err := c.packer.Pack(c.current.Space()[wire.HeaderSize:], mc)
		if err != nil {
			return errors.Wrapf(err, "pack cycle %s", mc)
		}
		c.current.Fill = wire.HeaderSize + n
		c.current.Cycle = mc
		c.current.Origin = c.id
		w.Finish(c.current.Fill, c.timingOffset())

		c.packed, c.hasPacked = mc, true
		c.state = AfterNormal
		out = c.current

	case Recover:
		if !c.hasBackup || !c.backup.Cycle.IsCurrent(mc) {
			return c.violation("recover send", mc, c.backup.Cycle, "backup buffer holds another cycle")
		}
		if err := wire.Restamp(c.backup.Space(), c.stamp(mc, false, tick)); err != nil {
			return err
		}
		wire.Finish(c.backup.Bytes(), c.timingOffset())
		out = c.backup

	case Stasis, AfterNormal:
		if !c.hasPacked || !c.current.Cycle.IsCurrent(mc) {
			return c.violation("stasis send", mc, c.current.Cycle, "current buffer holds another cycle")
		}
		if err := wire.Restamp(c.current.Space(), c.stamp(mc, c.errorFlag, tick)); err != nil {
			return err
		}
		wire.Finish(c.current.Bytes(), c.timingOffset())
		out = c.current

	default:
		return c.violation("send", mc, c.packed, "unknown send state "+state.String())
	}

	if !send {
		return nil
	}
	if err := c.tr.Send(out); err != nil {
		return errors.Wrapf(err, "send cycle %s", mc)
	}
	c.log.Debugf("Sent %s packet for cycle %s (%d bytes, error flag %t)", state, mc, out.Fill, c.errorFlag && state != Recover)
	c.metrics.Sent(state.String())
	c.hooks.sent(c.id, state, mc)
	return nil
}

func (c *Core) violation(op string, got, want cycle.Counter, detail string) error {
	err := &ProtocolError{Op: op, Node: c.id, Cycle: got, Expect: want, Detail: detail}
	c.log.Error(err)
	return err
}

// Receive reads one packet into b, waiting at most until deadline. It
// returns false on timeout.
func (c *Core) Receive(b *buffer.Buffer, deadline time.Time) (bool, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return false, nil
	}
	n, err := c.tr.Receive(b, wait)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Check validates a received packet. Packets that are malformed, fail the
// checksum, belong to another group or echo this node's own sends are
// dropped.
func (c *Core) Check(b *buffer.Buffer) (wire.ControlBlock, bool) {
	cb, err := wire.Decode(b.Bytes())
	switch {
	case err != nil:
		c.drop("short", "Dropping %d byte packet: %v", b.Fill, err)
		return cb, false
	case !cb.ChecksumValid:
		c.drop("checksum", "Dropping packet with bad checksum %s", cb)
		return cb, false
	case cb.GroupID != c.group:
		c.drop("group", "Dropping packet of group %#x", cb.GroupID)
		return cb, false
	case cb.SenderID == c.id:
		c.drop("own", "Dropping own packet %s", cb)
		return cb, false
	}
	return cb, true
}

func (c *Core) drop(reason, format string, args ...interface{}) {
	c.metrics.Dropped(reason)
	c.log.Debugf(format, args...)
}

// Ingest records a validated packet and hands an accepted payload to the
// unpacker. The first packet from a sender must carry firstExpected; after
// that each logical cycle is accepted once, in order.
func (c *Core) Ingest(cb wire.ControlBlock, b *buffer.Buffer, firstExpected cycle.Counter, tick uint32) (IngestResult, error) {
	lc := cycle.New(cb.Cycle.Logical())
	last, ok := c.received[cb.SenderID]

	var d int32
	if ok {
		d = lc.Distance(last) - 1
	} else {
		d = lc.Distance(cycle.New(firstExpected.Logical()))
	}

	var res IngestResult
	switch {
	case d == 0:
		res = Accepted
	case d == -1:
		res = Duplicate
	case d < -1:
		res = Stale
	default:
		res = Gap
	}
	if !ok && d < 0 {
		res = Stale
	}
	if res != Accepted {
		c.metrics.Dropped(res.String())
		return res, nil
	}

	c.received[cb.SenderID] = lc
	if err := c.unpacker.Unpack(b.Bytes()[wire.HeaderSize:], cb, tick); err != nil {
		return res, errors.Wrapf(err, "unpack cycle %s from node %d", cb.Cycle, cb.SenderID)
	}
	return res, nil
}

// Received returns the last logical cycle accepted from id.
func (c *Core) Received(id uint16) (cycle.Counter, bool) {
	r, ok := c.received[id]
	return r, ok
}

// Forget drops the receive record of id.
func (c *Core) Forget(id uint16) { delete(c.received, id) }

// Close returns the buffers to the pool and closes the transport.
func (c *Core) Close() error {
	if c.current != nil {
		c.current.Release()
		c.backup.Release()
		c.current, c.backup = nil, nil
	}
	return c.tr.Close()
}
