package comm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/internal/metrics"
	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/setup"
	"github.com/skycoin/cyclenet/pkg/transport"
	"github.com/skycoin/cyclenet/pkg/wire"
)

// DefaultPeerTimeout bounds one peer round. Only the master declares a node
// lost, so it is long compared to DefaultMasterTimeout.
const DefaultPeerTimeout = time.Second

// Dialer opens the data transport announced by the master.
type Dialer func(ctx context.Context, dataURL string) (transport.Transport, error)

// PeerConfig configures a Peer.
type PeerConfig struct {
	// Interval must match the master's; zero skips the check.
	Interval time.Duration
	// Timeout bounds one OneCycle call.
	Timeout time.Duration
}

// Peer is a non-master node. It sends once per cycle after the node it
// follows and mirrors the recovery decisions of the master.
type Peer struct {
	log     *logging.Logger
	conf    PeerConfig
	id      uint16
	joinAt  cycle.Counter
	core    *Core
	pool    *buffer.Pool
	chain   *FollowChain
	hooks   Hooks
	metrics metrics.Recorder
	ch      setup.Channel
	events  <-chan setup.Event

	started    bool
	lastMaster cycle.Counter
	prevMaster cycle.Counter
	round      cycle.Counter
	sent       bool
	seen       map[uint16]cycle.Counter

	stopReq int32
	stopped bool

	mu      sync.RWMutex
	summary Summary
}

// Join announces this node on ch, waits for the master's initial
// configuration and opens the data transport through dial.
func Join(ctx context.Context, ch setup.Channel, conf PeerConfig, pool *buffer.Pool, dial Dialer, opts Options) (*Peer, error) {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultPeerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.MustGetLogger("peer")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDummy()
	}
	log := opts.Logger

	if err := ch.Send(setup.CurrentVersion); err != nil {
		ch.Close() // nolint:errcheck
		return nil, errors.Wrap(err, "send version")
	}
	events := setup.Pump(ch)

	next := func() (setup.Command, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrStopped
			}
			if ev.Err != nil {
				return nil, ev.Err
			}
			return ev.Cmd, nil
		}
	}
	abort := func(err error, msg string) (*Peer, error) {
		ch.Close() // nolint:errcheck
		return nil, errors.Wrap(err, msg)
	}

	cmd, err := next()
	if err != nil {
		return abort(err, "wait for configuration")
	}
	if v, ok := cmd.(setup.Version); ok {
		if !setup.CurrentVersion.Compatible(v) {
			return abort(ErrVersionMismatch, "master runs "+v.String()+", own "+setup.CurrentVersion.String())
		}
		if cmd, err = next(); err != nil {
			return abort(err, "wait for configuration")
		}
	}
	cp, ok := cmd.(setup.ConfigurePeer)
	if !ok {
		return abort(errors.Errorf("got %s", cmd.Type()), "expected ConfigurePeer")
	}
	if conf.Interval != 0 && cp.Interval != 0 && conf.Interval != cp.Interval {
		return abort(ErrTimingMismatch, "master interval "+cp.Interval.String()+", own "+conf.Interval.String())
	}
	if cp.PeerID == MasterID || cp.PeerID > wire.MaxSenderID {
		return abort(errors.Errorf("send id %d", cp.PeerID), "invalid configuration")
	}
	log.Infof("Configured as node %d of group %#x, data on %s", cp.PeerID, cp.GroupID, cp.DataURL)

	var hooks []setup.HookUp
	self := -1
	for done := false; !done; {
		cmd, err := next()
		if err != nil {
			return abort(err, "initial configuration")
		}
		switch c := cmd.(type) {
		case setup.HookUp:
			if c.PeerID == cp.PeerID {
				self = len(hooks)
			}
			hooks = append(hooks, c)
		case setup.InitialConfComplete:
			done = true
		case setup.ClientPayload:
			opts.Hooks.clientPayload(MasterID, c.Data)
		default:
			log.Warnf("Unexpected %s during initial configuration", cmd.Type())
		}
	}
	if self < 0 {
		return abort(errors.New("no hook-up for own id"), "initial configuration")
	}
	joinAt := cycle.New(hooks[self].Cycle.Logical())

	chain := NewFollowChain(joinAt)
	for _, h := range hooks {
		chain.HookUp(h.PeerID, h.FollowID, h.Cycle)
	}
	if err := chain.Validate(joinAt); err != nil {
		return abort(err, "initial configuration")
	}

	if dial == nil {
		return abort(errors.New("no dialer"), "open data transport")
	}
	tr, err := dial(ctx, cp.DataURL)
	if err != nil {
		return abort(err, "open data transport")
	}

	p := &Peer{
		log:    log,
		conf:   conf,
		id:     cp.PeerID,
		joinAt: joinAt,
		core: NewCore(CoreConfig{
			ID:       cp.PeerID,
			GroupID:  cp.GroupID,
			Packer:   opts.Packer,
			Unpacker: opts.Unpacker,
			Hooks:    opts.Hooks,
			Metrics:  opts.Metrics,
			Logger:   log,
		}, tr, pool),
		pool:    pool,
		chain:   chain,
		hooks:   opts.Hooks,
		metrics: opts.Metrics,
		ch:      ch,
		events:  events,
		seen:    make(map[uint16]cycle.Counter),
	}
	for _, h := range hooks {
		p.hooks.join(h.PeerID, h.Cycle)
	}
	log.Infof("Joining at %s behind node %d", joinAt, hooks[self].FollowID)
	p.publish()
	return p, nil
}

// ID returns the send id assigned by the master.
func (p *Peer) ID() uint16 { return p.id }

// JoinAt returns the cycle this peer joined the send order at.
func (p *Peer) JoinAt() cycle.Counter { return p.joinAt }

// Cycle returns the last master cycle seen.
func (p *Peer) Cycle() cycle.Counter { return p.lastMaster }

// PackedCycle returns the cycle of the last packed buffer.
func (p *Peer) PackedCycle() (cycle.Counter, bool) { return p.core.PackedCycle() }

// State returns the send state of the last send.
func (p *Peer) State() SendState { return p.core.State() }

// ErrorFlag reports whether this peer currently requests recovery.
func (p *Peer) ErrorFlag() bool { return p.core.ErrorFlag() }

// Chain returns the follow chain. It must only be used from the goroutine
// calling OneCycle.
func (p *Peer) Chain() *FollowChain { return p.chain }

// Stop makes the next OneCycle leave the group.
func (p *Peer) Stop() { atomic.StoreInt32(&p.stopReq, 1) }

// SendClientPayload sends application data to the master.
func (p *Peer) SendClientPayload(data []byte) error {
	return p.ch.Send(setup.ClientPayload{Data: data})
}

// Summary returns the state published at the end of the last round.
func (p *Peer) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.summary
	s.Members = append([]uint16(nil), p.summary.Members...)
	s.Chain = append([]Link(nil), p.summary.Chain...)
	return s
}

// OneCycle takes part in one round: it reacts to the master's message,
// sends in its slot of the follow chain and returns once the node closing
// the chain has been observed or the timeout expires. It returns ErrStopped
// after Stop or when the configuration channel closes, and ErrRemoved when
// the master deleted this node.
func (p *Peer) OneCycle(tick uint32) error {
	if p.stopped {
		return ErrStopped
	}
	if atomic.LoadInt32(&p.stopReq) == 1 {
		return p.leave()
	}
	if err := p.processConfig(); err != nil {
		return p.fail(err)
	}
	p.core.StartTick()

	rb := p.pool.Get()
	defer rb.Release()

	deadline := time.Now().Add(p.conf.Timeout)
	for {
		ok, err := p.core.Receive(rb, deadline)
		if err != nil {
			return p.fail(errors.Wrap(err, "receive"))
		}
		if !ok {
			p.log.Debugf("Round %s timed out", p.round)
			p.publish()
			return nil
		}
		cb, valid := p.core.Check(rb)
		if !valid {
			continue
		}
		if err := p.processConfig(); err != nil {
			return p.fail(err)
		}
		if err := p.handle(cb, rb, tick); err != nil {
			return p.fail(err)
		}
		if err := p.trySend(tick); err != nil {
			return p.fail(err)
		}
		if p.roundDone() {
			p.publish()
			return nil
		}
	}
}

func (p *Peer) handle(cb wire.ControlBlock, rb *buffer.Buffer, tick uint32) error {
	id := cb.SenderID
	if _, known := p.chain.JoinedAt(id); !known {
		p.core.drop("unknown", "Dropping packet %s from unknown node", cb)
		return nil
	}
	if id == MasterID {
		current, err := p.onMaster(cb.Cycle)
		if err != nil || !current {
			return err
		}
	}
	if !p.started {
		p.core.drop("early", "Dropping packet %s before start", cb)
		return nil
	}
	p.seen[id] = cb.Cycle

	res, err := p.core.Ingest(cb, rb, p.firstExpected(id), tick)
	if err != nil {
		return err
	}
	if res == Gap {
		prev, _ := p.core.Received(id)
		p.log.Debugf("Gap from node %d: got %s after %s", id, cb.Cycle, prev)
	}
	return nil
}

func (p *Peer) firstExpected(id uint16) cycle.Counter {
	j, ok := p.chain.JoinedAt(id)
	if !ok {
		return p.joinAt
	}
	return cycle.Later(j, p.joinAt)
}

// onMaster classifies a master cycle value and starts a new round when it
// carries one. It reports false for stale values.
func (p *Peer) onMaster(mc cycle.Counter) (bool, error) {
	if !p.started {
		p.started = true
		p.log.Infof("Started at master cycle %s", mc)
		p.startRound(mc)
		return true, nil
	}
	if mc == p.lastMaster {
		return true, nil
	}

	last := p.lastMaster
	switch d := mc.Distance(last); {
	case d == 1:
		p.startRound(mc)
		p.checkShortfall(last)
	case d > 1:
		if p.chain.Alive(p.id, last) && p.chain.Alive(p.id, mc) {
			return false, &ProtocolError{Op: "master cycle", Node: p.id, Cycle: mc, Expect: last, Detail: "master skipped cycles this node takes part in"}
		}
		p.startRound(mc)
	case d == 0 && newerRepeat(mc, last):
		// repeated round after a timeout
		p.startRound(mc)
		p.checkShortfall(cycle.New(mc.Logical() - 1))
	case d == -1 && p.recovers(mc, last):
		p.log.Infof("Master recovers at %s", mc)
		p.startRound(mc)
		p.core.SetErrorFlag(false)
	default:
		p.core.drop("stale", "Stale master cycle %s after %s", mc, last)
		return false, nil
	}
	return true, nil
}

// recovers reports whether mc, one logical cycle behind last, is a master
// stepping back rather than a late copy of an earlier packet. A step back
// carries a repeat newer than any the master used in either cycle.
func (p *Peer) recovers(mc, last cycle.Counter) bool {
	if !newerRepeat(mc, last) {
		return false
	}
	if p.prevMaster.IsCurrent(mc) && !newerRepeat(mc, p.prevMaster) {
		return false
	}
	return true
}

func newerRepeat(a, b cycle.Counter) bool {
	d := (a.Repeat() - b.Repeat()) & 0xf
	return d > 0 && d < 8
}

func (p *Peer) startRound(mc cycle.Counter) {
	if !mc.IsCurrent(p.lastMaster) {
		p.prevMaster = p.lastMaster
	}
	p.lastMaster = mc
	p.round = mc
	p.sent = false
	p.chain.Prune(cycle.New(mc.Logical() - 2))
}

// checkShortfall sets the error flag when data of cycle l is missing from
// any node that took part in it.
func (p *Peer) checkShortfall(l cycle.Counter) {
	if !p.chain.Alive(p.id, l) {
		return
	}
	var short []uint16
	for _, s := range p.chain.Members(l) {
		if s == p.id {
			continue
		}
		if r, ok := p.core.Received(s); !ok || r.Distance(l) < 0 {
			short = append(short, s)
		}
	}
	if len(short) > 0 {
		p.log.Infof("Missing data of cycle %d from %v, requesting recovery", l.Logical(), short)
	}
	p.core.SetErrorFlag(len(short) > 0)
}

func (p *Peer) trySend(tick uint32) error {
	if !p.started || p.sent || !p.chain.Alive(p.id, p.round) {
		return nil
	}
	pred, _ := p.chain.Follows(p.id, p.round)
	if pred != MasterID {
		if v, ok := p.seen[pred]; !ok || v != p.round {
			return nil
		}
	}
	state, err := p.core.DeriveState(p.round)
	if err != nil {
		p.log.Error(err)
		return err
	}
	p.core.SetState(state)
	p.core.SetPeerCount(len(p.chain.Members(p.round)) - 1)
	if err := p.core.CodeAndSend(p.round, tick); err != nil {
		return err
	}
	p.sent = true
	return nil
}

func (p *Peer) roundDone() bool {
	if !p.started {
		return false
	}
	last := p.chain.Last(p.round)
	switch last {
	case p.id:
		return p.sent
	case MasterID:
		return true
	}
	v, ok := p.seen[last]
	return ok && v == p.round
}

// processConfig applies pending configuration commands.
func (p *Peer) processConfig() error {
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return ErrStopped
			}
			if ev.Err != nil {
				p.log.WithError(ev.Err).Info("Configuration channel closed")
				return ErrStopped
			}
			switch cmd := ev.Cmd.(type) {
			case setup.HookUp:
				eff := p.chain.HookUp(cmd.PeerID, cmd.FollowID, cmd.Cycle)
				p.log.Infof("Node %d follows %d from %s", cmd.PeerID, cmd.FollowID, eff)
				p.hooks.join(cmd.PeerID, eff)
			case setup.DeletePeer:
				if cmd.PeerID == p.id {
					return ErrRemoved
				}
				eff := p.chain.Delete(cmd.PeerID, cmd.Cycle)
				p.log.Infof("Node %d removed at %s", cmd.PeerID, eff)
				p.hooks.leave(cmd.PeerID, eff)
			case setup.ClientPayload:
				p.hooks.clientPayload(MasterID, cmd.Data)
			default:
				p.log.Warnf("Unexpected %s from master", cmd.Type())
			}
		default:
			return nil
		}
	}
}

func (p *Peer) leave() error {
	if err := p.ch.Send(setup.DeletePeer{PeerID: p.id, Cycle: p.lastMaster}); err != nil {
		p.log.WithError(err).Warn("Sending leave request failed")
	}
	p.log.Infof("Left group at %s", p.lastMaster)
	p.shutdown()
	return ErrStopped
}

func (p *Peer) fail(err error) error {
	switch err {
	case ErrStopped, ErrRemoved:
		p.log.Info(err)
	default:
		p.log.WithError(err).Error("Peer stopped")
	}
	p.shutdown()
	return err
}

func (p *Peer) shutdown() {
	p.ch.Close() // nolint:errcheck
	if err := p.core.Close(); err != nil {
		p.log.WithError(err).Warn("Closing transport failed")
	}
	p.stopped = true
	p.publish()
}

func (p *Peer) publish() {
	s := Summary{
		Role:      "peer",
		ID:        p.id,
		Cycle:     p.lastMaster.String(),
		State:     p.core.State().String(),
		ErrorFlag: p.core.ErrorFlag(),
		Members:   p.chain.Members(p.round),
		Chain:     p.chain.Snapshot(p.round),
		Stopped:   p.stopped,
		Last:      p.lastMaster,
	}
	if pc, ok := p.core.PackedCycle(); ok {
		s.Packed = pc.String()
	}
	p.mu.Lock()
	p.summary = s
	p.mu.Unlock()
}
