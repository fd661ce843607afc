package comm

import (
	"sort"
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

// Default timing of a master.
const (
	DefaultMasterTimeout = 50 * time.Millisecond
	DefaultJoinDelay     = 5
)

// MasterConfig configures a Master.
type MasterConfig struct {
	GroupID uint32
	// Interval and DataURL are announced to joining peers.
	Interval time.Duration
	DataURL  string
	// Timeout bounds the wait for replies in one cycle.
	Timeout time.Duration
	// JoinDelay is the number of cycles between admission and joining.
	JoinDelay uint32
	Start     cycle.Counter
}

// Options carries the collaborators of a role.
type Options struct {
	Authorizer Authorizer
	Packer     Packer
	Unpacker   Unpacker
	Hooks      Hooks
	Metrics    metrics.Recorder
	Logger     *logging.Logger
}

// CommPeer is the master's record of one peer.
type CommPeer struct {
	PeerInfo
	hasVersion bool
	ch         setup.Channel
	events     <-chan setup.Event
}

type roundOutcome int

const (
	confirmed roundOutcome = iota
	timedOut
	recoveryRequested
)

func (o roundOutcome) String() string {
	switch o {
	case confirmed:
		return "confirmed"
	case timedOut:
		return "timeout"
	default:
		return "recovery"
	}
}

// Master owns the authoritative cycle counter of a group. It runs one
// cycle per DoCycle call, admits and removes peers and maintains the follow
// chain.
type Master struct {
	log     *logging.Logger
	conf    MasterConfig
	core    *Core
	pool    *buffer.Pool
	chain   *FollowChain
	auth    Authorizer
	hooks   Hooks
	metrics metrics.Recorder
	accept  <-chan setup.Channel

	cycle         cycle.Counter
	prevLast      cycle.Counter // last value sent in the previous logical cycle
	start         cycle.Counter
	backedUp      bool
	lastScheduled cycle.Counter
	nextID        uint16
	peers         map[uint16]*CommPeer

	stopReq int32
	stopped bool

	outMu  sync.Mutex
	outbox [][]byte

	mu      sync.RWMutex
	summary Summary
}

// NewMaster creates a master sending on tr. New configuration channels are
// taken from accept.
func NewMaster(conf MasterConfig, tr transport.Transport, pool *buffer.Pool, accept <-chan setup.Channel, opts Options) *Master {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultMasterTimeout
	}
	if conf.JoinDelay == 0 {
		conf.JoinDelay = DefaultJoinDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.MustGetLogger("master")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDummy()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AuthorizerFunc(func(Candidate) Decision { return Accept })
	}
	start := cycle.New(conf.Start.Logical())
	m := &Master{
		log:  opts.Logger,
		conf: conf,
		core: NewCore(CoreConfig{
			ID:       MasterID,
			GroupID:  conf.GroupID,
			Packer:   opts.Packer,
			Unpacker: opts.Unpacker,
			Hooks:    opts.Hooks,
			Metrics:  opts.Metrics,
			Logger:   opts.Logger,
		}, tr, pool),
		pool:          pool,
		chain:         NewFollowChain(start),
		auth:          opts.Authorizer,
		hooks:         opts.Hooks,
		metrics:       opts.Metrics,
		accept:        accept,
		cycle:         start,
		start:         start,
		lastScheduled: start,
		nextID:        1,
		peers:         make(map[uint16]*CommPeer),
	}
	m.publish()
	return m
}

// Cycle returns the cycle the next DoCycle sends.
func (m *Master) Cycle() cycle.Counter { return m.cycle }

// PackedCycle returns the cycle of the last packed buffer.
func (m *Master) PackedCycle() (cycle.Counter, bool) { return m.core.PackedCycle() }

// State returns the send state of the next DoCycle.
func (m *Master) State() SendState { return m.core.State() }

// Chain returns the follow chain. It must only be used from the goroutine
// calling DoCycle.
func (m *Master) Chain() *FollowChain { return m.chain }

// Stop makes the next DoCycle the last one.
func (m *Master) Stop() { atomic.StoreInt32(&m.stopReq, 1) }

// Broadcast queues data for delivery to all admitted peers at the next
// cycle boundary.
func (m *Master) Broadcast(data []byte) {
	m.outMu.Lock()
	m.outbox = append(m.outbox, append([]byte(nil), data...))
	m.outMu.Unlock()
}

// Summary returns the state published at the end of the last cycle.
func (m *Master) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.summary
	s.Peers = append([]PeerInfo(nil), m.summary.Peers...)
	s.Members = append([]uint16(nil), m.summary.Members...)
	s.Chain = append([]Link(nil), m.summary.Chain...)
	return s
}

// DoCycle runs one cycle: send, collect replies, decide the next send state
// and process admission and removal of peers. After a Stop it returns
// ErrStopped; a fatal protocol error also ends the role.
func (m *Master) DoCycle(tick uint32) error {
	if m.stopped {
		return ErrStopped
	}
	last := atomic.LoadInt32(&m.stopReq) == 1
	began := time.Now()
	m.core.StartTick()

	expected := m.expected(m.cycle)
	m.core.SetPeerCount(len(expected))

	var err error
	if len(expected) > 0 {
		err = m.core.CodeAndSend(m.cycle, tick)
	} else {
		err = m.core.Code(m.cycle, tick)
	}
	if err != nil {
		return m.fail(err)
	}

	outcome, err := m.collect(expected, tick)
	if err != nil {
		return m.fail(err)
	}
	sent := m.cycle
	m.decide(outcome)
	m.metrics.Round(time.Since(began), outcome.String())
	m.metrics.Cycle(m.cycle.Logical(), len(expected))
	if outcome != confirmed {
		m.log.Infof("Cycle %s ended with %s, next %s in %s", sent, outcome, m.cycle, m.core.State())
	}

	m.processSetup()
	m.publish()

	if last {
		m.log.Infof("Stopping after cycle %s", sent)
		m.shutdown()
		return ErrStopped
	}
	return nil
}

// expected returns the peers that must confirm c.
func (m *Master) expected(c cycle.Counter) map[uint16]bool {
	out := make(map[uint16]bool)
	for _, id := range m.chain.Members(c)[1:] {
		if p, ok := m.peers[id]; ok && (p.State == Wait || p.State == Active) {
			out[id] = true
		}
	}
	return out
}

func (m *Master) firstExpected(id uint16) cycle.Counter {
	j, ok := m.chain.JoinedAt(id)
	if !ok {
		return m.start
	}
	return cycle.Later(j, m.start)
}

func (m *Master) collect(expected map[uint16]bool, tick uint32) (roundOutcome, error) {
	if len(expected) == 0 {
		return confirmed, nil
	}
	rb := m.pool.Get()
	defer rb.Release()

	deadline := time.Now().Add(m.conf.Timeout)
	got := make(map[uint16]bool, len(expected))
	for len(got) < len(expected) {
		ok, err := m.core.Receive(rb, deadline)
		if err != nil {
			return 0, errors.Wrap(err, "receive")
		}
		if !ok {
			m.log.Debugf("Timeout in cycle %s, missing %v", m.cycle, missing(expected, got))
			return timedOut, nil
		}
		cb, valid := m.core.Check(rb)
		if !valid {
			continue
		}
		id := cb.SenderID
		if !expected[id] {
			m.core.drop("unexpected", "Ignoring packet %s from node not expected in %s", cb, m.cycle)
			continue
		}
		res, err := m.core.Ingest(cb, rb, m.firstExpected(id), tick)
		if err != nil {
			return 0, err
		}
		if res == Gap {
			prev, _ := m.core.Received(id)
			return 0, &ProtocolError{Op: "ingest reply", Node: id, Cycle: cb.Cycle, Expect: prev, Detail: "cycles skipped"}
		}

		switch d := cb.Cycle.Distance(m.cycle); {
		case cb.Cycle == m.cycle:
			got[id] = true
			if cb.ErrorFlag {
				m.log.Infof("Node %d requests recovery in cycle %s", id, m.cycle)
				return recoveryRequested, nil
			}
		case d <= 0:
			m.core.drop("stale", "Stale reply %s in cycle %s", cb, m.cycle)
		case d == 1 && m.backedUp:
			m.core.drop("overtaken", "Reply %s overtaken by recovery at %s", cb, m.cycle)
		default:
			return 0, &ProtocolError{Op: "reply", Node: id, Cycle: cb.Cycle, Expect: m.cycle, Detail: "reply ahead of master"}
		}
	}
	return confirmed, nil
}

func missing(expected, got map[uint16]bool) []uint16 {
	var out []uint16
	for id := range expected {
		if !got[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Master) decide(o roundOutcome) {
	switch o {
	case recoveryRequested:
		if m.backedUp {
			m.cycle.RepeatIncrement()
		} else {
			m.stepBack()
			m.backedUp = true
		}
		m.core.SetState(Recover)
	case timedOut:
		m.cycle.RepeatIncrement()
		if m.backedUp {
			m.core.SetState(Recover)
		} else {
			m.core.SetState(Stasis)
		}
	default:
		m.prevLast = m.cycle
		if m.backedUp {
			m.cycle.Forward()
			m.backedUp = false
			m.core.SetState(Stasis)
		} else {
			m.cycle.Increment()
			m.core.SetState(Normal)
		}
	}
}

// stepBack returns to the previous logical cycle with a repeat no packet
// of that cycle carried yet.
func (m *Master) stepBack() {
	back := m.cycle
	back.Back()
	if m.prevLast.IsCurrent(back) && !newerRepeat(back, m.prevLast) {
		back = m.prevLast
		back.RepeatIncrement()
	}
	m.cycle = back
}

// removalCycle is the earliest cycle a later send can still carry.
func (m *Master) removalCycle() cycle.Counter {
	if m.backedUp {
		return cycle.New(m.cycle.Logical())
	}
	return cycle.New(m.cycle.Logical() - 1)
}

func (m *Master) processSetup() {
	m.acceptChannels()

	for _, id := range m.rosterIDs() {
		if p, ok := m.peers[id]; ok {
			m.drain(p)
		}
	}
	for _, id := range m.rosterIDs() {
		p, ok := m.peers[id]
		if !ok {
			continue
		}
		switch p.State {
		case Vetting:
			if p.hasVersion {
				m.vet(p)
			}
		case Wait:
			if m.cycle.Distance(p.JoinAt) >= 0 {
				p.State = Active
				m.log.Infof("Node %d active from %s", p.ID, p.JoinAt)
				m.hooks.join(p.ID, p.JoinAt)
			}
		}
	}

	m.flushOutbox()

	m.chain.Prune(cycle.New(m.cycle.Logical() - 2))
	if err := m.chain.Validate(m.cycle); err != nil {
		m.log.WithError(err).Error("Follow chain inconsistent")
	}
}

func (m *Master) acceptChannels() {
	for {
		select {
		case ch, ok := <-m.accept:
			if !ok {
				m.accept = nil
				return
			}
			m.addCandidate(ch)
		default:
			return
		}
	}
}

func (m *Master) addCandidate(ch setup.Channel) {
	id := m.nextID
	if id == MasterID || id > wire.MaxSenderID {
		m.log.Warnf("No send id left for %s", ch.RemoteAddr())
		ch.Close() // nolint:errcheck
		return
	}
	m.nextID++
	p := &CommPeer{
		PeerInfo: PeerInfo{ID: id, State: Vetting, Remote: ch.RemoteAddr()},
		ch:       ch,
		events:   setup.Pump(ch),
	}
	m.peers[id] = p
	m.log.Infof("Node %d connected from %s", id, p.Remote)
}

func (m *Master) rosterIDs() []uint16 {
	ids := make([]uint16, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Master) drain(p *CommPeer) {
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				m.remove(p, "configuration channel closed")
				return
			}
			if ev.Err != nil {
				m.remove(p, "disconnected: "+ev.Err.Error())
				return
			}
			switch cmd := ev.Cmd.(type) {
			case setup.Version:
				p.Version, p.hasVersion = cmd, true
				if !setup.CurrentVersion.Compatible(cmd) {
					m.log.Warnf("Node %d runs version %s, incompatible with %s", p.ID, cmd, setup.CurrentVersion)
					m.removeWith(p, ErrVersionMismatch.Error(), setup.CurrentVersion)
					return
				}
			case setup.DeletePeer:
				if cmd.PeerID != p.ID {
					m.log.Warnf("Node %d asked to delete node %d; ignored", p.ID, cmd.PeerID)
					continue
				}
				m.remove(p, "left")
				return
			case setup.ClientPayload:
				m.hooks.clientPayload(p.ID, cmd.Data)
			default:
				m.log.Warnf("Unexpected %s from node %d", cmd.Type(), p.ID)
			}
		default:
			return
		}
	}
}

func (m *Master) vet(p *CommPeer) {
	dec := m.auth.Authorize(Candidate{ID: p.ID, Remote: p.Remote, Version: p.Version})
	switch dec {
	case Accept:
		m.admit(p)
	case Reject:
		m.log.Infof("Node %d from %s rejected", p.ID, p.Remote)
		m.remove(p, "rejected")
	case Delay:
	}
}

func (m *Master) admit(p *CommPeer) {
	at := cycle.New(m.cycle.Logical() + m.conf.JoinDelay)
	at = cycle.Later(at, m.lastScheduled)
	follow := m.chain.Last(at)
	eff := m.chain.HookUp(p.ID, follow, at)
	m.lastScheduled = eff

	p.State, p.JoinAt, p.Follow = Wait, eff, follow
	m.log.Infof("Node %d accepted, joins at %s behind %d", p.ID, eff, follow)

	hook := setup.HookUp{PeerID: p.ID, FollowID: follow, Cycle: eff}
	cmds := []setup.Command{setup.ConfigurePeer{
		PeerID:   p.ID,
		GroupID:  m.conf.GroupID,
		Interval: m.conf.Interval,
		DataURL:  m.conf.DataURL,
	}}
	for _, l := range m.chain.Snapshot(eff) {
		if l.ID != p.ID {
			cmds = append(cmds, setup.HookUp{PeerID: l.ID, FollowID: l.Follow, Cycle: l.Joined})
		}
	}
	cmds = append(cmds, hook, setup.InitialConfComplete{})
	for _, cmd := range cmds {
		if err := p.ch.Send(cmd); err != nil {
			m.remove(p, "configuration failed: "+err.Error())
			return
		}
	}
	m.tellOthers(p.ID, hook)
}

// remove drops p from the roster and the follow chain.
func (m *Master) remove(p *CommPeer, reason string) { m.removeWith(p, reason, nil) }

// removeWith removes p and sends farewell, when set, as the last command
// on its configuration channel.
func (m *Master) removeWith(p *CommPeer, reason string, farewell setup.Command) {
	wasMember := p.State == Wait || p.State == Active
	wasActive := p.State == Active
	p.State = Broken
	delete(m.peers, p.ID)
	m.core.Forget(p.ID)
	if farewell != nil {
		go func(ch setup.Channel) {
			if err := ch.Send(farewell); err != nil {
				m.log.WithError(err).Debugf("Failed to send %s to node %d", farewell.Type(), p.ID)
			}
			ch.Close() // nolint:errcheck
		}(p.ch)
	} else {
		p.ch.Close() // nolint:errcheck
	}

	if !wasMember {
		m.log.Infof("Node %d dropped: %s", p.ID, reason)
		return
	}
	eff := m.chain.Delete(p.ID, m.removalCycle())
	m.log.Infof("Node %d removed at %s: %s", p.ID, eff, reason)
	m.tellOthers(p.ID, setup.DeletePeer{PeerID: p.ID, Cycle: eff})
	if wasActive {
		m.hooks.leave(p.ID, eff)
	}
}

func (m *Master) tellOthers(except uint16, cmd setup.Command) {
	for _, id := range m.rosterIDs() {
		q := m.peers[id]
		if id == except || (q.State != Wait && q.State != Active) {
			continue
		}
		if err := q.ch.Send(cmd); err != nil {
			m.log.WithError(err).Warnf("Sending %s to node %d failed", cmd.Type(), id)
		}
	}
}

func (m *Master) flushOutbox() {
	m.outMu.Lock()
	out := m.outbox
	m.outbox = nil
	m.outMu.Unlock()

	for _, data := range out {
		m.tellOthers(MasterID, setup.ClientPayload{Data: data})
	}
}

func (m *Master) publish() {
	s := Summary{
		Role:       "master",
		ID:         MasterID,
		Cycle:      m.cycle.String(),
		State:      m.core.State().String(),
		Recovering: m.backedUp,
		Members:    m.chain.Members(m.cycle),
		Chain:      m.chain.Snapshot(m.cycle),
		Stopped:    m.stopped,
		Last:       m.cycle,
	}
	if pc, ok := m.core.PackedCycle(); ok {
		s.Packed = pc.String()
	}
	for _, id := range m.rosterIDs() {
		s.Peers = append(s.Peers, m.peers[id].PeerInfo)
	}
	m.mu.Lock()
	m.summary = s
	m.mu.Unlock()
}

func (m *Master) fail(err error) error {
	m.log.WithError(err).Error("Master stopped")
	m.shutdown()
	return err
}

func (m *Master) shutdown() {
	for _, id := range m.rosterIDs() {
		m.peers[id].ch.Close() // nolint:errcheck
		m.peers[id].State = Broken
	}
	m.peers = make(map[uint16]*CommPeer)
	if err := m.core.Close(); err != nil {
		m.log.WithError(err).Warn("Closing transport failed")
	}
	m.stopped = true
	m.publish()
}
