package comm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/setup"
	"github.com/skycoin/cyclenet/pkg/transport"
	"github.com/skycoin/cyclenet/pkg/wire"
)

const (
	testInterval = 2 * time.Millisecond
	maxCycles    = 3000
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

type sendEvent struct {
	state SendState
	c     cycle.Counter
}

// testGroup is a master and its peers on an in-memory bus.
type testGroup struct {
	t      *testing.T
	bus    *transport.Bus
	pool   *buffer.Pool
	accept chan setup.Channel
	master *Master
	tick   uint32

	mu    sync.Mutex
	sends []sendEvent

	peers []*Peer
	errs  chan error
}

func newTestGroup(t *testing.T, auth Authorizer) *testGroup {
	g := &testGroup{
		t:      t,
		bus:    transport.NewBus(),
		pool:   buffer.NewPool(256, 16),
		accept: make(chan setup.Channel, 4),
		errs:   make(chan error, 8),
	}
	g.master = NewMaster(MasterConfig{
		GroupID:   testGroupID,
		Interval:  testInterval,
		DataURL:   "bus://",
		Timeout:   100 * time.Millisecond,
		JoinDelay: 2,
		Start:     cycle.New(100),
	}, g.bus.Endpoint("master"), g.pool, g.accept, Options{
		Authorizer: auth,
		Packer:     cyclePacker(MasterID),
		Hooks: Hooks{
			OnSend: func(_ uint16, state SendState, c cycle.Counter) {
				g.mu.Lock()
				g.sends = append(g.sends, sendEvent{state, c})
				g.mu.Unlock()
			},
		},
	})
	return g
}

// cycle runs one master cycle.
func (g *testGroup) cycle() error {
	g.tick++
	err := g.master.DoCycle(g.tick)
	time.Sleep(testInterval)
	return err
}

// runUntil runs master cycles until cond holds.
func (g *testGroup) runUntil(cond func() bool, msg string) {
	g.t.Helper()
	for i := 0; i < maxCycles; i++ {
		if cond() {
			return
		}
		require.NoError(g.t, g.cycle())
	}
	g.t.Fatalf("no %s after %d cycles", msg, maxCycles)
}

func (g *testGroup) run(n int) {
	g.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(g.t, g.cycle())
	}
}

func (g *testGroup) dial(name string) Dialer {
	return func(context.Context, string) (transport.Transport, error) {
		return g.bus.Endpoint(name), nil
	}
}

// join connects a peer and runs master cycles until it is configured. The
// peer then runs OneCycle on its own goroutine.
func (g *testGroup) join(name string) *Peer {
	g.t.Helper()
	ours, theirs := setup.Pipe()
	g.accept <- theirs

	type result struct {
		p   *Peer
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := Join(context.Background(), ours, PeerConfig{Interval: testInterval, Timeout: 500 * time.Millisecond},
			g.pool, g.dial(name), Options{Packer: cyclePacker(0)})
		done <- result{p, err}
	}()

	var res result
	g.runUntil(func() bool {
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, "join of "+name)
	require.NoError(g.t, res.err)

	p := res.p
	p.core.packer = cyclePacker(p.ID())
	g.peers = append(g.peers, p)
	go func() {
		var tick uint32
		for {
			tick++
			if err := p.OneCycle(tick); err != nil {
				g.errs <- err
				return
			}
		}
	}()

	g.runUntil(func() bool { return g.state(p.ID()) == Active }, name+" active")
	return p
}

func (g *testGroup) state(id uint16) PeerState {
	for _, info := range g.master.Summary().Peers {
		if info.ID == id {
			return info.State
		}
	}
	return Broken
}

func (g *testGroup) resetSends() {
	g.mu.Lock()
	g.sends = nil
	g.mu.Unlock()
}

func (g *testGroup) recordedSends() []sendEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sendEvent(nil), g.sends...)
}

// stop ends the master and waits for every running peer to stop.
func (g *testGroup) stop(running int) {
	g.t.Helper()
	g.master.Stop()
	assert.Equal(g.t, ErrStopped, g.cycle())
	for i := 0; i < running; i++ {
		select {
		case err := <-g.errs:
			assert.Equal(g.t, ErrStopped, errors.Cause(err))
		case <-time.After(5 * time.Second):
			g.t.Fatal("peer did not stop")
		}
	}
	waitFor(g.t, func() bool { return g.pool.Outstanding() == 0 }, "buffers returned")
}

// settle runs until the master has sent a few Normal cycles in a row.
func (g *testGroup) settle() {
	g.t.Helper()
	normal := 0
	g.runUntil(func() bool {
		if g.master.State() == Normal {
			normal++
		} else {
			normal = 0
		}
		return normal >= 4
	}, "steady state")
}

func packed(p *Peer) string { return p.Summary().Packed }

func TestGroup_NoLoss(t *testing.T) {
	g := newTestGroup(t, nil)
	a := g.join("a")
	b := g.join("b")
	assert.Equal(t, uint16(1), a.ID())
	assert.Equal(t, uint16(2), b.ID())
	assert.Equal(t, []uint16{0, 1, 2}, g.master.Summary().Members)

	g.settle()
	g.resetSends()
	g.run(10)

	sends := g.recordedSends()
	require.Len(t, sends, 10)
	for i, s := range sends {
		assert.Equal(t, Normal, s.state, "send %d", i)
		if i > 0 {
			assert.True(t, s.c.IsNext(sends[i-1].c), "send %d: %s after %s", i, s.c, sends[i-1].c)
			assert.Zero(t, s.c.Repeat())
		}
	}

	mp, ok := g.master.PackedCycle()
	require.True(t, ok)
	for _, p := range []*Peer{a, b} {
		p := p
		waitFor(t, func() bool { return packed(p) == mp.String() }, "peer packed cycle")
	}

	g.stop(2)
}

// dropFirst drops the first packet from sender at logical cycle target on
// its way to the endpoint named to.
func dropFirst(to string, sender uint16, target uint32) transport.DropFunc {
	return dropN(to, sender, target, 1)
}

// dropN drops the first n packets from sender at logical cycle target on
// their way to the endpoint named to.
func dropN(to string, sender uint16, target uint32, n int32) transport.DropFunc {
	var dropped int32
	return func(dst string, p []byte) bool {
		if dst != to {
			return false
		}
		cb, err := wire.Decode(p)
		if err != nil || cb.SenderID != sender || cb.Cycle.Logical() != target {
			return false
		}
		return atomic.AddInt32(&dropped, 1) <= n
	}
}

// noPeerErrors fails the test when a peer has stopped.
func (g *testGroup) noPeerErrors() {
	g.t.Helper()
	select {
	case err := <-g.errs:
		g.t.Fatalf("peer stopped: %v", err)
	default:
	}
}

// following waits until every peer has closed the round of master cycle c.
func (g *testGroup) following(c cycle.Counter) {
	g.t.Helper()
	for _, p := range g.peers {
		p := p
		waitFor(g.t, func() bool { return p.Summary().Cycle == c.String() }, "peer at "+c.String())
	}
}

func statesOf(sends []sendEvent) []SendState {
	out := make([]SendState, len(sends))
	for i, s := range sends {
		out[i] = s.state
	}
	return out
}

func TestGroup_ReplyLostAtMaster(t *testing.T) {
	g := newTestGroup(t, nil)
	g.join("a")
	b := g.join("b")
	g.settle()

	target := g.master.Cycle().Logical()
	g.bus.SetDrop(dropFirst("master", b.ID(), target))
	g.resetSends()
	g.run(3)

	sends := g.recordedSends()
	require.Len(t, sends, 3)
	assert.Equal(t, []SendState{Normal, Stasis, Normal}, statesOf(sends))
	assert.Equal(t, target, sends[0].c.Logical())
	assert.Equal(t, target, sends[1].c.Logical())
	assert.Equal(t, uint8(1), sends[1].c.Repeat())
	assert.Equal(t, target+1, sends[2].c.Logical())

	g.stop(2)
}

func TestGroup_RepeatedStasis(t *testing.T) {
	g := newTestGroup(t, nil)
	g.join("a")
	b := g.join("b")
	g.settle()

	// enough lost replies to wrap the repeat field
	const lost = 17
	target := g.master.Cycle().Logical()
	g.bus.SetDrop(dropN("master", b.ID(), target, lost))
	g.resetSends()
	g.run(lost + 2)

	sends := g.recordedSends()
	require.Len(t, sends, lost+2)
	assert.Equal(t, Normal, sends[0].state)
	assert.Equal(t, target, sends[0].c.Logical())
	for i := 1; i <= lost; i++ {
		assert.Equal(t, Stasis, sends[i].state, "send %d", i)
		assert.Equal(t, target, sends[i].c.Logical(), "send %d", i)
		assert.Equal(t, uint8(i&0xf), sends[i].c.Repeat(), "send %d", i)
	}
	last := sends[lost+1]
	assert.Equal(t, Normal, last.state)
	assert.Equal(t, target+1, last.c.Logical())
	assert.Zero(t, last.c.Repeat())

	g.following(last.c)
	g.noPeerErrors()
	g.stop(2)
}

func TestGroup_StaleMasterPackets(t *testing.T) {
	g := newTestGroup(t, nil)
	g.join("a")
	b := g.join("b")
	g.settle()

	capture := g.bus.Endpoint("capture")
	defer capture.Close() // nolint:errcheck

	// Normal, Stasis, Normal: the master sends two values of target
	target := g.master.Cycle().Logical()
	g.bus.SetDrop(dropFirst("master", b.ID(), target))
	g.resetSends()
	g.run(3)
	require.Equal(t, []SendState{Normal, Stasis, Normal}, statesOf(g.recordedSends()))

	var old [][]byte
	rb := g.pool.Get()
	for {
		n, err := capture.Receive(rb, 10*time.Millisecond)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		cb, err := wire.Decode(rb.Bytes())
		require.NoError(t, err)
		if cb.SenderID == MasterID && cb.Cycle.Logical() == target {
			old = append(old, append([]byte(nil), rb.Bytes()...))
		}
	}
	rb.Release()
	require.Len(t, old, 2)

	// late copies of both reach every peer again
	for _, data := range old {
		late := g.pool.Get()
		late.Fill = copy(late.Space(), data)
		require.NoError(t, capture.Send(late))
		late.Release()
	}

	g.resetSends()
	g.run(5)
	sends := g.recordedSends()
	require.Len(t, sends, 5)
	for i, s := range sends {
		assert.Equal(t, Normal, s.state, "send %d", i)
		assert.Equal(t, target+2+uint32(i), s.c.Logical(), "send %d", i)
	}

	g.following(sends[4].c)
	g.noPeerErrors()
	g.stop(2)
}

func TestGroup_RelayLostAtPeer(t *testing.T) {
	g := newTestGroup(t, nil)
	a := g.join("a")
	b := g.join("b")
	g.settle()

	probe := g.bus.Endpoint("probe")
	defer probe.Close() // nolint:errcheck

	target := g.master.Cycle().Logical()
	g.bus.SetDrop(dropFirst("a", b.ID(), target))
	g.resetSends()
	g.run(5)

	sends := g.recordedSends()
	require.Len(t, sends, 5)
	assert.Equal(t, []SendState{Normal, Normal, Recover, Stasis, Normal}, statesOf(sends))
	logical := []uint32{target, target + 1, target, target + 1, target + 2}
	for i, s := range sends {
		assert.Equal(t, logical[i], s.c.Logical(), "send %d", i)
	}

	// resends carry the original payload of each sender
	payloads := make(map[uint16]map[cycle.Counter]string)
	rb := g.pool.Get()
	for {
		n, err := probe.Receive(rb, 10*time.Millisecond)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		cb, err := wire.Decode(rb.Bytes())
		require.NoError(t, err)
		if payloads[cb.SenderID] == nil {
			payloads[cb.SenderID] = make(map[cycle.Counter]string)
		}
		payloads[cb.SenderID][cb.Cycle] = string(rb.Bytes()[wire.HeaderSize:])
	}
	rb.Release()

	for _, id := range []uint16{MasterID, a.ID(), b.ID()} {
		var orig, resent []string
		for c, data := range payloads[id] {
			if c.Logical() != target {
				continue
			}
			if c.Repeat() == 0 {
				orig = append(orig, data)
			} else {
				resent = append(resent, data)
			}
		}
		require.Len(t, orig, 1, "node %d", id)
		require.NotEmpty(t, resent, "node %d", id)
		for _, r := range resent {
			assert.Equal(t, orig[0], r, "node %d", id)
		}
	}

	g.stop(2)
}

func TestGroup_PeerLeaves(t *testing.T) {
	var left []uint16
	g := newTestGroup(t, nil)
	g.master.hooks.OnLeave = func(id uint16, _ cycle.Counter) { left = append(left, id) }
	a := g.join("a")
	b := g.join("b")
	g.settle()

	a.Stop()
	select {
	case err := <-g.errs:
		assert.Equal(t, ErrStopped, err)
	case <-time.After(5 * time.Second):
		t.Fatal("peer a did not stop")
	}
	g.runUntil(func() bool { return g.state(a.ID()) == Broken }, "removal of a")
	assert.Equal(t, []uint16{a.ID()}, left)
	assert.Equal(t, []uint16{0, b.ID()}, g.master.Summary().Members)
	assert.NoError(t, g.master.Chain().Validate(g.master.Cycle()))

	g.settle()
	g.stop(1)
}

func TestGroup_Admission(t *testing.T) {
	var decision int32 = int32(Delay)
	var asked int32
	auth := AuthorizerFunc(func(c Candidate) Decision {
		atomic.AddInt32(&asked, 1)
		return Decision(atomic.LoadInt32(&decision))
	})
	g := newTestGroup(t, auth)

	ours, theirs := setup.Pipe()
	g.accept <- theirs
	go func() { assert.NoError(t, ours.Send(setup.CurrentVersion)) }()

	g.runUntil(func() bool { return atomic.LoadInt32(&asked) >= 3 }, "vetting")
	assert.Equal(t, Vetting, g.state(1))
	assert.Equal(t, []uint16{0}, g.master.Summary().Members)

	atomic.StoreInt32(&decision, int32(Reject))
	g.runUntil(func() bool { return len(g.master.Summary().Peers) == 0 }, "rejection")
	_, err := ours.Receive()
	assert.Error(t, err)

	// accepted peers get the next id
	atomic.StoreInt32(&decision, int32(Accept))
	p := g.join("c")
	assert.Equal(t, uint16(2), p.ID())

	g.stop(1)
}

func TestGroup_IncompatibleVersion(t *testing.T) {
	g := newTestGroup(t, nil)
	ours, theirs := setup.Pipe()
	g.accept <- theirs
	go func() { assert.NoError(t, ours.Send(setup.Version{Major: setup.CurrentVersion.Major + 1})) }()

	g.run(2)
	cmd, err := ours.Receive()
	require.NoError(t, err)
	assert.Equal(t, setup.CurrentVersion, cmd)
	_, err = ours.Receive()
	assert.Error(t, err)
	assert.Empty(t, g.master.Summary().Peers)
	g.stop(0)
}

func TestJoin_IncompatibleMaster(t *testing.T) {
	ours, theirs := setup.Pipe()
	go func() {
		_, err := theirs.Receive()
		assert.NoError(t, err)
		assert.NoError(t, theirs.Send(setup.Version{Major: setup.CurrentVersion.Major + 1}))
	}()

	pool := buffer.NewPool(256, 0)
	_, err := Join(context.Background(), ours, PeerConfig{Interval: testInterval}, pool, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, ErrVersionMismatch, errors.Cause(err))
	assert.NoError(t, pool.Close())
}

func TestJoin_TimingMismatch(t *testing.T) {
	ours, theirs := setup.Pipe()
	go func() {
		cmd, err := theirs.Receive()
		if assert.NoError(t, err) {
			assert.Equal(t, setup.PacketVersion, cmd.Type())
		}
		assert.NoError(t, theirs.Send(setup.ConfigurePeer{PeerID: 1, GroupID: testGroupID, Interval: time.Second}))
	}()

	pool := buffer.NewPool(256, 0)
	_, err := Join(context.Background(), ours, PeerConfig{Interval: testInterval}, pool, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, ErrTimingMismatch, errors.Cause(err))
	assert.NoError(t, pool.Close())
}

func TestJoin_Canceled(t *testing.T) {
	ours, theirs := setup.Pipe()
	go func() {
		theirs.Receive() // nolint:errcheck
	}()
	defer theirs.Close() // nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Join(ctx, ours, PeerConfig{}, buffer.NewPool(256, 0), nil, Options{})
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
}
