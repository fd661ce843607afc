// Package visor implements the cyclenet node: it builds the transports,
// the configuration channel and the master or peer role from a Config and
// drives the role once per interval.
package visor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/internal/metrics"
	"github.com/skycoin/cyclenet/internal/netutil"
	"github.com/skycoin/cyclenet/pkg/admission"
	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/comm"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/setup"
	"github.com/skycoin/cyclenet/pkg/transport"
)

// Version is the node version.
const Version = "0.1.0"

// PacketSize is the capacity of the buffers used for data packets.
const PacketSize = 1500

const defaultShutdownTimeout = 5 * time.Second

// Dialing the master's setup address is retried for a while, so peers may
// be started before their master.
const (
	setupBackoff        = 250 * time.Millisecond
	setupRetryThreshold = 30 * time.Second
)

var (
	// ErrNotStarted is returned for role operations before Start.
	ErrNotStarted = errors.New("role not started")

	// ErrNotMaster is returned for operations only a master supports.
	ErrNotMaster = errors.New("node is not a master")

	// ErrManualAdmission is returned for decisions when admission is not manual.
	ErrManualAdmission = errors.New("admission is not manual")
)

// role is the part of comm.Master and comm.Peer the node drives.
type role interface {
	step(tick uint32) error
	stop()
	summary() comm.Summary
}

type masterRole struct{ *comm.Master }

func (r masterRole) step(tick uint32) error { return r.DoCycle(tick) }
func (r masterRole) stop()                  { r.Stop() }
func (r masterRole) summary() comm.Summary  { return r.Summary() }

type peerRole struct{ *comm.Peer }

func (r peerRole) step(tick uint32) error { return r.OneCycle(tick) }
func (r peerRole) stop()                  { r.Stop() }
func (r peerRole) summary() comm.Summary  { return r.Summary() }

// Node runs one member of a replication group.
type Node struct {
	config  *Config
	session uuid.UUID
	group   uint32

	Logger *logging.MasterLogger
	logger *logging.Logger

	// Packer and Unpacker carry application data. When nil the node sends
	// its session id and records the session ids of the other members.
	Packer   comm.Packer
	Unpacker comm.Unpacker
	// Hooks observe the role.
	Hooks comm.Hooks

	pool     *buffer.Pool
	logStore transport.LogStore
	meter    *transport.Meter
	metrics  *metrics.Prometheus
	auth     comm.Authorizer
	manual   *admission.Manual
	setupSrv *setup.Server
	relay    *transport.Relay
	sessions *sessionTable

	httpListener net.Listener
	httpSrv      *http.Server
	rpcListener  net.Listener

	startedAt time.Time

	mu     sync.RWMutex
	role   role
	master *comm.Master
	peer   *comm.Peer

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// NewNode constructs new Node.
func NewNode(config *Config, masterLogger *logging.MasterLogger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}

	node := &Node{
		config:   config,
		session:  uuid.New(),
		pool:     buffer.NewPool(PacketSize, 8),
		metrics:  metrics.NewPrometheus("cyclenet"),
		sessions: newSessionTable(),
		done:     make(chan struct{}),
	}

	node.Logger = masterLogger
	node.logger = node.Logger.PackageLogger("cyclenet")

	if lvl, err := logging.LevelFromString(config.LogLevel); err == nil {
		node.Logger.SetLevel(lvl)
	}

	var err error
	if node.group, err = config.Group(node.session); err != nil {
		return nil, err
	}
	node.logStore, err = config.TrafficLogStore()
	if err != nil {
		return nil, fmt.Errorf("invalid TrafficLogStore: %s", err)
	}

	if config.Role == RoleMaster {
		node.auth, node.manual, err = admission.New(config.Admission)
		if err != nil {
			return nil, fmt.Errorf("invalid Admission: %s", err)
		}
		node.setupSrv = setup.NewServer()
		node.setupSrv.Logger = node.Logger.PackageLogger("setup_server")
		if config.Data.Relay {
			node.relay = transport.NewRelay(node.pool)
		}
	}

	if config.Interfaces.HTTPAddress != "" {
		l, err := net.Listen("tcp", config.Interfaces.HTTPAddress)
		if err != nil {
			node.closeListeners()
			return nil, fmt.Errorf("failed to setup HTTP listener: %s", err)
		}
		node.httpListener = l
		node.httpSrv = &http.Server{Handler: node.Handler()}
	}
	if config.Interfaces.RPCAddress != "" {
		l, err := net.Listen("tcp", config.Interfaces.RPCAddress)
		if err != nil {
			node.closeListeners()
			return nil, fmt.Errorf("failed to setup RPC listener: %s", err)
		}
		node.rpcListener = l
	}

	return node, nil
}

// Session returns the id of this node run.
func (node *Node) Session() uuid.UUID { return node.session }

// HTTPAddr returns the address of the HTTP interface, or nil.
func (node *Node) HTTPAddr() net.Addr {
	if node.httpListener == nil {
		return nil
	}
	return node.httpListener.Addr()
}

// RPCAddr returns the address of the RPC interface, or nil.
func (node *Node) RPCAddr() net.Addr {
	if node.rpcListener == nil {
		return nil
	}
	return node.rpcListener.Addr()
}

// Start serves the HTTP and RPC interfaces, sets up the role and runs it
// once per interval. It returns when the role ends: after Close, when a
// peer is removed by its master, or on a fatal protocol error.
func (node *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.mu.Lock()
	node.cancel = cancel
	node.startedAt = time.Now()
	node.mu.Unlock()
	defer close(node.done)

	rpcSvr := rpc.NewServer()
	if err := rpcSvr.RegisterName(RPCPrefix, &RPC{node: node}); err != nil {
		return fmt.Errorf("rpc server created failed: %s", err)
	}
	if node.rpcListener != nil {
		node.logger.Info("Starting RPC interface on ", node.rpcListener.Addr())
		go rpcSvr.Accept(node.rpcListener)
	}
	if node.httpListener != nil {
		node.logger.Info("Starting HTTP interface on ", node.httpListener.Addr())
		go func() {
			if err := node.httpSrv.Serve(node.httpListener); err != nil && err != http.ErrServerClosed {
				node.logger.WithError(err).Error("HTTP interface stopped")
			}
		}()
	}

	r, err := node.setupRole(ctx)
	if err != nil {
		node.runErr = err
		return err
	}
	node.mu.Lock()
	node.role = r
	node.mu.Unlock()

	err = node.run(ctx, r)
	node.runErr = err
	return err
}

func (node *Node) setupRole(ctx context.Context) (role, error) {
	opts := comm.Options{
		Authorizer: node.auth,
		Packer:     node.Packer,
		Unpacker:   node.Unpacker,
		Hooks:      node.hooks(),
		Metrics:    node.metrics,
	}
	if opts.Packer == nil {
		opts.Packer = sessionPacker(node.session)
	}
	if opts.Unpacker == nil {
		opts.Unpacker = node.sessions
	}

	if node.config.Role == RoleMaster {
		return node.setupMaster(ctx, opts)
	}
	return node.setupPeer(ctx, opts)
}

func (node *Node) setupMaster(ctx context.Context, opts comm.Options) (role, error) {
	opts.Logger = node.Logger.PackageLogger("master")

	if node.config.Setup.Address != "" {
		if err := node.setupSrv.Listen(node.config.Setup.Address); err != nil {
			return nil, err
		}
	}

	var (
		tr      transport.Transport
		dataURL = node.config.Data.URL
	)
	if node.relay != nil {
		tr = node.relay.Local()
		if dataURL == "" {
			dataURL = "ws://" + node.httpListener.Addr().String() + "/data"
		}
	} else {
		var err error
		if tr, err = transport.New(ctx, node.config.Data.Config); err != nil {
			return nil, fmt.Errorf("data transport: %s", err)
		}
	}
	node.setMeter(transport.NewMeter(tr, comm.MasterID, node.logStore))

	m := comm.NewMaster(node.config.MasterConfig(node.group, dataURL), node.getMeter(), node.pool, node.setupSrv.Accepted(), opts)
	node.mu.Lock()
	node.master = m
	node.mu.Unlock()
	node.logger.Infof("Master of group %#x (session %s), data on %s", node.group, node.session, dataURL)
	return masterRole{m}, nil
}

func (node *Node) setupPeer(ctx context.Context, opts comm.Options) (role, error) {
	opts.Logger = node.Logger.PackageLogger("peer")

	var ch setup.Channel
	err := netutil.NewRetrier(setupBackoff, setupRetryThreshold, 2).Do(ctx, func(ctx context.Context) (err error) {
		ch, err = setup.Dial(ctx, node.config.Setup.Address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("setup channel: %s", err)
	}
	dial := func(ctx context.Context, dataURL string) (transport.Transport, error) {
		tr, err := transport.New(ctx, node.config.DataConfigFor(dataURL))
		if err != nil {
			return nil, err
		}
		meter := transport.NewMeter(tr, transport.UnknownOrigin, node.logStore)
		node.setMeter(meter)
		return meter, nil
	}
	p, err := comm.Join(ctx, ch, node.config.PeerConfig(), node.pool, dial, opts)
	if err != nil {
		return nil, err
	}
	node.mu.Lock()
	node.meter.SetSelf(p.ID())
	node.peer = p
	node.mu.Unlock()
	node.logger.Infof("Joined as node %d (session %s)", p.ID(), node.session)
	return peerRole{p}, nil
}

func (node *Node) setMeter(m *transport.Meter) {
	node.mu.Lock()
	node.meter = m
	node.mu.Unlock()
}

func (node *Node) getMeter() *transport.Meter {
	node.mu.RLock()
	defer node.mu.RUnlock()
	return node.meter
}

func (node *Node) hooks() comm.Hooks {
	h := node.Hooks
	onLeave := h.OnLeave
	h.OnLeave = func(id uint16, at cycle.Counter) {
		node.sessions.forget(id)
		if onLeave != nil {
			onLeave(id, at)
		}
	}
	return h
}

// run steps r on every tick of a time.Ticker until it ends.
func (node *Node) run(ctx context.Context, r role) error {
	ticker := time.NewTicker(time.Duration(node.config.Timing.Interval))
	defer ticker.Stop()

	var tick uint32
	for {
		if err := r.step(tick); err != nil {
			switch {
			case err == comm.ErrStopped:
				node.logger.Info("Role stopped")
				return nil
			case err == comm.ErrRemoved:
				node.logger.Warn("Removed from the group by the master")
				return err
			case comm.IsFatal(err):
				node.logger.WithError(err).Error("Protocol violation")
				return err
			default:
				node.logger.WithError(err).Error("Role failed")
				return err
			}
		}
		select {
		case <-ticker.C:
			tick++
		case <-ctx.Done():
			// The role finishes its current cycle on the next step.
			r.stop()
		}
	}
}

// Close stops the role, waits for it to finish its last cycle and shuts
// down the interfaces.
func (node *Node) Close() (err error) {
	if node == nil {
		return nil
	}

	node.mu.RLock()
	r, cancel := node.role, node.cancel
	node.mu.RUnlock()
	if r != nil {
		r.stop()
	}
	if cancel != nil {
		cancel()
		timeout := time.Duration(node.config.ShutdownTimeout)
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		select {
		case <-node.done:
		case <-time.After(timeout):
			node.logger.Warnf("Role did not stop within %s", timeout)
		}
	}

	if node.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err = node.httpSrv.Shutdown(ctx); err != nil {
			node.logger.WithError(err).Error("failed to stop HTTP interface")
		} else {
			node.logger.Info("HTTP interface stopped successfully")
		}
		cancel()
	} else if node.httpListener != nil {
		node.httpListener.Close() // nolint:errcheck
	}
	if node.rpcListener != nil {
		if err = node.rpcListener.Close(); err != nil {
			node.logger.WithError(err).Error("failed to stop RPC interface")
		} else {
			node.logger.Info("RPC interface stopped successfully")
		}
	}
	if err := node.setupSrv.Close(); err != nil {
		node.logger.WithError(err).Warn("failed to stop setup server")
	}
	if node.relay != nil {
		if err := node.relay.Close(); err != nil {
			node.logger.WithError(err).Warn("failed to stop data relay")
		}
	}
	node.mu.RLock()
	r, meter := node.role, node.meter
	node.mu.RUnlock()
	if r == nil && meter != nil {
		// The role closes the transport; without one it is ours to close.
		meter.Close() // nolint:errcheck
	}
	if node.manual != nil {
		if err = node.manual.Close(); err != nil {
			node.logger.WithError(err).Error("failed to close admission store")
		}
	}
	return err
}

func (node *Node) closeListeners() {
	for _, l := range []net.Listener{node.httpListener, node.rpcListener} {
		if l != nil {
			l.Close() // nolint:errcheck
		}
	}
	if node.manual != nil {
		node.manual.Close() // nolint:errcheck
	}
}

// Done is closed when Start returns.
func (node *Node) Done() <-chan struct{} { return node.done }

// Err returns the error Start returned.
func (node *Node) Err() error {
	<-node.done
	return node.runErr
}

// Stop asks the role to leave after its current cycle.
func (node *Node) Stop() error {
	node.mu.RLock()
	r := node.role
	node.mu.RUnlock()
	if r == nil {
		return ErrNotStarted
	}
	r.stop()
	return nil
}

// Summary describes the node and its role.
type Summary struct {
	Session   uuid.UUID                     `json:"session"`
	Version   string                        `json:"version"`
	Role      string                        `json:"role"`
	GroupID   uint32                        `json:"group_id,omitempty"`
	Uptime    float64                       `json:"uptime"`
	Protocol  *comm.Summary                 `json:"protocol,omitempty"`
	Traffic   map[uint16]transport.LogEntry `json:"traffic,omitempty"`
	Sessions  map[uint16]uuid.UUID          `json:"sessions,omitempty"`
	Pending   []comm.Candidate              `json:"pending,omitempty"`
	Transport string                        `json:"transport,omitempty"`
}

// Summary returns a point-in-time view of the node.
func (node *Node) Summary() *Summary {
	node.mu.RLock()
	r, startedAt, meter := node.role, node.startedAt, node.meter
	node.mu.RUnlock()

	s := &Summary{
		Session:  node.session,
		Version:  Version,
		Role:     node.config.Role,
		Sessions: node.sessions.snapshot(),
	}
	if !startedAt.IsZero() {
		s.Uptime = time.Since(startedAt).Seconds()
	}
	if node.config.Role == RoleMaster {
		s.GroupID = node.group
	}
	if r != nil {
		ps := r.summary()
		s.Protocol = &ps
	}
	if meter != nil {
		s.Traffic = meter.Entries()
		s.Transport = meter.Type()
	}
	if node.manual != nil {
		s.Pending = node.manual.Pending()
	}
	return s
}

// Peers returns the master's roster.
func (node *Node) Peers() ([]comm.PeerInfo, error) {
	node.mu.RLock()
	m := node.master
	node.mu.RUnlock()
	if m == nil {
		if node.config.Role != RoleMaster {
			return nil, ErrNotMaster
		}
		return nil, ErrNotStarted
	}
	return m.Summary().Peers, nil
}

// Pending returns the candidates waiting for a manual decision.
func (node *Node) Pending() ([]comm.Candidate, error) {
	if node.manual == nil {
		return nil, ErrManualAdmission
	}
	return node.manual.Pending(), nil
}

// Decide accepts or rejects the pending candidate id.
func (node *Node) Decide(id uint16, accept, remember bool) error {
	if node.manual == nil {
		return ErrManualAdmission
	}
	if accept {
		return node.manual.Accept(id, remember)
	}
	return node.manual.Reject(id, remember)
}

// SendClientPayload sends application data over the configuration
// channels: a master broadcasts it to all peers, a peer sends it to the
// master.
func (node *Node) SendClientPayload(data []byte) error {
	node.mu.RLock()
	m, p := node.master, node.peer
	node.mu.RUnlock()
	switch {
	case m != nil:
		m.Broadcast(data)
		return nil
	case p != nil:
		return p.SendClientPayload(data)
	}
	return ErrNotStarted
}
