package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"golang.org/x/net/ipv4"

	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/wire"
)

// Mode classifies a UDP destination.
type Mode int

// Destination modes.
const (
	PointToPoint Mode = iota
	Broadcast
	Multicast
)

func (m Mode) String() string {
	switch m {
	case PointToPoint:
		return "point-to-point"
	case Broadcast:
		return "broadcast"
	case Multicast:
		return "multicast"
	}
	return fmt.Sprintf("Unknown(%d)", int(m))
}

// ClassifyIP derives the destination mode of ip. Interface broadcast
// addresses of the host count as broadcast too.
func ClassifyIP(ip net.IP) Mode {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return classifyIP(ip, nil)
	}
	return classifyIP(ip, addrs)
}

func classifyIP(ip net.IP, addrs []net.Addr) Mode {
	ip4 := ip.To4()
	switch {
	case ip.IsMulticast():
		return Multicast
	case ip4 == nil:
		return PointToPoint
	case ip4.Equal(net.IPv4bcast):
		return Broadcast
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil {
			continue
		}
		if bcast := broadcastOf(ipn); bcast.Equal(ip4) {
			return Broadcast
		}
	}
	return PointToPoint
}

func broadcastOf(n *net.IPNet) net.IP {
	ip, mask := n.IP.To4(), net.IP(n.Mask).To4()
	if ip == nil || mask == nil {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// UDP implements Transport over datagram sockets.
type UDP struct {
	log  *logging.Logger
	mode Mode
	dest *net.UDPAddr

	send *net.UDPConn
	recv *net.UDPConn

	mu      sync.Mutex
	senders map[string]uint16

	closed int32
}

// NewUDP creates send and receive sockets for the destination in conf.URL.
func NewUDP(conf Config) (*UDP, error) {
	dest, err := parseUDPURL(conf.URL)
	if err != nil {
		return nil, err
	}
	ifi, ifAddr, err := lookupInterface(conf.Interface)
	if err != nil {
		return nil, err
	}

	t := &UDP{
		log:     logging.MustGetLogger("udp"),
		mode:    ClassifyIP(dest.IP),
		dest:    dest,
		senders: make(map[string]uint16),
	}

	port := dest.Port
	if conf.LocalPort != 0 {
		port = conf.LocalPort
	}
	if t.recv, err = net.ListenUDP("udp4", &net.UDPAddr{Port: port}); err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", port)
	}
	if conf.ReadBuffer > 0 {
		if err := t.recv.SetReadBuffer(conf.ReadBuffer); err != nil {
			t.log.WithError(err).Warn("Failed to set read buffer size")
		}
	}

	if t.send, err = net.ListenUDP("udp4", &net.UDPAddr{IP: ifAddr}); err != nil {
		t.recv.Close() // nolint:errcheck
		return nil, errors.Wrap(err, "open send socket")
	}

	if err := t.tune(conf, ifi); err != nil {
		t.Close() // nolint:errcheck
		return nil, err
	}

	t.log.Infof("UDP %s transport to %s (receive port %d)", t.mode, dest, port)
	return t, nil
}

func (t *UDP) tune(conf Config, ifi *net.Interface) error {
	sendPC := ipv4.NewPacketConn(t.send)
	if conf.TOS != 0 {
		if err := sendPC.SetTOS(conf.TOS); err != nil {
			t.log.WithError(err).Warn("Failed to set type of service")
		}
	}
	if t.mode != Multicast {
		return nil
	}

	recvPC := ipv4.NewPacketConn(t.recv)
	if err := recvPC.JoinGroup(ifi, &net.UDPAddr{IP: t.dest.IP}); err != nil {
		return errors.Wrapf(err, "join multicast group %s", t.dest.IP)
	}
	if ifi != nil {
		if err := sendPC.SetMulticastInterface(ifi); err != nil {
			return errors.Wrapf(err, "select multicast interface %s", ifi.Name)
		}
	}
	if conf.TTL > 0 {
		if err := sendPC.SetMulticastTTL(conf.TTL); err != nil {
			return errors.Wrap(err, "set multicast ttl")
		}
	}
	return sendPC.SetMulticastLoopback(conf.Loopback)
}

func parseUDPURL(raw string) (*net.UDPAddr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid data url %q", raw)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("data url %q has no port", raw)
	}
	if _, err := strconv.Atoi(u.Port()); err != nil {
		return nil, errors.Wrapf(err, "data url %q", raw)
	}
	addr, err := net.ResolveUDPAddr("udp4", u.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", u.Host)
	}
	return addr, nil
}

// lookupInterface accepts an interface name or one of its addresses.
func lookupInterface(s string) (*net.Interface, net.IP, error) {
	if s == "" {
		return nil, nil, nil
	}
	if ifi, err := net.InterfaceByName(s); err == nil {
		addrs, err := ifi.Addrs()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "addresses of %s", s)
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				return ifi, ipn.IP.To4(), nil
			}
		}
		return nil, nil, fmt.Errorf("interface %s has no IPv4 address", s)
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, fmt.Errorf("unknown interface %q", s)
	}
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, nil, errors.Wrap(err, "list interfaces")
	}
	for i := range ifis {
		addrs, err := ifis[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
				return &ifis[i], ip.To4(), nil
			}
		}
	}
	return nil, nil, fmt.Errorf("no interface with address %s", s)
}

// Mode returns the destination mode.
func (t *UDP) Mode() Mode { return t.mode }

// Send implements Transport.
func (t *UDP) Send(b *buffer.Buffer) error {
	if !t.IsOperational() {
		return ErrClosed
	}
	_, err := t.send.WriteToUDP(b.Bytes(), t.dest)
	return err
}

// Receive implements Transport.
func (t *UDP) Receive(b *buffer.Buffer, timeout time.Duration) (int, error) {
	if !t.IsOperational() {
		return 0, ErrClosed
	}
	if err := t.recv.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, addr, err := t.recv.ReadFromUDP(b.Space())
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	b.Fill = n
	b.Origin = t.learn(addr, b.Bytes())
	return n, nil
}

// learn maps a source address to the sender id carried in its packets.
func (t *UDP) learn(addr *net.UDPAddr, p []byte) uint16 {
	key := addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	known, isKnown := t.senders[key]
	id, ok := wire.PeekSender(p)
	switch {
	case !ok && isKnown:
		return known
	case !ok:
		return UnknownOrigin
	case !isKnown:
		t.log.Debugf("Learned sender %d at %s", id, key)
		t.senders[key] = id
	case known != id:
		t.log.Warnf("Sender at %s changed id from %d to %d", key, known, id)
		t.senders[key] = id
	}
	return id
}

// Flush implements Transport.
func (t *UDP) Flush() error { return nil }

// IsOperational implements Transport.
func (t *UDP) IsOperational() bool { return atomic.LoadInt32(&t.closed) == 0 }

// Close implements Transport.
func (t *UDP) Close() error {
	if t == nil || !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	var err error
	if t.send != nil {
		err = t.send.Close()
	}
	if t.recv != nil {
		if rErr := t.recv.Close(); err == nil {
			err = rErr
		}
	}
	return err
}

// Type implements Transport.
func (t *UDP) Type() string { return "udp" }
