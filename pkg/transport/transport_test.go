package transport_test

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/cyclenet/pkg/buffer"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/transport"
	"github.com/skycoin/cyclenet/pkg/wire"
)

const timeout = time.Second

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			panic(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func makePacket(t *testing.T, sender uint16, logical uint32, payload string) []byte {
	t.Helper()
	p := make([]byte, wire.HeaderSize+len(payload))
	w, err := wire.Encode(p, wire.Stamp{GroupID: 1, Cycle: cycle.New(logical), SenderID: sender})
	require.NoError(t, err)
	copy(p[wire.HeaderSize:], payload)
	w.Finish(len(p), 0)
	return p
}

func send(t *testing.T, tr transport.Transport, pool *buffer.Pool, p []byte) {
	t.Helper()
	b := pool.Get()
	b.Fill = copy(b.Space(), p)
	require.NoError(t, tr.Send(b))
	b.Release()
}

func recv(t *testing.T, tr transport.Transport, pool *buffer.Pool) ([]byte, uint16) {
	t.Helper()
	b := pool.Get()
	defer b.Release()
	n, err := tr.Receive(b, timeout)
	require.NoError(t, err)
	require.NotZero(t, n, "receive timed out")
	return append([]byte(nil), b.Bytes()...), b.Origin
}

func TestBus(t *testing.T) {
	pool := buffer.NewPool(buffer.DefaultSize, 4)
	bus := transport.NewBus()
	a, b, c := bus.Endpoint("a"), bus.Endpoint("b"), bus.Endpoint("c")

	var dropped int32
	bus.SetDrop(func(to string, p []byte) bool {
		if to == "c" {
			atomic.AddInt32(&dropped, 1)
			return true
		}
		return false
	})

	p := makePacket(t, 3, 5, "data")
	send(t, a, pool, p)

	got, origin := recv(t, b, pool)
	assert.Equal(t, p, got)
	assert.Equal(t, uint16(3), origin)

	nb := pool.Get()
	n, err := c.Receive(nb, 20*time.Millisecond)
	nb.Release()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))

	require.NoError(t, a.Close())
	assert.False(t, a.IsOperational())
	nb = pool.Get()
	assert.Equal(t, transport.ErrClosed, a.Send(nb))
	nb.Release()

	assert.Equal(t, 0, pool.Outstanding())
}

func TestRelay(t *testing.T) {
	pool := buffer.NewPool(buffer.DefaultSize, 8)
	relay := transport.NewRelay(pool)
	srv := httptest.NewServer(relay)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c1, err := transport.New(ctx, transport.Config{URL: url})
	require.NoError(t, err)
	c2, err := transport.DialWS(ctx, url)
	require.NoError(t, err)
	local := relay.Local()

	waitFor(t, func() bool { return relay.Parties() == 3 })

	p := makePacket(t, 2, 9, "from c1")
	send(t, c1, pool, p)

	got, origin := recv(t, c2, pool)
	assert.Equal(t, p, got)
	assert.Equal(t, uint16(2), origin)
	got, _ = recv(t, local, pool)
	assert.Equal(t, p, got)

	p = makePacket(t, 0, 10, "from local")
	send(t, local, pool, p)
	got, origin = recv(t, c1, pool)
	assert.Equal(t, p, got)
	assert.Equal(t, uint16(0), origin)
	got, _ = recv(t, c2, pool)
	assert.Equal(t, p, got)

	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())
	require.NoError(t, local.Close())
	waitFor(t, func() bool { return relay.Parties() == 0 })
	require.NoError(t, relay.Close())

	waitFor(t, func() bool { return pool.Outstanding() == 0 })
}

func TestNew_UnsupportedScheme(t *testing.T) {
	_, err := transport.New(context.Background(), transport.Config{URL: "tcp://127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), transport.ErrUnsupportedScheme.Error())
}

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want transport.Mode
	}{
		{"224.0.0.251", transport.Multicast},
		{"239.1.2.3", transport.Multicast},
		{"255.255.255.255", transport.Broadcast},
		{"127.0.0.1", transport.PointToPoint},
	}
	for _, tc := range tests {
		t.Run(tc.ip, func(t *testing.T) {
			assert.Equal(t, tc.want, transport.ClassifyIP(net.ParseIP(tc.ip)))
		})
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestUDP_PointToPoint(t *testing.T) {
	pa, pb := freeUDPPort(t), freeUDPPort(t)

	a, err := transport.NewUDP(transport.Config{
		URL:       "udp://127.0.0.1:" + strconv.Itoa(pb),
		LocalPort: pa,
	})
	require.NoError(t, err)
	defer a.Close() // nolint:errcheck
	b, err := transport.NewUDP(transport.Config{
		URL:       "udp://127.0.0.1:" + strconv.Itoa(pa),
		LocalPort: pb,
	})
	require.NoError(t, err)
	defer b.Close() // nolint:errcheck

	assert.Equal(t, transport.PointToPoint, a.Mode())

	pool := buffer.NewPool(buffer.DefaultSize, 2)
	p := makePacket(t, 6, 1, "udp")
	send(t, a, pool, p)
	got, origin := recv(t, b, pool)
	assert.Equal(t, p, got)
	assert.Equal(t, uint16(6), origin)

	nb := pool.Get()
	n, err := a.Receive(nb, 10*time.Millisecond)
	nb.Release()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, a.Close())
	assert.False(t, a.IsOperational())
}

func TestUDP_BadURL(t *testing.T) {
	_, err := transport.NewUDP(transport.Config{URL: "udp://127.0.0.1"})
	assert.Error(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
