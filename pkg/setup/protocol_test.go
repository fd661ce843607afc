package setup

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

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

func ExampleNewSetupProtocol() {
	in, _ := net.Pipe()
	defer in.Close()

	sProto := NewSetupProtocol(in)
	fmt.Printf("Success: %v\n", sProto != nil)

	// Output: Success: true
}

func ExampleProtocol_ReadPacket() {
	in, out := net.Pipe()
	defer in.Close()
	defer out.Close()
	inProto, outProto := NewSetupProtocol(in), NewSetupProtocol(out)

	errCh := make(chan error)
	go func() {
		packet, payload, err := inProto.ReadPacket()
		fmt.Printf("packet: %v, payload: %v\n", packet, string(payload))
		errCh <- err
	}()

	if err := outProto.WriteCommand(HookUp{PeerID: 2, FollowID: 1, Cycle: cycle.New(7)}); err != nil {
		fmt.Println(err.Error())
	}
	if err := <-errCh; err != nil {
		fmt.Println(err.Error())
	}

	// Output: packet: HookUp, payload: {"peer_id":2,"follow_id":1,"cycle":112}
}

func testCommands() []Command {
	return []Command{
		ConfigurePeer{PeerID: 3, GroupID: 0xdeadbeef, Interval: 10 * time.Millisecond, DataURL: "udp://239.0.0.1:7000"},
		HookUp{PeerID: 3, FollowID: 2, Cycle: cycle.New(100)},
		DeletePeer{PeerID: 2, Cycle: cycle.New(104)},
		ClientPayload{Data: []byte{0, 1, 2, 0xff}},
		InitialConfComplete{},
		CurrentVersion,
	}
}

func testChannel(t *testing.T, a, b Channel) {
	t.Helper()
	for _, cmd := range testCommands() {
		t.Run(cmd.Type().String(), func(t *testing.T) {
			errCh := make(chan error, 1)
			go func() { errCh <- a.Send(cmd) }()

			got, err := b.Receive()
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
			assert.NoError(t, <-errCh)
		})
	}
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	testChannel(t, a, b)
	testChannel(t, b, a)

	require.NoError(t, a.Close())
	_, err := b.Receive()
	assert.Equal(t, io.EOF, err)
}

func TestServer_TCP(t *testing.T) {
	srv := NewServer()
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close() // nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer client.Close() // nolint:errcheck

	var server Channel
	select {
	case server = <-srv.Accepted():
	case <-ctx.Done():
		t.Fatal("no channel accepted")
	}
	testChannel(t, client, server)
	testChannel(t, server, client)
}

func TestServer_WebSocket(t *testing.T) {
	srv := NewServer()
	defer srv.Close() // nolint:errcheck
	hs := httptest.NewServer(srv)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, err := Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"))
	require.NoError(t, err)

	var server Channel
	select {
	case server = <-srv.Accepted():
	case <-ctx.Done():
		t.Fatal("no channel accepted")
	}
	testChannel(t, client, server)
	testChannel(t, server, client)

	require.NoError(t, client.Close())
	_, err = server.Receive()
	assert.Equal(t, io.EOF, err)
}

func TestPump(t *testing.T) {
	a, b := Pipe()
	events := Pump(b)

	go func() {
		for _, cmd := range testCommands() {
			assert.NoError(t, a.Send(cmd))
		}
		assert.NoError(t, a.Close())
	}()

	var got []Command
	var last error
	for ev := range events {
		if ev.Err != nil {
			last = ev.Err
			continue
		}
		got = append(got, ev.Cmd)
	}
	assert.Equal(t, testCommands(), got)
	assert.Equal(t, io.EOF, last)
}

func TestDecodePacket(t *testing.T) {
	raw, err := EncodePacket(PacketDeletePeer, DeletePeer{PeerID: 1})
	require.NoError(t, err)

	cmd, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, DeletePeer{PeerID: 1}, cmd)

	_, err = DecodePacket(raw[:len(raw)-1])
	assert.Error(t, err)

	raw[0] = 0x7f
	_, err = DecodePacket(raw)
	assert.Error(t, err)
}

func TestVersion_Compatible(t *testing.T) {
	assert.True(t, CurrentVersion.Compatible(Version{Major: CurrentVersion.Major, Minor: 9}))
	assert.False(t, CurrentVersion.Compatible(Version{Major: CurrentVersion.Major + 1}))
	assert.Equal(t, "1.2.0", CurrentVersion.String())
}
