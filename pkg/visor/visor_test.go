package visor

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/rpc"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/cyclenet/internal/testhelpers"
	"github.com/skycoin/cyclenet/pkg/admission"
	"github.com/skycoin/cyclenet/pkg/comm"
)

func startNode(t *testing.T, tag string, conf *Config) *Node {
	node, err := NewNode(conf, NewTaggedMasterLogger(tag, ioutil.Discard))
	require.NoError(t, err)
	go node.Start() // nolint:errcheck
	return node
}

func activePeers(node *Node) int {
	peers, err := node.Peers()
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range peers {
		if p.State == comm.Active {
			n++
		}
	}
	return n
}

func setupURL(master *Node) string {
	return "ws://" + master.HTTPAddr().String() + "/config"
}

func TestNode_MasterAndPeers(t *testing.T) {
	mc := masterConfig()
	mc.Interfaces.RPCAddress = "127.0.0.1:0"
	master := startNode(t, "master", mc)
	testhelpers.WaitFor(t, "master role", func() bool { return master.Summary().Protocol != nil })

	peerA := startNode(t, "peer-a", peerConfig(setupURL(master)))
	peerB := startNode(t, "peer-b", peerConfig(setupURL(master)))

	testhelpers.WaitFor(t, "two active peers", func() bool { return activePeers(master) == 2 })
	testhelpers.WaitFor(t, "master sees peer a", func() bool {
		for _, s := range master.Summary().Sessions {
			if s == peerA.Session() {
				return true
			}
		}
		return false
	})
	testhelpers.WaitFor(t, "peer a sees master", func() bool {
		return peerA.Summary().Sessions[comm.MasterID] == master.Session()
	})

	s := master.Summary()
	assert.Equal(t, RoleMaster, s.Role)
	assert.Equal(t, "ws-local", s.Transport)
	assert.NotZero(t, s.Traffic[comm.MasterID].SentPackets)

	_, err := peerA.Peers()
	assert.Equal(t, ErrNotMaster, err)

	// RPC
	rc, err := rpc.Dial("tcp", master.RPCAddr().String())
	require.NoError(t, err)
	client := NewRPCClient(rc, RPCPrefix)
	peers, err := client.Peers()
	require.NoError(t, err)
	assert.Len(t, peers, 2)
	rs, err := client.Summary()
	require.NoError(t, err)
	assert.Equal(t, master.Session(), rs.Session)
	_, err = client.Pending()
	assert.EqualError(t, err, ErrManualAdmission.Error())
	require.NoError(t, rc.Close())

	// HTTP
	resp, err := http.Get("http://" + master.HTTPAddr().String() + "/api/summary")
	require.NoError(t, err)
	var hs Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, master.Session(), hs.Session)
	require.NotNil(t, hs.Protocol)
	assert.Len(t, hs.Protocol.Peers, 2)

	// A leaving peer is removed by the master.
	require.NoError(t, peerA.Close())
	assert.NoError(t, peerA.Err())
	testhelpers.WaitFor(t, "one active peer", func() bool { return activePeers(master) == 1 })

	// A stopping master ends the participation of the remaining peer.
	require.NoError(t, master.Close())
	assert.NoError(t, master.Err())
	<-peerB.Done()
	require.NoError(t, peerB.Close())
}

func TestNode_ManualAdmission(t *testing.T) {
	mc := masterConfig()
	mc.Admission.Type = admission.TypeManual
	master := startNode(t, "master", mc)
	defer func() { require.NoError(t, master.Close()) }()
	testhelpers.WaitFor(t, "master role", func() bool { return master.Summary().Protocol != nil })

	peer := startNode(t, "peer", peerConfig(setupURL(master)))
	defer func() { require.NoError(t, peer.Close()) }()

	testhelpers.WaitFor(t, "pending candidate", func() bool { return len(master.Summary().Pending) == 1 })
	assert.Equal(t, 0, activePeers(master))

	base := "http://" + master.HTTPAddr().String() + "/api/peers/"
	resp, err := http.Post(base+"9/accept", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	id := master.Summary().Pending[0].ID
	resp, err = http.Post(base+strconv.Itoa(int(id))+"/accept?remember=true", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	testhelpers.WaitFor(t, "admitted peer", func() bool { return activePeers(master) == 1 })
	assert.Empty(t, master.Summary().Pending)
}

func TestNode_HandlerErrors(t *testing.T) {
	peer, err := NewNode(peerConfig("ws://127.0.0.1:1/config"), NewTaggedMasterLogger("peer", ioutil.Discard))
	require.NoError(t, err)
	defer func() { require.NoError(t, peer.Close()) }()

	h := peer.Handler()
	cases := []struct {
		method, path, body string
		code               int
	}{
		{http.MethodGet, "/api/peers", "", http.StatusBadRequest},
		{http.MethodGet, "/api/pending", "", http.StatusBadRequest},
		{http.MethodPost, "/api/peers/1/accept", "", http.StatusBadRequest},
		{http.MethodPost, "/api/peers/x/accept", "", http.StatusBadRequest},
		{http.MethodPost, "/api/payload", `{"data":"aGk="}`, http.StatusServiceUnavailable},
		{http.MethodPost, "/api/payload", `{"bytes":1}`, http.StatusBadRequest},
		{http.MethodPost, "/api/stop", "", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/summary", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/config", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestNode_HandlerCORS(t *testing.T) {
	peer, err := NewNode(peerConfig("ws://127.0.0.1:1/config"), NewTaggedMasterLogger("peer", ioutil.Discard))
	require.NoError(t, err)
	defer func() { require.NoError(t, peer.Close()) }()

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	peer.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTaggedFormatter(t *testing.T) {
	var out bytes.Buffer
	logger := NewTaggedMasterLogger("peer-7", &out)
	logger.PackageLogger("test").Info("joined")
	assert.True(t, strings.HasPrefix(out.String(), "[peer-7] "), out.String())
	assert.Contains(t, out.String(), "joined")
}
