package visor

import (
	"net/rpc"

	"github.com/skycoin/cyclenet/pkg/comm"
)

// RPCClient represents a RPC Client implementation.
type RPCClient interface {
	Summary() (*Summary, error)
	Peers() ([]comm.PeerInfo, error)
	Pending() ([]comm.Candidate, error)
	Accept(id uint16, remember bool) error
	Reject(id uint16, remember bool) error
	SendPayload(data []byte) error
	Stop() error
}

// RPCClient provides methods to call an RPC Server.
// It implements RPCClient
type rpcClient struct {
	client *rpc.Client
	prefix string
}

// NewRPCClient creates a new RPCClient.
func NewRPCClient(rc *rpc.Client, prefix string) RPCClient {
	return &rpcClient{client: rc, prefix: prefix}
}

// Call calls the internal rpc.Client with the serviceMethod arg prefixed.
func (rc *rpcClient) Call(method string, args, reply interface{}) error {
	return rc.client.Call(rc.prefix+"."+method, args, reply)
}

// Summary calls Summary.
func (rc *rpcClient) Summary() (*Summary, error) {
	out := new(Summary)
	err := rc.Call("Summary", &struct{}{}, out)
	return out, err
}

// Peers calls Peers.
func (rc *rpcClient) Peers() ([]comm.PeerInfo, error) {
	peers := make([]comm.PeerInfo, 0)
	err := rc.Call("Peers", &struct{}{}, &peers)
	return peers, err
}

// Pending calls Pending.
func (rc *rpcClient) Pending() ([]comm.Candidate, error) {
	pending := make([]comm.Candidate, 0)
	err := rc.Call("Pending", &struct{}{}, &pending)
	return pending, err
}

// Accept calls Accept.
func (rc *rpcClient) Accept(id uint16, remember bool) error {
	return rc.Call("Accept", &DecisionIn{ID: id, Remember: remember}, &struct{}{})
}

// Reject calls Reject.
func (rc *rpcClient) Reject(id uint16, remember bool) error {
	return rc.Call("Reject", &DecisionIn{ID: id, Remember: remember}, &struct{}{})
}

// SendPayload calls SendPayload.
func (rc *rpcClient) SendPayload(data []byte) error {
	return rc.Call("SendPayload", &data, &struct{}{})
}

// Stop calls Stop.
func (rc *rpcClient) Stop() error {
	return rc.Call("Stop", &struct{}{}, &struct{}{})
}
