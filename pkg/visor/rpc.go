package visor

import (
	"github.com/skycoin/cyclenet/pkg/comm"
)

const (
	// RPCPrefix is the prefix used with all RPC calls.
	RPCPrefix = "cyclenet-node"
)

// RPC defines RPC methods for Node.
type RPC struct {
	node *Node
}

/*
	<<< NODE SUMMARY >>>
*/

// Summary provides a summary of the node.
func (r *RPC) Summary(_ *struct{}, out *Summary) error {
	*out = *r.node.Summary()
	return nil
}

/*
	<<< GROUP MANAGEMENT >>>
*/

// Peers returns the master's roster.
func (r *RPC) Peers(_ *struct{}, out *[]comm.PeerInfo) error {
	peers, err := r.node.Peers()
	*out = peers
	return err
}

// Pending returns the candidates waiting for admission.
func (r *RPC) Pending(_ *struct{}, out *[]comm.Candidate) error {
	pending, err := r.node.Pending()
	*out = pending
	return err
}

// DecisionIn is input for Accept and Reject.
type DecisionIn struct {
	ID       uint16
	Remember bool
}

// Accept admits a pending candidate.
func (r *RPC) Accept(in *DecisionIn, _ *struct{}) error {
	return r.node.Decide(in.ID, true, in.Remember)
}

// Reject turns a pending candidate away.
func (r *RPC) Reject(in *DecisionIn, _ *struct{}) error {
	return r.node.Decide(in.ID, false, in.Remember)
}

// SendPayload sends application data over the configuration channels.
func (r *RPC) SendPayload(data *[]byte, _ *struct{}) error {
	return r.node.SendClientPayload(*data)
}

// Stop makes the node leave the group after its current cycle.
func (r *RPC) Stop(_ *struct{}, _ *struct{}) error {
	return r.node.Stop()
}
