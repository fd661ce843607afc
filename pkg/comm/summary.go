package comm

import (
	"fmt"

	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/setup"
)

// PeerState is the master's view of a peer's admission.
type PeerState int

// Peer states. A peer moves Vetting -> Wait -> Active, or to Broken when
// its configuration channel fails.
const (
	Vetting PeerState = iota
	Wait
	Active
	Broken
)

func (s PeerState) String() string {
	switch s {
	case Vetting:
		return "vetting"
	case Wait:
		return "wait"
	case Active:
		return "active"
	case Broken:
		return "broken"
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s PeerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PeerState) UnmarshalText(b []byte) error {
	for _, v := range []PeerState{Vetting, Wait, Active, Broken} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", b)
}

// PeerInfo describes one peer as the master sees it.
type PeerInfo struct {
	ID      uint16        `json:"id"`
	State   PeerState     `json:"state"`
	Follow  uint16        `json:"follow"`
	JoinAt  cycle.Counter `json:"join_at"`
	Remote  string        `json:"remote"`
	Version setup.Version `json:"version"`
}

// Summary is a point-in-time view of a role.
type Summary struct {
	Role       string        `json:"role"`
	ID         uint16        `json:"id"`
	Cycle      string        `json:"cycle"`
	Packed     string        `json:"packed"`
	State      string        `json:"state"`
	ErrorFlag  bool          `json:"error_flag"`
	Recovering bool          `json:"recovering"`
	Members    []uint16      `json:"members"`
	Peers      []PeerInfo    `json:"peers,omitempty"`
	Chain      []Link        `json:"chain"`
	Stopped    bool          `json:"stopped"`
	Last       cycle.Counter `json:"-"`
}
