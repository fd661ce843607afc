package comm

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

var (
	// ErrStopped is returned by a role that has completed its last cycle.
	ErrStopped = errors.New("communication stopped")

	// ErrRemoved is returned by a peer that the master deleted from the group.
	ErrRemoved = errors.New("removed from group by master")

	// ErrTimingMismatch is returned when master and peer disagree on the interval.
	ErrTimingMismatch = errors.New("timing interval differs from master")

	// ErrVersionMismatch is returned when master and peer cannot interoperate.
	ErrVersionMismatch = errors.New("incompatible version")
)

// ProtocolError reports an observed cycle value that is inconsistent with
// the node's state. It ends the role: continuing would corrupt data shared
// by the whole group.
type ProtocolError struct {
	Op     string
	Node   uint16
	Cycle  cycle.Counter // the offending value
	Expect cycle.Counter // the value it was checked against
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol violation in %s on node %d: cycle %s against %s", e.Op, e.Node, e.Cycle, e.Expect)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsFatal reports whether err ends a role's participation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err).(type) {
	case *ProtocolError:
		return true
	}
	return false
}
