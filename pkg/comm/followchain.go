package comm

import (
	"fmt"
	"sort"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

// MasterID is the send id of the master. It heads every follow chain.
const MasterID uint16 = 0

type link struct {
	from   cycle.Counter
	follow uint16
	gone   bool
}

// Link is one member's place in the send order.
type Link struct {
	ID     uint16        `json:"id"`
	Follow uint16        `json:"follow"`
	Joined cycle.Counter `json:"joined"`
}

// FollowChain is the versioned send order of a group. Each member sends
// after it has observed the packet of the member it follows. Changes are
// recorded with the logical cycle they take effect at, so every node
// answers questions about a given cycle the same way regardless of when it
// learned about a change.
type FollowChain struct {
	origin cycle.Counter
	links  map[uint16][]link
}

// NewFollowChain creates a chain holding only the master, from origin on.
func NewFollowChain(origin cycle.Counter) *FollowChain {
	return &FollowChain{
		origin: cycle.New(origin.Logical()),
		links:  make(map[uint16][]link),
	}
}

// add appends l to the history of id. Changes never take effect before
// the latest recorded change of id.
func (fc *FollowChain) add(id uint16, l link) cycle.Counter {
	l.from = cycle.New(l.from.Logical())
	h := fc.links[id]
	if n := len(h); n > 0 {
		last := h[n-1].from
		if l.from.Distance(last) < 0 {
			l.from = last
		}
		if l.from == last {
			h[n-1] = l
			fc.links[id] = h
			return l.from
		}
	}
	fc.links[id] = append(h, l)
	return l.from
}

// at returns the link of id in effect at c.
func (fc *FollowChain) at(id uint16, c cycle.Counter) (link, bool) {
	h := fc.links[id]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].from.Distance(c) <= 0 {
			return h[i], true
		}
	}
	return link{}, false
}

// Alive reports whether id is part of the send order at c.
func (fc *FollowChain) Alive(id uint16, c cycle.Counter) bool {
	if id == MasterID {
		return true
	}
	l, ok := fc.at(id, c)
	return ok && !l.gone
}

// Follows returns the member id follows at c.
func (fc *FollowChain) Follows(id uint16, c cycle.Counter) (uint16, bool) {
	if id == MasterID {
		return 0, false
	}
	l, ok := fc.at(id, c)
	if !ok || l.gone {
		return 0, false
	}
	return l.follow, true
}

// Follower returns the member that follows id at c.
func (fc *FollowChain) Follower(id uint16, c cycle.Counter) (uint16, bool) {
	for other := range fc.links {
		if f, ok := fc.Follows(other, c); ok && f == id && other != id {
			return other, true
		}
	}
	return 0, false
}

// Members returns the send order at c, starting with the master.
func (fc *FollowChain) Members(c cycle.Counter) []uint16 {
	next := make(map[uint16]uint16)
	alive := make(map[uint16]bool)
	for id := range fc.links {
		if f, ok := fc.Follows(id, c); ok {
			next[f] = id
			alive[id] = true
		}
	}

	out := []uint16{MasterID}
	seen := map[uint16]bool{MasterID: true}
	for cur := MasterID; ; {
		id, ok := next[cur]
		if !ok || seen[id] {
			break
		}
		out = append(out, id)
		seen[id] = true
		cur = id
	}

	// a broken chain still reports every member
	var rest []uint16
	for id := range alive {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}

// Last returns the member that closes the send order at c.
func (fc *FollowChain) Last(c cycle.Counter) uint16 {
	m := fc.Members(c)
	return m[len(m)-1]
}

// JoinedAt returns the cycle from which id has been a member without
// interruption, as far as currently known.
func (fc *FollowChain) JoinedAt(id uint16) (cycle.Counter, bool) {
	if id == MasterID {
		return fc.origin, true
	}
	h := fc.links[id]
	i := len(h) - 1
	if i < 0 || h[i].gone {
		return 0, false
	}
	for i > 0 && !h[i-1].gone {
		i--
	}
	return h[i].from, true
}

// HookUp makes id follow follow from cycle at on. A member that followed
// follow at that cycle is moved behind id. The effective cycle is returned.
func (fc *FollowChain) HookUp(id, follow uint16, at cycle.Counter) cycle.Counter {
	succ, hasSucc := fc.Follower(follow, at)
	eff := fc.add(id, link{from: at, follow: follow})
	if hasSucc && succ != id {
		fc.add(succ, link{from: eff, follow: id})
	}
	return eff
}

// Delete removes id from cycle at on and repairs the chain so that its
// follower follows its former predecessor. The effective cycle is returned.
func (fc *FollowChain) Delete(id uint16, at cycle.Counter) cycle.Counter {
	if id == MasterID {
		return at
	}
	h := fc.links[id]
	if len(h) > 0 {
		if last := h[len(h)-1]; last.gone {
			return last.from
		}
		at = cycle.Later(cycle.New(at.Logical()), h[len(h)-1].from)
	}
	pred, isMember := fc.Follows(id, at)
	succ, hasSucc := fc.Follower(id, at)

	eff := fc.add(id, link{from: at, gone: true})
	if !isMember {
		pred = MasterID
		if l, ok := fc.latest(id); ok {
			pred = l.follow
		}
	}
	if hasSucc {
		fc.add(succ, link{from: eff, follow: pred})
	}

	// scheduled changes that would place someone behind id
	for other, h := range fc.links {
		if other == id {
			continue
		}
		for i := range h {
			if !h[i].gone && h[i].follow == id && h[i].from.Distance(eff) > 0 {
				h[i].follow = pred
			}
		}
		fc.links[other] = h
	}
	return eff
}

// latest returns the last non-gone link of id.
func (fc *FollowChain) latest(id uint16) (link, bool) {
	h := fc.links[id]
	for i := len(h) - 1; i >= 0; i-- {
		if !h[i].gone {
			return h[i], true
		}
	}
	return link{}, false
}

// Snapshot returns the members at c after the master, in send order.
func (fc *FollowChain) Snapshot(c cycle.Counter) []Link {
	var out []Link
	for _, id := range fc.Members(c)[1:] {
		f, _ := fc.Follows(id, c)
		j, _ := fc.JoinedAt(id)
		out = append(out, Link{ID: id, Follow: f, Joined: j})
	}
	return out
}

// Validate checks that the send order at c is a single acyclic chain
// headed by the master.
func (fc *FollowChain) Validate(c cycle.Counter) error {
	followers := make(map[uint16]uint16)
	count := 0
	for id := range fc.links {
		f, ok := fc.Follows(id, c)
		if !ok {
			continue
		}
		count++
		if f == id {
			return fmt.Errorf("node %d follows itself at %s", id, c)
		}
		if f != MasterID && !fc.Alive(f, c) {
			return fmt.Errorf("node %d follows absent node %d at %s", id, f, c)
		}
		if other, dup := followers[f]; dup {
			return fmt.Errorf("nodes %d and %d both follow %d at %s", other, id, f, c)
		}
		followers[f] = id
	}
	n := 0
	for cur, ok := MasterID, true; ok; cur, ok = followers[cur] {
		if n > count {
			return fmt.Errorf("cycle in chain at %s", c)
		}
		n++
	}
	if n-1 != count {
		return fmt.Errorf("chain at %s reaches %d of %d members", c, n-1, count)
	}
	return nil
}

// Prune forgets history that is superseded at c.
func (fc *FollowChain) Prune(c cycle.Counter) {
	for id, h := range fc.links {
		i := len(h) - 1
		for i > 0 && h[i].from.Distance(c) > 0 {
			i--
		}
		if h[i].from.Distance(c) > 0 {
			continue
		}
		h = h[i:]
		if len(h) == 1 && h[0].gone {
			delete(fc.links, id)
			continue
		}
		fc.links[id] = h
	}
}

// Known returns all ids with recorded history, sorted.
func (fc *FollowChain) Known() []uint16 {
	ids := make([]uint16, 0, len(fc.links))
	for id := range fc.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
