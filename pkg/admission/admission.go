package admission

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/skycoin/cyclenet/pkg/comm"
)

// Admission types accepted by New.
const (
	TypeAcceptAll = "accept-all"
	TypeAllowList = "allow-list"
	TypeManual    = "manual"
)

// ErrNotPending is returned when deciding on a candidate that is not waiting.
var ErrNotPending = errors.New("candidate not pending")

// Config selects and configures an Authorizer.
type Config struct {
	Type  string   `json:"type"`
	Allow []string `json:"allow,omitempty"`
	// DB is the BoltDB file remembering manual decisions. Empty keeps them
	// in memory.
	DB string `json:"db,omitempty"`
}

// New creates the Authorizer described by conf. For manual admission the
// *Manual is returned too, so operators can decide on candidates.
func New(conf Config) (comm.Authorizer, *Manual, error) {
	switch conf.Type {
	case "", TypeAcceptAll:
		return AcceptAll(), nil, nil
	case TypeAllowList:
		return AllowList(conf.Allow...), nil, nil
	case TypeManual:
		store := InMemoryStore()
		if conf.DB != "" {
			var err error
			if store, err = BoltDBStore(conf.DB); err != nil {
				return nil, nil, fmt.Errorf("open admission db: %v", err)
			}
		}
		m := NewManual(store)
		return m, m, nil
	}
	return nil, nil, fmt.Errorf("unknown admission type %q", conf.Type)
}

// Host returns the host part of a remote address.
func Host(remote string) string {
	if h, _, err := net.SplitHostPort(remote); err == nil {
		return h
	}
	return remote
}

// AcceptAll admits every candidate.
func AcceptAll() comm.Authorizer {
	return comm.AuthorizerFunc(func(comm.Candidate) comm.Decision { return comm.Accept })
}

// AllowList admits candidates connecting from one of hosts and rejects
// everyone else.
func AllowList(hosts ...string) comm.Authorizer {
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = true
	}
	return comm.AuthorizerFunc(func(c comm.Candidate) comm.Decision {
		if allowed[strings.ToLower(Host(c.Remote))] {
			return comm.Accept
		}
		log.Infof("Host of %s is not on the allow list", c.Remote)
		return comm.Reject
	})
}

// Manual holds candidates until an operator accepts or rejects them.
// Decisions are stored by host, so a host decided once is not asked for
// again.
type Manual struct {
	store Store

	mu      sync.Mutex
	pending map[uint16]comm.Candidate
	once    map[uint16]comm.Decision
}

// NewManual creates a Manual authorizer remembering decisions in store.
func NewManual(store Store) *Manual {
	return &Manual{
		store:   store,
		pending: make(map[uint16]comm.Candidate),
		once:    make(map[uint16]comm.Decision),
	}
}

// Authorize implements comm.Authorizer.
func (m *Manual) Authorize(c comm.Candidate) comm.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.once[c.ID]; ok {
		delete(m.once, c.ID)
		delete(m.pending, c.ID)
		return d
	}
	d, err := m.store.Decision(Host(c.Remote))
	switch {
	case err == nil:
		delete(m.pending, c.ID)
		return d
	case err != ErrNotFound:
		log.WithError(err).Warn("Reading admission decision failed")
	}
	if _, ok := m.pending[c.ID]; !ok {
		log.Infof("Node %d from %s waits for admission", c.ID, c.Remote)
		m.pending[c.ID] = c
	}
	return comm.Delay
}

// Pending returns the candidates waiting for a decision, by id.
func (m *Manual) Pending() []comm.Candidate {
	m.mu.Lock()
	out := make([]comm.Candidate, 0, len(m.pending))
	for _, c := range m.pending {
		out = append(out, c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accept admits the pending candidate id. With remember set, later
// candidates from the same host are admitted without asking.
func (m *Manual) Accept(id uint16, remember bool) error {
	return m.decide(id, comm.Accept, remember)
}

// Reject turns the pending candidate id away. With remember set, later
// candidates from the same host are rejected without asking.
func (m *Manual) Reject(id uint16, remember bool) error {
	return m.decide(id, comm.Reject, remember)
}

func (m *Manual) decide(id uint16, d comm.Decision, remember bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[id]
	if !ok {
		return ErrNotPending
	}
	if remember {
		if err := m.store.SetDecision(Host(c.Remote), d); err != nil {
			return err
		}
	}
	m.once[id] = d
	log.Infof("Node %d from %s: %s", id, c.Remote, d)
	return nil
}

// Forget removes the stored decision for host.
func (m *Manual) Forget(host string) error { return m.store.Remove(host) }

// Decisions returns the stored decisions by host.
func (m *Manual) Decisions() (map[string]comm.Decision, error) {
	out := make(map[string]comm.Decision)
	err := m.store.Range(func(host string, d comm.Decision) bool {
		out[host] = d
		return true
	})
	return out, err
}

// Close releases the decision store.
func (m *Manual) Close() error { return m.store.Close() }
