// Package admission implements the authorization hooks a master uses to
// vet joining peers, and the stores that remember operator decisions.
package admission

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/cyclenet/pkg/comm"
)

var log = logging.MustGetLogger("admission")

// ErrNotFound is returned for hosts without a stored decision.
var ErrNotFound = errors.New("no decision stored")

// RangeFunc is used by Store.Range to iterate over decisions.
type RangeFunc func(host string, d comm.Decision) (next bool)

// Store keeps admission decisions by remote host.
type Store interface {
	// Decision returns the stored decision for host.
	Decision(host string) (comm.Decision, error)

	// SetDecision stores a decision for host.
	SetDecision(host string, d comm.Decision) error

	// Remove forgets the decisions for hosts.
	Remove(hosts ...string) error

	// Range iterates over all decisions in host order until next is false.
	Range(f RangeFunc) error

	// Count returns the number of stored decisions.
	Count() int

	// Close releases the store.
	Close() error
}

type inMemoryStore struct {
	sync.RWMutex
	decisions map[string]comm.Decision
}

// InMemoryStore returns a Store that lives as long as the process.
func InMemoryStore() Store {
	return &inMemoryStore{decisions: map[string]comm.Decision{}}
}

func (s *inMemoryStore) Decision(host string) (comm.Decision, error) {
	s.RLock()
	d, ok := s.decisions[host]
	s.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return d, nil
}

func (s *inMemoryStore) SetDecision(host string, d comm.Decision) error {
	if d == comm.Delay {
		return fmt.Errorf("cannot store decision %s", d)
	}
	s.Lock()
	s.decisions[host] = d
	s.Unlock()
	return nil
}

func (s *inMemoryStore) Remove(hosts ...string) error {
	s.Lock()
	for _, h := range hosts {
		delete(s.decisions, h)
	}
	s.Unlock()
	return nil
}

func (s *inMemoryStore) Range(f RangeFunc) error {
	s.RLock()
	hosts := make([]string, 0, len(s.decisions))
	for h := range s.decisions {
		hosts = append(hosts, h)
	}
	decisions := make(map[string]comm.Decision, len(s.decisions))
	for h, d := range s.decisions {
		decisions[h] = d
	}
	s.RUnlock()

	sort.Strings(hosts)
	for _, h := range hosts {
		if !f(h, decisions[h]) {
			break
		}
	}
	return nil
}

func (s *inMemoryStore) Count() int {
	s.RLock()
	n := len(s.decisions)
	s.RUnlock()
	return n
}

func (s *inMemoryStore) Close() error { return nil }
