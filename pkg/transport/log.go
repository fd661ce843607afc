package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skycoin/cyclenet/pkg/buffer"
)

// LogEntry counts the traffic exchanged with one node.
// The entry is updated every time a packet is received or sent.
type LogEntry struct {
	RecvBytes   uint64 `json:"recv"`         // Total received bytes.
	SentBytes   uint64 `json:"sent"`         // Total sent bytes.
	RecvPackets uint64 `json:"recv_packets"` // Total received packets.
	SentPackets uint64 `json:"sent_packets"` // Total sent packets.
}

// AddRecv records a received packet of n bytes.
func (le *LogEntry) AddRecv(n uint64) {
	atomic.AddUint64(&le.RecvBytes, n)
	atomic.AddUint64(&le.RecvPackets, 1)
}

// AddSent records a sent packet of n bytes.
func (le *LogEntry) AddSent(n uint64) {
	atomic.AddUint64(&le.SentBytes, n)
	atomic.AddUint64(&le.SentPackets, 1)
}

// Snapshot returns a consistent copy of the counters.
func (le *LogEntry) Snapshot() LogEntry {
	return LogEntry{
		RecvBytes:   atomic.LoadUint64(&le.RecvBytes),
		SentBytes:   atomic.LoadUint64(&le.SentBytes),
		RecvPackets: atomic.LoadUint64(&le.RecvPackets),
		SentPackets: atomic.LoadUint64(&le.SentPackets),
	}
}

// MarshalJSON implements json.Marshaller
func (le *LogEntry) MarshalJSON() ([]byte, error) {
	type entry LogEntry
	s := le.Snapshot()
	return json.Marshal((*entry)(&s))
}

// LogStore stores traffic log entries by node id.
type LogStore interface {
	Entry(id uint16) (*LogEntry, error)
	Record(id uint16, entry *LogEntry) error
	IDs() ([]uint16, error)
}

type inMemoryLogStore struct {
	entries map[uint16]*LogEntry
	mu      sync.Mutex
}

// InMemoryLogStore implements in-memory LogStore.
func InMemoryLogStore() LogStore {
	return &inMemoryLogStore{
		entries: map[uint16]*LogEntry{},
	}
}

func (s *inMemoryLogStore) Entry(id uint16) (*LogEntry, error) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no entry for node %d", id)
	}
	return entry, nil
}

func (s *inMemoryLogStore) Record(id uint16, entry *LogEntry) error {
	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return nil
}

func (s *inMemoryLogStore) IDs() ([]uint16, error) {
	s.mu.Lock()
	ids := make([]uint16, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type fileLogStore struct {
	dir string
}

// FileLogStore implements file LogStore, one JSON file per node.
func FileLogStore(dir string) (LogStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	return &fileLogStore{dir}, nil
}

func (s *fileLogStore) path(id uint16) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.log", id))
}

func (s *fileLogStore) Entry(id uint16) (*LogEntry, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	defer f.Close() // nolint:errcheck

	entry := &LogEntry{}
	if err := json.NewDecoder(f).Decode(entry); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	return entry, nil
}

func (s *fileLogStore) Record(id uint16, entry *LogEntry) error {
	f, err := os.OpenFile(s.path(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open: %s", err)
	}
	if err := json.NewEncoder(f).Encode(entry); err != nil {
		f.Close() // nolint:errcheck
		return fmt.Errorf("json: %s", err)
	}
	return f.Close()
}

func (s *fileLogStore) IDs() ([]uint16, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.log"))
	if err != nil {
		return nil, err
	}
	ids := make([]uint16, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		id, err := strconv.ParseUint(base[:len(base)-len(".log")], 10, 16)
		if err != nil {
			continue
		}
		ids = append(ids, uint16(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Meter wraps a Transport and counts its traffic per node. Sent traffic is
// accounted to the local node id, received traffic to the packet origin.
type Meter struct {
	Transport
	self  uint16
	store LogStore

	mu      sync.Mutex
	entries map[uint16]*LogEntry
}

// NewMeter wraps tr. Counters start from what store already holds.
func NewMeter(tr Transport, self uint16, store LogStore) *Meter {
	return &Meter{
		Transport: tr,
		self:      self,
		store:     store,
		entries:   make(map[uint16]*LogEntry),
	}
}

func (m *Meter) entry(id uint16) *LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e
	}
	e, err := m.store.Entry(id)
	if err != nil {
		e = new(LogEntry)
	}
	m.entries[id] = e
	return e
}

// SetSelf changes the node id that sent traffic is accounted to.
func (m *Meter) SetSelf(id uint16) {
	m.mu.Lock()
	m.self = id
	m.mu.Unlock()
}

// Send implements Transport.
func (m *Meter) Send(b *buffer.Buffer) error {
	if err := m.Transport.Send(b); err != nil {
		return err
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	m.entry(self).AddSent(uint64(b.Fill))
	return nil
}

// Receive implements Transport.
func (m *Meter) Receive(b *buffer.Buffer, timeout time.Duration) (int, error) {
	n, err := m.Transport.Receive(b, timeout)
	if err == nil && n > 0 {
		m.entry(b.Origin).AddRecv(uint64(n))
	}
	return n, err
}

// Entries returns a snapshot of all counters.
func (m *Meter) Entries() map[uint16]LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint16]LogEntry, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.Snapshot()
	}
	return out
}

// Save writes all counters to the store.
func (m *Meter) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if err := m.store.Record(id, e); err != nil {
			return errors.Wrapf(err, "record node %d", id)
		}
	}
	return nil
}

// Close saves the counters and closes the wrapped transport.
func (m *Meter) Close() error {
	saveErr := m.Save()
	if err := m.Transport.Close(); err != nil {
		return err
	}
	return saveErr
}
