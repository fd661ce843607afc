package visor

import (
	"sync"

	"github.com/google/uuid"

	"github.com/skycoin/cyclenet/pkg/comm"
	"github.com/skycoin/cyclenet/pkg/cycle"
	"github.com/skycoin/cyclenet/pkg/wire"
)

// sessionPacker sends the node's session id as the cyclic payload.
func sessionPacker(session uuid.UUID) comm.Packer {
	return comm.PackerFunc(func(buf []byte, _ cycle.Counter) (int, error) {
		return copy(buf, session[:]), nil
	})
}

// sessionTable records the session ids received from other members.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[uint16]uuid.UUID
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[uint16]uuid.UUID)}
}

// Unpack implements comm.Unpacker.
func (t *sessionTable) Unpack(data []byte, cb wire.ControlBlock, _ uint32) error {
	id, err := uuid.FromBytes(data)
	if err != nil {
		// Application payloads from nodes with their own packer.
		return nil
	}
	t.mu.Lock()
	t.sessions[cb.SenderID] = id
	t.mu.Unlock()
	return nil
}

func (t *sessionTable) forget(id uint16) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *sessionTable) snapshot() map[uint16]uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint16]uuid.UUID, len(t.sessions))
	for id, s := range t.sessions {
		out[id] = s
	}
	return out
}
