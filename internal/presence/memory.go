package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/chatwire/chatwire/internal/protocol"
)

type entry struct {
	username string
	peers    map[string]struct{}
}

// Memory is a process-local Registry.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*entry
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{users: make(map[string]*entry)}
}

func (m *Memory) Bind(_ context.Context, userID, username, peerID string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[userID]
	if !ok {
		e = &entry{peers: make(map[string]struct{})}
		m.users[userID] = e
	}
	if username != "" {
		e.username = username
	}
	e.peers[peerID] = struct{}{}
	return nil
}

func (m *Memory) Unbind(_ context.Context, userID, peerID string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[userID]
	if !ok {
		return 0, nil
	}
	delete(e.peers, peerID)
	if len(e.peers) == 0 {
		delete(m.users, userID)
		return 0, nil
	}
	return len(e.peers), nil
}

func (m *Memory) Peers(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(e.peers))
	for id := range e.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Online(_ context.Context) ([]protocol.UserPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.UserPresence, 0, len(m.users))
	for id, e := range m.users {
		out = append(out, protocol.UserPresence{UserID: id, Username: e.username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
