// Package peer holds the in-memory table of active encrypted peers.
//
// The table is the single source of truth shared by the control loop
// (which mutates it) and the data-plane transport (which consults it).
package peer

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"weavectl/internal/wgkey"
)

var (
	// ErrPeerExists is returned by Add for a key already in the table;
	// there is no implicit replace.
	ErrPeerExists = errors.New("peer: public key already present")
	// ErrPeerNotFound is returned by Remove for an unknown key.
	ErrPeerNotFound = errors.New("peer: public key not found")
)

// Config is the desired state for one peer.
type Config struct {
	PublicKey           wgkey.Public
	AllowedIPs          []netip.Prefix
	Endpoint            netip.AddrPort // zero if no direct path is known
	DerpRegion          uint16         // 0 if no relay fallback
	PersistentKeepalive time.Duration
}

// State is a peer's config plus its runtime counters.
type State struct {
	Config
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// Manager is a lock-guarded peer table keyed by public key. Concurrent
// readers, exclusive writers.
type Manager struct {
	mu    sync.RWMutex
	peers map[wgkey.Public]*State
}

// NewManager returns an empty table.
func NewManager() *Manager {
	return &Manager{peers: make(map[wgkey.Public]*State)}
}

// Add inserts a new peer. Duplicate keys are rejected.
func (m *Manager) Add(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[cfg.PublicKey]; ok {
		return ErrPeerExists
	}
	m.peers[cfg.PublicKey] = &State{Config: cloneConfig(cfg)}
	return nil
}

// Remove deletes a peer.
func (m *Manager) Remove(key wgkey.Public) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[key]; !ok {
		return ErrPeerNotFound
	}
	delete(m.peers, key)
	return nil
}

// Get returns a copy of the peer's state.
func (m *Manager) Get(key wgkey.Public) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.peers[key]
	if !ok {
		return State{}, false
	}
	return cloneState(st), true
}

// List returns a snapshot of all peers.
func (m *Manager) List() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.peers))
	for _, st := range m.peers {
		out = append(out, cloneState(st))
	}
	return out
}

// Count returns the number of peers in the table.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// UpdateHandshake records a completed handshake now. Unknown keys are a
// no-op: the transport may report a peer the control loop just removed.
func (m *Manager) UpdateHandshake(key wgkey.Public) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[key]; ok {
		st.LastHandshake = time.Now()
	}
}

// SetHandshake records a handshake observed at t, as reported by the
// transport. Unknown keys are a no-op.
func (m *Manager) SetHandshake(key wgkey.Public, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[key]; ok {
		st.LastHandshake = t
	}
}

// UpdateTraffic overwrites the peer's cumulative byte counters. The values
// are totals reported by the transport, not deltas. Unknown keys are a
// no-op.
func (m *Manager) UpdateTraffic(key wgkey.Public, rx, tx int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[key]; ok {
		st.RxBytes = rx
		st.TxBytes = tx
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.AllowedIPs = append([]netip.Prefix(nil), cfg.AllowedIPs...)
	return out
}

func cloneState(st *State) State {
	out := *st
	out.Config = cloneConfig(st.Config)
	return out
}
