package server

import (
	"sort"
	"sync"
)

// Repository is the durable-storage boundary. The in-memory implementation
// below is the default; uniqueness of concurrent writes is its
// responsibility, not the session service's.
type Repository interface {
	CreateDevice(Device) error
	GetDevice(id string) (Device, error)
	ListDevices() []Device
	RevokeDevice(id string) error

	CreateWeaver(Weaver) error
	GetWeaver(id string) (Weaver, error)
	ListWeavers() []Weaver
	DeleteWeaver(id string) error
	TouchWeaver(id, endpoint string) error

	CreateSession(Session) error
	GetSession(id string) (Session, error)
	// GetSessionByPair reports whether a session exists for the pair.
	GetSessionByPair(deviceID, weaverID string) (Session, bool)
	// DeleteSession returns the number of rows removed (0 or 1).
	DeleteSession(id string) int
	ListSessions() []Session
	ListSessionsForDevice(deviceID string) []Session
	ListSessionsForWeaver(weaverID string) []Session
	UpdateSessionHandshake(id string) error
}

// sessionRow is the stored form of a Session. Timestamps are kept as
// strings because older deployments wrote the legacy naive format; they
// are parsed on the way out.
type sessionRow struct {
	ID              string
	DeviceID        string
	WeaverID        string
	ClientIP        string
	CreatedAt       string
	LastHandshakeAt string
}

// MemoryRepository is a mutex-guarded in-process Repository.
type MemoryRepository struct {
	mu       sync.Mutex
	devices  map[string]Device
	weavers  map[string]Weaver
	sessions map[string]sessionRow
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		devices:  make(map[string]Device),
		weavers:  make(map[string]Weaver),
		sessions: make(map[string]sessionRow),
	}
}

func (r *MemoryRepository) CreateDevice(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
	return nil
}

func (r *MemoryRepository) GetDevice(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

func (r *MemoryRepository) ListDevices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) RevokeDevice(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Revoked = true
	r.devices[id] = d
	return nil
}

func (r *MemoryRepository) CreateWeaver(w Weaver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weavers[w.ID] = w
	return nil
}

func (r *MemoryRepository) GetWeaver(id string) (Weaver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.weavers[id]
	if !ok {
		return Weaver{}, ErrWeaverNotFound
	}
	return w, nil
}

func (r *MemoryRepository) ListWeavers() []Weaver {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Weaver, 0, len(r.weavers))
	for _, w := range r.weavers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *MemoryRepository) DeleteWeaver(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.weavers[id]; !ok {
		return ErrWeaverNotFound
	}
	delete(r.weavers, id)
	return nil
}

func (r *MemoryRepository) TouchWeaver(id, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.weavers[id]
	if !ok {
		return ErrWeaverNotFound
	}
	w.LastSeenAt = nowUTC()
	if endpoint != "" {
		w.Endpoint = endpoint
	}
	r.weavers[id] = w
	return nil
}

func (r *MemoryRepository) CreateSession(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = sessionRow{
		ID:              s.ID,
		DeviceID:        s.DeviceID,
		WeaverID:        s.WeaverID,
		ClientIP:        s.ClientIP.String(),
		CreatedAt:       FormatStoredTime(s.CreatedAt),
		LastHandshakeAt: FormatStoredTime(s.LastHandshakeAt),
	}
	return nil
}

func (r *MemoryRepository) GetSession(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return rowToSession(row)
}

func (r *MemoryRepository) GetSessionByPair(deviceID, weaverID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.sessions {
		if row.DeviceID == deviceID && row.WeaverID == weaverID {
			s, err := rowToSession(row)
			return s, err == nil
		}
	}
	return Session{}, false
}

func (r *MemoryRepository) DeleteSession(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return 0
	}
	delete(r.sessions, id)
	return 1
}

func (r *MemoryRepository) ListSessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(sessionRow) bool { return true })
}

func (r *MemoryRepository) ListSessionsForDevice(deviceID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(row sessionRow) bool { return row.DeviceID == deviceID })
}

func (r *MemoryRepository) ListSessionsForWeaver(weaverID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(row sessionRow) bool { return row.WeaverID == weaverID })
}

func (r *MemoryRepository) UpdateSessionHandshake(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	row.LastHandshakeAt = FormatStoredTime(nowUTC())
	r.sessions[id] = row
	return nil
}

// collect is called with r.mu held.
func (r *MemoryRepository) collect(keep func(sessionRow) bool) []Session {
	out := make([]Session, 0, len(r.sessions))
	for _, row := range r.sessions {
		if !keep(row) {
			continue
		}
		s, err := rowToSession(row)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func rowToSession(row sessionRow) (Session, error) {
	createdAt, err := ParseStoredTime(row.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	handshakeAt, err := ParseStoredTime(row.LastHandshakeAt)
	if err != nil {
		return Session{}, err
	}
	ip, err := parseStoredAddr(row.ClientIP)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:              row.ID,
		DeviceID:        row.DeviceID,
		WeaverID:        row.WeaverID,
		ClientIP:        ip,
		CreatedAt:       createdAt,
		LastHandshakeAt: handshakeAt,
	}, nil
}
