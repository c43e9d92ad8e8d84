package server

import (
	"net/netip"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weavectl/internal/api"
	"weavectl/internal/derpmap"
	"weavectl/internal/wgkey"
)

// Service is the session authority. It holds no locks of its own: the
// repository and allocator serialize concurrent writes.
type Service struct {
	repo    Repository
	alloc   *IPAllocator
	hub     *Hub
	derp    *DerpSource
	log     *zap.Logger
	metrics *Metrics
}

// NewService wires the session authority. hub is injected so event
// fan-out is owned here rather than by a global registry.
func NewService(repo Repository, alloc *IPAllocator, hub *Hub, derp *DerpSource, metrics *Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{repo: repo, alloc: alloc, hub: hub, derp: derp, log: log, metrics: metrics}
}

// RegisterDevice stores a device public key and returns the record.
func (s *Service) RegisterDevice(name, publicKey string) (Device, error) {
	key, err := wgkey.ParsePublic(publicKey)
	if err != nil {
		return Device{}, err
	}
	d := Device{
		ID:        uuid.NewString(),
		Name:      name,
		PublicKey: key,
		CreatedAt: nowUTC(),
	}
	if err := s.repo.CreateDevice(d); err != nil {
		return Device{}, err
	}
	s.log.Info("device registered", zap.String("device_id", d.ID), zap.String("name", name))
	return d, nil
}

// ListDevices returns all devices.
func (s *Service) ListDevices() []Device { return s.repo.ListDevices() }

// RevokeDevice marks a device revoked and terminates its live sessions.
func (s *Service) RevokeDevice(id string) error {
	if err := s.repo.RevokeDevice(id); err != nil {
		return err
	}
	for _, sess := range s.repo.ListSessionsForDevice(id) {
		if err := s.Terminate(sess.ID); err != nil {
			s.log.Warn("terminating session of revoked device failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	s.log.Info("device revoked", zap.String("device_id", id))
	return nil
}

// RegisterWeaver records a weaver's ephemeral key, allocates its mesh
// address, and returns the current relay map.
func (s *Service) RegisterWeaver(req api.RegisterWeaverRequest) (Weaver, error) {
	key, err := wgkey.ParsePublic(req.PublicKey)
	if err != nil {
		return Weaver{}, err
	}
	id := uuid.NewString()
	ip, err := s.alloc.Allocate("weaver/" + id)
	if err != nil {
		return Weaver{}, err
	}
	w := Weaver{
		ID:             id,
		Name:           req.Name,
		PublicKey:      key,
		IP:             ip,
		Endpoint:       req.Endpoint,
		DerpHomeRegion: req.DerpHomeRegion,
		LastSeenAt:     nowUTC(),
	}
	if err := s.repo.CreateWeaver(w); err != nil {
		s.alloc.Release(ip)
		return Weaver{}, err
	}
	s.metrics.AddressesInUse.Set(float64(s.alloc.InUse()))
	s.log.Info("weaver registered",
		zap.String("weaver_id", id),
		zap.String("name", req.Name),
		zap.String("ip", ip.String()))
	return w, nil
}

// UnregisterWeaver terminates the weaver's sessions and frees its address.
func (s *Service) UnregisterWeaver(id string) error {
	w, err := s.repo.GetWeaver(id)
	if err != nil {
		return err
	}
	for _, sess := range s.repo.ListSessionsForWeaver(id) {
		if err := s.Terminate(sess.ID); err != nil {
			s.log.Warn("terminating session of departing weaver failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if err := s.repo.DeleteWeaver(id); err != nil {
		return err
	}
	s.alloc.Release(w.IP)
	s.metrics.AddressesInUse.Set(float64(s.alloc.InUse()))
	s.log.Info("weaver unregistered", zap.String("weaver_id", id))
	return nil
}

// HeartbeatWeaver refreshes weaver liveness.
func (s *Service) HeartbeatWeaver(id, endpoint string) error {
	return s.repo.TouchWeaver(id, endpoint)
}

// GetWeaver loads one weaver.
func (s *Service) GetWeaver(id string) (Weaver, error) { return s.repo.GetWeaver(id) }

// ListWeavers returns all weavers.
func (s *Service) ListWeavers() []Weaver { return s.repo.ListWeavers() }

// CreateResult is everything Create returns in one round trip.
type CreateResult struct {
	Session Session
	Weaver  Weaver
	DerpMap *derpmap.Map
}

// Create authorizes a device↔weaver session: allocates the client's mesh
// address and pushes PeerAdded to the weaver's control connection.
func (s *Service) Create(deviceID, weaverID string) (CreateResult, error) {
	device, err := s.repo.GetDevice(deviceID)
	if err != nil {
		return CreateResult{}, err
	}
	if device.Revoked {
		return CreateResult{}, ErrDeviceRevoked
	}
	weaver, err := s.repo.GetWeaver(weaverID)
	if err != nil {
		return CreateResult{}, err
	}
	if _, exists := s.repo.GetSessionByPair(deviceID, weaverID); exists {
		return CreateResult{}, ErrSessionExists
	}

	id := uuid.NewString()
	ip, err := s.alloc.Allocate("session/" + id)
	if err != nil {
		return CreateResult{}, err
	}
	sess := Session{
		ID:        id,
		DeviceID:  deviceID,
		WeaverID:  weaverID,
		ClientIP:  ip,
		CreatedAt: nowUTC(),
	}
	if err := s.repo.CreateSession(sess); err != nil {
		s.alloc.Release(ip)
		return CreateResult{}, err
	}

	s.publish(weaverID, api.PeerEvent{
		Type:      api.EventPeerAdded,
		PublicKey: device.PublicKey.String(),
		AllowedIP: hostPrefix(ip).String(),
		SessionID: id,
	})
	s.metrics.SessionsCreated.Inc()
	s.metrics.SessionsActive.Inc()
	s.metrics.AddressesInUse.Set(float64(s.alloc.InUse()))
	s.log.Info("session created",
		zap.String("session_id", id),
		zap.String("device_id", deviceID),
		zap.String("weaver_id", weaverID),
		zap.String("client_ip", ip.String()))

	return CreateResult{Session: sess, Weaver: weaver, DerpMap: s.derp.Current()}, nil
}

// Terminate releases the session's address, deletes the row, and pushes
// PeerRemoved best-effort. Notify failure never rolls back the release or
// the delete; the weaver's own resync covers a lost event.
func (s *Service) Terminate(id string) error {
	sess, err := s.repo.GetSession(id)
	if err != nil {
		return err
	}
	device, deviceErr := s.repo.GetDevice(sess.DeviceID)

	s.alloc.Release(sess.ClientIP)
	if rows := s.repo.DeleteSession(id); rows == 0 {
		// Lost a race with a concurrent terminate; the address release
		// above was already idempotent.
		s.log.Debug("session already deleted", zap.String("session_id", id))
		return nil
	}

	if deviceErr == nil {
		s.publish(sess.WeaverID, api.PeerEvent{
			Type:      api.EventPeerRemoved,
			PublicKey: device.PublicKey.String(),
			SessionID: id,
		})
	}
	s.metrics.SessionsTerminated.Inc()
	s.metrics.SessionsActive.Dec()
	s.metrics.AddressesInUse.Set(float64(s.alloc.InUse()))
	s.log.Info("session terminated", zap.String("session_id", id))
	return nil
}

// Get loads one session.
func (s *Service) Get(id string) (Session, error) { return s.repo.GetSession(id) }

// ListSessions returns all sessions.
func (s *Service) ListSessions() []Session { return s.repo.ListSessions() }

// ListForDevice returns a device's sessions.
func (s *Service) ListForDevice(deviceID string) []Session {
	return s.repo.ListSessionsForDevice(deviceID)
}

// ListForWeaver returns a weaver's sessions.
func (s *Service) ListForWeaver(weaverID string) []Session {
	return s.repo.ListSessionsForWeaver(weaverID)
}

// UpdateHandshake records tunnel liveness for a session.
func (s *Service) UpdateHandshake(id string) error {
	return s.repo.UpdateSessionHandshake(id)
}

// DerpMap returns the current merged relay map.
func (s *Service) DerpMap() *derpmap.Map { return s.derp.Current() }

// Hub exposes the event hub to the transport layer.
func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) publish(weaverID string, ev api.PeerEvent) {
	s.hub.Publish(weaverID, ev)
	s.metrics.PeerEvents.WithLabelValues(ev.Type).Inc()
}

func hostPrefix(ip netip.Addr) netip.Prefix {
	return netip.PrefixFrom(ip, ip.BitLen())
}

// SessionResponse converts a domain session to its wire form.
func SessionResponse(s Session) api.Session {
	return api.Session{
		ID:              s.ID,
		DeviceID:        s.DeviceID,
		WeaverID:        s.WeaverID,
		ClientIP:        s.ClientIP.String(),
		CreatedAt:       s.CreatedAt,
		LastHandshakeAt: s.LastHandshakeAt,
	}
}

// DeviceResponse converts a domain device to its wire form.
func DeviceResponse(d Device) api.Device {
	return api.Device{
		ID:        d.ID,
		Name:      d.Name,
		PublicKey: d.PublicKey.String(),
		Revoked:   d.Revoked,
		CreatedAt: d.CreatedAt,
	}
}
