package api

import (
	"fmt"
	"time"

	"weavectl/internal/derpmap"
)

// Device is a registered end-user device.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a live device↔weaver tunnel authorization.
type Session struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	WeaverID        string    `json:"weaver_id"`
	ClientIP        string    `json:"client_ip"`
	CreatedAt       time.Time `json:"created_at"`
	LastHandshakeAt time.Time `json:"last_handshake_at,omitempty"`
}

// RegisterDeviceRequest registers a device public key.
type RegisterDeviceRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// CreateSessionRequest asks for a tunnel between a device and a weaver.
type CreateSessionRequest struct {
	WeaverID string `json:"weaver_id"`
	DeviceID string `json:"device_id"`
}

// WeaverInfo is the weaver half of a session create response.
type WeaverInfo struct {
	PublicKey      string `json:"public_key"`
	IP             string `json:"ip"`
	DerpHomeRegion uint16 `json:"derp_home_region"`
}

// CreateSessionResponse returns everything a device needs to bring the
// tunnel up in one round trip.
type CreateSessionResponse struct {
	SessionID string       `json:"session_id"`
	ClientIP  string       `json:"client_ip"`
	Weaver    WeaverInfo   `json:"weaver"`
	DerpMap   *derpmap.Map `json:"derp_map"`
}

// RegisterWeaverRequest announces a weaver's ephemeral key to the server.
type RegisterWeaverRequest struct {
	Name           string `json:"name"`
	PublicKey      string `json:"public_key"`
	Endpoint       string `json:"endpoint,omitempty"`
	DerpHomeRegion uint16 `json:"derp_home_region,omitempty"`
}

// RegisterWeaverResponse carries the weaver's assigned mesh address and the
// current relay map.
type RegisterWeaverResponse struct {
	WeaverID string       `json:"weaver_id"`
	IP       string       `json:"ip"`
	DerpMap  *derpmap.Map `json:"derp_map"`
}

// HeartbeatRequest refreshes weaver liveness; the endpoint is re-announced
// when STUN learns a new mapping.
type HeartbeatRequest struct {
	Endpoint string `json:"endpoint,omitempty"`
}

// PeerEvent types pushed server→weaver over the control WebSocket.
const (
	EventPeerAdded   = "peer_added"
	EventPeerRemoved = "peer_removed"
)

// PeerEvent tells a weaver to reconcile one peer.
type PeerEvent struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	AllowedIP string `json:"allowed_ip,omitempty"`
	SessionID string `json:"session_id"`
}

// APIError is a non-2xx server response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: server returned status %d", e.Status)
	}
	return fmt.Sprintf("api: server returned status %d: %s", e.Status, e.Message)
}
