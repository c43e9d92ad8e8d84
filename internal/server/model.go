// Package server is the session authority: device and weaver registries,
// IPv6 allocation, session lifecycle, and peer-event fan-out to weavers.
package server

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"weavectl/internal/wgkey"
)

// Domain conflicts, mapped to 4xx at the HTTP boundary.
var (
	ErrDeviceNotFound  = errors.New("server: device not found")
	ErrDeviceRevoked   = errors.New("server: device is revoked")
	ErrWeaverNotFound  = errors.New("server: weaver not found")
	ErrSessionExists   = errors.New("server: session already exists for this device and weaver")
	ErrSessionNotFound = errors.New("server: session not found")
	ErrPoolExhausted   = errors.New("server: mesh address pool exhausted")
)

// Device is a registered end-user device. Device keys persist.
type Device struct {
	ID        string
	Name      string
	PublicKey wgkey.Public
	Revoked   bool
	CreatedAt time.Time
}

// Weaver is a registered compute node. Weaver keys are ephemeral, replaced
// on every registration.
type Weaver struct {
	ID             string
	Name           string
	PublicKey      wgkey.Public
	IP             netip.Addr
	Endpoint       string
	DerpHomeRegion uint16
	LastSeenAt     time.Time
}

// Session authorizes one device↔weaver tunnel. At most one session exists
// per (device, weaver) pair, and ClientIP is unique among live sessions.
type Session struct {
	ID              string
	DeviceID        string
	WeaverID        string
	ClientIP        netip.Addr
	CreatedAt       time.Time
	LastHandshakeAt time.Time
}

// legacyTimeFormat is the naive layout older rows were written with.
const legacyTimeFormat = "2006-01-02 15:04:05"

// ParseStoredTime parses a stored timestamp, tolerating both RFC3339 and
// the legacy naive format (interpreted as UTC).
func ParseStoredTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(legacyTimeFormat, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("server: unparseable stored timestamp %q", s)
}

// FormatStoredTime writes a timestamp in the current storage format.
func FormatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func parseStoredAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}
