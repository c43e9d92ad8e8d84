// Package wgkey holds the curve25519 key pairs that identify mesh members.
//
// The public key is the stable, mesh-wide identity of a device or weaver.
// Weaver keys are ephemeral (a fresh pair per process boot); device keys
// persist in the device's config file.
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Size is the byte length of both private and public keys.
const Size = 32

// Public is a curve25519 public key.
type Public [Size]byte

// Private is a curve25519 private key.
type Private [Size]byte

// KeyPair is a private key and its derived public key.
type KeyPair struct {
	Private Private
	Public  Public
}

// NewKeyPair generates a fresh key pair from crypto/rand.
func NewKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("wgkey: generate private key: %w", err)
	}
	// Standard curve25519 clamping.
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("wgkey: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// String returns the standard base64 form used on the wire and in configs.
func (k Public) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is all zeros.
func (k Public) IsZero() bool {
	return k == Public{}
}

// ParsePublic parses a base64-encoded public key.
func ParsePublic(s string) (Public, error) {
	var k Public
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("wgkey: decode public key: %w", err)
	}
	if len(raw) != Size {
		return k, fmt.Errorf("wgkey: public key is %d bytes, want %d", len(raw), Size)
	}
	copy(k[:], raw)
	return k, nil
}

// String returns the base64 form of the private key.
func (k Private) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}
