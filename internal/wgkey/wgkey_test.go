package wgkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyPair(t *testing.T) {
	t.Parallel()

	kp, err := NewKeyPair()
	require.NoError(t, err)
	assert.False(t, kp.Public.IsZero())

	// Clamping per curve25519.
	assert.Zero(t, kp.Private[0]&7)
	assert.Zero(t, kp.Private[31]&128)
	assert.NotZero(t, kp.Private[31]&64)

	other, err := NewKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, other.Public)
}

func TestParsePublicRoundTrip(t *testing.T) {
	t.Parallel()

	kp, err := NewKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublic(kp.Public.String())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)
}

func TestParsePublicRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := ParsePublic("not base64!!!")
	assert.Error(t, err)

	// Valid base64, wrong length.
	_, err = ParsePublic("c2hvcnQ=")
	assert.Error(t, err)
}
