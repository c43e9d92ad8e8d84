package peer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weavectl/internal/wgkey"
)

func newKey(t *testing.T) wgkey.Public {
	t.Helper()
	kp, err := wgkey.NewKeyPair()
	require.NoError(t, err)
	return kp.Public
}

func testConfig(key wgkey.Public) Config {
	return Config{
		PublicKey:           key,
		AllowedIPs:          []netip.Prefix{netip.MustParsePrefix("fd7a:115c:a1e0::1/128")},
		DerpRegion:          1,
		PersistentKeepalive: 25 * time.Second,
	}
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))

	st, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, key, st.PublicKey)
	assert.Equal(t, uint16(1), st.DerpRegion)
	assert.True(t, st.LastHandshake.IsZero())
}

func TestAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))

	err := m.Add(testConfig(key))
	assert.ErrorIs(t, err, ErrPeerExists)
	assert.Equal(t, 1, m.Count())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))
	require.NoError(t, m.Remove(key))

	_, ok := m.Get(key)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Remove(key), ErrPeerNotFound)
}

func TestCountTracksDistinctAddsAndRemoves(t *testing.T) {
	t.Parallel()

	m := NewManager()
	keys := make([]wgkey.Public, 5)
	for i := range keys {
		keys[i] = newKey(t)
		require.NoError(t, m.Add(testConfig(keys[i])))
	}
	assert.Equal(t, 5, m.Count())

	require.NoError(t, m.Remove(keys[0]))
	require.NoError(t, m.Remove(keys[3]))
	assert.Equal(t, 3, m.Count())

	// Failed duplicate adds and failed removes must not move the count.
	assert.Error(t, m.Add(testConfig(keys[1])))
	assert.Error(t, m.Remove(keys[0]))
	assert.Equal(t, 3, m.Count())

	assert.Len(t, m.List(), 3)
}

func TestUpdateHandshake(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))

	before := time.Now()
	m.UpdateHandshake(key)

	st, ok := m.Get(key)
	require.True(t, ok)
	assert.False(t, st.LastHandshake.Before(before))

	// Unknown key: no-op, no panic.
	m.UpdateHandshake(newKey(t))
}

func TestSetHandshake(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.SetHandshake(key, at)

	st, ok := m.Get(key)
	require.True(t, ok)
	assert.True(t, st.LastHandshake.Equal(at))

	m.SetHandshake(newKey(t), at)
}

func TestUpdateTrafficOverwritesTotals(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))

	m.UpdateTraffic(key, 100, 50)
	m.UpdateTraffic(key, 140, 90)

	st, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, int64(140), st.RxBytes)
	assert.Equal(t, int64(90), st.TxBytes)

	m.UpdateTraffic(newKey(t), 1, 1)
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	m := NewManager()
	key := newKey(t)
	require.NoError(t, m.Add(testConfig(key)))

	st, ok := m.Get(key)
	require.True(t, ok)
	st.AllowedIPs[0] = netip.MustParsePrefix("::/0")

	again, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("fd7a:115c:a1e0::1/128"), again.AllowedIPs[0])
}
