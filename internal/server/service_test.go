package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weavectl/internal/api"
	"weavectl/internal/derpmap"
	"weavectl/internal/wgkey"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	alloc, err := NewIPAllocator(netip.MustParsePrefix("fd7a:115c:a1e0::/64"))
	require.NoError(t, err)
	derp := NewDerpSource("http://127.0.0.1:0/unreachable", nil, nil, nil)
	return NewService(NewMemoryRepository(), alloc, NewHub(nil), derp, nil, nil)
}

func newPublicKey(t *testing.T) string {
	t.Helper()
	kp, err := wgkey.NewKeyPair()
	require.NoError(t, err)
	return kp.Public.String()
}

func registerPair(t *testing.T, svc *Service) (Device, Weaver) {
	t.Helper()
	d, err := svc.RegisterDevice("laptop", newPublicKey(t))
	require.NoError(t, err)
	w, err := svc.RegisterWeaver(api.RegisterWeaverRequest{Name: "w1", PublicKey: newPublicKey(t)})
	require.NoError(t, err)
	return d, w
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)

	res, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, res.Session.DeviceID)
	assert.Equal(t, w.ID, res.Session.WeaverID)
	assert.True(t, netip.MustParsePrefix("fd7a:115c:a1e0::/64").Contains(res.Session.ClientIP))
	assert.NotEqual(t, w.IP, res.Session.ClientIP)
	assert.Equal(t, w.PublicKey, res.Weaver.PublicKey)
	require.NotNil(t, res.DerpMap)
}

func TestCreateSessionUnknownDevice(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	_, w := registerPair(t, svc)

	_, err := svc.Create("no-such-device", w.ID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestCreateSessionRevokedDevice(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)
	require.NoError(t, svc.RevokeDevice(d.ID))

	_, err := svc.Create(d.ID, w.ID)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestCreateSessionUnknownWeaver(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, _ := registerPair(t, svc)

	_, err := svc.Create(d.ID, "no-such-weaver")
	assert.ErrorIs(t, err, ErrWeaverNotFound)
}

func TestCreateSessionDuplicatePair(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)

	_, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)
	_, err = svc.Create(d.ID, w.ID)
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Len(t, svc.ListSessions(), 1)
}

func TestCreateSessionPushesPeerAdded(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)

	ch, detach := svc.Hub().Attach(w.ID)
	defer detach()

	res, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, api.EventPeerAdded, ev.Type)
	assert.Equal(t, d.PublicKey.String(), ev.PublicKey)
	assert.Equal(t, res.Session.ClientIP.String()+"/128", ev.AllowedIP)
	assert.Equal(t, res.Session.ID, ev.SessionID)
}

func TestTerminatePushesPeerRemovedAndFreesAddress(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)
	res, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)

	ch, detach := svc.Hub().Attach(w.ID)
	defer detach()

	require.NoError(t, svc.Terminate(res.Session.ID))

	ev := <-ch
	assert.Equal(t, api.EventPeerRemoved, ev.Type)
	assert.Equal(t, d.PublicKey.String(), ev.PublicKey)
	assert.Equal(t, res.Session.ID, ev.SessionID)

	_, err = svc.Get(res.Session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The released address is available again.
	res2, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ClientIP, res2.Session.ClientIP)
}

func TestTerminateUnknownSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	assert.ErrorIs(t, svc.Terminate("no-such-session"), ErrSessionNotFound)
}

func TestRevokeDeviceTerminatesSessions(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)
	_, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeDevice(d.ID))
	assert.Empty(t, svc.ListForDevice(d.ID))
}

func TestUnregisterWeaverTerminatesSessions(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, w := registerPair(t, svc)
	_, err := svc.Create(d.ID, w.ID)
	require.NoError(t, err)

	require.NoError(t, svc.UnregisterWeaver(w.ID))
	_, err = svc.GetWeaver(w.ID)
	assert.ErrorIs(t, err, ErrWeaverNotFound)
	assert.Empty(t, svc.ListSessions())
	assert.Equal(t, 0, svc.alloc.InUse())
}

func TestRegisterDeviceRejectsBadKey(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	_, err := svc.RegisterDevice("laptop", "not-a-key")
	assert.Error(t, err)
}

func TestSessionIPsDistinctAcrossWeavers(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	d, err := svc.RegisterDevice("laptop", newPublicKey(t))
	require.NoError(t, err)

	seen := make(map[netip.Addr]bool)
	for i := 0; i < 10; i++ {
		w, err := svc.RegisterWeaver(api.RegisterWeaverRequest{Name: "w", PublicKey: newPublicKey(t)})
		require.NoError(t, err)
		require.False(t, seen[w.IP])
		seen[w.IP] = true

		res, err := svc.Create(d.ID, w.ID)
		require.NoError(t, err)
		require.False(t, seen[res.Session.ClientIP])
		seen[res.Session.ClientIP] = true
	}
}

func TestDerpMapNeverNil(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	m := svc.DerpMap()
	require.NotNil(t, m)
	assert.NotNil(t, m.Regions)
	_ = derpmap.Apply(m, nil)
}
