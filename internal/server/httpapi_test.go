package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weavectl/internal/api"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *api.Client) {
	t.Helper()

	alloc, err := NewIPAllocator(netip.MustParsePrefix("fd7a:115c:a1e0::/64"))
	require.NoError(t, err)
	derp := NewDerpSource("http://127.0.0.1:0/unreachable", nil, nil, nil)
	reg := prometheus.NewRegistry()
	svc := NewService(NewMemoryRepository(), alloc, NewHub(nil), derp, NewMetrics(reg), nil)
	hs := NewHTTPServer(svc, testToken, ":0", time.Hour, reg, nil)

	ts := httptest.NewServer(hs.Router())
	t.Cleanup(ts.Close)

	client, err := api.NewClient(ts.URL, testToken, api.Options{Insecure: true, HTTPClient: ts.Client()})
	require.NoError(t, err)
	return ts, client
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	res, err := ts.Client().Get(ts.URL + "/api/wg/devices")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	bad, err := api.NewClient(ts.URL, "wrong-token", api.Options{Insecure: true})
	require.NoError(t, err)
	_, err = bad.ListDevices(context.Background())
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	ctx := context.Background()

	device, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{
		Name:      "laptop",
		PublicKey: newPublicKey(t),
	})
	require.NoError(t, err)

	weaver, err := client.RegisterWeaver(ctx, api.RegisterWeaverRequest{
		Name:      "w1",
		PublicKey: newPublicKey(t),
	})
	require.NoError(t, err)
	require.NotNil(t, weaver.DerpMap)

	stream, err := client.Events(ctx, weaver.WeaverID)
	require.NoError(t, err)
	defer stream.Close()

	sess, err := client.CreateSession(ctx, api.CreateSessionRequest{
		DeviceID: device.ID,
		WeaverID: weaver.WeaverID,
	})
	require.NoError(t, err)
	clientIP := netip.MustParseAddr(sess.ClientIP)
	assert.True(t, netip.MustParsePrefix("fd7a:115c:a1e0::/64").Contains(clientIP))
	assert.NotEqual(t, weaver.IP, sess.ClientIP)

	evCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := stream.Next(evCtx)
	require.NoError(t, err)
	assert.Equal(t, api.EventPeerAdded, ev.Type)
	assert.Equal(t, device.PublicKey, ev.PublicKey)
	assert.Equal(t, sess.ClientIP+"/128", ev.AllowedIP)
	assert.Equal(t, sess.SessionID, ev.SessionID)

	listed, err := client.ListWeaverSessions(ctx, weaver.WeaverID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, sess.SessionID, listed[0].ID)

	require.NoError(t, client.DeleteSession(ctx, sess.SessionID))

	ev, err = stream.Next(evCtx)
	require.NoError(t, err)
	assert.Equal(t, api.EventPeerRemoved, ev.Type)
	assert.Equal(t, sess.SessionID, ev.SessionID)

	listed, err = client.ListWeaverSessions(ctx, weaver.WeaverID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestDuplicateSessionConflictOverHTTP(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	ctx := context.Background()

	device, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{Name: "d", PublicKey: newPublicKey(t)})
	require.NoError(t, err)
	weaver, err := client.RegisterWeaver(ctx, api.RegisterWeaverRequest{Name: "w", PublicKey: newPublicKey(t)})
	require.NoError(t, err)

	req := api.CreateSessionRequest{DeviceID: device.ID, WeaverID: weaver.WeaverID}
	_, err = client.CreateSession(ctx, req)
	require.NoError(t, err)

	_, err = client.CreateSession(ctx, req)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestRevokedDeviceConflictOverHTTP(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	ctx := context.Background()

	device, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{Name: "d", PublicKey: newPublicKey(t)})
	require.NoError(t, err)
	weaver, err := client.RegisterWeaver(ctx, api.RegisterWeaverRequest{Name: "w", PublicKey: newPublicKey(t)})
	require.NoError(t, err)
	require.NoError(t, client.RevokeDevice(ctx, device.ID))

	_, err = client.CreateSession(ctx, api.CreateSessionRequest{DeviceID: device.ID, WeaverID: weaver.WeaverID})
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestUnknownDeviceNotFoundOverHTTP(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	ctx := context.Background()

	weaver, err := client.RegisterWeaver(ctx, api.RegisterWeaverRequest{Name: "w", PublicKey: newPublicKey(t)})
	require.NoError(t, err)

	_, err = client.CreateSession(ctx, api.CreateSessionRequest{DeviceID: "absent", WeaverID: weaver.WeaverID})
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHeartbeatUpdatesEndpoint(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	ctx := context.Background()

	weaver, err := client.RegisterWeaver(ctx, api.RegisterWeaverRequest{Name: "w", PublicKey: newPublicKey(t)})
	require.NoError(t, err)

	require.NoError(t, client.Heartbeat(ctx, weaver.WeaverID, api.HeartbeatRequest{Endpoint: "203.0.113.9:51820"}))
	assert.ErrorContains(t, client.Heartbeat(ctx, "absent", api.HeartbeatRequest{}), "404")
}

func TestSessionHandshakeOverHTTP(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	ctx := context.Background()

	device, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{Name: "d", PublicKey: newPublicKey(t)})
	require.NoError(t, err)
	weaver, err := client.RegisterWeaver(ctx, api.RegisterWeaverRequest{Name: "w", PublicKey: newPublicKey(t)})
	require.NoError(t, err)
	sess, err := client.CreateSession(ctx, api.CreateSessionRequest{DeviceID: device.ID, WeaverID: weaver.WeaverID})
	require.NoError(t, err)

	require.NoError(t, client.MarkSessionHandshake(ctx, sess.SessionID))

	listed, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.False(t, listed[0].LastHandshakeAt.IsZero())

	err = client.MarkSessionHandshake(ctx, "absent")
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestDerpMapEndpoint(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t)
	m, err := client.DerpMap(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotNil(t, m.Regions)
}

func TestMetricsEndpointUnauthenticated(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	res, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
