package stunutil

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// fakeServer answers binding requests on its socket. If spoof is non-nil,
// the response is sent from that socket instead of the queried one.
func fakeServer(t *testing.T, spoof *net.UDPConn) *net.UDPConn {
	t.Helper()
	conn := newUDPConn(t)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, src, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			req := new(stun.Message)
			req.Raw = append([]byte(nil), buf[:n]...)
			if err := req.Decode(); err != nil {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: src.Addr().AsSlice(), Port: int(src.Port())},
			)
			if err != nil {
				continue
			}
			out := conn
			if spoof != nil {
				out = spoof
			}
			_, _ = out.WriteToUDPAddrPort(res.Raw, src)
		}
	}()
	return conn
}

func TestDiscoverEndpoint(t *testing.T) {
	t.Parallel()

	server := fakeServer(t, nil)
	client := newUDPConn(t)

	got, err := DiscoverEndpoint(context.Background(), client, []string{server.LocalAddr().String()}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).AddrPort().Port(), got.Port())
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), got.Addr())
}

func TestDiscoverEndpointNoServers(t *testing.T) {
	t.Parallel()

	client := newUDPConn(t)
	_, err := DiscoverEndpoint(context.Background(), client, nil, time.Second)
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestDiscoverEndpointTimeout(t *testing.T) {
	t.Parallel()

	// A bound socket that never answers.
	silent := newUDPConn(t)
	client := newUDPConn(t)

	_, err := DiscoverEndpoint(context.Background(), client, []string{silent.LocalAddr().String()}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDiscoverEndpointRejectsSpoofedSource(t *testing.T) {
	t.Parallel()

	spoofer := newUDPConn(t)
	server := fakeServer(t, spoofer)
	client := newUDPConn(t)

	// The only response comes from the wrong source address, so discovery
	// must not accept it.
	_, err := DiscoverEndpoint(context.Background(), client, []string{server.LocalAddr().String()}, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDiscoverEndpointTriesNextServer(t *testing.T) {
	t.Parallel()

	silent := newUDPConn(t)
	server := fakeServer(t, nil)
	client := newUDPConn(t)

	servers := []string{silent.LocalAddr().String(), server.LocalAddr().String()}
	got, err := DiscoverEndpoint(context.Background(), client, servers, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, got.IsValid())
}

func TestXORMappedAddressRoundTrip(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddrPort("203.0.113.1:12345")
	msg, err := stun.Build(stun.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: want.Addr().AsSlice(), Port: int(want.Port())})
	require.NoError(t, err)

	decoded := new(stun.Message)
	decoded.Raw = append([]byte(nil), msg.Raw...)
	require.NoError(t, decoded.Decode())

	var xor stun.XORMappedAddress
	require.NoError(t, xor.GetFrom(decoded))

	got, err := toAddrPort(xor.IP, xor.Port)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestXORMappedAddressRoundTripIPv6(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddrPort("[2001:db8::1]:443")
	msg, err := stun.Build(stun.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: want.Addr().AsSlice(), Port: int(want.Port())})
	require.NoError(t, err)

	decoded := new(stun.Message)
	decoded.Raw = append([]byte(nil), msg.Raw...)
	require.NoError(t, decoded.Decode())

	var xor stun.XORMappedAddress
	require.NoError(t, xor.GetFrom(decoded))

	got, err := toAddrPort(xor.IP, xor.Port)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	a := netip.MustParseAddrPort("198.51.100.1:4000")
	b := netip.MustParseAddrPort("198.51.100.1:4001")

	assert.Equal(t, NATTypeUnknown, Classify(nil))
	assert.Equal(t, NATTypeUnknown, Classify([]netip.AddrPort{a}))
	assert.Equal(t, NATTypeConeOrRestricted, Classify([]netip.AddrPort{a, a}))
	assert.Equal(t, NATTypeSymmetric, Classify([]netip.AddrPort{a, b}))
}
