// Package stunutil discovers a node's externally visible UDP endpoint.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
)

// DefaultTimeout bounds the wait for a single server's binding response.
const DefaultTimeout = 3 * time.Second

// DefaultServers are queried when the config lists none.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

var (
	// ErrNoServers means the server list was empty.
	ErrNoServers = errors.New("stunutil: no STUN servers provided")
	// ErrTimeout means every server was tried without a usable response.
	ErrTimeout = errors.New("stunutil: no binding response from any server")
)

// NAT classification from mapped addresses observed across servers.
const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// DiscoverEndpoint sends one binding request per server over conn and
// returns the first mapped address extracted from a matching response.
//
// A response is accepted only if its transaction id matches the request and
// it arrives from the queried server's address, so an off-path host cannot
// spoof the mapping. XOR-MAPPED-ADDRESS is preferred, MAPPED-ADDRESS is the
// fallback. One-shot: the server list is walked once; callers needing
// freshness re-invoke periodically.
func DiscoverEndpoint(ctx context.Context, conn *net.UDPConn, servers []string, timeout time.Duration) (netip.AddrPort, error) {
	if len(servers) == 0 {
		return netip.AddrPort{}, ErrNoServers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, err
		}
		addr, err := queryServer(conn, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	if lastErr != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: last error: %v", ErrTimeout, lastErr)
	}
	return netip.AddrPort{}, ErrTimeout
}

// Classify infers the NAT type from mapped addresses observed via multiple
// servers: differing mappings indicate a symmetric NAT.
func Classify(addrs []netip.AddrPort) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func queryServer(conn *net.UDPConn, server string, timeout time.Duration) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", server, err)
	}
	serverAddr := raddr.AddrPort()
	// Unmap 4-in-6 addresses so sends over an IPv4-only socket work.
	serverAddr = netip.AddrPortFrom(serverAddr.Addr().Unmap(), serverAddr.Port())

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("build binding request: %w", err)
	}
	if _, err := conn.WriteToUDPAddrPort(req.Raw, serverAddr); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send to %q: %w", server, err)
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("read from %q: %w", server, err)
		}
		// Anti-spoof: only the server we queried may answer.
		if src.Addr().Unmap() != serverAddr.Addr().Unmap() || src.Port() != serverAddr.Port() {
			continue
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := new(stun.Message)
		res.Raw = append([]byte(nil), buf[:n]...)
		if err := res.Decode(); err != nil {
			continue
		}
		if res.Type != stun.BindingSuccess || res.TransactionID != req.TransactionID {
			continue
		}
		return mappedAddr(res)
	}
}

func mappedAddr(res *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return toAddrPort(xor.IP, xor.Port)
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return toAddrPort(mapped.IP, mapped.Port)
	}
	return netip.AddrPort{}, fmt.Errorf("binding response carries no mapped address")
}

func toAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("bad mapped address %v", ip)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
