package server

import (
	"fmt"
	"net/netip"
	"sync"
)

// IPAllocator hands out unique IPv6 addresses from the mesh prefix.
// Released addresses are reused before the sequence advances. All methods
// serialize on one mutex; concurrent allocation races are settled here,
// not in the session service.
type IPAllocator struct {
	mu     sync.Mutex
	prefix netip.Prefix
	next   uint64
	free   []netip.Addr
	owner  map[netip.Addr]string
}

// NewIPAllocator builds an allocator over an IPv6 prefix of at most /64.
func NewIPAllocator(prefix netip.Prefix) (*IPAllocator, error) {
	if !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return nil, fmt.Errorf("server: mesh prefix %s must be IPv6", prefix)
	}
	if prefix.Bits() > 64 {
		return nil, fmt.Errorf("server: mesh prefix %s is narrower than /64", prefix)
	}
	return &IPAllocator{
		prefix: prefix.Masked(),
		next:   1, // skip the all-zeros interface id
		owner:  make(map[netip.Addr]string),
	}, nil
}

// Allocate returns a fresh address recorded against owner (a session or
// weaver id).
func (a *IPAllocator) Allocate(owner string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		addr := a.free[n-1]
		a.free = a.free[:n-1]
		a.owner[addr] = owner
		return addr, nil
	}

	for {
		if a.next == 0 { // wrapped: 2^64 addresses consumed
			return netip.Addr{}, ErrPoolExhausted
		}
		addr := addrWithHost(a.prefix.Addr(), a.next)
		a.next++
		if _, taken := a.owner[addr]; taken {
			continue
		}
		a.owner[addr] = owner
		return addr, nil
	}
}

// Release returns an address to the pool. Releasing an unknown address is
// a no-op.
func (a *IPAllocator) Release(addr netip.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.owner[addr]; !ok {
		return
	}
	delete(a.owner, addr)
	a.free = append(a.free, addr)
}

// InUse returns the number of live allocations.
func (a *IPAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owner)
}

func addrWithHost(base netip.Addr, host uint64) netip.Addr {
	b := base.As16()
	for i := 0; i < 8; i++ {
		b[15-i] = byte(host >> (8 * i))
	}
	return netip.AddrFrom16(b)
}
