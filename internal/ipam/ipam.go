// Package ipam hands out overlay addresses from the network CIDR. Allocation
// order is deterministic: always the lowest free host, so freed addresses are
// reused before the pool grows upward.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ztmesh/controlplane/internal/store"
)

// Allocator picks addresses inside one IPv4 network. It is stateless; the
// set of addresses in use comes from the store on every call, under the
// store's allocation lock.
type Allocator struct {
	network *net.IPNet
	gateway net.IP
	ones    int
}

// New builds an allocator for the overlay network. The gateway address is
// reserved alongside the network and broadcast addresses.
func New(networkCIDR, gateway string) (*Allocator, error) {
	_, ipnet, err := net.ParseCIDR(networkCIDR)
	if err != nil {
		return nil, fmt.Errorf("parsing overlay network %q: %w", networkCIDR, err)
	}
	if ipnet.IP.To4() == nil {
		return nil, fmt.Errorf("overlay network %q is not IPv4", networkCIDR)
	}
	gw := net.ParseIP(gateway)
	if gw == nil || gw.To4() == nil {
		return nil, fmt.Errorf("gateway %q is not a valid IPv4 address", gateway)
	}
	ones, _ := ipnet.Mask.Size()
	return &Allocator{network: ipnet, gateway: gw.To4(), ones: ones}, nil
}

// Network returns the overlay network in CIDR form.
func (a *Allocator) Network() string { return a.network.String() }

// Gateway returns the reserved gateway address.
func (a *Allocator) Gateway() string { return a.gateway.String() }

// PrefixLen returns the network prefix length.
func (a *Allocator) PrefixLen() int { return a.ones }

func ipToU32(ip net.IP) uint32 { return binary.BigEndian.Uint32(ip.To4()) }

func u32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

func (a *Allocator) bounds() (first, last uint32) {
	base := ipToU32(a.network.IP)
	size := uint32(1) << (32 - a.ones)
	return base, base + size - 1
}

func (a *Allocator) isReserved(v uint32) bool {
	first, last := a.bounds()
	return v == first || v == last || v == ipToU32(a.gateway)
}

// Pick returns the lowest free host address in CIDR form. It satisfies
// store.PickIP so the store can call it inside the allocation lock.
func (a *Allocator) Pick(used map[string]struct{}) (string, error) {
	first, last := a.bounds()
	for v := first + 1; v < last; v++ {
		if a.isReserved(v) {
			continue
		}
		ip := u32ToIP(v).String()
		if _, taken := used[ip]; taken {
			continue
		}
		return fmt.Sprintf("%s/%d", ip, a.ones), nil
	}
	return "", store.ErrPoolExhausted
}

// PickRange returns a PickIP restricted to hosts whose last octet falls in
// [start, end]. Client devices draw from this sub-pool so they never collide
// with server nodes.
func (a *Allocator) PickRange(start, end int) store.PickIP {
	return func(used map[string]struct{}) (string, error) {
		first, last := a.bounds()
		for v := first + 1; v < last; v++ {
			if a.isReserved(v) {
				continue
			}
			octet := int(v & 0xff)
			if octet < start || octet > end {
				continue
			}
			ip := u32ToIP(v).String()
			if _, taken := used[ip]; taken {
				continue
			}
			return fmt.Sprintf("%s/%d", ip, a.ones), nil
		}
		return "", store.ErrPoolExhausted
	}
}

// Contains reports whether the host address (no prefix) belongs to the
// overlay network and is not reserved.
func (a *Allocator) Contains(hostIP string) bool {
	ip := net.ParseIP(hostIP)
	if ip == nil || ip.To4() == nil || !a.network.Contains(ip) {
		return false
	}
	return !a.isReserved(ipToU32(ip))
}

// Stats summarizes pool utilization for the admin API and metrics.
type Stats struct {
	Network     string  `json:"network"`
	Total       int     `json:"total_addresses"`
	Used        int     `json:"used_addresses"`
	Available   int     `json:"available_addresses"`
	Utilization float64 `json:"utilization"`
}

// Stats computes utilization over the assignable portion of the pool.
// Reserved addresses (network, broadcast, gateway) are excluded from Total.
func (a *Allocator) Stats(used map[string]struct{}) Stats {
	first, last := a.bounds()
	total := int(last-first) - 1 // hosts between network and broadcast
	if a.network.Contains(a.gateway) {
		total--
	}
	inPool := 0
	for ip := range used {
		if a.Contains(ip) {
			inPool++
		}
	}
	s := Stats{
		Network:   a.network.String(),
		Total:     total,
		Used:      inPool,
		Available: total - inPool,
	}
	if total > 0 {
		s.Utilization = float64(inPool) / float64(total)
	}
	return s
}
