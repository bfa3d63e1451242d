package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
)

// ErrNotIPv4 is returned for addresses outside the IPv4 space.
var ErrNotIPv4 = errors.New("transport: not an IPv4 address")

// Subnet describes an IPv4 network in host byte order.
type Subnet struct {
	Network   uint32
	Mask      uint32
	Broadcast uint32
	First     uint32
	Last      uint32
	// Usable counts host addresses between First and Last inclusive.
	Usable uint32
	Prefix int
}

// ParseSubnet derives the subnet layout from a dotted address and mask.
// The address is reduced to its network part.
func ParseSubnet(addr, mask string) (Subnet, error) {
	a, err := IPToUint32(addr)
	if err != nil {
		return Subnet{}, fmt.Errorf("subnet address: %w", err)
	}
	m, err := IPToUint32(mask)
	if err != nil {
		return Subnet{}, fmt.Errorf("subnet mask: %w", err)
	}
	prefix := bits.LeadingZeros32(^m)
	if m != ^uint32(0)<<(32-prefix) {
		return Subnet{}, fmt.Errorf("subnet mask %s is not contiguous", mask)
	}

	s := Subnet{Mask: m, Prefix: prefix}
	s.Network = a & m
	s.Broadcast = s.Network | ^m
	// /31 and /32 have no host range once network and broadcast are removed.
	if prefix <= 30 {
		s.First = s.Network + 1
		s.Last = s.Broadcast - 1
		s.Usable = s.Last - s.First + 1
	}
	return s, nil
}

// Contains reports whether addr lies inside the network.
func (s Subnet) Contains(addr uint32) bool { return addr&s.Mask == s.Network }

// HostBits is the number of address bits left to hosts.
func (s Subnet) HostBits() int { return 32 - s.Prefix }

func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", Uint32ToIP(s.Network), s.Prefix)
}

// IPToUint32 converts a dotted IPv4 string to host byte order.
func IPToUint32(ip string) (uint32, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return 0, err
	}
	if !a.Is4() {
		return 0, fmt.Errorf("%w: %s", ErrNotIPv4, ip)
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

// Uint32ToAddr converts a host-order IPv4 address.
func Uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Uint32ToIP renders a host-order IPv4 address in dotted form.
func Uint32ToIP(v uint32) string { return Uint32ToAddr(v).String() }

// AddrToUint32 is the inverse of Uint32ToAddr. Non-IPv4 input yields zero.
func AddrToUint32(a netip.Addr) uint32 {
	a = a.Unmap()
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// InterfaceIPv4 returns the first IPv4 address configured on the named
// network interface.
func InterfaceIPv4(name string) (string, error) {
	itf, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("interface %q: %w", name, err)
	}
	addrs, err := itf.Addrs()
	if err != nil {
		return "", fmt.Errorf("interface %q addresses: %w", name, err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("interface %q: %w", name, ErrNotIPv4)
}
