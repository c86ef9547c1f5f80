// Package ip4 defines the stack's 32-bit IPv4 address type and the
// handful of subnet/broadcast/multicast predicates every layer above it
// needs, independent of net.IP so header encode/decode never allocates.
package ip4

import (
	"fmt"
	"net"
)

// Addr is a 32-bit IPv4 address in host-independent byte order.
type Addr [4]byte

// Zero is the unspecified address 0.0.0.0.
var Zero Addr

// Broadcast is the limited broadcast address 255.255.255.255.
var Broadcast = Addr{255, 255, 255, 255}

// FromNetIP converts a net.IP (v4 or v4-in-v6) to an Addr. It panics if ip
// is not a valid IPv4 address, matching this package's abort-on-misuse
// contract for conversions performed only at trusted boundaries.
func FromNetIP(ip net.IP) Addr {
	v4 := ip.To4()
	if v4 == nil {
		panic(fmt.Sprintf("ip4: %s is not an IPv4 address", ip))
	}
	return Addr{v4[0], v4[1], v4[2], v4[3]}
}

// ToNetIP converts back to the standard library representation.
func (a Addr) ToNetIP() net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3])
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Uint32 returns the address as a big-endian-ordered 32-bit integer.
func (a Addr) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// FromUint32 builds an Addr from a big-endian-ordered 32-bit integer.
func FromUint32(v uint32) Addr {
	return Addr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// IsZero reports whether a is 0.0.0.0.
func (a Addr) IsZero() bool { return a == Zero }

// IsAllOnes reports whether a is the limited broadcast address.
func (a Addr) IsAllOnes() bool { return a == Broadcast }

// IsMulticast reports whether a falls in 224.0.0.0/4.
func (a Addr) IsMulticast() bool { return a[0]&0xF0 == 0xE0 }

// Mask is an IPv4 subnet mask.
type Mask [4]byte

// IsZero reports whether m is the empty mask 0.0.0.0 (no subnet
// configured).
func (m Mask) IsZero() bool { return m == Mask{} }

// Uint32 returns the mask as a big-endian-ordered 32-bit integer.
func (m Mask) Uint32() uint32 {
	return uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
}

// PrefixLen returns the number of leading one-bits in the mask.
func (m Mask) PrefixLen() int {
	n := 0
	v := m.Uint32()
	for v&0x80000000 != 0 {
		n++
		v <<= 1
	}
	return n
}

// Subnet reports whether ip lies within the subnet defined by (net, mask).
func Subnet(network Addr, mask Mask, ip Addr) bool {
	return network.Uint32()&Mask(mask).Uint32() == ip.Uint32()&Mask(mask).Uint32()
}

// BroadcastOf returns the subnet (directed) broadcast address for an
// interface configured with the given address and mask.
func BroadcastOf(addr Addr, mask Mask) Addr {
	return FromUint32(addr.Uint32() | ^Mask(mask).Uint32())
}

// IsSubnetBroadcast reports whether ip is the directed broadcast address
// of the subnet defined by (addr, mask).
func IsSubnetBroadcast(addr Addr, mask Mask, ip Addr) bool {
	return Subnet(addr, mask, ip) && ip == BroadcastOf(addr, mask)
}

// Pair is a local/remote address pair, the unit of address-level
// identification used throughout IP, TCP and UDP dispatch.
type Pair struct {
	Local  Addr
	Remote Addr
}
