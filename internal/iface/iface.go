// Package iface holds one configured IPv4 interface — its address,
// netmask, link driver, and attached ARP cache — plus the routing table
// that picks which interface (and next hop) serves a destination
// address. It is grounded on the teacher's internal/routing and
// internal/manager route-plumbing (both now deleted as packages, their
// netlink-backed RouteAdd/RouteDelete/RouteGet shape reused here as a
// pure in-process table, since this stack owns its own forwarding
// decisions rather than delegating them to the kernel).
package iface

import (
	"errors"
	"net"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/arpcache"
	"github.com/quietstack/ipstack/internal/driver"
	"github.com/quietstack/ipstack/internal/ip4"
)

// Interface is one configured IPv4-over-Ethernet attachment point.
type Interface struct {
	Name   string
	Addr   ip4.Addr
	Mask   ip4.Mask
	Driver driver.Driver
	ARP    *arpcache.Cache
}

// SendFrame satisfies arpcache.Transmitter and driver.Driver-adjacent
// callers by delegating straight to the attached link driver.
func (i *Interface) SendFrame(dst net.HardwareAddr, ethType layers.EthernetType, payload []byte) error {
	return i.Driver.SendFrame(dst, ethType, payload)
}

// Contains reports whether ip falls within this interface's configured
// subnet.
func (i *Interface) Contains(ip ip4.Addr) bool {
	return ip4.Subnet(i.Addr, i.Mask, ip)
}

// MTU returns the interface's IP-datagram MTU, deferring to the link
// driver.
func (i *Interface) MTU() int { return i.Driver.MTU() }

// Route is one routing table entry: packets to Dest/Mask are sent out
// Iface, either directly (Gateway is zero) or via Gateway.
type Route struct {
	Dest    ip4.Addr
	Mask    ip4.Mask
	Gateway ip4.Addr
	Iface   *Interface
}

// ErrNoRoute is returned by Table.Lookup when no configured route
// covers the destination.
var ErrNoRoute = errors.New("iface: no route to destination")

// Table is a destination-address routing table using longest-prefix
// match, with most-recently-added entries preferred on a tie (mirroring
// the kernel's usual "last route wins" behavior that doublezerod relied
// on netlink to provide).
type Table struct {
	routes []Route
}

// NewTable constructs an empty routing table.
func NewTable() *Table { return &Table{} }

// Routes returns the table's entries, for callers that need to walk
// every configured interface (e.g. checking whether an address is
// locally owned).
func (t *Table) Routes() []Route { return t.routes }

// Add inserts or replaces a route for (dest, mask) out iface.
func (t *Table) Add(dest ip4.Addr, mask ip4.Mask, gateway ip4.Addr, iface *Interface) {
	for i := range t.routes {
		if t.routes[i].Dest == dest && t.routes[i].Mask == mask {
			t.routes[i] = Route{Dest: dest, Mask: mask, Gateway: gateway, Iface: iface}
			return
		}
	}
	t.routes = append(t.routes, Route{Dest: dest, Mask: mask, Gateway: gateway, Iface: iface})
}

// Remove deletes the route for (dest, mask), if present.
func (t *Table) Remove(dest ip4.Addr, mask ip4.Mask) {
	for i := range t.routes {
		if t.routes[i].Dest == dest && t.routes[i].Mask == mask {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Lookup returns the interface and next-hop IP to use for dst: the
// longest-prefix-matching route, preferring the most recently added
// entry among equal-length matches. NextHop is dst itself for
// directly-connected routes (Gateway is zero).
func (t *Table) Lookup(dst ip4.Addr) (iface *Interface, nextHop ip4.Addr, err error) {
	bestLen := -1
	var best *Route
	for i := range t.routes {
		r := &t.routes[i]
		if !ip4.Subnet(r.Dest, r.Mask, dst) {
			continue
		}
		l := r.Mask.PrefixLen()
		if l >= bestLen {
			bestLen = l
			best = r
		}
	}
	if best == nil {
		return nil, ip4.Addr{}, ErrNoRoute
	}
	if best.Gateway.IsZero() {
		return best.Iface, dst, nil
	}
	return best.Iface, best.Gateway, nil
}
