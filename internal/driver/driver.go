// Package driver defines the link-layer boundary between the stack and
// whatever actually moves Ethernet frames: a real TAP device
// (internal/driver/tap) in production, or an in-memory Pipe in tests.
// The stack never owns a socket or a goroutine itself — per spec.md §5
// it is driven entirely by the host calling RecvFrame/Tick — so a
// Driver's only job is handing frames in one direction and accepting
// them for transmission in the other.
package driver

import (
	"net"

	"github.com/google/gopacket/layers"
)

// Driver is the frame-level transport a host attaches to one interface.
type Driver interface {
	// SendFrame transmits an Ethernet II frame: dst is the destination
	// MAC, ethType the EtherType, and payload the frame body (ARP
	// message, IPv4 datagram, ...). Implementations prepend their own
	// Ethernet header using the driver's configured source MAC.
	SendFrame(dst net.HardwareAddr, ethType layers.EthernetType, payload []byte) error

	// HardwareAddr reports the driver's own link-layer address.
	HardwareAddr() net.HardwareAddr

	// MTU reports the maximum IP datagram size the link accepts,
	// excluding the Ethernet header.
	MTU() int

	// Close releases any underlying OS resources.
	Close() error
}

// FrameSink receives fully-decoded inbound frames. The per-interface
// adapter returned by internal/stack.Stack.AddInterface implements this
// to dispatch ARP/IPv4 payloads to the right subsystem; test doubles can
// implement it directly to assert on raw deliveries.
type FrameSink interface {
	RecvFrame(ethType layers.EthernetType, src net.HardwareAddr, payload []byte)
}
