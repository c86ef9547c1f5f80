package tcp

import (
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
)

// Listener represents the LISTEN state as its own object rather than a
// PCB state, per spec.md §4.7: "LISTEN is a separate object not a PCB
// state". It bounds how many PCBs it will spawn from incoming SYNs
// (spec.md scenario 4's listener backpressure).
type Listener struct {
	module *Module
	addr   ip4.Addr // zero means "any local address"
	port   uint16

	maxPCBs int
	count   int

	newCallbacks func(*Connection) Callbacks
	closed       bool
}

// matches reports whether this listener accepts a SYN addressed to
// (dst, dstPort).
func (l *Listener) matches(dst ip4.Addr, dstPort uint16) bool {
	return l.port == dstPort && (l.addr.IsZero() || l.addr == dst)
}

// hasCapacity reports whether another PCB may be spawned from this
// listener right now.
func (l *Listener) hasCapacity() bool { return l.count < l.maxPCBs }

// Close stops accepting new connections and aborts any PCB still
// waiting on its handshake (spec.md §5: "Listener destruction aborts
// any in-flight accept-pending PCB"). Already-established connections
// handed off to the application are left running.
func (l *Listener) Close() {
	l.closed = true
	for i := range l.module.arena {
		p := &l.module.arena[i]
		if p.listener == l && p.inUse && p.cb.State() == StateSynRcvd {
			l.module.abortPCB(p, ipstack.ErrConnectionAborted)
		}
	}
}
