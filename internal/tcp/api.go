package tcp

import (
	"errors"

	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
)

// errNoPortAvailable/errNoPCBAvailable cover two local-resource-exhaustion
// conditions and are package-local. errNoPortAvailable names the same
// condition as ipstack.ErrNoPortAvailable but is a distinct value, so
// errors.Is does not match one against the other; PCB arena exhaustion
// has no ipstack sentinel.
var (
	errNoPortAvailable = errors.New("tcp: no ephemeral port available")
	errNoPCBAvailable  = errors.New("tcp: pcb arena exhausted")
)

// Listen registers a passive-open listener for (addr, port); addr may
// be the zero value to accept connections on any local address.
// maxPCBs bounds how many SYN-spawned PCBs this listener may have
// outstanding at once (spec.md scenario 4's backpressure); 0 defaults
// to the module's total arena size.
func (m *Module) Listen(addr ip4.Addr, port uint16, maxPCBs int, newCallbacks func(*Connection) Callbacks) (*Listener, error) {
	for _, l := range m.listeners {
		if l.closed {
			continue
		}
		if l.port == port && (l.addr == addr || l.addr.IsZero() || addr.IsZero()) {
			return nil, ipstack.ErrAddrInUse
		}
	}
	if maxPCBs <= 0 {
		maxPCBs = m.cfg.NumPcbs
	}
	ln := &Listener{module: m, addr: addr, port: port, maxPCBs: maxPCBs, newCallbacks: newCallbacks}
	m.listeners = append(m.listeners, ln)
	return ln, nil
}

// allocEphemeralPort scans the configured ephemeral range for a port
// not already part of some other connection to the same peer.
func (m *Module) allocEphemeralPort(local, remote ip4.Addr, remotePort uint16) (uint16, bool) {
	lo, hi := m.cfg.EphemeralPortLo, m.cfg.EphemeralPortHi
	span := int(hi) - int(lo) + 1
	for i := 0; i < span; i++ {
		port := m.nextEphemeral
		m.nextEphemeral++
		if m.nextEphemeral > hi || m.nextEphemeral < lo {
			m.nextEphemeral = lo
		}
		if _, used := m.byKey[fourTupleOf(local, port, remote, remotePort)]; !used {
			return port, true
		}
	}
	return 0, false
}

// Connect performs an active open to (remote, remotePort) out ifc,
// sourced from local. cbs is invoked for this connection's lifetime.
func (m *Module) Connect(ifc *iface.Interface, local, remote ip4.Addr, remotePort uint16, cbs Callbacks) (*Connection, error) {
	port, ok := m.allocEphemeralPort(local, remote, remotePort)
	if !ok {
		return nil, errNoPortAvailable
	}
	p, ok := m.allocate()
	if !ok {
		return nil, errNoPCBAvailable
	}

	key := fourTupleOf(local, port, remote, remotePort)
	p.key = key
	p.ifc = ifc
	p.cbs = cbs
	m.byKey[key] = p.index
	m.registerMtuObserver(p)

	mss := uint16(defaultMSS)
	if ifc != nil {
		if cap := uint16(ifc.MTU() - 40); cap > 0 && cap < mss {
			mss = cap
		}
	}
	p.mss = mss
	p.useWScale = true // always offered; the SYN|ACK's options are not parsed and no scale is applied to window values
	p.cong = newCongestion(Size(p.mss))

	rcvWnd := m.cfg.MaxInitialRcvWnd
	if rcvWnd > 0xFFFF {
		rcvWnd = 0xFFFF
	}
	iss := m.nextISN(p)
	seg := Segment{SEQ: iss, Flags: FlagSYN, WND: Size(rcvWnd)}
	if err := p.cb.Send(seg); err != nil {
		m.release(p)
		return nil, err
	}
	if err := m.transmitRaw(p, seg, nil); err != nil {
		m.log.Debug("tcp: connect SYN send failed", "err", err)
	}
	m.armRetransmit(p)
	p.cong.startTiming(seg.SEQ, m.clk.Now())

	return &Connection{m: m, idx: p.index, gen: p.gen}, nil
}
