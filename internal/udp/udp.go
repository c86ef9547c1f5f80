// Package udp implements spec.md §4.10's "thin sibling" of TCP: a
// listener list matched by port pattern, a 4-tuple association index
// for flows that want per-datagram acceptance control, and the send
// path that builds a UDP header with a pseudo-header checksum. It has
// no teacher analog (doublezerod never speaks UDP itself) and is
// grounded directly on spec.md §4.10, reusing internal/tcp's
// fourTuple-map/ephemeral-port idioms since the two engines share the
// same IP dispatch and addressing model.
package udp

import (
	"errors"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/icmp"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/wire"
)

// Verdict is an association handler's per-datagram accept decision
// (spec.md §4.10's {Reject, AcceptContinue, AcceptStop}), the one place
// UDP's receive path diverges from TCP's single-accept listener model.
type Verdict int

const (
	Reject Verdict = iota
	AcceptContinue
	AcceptStop
)

// AssociationHandler receives datagrams matching one specific 4-tuple.
type AssociationHandler interface {
	HandleDatagram(info ipstack.RxInfo, srcPort uint16, data []byte) Verdict
}

// ListenerHandler receives datagrams matching a listener's port pattern
// once no association has claimed them.
type ListenerHandler interface {
	HandleDatagram(info ipstack.RxInfo, srcPort, dstPort uint16, data []byte)
}

type fourTuple struct {
	Local      ip4.Addr
	LocalPort  uint16
	Remote     ip4.Addr
	RemotePort uint16
}

type association struct {
	key     fourTuple
	handler AssociationHandler
}

// Listener accepts datagrams addressed to (addr, port); addr may be
// the zero value to match any local address, mirroring
// internal/tcp.Listener.
type Listener struct {
	addr    ip4.Addr
	port    uint16
	handler ListenerHandler
	closed  bool
}

func (l *Listener) matches(dst ip4.Addr, dstPort uint16) bool {
	return !l.closed && l.port == dstPort && (l.addr.IsZero() || l.addr == dst)
}

// Close stops a listener from accepting further datagrams.
func (l *Listener) Close() { l.closed = true }

// Config holds udp.Module's construction-time knobs, the UDP-named
// subset of spec.md §6's configuration list.
type Config struct {
	EphemeralPortLo uint16
	EphemeralPortHi uint16
}

func (c *Config) setDefaults() {
	if c.EphemeralPortLo == 0 {
		c.EphemeralPortLo = 49152
	}
	if c.EphemeralPortHi == 0 {
		c.EphemeralPortHi = 65535
	}
}

// Module implements ipstack.ProtocolHandler for layers.IPProtocolUDP.
type Module struct {
	cfg  Config
	ip   *ipstack.Layer
	clk  clock.Clock
	icmp *icmp.Module

	associations []association
	listeners    []*Listener

	nextEphemeral uint16
}

// New constructs a UDP module bound to ip, registering for protocol
// dispatch. icmpMod may be nil in tests that don't exercise
// Port-Unreachable emission.
func New(cfg Config, ip *ipstack.Layer, icmpMod *icmp.Module, clk clock.Clock) *Module {
	cfg.setDefaults()
	m := &Module{cfg: cfg, ip: ip, clk: clk, icmp: icmpMod, nextEphemeral: cfg.EphemeralPortLo}
	ip.RegisterHandler(layers.IPProtocolUDP, m)
	return m
}

var (
	// ErrNoPortAvailable mirrors internal/tcp's sentinel for the same
	// condition. It is package-local and distinct from
	// ipstack.ErrNoPortAvailable, so errors.Is does not match the two.
	ErrNoPortAvailable = errors.New("udp: no ephemeral port available")
)

// Listen registers ln to receive datagrams addressed to (addr, port).
func (m *Module) Listen(addr ip4.Addr, port uint16, h ListenerHandler) (*Listener, error) {
	for _, l := range m.listeners {
		if !l.closed && l.port == port && (l.addr == addr || l.addr.IsZero() || addr.IsZero()) {
			return nil, ipstack.ErrAddrInUse
		}
	}
	ln := &Listener{addr: addr, port: port, handler: h}
	m.listeners = append(m.listeners, ln)
	return ln, nil
}

// Associate registers h for the exact 4-tuple, giving it first refusal
// over any listener on the same local port (spec.md §4.10: "try
// associations first").
func (m *Module) Associate(local ip4.Addr, localPort uint16, remote ip4.Addr, remotePort uint16, h AssociationHandler) error {
	key := fourTuple{Local: local, LocalPort: localPort, Remote: remote, RemotePort: remotePort}
	for _, a := range m.associations {
		if a.key == key {
			return ipstack.ErrAddrInUse
		}
	}
	m.associations = append(m.associations, association{key: key, handler: h})
	return nil
}

// Unassociate removes a previously registered exact-4-tuple association.
func (m *Module) Unassociate(local ip4.Addr, localPort uint16, remote ip4.Addr, remotePort uint16) {
	key := fourTuple{Local: local, LocalPort: localPort, Remote: remote, RemotePort: remotePort}
	for i, a := range m.associations {
		if a.key == key {
			m.associations = append(m.associations[:i], m.associations[i+1:]...)
			return
		}
	}
}

// AllocEphemeralPort scans the configured range for a port not already
// associated with (local, remote, remotePort), for callers that want
// to originate a flow without choosing their own source port.
func (m *Module) AllocEphemeralPort(local, remote ip4.Addr, remotePort uint16) (uint16, error) {
	lo, hi := m.cfg.EphemeralPortLo, m.cfg.EphemeralPortHi
	span := int(hi) - int(lo) + 1
	for i := 0; i < span; i++ {
		port := m.nextEphemeral
		m.nextEphemeral++
		if m.nextEphemeral > hi || m.nextEphemeral < lo {
			m.nextEphemeral = lo
		}
		key := fourTuple{Local: local, LocalPort: port, Remote: remote, RemotePort: remotePort}
		free := true
		for _, a := range m.associations {
			if a.key == key {
				free = false
				break
			}
		}
		if free {
			return port, nil
		}
	}
	return 0, ErrNoPortAvailable
}

// HandleIPv4 implements ipstack.ProtocolHandler: associations are tried
// first, then listeners, then (if nothing local claims it) an ICMP
// Port-Unreachable is emitted (spec.md §4.10).
func (m *Module) HandleIPv4(info ipstack.RxInfo, payload []byte) bool {
	h, data, err := wire.DecodeUDP(payload, info.Header.Src, info.Header.Dst)
	if err != nil {
		return true
	}
	key := fourTuple{Local: info.Header.Dst, LocalPort: uint16(h.DstPort), Remote: info.Header.Src, RemotePort: uint16(h.SrcPort)}
	accepted := false
	for _, a := range m.associations {
		if a.key != key {
			continue
		}
		switch a.handler.HandleDatagram(info, uint16(h.SrcPort), data) {
		case AcceptStop:
			return true
		case AcceptContinue:
			accepted = true
			continue
		case Reject:
			continue
		}
	}
	for _, l := range m.listeners {
		if l.matches(info.Header.Dst, uint16(h.DstPort)) {
			l.handler.HandleDatagram(info, uint16(h.SrcPort), uint16(h.DstPort), data)
			return true
		}
	}
	if !accepted {
		m.emitPortUnreachable(info, payload)
	}
	return true
}

func (m *Module) emitPortUnreachable(info ipstack.RxInfo, payload []byte) {
	if m.icmp == nil {
		return
	}
	// ProtocolHandler only hands us the post-IP-header payload, not the
	// original raw datagram bytes EmitDestUnreachable quotes verbatim;
	// re-encoding the already-decoded header reconstructs an equivalent
	// datagram for quoting purposes (RFC 792's quote is informational,
	// not required to be byte-identical to what was received).
	raw, err := wire.EncodeIPv4(info.Header, payload)
	if err != nil {
		return
	}
	m.icmp.EmitDestUnreachable(ipstack.CodePortUnreachable, info.Header, raw, info)
}

// Send builds a UDP datagram and forwards it to the IP layer. ifc pins
// the outbound interface when the caller already knows it (e.g. an
// association bound at Connect time); nil lets the IP layer route by
// its own table lookup.
func (m *Module) Send(local, remote ip4.Addr, localPort, remotePort uint16, data []byte, ifc *iface.Interface) error {
	h := wire.UDPHeader{SrcPort: layers.UDPPort(localPort), DstPort: layers.UDPPort(remotePort)}
	raw, err := wire.EncodeUDP(h, data, local, remote)
	if err != nil {
		return err
	}
	return m.ip.Send(ipstack.SendParams{
		Pair:       ip4.Pair{Local: local, Remote: remote},
		TTL:        64,
		Protocol:   layers.IPProtocolUDP,
		Data:       raw,
		ForceIface: ifc,
	}, m.clk.Now())
}
