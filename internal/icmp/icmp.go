// Package icmp implements the three ICMPv4 behaviors spec.md §4.4
// calls out: echo-request -> echo-reply, destination-unreachable
// emission, and destination-unreachable delivery to the offending
// protocol's handler. It has no teacher analog (doublezerod never
// speaks ICMP itself) and is grounded directly on spec.md, using the
// same gopacket/layers codec idiom as the rest of internal/wire.
package icmp

import (
	"log/slog"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/wire"
)

// quotedBytes is how much of the offending datagram RFC 792 asks an
// ICMP error message to echo back: the IP header plus 8 bytes, enough
// for the offending protocol's port/sequence fields.
const quotedBytes = 28

// DestUnreachHandler lets another protocol module (TCP, UDP) learn
// that one of its own datagrams triggered a destination-unreachable,
// most importantly Fragmentation-Needed-carrying-next-hop-MTU, which
// feeds PMTU discovery (spec.md scenario 6).
type DestUnreachHandler interface {
	HandleDestUnreachable(code ipstack.DestUnreachCode, nextHopMTU int, quoted []byte)
}

// Module implements ipstack.ProtocolHandler (registered for
// IPProtocolICMPv4) and ipstack.ICMPEmitter.
type Module struct {
	ip                 *ipstack.Layer
	clk                clock.Clock
	log                *slog.Logger
	allowBcastEcho     bool
	destUnreachByProto map[layers.IPProtocol]DestUnreachHandler
}

// Config configures the ICMP module.
type Config struct {
	// AllowBroadcastEchoReply permits replying to echo requests sent to
	// a broadcast address, normally disabled as a smurf-amplification
	// guard.
	AllowBroadcastEchoReply bool
	Log                     *slog.Logger
}

// New constructs an ICMP module bound to ip for sending replies and
// dest-unreachable messages.
func New(cfg Config, ip *ipstack.Layer, clk clock.Clock) *Module {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Module{
		ip:                 ip,
		clk:                clk,
		log:                cfg.Log,
		allowBcastEcho:     cfg.AllowBroadcastEchoReply,
		destUnreachByProto: make(map[layers.IPProtocol]DestUnreachHandler),
	}
}

// RegisterDestUnreachHandler lets proto's module learn about inbound
// destination-unreachable messages quoting its own datagrams.
func (m *Module) RegisterDestUnreachHandler(proto layers.IPProtocol, h DestUnreachHandler) {
	m.destUnreachByProto[proto] = h
}

// HandleIPv4 implements ipstack.ProtocolHandler for protocol 1 (ICMPv4).
func (m *Module) HandleIPv4(info ipstack.RxInfo, payload []byte) bool {
	h, icmpPayload, err := wire.DecodeICMPv4(payload)
	if err != nil {
		m.log.Debug("icmp: decode failed", "err", err)
		return true
	}
	switch h.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		m.handleEchoRequest(info, h, icmpPayload)
	case layers.ICMPv4TypeDestinationUnreachable:
		m.handleDestUnreachable(h, icmpPayload)
	}
	return true
}

func (m *Module) handleEchoRequest(info ipstack.RxInfo, h wire.ICMPv4Header, data []byte) {
	dstIsBroadcast := info.Header.Dst.IsAllOnes() || ip4.IsSubnetBroadcast(info.Iface.Addr, info.Iface.Mask, info.Header.Dst)
	if dstIsBroadcast && !m.allowBcastEcho {
		return
	}

	reply := wire.ICMPv4Header{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       h.Id,
		Seq:      h.Seq,
	}
	raw, err := wire.EncodeICMPv4(reply, data)
	if err != nil {
		m.log.Warn("icmp: encode echo reply failed", "err", err)
		return
	}

	flags := ipstack.AllowNonLocalSrc
	if dstIsBroadcast {
		flags |= ipstack.AllowBroadcast
	}
	err = m.ip.Send(ipstack.SendParams{
		Pair:       ip4.Pair{Local: info.Header.Dst, Remote: info.Header.Src},
		TTL:        64,
		Protocol:   layers.IPProtocolICMPv4,
		Data:       raw,
		ForceIface: info.Iface,
		Flags:      flags,
	}, m.clk.Now())
	if err != nil {
		m.log.Debug("icmp: echo reply send failed", "err", err)
	}
}

func (m *Module) handleDestUnreachable(h wire.ICMPv4Header, quoted []byte) {
	if len(quoted) < wire.IPv4MinHeaderLen {
		return
	}
	origHeader, origPayload, err := wire.DecodeIPv4(quoted)
	if err != nil {
		return
	}
	code := ipstack.DestUnreachCode(h.TypeCode.Code())
	nextHopMTU := int(h.Seq) // the MTU occupies the low 16 bits of the unused field for code 4, per RFC 1191
	if code == ipstack.CodeFragmentationNeeded {
		m.ip.LowerPMTU(origHeader.Dst, nextHopMTU)
	}
	handler, ok := m.destUnreachByProto[origHeader.Protocol]
	if !ok {
		return
	}
	handler.HandleDestUnreachable(code, nextHopMTU, append(quoted[:wire.IPv4MinHeaderLen:wire.IPv4MinHeaderLen], origPayload...))
}

// EmitDestUnreachable implements ipstack.ICMPEmitter: it builds and
// sends a destination-unreachable message quoting the offending
// datagram, as spec.md §4.4 requires when nothing claims a datagram
// addressed to a local address.
func (m *Module) EmitDestUnreachable(code ipstack.DestUnreachCode, orig wire.IPv4Header, origRaw []byte, info ipstack.RxInfo) {
	quote := origRaw
	if len(quote) > quotedBytes {
		quote = quote[:quotedBytes]
	}
	reply := wire.ICMPv4Header{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, uint8(code)),
	}
	raw, err := wire.EncodeICMPv4(reply, quote)
	if err != nil {
		m.log.Warn("icmp: encode dest-unreachable failed", "err", err)
		return
	}
	err = m.ip.Send(ipstack.SendParams{
		Pair:       ip4.Pair{Local: orig.Dst, Remote: orig.Src},
		TTL:        64,
		Protocol:   layers.IPProtocolICMPv4,
		Data:       raw,
		ForceIface: info.Iface,
	}, m.clk.Now())
	if err != nil {
		m.log.Debug("icmp: dest-unreachable send failed", "err", err)
	}
}
