package ipstack

import (
	"log/slog"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/arpcache"
	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/wire"
)

// DestUnreachCode mirrors the ICMP destination-unreachable code field
// (RFC 792 §3.3), kept here (rather than in internal/icmp) so both this
// package and internal/icmp can refer to it without an import cycle:
// internal/icmp depends on internal/ipstack for the send path, not the
// other way around.
type DestUnreachCode uint8

const (
	CodeNetUnreachable DestUnreachCode = iota
	CodeHostUnreachable
	CodeProtocolUnreachable
	CodePortUnreachable
	CodeFragmentationNeeded
)

// ICMPEmitter is implemented by internal/icmp.Module and invoked by the
// IP receive pipeline whenever nothing claims a datagram addressed to a
// local address (spec.md §4.4's "still none accepted" clause).
type ICMPEmitter interface {
	EmitDestUnreachable(code DestUnreachCode, orig wire.IPv4Header, origPayloadPrefix []byte, info RxInfo)
}

// RxInfo accompanies every datagram handed to a listener or protocol
// handler: which interface it arrived on, plus enough of the IP header
// for handlers that need it (TCP's pseudo-header checksum, ICMP's
// quoted-packet construction).
type RxInfo struct {
	Iface  *iface.Interface
	Header wire.IPv4Header
}

// ProtocolHandler claims datagrams for one IP protocol number. Returning
// false lets an as-yet-undispatched datagram fall through to the next
// handler (or, if none accept, to dest-unreachable emission).
type ProtocolHandler interface {
	HandleIPv4(info RxInfo, payload []byte) bool
}

// InterfaceListener runs ahead of protocol dispatch, in registration
// order, for every reassembled datagram on every interface; any
// listener may consume a datagram and suppress further processing
// (spec.md §4.4).
type InterfaceListener interface {
	HandleIPv4(info RxInfo, payload []byte) bool
}

// SendFlags mirrors spec.md §4.4's outbound permission bits.
type SendFlags uint8

const (
	DontFragment SendFlags = 1 << iota
	AllowBroadcast
	AllowNonLocalSrc
)

// SendParams describes one outbound IPv4 send request.
type SendParams struct {
	Pair       ip4.Pair
	TTL        uint8
	Protocol   layers.IPProtocol
	Data       []byte
	ForceIface *iface.Interface
	Waiter     arpcache.Waiter
	Flags      SendFlags
}

// Config holds the construction-time knobs from spec.md §6.
type Config struct {
	NumMtuEntries  int
	MaxReassEntries int
	MaxReassSize   int
	ReassTimeout   time.Duration
	PMTULifetime   time.Duration
	Log            *slog.Logger
}

func (c *Config) setDefaults() {
	if c.NumMtuEntries == 0 {
		c.NumMtuEntries = 128
	}
	if c.MaxReassEntries == 0 {
		c.MaxReassEntries = 16
	}
	if c.MaxReassSize == 0 {
		c.MaxReassSize = 65535
	}
	if c.ReassTimeout == 0 {
		c.ReassTimeout = 30 * time.Second
	}
	if c.PMTULifetime == 0 {
		c.PMTULifetime = 10 * time.Minute
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Layer is the IPv4 send/receive pipeline: routing, fragmentation,
// reassembly and PMTU, shared by every protocol module above it.
type Layer struct {
	cfg   Config
	clk   clock.Clock
	table *iface.Table
	pmtu  *PMTUCache
	reass *Reassembler
	icmp  ICMPEmitter

	handlers  map[layers.IPProtocol][]ProtocolHandler
	listeners []InterfaceListener

	nextID uint16
}

// New constructs an IP layer over the given routing table.
func New(cfg Config, table *iface.Table, clk clock.Clock) *Layer {
	cfg.setDefaults()
	return &Layer{
		cfg:      cfg,
		clk:      clk,
		table:    table,
		pmtu:     NewPMTUCache(cfg.NumMtuEntries, cfg.PMTULifetime),
		reass:    NewReassembler(cfg.MaxReassEntries, cfg.MaxReassSize, cfg.ReassTimeout),
		handlers: make(map[layers.IPProtocol][]ProtocolHandler),
	}
}

// SetICMP registers the ICMP module used for dest-unreachable emission.
func (l *Layer) SetICMP(icmp ICMPEmitter) { l.icmp = icmp }

// RegisterHandler adds h to the handler list for proto.
func (l *Layer) RegisterHandler(proto layers.IPProtocol, h ProtocolHandler) {
	l.handlers[proto] = append(l.handlers[proto], h)
}

// AddListener registers an interface listener, run before protocol
// dispatch on every reassembled datagram.
func (l *Layer) AddListener(ln InterfaceListener) { l.listeners = append(l.listeners, ln) }

// PMTU exposes the path-MTU cache so TCP connections can register as
// observers.
func (l *Layer) PMTU() *PMTUCache { return l.pmtu }

// LowerPMTU records a smaller PMTU estimate for dst after an inbound
// ICMP Fragmentation-Needed message reports reportedMTU as the
// next-hop MTU (spec.md §4.4's PMTU paragraph). It looks dst's route up
// itself so internal/icmp never needs access to the routing table.
func (l *Layer) LowerPMTU(dst ip4.Addr, reportedMTU int) {
	ifc, _, err := l.table.Lookup(dst)
	if err != nil {
		return
	}
	l.pmtu.Lower(dst, ifc.MTU(), reportedMTU)
}

// Tick drives reassembly-deadline expiry. The host event loop calls
// this once per iteration.
func (l *Layer) Tick(now time.Time) { l.reass.Tick(now) }

// isLocalAddr reports whether ip is configured on any attached
// interface.
func (l *Layer) isLocalAddr(ip ip4.Addr) bool {
	for _, r := range l.table.Routes() {
		if r.Iface != nil && r.Iface.Addr == ip {
			return true
		}
	}
	return false
}

// RecvFrame is the entry point internal/stack.Stack calls (per
// interface, having already resolved which one a frame arrived on) for
// every inbound Ethernet frame.
func (l *Layer) RecvFrame(ifc *iface.Interface, ethType layers.EthernetType, payload []byte, now time.Time) {
	switch ethType {
	case layers.EthernetTypeARP:
		msg, err := wire.DecodeARP(payload)
		if err != nil {
			l.cfg.Log.Debug("ipstack: malformed ARP payload", "err", err)
			return
		}
		ifc.ARP.HandleFrame(msg, now)
	case layers.EthernetTypeIPv4:
		l.recvIPv4(ifc, payload, now)
	}
}

func (l *Layer) recvIPv4(ifc *iface.Interface, data []byte, now time.Time) {
	if len(data) < wire.IPv4MinHeaderLen {
		return
	}
	h, payload, err := wire.DecodeIPv4(data)
	if err != nil {
		l.cfg.Log.Debug("ipstack: ip decode failed", "err", err)
		return
	}
	if h.Version != 4 || h.IHL < 5 {
		return
	}
	if int(h.Length) < int(h.IHL)*4 || int(h.Length) > len(data) {
		return
	}
	if !ifc.Contains(h.Dst) && h.Dst != ifc.Addr && !h.Dst.IsAllOnes() && !ip4.IsSubnetBroadcast(ifc.Addr, ifc.Mask, h.Dst) {
		return // not addressed to this interface
	}

	more := h.Flags&layers.IPv4MoreFragments != 0
	if more || h.FragOffset != 0 {
		var ok bool
		h, payload, ok = l.reass.Process(h, payload, now)
		if !ok {
			return
		}
	}

	info := RxInfo{Iface: ifc, Header: h}
	for _, ln := range l.listeners {
		if ln.HandleIPv4(info, payload) {
			return
		}
	}

	accepted := false
	for _, hnd := range l.handlers[h.Protocol] {
		if hnd.HandleIPv4(info, payload) {
			accepted = true
			break
		}
	}
	if !accepted && l.icmp != nil && l.isLocalAddr(h.Dst) && h.Protocol != layers.IPProtocolICMPv4 {
		l.icmp.EmitDestUnreachable(CodeProtocolUnreachable, h, data, info)
	}
}

// Send routes, fragments if needed, and transmits an IPv4 datagram per
// spec.md §4.4's send pipeline.
func (l *Layer) Send(p SendParams, now time.Time) error {
	ifc, nextHop, err := l.route(p)
	if err != nil {
		return err
	}

	if err := l.checkBroadcastAndSrc(p, ifc); err != nil {
		return err
	}

	mtu := l.pmtu.Get(p.Pair.Remote, ifc.MTU())
	if len(p.Data)+wire.IPv4MinHeaderLen > mtu {
		if p.Flags&DontFragment != 0 {
			l.pmtu.Lower(p.Pair.Remote, ifc.MTU(), mtu)
			return ErrFragNeeded
		}
		return l.sendFragmented(ifc, nextHop, p, mtu, now)
	}
	return l.sendOne(ifc, nextHop, p, p.Data, 0, false, now)
}

func (l *Layer) route(p SendParams) (*iface.Interface, ip4.Addr, error) {
	if p.ForceIface != nil {
		return p.ForceIface, p.Pair.Remote, nil
	}
	ifc, nextHop, err := l.table.Lookup(p.Pair.Remote)
	if err != nil {
		return nil, ip4.Addr{}, ErrNoRoute
	}
	return ifc, nextHop, nil
}

func (l *Layer) checkBroadcastAndSrc(p SendParams, ifc *iface.Interface) error {
	isBcast := p.Pair.Remote.IsAllOnes() || ip4.IsSubnetBroadcast(ifc.Addr, ifc.Mask, p.Pair.Remote)
	if isBcast && p.Flags&AllowBroadcast == 0 {
		return ErrBroadcastRejected
	}
	if p.Pair.Local != ifc.Addr && !p.Pair.Local.IsZero() && p.Flags&AllowNonLocalSrc == 0 {
		return ErrNonlocalSrc
	}
	return nil
}

func (l *Layer) sendFragmented(ifc *iface.Interface, nextHop ip4.Addr, p SendParams, mtu int, now time.Time) error {
	maxData := ((mtu - wire.IPv4MinHeaderLen) / 8) * 8
	if maxData <= 0 {
		return ErrFragNeeded
	}
	offset := 0
	for offset < len(p.Data) {
		end := offset + maxData
		last := false
		if end >= len(p.Data) {
			end = len(p.Data)
			last = true
		}
		if err := l.sendOne(ifc, nextHop, p, p.Data[offset:end], offset, !last, now); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func (l *Layer) sendOne(ifc *iface.Interface, nextHop ip4.Addr, p SendParams, fragData []byte, offset int, more bool, now time.Time) error {
	src := p.Pair.Local
	if src.IsZero() {
		src = ifc.Addr
	}
	var flags layers.IPv4Flag
	if more {
		flags |= layers.IPv4MoreFragments
	}
	if p.Flags&DontFragment != 0 {
		flags |= layers.IPv4DontFragment
	}
	if offset == 0 {
		l.nextID++
	}
	h := wire.IPv4Header{
		TTL:        p.TTL,
		Protocol:   p.Protocol,
		ID:         l.nextID,
		Flags:      flags,
		FragOffset: uint16(offset / 8),
		Src:        src,
		Dst:        p.Pair.Remote,
	}
	raw, err := wire.EncodeIPv4(h, fragData)
	if err != nil {
		return err
	}

	dstMAC, err := ifc.ARP.Resolve(nextHop, true, p.Waiter, now)
	if err != nil {
		return err
	}
	return ifc.SendFrame(dstMAC, layers.EthernetTypeIPv4, raw)
}
