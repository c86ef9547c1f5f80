// Package stack is the top-level orchestrator spec.md §5 describes:
// one iface.Table, one ipstack.Layer, the icmp/tcp/udp modules wired
// together, driven entirely by the host calling RecvFrame/Tick/Send —
// no goroutine of the stack's own. It has no direct teacher analog
// (doublezerod never assembles a userspace IP stack; it configures the
// kernel's), so its shape follows the teacher's own top-level
// composition root instead: cmd/doublezerod/main.go builds one of each
// long-lived subsystem (bgp.Server, manager.NetlinkManager, the route
// probing stack) and wires them by hand, which is exactly what
// Stack.New does here for the network-stack subsystems.
package stack

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/arpcache"
	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/driver"
	"github.com/quietstack/ipstack/internal/icmp"
	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/tcp"
	"github.com/quietstack/ipstack/internal/udp"
)

// Config aggregates every subsystem's construction-time knobs, the
// full spec.md §6 configuration list.
type Config struct {
	IP   ipstack.Config
	ICMP icmp.Config
	TCP  tcp.Config
	UDP  udp.Config
	Log  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.ICMP.Log == nil {
		c.ICMP.Log = c.Log
	}
	if c.TCP.Log == nil {
		c.TCP.Log = c.Log
	}
	if c.IP.Log == nil {
		c.IP.Log = c.Log
	}
}

// attachedIface bundles one configured interface with its own ARP
// cache. The FrameSink adapter for the interface (ifaceSink) is not
// stored here; AddInterface builds it and hands it to the caller.
type attachedIface struct {
	ifc *iface.Interface
	arp *arpcache.Cache
}

// Stack owns every attached interface plus one instance of each
// protocol module.
type Stack struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	table *iface.Table
	ip    *ipstack.Layer
	icmp  *icmp.Module
	tcp   *tcp.Module
	udp   *udp.Module

	ifaces map[string]*attachedIface
}

// New constructs a Stack with no interfaces attached yet; call
// AddInterface for each link before driving any traffic.
func New(cfg Config, clk clock.Clock) *Stack {
	cfg.setDefaults()
	table := iface.NewTable()
	ip := ipstack.New(cfg.IP, table, clk)
	icmpMod := icmp.New(cfg.ICMP, ip, clk)
	ip.SetICMP(icmpMod)
	tcpMod := tcp.New(cfg.TCP, ip, icmpMod, clk)
	udpMod := udp.New(cfg.UDP, ip, icmpMod, clk)

	return &Stack{
		cfg:    cfg,
		clk:    clk,
		log:    cfg.Log,
		table:  table,
		ip:     ip,
		icmp:   icmpMod,
		tcp:    tcpMod,
		udp:    udpMod,
		ifaces: make(map[string]*attachedIface),
	}
}

// IP, ICMP, TCP, UDP expose the underlying modules for callers that
// need direct access (TCP Listen/Connect, UDP Listen/Associate/Send,
// route table manipulation via Table).
func (s *Stack) IP() *ipstack.Layer  { return s.ip }
func (s *Stack) ICMP() *icmp.Module  { return s.icmp }
func (s *Stack) TCP() *tcp.Module    { return s.tcp }
func (s *Stack) UDP() *udp.Module    { return s.udp }
func (s *Stack) Table() *iface.Table { return s.table }

// InterfaceConfig holds one attached link's address plus its ARP
// cache's sizing knobs (spec.md §6, the arpcache.Config subset not
// implied by the link itself).
type InterfaceConfig struct {
	Addr            ip4.Addr
	Mask            ip4.Mask
	NumArpEntries   int
	ArpProtectCount int
}

// AddInterface attaches drv under name with address cfg.Addr/cfg.Mask,
// adds a directly-connected route for its subnet, and gives it its own
// ARP cache. It does NOT attach drv's frame sink: per spec.md §5 this
// stack has no goroutine of its own and makes no locking guarantees, so
// the host decides how inbound frames reach it. Callers whose driver
// already calls back on the host's single event-loop goroutine (e.g.
// driver.Pipe in tests) can Attach the returned FrameSink directly;
// callers whose driver reads on its own goroutine (e.g.
// driver/tap.Driver.Run) must relay through a channel the event loop
// drains itself, never Attach-ing the sink straight to the reader
// goroutine.
func (s *Stack) AddInterface(name string, cfg InterfaceConfig, drv driver.Driver) (*iface.Interface, driver.FrameSink, error) {
	ifc := &iface.Interface{Name: name, Addr: cfg.Addr, Mask: cfg.Mask, Driver: drv}

	if cfg.NumArpEntries == 0 {
		cfg.NumArpEntries = 32
	}
	arpCfg := arpcache.Config{
		LocalMAC:     drv.HardwareAddr(),
		LocalIP:      cfg.Addr,
		Netmask:      cfg.Mask,
		NumEntries:   cfg.NumArpEntries,
		ProtectCount: cfg.ArpProtectCount,
		Log:          s.log,
	}
	cache, err := arpcache.New(arpCfg, ifc, s.clk)
	if err != nil {
		return nil, nil, fmt.Errorf("stack: add interface %s: %w", name, err)
	}
	ifc.ARP = cache

	s.ifaces[name] = &attachedIface{ifc: ifc, arp: cache}
	networkOf := ip4.FromUint32(cfg.Addr.Uint32() & cfg.Mask.Uint32())
	s.table.Add(networkOf, cfg.Mask, ip4.Zero, ifc)

	return ifc, &ifaceSink{s: s, name: name}, nil
}

// ifaceSink implements driver.FrameSink for exactly one attached
// interface, letting several interfaces share this Stack's single
// RecvFrame entry point without ambiguity about which one a frame
// arrived on.
type ifaceSink struct {
	s    *Stack
	name string
}

func (sink *ifaceSink) RecvFrame(ethType layers.EthernetType, _ net.HardwareAddr, payload []byte) {
	a, ok := sink.s.ifaces[sink.name]
	if !ok {
		return
	}
	sink.s.observeFrameRx(sink.name)
	sink.s.ip.RecvFrame(a.ifc, ethType, payload, sink.s.clk.Now())
}

// AddRoute installs a route for dest/mask out the named interface, via
// gateway (zero for a directly-connected route).
func (s *Stack) AddRoute(dest ip4.Addr, mask ip4.Mask, gateway ip4.Addr, ifaceName string) bool {
	a, ok := s.ifaces[ifaceName]
	if !ok {
		return false
	}
	s.table.Add(dest, mask, gateway, a.ifc)
	return true
}

// Interface looks up a previously attached interface by name.
func (s *Stack) Interface(name string) (*iface.Interface, bool) {
	a, ok := s.ifaces[name]
	if !ok {
		return nil, false
	}
	return a.ifc, true
}

// Tick drives every subsystem's timer-expiry processing: IP reassembly
// deadlines, TCP retransmit/persist/delayed-ACK/TIME_WAIT timers, and
// every attached interface's ARP cache timers. The host event loop
// calls this once per iteration, per spec.md §5.
func (s *Stack) Tick(now time.Time) {
	s.ip.Tick(now)
	s.tcp.Tick(now)
	for _, a := range s.ifaces {
		a.arp.Tick(now)
	}
	s.sampleGauges()
}

// TickInterval is a reasonable default poll period for hosts that want
// a simple ticker rather than computing the next real deadline.
const TickInterval = 10 * time.Millisecond
