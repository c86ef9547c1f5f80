package tcp

import (
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/icmp"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
)

// Config holds the TCP module's construction-time knobs, the TCP-named
// subset of spec.md §6's configuration list.
type Config struct {
	NumPcbs            int
	EphemeralPortLo     uint16
	EphemeralPortHi     uint16
	MaxInitialRcvWnd    uint32
	DelayedAckInterval  time.Duration
	TimeWaitDuration    time.Duration
	Log                 *slog.Logger
}

func (c *Config) setDefaults() {
	if c.NumPcbs == 0 {
		c.NumPcbs = 64
	}
	if c.EphemeralPortLo == 0 {
		c.EphemeralPortLo = 49152
	}
	if c.EphemeralPortHi == 0 {
		c.EphemeralPortHi = 65535
	}
	if c.MaxInitialRcvWnd == 0 {
		c.MaxInitialRcvWnd = 65535
	}
	if c.DelayedAckInterval == 0 {
		c.DelayedAckInterval = 200 * time.Millisecond
	}
	if c.TimeWaitDuration == 0 {
		c.TimeWaitDuration = 120 * time.Second // 2*MSL per spec.md §4.7
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// timer kinds multiplex clock.TimerQueue's single ID space across the
// several per-PCB deadlines this module needs.
const (
	timerKindRetransmit clock.TimerID = iota
	timerKindPersist
	timerKindDelayedACK
	timerKindTimeWait
	timerKindCount
)

func timerID(idx int, kind clock.TimerID) clock.TimerID {
	return clock.TimerID(idx)*timerKindCount + kind
}

// Module owns the fixed PCB arena, the listener list, and the 4-tuple
// lookup index (spec.md §4.5). It registers itself as the
// ipstack.ProtocolHandler for layers.IPProtocolTCP and as
// internal/icmp's DestUnreachHandler for the same protocol.
type Module struct {
	cfg Config
	ip  *ipstack.Layer
	clk clock.Clock
	log *slog.Logger

	arena    []pcb
	freeList []int // LRU order: front = least-recently freed
	byKey    map[fourTuple]int

	timers *clock.TimerQueue

	listeners []*Listener

	nextEphemeral uint16
	isnTick       uint32
}

// New constructs a TCP module bound to ip, registering for protocol
// dispatch and ICMP destination-unreachable notifications.
func New(cfg Config, ip *ipstack.Layer, icmpMod *icmp.Module, clk clock.Clock) *Module {
	cfg.setDefaults()
	m := &Module{
		cfg:           cfg,
		ip:            ip,
		clk:           clk,
		log:           cfg.Log,
		arena:         make([]pcb, cfg.NumPcbs),
		byKey:         make(map[fourTuple]int, cfg.NumPcbs),
		timers:        clock.NewTimerQueue(),
		nextEphemeral: cfg.EphemeralPortLo,
	}
	for i := range m.arena {
		m.arena[i].index = i
		m.freeList = append(m.freeList, i)
	}
	ip.RegisterHandler(layers.IPProtocolTCP, m)
	if icmpMod != nil {
		icmpMod.RegisterDestUnreachHandler(layers.IPProtocolTCP, m)
	}
	return m
}

// allocate pops the least-recently-used free PCB, per spec.md §4.5's
// allocation policy for both incoming SYNs and outgoing connects.
// Returns ok=false if the arena is exhausted.
func (m *Module) allocate() (*pcb, bool) {
	if len(m.freeList) == 0 {
		return nil, false
	}
	idx := m.freeList[0]
	m.freeList = m.freeList[1:]
	p := &m.arena[idx]
	p.reset(isnSecret(idx, m.isnTick))
	p.inUse = true
	return p, true
}

// release returns a PCB to the free list (appended at the back, so the
// front always holds the least-recently-used entry) and drops its
// 4-tuple from the index.
func (m *Module) release(p *pcb) {
	m.unregisterMtuObserver(p)
	delete(m.byKey, p.key)
	if p.listener != nil {
		p.listener.count--
	}
	idx := p.index
	p.inUse = false
	p.cbs = nil
	p.listener = nil
	m.freeList = append(m.freeList, idx)
}

func isnSecret(idx int, tick uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(idx), byte(idx >> 8), byte(tick), byte(tick >> 8), byte(tick >> 16), byte(tick >> 24)})
	return h.Sum32()
}

// nextISN implements spec.md §4.7's "monotonically increasing based on
// a per-instance counter advanced by time plus a per-PCB secret".
func (m *Module) nextISN(p *pcb) Value {
	m.isnTick++
	ms := uint32(m.clk.Now().UnixMilli())
	return Value(ms*250 + p.secret)
}

// Tick drains every timer (retransmit, persist, delayed ACK, TIME_WAIT
// expiry) due by now. The host event loop calls this once per
// iteration.
func (m *Module) Tick(now time.Time) {
	for _, id := range m.timers.PopDue(now) {
		idx := int(id / timerKindCount)
		kind := id % timerKindCount
		if idx < 0 || idx >= len(m.arena) {
			continue
		}
		p := &m.arena[idx]
		if !p.inUse {
			continue
		}
		switch kind {
		case timerKindRetransmit:
			m.onRetransmitTimeout(p, now)
		case timerKindPersist:
			m.onPersistTimeout(p, now)
		case timerKindDelayedACK:
			m.flushDelayedACK(p, now)
		case timerKindTimeWait:
			m.release(p)
		}
	}
}

// PCBsInUse reports how many of the fixed arena's slots are currently
// allocated, for callers exposing it as a gauge (internal/stack's
// prometheus wiring).
func (m *Module) PCBsInUse() int { return len(m.arena) - len(m.freeList) }

// fourTupleOf builds the lookup key for a locally-owned PCB.
func fourTupleOf(local ip4.Addr, localPort uint16, remote ip4.Addr, remotePort uint16) fourTuple {
	return fourTuple{Local: local, LocalPort: localPort, Remote: remote, RemotePort: remotePort}
}
