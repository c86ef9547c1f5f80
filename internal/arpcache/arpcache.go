// Package arpcache implements the ARP resolver and aging cache attached
// to one Ethernet/IPv4 interface: a fixed arena of entries each running
// the {Free, Query, Valid, Refreshing} state machine from spec.md §4.2,
// with protected-eviction policy so actively-needed ("hard") entries
// survive churn from passively-learned ("weak") traffic.
package arpcache

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/ip4"
)

// State is an ARP cache entry's position in spec.md §3's state machine.
type State uint8

const (
	StateFree State = iota
	StateQuery
	StateValid
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateQuery:
		return "query"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Transmitter sends an Ethernet frame carrying an ARP message to dstMAC.
// The cache never touches a driver directly: it is handed one at
// construction, matching the interface record's "reference to driver
// send function" in spec.md §3.
type Transmitter interface {
	SendFrame(dst net.HardwareAddr, ethType layers.EthernetType, payload []byte) error
}

// Waiter is the "send-retry request" object from spec.md's GLOSSARY: a
// one-shot notification registered by a caller that received
// ErrQueryInProgress, fired exactly once when the entry resolves (or is
// abandoned).
type Waiter interface {
	ArpResolved(mac net.HardwareAddr, ok bool)
}

// Config holds the construction-time knobs from spec.md §6.
type Config struct {
	LocalMAC      net.HardwareAddr
	LocalIP       ip4.Addr
	Netmask       ip4.Mask
	NumEntries    int
	ProtectCount  int
	QueryAttempts uint8
	RefreshAttempts uint8
	BaseTimeout   time.Duration
	ValidLifetime time.Duration
	Log           *slog.Logger
}

// Validate fills in defaults from spec.md §4.2 and rejects impossible
// configurations.
func (c *Config) Validate() error {
	if c.NumEntries <= 0 {
		return errBadConfig("NumEntries must be > 0")
	}
	if c.ProtectCount < 0 || c.ProtectCount > c.NumEntries {
		return errBadConfig("ProtectCount must be within [0, NumEntries]")
	}
	if c.QueryAttempts == 0 {
		c.QueryAttempts = 3
	}
	if c.RefreshAttempts == 0 {
		c.RefreshAttempts = 2
	}
	if c.BaseTimeout == 0 {
		c.BaseTimeout = time.Second
	}
	if c.ValidLifetime == 0 {
		c.ValidLifetime = 60 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

type errBadConfig string

func (e errBadConfig) Error() string { return "arpcache: " + string(e) }

const noIndex = -1

type entry struct {
	state        State
	ip           ip4.Addr
	mac          net.HardwareAddr
	weak         bool
	attemptsLeft uint8
	backoff      time.Duration
	waiters      []Waiter
	prev, next   int // intrusive list links; meaning depends on which list the entry is on

	// expired marks a Valid entry whose lifetime timer has already fired.
	// It keeps serving mac until the next Resolve, which is what actually
	// promotes it to Refreshing and sends the unicast probe.
	expired bool
}

func (e *entry) inUse() bool { return e.state != StateFree }
func (e *entry) hard() bool  { return e.inUse() && !e.weak }

// Cache is the ARP resolver/cache for one interface.
type Cache struct {
	cfg     Config
	tx      Transmitter
	clk     clock.Clock
	timers  *clock.TimerQueue
	entries []entry
	byIP    map[ip4.Addr]int

	freeHead int
	usedHead int // most recently touched
	usedTail int // least recently touched ("oldest")
}

// New constructs a cache with cfg.NumEntries entries, all initially Free.
func New(cfg Config, tx Transmitter, clk clock.Clock) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:      cfg,
		tx:       tx,
		clk:      clk,
		timers:   clock.NewTimerQueue(),
		entries:  make([]entry, cfg.NumEntries),
		byIP:     make(map[ip4.Addr]int, cfg.NumEntries),
		freeHead: noIndex,
		usedHead: noIndex,
		usedTail: noIndex,
	}
	for i := range c.entries {
		c.entries[i] = entry{state: StateFree, weak: true, prev: noIndex, next: noIndex}
		c.pushFree(i)
	}
	return c, nil
}

// --- intrusive list helpers ---

func (c *Cache) pushFree(i int) {
	c.entries[i].next = c.freeHead
	c.entries[i].prev = noIndex
	if c.freeHead != noIndex {
		c.entries[c.freeHead].prev = i
	}
	c.freeHead = i
}

func (c *Cache) popFree() (int, bool) {
	if c.freeHead == noIndex {
		return 0, false
	}
	i := c.freeHead
	c.freeHead = c.entries[i].next
	if c.freeHead != noIndex {
		c.entries[c.freeHead].prev = noIndex
	}
	return i, true
}

func (c *Cache) removeUsed(i int) {
	e := &c.entries[i]
	if e.prev != noIndex {
		c.entries[e.prev].next = e.next
	} else {
		c.usedHead = e.next
	}
	if e.next != noIndex {
		c.entries[e.next].prev = e.prev
	} else {
		c.usedTail = e.prev
	}
	e.prev, e.next = noIndex, noIndex
}

// touchUsed moves i to the head of the used list (most recently touched).
func (c *Cache) touchUsed(i int) {
	if c.usedHead == i {
		return
	}
	if c.entries[i].prev != noIndex || c.entries[i].next != noIndex || c.usedHead == i || c.usedTail == i {
		c.removeUsed(i)
	}
	e := &c.entries[i]
	e.prev = noIndex
	e.next = c.usedHead
	if c.usedHead != noIndex {
		c.entries[c.usedHead].prev = i
	}
	c.usedHead = i
	if c.usedTail == noIndex {
		c.usedTail = i
	}
}

// oldestWeak/oldestHard scan from the tail (least recently touched) for
// the first matching candidate, implementing the "oldest weak"/"oldest
// hard" selection in spec.md §4.2's eviction policy.
func (c *Cache) oldestWeak() (int, bool) {
	for i := c.usedTail; i != noIndex; i = c.entries[i].prev {
		if c.entries[i].weak {
			return i, true
		}
	}
	return 0, false
}

func (c *Cache) oldestHard() (int, bool) {
	for i := c.usedTail; i != noIndex; i = c.entries[i].prev {
		if !c.entries[i].weak {
			return i, true
		}
	}
	return 0, false
}

func (c *Cache) countHard() int {
	n := 0
	for i := c.usedHead; i != noIndex; i = c.entries[i].next {
		if !c.entries[i].weak {
			n++
		}
	}
	return n
}

// allocate implements spec.md §4.2's eviction policy: reuse a Free entry
// if one exists, else evict per the weak/hard protection rule.
func (c *Cache) allocate(wantWeak bool) int {
	if i, ok := c.popFree(); ok {
		return i
	}
	numHard := c.countHard()
	var victim int
	if wantWeak {
		if numHard > c.cfg.ProtectCount {
			victim, _ = c.oldestHard()
		} else if i, ok := c.oldestWeak(); ok {
			victim = i
		} else {
			victim, _ = c.oldestHard()
		}
	} else {
		if numHard >= c.cfg.ProtectCount {
			victim, _ = c.oldestHard()
		} else if i, ok := c.oldestWeak(); ok {
			victim = i
		} else {
			victim, _ = c.oldestHard()
		}
	}
	c.evict(victim)
	return victim
}

func (c *Cache) evict(i int) {
	e := &c.entries[i]
	delete(c.byIP, e.ip)
	c.failWaiters(i)
	c.timers.Cancel(clock.TimerID(i))
	c.removeUsed(i)
}

func (c *Cache) failWaiters(i int) {
	for _, w := range c.entries[i].waiters {
		w.ArpResolved(nil, false)
	}
	c.entries[i].waiters = nil
}
