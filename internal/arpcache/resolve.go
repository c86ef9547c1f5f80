package arpcache

import (
	"errors"
	"net"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/wire"
)

// ErrQueryInProgress is returned by Resolve when no MAC is known yet and
// a query has been (re)started; the caller's Waiter, if given, is fired
// once the entry resolves or is abandoned.
var ErrQueryInProgress = errors.New("arpcache: query in progress")

// ErrUnreachable names the case of an address that never answered after
// the configured number of attempts. Resolve does not return it: once a
// query is abandoned, the next Resolve for that address starts a fresh
// query and returns ErrQueryInProgress.
var ErrUnreachable = errors.New("arpcache: address unreachable")

// Resolve looks up ip's link-layer address. Broadcast destinations
// resolve immediately without consuming an entry. wantHard marks the
// entry as "hard" (actively needed, e.g. by a live TCP PCB or a pending
// IP send) versus "weak" (passively observed); hard entries are
// protected from eviction ahead of weak ones per the cache's policy.
func (c *Cache) Resolve(ip ip4.Addr, wantHard bool, waiter Waiter, now time.Time) (net.HardwareAddr, error) {
	if ip.IsAllOnes() || (!c.cfg.Netmask.IsZero() && ip4.IsSubnetBroadcast(c.cfg.LocalIP, c.cfg.Netmask, ip)) {
		return wire.BroadcastMAC, nil
	}

	if i, ok := c.byIP[ip]; ok {
		e := &c.entries[i]
		if wantHard && e.weak {
			e.weak = false
		}
		c.touchUsed(i)
		// A Valid entry past its lifetime keeps serving its last-known MAC
		// until it is actually used again; only this use triggers the
		// promotion to Refreshing and the unicast probe (spec.md §4.2), so
		// an idle entry never generates unsolicited wire traffic on its own.
		if e.state == StateValid && e.expired {
			e.expired = false
			e.state = StateRefreshing
			e.attemptsLeft = c.cfg.RefreshAttempts
			e.backoff = c.cfg.BaseTimeout
			c.sendRefresh(i, now)
		}
		switch e.state {
		case StateValid:
			return e.mac, nil
		case StateRefreshing:
			return e.mac, nil
		case StateQuery:
			if waiter != nil {
				e.waiters = append(e.waiters, waiter)
			}
			return nil, ErrQueryInProgress
		}
	}

	i := c.allocate(!wantHard)
	e := &c.entries[i]
	*e = entry{
		state:        StateQuery,
		ip:           ip,
		weak:         !wantHard,
		attemptsLeft: c.cfg.QueryAttempts,
		backoff:      c.cfg.BaseTimeout,
		prev:         noIndex,
		next:         noIndex,
	}
	if waiter != nil {
		e.waiters = append(e.waiters, waiter)
	}
	c.byIP[ip] = i
	c.touchUsed(i)
	c.sendQuery(i, now)
	return nil, ErrQueryInProgress
}

// sendQuery emits a broadcast ARP request for entries[i] and arms its
// retry timer.
func (c *Cache) sendQuery(i int, now time.Time) {
	e := &c.entries[i]
	msg := wire.ARPMessage{
		Operation: layers.ARPRequest,
		SenderMAC: c.cfg.LocalMAC,
		SenderIP:  c.cfg.LocalIP,
		TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:  e.ip,
	}
	c.emit(msg, wire.BroadcastMAC)
	c.timers.Arm(clock.TimerID(i), now.Add(e.backoff))
}

// sendRefresh emits a unicast ARP request re-confirming a Valid entry
// that has reached its lifetime, per spec.md §4.2's refresh behavior:
// the entry keeps serving its last-known MAC while refreshing.
func (c *Cache) sendRefresh(i int, now time.Time) {
	e := &c.entries[i]
	msg := wire.ARPMessage{
		Operation: layers.ARPRequest,
		SenderMAC: c.cfg.LocalMAC,
		SenderIP:  c.cfg.LocalIP,
		TargetMAC: e.mac,
		TargetIP:  e.ip,
	}
	c.emit(msg, e.mac)
	c.timers.Arm(clock.TimerID(i), now.Add(e.backoff))
}

func (c *Cache) emit(msg wire.ARPMessage, dstMAC net.HardwareAddr) {
	payload, err := wire.EncodeARP(msg)
	if err != nil {
		c.cfg.Log.Error("arpcache: encode failed", "err", err)
		return
	}
	if err := c.tx.SendFrame(dstMAC, layers.EthernetTypeARP, payload); err != nil {
		c.cfg.Log.Warn("arpcache: send failed", "err", err)
	}
}

// resolveEntry transitions entries[i] to Valid with mac and fires any
// registered waiters.
func (c *Cache) resolveEntry(i int, mac net.HardwareAddr, now time.Time) {
	e := &c.entries[i]
	e.state = StateValid
	e.expired = false
	e.mac = append(e.mac[:0], mac...)
	e.attemptsLeft = c.cfg.RefreshAttempts
	e.backoff = c.cfg.BaseTimeout
	c.timers.Arm(clock.TimerID(i), now.Add(c.cfg.ValidLifetime))
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w.ArpResolved(mac, true)
	}
}

// HandleFrame processes a decoded ARP message received on the wire:
// requests targeting our own address are answered, and the sender's
// mapping is learned opportunistically (as a weak entry, unless one
// already exists and is being actively refreshed).
func (c *Cache) HandleFrame(msg wire.ARPMessage, now time.Time) {
	if msg.SenderIP.IsZero() || msg.SenderMAC.String() == wire.BroadcastMAC.String() {
		return
	}
	c.observe(msg.SenderIP, msg.SenderMAC, now)

	if msg.Operation == layers.ARPRequest && msg.TargetIP == c.cfg.LocalIP {
		reply := wire.ARPMessage{
			Operation: layers.ARPReply,
			SenderMAC: c.cfg.LocalMAC,
			SenderIP:  c.cfg.LocalIP,
			TargetMAC: msg.SenderMAC,
			TargetIP:  msg.SenderIP,
		}
		c.emit(reply, msg.SenderMAC)
	}
}

// observe records a learned (ip, mac) pairing. If an entry already
// exists it is refreshed in place (resolving Query/Refreshing entries
// immediately); otherwise a new weak entry is allocated so unsolicited
// traffic never evicts hard entries beyond the protection policy.
func (c *Cache) observe(ip ip4.Addr, mac net.HardwareAddr, now time.Time) {
	if i, ok := c.byIP[ip]; ok {
		e := &c.entries[i]
		switch e.state {
		case StateQuery, StateRefreshing:
			c.resolveEntry(i, mac, now)
		case StateValid:
			e.mac = append(e.mac[:0], mac...)
		}
		c.touchUsed(i)
		return
	}

	i := c.allocate(true)
	e := &c.entries[i]
	*e = entry{
		state: StateValid,
		ip:    ip,
		mac:   append(net.HardwareAddr(nil), mac...),
		weak:  true,
		prev:  noIndex,
		next:  noIndex,
	}
	c.byIP[ip] = i
	c.touchUsed(i)
	c.timers.Arm(clock.TimerID(i), now.Add(c.cfg.ValidLifetime))
}

// Tick drives every entry whose retry/refresh/lifetime timer has
// expired. The host event loop calls this once per iteration with the
// current time.
func (c *Cache) Tick(now time.Time) {
	for _, id := range c.timers.PopDue(now) {
		c.onTimeout(int(id), now)
	}
}

func (c *Cache) onTimeout(i int, now time.Time) {
	e := &c.entries[i]
	switch e.state {
	case StateQuery:
		if e.attemptsLeft > 0 {
			e.attemptsLeft--
			e.backoff *= 2
			c.sendQuery(i, now)
			return
		}
		c.abandon(i)
	case StateValid:
		// Lifetime expiry alone never promotes the entry or sends
		// anything; it only marks the MAC stale so the next Resolve
		// knows to refresh it (spec.md §4.2).
		e.expired = true
	case StateRefreshing:
		if e.attemptsLeft > 0 {
			e.attemptsLeft--
			e.backoff *= 2
			c.sendRefresh(i, now)
			return
		}
		// Exhausted the unicast refresh budget without an answer:
		// degrade to a fresh broadcast Query with a full retry budget
		// rather than abandoning the entry outright (spec.md §4.2).
		e.state = StateQuery
		e.attemptsLeft = c.cfg.QueryAttempts
		e.backoff = c.cfg.BaseTimeout
		c.sendQuery(i, now)
	}
}

// abandon frees an entry that exhausted its retry budget without
// resolving, failing any waiters that were registered.
func (c *Cache) abandon(i int) {
	e := &c.entries[i]
	delete(c.byIP, e.ip)
	c.failWaiters(i)
	c.removeUsed(i)
	*e = entry{state: StateFree, weak: true, prev: noIndex, next: noIndex}
	c.pushFree(i)
}

// Lookup reports the currently cached MAC for ip without triggering a
// new query, for diagnostics and tests.
func (c *Cache) Lookup(ip ip4.Addr) (net.HardwareAddr, State, bool) {
	i, ok := c.byIP[ip]
	if !ok {
		return nil, StateFree, false
	}
	e := &c.entries[i]
	return e.mac, e.state, true
}

// LocalMAC returns the interface's own link-layer address, as configured.
func (c *Cache) LocalMAC() net.HardwareAddr { return c.cfg.LocalMAC }

// Len reports the number of in-use entries, for tests.
func (c *Cache) Len() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].inUse() {
			n++
		}
	}
	return n
}
