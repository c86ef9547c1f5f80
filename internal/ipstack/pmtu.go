package ipstack

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/quietstack/ipstack/internal/ip4"
)

// MinMTU is the floor spec.md §4.4 puts under any PMTU estimate,
// regardless of how small a reported next-hop MTU is.
const MinMTU = 256

// MtuObserver is notified synchronously when the PMTU estimate for a
// destination it cares about changes; TCP connections implement this to
// drop their segmentation size on Too-Big notifications (spec.md
// scenario 6).
type MtuObserver interface {
	MtuChanged(newMTU int)
}

// PMTUCache tracks one path-MTU estimate per destination, expiring
// stale entries and evicting least-recently-used ones when full. Built
// on jellydator/ttlcache/v3, the TTL+capacity cache the rest of the
// retrieved example pack reaches for whenever a component needs
// expiring, bounded key-value state — exactly PMTU's shape, and a much
// better fit than hand-rolling an LRU+expiry table over a map.
type PMTUCache struct {
	cache     *ttlcache.Cache[ip4.Addr, int]
	observers map[ip4.Addr][]MtuObserver
}

// NewPMTUCache constructs a cache holding at most capacity entries,
// each expiring ttl after it was last set or read (a lookup extends an
// entry's lifetime).
func NewPMTUCache(capacity int, ttl time.Duration) *PMTUCache {
	c := ttlcache.New[ip4.Addr, int](
		ttlcache.WithTTL[ip4.Addr, int](ttl),
		ttlcache.WithCapacity[ip4.Addr, int](uint64(capacity)),
	)
	return &PMTUCache{cache: c, observers: make(map[ip4.Addr][]MtuObserver)}
}

// Get returns the current PMTU estimate for dst, falling back to
// ifaceMTU (the outgoing interface's own MTU) when no estimate is
// cached or it has expired.
func (p *PMTUCache) Get(dst ip4.Addr, ifaceMTU int) int {
	item := p.cache.Get(dst)
	if item == nil {
		return ifaceMTU
	}
	if v := item.Value(); v < ifaceMTU {
		return v
	}
	return ifaceMTU
}

// Lower records a new, smaller PMTU estimate for dst in response to an
// ICMP Fragmentation-Needed message or a local FragNeeded error, and
// notifies every registered observer synchronously.
func (p *PMTUCache) Lower(dst ip4.Addr, ifaceMTU, reportedMTU int) {
	mtu := reportedMTU
	if mtu < MinMTU {
		mtu = MinMTU
	}
	if mtu > ifaceMTU {
		mtu = ifaceMTU
	}
	p.cache.Set(dst, mtu, ttlcache.DefaultTTL)
	for _, obs := range p.observers[dst] {
		obs.MtuChanged(mtu)
	}
}

// Observe registers obs to be notified of future PMTU changes for dst.
func (p *PMTUCache) Observe(dst ip4.Addr, obs MtuObserver) {
	p.observers[dst] = append(p.observers[dst], obs)
}

// Unobserve removes obs from dst's observer list; TCP connections call
// this on teardown so a torn-down connection's back-reference is
// cleared, per spec.md §9's "Ownership of PCBs" note applied to PMTU
// observers.
func (p *PMTUCache) Unobserve(dst ip4.Addr, obs MtuObserver) {
	list := p.observers[dst]
	for i, o := range list {
		if o == obs {
			p.observers[dst] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
