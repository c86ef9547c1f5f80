package ipstack

import (
	"math"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/clock"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/wire"
)

// reassKey identifies one in-progress reassembly by the 4-tuple RFC 791
// uses to match fragments of the same original datagram.
type reassKey struct {
	Src, Dst ip4.Addr
	Proto    uint8
	ID       uint16
}

// hole is one as-yet-unreceived byte range [Start, End) within an
// in-progress reassembly buffer. End is math.MaxInt32 until a
// non-more-fragments arrival establishes the datagram's total length.
type hole struct{ Start, End int }

type reassEntry struct {
	header   wire.IPv4Header
	data     []byte
	holes    []hole
	totalLen int // -1 until the final fragment has been seen
	maxSize  int
}

func newReassEntry(h wire.IPv4Header, maxSize int) *reassEntry {
	return &reassEntry{
		header:   h,
		data:     make([]byte, 0, maxSize),
		holes:    []hole{{0, math.MaxInt32}},
		totalLen: -1,
		maxSize:  maxSize,
	}
}

func (e *reassEntry) ensureLen(n int) {
	if n > cap(e.data) {
		n = cap(e.data)
	}
	if n > len(e.data) {
		grown := make([]byte, n)
		copy(grown, e.data)
		e.data = grown
	}
}

// fill copies fragment into e.data at offset and punches the
// corresponding range out of the hole list, splitting any hole that
// only partially overlaps. It reports false without copying anything
// if the fragment would land past maxSize, e.g. a crafted FragOffset
// near the 13-bit field's top end.
func (e *reassEntry) fill(offset int, fragment []byte) bool {
	end := offset + len(fragment)
	if offset < 0 || end > e.maxSize {
		return false
	}
	e.ensureLen(end)
	copy(e.data[offset:end], fragment)

	var kept []hole
	for _, h := range e.holes {
		if end <= h.Start || offset >= h.End {
			kept = append(kept, h)
			continue
		}
		if h.Start < offset {
			kept = append(kept, hole{h.Start, offset})
		}
		if h.End > end {
			kept = append(kept, hole{end, h.End})
		}
	}
	e.holes = kept
	return true
}

// finalize is called once a fragment without MoreFragments establishes
// the datagram's true length: any open-ended hole is clipped to it.
func (e *reassEntry) finalize(total int) {
	e.totalLen = total
	var kept []hole
	for _, h := range e.holes {
		if h.Start >= total {
			continue
		}
		if h.End > total {
			h.End = total
		}
		kept = append(kept, h)
	}
	e.holes = kept
}

func (e *reassEntry) complete() bool {
	return e.totalLen >= 0 && len(e.holes) == 0
}

// Reassembler holds in-progress IPv4 fragment reassembly state, one
// entry per (src, dst, protocol, identification), bounded by
// maxEntries and maxSize and aged out by timeout — spec.md §4.3.
type Reassembler struct {
	maxEntries int
	maxSize    int
	timeout    time.Duration

	entries map[reassKey]*reassEntry
	order   []reassKey // insertion order, for FIFO eviction when full

	timers  *clock.TimerQueue
	idByKey map[reassKey]clock.TimerID
	keyByID map[clock.TimerID]reassKey
	nextID  clock.TimerID
}

// NewReassembler constructs an empty reassembler.
func NewReassembler(maxEntries, maxSize int, timeout time.Duration) *Reassembler {
	return &Reassembler{
		maxEntries: maxEntries,
		maxSize:    maxSize,
		timeout:    timeout,
		entries:    make(map[reassKey]*reassEntry),
		timers:     clock.NewTimerQueue(),
		idByKey:    make(map[reassKey]clock.TimerID),
		keyByID:    make(map[clock.TimerID]reassKey),
	}
}

// Process feeds one fragment (h describing the fragment's own IP
// header, fragment its payload) into the reassembler. It returns the
// reassembled header and payload with ok=true once every fragment has
// arrived; otherwise ok is false and the fragment has been filed away.
func (r *Reassembler) Process(h wire.IPv4Header, fragment []byte, now time.Time) (wire.IPv4Header, []byte, bool) {
	key := reassKey{Src: h.Src, Dst: h.Dst, Proto: uint8(h.Protocol), ID: h.ID}
	offset := int(h.FragOffset) * 8
	more := h.Flags&layers.IPv4MoreFragments != 0

	entry, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= r.maxEntries {
			r.evictOldest()
		}
		entry = newReassEntry(h, r.maxSize)
		r.entries[key] = entry
		r.order = append(r.order, key)
		r.armTimer(key, now)
	}
	if offset == 0 {
		entry.header = h // first fragment carries the header to use for the reassembled datagram
	}
	if !entry.fill(offset, fragment) {
		return wire.IPv4Header{}, nil, false // fragment offset+length exceeds maxSize: drop it
	}
	if !more {
		entry.finalize(offset + len(fragment))
	}

	if !entry.complete() {
		return wire.IPv4Header{}, nil, false
	}

	r.remove(key)
	out := entry.header
	out.Length = uint16(int(entry.header.IHL)*4 + entry.totalLen)
	out.FragOffset = 0
	out.Flags &^= layers.IPv4MoreFragments
	return out, entry.data[:entry.totalLen], true
}

func (r *Reassembler) armTimer(key reassKey, now time.Time) {
	r.nextID++
	id := r.nextID
	r.idByKey[key] = id
	r.keyByID[id] = key
	r.timers.Arm(id, now.Add(r.timeout))
}

func (r *Reassembler) remove(key reassKey) {
	delete(r.entries, key)
	if id, ok := r.idByKey[key]; ok {
		r.timers.Cancel(id)
		delete(r.idByKey, key)
		delete(r.keyByID, id)
	}
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Reassembler) evictOldest() {
	if len(r.order) == 0 {
		return
	}
	r.remove(r.order[0])
}

// Tick drops any reassembly entry whose deadline has passed without
// completing.
func (r *Reassembler) Tick(now time.Time) {
	for _, id := range r.timers.PopDue(now) {
		if key, ok := r.keyByID[id]; ok {
			delete(r.entries, key)
			delete(r.idByKey, key)
			delete(r.keyByID, id)
			for i, k := range r.order {
				if k == key {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		}
	}
}

// Len reports the number of in-progress reassemblies, for tests.
func (r *Reassembler) Len() int { return len(r.entries) }
