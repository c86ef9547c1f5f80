// Package clock is the stack's platform abstraction: the sole source of
// monotonic time and one-shot timers. Per the concurrency model, the
// stack owns no threads of its own — it only advances state when the
// host event loop calls in with a received frame, an expired timer, or
// an outbound-send request — so every timer here is armed with an
// absolute deadline and popped by the host calling PopDue, never by a
// goroutine sleeping on its own.
package clock

import (
	"container/heap"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is an alias of clockwork.Clock; production code passes
// clockwork.NewRealClock(), tests pass clockwork.NewFakeClock().
type Clock = clockwork.Clock

// RelativeTimeLimit bounds the largest relative interval any timer in
// this stack may request, matching the platform contract in spec.md §6
// (TimeType::MAX/64 must exceed any needed relative interval). The
// largest time.Duration divided by 64 is about 4.5 years, far above any
// interval this stack arms, so this is a documentation-only constant
// rather than a runtime check.
const RelativeTimeLimit = time.Duration(1<<63-1) / 64

// TimerID identifies one armed timer; owners (ARP entries, PCBs, PMTU
// entries) mint their own IDs however is convenient, typically an arena
// index.
type TimerID uint64

// timerEntry is one heap slot.
type timerEntry struct {
	id       TimerID
	deadline time.Time
	index    int // heap.Interface bookkeeping
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerQueue is a priority queue of one-shot, absolute-deadline timers.
// It has no internal locking: the stack is single-threaded and advanced
// only from the event loop, per spec.md §5 ("There are no locks").
type TimerQueue struct {
	h       timerHeap
	byID    map[TimerID]*timerEntry
}

// NewTimerQueue constructs an empty queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{byID: make(map[TimerID]*timerEntry)}
}

// Arm schedules (or reschedules) id to fire at deadline. Re-arming an
// existing id cancels its previous deadline.
func (q *TimerQueue) Arm(id TimerID, deadline time.Time) {
	if e, ok := q.byID[id]; ok {
		e.deadline = deadline
		heap.Fix(&q.h, e.index)
		return
	}
	e := &timerEntry{id: id, deadline: deadline}
	q.byID[id] = e
	heap.Push(&q.h, e)
}

// Cancel removes id from the queue if armed. Returns false if it was not
// armed (idempotent by design, since owners may cancel on teardown paths
// that race with the timer already having fired).
func (q *TimerQueue) Cancel(id TimerID) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	return true
}

// Armed reports whether id currently has a pending deadline.
func (q *TimerQueue) Armed(id TimerID) bool {
	_, ok := q.byID[id]
	return ok
}

// NextDeadline returns the earliest pending deadline, if any.
func (q *TimerQueue) NextDeadline() (time.Time, bool) {
	if q.h.Len() == 0 {
		return time.Time{}, false
	}
	return q.h[0].deadline, true
}

// PopDue removes and returns every timer id whose deadline is <= now, in
// deadline order. The host event loop calls this once per Tick.
func (q *TimerQueue) PopDue(now time.Time) []TimerID {
	var due []TimerID
	for q.h.Len() > 0 && !q.h[0].deadline.After(now) {
		e := heap.Pop(&q.h).(*timerEntry)
		delete(q.byID, e.id)
		due = append(due, e.id)
	}
	return due
}

// Len reports the number of currently-armed timers.
func (q *TimerQueue) Len() int { return q.h.Len() }
