package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quietstack/ipstack/internal/buf"
	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/ip4"
)

// fourTuple identifies one TCP connection, the key of the PCB lookup
// index spec.md §4.5 calls out (implemented here as a plain Go map,
// the "MRU list" arm of the spec's configurable-index choice collapsed
// to the simpler O(1) option since nothing in this module needs the
// AVL-tree variant's ordered traversal).
type fourTuple struct {
	Local      ip4.Addr
	LocalPort  uint16
	Remote     ip4.Addr
	RemotePort uint16
}

// Callbacks is the application's connection object, invoked
// synchronously from within whatever event (driver receive or timer
// expiry) triggered it, per spec.md §5.
type Callbacks interface {
	// ConnectionEstablished fires once the three-way handshake completes.
	ConnectionEstablished()
	// DataReceived reports that n more bytes are now present at the head
	// of the receive buffer the application configured with SetRecvBuf.
	// n == 0 signals the peer's FIN (orderly half-close).
	DataReceived(n int)
	// DataSent reports that n bytes the application queued with
	// SetSendBuf have been acked and released.
	DataSent(n int)
	// ConnectionAborted fires exactly once, in place of a normal close,
	// whenever the PCB is torn down abnormally (RST sent/received,
	// timeout, or an application-requested reset).
	ConnectionAborted(err error)
}

// oosSegment is one entry of a PCB's bounded out-of-sequence buffer:
// in-window data that arrived ahead of rcv.NXT (spec.md §4.6 step 8).
type oosSegment struct {
	seq  Value
	data []byte
	fin  bool
}

// maxOOSSegments bounds the out-of-sequence buffer per spec.md's
// "bounded per-PCB structure" (§ GLOSSARY).
const maxOOSSegments = 16

// pcb is one entry of the TCP module's fixed arena. It embeds
// [ControlBlock] for sequence-space bookkeeping and layers the
// application buffer contract, congestion control, and timers on top.
type pcb struct {
	cb   ControlBlock
	cong congestion

	key      fourTuple
	ifc      *iface.Interface
	inUse    bool // owned by a live Connection, vs. sitting on the free list
	listener *Listener
	cbs      Callbacks

	sendBuf    buf.Ref
	haveSendBuf bool
	recvBuf    buf.Ref
	haveRecvBuf bool
	pendingFIN bool // close_sending() was called

	mss          uint16
	effectiveMSS uint16 // min(mss, PMTU-derived ceiling); what segmentation actually uses
	wndScale     uint8
	peerWScale   uint8
	useWScale    bool

	oos []oosSegment

	delayedACKCount   int
	delayedACKPending bool
	nagleHold         bool // a short send is being held back pending an ACK; see drainSendQueue

	timeWaitDeadline time.Time

	rtoRetries     int                         // consecutive RTO-triggered retransmits without progress
	persistBackoff *backoff.ExponentialBackOff // zero-window probe interval schedule, lazily created

	mtuObs *mtuObserver // registered with ipstack.PMTUCache while a route to the peer is known

	secret uint32 // per-PCB ISN secret

	index int
	gen   uint32 // bumped on every reuse so a stale Connection/observer can detect eviction
}

// reset clears a pcb entry for reuse, dropping any back-references so
// a torn-down Connection/MtuObserver registration can't reach stale
// state (spec.md §9, "Ownership of PCBs").
func (p *pcb) reset(secret uint32) {
	idx, gen := p.index, p.gen+1
	*p = pcb{index: idx, gen: gen, secret: secret}
}

// effectiveSegSize returns the segmentation size to use right now.
func (p *pcb) effectiveSegSize() uint16 {
	if p.effectiveMSS != 0 && p.effectiveMSS < p.mss {
		return p.effectiveMSS
	}
	return p.mss
}
