package tcp

import (
	"errors"

	"github.com/quietstack/ipstack/internal/buf"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/wire"
)

// errStaleConnection is returned by every [Connection] method once the
// underlying PCB has been released and possibly reused by a different
// connection (spec.md §9's "ownership of PCBs": a Connection handle
// outlives the PCB it once named).
var errStaleConnection = errors.New("tcp: connection no longer owns its pcb")

// Connection is the application-facing handle for one TCP connection,
// spec.md §4.9's external object. It never holds a raw PCB pointer: the
// (index, generation) pair detects that the arena slot has been
// recycled since this handle was issued.
type Connection struct {
	m   *Module
	idx int
	gen uint32
}

func (c *Connection) pcb() (*pcb, error) {
	p := &c.m.arena[c.idx]
	if !p.inUse || p.gen != c.gen {
		return nil, errStaleConnection
	}
	return p, nil
}

// State returns the connection's current TCP state, or StateClosed if
// the handle has gone stale.
func (c *Connection) State() State {
	p, err := c.pcb()
	if err != nil {
		return StateClosed
	}
	return p.cb.State()
}

// SetRecvBuf gives the stack a buffer to deliver received bytes into.
// Its length is the initial receive window advertised to the peer.
func (c *Connection) SetRecvBuf(b buf.Ref) error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	p.recvBuf = b
	p.haveRecvBuf = true
	p.cb.SetRecvWindow(Size(b.Len()))
	return nil
}

// ExtendRecvBuf grants n more bytes of receive window, after the
// application has consumed bytes a prior DataReceived callback reported
// (spec.md §4.9).
func (c *Connection) ExtendRecvBuf(n int) error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	if !p.haveRecvBuf {
		return errDropSegment
	}
	p.recvBuf = buf.Ref{First: p.recvBuf.First, Off: p.recvBuf.Off, Total: p.recvBuf.Len() + n}
	p.cb.SetRecvWindow(Size(p.recvBuf.Len()))
	return nil
}

// SetSendBuf gives the stack a buffer of bytes to send. Bytes already
// sent-but-unacked must still be present at its front: the stack needs
// them for retransmission.
func (c *Connection) SetSendBuf(b buf.Ref) error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	p.sendBuf = b
	p.haveSendBuf = true
	c.m.sendPending(p)
	return nil
}

// ExtendSendBuf grants n more bytes of data the application has written
// past the previous end of the send buffer, making them eligible to go
// out immediately.
func (c *Connection) ExtendSendBuf(n int) error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	if !p.haveSendBuf {
		return errDropSegment
	}
	p.sendBuf = buf.Ref{First: p.sendBuf.First, Off: p.sendBuf.Off, Total: p.sendBuf.Len() + n}
	c.m.sendPending(p)
	return nil
}

// SendPush forces an immediate send attempt, bypassing whatever Nagle
// hold would otherwise delay small writes (spec.md §4.9).
func (c *Connection) SendPush() error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	p.nagleHold = false
	c.m.drainSendQueue(p, true)
	return nil
}

// CloseSending arranges for a FIN to go out once all previously queued
// data has drained (RFC 9293's CLOSE call).
func (c *Connection) CloseSending() error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	if err := p.cb.Close(); err != nil {
		return err
	}
	p.pendingFIN = true
	c.m.sendPending(p)
	return nil
}

// Reset tears the connection down immediately instead of via the normal
// FIN handshake (spec.md §5, scenario 5). When haveUnprocessedData is
// true an RST is sent first, telling the peer data was discarded
// un-delivered; otherwise the PCB is simply released.
func (c *Connection) Reset(haveUnprocessedData bool) error {
	p, err := c.pcb()
	if err != nil {
		return err
	}
	if haveUnprocessedData {
		p.cb.QueueRST()
		c.m.sendPending(p)
	}
	c.m.abortPCB(p, ipstack.ErrConnectionAborted)
	return nil
}

// mtuObserver bridges ipstack.PMTUCache's per-destination notification
// to the owning PCB, re-checked against (idx, gen) the same way
// Connection is, since a PMTU change can arrive long after the PCB that
// registered for it has been recycled.
type mtuObserver struct {
	m   *Module
	idx int
	gen uint32
}

// MtuChanged implements ipstack.MtuObserver: it shrinks the connection's
// segmentation ceiling and immediately retransmits in-flight data at
// the new, smaller size (spec.md scenario 6).
func (o *mtuObserver) MtuChanged(newMTU int) {
	p := &o.m.arena[o.idx]
	if !p.inUse || p.gen != o.gen {
		return
	}
	ceiling := newMTU - 40 // IPv4 + TCP headers, no options
	if ceiling < 1 {
		ceiling = 1
	}
	if p.effectiveMSS != 0 && int(p.effectiveMSS) <= ceiling {
		return
	}
	p.effectiveMSS = uint16(ceiling)
	o.m.retransmitFromUNA(p)
}

// registerMtuObserver subscribes p to future PMTU changes toward its
// peer; called once the 4-tuple (and therefore the route) is known.
func (m *Module) registerMtuObserver(p *pcb) {
	obs := &mtuObserver{m: m, idx: p.index, gen: p.gen}
	p.mtuObs = obs
	m.ip.PMTU().Observe(p.key.Remote, obs)
}

// unregisterMtuObserver drops p's PMTU subscription on release so a
// later notification can't reach a recycled PCB through a stale
// pointer equality check (belt-and-suspenders alongside the gen check
// in MtuChanged).
func (m *Module) unregisterMtuObserver(p *pcb) {
	if p.mtuObs == nil {
		return
	}
	m.ip.PMTU().Unobserve(p.key.Remote, p.mtuObs)
	p.mtuObs = nil
}

// HandleDestUnreachable implements icmp.DestUnreachHandler. PMTU codes
// are already handled centrally by ipstack.Layer.LowerPMTU before this
// is even called (see internal/icmp); this aborts the matching
// connection for the remaining "really unreachable" codes.
func (m *Module) HandleDestUnreachable(code ipstack.DestUnreachCode, nextHopMTU int, quoted []byte) {
	if code == ipstack.CodeFragmentationNeeded {
		return
	}
	origHeader, tcpPrefix, err := wire.DecodeIPv4(quoted)
	if err != nil || len(tcpPrefix) < 8 {
		return
	}
	srcPort := uint16(tcpPrefix[0])<<8 | uint16(tcpPrefix[1])
	dstPort := uint16(tcpPrefix[2])<<8 | uint16(tcpPrefix[3])
	key := fourTupleOf(origHeader.Src, srcPort, origHeader.Dst, dstPort)
	idx, ok := m.byKey[key]
	if !ok {
		return
	}
	m.abortPCB(&m.arena[idx], ipstack.ErrConnectionAborted)
}
