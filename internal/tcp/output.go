package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/wire"
)

// maxRetransmits bounds consecutive RTO-triggered retransmits with no
// acknowledged progress before a PCB gives up (spec.md §4.8 specifies
// the backoff formula but not a give-up count; this module aborts
// rather than retry forever, the same failure mode a real stack
// reports to the application as a timeout).
const maxRetransmits = 12

// minPersist/maxPersist bound the zero-window probe interval the same
// way minRTO/maxRTO bound retransmission.
const (
	minPersist = time.Second
	maxPersist = 60 * time.Second
)

// newPersistBackoff builds the doubling, capped schedule for zero-window
// probes (RFC 9293 §3.8.6.1), reusing the teacher's already-vendored
// cenkalti/backoff rather than hand-rolling the same doubling-with-cap
// arithmetic RTO already needs a from-scratch RTT-aware version of.
func newPersistBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minPersist
	b.MaxInterval = maxPersist
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never gives up; abandoning a zero-window peer is the application's call, not this timer's
	b.Reset()
	return b
}

func windowValue(w Size) uint16 {
	if w > 0xFFFF {
		return 0xFFFF
	}
	return uint16(w)
}

// transmitRaw encodes and sends one TCP segment. It never touches
// ControlBlock state: callers that are advancing send sequence space
// go through [ControlBlock.Send] first; retransmissions and window
// probes resend bytes already accounted for and call this directly.
func (m *Module) transmitRaw(p *pcb, seg Segment, payload []byte) error {
	h := wire.TCPHeader{
		SrcPort: layers.TCPPort(p.key.LocalPort),
		DstPort: layers.TCPPort(p.key.RemotePort),
		Seq:     uint32(seg.SEQ),
		Ack:     uint32(seg.ACK),
		SYN:     seg.Flags.HasAny(FlagSYN),
		ACK:     seg.Flags.HasAny(FlagACK),
		FIN:     seg.Flags.HasAny(FlagFIN),
		RST:     seg.Flags.HasAny(FlagRST),
		Window:  windowValue(p.cb.RecvWindow()),
	}
	if seg.Flags.HasAny(FlagSYN) {
		h.Options = synOptions(p.mss, p.useWScale, p.wndScale)
	}
	raw, err := wire.EncodeTCP(h, payload, p.key.Local, p.key.Remote)
	if err != nil {
		return err
	}
	return m.ip.Send(ipstack.SendParams{
		Pair:       ip4.Pair{Local: p.key.Local, Remote: p.key.Remote},
		TTL:        64,
		Protocol:   layers.IPProtocolTCP,
		Data:       raw,
		ForceIface: p.ifc,
	}, m.clk.Now())
}

// extractSendPayload copies seg's data bytes out of the application's
// send buffer. offset is relative to snd.UNA, which sendBuf's front
// always tracks (see releaseSendBuf).
func (m *Module) extractSendPayload(p *pcb, seg Segment) []byte {
	if seg.DATALEN == 0 || !p.haveSendBuf {
		return nil
	}
	offset := int(Sizeof(p.cb.snd.UNA, seg.SEQ))
	n := int(seg.DATALEN)
	if offset < 0 || offset+n > p.sendBuf.Len() {
		return nil
	}
	buf := make([]byte, n)
	p.sendBuf.SubFromTo(offset, n).GiveBytes(buf)
	return buf
}

// availableSendBytes caps how much unsent application data may go out
// right now: whatever is left to send, bounded by the congestion
// window and the current effective segment size (spec.md §4.8-4.9).
// [ControlBlock.PendingSegment] applies the receiver's advertised
// window on top of this.
func (m *Module) availableSendBytes(p *pcb) int {
	if !p.haveSendBuf {
		return 0
	}
	sent := int(p.cb.snd.inFlight())
	unsent := p.sendBuf.Len() - sent
	if unsent <= 0 {
		return 0
	}
	room := int(p.cong.cwnd) - sent
	if room < 0 {
		room = 0
	}
	if unsent > room {
		unsent = room
	}
	if mss := int(p.effectiveSegSize()); unsent > mss {
		unsent = mss
	}
	return unsent
}

// sendPending drains every segment [ControlBlock.PendingSegment] is
// willing to emit right now: queued control flags, then as much
// application data as the window, congestion window and MSS allow.
func (m *Module) sendPending(p *pcb) {
	m.drainSendQueue(p, false)
}

// drainSendQueue is sendPending's implementation. bypassNagle lets
// [Connection.SendPush] force out a short segment that a prior call
// held back.
func (m *Module) drainSendQueue(p *pcb, bypassNagle bool) {
	for i := 0; i < 64; i++ {
		avail := m.availableSendBytes(p)
		if avail > 0 {
			// Nagle (spec.md §4.7): while earlier data is still unacked,
			// hold back a send smaller than one full segment instead of
			// trickling it out, so it coalesces with whatever the
			// application writes next.
			if !bypassNagle && p.cb.snd.inFlight() > 0 && avail < int(p.effectiveSegSize()) {
				p.nagleHold = true
				avail = 0
			} else {
				p.nagleHold = false
			}
		}
		seg, ok := p.cb.PendingSegment(avail)
		if !ok {
			break
		}
		payload := m.extractSendPayload(p, seg)
		if err := p.cb.Send(seg); err != nil {
			break
		}
		if err := m.transmitRaw(p, seg, payload); err != nil {
			m.log.Debug("tcp: send failed", "err", err)
		}
		if seg.Flags.HasAny(FlagACK) {
			p.delayedACKPending = false // this segment carried the ACK
		}
		if seg.DATALEN > 0 || seg.Flags.HasAny(FlagSYN|FlagFIN) {
			m.armRetransmit(p)
			p.cong.startTiming(seg.SEQ, m.clk.Now())
		}
		if seg.DATALEN == 0 {
			break
		}
	}
	m.maybeArmPersist(p)
}

func (m *Module) armRetransmit(p *pcb) {
	id := timerID(p.index, timerKindRetransmit)
	if !m.timers.Armed(id) {
		m.timers.Arm(id, m.clk.Now().Add(p.cong.rto))
	}
}

// maybeArmPersist starts zero-window probing once the peer's window
// has closed and there is unsent data waiting behind it (RFC 9293
// §3.8.6.1).
func (m *Module) maybeArmPersist(p *pcb) {
	id := timerID(p.index, timerKindPersist)
	unsent := 0
	if p.haveSendBuf {
		unsent = p.sendBuf.Len() - int(p.cb.snd.inFlight())
	}
	if p.cb.snd.WND != 0 || unsent <= 0 {
		m.timers.Cancel(id)
		p.persistBackoff = nil
		return
	}
	if m.timers.Armed(id) {
		return
	}
	if p.persistBackoff == nil {
		p.persistBackoff = newPersistBackoff()
	}
	m.timers.Arm(id, m.clk.Now().Add(p.persistBackoff.NextBackOff()))
}

// retransmitFromUNA resends the oldest unacked data (and SYN/FIN if
// either is still unacked), used for both fast-retransmit and RTO loss
// recovery. It does not go through ControlBlock.Send: these sequence
// numbers were already committed by the original send.
func (m *Module) retransmitFromUNA(p *pcb) {
	inFlight := int(p.cb.snd.inFlight())
	if inFlight == 0 {
		return
	}
	state := p.cb.State()
	synUnacked := p.cb.snd.UNA == p.cb.snd.ISS && (state == StateSynSent || state == StateSynRcvd)
	finUnacked := p.pendingFIN && (state == StateFinWait1 || state == StateClosing || state == StateLastAck)

	dataLen := inFlight
	if synUnacked {
		dataLen--
	}
	if finUnacked && dataLen > 0 {
		dataLen--
	}
	if dataLen < 0 {
		dataLen = 0
	}
	if mss := int(p.effectiveSegSize()); dataLen > mss {
		dataLen = mss
		finUnacked = false // partial resend: FIN isn't reached yet
	}

	seg := Segment{SEQ: p.cb.snd.UNA, ACK: p.cb.rcv.NXT, WND: p.cb.rcv.WND, Flags: FlagACK, DATALEN: Size(dataLen)}
	if synUnacked {
		seg.Flags |= FlagSYN
	}
	if finUnacked {
		seg.Flags |= FlagFIN
	}

	var payload []byte
	if dataLen > 0 && p.haveSendBuf {
		start := 0
		if synUnacked {
			start = 0 // data always begins at UNA+1 in sequence space, but sendBuf has no slot for the SYN itself
		}
		if start+dataLen <= p.sendBuf.Len() {
			payload = make([]byte, dataLen)
			p.sendBuf.SubFromTo(start, dataLen).GiveBytes(payload)
		}
	}
	if err := m.transmitRaw(p, seg, payload); err != nil {
		m.log.Debug("tcp: retransmit failed", "err", err)
	}
}

// onRetransmitTimeout implements the RTO branch of spec.md §4.8's loss
// recovery: cwnd collapses to one MSS, ssthresh halves, and the
// backoff doubles for the next attempt.
func (m *Module) onRetransmitTimeout(p *pcb, now time.Time) {
	if p.cb.snd.inFlight() == 0 {
		m.timers.Cancel(timerID(p.index, timerKindRetransmit))
		return
	}
	p.rtoRetries++
	if p.rtoRetries > maxRetransmits {
		m.abortPCB(p, ipstack.ErrConnectionAborted)
		return
	}
	p.cong.onRTO(p.cb.snd.inFlight(), p.cb.snd.NXT)
	m.retransmitFromUNA(p)
	m.timers.Arm(timerID(p.index, timerKindRetransmit), now.Add(p.cong.rto))
}

// onPersistTimeout sends a one-byte zero-window probe and advances the
// backoff schedule for the next one.
func (m *Module) onPersistTimeout(p *pcb, now time.Time) {
	id := timerID(p.index, timerKindPersist)
	if p.cb.snd.WND != 0 || !p.haveSendBuf {
		m.timers.Cancel(id)
		return
	}
	sent := int(p.cb.snd.inFlight())
	if sent >= p.sendBuf.Len() {
		m.timers.Cancel(id)
		return
	}
	probe := make([]byte, 1)
	p.sendBuf.SubFromTo(sent, 1).GiveBytes(probe)
	seg := Segment{SEQ: p.cb.snd.NXT, ACK: p.cb.rcv.NXT, WND: p.cb.rcv.WND, Flags: FlagACK, DATALEN: 1}
	if err := m.transmitRaw(p, seg, probe); err != nil {
		m.log.Debug("tcp: persist probe failed", "err", err)
	}
	if p.persistBackoff == nil {
		p.persistBackoff = newPersistBackoff()
	}
	m.timers.Arm(id, now.Add(p.persistBackoff.NextBackOff()))
}

// flushDelayedACK sends the ACK a received segment deferred (spec.md
// §4.9's delayed-ACK knob), unless a later send already piggybacked one.
func (m *Module) flushDelayedACK(p *pcb, now time.Time) {
	if !p.delayedACKPending {
		return
	}
	p.delayedACKPending = false
	p.delayedACKCount = 0
	p.cb.pending[0] |= FlagACK
	m.sendPending(p)
}

// releaseSendBuf drops n newly-acked bytes from the front of the send
// buffer and reports them to the application.
func (m *Module) releaseSendBuf(p *pcb, n int) {
	if n <= 0 {
		return
	}
	if p.haveSendBuf {
		take := n
		if take > p.sendBuf.Len() {
			take = p.sendBuf.Len()
		}
		p.sendBuf = p.sendBuf.HideHeader(take)
	}
	if p.cbs != nil {
		p.cbs.DataSent(n)
	}
}

// abortPCB tears a PCB down outside the normal close handshake: RST
// received or sent, RTO exhaustion, or an application-requested reset
// (spec.md §5's ConnectionAborted contract, fired exactly once).
func (m *Module) abortPCB(p *pcb, err error) {
	if !p.inUse {
		return
	}
	cbs := p.cbs
	m.timers.Cancel(timerID(p.index, timerKindRetransmit))
	m.timers.Cancel(timerID(p.index, timerKindPersist))
	m.timers.Cancel(timerID(p.index, timerKindDelayedACK))
	m.timers.Cancel(timerID(p.index, timerKindTimeWait))
	p.cb.Abort()
	m.release(p)
	if cbs != nil {
		cbs.ConnectionAborted(err)
	}
}

// sendRST answers a segment that matches no PCB and no listener, per
// RFC 9293 §3.10.7.1's "segment arrives when no connection state
// exists" rule. handleSegment also uses it to answer an in-window SYN
// that aborts an existing connection.
func (m *Module) sendRST(info ipstack.RxInfo, h wire.TCPHeader, dataLen int) {
	out := wire.TCPHeader{SrcPort: h.DstPort, DstPort: h.SrcPort, RST: true}
	if h.ACK {
		out.Seq = h.Ack
	} else {
		out.ACK = true
		seglen := uint32(dataLen)
		if h.SYN {
			seglen++
		}
		if h.FIN {
			seglen++
		}
		out.Ack = h.Seq + seglen
	}
	raw, err := wire.EncodeTCP(out, nil, info.Header.Dst, info.Header.Src)
	if err != nil {
		return
	}
	_ = m.ip.Send(ipstack.SendParams{
		Pair:       ip4.Pair{Local: info.Header.Dst, Remote: info.Header.Src},
		TTL:        64,
		Protocol:   layers.IPProtocolTCP,
		Data:       raw,
		ForceIface: info.Iface,
	}, m.clk.Now())
}
