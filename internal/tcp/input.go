package tcp

import (
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/wire"
)

// HandleIPv4 implements ipstack.ProtocolHandler for layers.IPProtocolTCP,
// running spec.md §4.6's per-segment input processing.
func (m *Module) HandleIPv4(info ipstack.RxInfo, payload []byte) bool {
	h, data, err := wire.DecodeTCP(payload, info.Header.Src, info.Header.Dst)
	if err != nil {
		m.log.Debug("tcp: decode failed", "err", err)
		return true
	}

	key := fourTupleOf(info.Header.Dst, uint16(h.DstPort), info.Header.Src, uint16(h.SrcPort))
	idx, ok := m.byKey[key]
	if !ok {
		m.handleNoPCB(info, h, data, key)
		return true
	}
	m.handleSegment(&m.arena[idx], info, h, data)
	return true
}

func flagsFromHeader(h wire.TCPHeader) Flags {
	var f Flags
	if h.SYN {
		f |= FlagSYN
	}
	if h.ACK {
		f |= FlagACK
	}
	if h.FIN {
		f |= FlagFIN
	}
	if h.RST {
		f |= FlagRST
	}
	if h.PSH {
		f |= FlagPSH
	}
	if h.URG {
		f |= FlagURG
	}
	return f
}

// handleNoPCB implements spec.md §4.6 step 2: a segment for which no
// PCB exists either spawns a new SYN_RCVD PCB from a matching listener
// with spare capacity, is silently dropped (listener full, scenario 4),
// or gets an RST.
func (m *Module) handleNoPCB(info ipstack.RxInfo, h wire.TCPHeader, data []byte, key fourTuple) {
	if h.RST {
		return
	}
	var ln *Listener
	for _, l := range m.listeners {
		if !l.closed && l.matches(info.Header.Dst, uint16(h.DstPort)) {
			ln = l
			break
		}
	}
	if ln == nil {
		m.sendRST(info, h, len(data))
		return
	}
	if !h.SYN || h.ACK || h.FIN {
		m.sendRST(info, h, len(data))
		return
	}
	if !ln.hasCapacity() {
		return // scenario 4: third SYN over max_pcbs is silently dropped
	}
	p, ok := m.allocate()
	if !ok {
		return // arena exhausted: drop, matching "else drop the SYN" (spec.md §4.5)
	}
	m.beginPassiveOpen(p, ln, info, key, h, data)
}

func (m *Module) beginPassiveOpen(p *pcb, ln *Listener, info ipstack.RxInfo, key fourTuple, h wire.TCPHeader, data []byte) {
	p.key = key
	p.ifc = info.Iface
	p.listener = ln
	p.cbs = ln.newCallbacks(&Connection{m: m, idx: p.index, gen: p.gen})
	ln.count++
	m.byKey[key] = p.index
	m.registerMtuObserver(p)

	opts := parseOptions(h.Options)
	mss := uint16(defaultMSS)
	if opts.haveMSS {
		mss = opts.mss
	}
	if cap := uint16(info.Iface.MTU() - 40); cap > 0 && cap < mss {
		mss = cap
	}
	p.mss = mss
	if opts.haveWScale {
		p.peerWScale = opts.wndScale
		p.useWScale = true
	}
	p.cong = newCongestion(Size(p.mss))

	rcvWnd := m.cfg.MaxInitialRcvWnd
	if rcvWnd > 0xFFFF {
		rcvWnd = 0xFFFF
	}
	iss := m.nextISN(p)
	if err := p.cb.Open(iss, Size(rcvWnd)); err != nil {
		m.release(p)
		return
	}

	seg := Segment{SEQ: h.Seq, ACK: h.Ack, Flags: flagsFromHeader(h), WND: Size(h.Window), DATALEN: Size(len(data))}
	if err := p.cb.Recv(seg); err != nil {
		m.release(p)
		return
	}
	m.sendPending(p)
}

// handleSegment implements spec.md §4.6 steps 3-9 for a segment
// matching an existing PCB.
func (m *Module) handleSegment(p *pcb, info ipstack.RxInfo, h wire.TCPHeader, data []byte) {
	beforeState := p.cb.State()
	beforeUNA := p.cb.snd.UNA
	beforeRecvNext := p.cb.rcv.NXT
	seg := Segment{SEQ: h.Seq, ACK: h.Ack, Flags: flagsFromHeader(h), WND: Size(h.Window), DATALEN: Size(len(data))}

	// Out-of-sequence data: buffered one layer above ControlBlock, which
	// only accepts the exact next sequence number (spec.md §4.6 step 8).
	if beforeState.isSynchronized() && !seg.Flags.HasAny(FlagSYN|FlagRST) &&
		seg.SEQ != beforeRecvNext && seg.SEQ.InWindow(beforeRecvNext, p.cb.rcv.WND) {
		m.bufferOOS(p, seg, data)
		p.cb.pending[0] |= FlagACK
		m.sendPending(p)
		return
	}

	err := p.cb.Recv(seg)
	switch err {
	case nil:
	case errConnectionReset:
		if seg.Flags.HasAny(FlagSYN) && !seg.Flags.HasAny(FlagRST) {
			// In-window SYN on a synchronized connection: answer with RST.
			m.sendRST(info, h, len(data))
		}
		m.abortPCB(p, ipstack.ErrConnectionReset)
		return
	case errDropSegment:
		m.sendPending(p)
		return
	default:
		if !seg.Flags.HasAny(FlagRST) {
			p.cb.pending[0] |= FlagACK
		}
		m.sendPending(p)
		return
	}

	if beforeState != StateEstablished && p.cb.State() == StateEstablished && p.cbs != nil {
		p.cbs.ConnectionEstablished()
	}

	if seg.Flags.HasAny(FlagACK) {
		m.processACK(p, seg, beforeUNA)
	}

	if len(data) > 0 && seg.SEQ == beforeRecvNext {
		m.deliverData(p, data)
		m.drainOOS(p)
	}

	if seg.Flags.HasAny(FlagFIN) && p.cbs != nil {
		p.cbs.DataReceived(0)
	}

	// Data and FIN both advance rcv.NXT but queue no pending flag of
	// their own (only rcvListen/rcvSynSent and the FIN branches of
	// rcvEstablished/rcvFinWait1/rcvFinWait2 do); the peer still needs an ACK eventually, so arm the delayed-ACK
	// timer rather than forcing one out on every single segment.
	if (len(data) > 0 && seg.SEQ == beforeRecvNext) || seg.Flags.HasAny(FlagFIN) {
		p.delayedACKPending = true
		id := timerID(p.index, timerKindDelayedACK)
		if !m.timers.Armed(id) {
			m.timers.Arm(id, m.clk.Now().Add(m.cfg.DelayedAckInterval))
		}
	}

	m.sendPending(p)

	if p.cb.State() == StateTimeWait && !m.timers.Armed(timerID(p.index, timerKindTimeWait)) {
		m.timers.Arm(timerID(p.index, timerKindTimeWait), m.clk.Now().Add(m.cfg.TimeWaitDuration))
	}
}

// processACK implements spec.md §4.6 step 7 and the congestion-control
// reactions of §4.8.
func (m *Module) processACK(p *pcb, seg Segment, beforeUNA Value) {
	if beforeUNA.LessThan(p.cb.snd.UNA) {
		released := Sizeof(beforeUNA, p.cb.snd.UNA)
		// released counts sequence numbers; the SYN and FIN occupy one each
		// but have no byte in sendBuf, so only data bytes are released.
		dataAcked := int(released)
		if beforeUNA == p.cb.snd.ISS {
			dataAcked--
		}
		if !p.haveSendBuf {
			dataAcked = 0
		} else if dataAcked > p.sendBuf.Len() {
			dataAcked = p.sendBuf.Len()
		}
		m.releaseSendBuf(p, dataAcked)
		p.rtoRetries = 0
		p.cong.onNewDataAcked(released)
		p.cong.sampleRTT(p.cb.snd.UNA, m.clk.Now())
		p.cong.dupACKs = 0
		if p.cong.inFastRecovery && !p.cb.snd.UNA.LessThan(p.cong.recover) {
			p.cong.leaveFastRecovery()
		}
		if p.cb.snd.inFlight() == 0 {
			m.timers.Cancel(timerID(p.index, timerKindRetransmit))
		}
		return
	}
	if seg.DATALEN == 0 && !seg.Flags.HasAny(FlagSYN|FlagFIN) && p.cb.snd.inFlight() > 0 {
		p.cong.dupACKs++
		switch {
		case p.cong.dupACKs == 3 && !p.cong.inFastRecovery:
			p.cong.onTripleDupAck(p.cb.snd.inFlight(), p.cb.snd.NXT)
			m.retransmitFromUNA(p)
		case p.cong.inFastRecovery:
			p.cong.onFastRecoveryDupAck()
		}
	}
}

func (m *Module) deliverData(p *pcb, data []byte) {
	if !p.haveRecvBuf {
		return
	}
	n := p.recvBuf.TakeBytes(data)
	p.recvBuf = p.recvBuf.HideHeader(n)
	p.cb.SetRecvWindow(Size(p.recvBuf.Len()))
	if p.cbs != nil {
		p.cbs.DataReceived(n)
	}
}

// bufferOOS records an in-window, non-contiguous segment, dropping the
// oldest entry if the bounded buffer is full.
func (m *Module) bufferOOS(p *pcb, seg Segment, data []byte) {
	if len(p.oos) >= maxOOSSegments {
		p.oos = p.oos[1:]
	}
	stored := append([]byte(nil), data...)
	p.oos = append(p.oos, oosSegment{seq: seg.SEQ, data: stored, fin: seg.Flags.HasAny(FlagFIN)})
}

// drainOOS delivers any buffered segments that have become contiguous
// with rcv.NXT after an in-order delivery.
func (m *Module) drainOOS(p *pcb) {
	for {
		next := p.cb.RecvNext()
		found := -1
		for i, s := range p.oos {
			if s.seq == next {
				found = i
				break
			}
		}
		if found == -1 {
			return
		}
		s := p.oos[found]
		p.oos = append(p.oos[:found], p.oos[found+1:]...)
		// No FlagACK here: this replays a segment already accepted once
		// (its peer ACK was consumed at first arrival), and Recv treats
		// any FlagACK segment as carrying a send-space ACK/WND update.
		// Setting it would stuff rcv.NXT into snd.UNA, corrupting the
		// send sequence space.
		seg := Segment{SEQ: s.seq, WND: p.cb.rcv.WND, DATALEN: Size(len(s.data))}
		if s.fin {
			seg.Flags |= FlagFIN
		}
		if err := p.cb.Recv(seg); err != nil {
			return
		}
		if len(s.data) > 0 {
			m.deliverData(p, s.data)
		}
		if s.fin && p.cbs != nil {
			p.cbs.DataReceived(0)
		}
	}
}
