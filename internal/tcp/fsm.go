package tcp

// This file holds the per-state segment-acceptance logic [ControlBlock.Recv]
// dispatches into (spec.md §4.6 steps 2-9, §4.7's state table). It has no
// counterpart in other_examples/9a3864f7_soypat-lneto__tcp-control.go.go —
// that file calls these same methods but does not define them — so they
// are written here directly from RFC 9293 §3.5/§3.10.7, matching the
// ControlBlock calling convention the source does define: each method
// returns the Flags to queue as pending output plus an error, and the
// common Recv code (advancing rcv.NXT/snd.UNA/snd.WND) runs after in
// every non-error case.

// rcvListen handles a segment arriving on a just-`Open`ed control block:
// only a bare SYN is accepted, moving to SYN_RCVD and queuing SYN|ACK.
func (tcb *ControlBlock) rcvListen(seg Segment) (Flags, error) {
	if !seg.Flags.HasAny(FlagSYN) || seg.Flags.HasAny(FlagACK) {
		return 0, errDropSegment
	}
	tcb.rcv = recvSpace{IRS: seg.SEQ, NXT: seg.SEQ, WND: tcb.rcv.WND}
	tcb.state = StateSynRcvd
	return FlagSYN | FlagACK, nil
}

// rcvSynSent handles the response to our own active-open SYN: a
// matching SYN|ACK completes the handshake; a bare SYN is a
// simultaneous open (RFC 9293 §3.5, per spec.md's open question:
// "mirror RFC 793 exactly").
func (tcb *ControlBlock) rcvSynSent(seg Segment) (Flags, error) {
	hasSyn := seg.Flags.HasAny(FlagSYN)
	hasAck := seg.Flags.HasAny(FlagACK)
	switch {
	case hasSyn && hasAck:
		if seg.ACK != tcb.snd.NXT {
			return 0, errAckNotNext
		}
		tcb.rcv = recvSpace{IRS: seg.SEQ, NXT: seg.SEQ, WND: tcb.rcv.WND}
		tcb.state = StateEstablished
		return FlagACK, nil
	case hasSyn:
		tcb.rcv = recvSpace{IRS: seg.SEQ, NXT: seg.SEQ, WND: tcb.rcv.WND}
		tcb.state = StateSynRcvd
		return FlagSYN | FlagACK, nil
	default:
		return 0, errDropSegment
	}
}

// rcvSynRcvd waits for the final ACK of the three-way handshake. A
// retransmitted SYN reaching this state is rejected with RST per
// spec.md §4.6 step 6.
func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (Flags, error) {
	if seg.Flags.HasAny(FlagSYN) {
		tcb.pending[0] = FlagRST
		tcb.rstPtr = tcb.snd.NXT
		tcb.close()
		return 0, errConnectionReset
	}
	if !seg.Flags.HasAny(FlagACK) {
		return 0, errDropSegment
	}
	tcb.state = StateEstablished
	return 0, nil
}

// rcvEstablished is the steady-state handler: data/ACK bookkeeping is
// done by the common Recv code, this only detects the peer's FIN and a
// spurious in-window SYN (reset-and-abort, per spec.md step 6).
func (tcb *ControlBlock) rcvEstablished(seg Segment) (Flags, error) {
	if seg.Flags.HasAny(FlagSYN) {
		tcb.pending[0] = FlagRST
		tcb.rstPtr = tcb.snd.NXT
		tcb.close()
		return 0, errConnectionReset
	}
	if seg.Flags.HasAny(FlagFIN) {
		tcb.state = StateCloseWait
		return FlagACK, nil
	}
	return 0, nil
}

// rcvFinWait1 awaits the ACK of our own FIN, the peer's FIN, or both at
// once (simultaneous close, RFC 9293 §3.5).
func (tcb *ControlBlock) rcvFinWait1(seg Segment) (Flags, error) {
	ackedOurFin := seg.Flags.HasAny(FlagACK) && seg.ACK == tcb.snd.NXT
	if seg.Flags.HasAny(FlagFIN) {
		if ackedOurFin {
			tcb.state = StateTimeWait
		} else {
			tcb.state = StateClosing
		}
		return FlagACK, nil
	}
	if ackedOurFin {
		tcb.state = StateFinWait2
	}
	return 0, nil
}

// rcvFinWait2 awaits the peer's FIN, having already had our own FIN
// acked.
func (tcb *ControlBlock) rcvFinWait2(seg Segment) (Flags, error) {
	if seg.Flags.HasAny(FlagFIN) {
		tcb.state = StateTimeWait
		return FlagACK, nil
	}
	return 0, nil
}
