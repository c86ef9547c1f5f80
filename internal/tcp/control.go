// Package tcp implements the TCP module: PCB arena and 4-tuple lookup
// (spec.md §4.5), input processing and the RFC 9293 state machine
// (§4.6-4.7), congestion control and loss recovery (§4.8), and the
// application-facing send path and buffer contract (§4.9).
//
// The sequence-number bookkeeping at its core — [ControlBlock], its
// send/receive sequence spaces, and the Open/Recv/Send/Close "system
// calls" — is adapted line-for-line in spirit from
// other_examples/9a3864f7_soypat-lneto__tcp-control.go.go, the one file
// in the retrieved pack that implements exactly this piece of RFC 9293
// in Go. PCB pooling, congestion control, options negotiation and the
// ipstack/icmp wiring around it have no analog there and are original
// to this module, grounded instead on ipstack's sentinel-error and
// callback idioms.
package tcp

import (
	"errors"
	"log/slog"
	"math"
)

var (
	errTCBNotClosed      = errors.New("tcp: control block not closed")
	errWindowTooLarge    = errors.New("tcp: window exceeds uint16 range")
	errAckNotNext        = errors.New("tcp: ack does not match rcv.nxt")
	errZeroWindow        = errors.New("tcp: send window is zero")
	errSeqNotInWindow    = errors.New("tcp: sequence number outside window")
	errLastNotInWindow   = errors.New("tcp: segment end outside window")
	errConnectionClosing = errors.New("tcp: connection is closing, no further sends accepted")
	errWindowOverflow    = errors.New("tcp: window overflow")
	errRequireSequential = errors.New("tcp: only sequential segments are supported")
	errDropSegment       = errors.New("tcp: segment dropped")
	errConnNotexist      = errors.New("tcp: connection does not exist")
	errInvalidState      = errors.New("tcp: invalid state for operation")
)

// sendSpace is the 'Send' sequence space of RFC 9293 §3.3.1: sequence
// numbers of local data being sent.
type sendSpace struct {
	ISS Value
	UNA Value
	NXT Value
	WND Size
	WL1 Value // seg.SEQ of the last segment that updated WND
	WL2 Value // seg.ACK of the last segment that updated WND

	// haveWL is false until the first window update, since a zero Value
	// is not a meaningful "earlier" WL1/WL2 to compare against: ISNs are
	// chosen from the full 32-bit space, so the serial-number comparison
	// in Recv would reject the very first update for roughly half of
	// them if it were gated the same way as later ones.
	haveWL bool
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }

func (snd *sendSpace) maxSend() Size { return snd.WND - snd.inFlight() }

// recvSpace is the 'Receive' sequence space: sequence numbers of remote
// data being received.
type recvSpace struct {
	IRS Value
	NXT Value
	WND Size
}

// ControlBlock is a partial Transmission Control Block as per RFC 9293
// §3.3.1, limited (like its source) to receiving only sequential
// segments: out-of-order buffering is handled one layer up, by [pcb]'s
// out-of-sequence buffer, not here.
type ControlBlock struct {
	snd          sendSpace
	rcv          recvSpace
	rstPtr       Value
	pending      [2]Flags
	state        State
	challengeAck bool
	log          *slog.Logger
}

// State returns the current state of the connection.
func (tcb *ControlBlock) State() State { return tcb.state }

// RecvNext returns the next sequence number expected from the remote.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the locally advertised receive window.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// ISS returns the initial send sequence number chosen on Open/Send(SYN).
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// MaxInFlightData returns how many more bytes may be sent right now
// given the peer's advertised window and what is already unacked.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb.state.hasIRS() {
		return 0
	}
	unacked := Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	if unacked >= tcb.snd.WND {
		return 0
	}
	return tcb.snd.WND - unacked
}

// SetRecvWindow sets the locally advertised receive window.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) { tcb.rcv.WND = wnd }

// SetLogger attaches a logger used for trace/debug diagnostics.
func (tcb *ControlBlock) SetLogger(log *slog.Logger) { tcb.log = log }

// HasPending reports whether a control segment (ACK/SYN/FIN/RST) is
// queued to go out on the next send opportunity.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// PendingSegment computes the next segment to send given up to
// payloadLen bytes of application data available. Apart from consuming
// a queued challenge ACK (which it returns as the segment), it mutates
// no state; the caller passes the result to Send once it has actually
// copied that much data out.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}, true
	}
	pending := tcb.pending[0]
	established := tcb.state == StateEstablished
	if !established && tcb.state != StateCloseWait {
		payloadLen = 0
	}
	if pending == 0 && payloadLen == 0 {
		return Segment{}, false
	}

	maxPayload := tcb.snd.maxSend()
	if payloadLen > int(maxPayload) {
		if maxPayload == 0 && !tcb.pending[0].HasAny(FlagFIN|FlagRST|FlagSYN) {
			return Segment{}, false
		}
		payloadLen = int(maxPayload)
	}

	if established {
		pending |= FlagACK
	} else {
		payloadLen = 0
	}

	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}

	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}

	return Segment{SEQ: seq, ACK: ack, WND: tcb.rcv.WND, Flags: pending, DATALEN: Size(payloadLen)}, true
}

// Open performs a passive open: the control block enters LISTEN,
// awaiting an incoming SYN.
func (tcb *ControlBlock) Open(iss Value, wnd Size) error {
	switch {
	case tcb.state != StateClosed && tcb.state != StateListen:
		return errTCBNotClosed
	case wnd > math.MaxUint16:
		return errWindowTooLarge
	}
	tcb.state = StateListen
	tcb.prepareToHandshake(iss, wnd)
	return nil
}

func (tcb *ControlBlock) prepareToHandshake(iss Value, wnd Size) {
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
}

// Recv processes an inbound segment, updating send/receive sequence
// space on acceptance.
func (tcb *ControlBlock) Recv(seg Segment) error {
	if err := tcb.validateIncomingSegment(seg); err != nil {
		return err
	}

	var pending Flags
	var err error
	switch tcb.state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateCloseWait:
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.close()
		}
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb.state = StateTimeWait
		}
	default:
		return errInvalidState
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending
	if seg.Flags.HasAny(FlagACK) {
		// RFC 9293 §3.10.7.4: only adopt the advertised window from a
		// segment that is newer (by SEQ, or by ACK when SEQ ties) than
		// whichever segment last updated it, so a reordered or delayed
		// ACK can't shrink SND.WND back down.
		if !tcb.snd.haveWL || tcb.snd.WL1.LessThan(seg.SEQ) || (seg.SEQ == tcb.snd.WL1 && !seg.ACK.LessThan(tcb.snd.WL2)) {
			tcb.snd.WND = seg.WND
			tcb.snd.WL1 = seg.SEQ
			tcb.snd.WL2 = seg.ACK
			tcb.snd.haveWL = true
		}
		tcb.snd.UNA = seg.ACK
	}
	tcb.rcv.NXT.UpdateForward(seg.LEN())
	return nil
}

// Send processes an outbound segment, updating send sequence space on
// acceptance.
func (tcb *ControlBlock) Send(seg Segment) error {
	if err := tcb.validateOutgoingSegment(seg); err != nil {
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb.state {
	case StateClosed:
		if seg.Flags == FlagSYN {
			tcb.state = StateSynSent
			tcb.prepareToHandshake(seg.SEQ, seg.WND)
		}
	case StateSynRcvd:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateClosing:
		if hasACK {
			tcb.state = StateTimeWait
		}
	case StateEstablished:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateCloseWait:
		if hasFIN {
			tcb.state = StateLastAck
		} else if hasACK {
			newPending = finack
		}
	}

	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	tcb.snd.NXT.UpdateForward(seg.LEN())
	tcb.rcv.WND = seg.WND
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	isFirst := tcb.state == StateClosed && seg.isFirstSYN()
	checkSeq := !isFirst && !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	zeroWindowOK := tcb.snd.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.snd.NXT
	outOfWindow := checkSeq && !seg.SEQ.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK

	switch {
	case tcb.state == StateClosed && !isFirst:
		return errTCBNotClosed
	case seg.WND > math.MaxUint16:
		return errWindowTooLarge
	case hasAck && seg.ACK != tcb.rcv.NXT:
		return errAckNotNext
	case outOfWindow:
		if tcb.snd.WND == 0 {
			return errZeroWindow
		}
		return errSeqNotInWindow
	case seg.DATALEN > 0 && (tcb.state == StateFinWait1 || tcb.state == StateFinWait2):
		return errConnectionClosing
	case checkSeq && tcb.snd.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.snd.NXT:
		return errZeroWindow
	case checkSeq && !seglast.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK:
		return errLastNotInWindow
	}
	return nil
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) error {
	flags := seg.Flags
	hasAck := flags.HasAll(FlagACK)
	checkSEQ := !flags.HasAny(FlagSYN)
	established := tcb.state == StateEstablished
	preestablished := tcb.state.IsPreestablished()
	acksOld := hasAck && !tcb.snd.UNA.LessThan(seg.ACK)
	acksUnsentData := hasAck && !seg.ACK.LessThanEq(tcb.snd.NXT)
	ctlOrDataSegment := established && (seg.DATALEN > 0 || flags.HasAny(FlagFIN|FlagRST))
	zeroWindowOK := tcb.rcv.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.rcv.NXT

	switch {
	case seg.WND > math.MaxUint16:
		return errWindowOverflow
	case tcb.state == StateClosed:
		return errTCBNotClosed
	case checkSEQ && tcb.rcv.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.rcv.NXT:
		return errZeroWindow
	case checkSEQ && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errSeqNotInWindow
	case checkSEQ && !seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errLastNotInWindow
	case checkSEQ && seg.SEQ != tcb.rcv.NXT:
		return errRequireSequential
	}

	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}

	switch {
	case established && hasAck && seg.ACK.LessThan(tcb.snd.UNA) && !ctlOrDataSegment:
		tcb.pending[0] &= FlagFIN
		return errDropSegment
	case established && acksUnsentData:
		tcb.pending[0] = FlagACK
		return errDropSegment
	case preestablished && (acksOld || acksUnsentData):
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		return errDropSegment
	}
	return nil
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{ISS: localISS, UNA: localISS, NXT: localISS, WND: remoteWND}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{IRS: remoteISS, NXT: remoteISS, WND: localWND}
}

func (tcb *ControlBlock) handleRST(seq Value) error {
	if seq != tcb.rcv.NXT {
		// Sequence number within the window but not exactly NXT: RFC 9293
		// requires a challenge ACK rather than accepting the reset.
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	tcb.close()
	return errConnectionReset
}

var errConnectionReset = errors.New("tcp: connection reset by peer")

func (tcb *ControlBlock) close() {
	tcb.state = StateClosed
	tcb.pending = [2]Flags{}
	tcb.resetRcv(0, 0)
	tcb.resetSnd(0, 0)
}

// Close implements the passive/active CLOSE call of RFC 9293 §3.10.4: it
// does not immediately destroy the control block, only arranges for a
// FIN to go out once pending data has drained.
func (tcb *ControlBlock) Close() error {
	switch tcb.state {
	case StateClosed:
		return errConnNotexist
	case StateCloseWait:
		tcb.state = StateLastAck
		tcb.pending = [2]Flags{FlagFIN, FlagACK}
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished:
		tcb.pending[0] = (tcb.pending[0] & FlagACK) | FlagFIN
	case StateFinWait2, StateTimeWait:
		return errConnectionClosing
	default:
		return errInvalidState
	}
	return nil
}

// Abort force-closes the control block immediately (e.g. `reset(true)`
// or an RTO giving up). It sends nothing and discards every pending
// flag, including an RST queued by QueueRST, so a caller that wants an
// RST on the wire must send it before calling Abort.
func (tcb *ControlBlock) Abort() { tcb.close() }

// QueueRST arranges for Send to emit a bare RST at the current send
// sequence, for the `reset(have_unprocessed_data=true)` application
// call (spec.md §5, scenario 5).
func (tcb *ControlBlock) QueueRST() {
	tcb.pending[0] = FlagRST
	tcb.rstPtr = tcb.snd.NXT
}
