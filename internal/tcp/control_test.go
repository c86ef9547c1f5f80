package tcp

import "testing"

// TestWindowUpdateTracksLatestSegment covers RFC 9293 §3.10.7.4: WL1/WL2
// record the SEQ/ACK of whichever segment last set SND.WND, and every
// newly-sequential segment (the only kind ControlBlock.Recv ever admits,
// out-of-sequence ones being buffered a layer up) legitimately advances
// them.
func TestWindowUpdateTracksLatestSegment(t *testing.T) {
	var tcb ControlBlock
	tcb.state = StateEstablished
	tcb.resetRcv(4096, 1000)
	tcb.resetSnd(2000, 4096)
	tcb.snd.NXT = 2200 // pretend 200 bytes already in flight

	if err := tcb.Recv(Segment{SEQ: 1000, ACK: 2050, WND: 8192, Flags: FlagACK, DATALEN: 10}); err != nil {
		t.Fatalf("Recv 1: %v", err)
	}
	if tcb.snd.WND != 8192 || tcb.snd.WL1 != 1000 || tcb.snd.WL2 != 2050 {
		t.Fatalf("after segment 1: WND=%d WL1=%d WL2=%d, want 8192/1000/2050", tcb.snd.WND, tcb.snd.WL1, tcb.snd.WL2)
	}

	// A second, genuinely later segment (SEQ advanced by the first
	// segment's 10 bytes) must update WL1/WL2/WND again even though its
	// ACK looks "older" than the previous UNA: a strictly later SEQ is
	// sufficient on its own per the RFC's OR'd condition.
	if err := tcb.Recv(Segment{SEQ: 1010, ACK: 2030, WND: 100, Flags: FlagACK, DATALEN: 10}); err != nil {
		t.Fatalf("Recv 2: %v", err)
	}
	if tcb.snd.WND != 100 || tcb.snd.WL1 != 1010 || tcb.snd.WL2 != 2030 {
		t.Fatalf("after segment 2: WND=%d WL1=%d WL2=%d, want 100/1010/2030", tcb.snd.WND, tcb.snd.WL1, tcb.snd.WL2)
	}
}

// TestWindowUpdateAppliesOnFirstSegment covers the haveWL sentinel: the
// very first ACK-bearing segment after a handshake must adopt the
// window unconditionally, regardless of where WL1's zero value would
// fall relative to a real (possibly very large) ISN under serial-number
// comparison.
func TestWindowUpdateAppliesOnFirstSegment(t *testing.T) {
	var tcb ControlBlock
	tcb.state = StateEstablished
	tcb.resetRcv(4096, 1000)
	// An ISS in the "far" half of the 32-bit space, where WL1's zero
	// value would compare as "after" seg.SEQ under serial arithmetic.
	tcb.resetSnd(3_000_000_000, 1)
	tcb.snd.NXT = 3_000_000_000

	if err := tcb.Recv(Segment{SEQ: 1000, ACK: 3_000_000_000, WND: 65535, Flags: FlagACK}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if tcb.snd.WND != 65535 {
		t.Fatalf("WND = %d, want the first segment's window (65535) to be adopted", tcb.snd.WND)
	}
}
