package tcp

import "time"

// maxCwndCeiling stands in for spec.md §4.8's "large (window scale
// limit)" initial ssthresh: comfortably above any cwnd this stack will
// ever compute, so the connection starts in slow start rather than
// congestion avoidance.
const maxCwndCeiling Size = 1 << 30

// minRTO is the floor spec.md §4.8 places under the RTO, including its
// very first value before any RTT sample exists.
const minRTO = time.Second

// maxRTO is the exponential-backoff cap for RTO-triggered retransmits.
const maxRTO = 60 * time.Second

// congestion holds one PCB's congestion-control and RTT-estimation
// state (spec.md §4.8), kept separate from [ControlBlock] because it
// has no counterpart in the sequence-space bookkeeping the teacher file
// models — this piece is grounded directly on the spec's formulas.
type congestion struct {
	mss Size

	cwnd      Size
	ssthresh  Size
	cwndAcked Size // congestion-avoidance accumulator

	dupACKs        int
	inFastRecovery bool
	recover        Value

	hasSRTT bool
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration

	timingActive bool
	timingSeq    Value
	timingStart  time.Time
}

func newCongestion(mss Size) congestion {
	floor := Size(2 * mss)
	if floor < 4380 {
		floor = 4380
	}
	initial := 4 * mss
	if initial > floor {
		initial = floor
	}
	return congestion{mss: mss, cwnd: initial, ssthresh: maxCwndCeiling, rto: minRTO}
}

func maxSize(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}

// onNewDataAcked runs slow start or congestion avoidance depending on
// which side of ssthresh cwnd currently sits.
func (c *congestion) onNewDataAcked(acked Size) {
	if c.cwnd < c.ssthresh {
		inc := acked
		if inc > c.mss {
			inc = c.mss
		}
		c.cwnd += inc
		return
	}
	c.cwndAcked += acked
	if c.cwndAcked >= c.cwnd {
		c.cwndAcked -= c.cwnd
		c.cwnd += c.mss
	}
}

// onTripleDupAck enters fast-retransmit/fast-recovery: the caller is
// responsible for actually retransmitting the first unacked segment.
func (c *congestion) onTripleDupAck(inFlight Size, recoverPoint Value) {
	c.ssthresh = maxSize(inFlight/2, 2*c.mss)
	c.cwnd = c.ssthresh + 3*c.mss
	c.inFastRecovery = true
	c.recover = recoverPoint
}

// onFastRecoveryDupAck inflates cwnd for each further duplicate ACK
// received while still in fast recovery.
func (c *congestion) onFastRecoveryDupAck() { c.cwnd += c.mss }

// leaveFastRecovery is called once snd.una crosses recover.
func (c *congestion) leaveFastRecovery() {
	c.inFastRecovery = false
	c.cwnd = c.ssthresh
	c.dupACKs = 0
}

// onRTO applies the RTO-triggered loss-recovery formulas and doubles
// the backoff, capped at maxRTO.
func (c *congestion) onRTO(inFlight Size, recoverPoint Value) {
	c.ssthresh = maxSize(inFlight/2, 2*c.mss)
	c.cwnd = c.mss
	c.inFastRecovery = false
	c.recover = recoverPoint
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
}

// startTiming records that seq is the one outstanding RTT sample this
// PCB is timing (spec.md §4.8: "one outstanding timing sample ... at a
// time").
func (c *congestion) startTiming(seq Value, now time.Time) {
	if c.timingActive {
		return
	}
	c.timingActive = true
	c.timingSeq = seq
	c.timingStart = now
}

// sampleRTT feeds one completed measurement into the SRTT/RTTVAR
// estimator if ackedThrough has reached the segment being timed.
func (c *congestion) sampleRTT(ackedThrough Value, now time.Time) {
	if !c.timingActive || !c.timingSeq.LessThanEq(ackedThrough) {
		return
	}
	measured := now.Sub(c.timingStart)
	c.timingActive = false
	if !c.hasSRTT {
		c.srtt = measured
		c.rttvar = measured / 2
		c.hasSRTT = true
	} else {
		err := measured - c.srtt
		c.srtt += err / 8
		if err < 0 {
			err = -err
		}
		c.rttvar += (err - c.rttvar) / 4
	}
	c.rto = c.srtt + 4*c.rttvar
	if c.rto < minRTO {
		c.rto = minRTO
	}
}
