// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

// congestionController implements slow start, congestion avoidance,
// fast retransmit with NewReno recovery, and limited transmit.
type congestionController struct {
	// cwnd is the congestion window in bytes.
	cwnd uint32

	// ssthresh is the slow start threshold in bytes.
	ssthresh uint32

	// dupAcks counts consecutive duplicate ACKs.
	dupAcks int

	// threshold is the number of duplicate ACKs triggering fast retransmit.
	threshold int

	// initialWindow is the initial window in segments.
	initialWindow uint32

	// recover is the snd_nxt value when the loss episode began.
	recover uint32

	// inRecovery indicates that a loss episode is in progress.
	inRecovery bool

	// events counts the loss episodes.
	events uint64
}

func newCongestionController(threshold, initialWindow int, mss, ssthresh uint32) congestionController {
	return congestionController{
		cwnd:          uint32(initialWindow) * mss,
		ssthresh:      ssthresh,
		threshold:     threshold,
		initialWindow: uint32(initialWindow),
	}
}

// window returns the congestion window including the limited transmit
// allowance granted by the first duplicate ACKs.
func (cc *congestionController) window(mss uint32) uint32 {
	if cc.dupAcks > 0 && cc.dupAcks < cc.threshold {
		return cc.cwnd + uint32(cc.dupAcks)*mss
	}
	return cc.cwnd
}

// enterRecovery starts a loss episode unless one is already in progress
// and returns whether ssthresh has been reduced.
func (cc *congestionController) enterRecovery(inFlight, mss, sndNxt uint32) bool {
	if cc.inRecovery {
		return false
	}
	cc.inRecovery = true
	cc.recover = sndNxt
	cc.ssthresh = max(inFlight/2, 2*mss)
	cc.events++
	return true
}

// onAck updates the window when an ACK covers nAcked new octets and
// returns whether the new first unacknowledged segment must be
// retransmitted because the ACK is a partial one.
func (cc *congestionController) onAck(nAcked, mss, sndUna, sndNxt uint32) bool {
	if cc.inRecovery && !seqLT(sndUna, cc.recover) {
		cc.inRecovery = false
	}
	if cc.dupAcks >= cc.threshold {
		if !cc.inRecovery {
			cc.cwnd = min(cc.ssthresh, sndNxt-sndUna+mss)
			cc.dupAcks = 0
			return false
		}
		cc.cwnd = cc.cwnd + mss - min(nAcked, cc.cwnd)
		return true
	}
	cc.dupAcks = 0
	if cc.cwnd < cc.ssthresh {
		cc.cwnd += mss
	} else {
		cc.cwnd += max(1, mss*mss/cc.cwnd)
	}
	return false
}

// onDupAck accounts for a duplicate ACK and returns whether we
// should fast retransmit the first unacknowledged segment.
func (cc *congestionController) onDupAck(mss, sndUna, sndNxt uint32) bool {
	cc.dupAcks++
	switch {
	case cc.dupAcks == cc.threshold:
		cc.enterRecovery(sndNxt-sndUna, mss, sndNxt)
		cc.cwnd = cc.ssthresh + uint32(cc.threshold)*mss
		return true
	case cc.dupAcks > cc.threshold:
		cc.cwnd += mss
	}
	return false
}

// resetDupAcks is called for ACKs not counting as duplicates.
func (cc *congestionController) resetDupAcks() {
	cc.dupAcks = 0
}

// onTimeout collapses the window after a retransmission timeout.
func (cc *congestionController) onTimeout(inFlight, mss, sndNxt uint32) {
	cc.enterRecovery(inFlight, mss, sndNxt)
	cc.dupAcks = 0
	cc.cwnd = mss
}

// onIdle restarts from one segment after an idle period.
func (cc *congestionController) onIdle(mss uint32) {
	cc.cwnd = mss
}

// onMSSDecrease restarts slow start after lowering the MSS.
func (cc *congestionController) onMSSDecrease(mss uint32) {
	cc.cwnd = cc.initialWindow * mss
}

// onMSSIncrease applies the minimums after learning the path MTU.
func (cc *congestionController) onMSSIncrease(mss uint32) {
	cc.ssthresh = max(cc.ssthresh, 2*mss)
	cc.cwnd = max(cc.cwnd, cc.initialWindow*mss)
}
