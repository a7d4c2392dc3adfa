// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import "time"

// clockGranularity is the smallest variance term added to the RTO.
const clockGranularity = time.Millisecond

// rttEstimator implements the Jacobson/Karels RTO estimator.
type rttEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	minRTO time.Duration
	maxRTO time.Duration
}

func newRTTEstimator(initial, minRTO, maxRTO time.Duration) rttEstimator {
	return rttEstimator{
		srtt:   0,
		rttvar: 0,
		rto:    initial,
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
}

// sample folds a new round-trip measurement into the estimate.
func (r *rttEstimator) sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if r.srtt == 0 {
		r.srtt = rtt
		r.rttvar = rtt / 2
	} else {
		delta := rtt - r.srtt
		if delta < 0 {
			delta = -delta
		}
		r.rttvar = (3*r.rttvar + delta) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	r.rto = min(max(r.srtt+max(clockGranularity, 4*r.rttvar), r.minRTO), r.maxRTO)
}

// backoff doubles the RTO without exceeding limit.
func (r *rttEstimator) backoff(limit time.Duration) {
	r.rto = min(limit, 2*r.rto)
}

// segmentKind is the kind of a queued outbound segment.
type segmentKind uint8

const (
	// kindData is application data.
	kindData segmentKind = iota

	// kindConnect is the connect control message.
	kindConnect

	// kindFin is the single octet marking the end of our stream.
	kindFin
)

// flags returns the flags with which segments of this kind are sent.
func (k segmentKind) flags() Flags {
	switch k {
	case kindConnect:
		return FlagCtl
	case kindFin:
		return FlagFin
	default:
		return 0
	}
}

// sendSegment is a range of the send buffer that has been queued
// for transmission and is not fully acknowledged yet.
type sendSegment struct {
	// seq is the sequence number of the first octet.
	seq uint32

	// length is the number of octets.
	length uint32

	// kind is the segment kind.
	kind segmentKind

	// xmit counts the transmissions (zero means never sent).
	xmit int
}

// sendQueue is the list of outbound segments ordered by sequence.
type sendQueue struct {
	segs []sendSegment
}

func (q *sendQueue) empty() bool {
	return len(q.segs) <= 0
}

// enqueue adds length octets starting at seq, merging them with the
// last segment when it carries data that was never transmitted.
func (q *sendQueue) enqueue(seq, length uint32, kind segmentKind) {
	if n := len(q.segs); n > 0 && kind == kindData {
		last := &q.segs[n-1]
		if last.kind == kindData && last.xmit == 0 {
			last.length += length
			return
		}
	}
	q.segs = append(q.segs, sendSegment{seq: seq, length: length, kind: kind})
}

// acknowledge removes count octets from the front of the queue and
// returns the size of the largest segment entirely removed.
func (q *sendQueue) acknowledge(count uint32) (largest uint32) {
	for count > 0 && len(q.segs) > 0 {
		front := &q.segs[0]
		if count < front.length {
			front.length -= count
			front.seq += count
			return
		}
		largest = max(largest, front.length)
		count -= front.length
		q.segs = q.segs[1:]
	}
	return
}

// split truncates the segment at index to length octets and inserts
// the remainder right after it.
func (q *sendQueue) split(index int, length uint32) {
	seg := q.segs[index]
	if length >= seg.length {
		return
	}
	rest := sendSegment{
		seq:    seg.seq + length,
		length: seg.length - length,
		kind:   seg.kind,
		xmit:   seg.xmit,
	}
	q.segs[index].length = length
	q.segs = append(q.segs, sendSegment{})
	copy(q.segs[index+2:], q.segs[index+1:])
	q.segs[index+1] = rest
}

// firstUnsent returns the index of the first never transmitted segment.
func (q *sendQueue) firstUnsent() (int, bool) {
	for idx := range q.segs {
		if q.segs[idx].xmit == 0 {
			return idx, true
		}
	}
	return 0, false
}
