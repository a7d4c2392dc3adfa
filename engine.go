// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/sirupsen/logrus"
)

// Sizes used to compute the MSS from the path MTU.
const (
	udpHeaderSize    = 8
	ipHeaderSize     = 20
	jingleHeaderSize = 64
	packetOverhead   = HeaderSize + udpHeaderSize + ipHeaderSize + jingleHeaderSize
)

// packetMaximums contains the MTU plateaus we step through when the
// output reports that a packet is too large (RFC 1191).
var packetMaximums = [...]int{65535, 32000, 17914, 8166, 4352, 2002, 1492, 1006, 508, 296, 0}

const (
	// defaultClockTimeout is the longest [*Engine.NextClockTimeout] result.
	defaultClockTimeout = 4 * time.Second

	// maxTransmits bounds the transmissions of a single segment.
	maxTransmits = 15

	// maxTransmitsConnecting is like maxTransmits but while connecting.
	maxTransmitsConnecting = 30

	// zeroWindowTimeout aborts a connection whose peer keeps a zero
	// window without sending anything.
	zeroWindowTimeout = 15 * time.Second

	// initialSequence is the initial sequence number of both peers.
	initialSequence uint32 = 0
)

// OutputFunc transmits a serialized segment. The callee owns the slice.
//
// Returning [ErrPacketTooLarge] causes the engine to lower its MSS and
// resegment. Any other error is logged and handled like a packet loss.
type OutputFunc func(segment []byte) error

// Notifier receives [*Engine] events. The engine invokes the methods
// synchronously, right before returning from the call that caused them,
// so they may call back into the engine.
type Notifier interface {
	// OnOpen is called when the connection is established.
	OnOpen(e *Engine)

	// OnReadable is called when [*Engine.Recv] would return data or io.EOF
	// after having returned [ErrWouldBlock].
	OnReadable(e *Engine)

	// OnWritable is called when [*Engine.Send] can accept data again
	// after having returned [ErrWouldBlock].
	OnWritable(e *Engine)

	// OnClosed is called once when the connection reaches CLOSED. The
	// err is nil after a graceful or local close.
	OnClosed(e *Engine, err error)
}

// NotifierFuncs implements [Notifier] using optional functions.
type NotifierFuncs struct {
	OpenFunc     func(e *Engine)
	ReadableFunc func(e *Engine)
	WritableFunc func(e *Engine)
	ClosedFunc   func(e *Engine, err error)
}

var _ Notifier = &NotifierFuncs{}

// OnOpen implements [Notifier].
func (n *NotifierFuncs) OnOpen(e *Engine) {
	if n.OpenFunc != nil {
		n.OpenFunc(e)
	}
}

// OnReadable implements [Notifier].
func (n *NotifierFuncs) OnReadable(e *Engine) {
	if n.ReadableFunc != nil {
		n.ReadableFunc(e)
	}
}

// OnWritable implements [Notifier].
func (n *NotifierFuncs) OnWritable(e *Engine) {
	if n.WritableFunc != nil {
		n.WritableFunc(e)
	}
}

// OnClosed implements [Notifier].
func (n *NotifierFuncs) OnClosed(e *Engine, err error) {
	if n.ClosedFunc != nil {
		n.ClosedFunc(e, err)
	}
}

// Stats is a snapshot of the [*Engine] counters and estimators.
type Stats struct {
	State            State
	SegmentsSent     uint64
	SegmentsReceived uint64
	Retransmits      uint64
	FastRetransmits  uint64
	Timeouts         uint64
	CongestionEvents uint64
	SRTT             time.Duration
	RTTVar           time.Duration
	RTO              time.Duration
	MSS              uint32
	Cwnd             uint32
	Ssthresh         uint32
	SendWindow       uint32
	RecvWindow       uint32
	InFlight         uint32
}

// ackMode tells attemptSend how to acknowledge.
type ackMode int

const (
	ackNone ackMode = iota
	ackDelayed
	ackImmediate
)

// engineEvents is the set of pending [Notifier] events.
type engineEvents uint8

const (
	eventOpen engineEvents = 1 << iota
	eventReadable
	eventWritable
	eventClosed
)

// Engine is the pseudo-TCP connection state machine.
//
// The engine never blocks and never starts goroutines. The embedder feeds
// inbound datagrams using [*Engine.NotifyPacket], advances the timers using
// [*Engine.UpdateClock], scheduling the next call according to
// [*Engine.NextClockTimeout], and transmits the segments passed to the
// [OutputFunc]. All calls must be serialized by the embedder.
//
// Construct using [NewEngine].
type Engine struct {
	cfg      Config
	clock    func() time.Time
	epoch    time.Time
	logger   logrus.FieldLogger
	notifier Notifier
	output   OutputFunc

	state    State
	finished bool
	closeErr error
	events   engineEvents

	// send side
	sbuf       *ByteFIFO
	slist      sendQueue
	sndNxt     uint32
	sndUna     uint32
	sndWnd     uint32
	swndScale  uint8
	finPending bool
	finQueued  bool
	finSeq     uint32

	// receive side
	rbuf         *ByteFIFO
	rlist        *reorderList
	rcvNxt       uint32
	rcvWnd       uint32
	rwndScale    uint8
	peerFin      bool
	rcvFinSeq    uint32
	rcvFinQueued bool

	// segmentation
	mtuAdvise int
	mss       uint32
	mssLevel  int
	largest   uint32

	// timers and estimators
	rtt           rttEstimator
	cc            congestionController
	rtoBase       time.Time
	tAck          time.Time
	lastSend      time.Time
	lastRecv      time.Time
	lastTraffic   time.Time
	timeWaitStart time.Time
	finWait2Start time.Time
	tsRecent      uint32
	tsLastAck     uint32

	readEnable  bool
	writeEnable bool

	stats Stats
}

// NewEngine creates a new [*Engine] in the CLOSED state.
//
// A nil cfg means [DefaultConfig]. A nil notifier disables notifications.
func NewEngine(cfg *Config, output OutputFunc, notifier Notifier) (*Engine, error) {
	// 1. validate and copy the configuration
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runtimex.Assert(output != nil)
	if notifier == nil {
		notifier = &NotifierFuncs{}
	}

	// 2. create the buffers, scaling the receive window if needed
	rbuf, rwndScale := newReceiveBuffer(cfg.RecvBufferSize, cfg.WindowScaling)
	mss := uint32(minPacket - packetOverhead)

	// 3. initialize the engine
	clock := cfg.clock()
	now := clock()
	e := &Engine{
		cfg:         *cfg,
		clock:       clock,
		epoch:       now,
		logger:      cfg.logger().WithField("conv", cfg.Conversation),
		notifier:    notifier,
		output:      output,
		state:       StateClosed,
		sbuf:        NewByteFIFO(cfg.SendBufferSize),
		sndNxt:      initialSequence,
		sndUna:      initialSequence,
		sndWnd:      1,
		rbuf:        rbuf,
		rlist:       newReorderList(),
		rcvNxt:      initialSequence,
		rcvWnd:      uint32(rbuf.Cap()),
		rwndScale:   rwndScale,
		mtuAdvise:   cfg.MTU,
		mss:         mss,
		rtt:         newRTTEstimator(cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO),
		cc:          newCongestionController(cfg.DupAckThreshold, cfg.InitialWindow, mss, uint32(rbuf.Cap())),
		lastSend:    now,
		lastRecv:    now,
		lastTraffic: now,
		readEnable:  true,
		writeEnable: false,
	}
	return e, nil
}

// newReceiveBuffer creates the receive buffer, rounding its size such that
// the window can be advertised in 16 bits using the returned scale.
func newReceiveBuffer(size int, scaling bool) (*ByteFIFO, uint8) {
	var scale uint8
	if scaling {
		for size > 0xffff {
			scale++
			size >>= 1
		}
		size <<= scale
	}
	return NewByteFIFO(size), scale
}

// Conversation returns the conversation ID.
func (e *Engine) Conversation() uint32 {
	return e.cfg.Conversation
}

// State returns the connection state.
func (e *Engine) State() State {
	return e.state
}

// Stats returns a snapshot of the engine statistics.
func (e *Engine) Stats() Stats {
	stats := e.stats
	stats.State = e.state
	stats.CongestionEvents = e.cc.events
	stats.SRTT = e.rtt.srtt
	stats.RTTVar = e.rtt.rttvar
	stats.RTO = e.rtt.rto
	stats.MSS = e.mss
	stats.Cwnd = e.cc.cwnd
	stats.Ssthresh = e.cc.ssthresh
	stats.SendWindow = e.sndWnd
	stats.RecvWindow = e.rcvWnd
	stats.InFlight = e.sndNxt - e.sndUna
	return stats
}

// Listen moves a new engine into the LISTEN state, where it
// waits for the peer connect segment.
func (e *Engine) Listen() error {
	if e.state != StateClosed || e.finished {
		return ErrInvalidState
	}
	e.setState(StateListen)
	return nil
}

// Connect starts the handshake by sending the connect segment.
func (e *Engine) Connect() error {
	defer e.flushEvents()
	if (e.state != StateClosed && e.state != StateListen) || e.finished {
		return ErrInvalidState
	}
	e.setState(StateSynSent)
	e.queueConnect()
	e.attemptSend(ackNone)
	return nil
}

// Send queues data for transmission and returns how many bytes were
// accepted. It returns [ErrWouldBlock] when the send buffer is full.
func (e *Engine) Send(data []byte) (int, error) {
	defer e.flushEvents()
	if !e.state.canSend() {
		if e.closeErr != nil {
			return 0, e.closeErr
		}
		return 0, ErrNotConnected
	}
	if len(data) <= 0 {
		return 0, nil
	}
	if e.sbuf.WriteRemaining() <= 0 {
		e.writeEnable = true
		return 0, ErrWouldBlock
	}
	count := e.queue(data, kindData)
	e.attemptSend(ackNone)
	return count, nil
}

// Recv reads received data into buffer. It returns [ErrWouldBlock] when
// no data is available yet and [io.EOF] after the peer closed its side.
func (e *Engine) Recv(buffer []byte) (int, error) {
	defer e.flushEvents()
	if len(buffer) <= 0 {
		return 0, nil
	}

	// 1. read or figure out why we cannot
	count := e.rbuf.Read(buffer)
	if count <= 0 {
		switch {
		case e.peerFin:
			return 0, io.EOF
		case e.closeErr != nil:
			return 0, e.closeErr
		case !e.state.synchronized():
			return 0, ErrNotConnected
		default:
			e.readEnable = true
			return 0, ErrWouldBlock
		}
	}

	// 2. reopen the window once we have room for a sizable amount of data
	available := uint32(e.rbuf.WriteRemaining())
	if available > e.rcvWnd && available-e.rcvWnd >= min(uint32(e.rbuf.Cap()/2), e.mss) {
		wasClosed := e.rcvWnd == 0
		e.rcvWnd = available
		if wasClosed {
			e.attemptSend(ackImmediate)
		}
	}
	return count, nil
}

// Close starts a graceful close. Queued data is still delivered before our
// FIN and data sent by the peer can still be received.
func (e *Engine) Close() {
	defer e.flushEvents()
	switch e.state {
	case StateClosed:
		e.finished = true
	case StateListen, StateSynSent:
		e.closedown(nil)
	case StateSynReceived, StateEstablished:
		e.setState(StateFinWait1)
		e.queueFin()
		e.attemptSend(ackNone)
	case StateCloseWait:
		e.setState(StateLastAck)
		e.queueFin()
		e.attemptSend(ackNone)
	}
}

// Abort resets the connection and moves to CLOSED immediately.
func (e *Engine) Abort() {
	defer e.flushEvents()
	switch e.state {
	case StateClosed:
		e.finished = true
	case StateListen:
		e.closedown(nil)
	default:
		_ = e.packet(e.clock(), e.sndNxt, FlagRst, 0, 0)
		e.closedown(nil)
	}
}

// NotifyMTU sets the path MTU advice.
func (e *Engine) NotifyMTU(mtu int) {
	e.mtuAdvise = min(max(mtu, minPacket), maxPacket)
	if e.state == StateEstablished {
		e.adjustMTU()
	}
}

// NotifyPacket processes an inbound datagram. Invalid or unexpected
// segments are dropped; the returned error is only informational.
func (e *Engine) NotifyPacket(raw []byte) error {
	defer e.flushEvents()
	if len(raw) > maxPacket {
		return fmt.Errorf("%w: %d bytes exceeds the maximum packet size", ErrMalformedSegment, len(raw))
	}
	seg, err := DecodeSegment(raw)
	if err != nil {
		e.logger.WithError(err).Debug("pseudotcp: dropping segment")
		return err
	}
	e.process(seg)
	return nil
}

// NextClockTimeout returns how long the embedder may wait before calling
// [*Engine.UpdateClock]. It returns false once the engine is CLOSED.
func (e *Engine) NextClockTimeout(now time.Time) (time.Duration, bool) {
	if e.state == StateClosed {
		return 0, false
	}
	timeout := defaultClockTimeout
	deadline := func(t time.Time) {
		timeout = min(timeout, t.Sub(now))
	}
	if !e.tAck.IsZero() {
		deadline(e.tAck.Add(e.cfg.AckDelay))
	}
	if !e.rtoBase.IsZero() {
		deadline(e.rtoBase.Add(e.rtt.rto))
	}
	if e.sndWnd == 0 {
		deadline(e.lastSend.Add(e.rtt.rto))
	}
	switch e.state {
	case StateTimeWait:
		deadline(e.timeWaitStart.Add(e.cfg.TimeWait))
	case StateFinWait2:
		deadline(e.finWait2Start.Add(e.cfg.FinWait2Timeout))
	}
	return max(timeout, 0), true
}

// UpdateClock advances the timers to now, retransmitting, probing
// the peer window or sending delayed ACKs as needed.
func (e *Engine) UpdateClock(now time.Time) {
	defer e.flushEvents()

	// 1. handle the state timers
	switch e.state {
	case StateClosed, StateListen:
		return
	case StateTimeWait:
		if !now.Before(e.timeWaitStart.Add(e.cfg.TimeWait)) {
			e.closedown(nil)
			return
		}
	case StateFinWait2:
		if !now.Before(e.finWait2Start.Add(e.cfg.FinWait2Timeout)) {
			e.logger.Debug("pseudotcp: giving up waiting for the peer FIN")
			e.closedown(nil)
			return
		}
	}

	// 2. retransmit the first segment on timeout
	if !e.rtoBase.IsZero() && !now.Before(e.rtoBase.Add(e.rtt.rto)) {
		if e.slist.empty() {
			e.rtoBase = time.Time{}
		} else {
			if !e.transmit(0, now) {
				e.closedown(ErrConnectionTimeout)
				return
			}
			e.stats.Timeouts++
			e.stats.Retransmits++
			e.cc.onTimeout(e.sndNxt-e.sndUna, e.mss, e.sndNxt)
			limit := e.cfg.MaxRTO
			if e.state.connecting() {
				limit = e.cfg.InitialRTO
			}
			e.rtt.backoff(limit)
			e.rtoBase = now
			e.logger.WithFields(logrus.Fields{
				"seq":      e.sndUna,
				"rto":      e.rtt.rto,
				"ssthresh": e.cc.ssthresh,
			}).Debug("pseudotcp: retransmission timeout")
		}
	}

	// 3. probe a closed peer window
	if e.sndWnd == 0 && !now.Before(e.lastSend.Add(e.rtt.rto)) {
		if now.Sub(e.lastRecv) >= zeroWindowTimeout {
			e.closedown(ErrConnectionTimeout)
			return
		}
		_ = e.packet(now, e.sndNxt-1, 0, 0, 0)
		e.lastSend = now
		e.rtt.backoff(min(e.cfg.MaxRTO, zeroWindowTimeout/2))
	}

	// 4. send the delayed ACK
	if !e.tAck.IsZero() && !now.Before(e.tAck.Add(e.cfg.AckDelay)) {
		_ = e.packet(now, e.sndNxt, 0, 0, 0)
	}
}

// process handles a decoded inbound segment.
func (e *Engine) process(seg Segment) {
	// 1. silently drop segments belonging to other conversations
	if seg.Conv != e.cfg.Conversation {
		e.logger.WithField("peerConv", seg.Conv).Debug("pseudotcp: wrong conversation")
		return
	}
	now := e.clock()
	e.lastTraffic, e.lastRecv = now, now
	e.stats.SegmentsReceived++
	if e.state == StateClosed {
		return
	}

	// 2. handle resets
	if seg.Flags&FlagRst != 0 {
		switch e.state {
		case StateListen:
		case StateTimeWait:
			e.closedown(nil)
		default:
			e.closedown(ErrConnectionReset)
		}
		return
	}

	// 3. handle the connect control message
	connect := seg.Flags&FlagCtl != 0
	if connect {
		if len(seg.Payload) <= 0 || seg.Payload[0] != CtlConnect {
			e.logger.WithField("segment", seg.String()).Debug("pseudotcp: unknown control message")
			return
		}
		opts, err := parseConnectOptions(seg.Payload[1:])
		if err != nil {
			e.logger.WithError(err).Debug("pseudotcp: invalid connect options")
			return
		}
		switch e.state {
		case StateListen:
			e.applyConnectOptions(opts)
			e.setState(StateSynReceived)
			e.queueConnect()
		case StateSynSent:
			e.applyConnectOptions(opts)
			e.establish()
		}
	} else if e.state == StateListen {
		return
	}

	// 4. remember the timestamp to echo
	if seqLEQ(seg.Seq, e.tsLastAck) && seqLT(e.tsLastAck, seg.Seq+seg.Len()) {
		e.tsRecent = seg.TSVal
	}

	// 5. process the acknowledgement
	if seqGT(seg.Ack, e.sndUna) && seqLEQ(seg.Ack, e.sndNxt) {
		if !e.processNewAck(seg, now) {
			return
		}
	} else if seg.Ack == e.sndUna {
		e.sndWnd = uint32(seg.Window) << e.swndScale
		switch {
		case seg.Len() > 0:
			// carries data, so it is not a duplicate ACK
		case e.sndUna != e.sndNxt:
			if e.cc.onDupAck(e.mss, e.sndUna, e.sndNxt) {
				e.stats.FastRetransmits++
				if !e.retransmitFirst(now) {
					return
				}
			}
		default:
			e.cc.resetDupAcks()
		}
	}

	// 6. complete the passive open once our connect is acknowledged
	if e.state == StateSynReceived && !connect && e.sndUna != initialSequence {
		e.establish()
	}

	// 7. handle the acknowledgement of our FIN
	if e.finQueued && seqGT(e.sndUna, e.finSeq) {
		switch e.state {
		case StateFinWait1:
			e.setState(StateFinWait2)
			e.finWait2Start = now
		case StateClosing:
			e.enterTimeWait(now)
		case StateLastAck:
			e.closedown(nil)
			return
		}
	}

	// 8. tell the application it can write again
	if e.writeEnable && e.sbuf.Buffered() < e.sbuf.Cap()/2 {
		e.writeEnable = false
		e.events |= eventWritable
	}

	// 9. acknowledge out-of-order segments immediately and data lazily
	mode := ackNone
	switch {
	case seg.Seq != e.rcvNxt || connect:
		mode = ackImmediate
	case seg.Len() > 0 && e.cfg.AckDelay <= 0:
		mode = ackImmediate
	case seg.Len() > 0:
		mode = ackDelayed
	}

	// 10. deliver the payload
	newData, finReceived, ok := e.receive(seg, &mode)
	if !ok {
		return
	}
	if finReceived {
		e.peerFin = true
		mode = ackImmediate
		switch e.state {
		case StateSynReceived, StateEstablished:
			e.setState(StateCloseWait)
		case StateFinWait1:
			e.setState(StateClosing)
		case StateFinWait2:
			e.enterTimeWait(now)
		}
		e.events |= eventReadable
	} else if e.state == StateTimeWait && seg.Flags&FlagFin != 0 {
		e.timeWaitStart = now
	}

	// 11. send pending data and the ACK
	e.attemptSend(mode)

	// 12. tell the application it can read
	if newData && e.readEnable {
		e.readEnable = false
		e.events |= eventReadable
	}
}

// processNewAck handles an ACK covering new data and returns
// false if the connection has been closed meanwhile.
func (e *Engine) processNewAck(seg Segment, now time.Time) bool {
	// 1. sample the round trip time using the echoed timestamp
	if seg.TSEcr != 0 {
		if rtt := int32(e.timestamp(now) - seg.TSEcr); rtt >= 0 {
			e.rtt.sample(time.Duration(rtt) * time.Millisecond)
		}
	}

	// 2. slide the window
	e.sndWnd = uint32(seg.Window) << e.swndScale
	acked := seg.Ack - e.sndUna
	e.sndUna = seg.Ack
	if e.sndUna == e.sndNxt {
		e.rtoBase = time.Time{}
	} else {
		e.rtoBase = now
	}

	// 3. release the acknowledged data
	e.sbuf.ConsumeReadData(int(acked))
	e.largest = max(e.largest, e.slist.acknowledge(acked))

	// 4. grow the window or continue the recovery
	if e.cc.onAck(acked, e.mss, e.sndUna, e.sndNxt) {
		return e.retransmitFirst(now)
	}
	return true
}

// receive stores the segment payload into the receive buffer. It returns
// whether new data became readable, whether the peer FIN has been
// consumed, and false if the segment must be dropped without a reply.
func (e *Engine) receive(seg Segment, mode *ackMode) (newData, finReceived, ok bool) {
	// 1. discard what we have already received
	seq, payload := seg.Seq, seg.Payload
	if seqLT(seq, e.rcvNxt) {
		if adjust := e.rcvNxt - seq; adjust < uint32(len(payload)) {
			seq += adjust
			payload = payload[adjust:]
		} else {
			payload = nil
		}
	}

	// 2. discard data not fitting into the receive buffer
	control := seg.Flags&(FlagCtl|FlagFin) != 0
	if !control {
		available := uint32(e.rbuf.WriteRemaining())
		if end := seq + uint32(len(payload)) - e.rcvNxt; end > available {
			if adjust := end - available; adjust < uint32(len(payload)) {
				payload = payload[:uint32(len(payload))-adjust]
			} else {
				payload = nil
			}
		}
	}
	if len(payload) <= 0 {
		return false, false, true
	}

	// 3. consume control octets, which never reach the application
	recover := false
	if control {
		if seq != e.rcvNxt {
			if seg.Flags&FlagFin != 0 {
				e.rcvFinQueued, e.rcvFinSeq = true, seq
			}
			return false, false, true
		}
		e.rcvNxt += uint32(len(payload))
		finReceived = seg.Flags&FlagFin != 0
		recover = true
		// skip the control octets in the buffer when nothing is unread, so
		// out-of-order offsets stay relative to rcvNxt; a FIN behind unread
		// data leaves the cursor behind, and nothing may follow a FIN
		if e.rbuf.Buffered() <= 0 {
			e.rbuf.ConsumeWriteBuffer(len(payload))
			e.rbuf.ConsumeReadData(len(payload))
		}
	} else {
		// 4. place the data, possibly out of order
		if _, good := e.rbuf.WriteOffset(payload, int(seq-e.rcvNxt)); !good {
			return false, false, false
		}
		if seq == e.rcvNxt {
			e.rbuf.ConsumeWriteBuffer(len(payload))
			e.advanceReceive(uint32(len(payload)))
			newData, recover = true, true
		} else {
			e.rlist.insert(recvSegment{seq: seq, length: uint32(len(payload))})
		}
	}

	// 5. deliver out-of-order data made contiguous
	if recover {
		for {
			rseg, found := e.rlist.popCovered(e.rcvNxt)
			if !found {
				break
			}
			if seqGT(rseg.end(), e.rcvNxt) {
				*mode = ackImmediate
				adjust := rseg.end() - e.rcvNxt
				e.rbuf.ConsumeWriteBuffer(int(adjust))
				e.advanceReceive(adjust)
				newData = true
			}
		}
		if e.rcvFinQueued && e.rcvNxt == e.rcvFinSeq {
			e.rcvFinQueued = false
			e.rcvNxt++
			finReceived = true
		}
	}
	return newData, finReceived, true
}

// advanceReceive moves rcvNxt forward over count data octets.
func (e *Engine) advanceReceive(count uint32) {
	e.rcvNxt += count
	e.rcvWnd -= min(count, e.rcvWnd)
}

// retransmitFirst retransmits the first unacknowledged segment and
// returns false if the connection has been closed as a result.
func (e *Engine) retransmitFirst(now time.Time) bool {
	if !e.transmit(0, now) {
		e.closedown(ErrConnectionTimeout)
		return false
	}
	e.stats.Retransmits++
	return true
}

// attemptSend transmits as much queued data as the windows, the silly
// window avoidance and Nagle's algorithm allow, then acknowledges.
func (e *Engine) attemptSend(mode ackMode) {
	if e.state == StateClosed || e.state == StateListen {
		return
	}
	now := e.clock()
	if e.finPending && e.sbuf.WriteRemaining() > 0 {
		e.queueFin()
	}
	if now.Sub(e.lastSend) > e.rtt.rto {
		e.cc.onIdle(e.mss)
	}

	for {
		// 1. compute how much we can send
		window := min(e.sndWnd, e.cc.window(e.mss))
		inFlight := e.sndNxt - e.sndUna
		var usable uint32
		if inFlight < window {
			usable = window - inFlight
		}
		available := min(uint32(e.sbuf.Buffered())-inFlight, e.mss)
		if available > usable {
			if usable*4 < window {
				available = 0 // avoid the silly window syndrome
			} else {
				available = usable
			}
		}

		// 2. hold back small data segments while data is in flight
		idx, found := e.slist.firstUnsent()
		runtimex.Assert(available == 0 || found)
		if available > 0 && !e.cfg.NoDelay && inFlight > 0 &&
			available < e.mss && e.slist.segs[idx].kind == kindData {
			available = 0
		}

		// 3. acknowledge if there is nothing to send
		if available <= 0 {
			switch {
			case mode == ackNone:
			case mode == ackImmediate || !e.tAck.IsZero():
				_ = e.packet(now, e.sndNxt, 0, 0, 0)
			default:
				e.tAck = now
			}
			return
		}

		// 4. transmit the next segment, which also carries the ACK
		e.slist.split(idx, available)
		if !e.transmit(idx, now) {
			e.closedown(ErrConnectionTimeout)
			return
		}
		mode = ackNone
	}
}

// transmit sends the queued segment at idx and returns false when the
// connection cannot make progress anymore.
func (e *Engine) transmit(idx int, now time.Time) bool {
	// 1. give up after too many attempts
	seg := e.slist.segs[idx]
	limit := maxTransmits
	if e.state.connecting() {
		limit = maxTransmitsConnecting
	}
	if seg.xmit >= limit {
		e.logger.WithField("seq", seg.seq).Debug("pseudotcp: too many retransmissions")
		return false
	}

	// 2. send, lowering the MSS while the packet is too large
	count := min(seg.length, e.mss)
	for e.packet(now, seg.seq, seg.kind.flags(), seg.seq-e.sndUna, count) != nil {
		for {
			if packetMaximums[e.mssLevel+1] <= 0 {
				return false
			}
			e.mssLevel++
			e.mss = uint32(packetMaximums[e.mssLevel] - packetOverhead)
			e.cc.onMSSDecrease(e.mss)
			if e.mss < count {
				count = e.mss
				break
			}
		}
		e.logger.WithField("mss", e.mss).Debug("pseudotcp: lowering the MSS")
	}

	// 3. keep the untransmitted remainder queued
	e.slist.split(idx, count)
	sent := &e.slist.segs[idx]
	if sent.xmit == 0 {
		e.sndNxt += sent.length
	}
	sent.xmit++
	if e.rtoBase.IsZero() {
		e.rtoBase = now
	}
	return true
}

// packet serializes and emits a segment carrying length octets of the
// send buffer starting at offset from sndUna.
func (e *Engine) packet(now time.Time, seq uint32, flags Flags, offset, length uint32) error {
	// 1. serialize the header and copy the payload
	seg := Segment{
		Conv:   e.cfg.Conversation,
		Seq:    seq,
		Ack:    e.rcvNxt,
		Flags:  flags,
		Window: uint16(min(e.rcvWnd>>e.rwndScale, 0xffff)),
		TSVal:  e.timestamp(now),
		TSEcr:  e.tsRecent,
	}
	e.tsLastAck = e.rcvNxt
	raw := seg.AppendTo(make([]byte, 0, HeaderSize+int(length)))
	raw = raw[:HeaderSize+int(length)]
	if length > 0 {
		e.sbuf.ReadOffset(raw[HeaderSize:], int(offset))
	}

	// 2. emit and handle errors
	if err := e.output(raw); err != nil {
		if errors.Is(err, ErrPacketTooLarge) && length > 0 {
			return err
		}
		e.logger.WithError(err).Debug("pseudotcp: output failed")
	}

	// 3. update the timers
	e.stats.SegmentsSent++
	e.tAck = time.Time{}
	if length > 0 {
		e.lastSend = now
	}
	e.lastTraffic = now
	return nil
}

// queue appends data to the send buffer and returns the count queued.
func (e *Engine) queue(data []byte, kind segmentKind) int {
	count := min(len(data), e.sbuf.WriteRemaining())
	e.slist.enqueue(e.sndUna+uint32(e.sbuf.Buffered()), uint32(count), kind)
	e.sbuf.Write(data[:count])
	return count
}

// queueConnect queues the connect segment. Until the peer replies, the
// send window only allows the connect segment to go out.
func (e *Engine) queueConnect() {
	payload := appendConnectPayload(nil, e.cfg.WindowScaling, e.rwndScale)
	e.sndWnd = uint32(len(payload))
	e.queue(payload, kindConnect)
}

// queueFin queues our FIN octet behind the queued data.
func (e *Engine) queueFin() {
	if e.sbuf.WriteRemaining() <= 0 {
		e.finPending = true
		return
	}
	e.finPending = false
	e.finQueued = true
	e.finSeq = e.sndUna + uint32(e.sbuf.Buffered())
	e.queue([]byte{0}, kindFin)
}

// applyConnectOptions applies the options sent by the peer.
func (e *Engine) applyConnectOptions(opts connectOptions) {
	if opts.hasWindowScale && e.cfg.WindowScaling {
		e.swndScale = opts.windowScale
		return
	}
	e.swndScale = 0
	if e.rwndScale > 0 {
		// the peer cannot scale so we need a window fitting 16 bits
		runtimex.Assert(e.rbuf.SetCapacity(DefaultRecvBufferSize))
		e.rwndScale = 0
		e.rcvWnd = min(e.rcvWnd, uint32(e.rbuf.WriteRemaining()))
	}
}

// establish enters the ESTABLISHED state.
func (e *Engine) establish() {
	e.setState(StateEstablished)
	e.adjustMTU()
	e.events |= eventOpen
}

// adjustMTU computes the MSS from the MTU advice.
func (e *Engine) adjustMTU() {
	for e.mssLevel = 0; packetMaximums[e.mssLevel+1] > 0; e.mssLevel++ {
		if packetMaximums[e.mssLevel] <= e.mtuAdvise {
			break
		}
	}
	e.mss = uint32(e.mtuAdvise - packetOverhead)
	e.cc.onMSSIncrease(e.mss)
}

// enterTimeWait enters TIME_WAIT.
func (e *Engine) enterTimeWait(now time.Time) {
	e.setState(StateTimeWait)
	e.timeWaitStart = now
}

// closedown enters CLOSED and records the reason.
func (e *Engine) closedown(err error) {
	if e.state == StateClosed && e.finished {
		return
	}
	entry := e.logger.WithField("state", e.state.String())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("pseudotcp: connection closed")
	e.setState(StateClosed)
	e.finished = true
	e.closeErr = err
	e.rtoBase = time.Time{}
	e.tAck = time.Time{}
	e.events |= eventClosed
}

// setState changes the state and logs the transition.
func (e *Engine) setState(state State) {
	if e.state != state {
		e.logger.WithFields(logrus.Fields{
			"from": e.state.String(),
			"to":   state.String(),
		}).Debug("pseudotcp: state change")
		e.state = state
	}
}

// timestamp returns the timestamp value for now.
func (e *Engine) timestamp(now time.Time) uint32 {
	return uint32(now.Sub(e.epoch) / time.Millisecond)
}

// flushEvents delivers the pending notifications.
func (e *Engine) flushEvents() {
	for e.events != 0 {
		events := e.events
		e.events = 0
		if events&eventOpen != 0 {
			e.notifier.OnOpen(e)
		}
		if events&eventWritable != 0 {
			e.notifier.OnWritable(e)
		}
		if events&eventReadable != 0 {
			e.notifier.OnReadable(e)
		}
		if events&eventClosed != 0 {
			e.notifier.OnClosed(e, e.closeErr)
		}
	}
}
