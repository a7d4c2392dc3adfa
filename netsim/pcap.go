//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package netsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a captured packet.
type pcapSnapshot struct {
	// data contains the captured bytes.
	data []byte

	// length is the original packet length.
	length int

	// when is the capture time.
	when time.Time
}

// PCAPTrace writes raw IP packets to a PCAP file in the background.
//
// Construct using [NewPCAPTrace].
type PCAPTrace struct {
	cancel   context.CancelFunc
	dropped  atomic.Uint64
	errch    chan error
	now      func() time.Time
	once     sync.Once
	snaps    chan pcapSnapshot
	snapSize uint16
	wc       io.WriteCloser
}

// PCAPTraceOption is an option for [NewPCAPTrace].
type PCAPTraceOption func(cfg *pcapTraceConfig)

type pcapTraceConfig struct {
	buffer int
	now    func() time.Time
}

// DefaultPCAPTraceBuffer is the default number of packets buffered
// before [*PCAPTrace.Dump] starts dropping.
const DefaultPCAPTraceBuffer = 4096

// PCAPTraceOptionBuffer sets the number of buffered packets.
func PCAPTraceOptionBuffer(count int) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.buffer = count
	}
}

// PCAPTraceOptionClock sets the function returning the capture time.
func PCAPTraceOptionClock(now func() time.Time) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.now = now
	}
}

// NewPCAPTrace starts writing a PCAP capturing up to snapSize bytes
// per packet into wc, which [*PCAPTrace.Close] closes.
func NewPCAPTrace(wc io.WriteCloser, snapSize uint16, options ...PCAPTraceOption) *PCAPTrace {
	cfg := &pcapTraceConfig{buffer: DefaultPCAPTraceBuffer, now: time.Now}
	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &PCAPTrace{
		cancel:   cancel,
		errch:    make(chan error, 1),
		now:      cfg.now,
		snaps:    make(chan pcapSnapshot, cfg.buffer),
		snapSize: snapSize,
		wc:       wc,
	}
	go tr.saveLoop(ctx)
	return tr
}

// Dump captures the given raw IPv4/IPv6 packet.
//
// When the buffer is full, the packet is dropped and counted.
func (tr *PCAPTrace) Dump(packet []byte) {
	snap := pcapSnapshot{
		data:   make([]byte, min(len(packet), int(tr.snapSize))),
		length: len(packet),
		when:   tr.now(),
	}
	copy(snap.data, packet)
	select {
	case tr.snaps <- snap:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped because the
// writer could not keep up with [*PCAPTrace.Dump].
func (tr *PCAPTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// pcapErrWriter remembers the first error of the underlying writer, which
// [*pcapgo.Writer] does not wrap.
type pcapErrWriter struct {
	err error
	w   io.Writer
}

func (ew *pcapErrWriter) Write(b []byte) (int, error) {
	count, err := ew.w.Write(b)
	if err != nil && ew.err == nil {
		ew.err = err
	}
	return count, err
}

// cause returns the writer error, if any, or err.
func (ew *pcapErrWriter) cause(err error) error {
	if ew.err != nil {
		return ew.err
	}
	return err
}

func (tr *PCAPTrace) saveLoop(ctx context.Context) {
	ew := &pcapErrWriter{w: tr.wc}
	w := pcapgo.NewWriter(ew)
	if err := w.WriteFileHeader(uint32(tr.snapSize), layers.LinkTypeRaw); err != nil {
		tr.errch <- fmt.Errorf("netsim: writing pcap header: %w", ew.cause(err))
		return
	}
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- fmt.Errorf("netsim: writing pcap packet: %w", ew.cause(err))
			return
		}
	}
}

// readOrDrain returns the next snapshot. After ctx is done, it keeps
// returning the buffered snapshots and returns false once empty.
func (tr *PCAPTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
	}
	select {
	case snap := <-tr.snaps:
		return snap, true
	default:
		return pcapSnapshot{}, false
	}
}

func (tr *PCAPTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     snap.when,
		CaptureLength: len(snap.data),
		Length:        snap.length,
	}
	return w.WritePacket(ci, snap.data)
}

// Close stops the background writer after it has saved the buffered
// packets and closes the underlying writer.
func (tr *PCAPTrace) Close() (err error) {
	tr.once.Do(func() {
		tr.cancel()
		err = errors.Join(<-tr.errch, tr.wc.Close())
	})
	return
}
