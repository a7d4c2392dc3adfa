// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the fixed segment header in bytes.
const HeaderSize = 24

// Flags contains the segment control flags.
type Flags uint8

// Flags understood by this implementation.
const (
	// FlagCtl indicates that the payload starts with a control code.
	FlagCtl Flags = 0x02

	// FlagRst resets the connection.
	FlagRst Flags = 0x04

	// FlagFin marks the last sequence octet sent by the peer.
	FlagFin Flags = 0x08

	// flagsKnown contains all the flags we understand.
	flagsKnown = FlagCtl | FlagRst | FlagFin
)

// String implements [fmt.Stringer].
func (f Flags) String() string {
	var out []byte
	for _, entry := range []struct {
		flag Flags
		name byte
	}{{FlagCtl, 'C'}, {FlagRst, 'R'}, {FlagFin, 'F'}} {
		if f&entry.flag != 0 {
			out = append(out, entry.name)
		} else {
			out = append(out, '.')
		}
	}
	return string(out)
}

// Control codes carried as the first payload byte of [FlagCtl] segments.
const (
	// CtlConnect opens the connection and is followed by options.
	CtlConnect = 0
)

// Connect options, encoded like TCP options.
const (
	optionEOL         = 0
	optionNOOP        = 1
	optionMSS         = 2
	optionWindowScale = 3
)

// Segment is a decoded pseudo-TCP segment.
//
// The wire layout (network byte order) is:
//
//	0       4       8       12  13  14      16      20      24
//	+-------+-------+-------+---+---+-------+-------+-------+------~
//	| conv  |  seq  |  ack  | 0 |flg|  wnd  | tsval | tsecr | data
//	+-------+-------+-------+---+---+-------+-------+-------+------~
//
// The window is expressed in units of the scale negotiated while connecting.
type Segment struct {
	// Conv is the conversation identifier.
	Conv uint32

	// Seq is the sequence number of the first payload byte.
	Seq uint32

	// Ack is the next sequence number the sender expects.
	Ack uint32

	// Flags contains the control flags.
	Flags Flags

	// Window is the scaled advertised receive window.
	Window uint16

	// TSVal is the sender timestamp in milliseconds.
	TSVal uint32

	// TSEcr echoes the most recent peer timestamp.
	TSEcr uint32

	// Payload is the segment payload.
	Payload []byte
}

// Len returns the number of sequence octets occupied by the segment.
func (s *Segment) Len() uint32 {
	return uint32(len(s.Payload))
}

// String implements [fmt.Stringer].
func (s *Segment) String() string {
	return fmt.Sprintf("<conv=%d seq=%d ack=%d flags=%s wnd=%d ts=%d/%d len=%d>",
		s.Conv, s.Seq, s.Ack, s.Flags, s.Window, s.TSVal, s.TSEcr, len(s.Payload))
}

// AppendTo appends the serialized segment to b.
func (s *Segment) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, s.Conv)
	b = binary.BigEndian.AppendUint32(b, s.Seq)
	b = binary.BigEndian.AppendUint32(b, s.Ack)
	b = append(b, 0, byte(s.Flags))
	b = binary.BigEndian.AppendUint16(b, s.Window)
	b = binary.BigEndian.AppendUint32(b, s.TSVal)
	b = binary.BigEndian.AppendUint32(b, s.TSEcr)
	return append(b, s.Payload...)
}

// Encode returns the serialized segment.
func (s *Segment) Encode() []byte {
	return s.AppendTo(make([]byte, 0, HeaderSize+len(s.Payload)))
}

// DecodeSegment parses a raw segment. The returned payload aliases raw.
//
// Unknown flags and the reserved byte are ignored.
func DecodeSegment(raw []byte) (Segment, error) {
	if len(raw) < HeaderSize {
		return Segment{}, fmt.Errorf("%w: %d bytes is less than the header size", ErrMalformedSegment, len(raw))
	}
	seg := Segment{
		Conv:    binary.BigEndian.Uint32(raw[0:4]),
		Seq:     binary.BigEndian.Uint32(raw[4:8]),
		Ack:     binary.BigEndian.Uint32(raw[8:12]),
		Flags:   Flags(raw[13]) & flagsKnown,
		Window:  binary.BigEndian.Uint16(raw[14:16]),
		TSVal:   binary.BigEndian.Uint32(raw[16:20]),
		TSEcr:   binary.BigEndian.Uint32(raw[20:24]),
		Payload: raw[HeaderSize:],
	}
	return seg, nil
}

// connectOptions contains the options carried by a connect segment.
type connectOptions struct {
	// windowScale is the peer window scale.
	windowScale uint8

	// hasWindowScale indicates whether windowScale was present.
	hasWindowScale bool
}

// appendConnectPayload appends the payload of a connect segment.
func appendConnectPayload(b []byte, windowScaling bool, scale uint8) []byte {
	b = append(b, CtlConnect)
	if windowScaling {
		b = append(b, optionWindowScale, 1, scale)
	}
	return b
}

// parseConnectOptions parses the options following [CtlConnect].
func parseConnectOptions(data []byte) (connectOptions, error) {
	var opts connectOptions
	for len(data) > 0 {
		kind := data[0]
		data = data[1:]
		if kind == optionEOL {
			break
		}
		if kind == optionNOOP {
			continue
		}
		if len(data) < 1 || int(data[0]) > len(data)-1 {
			return opts, fmt.Errorf("%w: truncated option %d", ErrMalformedSegment, kind)
		}
		value := data[1 : 1+int(data[0])]
		data = data[1+int(data[0]):]
		switch kind {
		case optionWindowScale:
			if len(value) != 1 {
				return opts, fmt.Errorf("%w: window scale option length %d", ErrMalformedSegment, len(value))
			}
			opts.windowScale = min(value[0], maxWindowScale)
			opts.hasWindowScale = true
		case optionMSS:
			// the MSS is discovered through the MTU plateaus
		}
	}
	return opts, nil
}

// maxWindowScale is the largest window scale we accept (as in TCP).
const maxWindowScale = 14

// seqLT returns whether a precedes b in sequence space.
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLEQ returns whether a precedes or equals b in sequence space.
func seqLEQ(a, b uint32) bool {
	return int32(a-b) <= 0
}

// seqGT returns whether a follows b in sequence space.
func seqGT(a, b uint32) bool {
	return int32(a-b) > 0
}
