// SPDX-License-Identifier: GPL-3.0-or-later

// Package pseudotcp implements a TCP-like reliable byte stream carried
// inside UDP datagrams, as used by peer-to-peer applications that have
// already traversed NATs using ICE.
//
// The core is the [*Engine], a single-threaded state machine that does
// not perform any I/O by itself. The embedder feeds inbound datagrams
// using [*Engine.NotifyPacket], drives timers by calling [*Engine.UpdateClock]
// as suggested by [*Engine.NextClockTimeout], and receives outbound
// segments through an [OutputFunc]. Events are reported to a [Notifier].
//
// The engine implements the handshake, sliding windows, RTT estimation
// (RFC 6298), NewReno congestion control with fast retransmit and fast
// recovery, out-of-order reassembly, delayed ACKs, Nagle's algorithm,
// zero-window probing, window scaling and graceful close via FIN.
//
// Most users want [*Conn] instead, which wraps an [*Engine] and a
// [net.PacketConn] into a blocking [net.Conn]. Use [Dial] to connect to
// a peer and [*Conn.Accept] to wait for one.
//
// The [Layer] type integrates the wire format with gopacket, so that
// packet captures of simulated links can be decoded.
//
// The netsim package provides a userspace internet simulation useful to
// run connections across lossy links, while the ice package gathers the
// candidate addresses a peer may be reachable at.
package pseudotcp
