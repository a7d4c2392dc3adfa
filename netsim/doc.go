// SPDX-License-Identifier: GPL-3.0-or-later

// Package netsim simulates a small IP network in userspace using gVisor so
// that pseudo-TCP can be exercised over real UDP sockets without touching
// the host network.
//
// Create an [*Internet], then use [*Internet.NewStack] to create one [*Stack]
// per host. Each stack owns a [*VNIC] that posts outgoing IP packets to the
// channel returned by [*Internet.InFlight]. A [*Router] reads that channel,
// applies a [Policy] (loss, duplication, delay, jitter and rate limiting) and
// delivers the surviving packets using [*Internet.Deliver]. We do not model
// L2 frames or multiple hops.
//
// Sockets are created with [*ListenConfig] and [*Connector], which behave like
// their stdlib counterparts and remap gVisor errors to syscall errors. The
// UDP sockets returned by [*ListenConfig.ListenPacket] are the transport used
// by pseudo-TCP; the TCP sockets serve as a baseline for benchmarks.
//
// A [*PCAPTrace] captures the routed packets so that they can be inspected
// with wireshark.
package netsim
