// SPDX-License-Identifier: GPL-3.0-or-later

// Package ice contains the NAT traversal glue used next to pseudo-TCP.
//
// A [StunPacketFilter] tells STUN traffic apart from pseudo-TCP segments
// arriving on the same socket, so that both can share it using the
// [pseudotcp.ConnOptionPacketFilter] option.
//
// A [*Harvester] gathers the [Candidate] addresses at which a socket is
// reachable. The [Dialect] selects how to talk to the configured server:
// a plain STUN binding, an RFC 5766 TURN allocation or the legacy Google
// relay allocation. A relayed candidate carries its own [net.PacketConn],
// which can in turn carry a [*pseudotcp.Conn].
package ice
