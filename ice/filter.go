// SPDX-License-Identifier: GPL-3.0-or-later

package ice

import (
	"encoding/binary"
	"net"
	"slices"

	"github.com/bassosimone/pseudotcp"
	"github.com/pion/stun"
)

// stunHeaderSize is the size of the STUN message header.
const stunHeaderSize = 20

// IsStunLikePacket returns whether the two most significant bits of
// the first byte are zero, as it happens for all STUN messages.
func IsStunLikePacket(packet []byte) bool {
	return len(packet) > 0 && packet[0]&0xC0 == 0
}

// IsStunMessage returns whether packet is an RFC 5389 message, which
// carries the magic cookie.
func IsStunMessage(packet []byte) bool {
	return stun.IsMessage(packet)
}

// DefaultFilterMethods are the methods accepted by a [StunPacketFilter]
// with no explicit methods: binding plus the two reserved RFC 3489 values.
var DefaultFilterMethods = []stun.Method{0x000, stun.MethodBinding, 0x002}

// StunPacketFilter accepts the STUN messages we expect on a socket.
//
// The zero value accepts binding messages from any source.
type StunPacketFilter struct {
	// Server, when valid, restricts the filter to messages sent by
	// this server.
	Server TransportAddress

	// Methods overrides [DefaultFilterMethods].
	Methods []stun.Method
}

var _ pseudotcp.PacketFilter = StunPacketFilter{}

// Accept implements [pseudotcp.PacketFilter].
func (f StunPacketFilter) Accept(packet []byte, from net.Addr) bool {
	if f.Server.IsValid() && !f.Server.Equal(from) {
		return false
	}
	if len(packet) < stunHeaderSize || !IsStunLikePacket(packet) {
		return false
	}

	// the declared attributes length must match the datagram size, which
	// rules out pseudo-TCP segments whose conversation ID is STUN-like
	length := int(binary.BigEndian.Uint16(packet[2:4]))
	if length%4 != 0 || length != len(packet)-stunHeaderSize {
		return false
	}

	var mtype stun.MessageType
	mtype.ReadValue(binary.BigEndian.Uint16(packet[0:2]))
	return f.AcceptMethod(mtype.Method)
}

// AcceptMethod returns whether the filter accepts the given method.
func (f StunPacketFilter) AcceptMethod(method stun.Method) bool {
	methods := f.Methods
	if len(methods) <= 0 {
		methods = DefaultFilterMethods
	}
	return slices.Contains(methods, method)
}
