// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Common link MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)

// VNICFrame is a raw IPv4 or IPv6 packet moving between NICs.
type VNICFrame struct {
	// Packet contains the raw IP packet.
	Packet []byte
}

// VNICNetwork is the network a [*VNIC] sends frames to.
//
// The [*Internet] implements this interface.
type VNICNetwork interface {
	SendFrame(frame VNICFrame) bool
}

// VNICStats contains the [*VNIC] counters.
type VNICStats struct {
	// FramesSent counts the frames accepted by the network.
	FramesSent uint64

	// FramesReceived counts the frames delivered to the stack.
	FramesReceived uint64

	// FramesDropped counts outgoing and incoming frames we discarded.
	FramesDropped uint64
}

// VNIC is a virtual NIC implementing [stack.LinkEndpoint].
//
// The [stack.Stack] sends using [*VNIC.WritePackets], which forwards each
// packet to the attached [VNICNetwork]. The network delivers inbound frames
// using [*VNIC.InjectFrame], which hands them to the dispatcher that the stack
// configured using [*VNIC.Attach].
//
// Construct using [NewVNIC].
type VNIC struct {
	closefunc func()
	disp      stack.NetworkDispatcher
	network   VNICNetwork
	isclosed  bool
	laddr     tcpip.LinkAddress
	mtu       uint32
	mu        sync.RWMutex

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewVNIC creates a new [*VNIC] with the given MTU (e.g., [MTUEthernet])
// attached to the given network, which may be nil.
func NewVNIC(mtu uint32, network VNICNetwork) *VNIC {
	return &VNIC{network: network, mtu: mtu}
}

var _ stack.LinkEndpoint = &VNIC{}

// Stats returns a snapshot of the counters.
func (n *VNIC) Stats() VNICStats {
	return VNICStats{
		FramesSent:     n.sent.Load(),
		FramesReceived: n.received.Load(),
		FramesDropped:  n.dropped.Load(),
	}
}

// ARPHardwareType implements [stack.LinkEndpoint].
func (n *VNIC) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements [stack.LinkEndpoint].
func (n *VNIC) AddHeader(pbuf *stack.PacketBuffer) {
	// we move raw IP packets
}

// Attach implements [stack.LinkEndpoint].
func (n *VNIC) Attach(disp stack.NetworkDispatcher) {
	n.mu.Lock()
	if !n.isclosed {
		n.disp = disp
	}
	n.mu.Unlock()
}

// Capabilities implements [stack.LinkEndpoint].
func (n *VNIC) Capabilities() stack.LinkEndpointCapabilities {
	return 0
}

// Close implements [stack.LinkEndpoint].
func (n *VNIC) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isclosed {
		return
	}
	n.isclosed = true
	n.disp = nil
	if n.closefunc != nil {
		n.closefunc()
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (n *VNIC) IsAttached() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disp != nil && !n.isclosed
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *VNIC) LinkAddress() tcpip.LinkAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.laddr
}

// MTU implements [stack.LinkEndpoint].
func (n *VNIC) MTU() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mtu
}

// MaxHeaderLength implements [stack.LinkEndpoint].
func (n *VNIC) MaxHeaderLength() uint16 {
	return 0
}

// ParseHeader implements [stack.LinkEndpoint].
func (n *VNIC) ParseHeader(pbuf *stack.PacketBuffer) bool {
	return true
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *VNIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.mu.Lock()
	n.laddr = addr
	n.mu.Unlock()
}

// SetMTU implements [stack.LinkEndpoint].
func (n *VNIC) SetMTU(mtu uint32) {
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *VNIC) SetOnCloseAction(action func()) {
	n.mu.Lock()
	n.closefunc = action
	n.mu.Unlock()
}

// Wait implements [stack.LinkEndpoint].
func (n *VNIC) Wait() {
	// no background goroutines
}

// WritePackets implements [stack.LinkEndpoint].
//
// Packets larger than the MTU or refused by the network are dropped and
// do not count as written.
func (n *VNIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n.mu.RLock()
	network, isclosed, mtu := n.network, n.isclosed, n.mtu
	n.mu.RUnlock()

	if isclosed || network == nil {
		return 0, &tcpip.ErrNoNet{}
	}

	var numSent int
	for _, pb := range pkts.AsSlice() {
		payload := vnicPacketBufferToBytes(pb)
		switch {
		case len(payload) <= 0:
			continue
		case uint32(len(payload)) > mtu, !network.SendFrame(VNICFrame{Packet: payload}):
			n.dropped.Add(1)
			continue
		}
		n.sent.Add(1)
		numSent++
	}
	return numSent, nil
}

// InjectFrame delivers an inbound raw IPv4/IPv6 packet to the stack and
// returns whether the stack accepted it.
func (n *VNIC) InjectFrame(frame VNICFrame) bool {
	pkt := frame.Packet
	if len(pkt) <= 0 {
		return false
	}
	proto, ok := vnicDetectNetworkProtocol(pkt)
	if !ok {
		n.dropped.Add(1)
		return false
	}

	n.mu.RLock()
	disp, isclosed, mtu := n.disp, n.isclosed, n.mtu
	n.mu.RUnlock()

	if isclosed || disp == nil || uint32(len(pkt)) > mtu {
		n.dropped.Add(1)
		return false
	}

	// the router may deliver the same frame more than once
	copied := make([]byte, len(pkt))
	copy(copied, pkt)
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(copied),
	})
	disp.DeliverNetworkPacket(proto, pkb)
	n.received.Add(1)
	return true
}

// vnicDetectNetworkProtocol maps the IP version nibble to the protocol number.
//
// This function PANICs if the given pkt is zero length.
func vnicDetectNetworkProtocol(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	runtimex.Assert(len(pkt) > 0)
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

// vnicPacketBufferToBytes returns A COPY OF the packet bytes.
func vnicPacketBufferToBytes(pb *stack.PacketBuffer) []byte {
	v := pb.ToView()
	out := make([]byte, v.Size())
	_ = runtimex.PanicOnError1(v.Read(out))
	return out
}
