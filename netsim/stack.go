//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package netsim

import (
	"context"
	"errors"
	"net/netip"
	"slices"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// Stack is a gVisor network stack with a single NIC.
//
// Construct using [NewStack] or [*Internet.NewStack].
type Stack struct {
	// Stack is the underlying gVisor stack.
	Stack *stack.Stack

	// addrs contains the configured addresses.
	addrs []netip.Addr

	// link is the NIC endpoint.
	link stack.LinkEndpoint

	// onClose runs after the stack has been destroyed.
	onClose func()
}

// stackNICID is the ID of the only NIC.
const stackNICID = 1

// NewStack creates a [*Stack] using the given link endpoint (usually
// a [*VNIC]) and configures the given addresses on it.
func NewStack(vnic stack.LinkEndpoint, addrs ...netip.Addr) (*Stack, error) {
	nsp := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		HandleLocal: true,
	})

	if err := nsp.CreateNIC(stackNICID, vnic); err != nil {
		nsp.Destroy()
		return nil, errors.New(err.String())
	}

	for _, addr := range addrs {
		protoAddr := stackAddrToProtocolAddress(addr)
		if err := nsp.AddProtocolAddress(stackNICID, protoAddr, stack.AddressProperties{}); err != nil {
			nsp.Destroy()
			return nil, errors.New(err.String())
		}
	}

	nsp.AddRoute(tcpip.Route{
		Destination: header.IPv4EmptySubnet,
		NIC:         stackNICID,
	})
	nsp.AddRoute(tcpip.Route{
		Destination: header.IPv6EmptySubnet,
		NIC:         stackNICID,
	})

	return &Stack{Stack: nsp, addrs: slices.Clone(addrs), link: vnic}, nil
}

// Addrs returns the addresses configured on the NIC.
func (sx *Stack) Addrs() []netip.Addr {
	return slices.Clone(sx.addrs)
}

func stackAddrToProtocolAddress(addr netip.Addr) tcpip.ProtocolAddress {
	proto := ipv6.ProtocolNumber
	if addr.Is4() {
		proto = ipv4.ProtocolNumber
	}
	return tcpip.ProtocolAddress{
		Protocol:          proto,
		AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
	}
}

// DialTCP establishes a new [*gonet.TCPConn].
func (sx *Stack) DialTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	return gonet.DialContextTCP(ctx, sx.Stack, stackAddrPortToFullAddress(addr),
		stackAddrPortToNetworkProtocolNumber(addr))
}

// ListenTCP creates a new [*gonet.TCPListener].
func (sx *Stack) ListenTCP(addr netip.AddrPort) (*gonet.TCPListener, error) {
	return gonet.ListenTCP(sx.Stack, stackAddrPortToFullAddress(addr),
		stackAddrPortToNetworkProtocolNumber(addr))
}

// DialUDP creates a new connected [*gonet.UDPConn].
func (sx *Stack) DialUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	raddr := stackAddrPortToFullAddress(addr)
	return gonet.DialUDP(sx.Stack, nil, &raddr, stackAddrPortToNetworkProtocolNumber(addr))
}

// ListenUDP creates a new unconnected [*gonet.UDPConn] bound to addr.
//
// A zero port selects an ephemeral port.
func (sx *Stack) ListenUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	laddr := stackAddrPortToFullAddress(addr)
	return gonet.DialUDP(sx.Stack, &laddr, nil, stackAddrPortToNetworkProtocolNumber(addr))
}

func stackAddrPortToFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	// with a single NIC, binding to the unspecified address accepts
	// traffic for any configured address
	return tcpip.FullAddress{
		NIC:  stackNICID,
		Addr: tcpip.AddrFromSlice(epnt.Addr().AsSlice()),
		Port: epnt.Port(),
	}
}

func stackAddrPortToNetworkProtocolNumber(epnt netip.AddrPort) tcpip.NetworkProtocolNumber {
	if epnt.Addr().Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// Close destroys the stack and closes the NIC, which must tolerate
// being closed more than once.
//
// The gVisor stack owns the NIC close action, hence the [*Internet] routes
// are released by a separate hook.
func (sx *Stack) Close() {
	sx.Stack.Destroy()
	sx.link.Close()
	if sx.onClose != nil {
		sx.onClose()
	}
}
