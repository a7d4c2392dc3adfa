// SPDX-License-Identifier: GPL-3.0-or-later

package ice

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Transport is the transport protocol of a [TransportAddress].
type Transport string

// Supported transports.
const (
	TransportUDP = Transport("udp")
	TransportTCP = Transport("tcp")
)

// ErrUnsupportedAddress indicates that we cannot convert a [net.Addr].
var ErrUnsupportedAddress = errors.New("ice: unsupported address")

// TransportAddress is an IP address, a port and a transport.
//
// It implements [net.Addr].
type TransportAddress struct {
	AddrPort  netip.AddrPort
	Transport Transport
}

var _ net.Addr = TransportAddress{}

// ParseTransportAddress parses an IP literal endpoint such as "10.0.0.1:3478".
func ParseTransportAddress(address string, transport Transport) (TransportAddress, error) {
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return TransportAddress{}, err
	}
	return NewTransportAddress(addrport, transport), nil
}

// NewTransportAddress creates a [TransportAddress], unmapping IPv4-mapped IPv6 addresses.
func NewTransportAddress(addrport netip.AddrPort, transport Transport) TransportAddress {
	return TransportAddress{
		AddrPort:  netip.AddrPortFrom(addrport.Addr().Unmap(), addrport.Port()),
		Transport: transport,
	}
}

// TransportAddressFromAddr converts a [*net.UDPAddr] or [*net.TCPAddr].
func TransportAddressFromAddr(addr net.Addr) (TransportAddress, error) {
	switch addr := addr.(type) {
	case *net.UDPAddr:
		return NewTransportAddress(addr.AddrPort(), TransportUDP), nil
	case *net.TCPAddr:
		return NewTransportAddress(addr.AddrPort(), TransportTCP), nil
	case TransportAddress:
		return addr, nil
	default:
		return TransportAddress{}, fmt.Errorf("%w: %T", ErrUnsupportedAddress, addr)
	}
}

// IsValid returns whether the address is set.
func (ta TransportAddress) IsValid() bool {
	return ta.AddrPort.IsValid()
}

// Equal returns whether addr refers to the same endpoint.
func (ta TransportAddress) Equal(addr net.Addr) bool {
	other, err := TransportAddressFromAddr(addr)
	return err == nil && other == ta
}

// UDPAddr returns the equivalent [*net.UDPAddr].
func (ta TransportAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ta.AddrPort)
}

// Network implements [net.Addr].
func (ta TransportAddress) Network() string {
	return string(ta.Transport)
}

// String implements [net.Addr].
func (ta TransportAddress) String() string {
	return ta.AddrPort.String()
}
