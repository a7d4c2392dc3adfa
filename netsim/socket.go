//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package netsim

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"syscall"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// errorsMap maps gVisor error suffixes to stdlib errors.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
var errorsMap = map[string]error{
	"endpoint is closed for receive": net.ErrClosed,
	"endpoint is closed for send":    net.ErrClosed,
	"connection aborted":             syscall.ECONNABORTED,
	"connection was refused":         syscall.ECONNREFUSED,
	"connection reset by peer":       syscall.ECONNRESET,
	"network is unreachable":         syscall.ENETUNREACH,
	"no route to host":               syscall.EHOSTUNREACH,
	"host is down":                   syscall.EHOSTDOWN,
	"machine is not on the network":  syscall.ENETDOWN,
	"operation timed out":            syscall.ETIMEDOUT,
	"endpoint is in invalid state":   syscall.EINVAL,
	"message too long":               syscall.EMSGSIZE,
	"port is in use":                 syscall.EADDRINUSE,
}

// errorsRemap maps a gVisor error to a stdlib error.
func errorsRemap(err error) error {
	if err == nil {
		return nil
	}
	estring := err.Error()
	for suffix, remapped := range errorsMap {
		if strings.HasSuffix(estring, suffix) {
			return remapped
		}
	}
	return err
}

// ListenConfig is like [*net.ListenConfig] but uses a [*Stack].
//
// Only IP literal endpoints are supported. Construct using [NewListenConfig].
type ListenConfig struct {
	stack *Stack
}

// NewListenConfig creates a new [*ListenConfig] instance.
func NewListenConfig(stack *Stack) *ListenConfig {
	return &ListenConfig{stack: stack}
}

// ListenPacket creates a UDP socket bound to address.
//
// The network must be "udp". The returned conn is suitable for carrying
// pseudo-TCP segments.
func (lc *ListenConfig) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	pconn, err := lc.stack.ListenUDP(addrport)
	if err != nil {
		return nil, errorsRemap(err)
	}
	return packetConn{pconn}, nil
}

// Listen creates a listening TCP socket. The network must be "tcp".
func (lc *ListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" {
		return nil, syscall.EPROTOTYPE
	}
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	listener, err := lc.stack.ListenTCP(addrport)
	if err != nil {
		return nil, errorsRemap(err)
	}
	return tcpListener{listener}, nil
}

// Connector is like [*net.Dialer] but uses a [*Stack].
//
// Only IP literal endpoints are supported. Construct using [NewConnector].
type Connector struct {
	stack *Stack
}

// NewConnector creates a new [*Connector] instance.
func NewConnector(stack *Stack) *Connector {
	return &Connector{stack: stack}
}

// DialContext creates a new "tcp" or "udp" [net.Conn].
func (c *Connector) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	var conn net.Conn
	switch network {
	case "tcp":
		conn, err = c.stack.DialTCP(ctx, addrport)
	case "udp":
		conn, err = c.stack.DialUDP(addrport)
	default:
		return nil, syscall.EPROTOTYPE
	}
	if err != nil {
		return nil, errorsRemap(err)
	}
	return streamConn{conn}, nil
}

// streamConn remaps the errors of a gVisor [net.Conn].
type streamConn struct {
	net.Conn
}

// Read implements [net.Conn].
func (c streamConn) Read(b []byte) (int, error) {
	count, err := c.Conn.Read(b)
	return count, errorsRemap(err)
}

// Write implements [net.Conn].
func (c streamConn) Write(b []byte) (int, error) {
	count, err := c.Conn.Write(b)
	return count, errorsRemap(err)
}

// packetConn remaps the errors of a [*gonet.UDPConn].
type packetConn struct {
	*gonet.UDPConn
}

var _ net.PacketConn = packetConn{}

// ReadFrom implements [net.PacketConn].
func (pc packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	count, addr, err := pc.UDPConn.ReadFrom(b)
	return count, addr, errorsRemap(err)
}

// WriteTo implements [net.PacketConn].
func (pc packetConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	count, err := pc.UDPConn.WriteTo(b, addr)
	return count, errorsRemap(err)
}

// tcpListener remaps the errors of a [*gonet.TCPListener].
type tcpListener struct {
	*gonet.TCPListener
}

// Accept implements [net.Listener].
func (l tcpListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.Accept()
	if err != nil {
		return nil, errorsRemap(err)
	}
	return streamConn{conn}, nil
}
