// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"errors"
	"net"
)

var (
	// ErrMalformedSegment indicates that a segment could not be decoded.
	ErrMalformedSegment = errors.New("pseudotcp: malformed segment")

	// ErrConnectionReset indicates that the peer reset the connection.
	ErrConnectionReset = errors.New("pseudotcp: connection reset by peer")

	// ErrWouldBlock indicates that an operation cannot make progress now.
	ErrWouldBlock = errors.New("pseudotcp: operation would block")

	// ErrNotConnected indicates an operation invalid in the current state.
	ErrNotConnected = errors.New("pseudotcp: not connected")

	// ErrInvalidState indicates that Listen or Connect was called twice.
	ErrInvalidState = errors.New("pseudotcp: invalid state for operation")

	// ErrPacketTooLarge is returned by an [OutputFunc] when the packet
	// exceeds the path MTU, causing the engine to lower its MSS.
	ErrPacketTooLarge = errors.New("pseudotcp: packet too large")

	// ErrClosed indicates that the [*Conn] has been closed.
	ErrClosed = net.ErrClosed
)

// ErrConnectionTimeout indicates that the connection could not make
// progress in time. It implements [net.Error] with Timeout() true.
var ErrConnectionTimeout error = &timeoutError{}

// timeoutError is the type of [ErrConnectionTimeout].
type timeoutError struct{}

var _ net.Error = &timeoutError{}

// Error implements [net.Error].
func (*timeoutError) Error() string {
	return "pseudotcp: connection timed out"
}

// Timeout implements [net.Error].
func (*timeoutError) Timeout() bool {
	return true
}

// Temporary implements [net.Error].
func (*timeoutError) Temporary() bool {
	return true
}
