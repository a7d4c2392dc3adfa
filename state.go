// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import "fmt"

// State is the state of an [*Engine].
type State int

// Connection states.
const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = map[State]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

// String implements [fmt.Stringer].
func (s State) String() string {
	if name, found := stateNames[s]; found {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// connecting returns whether the handshake is in progress.
func (s State) connecting() bool {
	return s == StateSynSent || s == StateSynReceived
}

// canSend returns whether the application may queue more data.
func (s State) canSend() bool {
	return s == StateEstablished || s == StateCloseWait
}

// synchronized returns whether the handshake has completed and
// the connection has not reached CLOSED yet.
func (s State) synchronized() bool {
	switch s {
	case StateClosed, StateListen, StateSynSent, StateSynReceived:
		return false
	default:
		return true
	}
}
