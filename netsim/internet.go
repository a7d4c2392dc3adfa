// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"fmt"
	"net/netip"
	"sync"
)

// Internet is a single-hop network connecting [*VNIC] instances.
//
// Outgoing frames are queued on the channel returned by [*Internet.InFlight]
// and reach their destination only when someone (usually a [*Router]) calls
// [*Internet.Deliver].
//
// Construct using [NewInternet].
type Internet struct {
	// inflight is the queue of frames waiting to be routed.
	inflight chan VNICFrame

	// mu protects routes.
	mu sync.RWMutex

	// routes maps each address to its NIC.
	routes map[netip.Addr]*VNIC
}

// InternetOption is an option for [NewInternet].
type InternetOption func(cfg *internetConfig)

type internetConfig struct {
	maxInflight int
}

// DefaultMaxInflight is the default capacity of the in-flight queue.
const DefaultMaxInflight = 1024

// InternetOptionMaxInflight sets the capacity of the in-flight queue.
//
// When the queue is full, the NICs drop outgoing frames.
func InternetOptionMaxInflight(max int) InternetOption {
	return func(cfg *internetConfig) {
		cfg.maxInflight = max
	}
}

// NewInternet creates a new [*Internet].
func NewInternet(options ...InternetOption) *Internet {
	cfg := &internetConfig{maxInflight: DefaultMaxInflight}
	for _, opt := range options {
		opt(cfg)
	}
	return &Internet{
		inflight: make(chan VNICFrame, cfg.maxInflight),
		routes:   make(map[netip.Addr]*VNIC),
	}
}

// NewVNIC creates a [*VNIC] sending frames to the [*Internet].
func (ix *Internet) NewVNIC(mtu uint32) *VNIC {
	return NewVNIC(mtu, internetVNICNetwork{ix: ix})
}

// AddRoute routes the given addresses to the given [*VNIC].
//
// This method fails without side effects if any address is already in use.
func (ix *Internet) AddRoute(vnic *VNIC, addrs ...netip.Addr) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, addr := range addrs {
		if _, found := ix.routes[addr]; found {
			return fmt.Errorf("netsim: duplicate address: %s", addr)
		}
	}
	for _, addr := range addrs {
		ix.routes[addr] = vnic
	}
	return nil
}

// RemoveRoute removes the routes for the given addresses.
func (ix *Internet) RemoveRoute(addrs ...netip.Addr) {
	ix.mu.Lock()
	for _, addr := range addrs {
		delete(ix.routes, addr)
	}
	ix.mu.Unlock()
}

// NewStack creates a [*Stack] with the given MTU and addresses and
// routes the addresses to its NIC.
//
// Closing the stack removes the routes.
func (ix *Internet) NewStack(mtu uint32, addrs ...netip.Addr) (*Stack, error) {
	vnic := ix.NewVNIC(mtu)
	if err := ix.AddRoute(vnic, addrs...); err != nil {
		return nil, err
	}
	stack, err := NewStack(vnic, addrs...)
	if err != nil {
		ix.RemoveRoute(addrs...)
		return nil, err
	}
	stack.onClose = func() {
		ix.RemoveRoute(addrs...)
	}
	return stack, nil
}

// internetVNICNetwork adapts the [*Internet] to be a [VNICNetwork].
type internetVNICNetwork struct {
	ix *Internet
}

var _ VNICNetwork = internetVNICNetwork{}

// SendFrame implements [VNICNetwork].
func (n internetVNICNetwork) SendFrame(frame VNICFrame) bool {
	select {
	case n.ix.inflight <- frame:
		return true
	default:
		return false
	}
}

// InFlight returns the channel where the NICs post outgoing frames.
func (ix *Internet) InFlight() <-chan VNICFrame {
	return ix.inflight
}

// Deliver injects the frame into the NIC owning its destination address.
//
// Returns false if the packet cannot be parsed, there is no route, or the
// destination NIC refuses the frame.
func (ix *Internet) Deliver(frame VNICFrame) bool {
	dst, ok := internetParseDestinationIP(frame.Packet)
	if !ok {
		return false
	}
	ix.mu.RLock()
	nic := ix.routes[dst]
	ix.mu.RUnlock()
	if nic == nil {
		return false
	}
	return nic.InjectFrame(frame)
}

// internetParseDestinationIP extracts the destination address of a raw IP packet.
func internetParseDestinationIP(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(pkt[16:20])
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(pkt[24:40])
	default:
		return netip.Addr{}, false
	}
}
