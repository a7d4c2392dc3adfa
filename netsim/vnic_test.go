// SPDX-License-Identifier: GPL-3.0-or-later

package netsim_test

import (
	"sync/atomic"
	"testing"

	"github.com/bassosimone/pseudotcp/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// countingDispatcher is a [stack.NetworkDispatcher] counting deliveries.
type countingDispatcher struct {
	count atomic.Uint32
}

func (d *countingDispatcher) DeliverNetworkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

func (d *countingDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

// countingNetwork is a [netsim.VNICNetwork] counting frames.
type countingNetwork struct {
	allow bool
	count atomic.Uint32
}

func (n *countingNetwork) SendFrame(netsim.VNICFrame) bool {
	n.count.Add(1)
	return n.allow
}

func makePacketList(payloads ...[]byte) stack.PacketBufferList {
	var list stack.PacketBufferList
	for _, payload := range payloads {
		list.PushBack(stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(payload),
		}))
	}
	return list
}

func TestVNICLinkEndpoint(t *testing.T) {
	vnic := netsim.NewVNIC(netsim.MTUMinimumIPv6, nil)
	var closed atomic.Uint32
	vnic.SetOnCloseAction(func() {
		closed.Add(1)
	})

	assert.Equal(t, header.ARPHardwareNone, vnic.ARPHardwareType())
	assert.Zero(t, vnic.MaxHeaderLength())
	assert.Equal(t, uint32(netsim.MTUMinimumIPv6), vnic.MTU())
	vnic.SetMTU(netsim.MTUEthernet)
	assert.Equal(t, uint32(netsim.MTUEthernet), vnic.MTU())

	assert.Empty(t, vnic.LinkAddress())
	vnic.SetLinkAddress(tcpip.LinkAddress("vnic0"))
	assert.Equal(t, tcpip.LinkAddress("vnic0"), vnic.LinkAddress())

	pbuf := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData([]byte{0x45}),
	})
	defer pbuf.DecRef()
	assert.True(t, vnic.ParseHeader(pbuf))
	vnic.AddHeader(pbuf)

	// attaching and closing
	require.False(t, vnic.IsAttached())
	vnic.Attach(&countingDispatcher{})
	require.True(t, vnic.IsAttached())
	vnic.Close()
	assert.False(t, vnic.IsAttached())
	assert.Equal(t, uint32(1), closed.Load())
	require.NotPanics(t, vnic.Wait)
}

func TestVNICInjectFrame(t *testing.T) {
	type testcase struct {
		name      string
		mtu       uint32
		attach    bool
		close     bool
		packet    []byte
		accepted  bool
		delivered uint32
		stats     netsim.VNICStats
	}

	cases := []testcase{{
		name:   "empty frame",
		mtu:    netsim.MTUEthernet,
		attach: true,
		packet: nil,
	}, {
		name:   "not an IP packet",
		mtu:    netsim.MTUEthernet,
		attach: true,
		packet: []byte{0x70},
		stats:  netsim.VNICStats{FramesDropped: 1},
	}, {
		name:   "closed NIC",
		mtu:    netsim.MTUEthernet,
		attach: true,
		close:  true,
		packet: []byte{0x45},
		stats:  netsim.VNICStats{FramesDropped: 1},
	}, {
		name:   "no dispatcher",
		mtu:    netsim.MTUEthernet,
		packet: []byte{0x45},
		stats:  netsim.VNICStats{FramesDropped: 1},
	}, {
		name:   "larger than the MTU",
		mtu:    1,
		attach: true,
		packet: []byte{0x45, 0x00},
		stats:  netsim.VNICStats{FramesDropped: 1},
	}, {
		name:      "IPv6 packet",
		mtu:       netsim.MTUEthernet,
		attach:    true,
		packet:    []byte{0x60},
		accepted:  true,
		delivered: 1,
		stats:     netsim.VNICStats{FramesReceived: 1},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vnic := netsim.NewVNIC(tc.mtu, nil)
			disp := &countingDispatcher{}
			if tc.attach {
				vnic.Attach(disp)
			}
			if tc.close {
				vnic.Close()
			}
			assert.Equal(t, tc.accepted, vnic.InjectFrame(netsim.VNICFrame{Packet: tc.packet}))
			assert.Equal(t, tc.delivered, disp.count.Load())
			assert.Equal(t, tc.stats, vnic.Stats())
		})
	}
}

func TestVNICWritePackets(t *testing.T) {
	type testcase struct {
		name     string
		mtu      uint32
		network  *countingNetwork
		close    bool
		payloads [][]byte
		noNet    bool
		written  int
		frames   uint32
		stats    netsim.VNICStats
	}

	cases := []testcase{{
		name:     "closed NIC",
		mtu:      netsim.MTUEthernet,
		network:  &countingNetwork{allow: true},
		close:    true,
		payloads: [][]byte{{0x45}},
		noNet:    true,
	}, {
		name:     "no network",
		mtu:      netsim.MTUEthernet,
		payloads: [][]byte{{0x45}},
		noNet:    true,
	}, {
		name:     "larger than the MTU",
		mtu:      1,
		network:  &countingNetwork{allow: true},
		payloads: [][]byte{{0x45, 0x00}},
		stats:    netsim.VNICStats{FramesDropped: 1},
	}, {
		name:     "network refuses the frame",
		mtu:      netsim.MTUEthernet,
		network:  &countingNetwork{allow: false},
		payloads: [][]byte{{0x45}},
		frames:   1,
		stats:    netsim.VNICStats{FramesDropped: 1},
	}, {
		name:     "all frames sent",
		mtu:      netsim.MTUEthernet,
		network:  &countingNetwork{allow: true},
		payloads: [][]byte{{0x45}, {0x45, 0x00}},
		written:  2,
		frames:   2,
		stats:    netsim.VNICStats{FramesSent: 2},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var vnic *netsim.VNIC
			if tc.network != nil {
				vnic = netsim.NewVNIC(tc.mtu, tc.network)
			} else {
				vnic = netsim.NewVNIC(tc.mtu, nil)
			}
			if tc.close {
				vnic.Close()
			}

			pkts := makePacketList(tc.payloads...)
			defer pkts.DecRef()
			written, err := vnic.WritePackets(pkts)
			if tc.noNet {
				require.True(t, err != nil)
				assert.Equal(t, (&tcpip.ErrNoNet{}).String(), err.String())
			} else {
				require.True(t, err == nil)
			}
			assert.Equal(t, tc.written, written)
			if tc.network != nil {
				assert.Equal(t, tc.frames, tc.network.count.Load())
			}
			assert.Equal(t, tc.stats, vnic.Stats())
		})
	}
}
