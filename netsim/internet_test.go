// SPDX-License-Identifier: GPL-3.0-or-later

package netsim_test

import (
	"net/netip"
	"testing"

	"github.com/bassosimone/pseudotcp/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ipv4Header returns a minimal IPv4 header from src to dst.
func ipv4Header(src, dst netip.Addr) []byte {
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	pkt[3] = 20
	pkt[8] = 64
	pkt[9] = 17
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	return pkt
}

func TestInternetRoutes(t *testing.T) {
	ix := netsim.NewInternet()
	first, second := ix.NewVNIC(netsim.MTUEthernet), ix.NewVNIC(netsim.MTUEthernet)
	addr1, addr2 := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")

	require.NoError(t, ix.AddRoute(first, addr1))
	assert.Error(t, ix.AddRoute(first, addr1))

	// a failed call leaves no partial routes behind
	assert.Error(t, ix.AddRoute(second, addr2, addr1))
	require.NoError(t, ix.AddRoute(second, addr2))

	ix.RemoveRoute(addr1)
	require.NoError(t, ix.AddRoute(second, addr1))
}

func TestInternetNewStack(t *testing.T) {
	ix := netsim.NewInternet()
	addr := netip.MustParseAddr("10.0.0.1")

	stack, err := ix.NewStack(netsim.MTUEthernet, addr)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{addr}, stack.Addrs())

	_, err = ix.NewStack(netsim.MTUEthernet, addr)
	require.Error(t, err)

	// closing the stack releases its addresses
	stack.Close()
	stack, err = ix.NewStack(netsim.MTUEthernet, addr)
	require.NoError(t, err)
	stack.Close()
}

func TestInternetDeliver(t *testing.T) {
	ix := netsim.NewInternet()
	vnic := ix.NewVNIC(netsim.MTUEthernet)
	disp := &countingDispatcher{}
	vnic.Attach(disp)
	local := netip.MustParseAddr("10.0.0.1")
	require.NoError(t, ix.AddRoute(vnic, local))
	remote := netip.MustParseAddr("10.0.0.2")

	type testcase struct {
		name   string
		packet []byte
		expect bool
	}

	cases := []testcase{
		{name: "empty packet", packet: nil},
		{name: "unknown IP version", packet: []byte{0x70}},
		{name: "truncated IPv4 header", packet: []byte{0x45, 0x00}},
		{name: "truncated IPv6 header", packet: append([]byte{0x60}, make([]byte, 35)...)},
		{name: "no route", packet: ipv4Header(local, remote)},
		{name: "routed", packet: ipv4Header(remote, local), expect: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, ix.Deliver(netsim.VNICFrame{Packet: tc.packet}))
		})
	}
	assert.Equal(t, uint32(1), disp.count.Load())

	ix.RemoveRoute(local)
	assert.False(t, ix.Deliver(netsim.VNICFrame{Packet: ipv4Header(remote, local)}))
	assert.Equal(t, uint32(1), disp.count.Load())
}

func TestInternetInFlightQueue(t *testing.T) {
	ix := netsim.NewInternet(netsim.InternetOptionMaxInflight(1))
	vnic := ix.NewVNIC(netsim.MTUEthernet)
	src, dst := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")

	pkts := makePacketList(ipv4Header(src, dst), ipv4Header(src, dst))
	defer pkts.DecRef()
	count, err := vnic.WritePackets(pkts)
	require.True(t, err == nil)

	// the second frame does not fit into the queue
	assert.Equal(t, 1, count)
	assert.Equal(t, netsim.VNICStats{FramesSent: 1, FramesDropped: 1}, vnic.Stats())
	frame := <-ix.InFlight()
	assert.Equal(t, ipv4Header(src, dst), frame.Packet)
}
