// SPDX-License-Identifier: GPL-3.0-or-later

package ice_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/pseudotcp"
	"github.com/bassosimone/pseudotcp/ice"
	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, setters ...stun.Setter) []byte {
	msg, err := stun.Build(setters...)
	require.NoError(t, err)
	return msg.Raw
}

func TestIsStunLikePacket(t *testing.T) {
	assert.False(t, ice.IsStunLikePacket(nil))
	assert.True(t, ice.IsStunLikePacket([]byte{0x00}))
	assert.True(t, ice.IsStunLikePacket([]byte{0x3f}))
	assert.False(t, ice.IsStunLikePacket([]byte{0x40}))
	assert.False(t, ice.IsStunLikePacket([]byte{0x80}))
}

func TestIsStunMessage(t *testing.T) {
	assert.True(t, ice.IsStunMessage(mustBuild(t, stun.TransactionID, stun.BindingRequest)))
	assert.False(t, ice.IsStunMessage(make([]byte, 20)))
	assert.False(t, ice.IsStunMessage([]byte{0x00, 0x01}))
}

func TestStunPacketFilter(t *testing.T) {
	server := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 3478}
	stranger := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 3478}

	binding := mustBuild(t, stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	bindingSuccess := mustBuild(t, stun.TransactionID, stun.BindingSuccess)
	allocate := mustBuild(t, stun.TransactionID, stun.NewType(stun.MethodAllocate, stun.ClassRequest))

	segment := (&pseudotcp.Segment{Conv: 0, Window: 1024, Payload: []byte("hello")}).Encode()

	type testcase struct {
		name   string
		filter ice.StunPacketFilter
		packet []byte
		from   net.Addr
		expect bool
	}

	cases := []testcase{{
		name:   "binding request from anyone",
		packet: binding,
		from:   stranger,
		expect: true,
	}, {
		name:   "binding success response",
		packet: bindingSuccess,
		from:   stranger,
		expect: true,
	}, {
		name:   "allocate is not accepted by default",
		packet: allocate,
		from:   stranger,
		expect: false,
	}, {
		name:   "allocate with explicit methods",
		filter: ice.StunPacketFilter{Methods: []stun.Method{stun.MethodAllocate}},
		packet: allocate,
		from:   stranger,
		expect: true,
	}, {
		name:   "binding from the configured server",
		filter: ice.StunPacketFilter{Server: ice.NewTransportAddress(server.AddrPort(), ice.TransportUDP)},
		packet: binding,
		from:   server,
		expect: true,
	}, {
		name:   "binding from another host than the configured server",
		filter: ice.StunPacketFilter{Server: ice.NewTransportAddress(server.AddrPort(), ice.TransportUDP)},
		packet: binding,
		from:   stranger,
		expect: false,
	}, {
		name:   "short packet",
		packet: binding[:19],
		from:   stranger,
		expect: false,
	}, {
		name:   "truncated message",
		packet: binding[:len(binding)-4],
		from:   stranger,
		expect: false,
	}, {
		name:   "pseudo-TCP segment with zero conversation",
		packet: segment,
		from:   stranger,
		expect: false,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.filter.Accept(tc.packet, tc.from))
		})
	}
}

func TestStunPacketFilterAcceptMethod(t *testing.T) {
	var filter ice.StunPacketFilter
	assert.True(t, filter.AcceptMethod(0x000))
	assert.True(t, filter.AcceptMethod(stun.MethodBinding))
	assert.True(t, filter.AcceptMethod(0x002))
	assert.False(t, filter.AcceptMethod(stun.MethodAllocate))
}

func TestStunPacketFilterSharesSocketWithConn(t *testing.T) {
	cpconn, spconn := listenLoopback(t), listenLoopback(t)

	diverted := make(chan []byte, 1)
	server, err := pseudotcp.NewConn(spconn, nil, pseudotcp.ConnOptionPacketFilter(
		ice.StunPacketFilter{},
		func(packet []byte, from net.Addr) {
			diverted <- packet
		},
	))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted := make(chan error, 1)
	go func() {
		accepted <- server.Accept(ctx)
	}()

	client, err := pseudotcp.Dial(ctx, cpconn, spconn.LocalAddr(), nil)
	require.NoError(t, err)
	require.NoError(t, <-accepted)

	// a binding request reaching the same socket is diverted
	binding := mustBuild(t, stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	_, err = listenLoopback(t).WriteTo(binding, spconn.LocalAddr())
	require.NoError(t, err)
	select {
	case packet := <-diverted:
		assert.Equal(t, binding, packet)
	case <-time.After(5 * time.Second):
		t.Fatal("binding request was not diverted")
	}

	// while segments still reach the engine
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buffer := make([]byte, 16)
	count, err := server.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buffer[:count]))

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	<-client.Done()
	<-server.Done()
}
