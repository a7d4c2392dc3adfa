// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/bassosimone/pseudotcp"
	"github.com/bassosimone/pseudotcp/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenLoopback returns a UDP socket bound to a random loopback port.
func listenLoopback(t *testing.T) net.PacketConn {
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pconn.Close() })
	return pconn
}

// bulkPayload returns size bytes of non-trivial data.
func bulkPayload(size int) []byte {
	data := make([]byte, size)
	for idx := range data {
		data[idx] = byte(idx*7 + idx/251)
	}
	return data
}

// connPair is a connected client and server.
type connPair struct {
	client *pseudotcp.Conn
	server *pseudotcp.Conn
}

// newConnPair connects a client and a server using the given sockets.
func newConnPair(t *testing.T, cpconn, spconn net.PacketConn, ccfg, scfg *pseudotcp.Config) connPair {
	server, err := pseudotcp.NewConn(spconn, scfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		accepted <- server.Accept(ctx)
	}()

	client, err := pseudotcp.Dial(ctx, cpconn, spconn.LocalAddr(), ccfg)
	require.NoError(t, err)
	require.NoError(t, <-accepted)

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
		for _, conn := range []*pseudotcp.Conn{server, client} {
			select {
			case <-conn.Done():
			case <-time.After(10 * time.Second):
				t.Error("background goroutines did not terminate")
			}
		}
	})
	return connPair{client: client, server: server}
}

// bulkTransfer sends data from the client to the server and returns
// what the server received before EOF.
func bulkTransfer(t *testing.T, pair connPair, data []byte) []byte {
	received := make(chan []byte, 1)
	go func() {
		var buf bytes.Buffer
		_, err := io.Copy(&buf, pair.server)
		assert.NoError(t, err)
		assert.NoError(t, pair.server.Close())
		received <- buf.Bytes()
	}()

	count, err := pair.client.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), count)
	require.NoError(t, pair.client.Close())

	select {
	case got := <-received:
		return got
	case <-time.After(30 * time.Second):
		t.Fatal("transfer did not complete")
		return nil
	}
}

func TestConnAcceptTimeout(t *testing.T) {
	conn, err := pseudotcp.NewConn(listenLoopback(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = conn.Accept(ctx)
	require.ErrorIs(t, err, pseudotcp.ErrConnectionTimeout)
	var neterr net.Error
	require.True(t, errors.As(err, &neterr))
	assert.True(t, neterr.Timeout())
	assert.Equal(t, pseudotcp.StateClosed, conn.State())

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("background goroutines did not terminate")
	}
}

func TestConnConnectCanceled(t *testing.T) {
	// nobody is listening on the other socket
	silent := listenLoopback(t)
	conn, err := pseudotcp.NewConn(listenLoopback(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = conn.Connect(ctx, silent.LocalAddr())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pseudotcp.StateClosed, conn.State())
}

func TestConnBulkTransferLoopback(t *testing.T) {
	pair := newConnPair(t, listenLoopback(t), listenLoopback(t), nil, nil)
	assert.Equal(t, pseudotcp.StateEstablished, pair.client.State())
	assert.Equal(t, pair.client.LocalAddr().String(), pair.server.RemoteAddr().String())

	data := bulkPayload(1_000_000)
	got := bulkTransfer(t, pair, data)
	assert.True(t, bytes.Equal(data, got), "received data differs")

	stats := pair.client.Stats()
	assert.Greater(t, stats.SegmentsSent, uint64(len(data)/1500))
}

func TestConnBulkTransferNetsim(t *testing.T) {
	ix := netsim.NewInternet(netsim.InternetOptionMaxInflight(1024))
	router := netsim.NewRouter(ix,
		netsim.RouterOptionPolicy(netsim.Policy{
			Delay:    time.Millisecond,
			DropRate: 0.01,
		}),
		netsim.RouterOptionSeed(7),
	)

	srv, err := ix.NewStack(netsim.MTUEthernet, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	clnt, err := ix.NewStack(netsim.MTUEthernet, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	t.Cleanup(clnt.Close)

	ctx, cancel := context.WithCancel(context.Background())
	routed := make(chan struct{})
	go func() {
		defer close(routed)
		router.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-routed
	})

	spconn, err := netsim.NewListenConfig(srv).ListenPacket(ctx, "udp", "10.0.0.1:4000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = spconn.Close() })
	cpconn, err := netsim.NewListenConfig(clnt).ListenPacket(ctx, "udp", "10.0.0.2:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cpconn.Close() })

	pair := newConnPair(t, cpconn, spconn, nil, nil)
	data := bulkPayload(1_000_000)
	got := bulkTransfer(t, pair, data)
	assert.True(t, bytes.Equal(data, got), "received data differs")
	assert.NotZero(t, router.Stats().Dropped)
}

func TestConnReadDeadline(t *testing.T) {
	pair := newConnPair(t, listenLoopback(t), listenLoopback(t), nil, nil)

	require.NoError(t, pair.server.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	buffer := make([]byte, 16)
	_, err := pair.server.Read(buffer)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// clearing the deadline makes Read wait for data again
	require.NoError(t, pair.server.SetReadDeadline(time.Time{}))
	_, err = pair.client.Write([]byte("ping"))
	require.NoError(t, err)
	count, err := pair.server.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buffer[:count]))
}

func TestConnWriteDeadline(t *testing.T) {
	cfg := pseudotcp.DefaultConfig()
	cfg.SendBufferSize = 8192
	pair := newConnPair(t, listenLoopback(t), listenLoopback(t), cfg, nil)

	// the server never reads, so the buffers eventually fill up
	require.NoError(t, pair.client.SetWriteDeadline(time.Now().Add(200*time.Millisecond)))
	data := bulkPayload(1_000_000)
	count, err := pair.client.Write(data)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, count, len(data))
	assert.Positive(t, count)
}

func TestConnNonBlocking(t *testing.T) {
	cpconn, spconn := listenLoopback(t), listenLoopback(t)

	server, err := pseudotcp.NewConn(spconn, nil, pseudotcp.ConnOptionNonBlocking())
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

	buffer := make([]byte, 16)
	_, err = server.Read(buffer)
	require.ErrorIs(t, err, pseudotcp.ErrWouldBlock)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		count, err := server.Read(buffer)
		return err == nil && string(buffer[:count]) == "hello"
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

func TestConnCloseSemantics(t *testing.T) {
	pair := newConnPair(t, listenLoopback(t), listenLoopback(t), nil, nil)

	require.NoError(t, pair.client.Close())
	assert.ErrorIs(t, pair.client.Close(), pseudotcp.ErrClosed)

	_, err := pair.client.Write([]byte("late"))
	assert.ErrorIs(t, err, pseudotcp.ErrClosed)
	_, err = pair.client.Read(make([]byte, 4))
	assert.ErrorIs(t, err, pseudotcp.ErrClosed)

	// the server sees EOF and may still write until it closes
	count, err := pair.server.Read(make([]byte, 4))
	assert.Zero(t, count)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, pair.server.Close())
}

func TestConnCloseRightAfterHandshake(t *testing.T) {
	cfg := pseudotcp.DefaultConfig()
	cfg.Linger = 3 * time.Second
	pair := newConnPair(t, listenLoopback(t), listenLoopback(t), cfg, nil)

	// nothing was written, so only the FIN acknowledgement wakes us up
	t0 := time.Now()
	require.NoError(t, pair.client.Close())
	assert.Less(t, time.Since(t0), time.Second)
	assert.Contains(t, []pseudotcp.State{pseudotcp.StateFinWait2, pseudotcp.StateTimeWait}, pair.client.State())

	count, err := pair.server.Read(make([]byte, 4))
	assert.Zero(t, count)
	assert.ErrorIs(t, err, io.EOF)

	t0 = time.Now()
	require.NoError(t, pair.server.Close())
	assert.Less(t, time.Since(t0), time.Second)
	assert.Equal(t, pseudotcp.StateClosed, pair.server.State())
}

func TestConnCloseBeforeConnect(t *testing.T) {
	conn, err := pseudotcp.NewConn(listenLoopback(t), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.ErrorIs(t, conn.Accept(context.Background()), pseudotcp.ErrClosed)
}

// prefixFilter accepts datagrams starting with a given prefix.
type prefixFilter []byte

func (f prefixFilter) Accept(packet []byte, from net.Addr) bool {
	return bytes.HasPrefix(packet, f)
}

func TestConnPacketFilter(t *testing.T) {
	cpconn, spconn := listenLoopback(t), listenLoopback(t)

	diverted := make(chan []byte, 1)
	divert := func(packet []byte, from net.Addr) {
		diverted <- packet
	}
	server, err := pseudotcp.NewConn(spconn, nil,
		pseudotcp.ConnOptionPacketFilter(prefixFilter("DIVERT"), divert))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted := make(chan error, 1)
	go func() {
		accepted <- server.Accept(ctx)
	}()

	// a stranger writes a datagram the filter claims
	stranger := listenLoopback(t)
	_, err = stranger.WriteTo([]byte("DIVERT me"), spconn.LocalAddr())
	require.NoError(t, err)

	select {
	case packet := <-diverted:
		assert.Equal(t, "DIVERT me", string(packet))
	case <-time.After(5 * time.Second):
		t.Fatal("packet was not diverted")
	}

	// the connection still works
	client, err := pseudotcp.Dial(ctx, cpconn, spconn.LocalAddr(), nil)
	require.NoError(t, err)
	require.NoError(t, <-accepted)
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

func TestConnIgnoresUnexpectedPeers(t *testing.T) {
	pair := newConnPair(t, listenLoopback(t), listenLoopback(t), nil, nil)

	// garbage from a stranger does not disturb the connection
	stranger := listenLoopback(t)
	_, err := stranger.WriteTo(bytes.Repeat([]byte{0}, 64), pair.server.LocalAddr())
	require.NoError(t, err)

	_, err = pair.client.Write([]byte("still here"))
	require.NoError(t, err)
	buffer := make([]byte, 32)
	count, err := pair.server.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buffer[:count]))
	assert.Equal(t, pseudotcp.StateEstablished, pair.server.State())
}
