// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// readPollInterval is how often the reader goroutine wakes up to check
// whether it should stop, since we do not own (and cannot close) the conn.
const readPollInterval = 100 * time.Millisecond

// PacketFilter selects datagrams that do not belong to pseudo-TCP, such
// as STUN messages sharing the same socket.
type PacketFilter interface {
	Accept(packet []byte, from net.Addr) bool
}

// ConnOption is an option for [NewConn] and [Dial].
type ConnOption func(c *Conn)

// ConnOptionNonBlocking makes Read and Write return [ErrWouldBlock]
// instead of waiting for data or buffer space.
func ConnOptionNonBlocking() ConnOption {
	return func(c *Conn) {
		c.nonBlocking = true
	}
}

// ConnOptionPacketFilter diverts the datagrams accepted by filter to divert,
// which receives a copy of the packet. A nil divert discards them.
func ConnOptionPacketFilter(filter PacketFilter, divert func(packet []byte, from net.Addr)) ConnOption {
	return func(c *Conn) {
		c.filter = filter
		c.divert = divert
	}
}

// Conn is a pseudo-TCP connection over a [net.PacketConn] that
// implements [net.Conn].
//
// Background goroutines read datagrams and drive the engine clock
// from the first Connect or Accept until the connection reaches
// CLOSED, which may happen after Close returns. The caller owns the
// packet conn and must not close it before [*Conn.Done] is closed.
//
// Construct using [NewConn] or [Dial].
type Conn struct {
	// immutable after construction
	cfg         Config
	divert      func(packet []byte, from net.Addr)
	done        chan struct{}
	engine      *Engine
	filter      PacketFilter
	kick        chan struct{}
	logger      logrus.FieldLogger
	nonBlocking bool
	now         func() time.Time
	pconn       net.PacketConn
	wg          sync.WaitGroup

	// mu protects the engine and the fields below.
	mu            sync.Mutex
	changed       chan struct{}
	ioErr         error
	opened        bool
	readDeadline  time.Time
	remote        net.Addr
	started       bool
	userClosed    bool
	writeDeadline time.Time
}

var _ net.Conn = &Conn{}

// NewConn creates a [*Conn] using pconn. A nil cfg means [DefaultConfig].
//
// Use [*Conn.Connect] or [*Conn.Accept] to establish the connection.
func NewConn(pconn net.PacketConn, cfg *Config, options ...ConnOption) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Conn{
		cfg:     *cfg,
		done:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
		now:     cfg.clock(),
		pconn:   pconn,
		changed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = cfg.logger().WithField("laddr", pconn.LocalAddr().String())

	notifier := &NotifierFuncs{
		OpenFunc: func(e *Engine) {
			c.opened = true
			c.wakeup()
		},
		ReadableFunc: func(e *Engine) {
			if c.userClosed {
				c.discard()
			}
			c.wakeup()
		},
		WritableFunc: func(e *Engine) {
			c.wakeup()
		},
		ClosedFunc: func(e *Engine, err error) {
			c.wakeup()
			c.kickClock()
		},
	}
	engine, err := NewEngine(cfg, c.output, notifier)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return c, nil
}

// Dial creates a [*Conn] and connects it to remote.
func Dial(ctx context.Context, pconn net.PacketConn, remote net.Addr, cfg *Config, options ...ConnOption) (*Conn, error) {
	conn, err := NewConn(pconn, cfg, options...)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx, remote); err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect performs the handshake with remote. When ctx expires, the
// connection is reset and Connect returns [ErrConnectionTimeout].
func (c *Conn) Connect(ctx context.Context, remote net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed {
		return ErrClosed
	}
	c.remote = remote
	if err := c.engine.Connect(); err != nil {
		return err
	}
	c.startLocked()
	return c.waitOpenLocked(ctx)
}

// Accept waits for a peer to connect. The first peer whose connect
// segment we accept becomes the remote endpoint. When ctx expires,
// Accept returns [ErrConnectionTimeout].
func (c *Conn) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed {
		return ErrClosed
	}
	if err := c.engine.Listen(); err != nil {
		return err
	}
	c.startLocked()
	return c.waitOpenLocked(ctx)
}

// startLocked spawns the background goroutines.
func (c *Conn) startLocked() {
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(2)
	go c.readLoop()
	go c.clockLoop()
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

func (c *Conn) waitOpenLocked(ctx context.Context) error {
	for !c.opened {
		if c.engine.State() == StateClosed {
			return c.closedErrorLocked()
		}
		changed := c.changed
		c.mu.Unlock()
		select {
		case <-changed:
			c.mu.Lock()
		case <-ctx.Done():
			c.mu.Lock()
			c.logger.WithError(ctx.Err()).Debug("pseudotcp: giving up on the handshake")
			c.engine.Abort()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConnectionTimeout
			}
			return ctx.Err()
		}
	}
	return nil
}

// closedErrorLocked explains why the engine is CLOSED.
func (c *Conn) closedErrorLocked() error {
	switch {
	case c.userClosed:
		return ErrClosed
	case c.ioErr != nil:
		return c.ioErr
	case c.engine.closeErr != nil:
		return c.engine.closeErr
	default:
		return ErrNotConnected
	}
}

// Read implements [net.Conn]. It returns [io.EOF] after the peer
// closed its side and all the data has been read.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.userClosed {
			return 0, ErrClosed
		}
		count, err := c.engine.Recv(p)
		c.kickClock()
		switch {
		case errors.Is(err, ErrNotConnected) && c.started:
			return 0, c.closedErrorLocked()
		case !errors.Is(err, ErrWouldBlock):
			return count, err
		case c.nonBlocking:
			return 0, ErrWouldBlock
		}
		if err := c.waitLocked(c.readDeadline); err != nil {
			return 0, err
		}
	}
}

// Write implements [net.Conn]. It blocks until all of p has been
// queued for transmission.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var written int
	for written < len(p) {
		if c.userClosed {
			return written, ErrClosed
		}
		count, err := c.engine.Send(p[written:])
		written += count
		c.kickClock()
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrNotConnected) && c.started:
			return written, c.closedErrorLocked()
		case !errors.Is(err, ErrWouldBlock):
			return written, err
		case c.nonBlocking:
			return written, ErrWouldBlock
		}
		if err := c.waitLocked(c.writeDeadline); err != nil {
			return written, err
		}
	}
	return written, nil
}

// waitLocked waits for the next engine event or the deadline. It
// releases the mutex while waiting.
func (c *Conn) waitLocked(deadline time.Time) error {
	changed := c.changed
	var expired <-chan time.Time
	if !deadline.IsZero() {
		delay := time.Until(deadline)
		if delay <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		expired = timer.C
	}
	c.mu.Unlock()
	defer c.mu.Lock()
	select {
	case <-changed:
		return nil
	case <-expired:
		return os.ErrDeadlineExceeded
	}
}

// Close implements [net.Conn]. It sends our FIN and waits until the peer
// acknowledges it, which implies that all the written data was delivered.
// If this does not happen within [Config.Linger], we reset the connection
// and return [ErrConnectionTimeout].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed {
		return ErrClosed
	}
	c.userClosed = true
	c.engine.Close()
	c.discard()
	c.kickClock()
	c.wakeup()
	if !c.started {
		close(c.done)
		return nil
	}

	linger := time.NewTimer(c.cfg.Linger)
	defer linger.Stop()
	for {
		switch c.engine.State() {
		case StateClosed:
			if err := c.engine.closeErr; err != nil {
				return err
			}
			return c.ioErr
		case StateFinWait2, StateTimeWait:
			return nil
		}
		changed := c.changed
		c.mu.Unlock()
		select {
		case <-changed:
			c.mu.Lock()
		case <-linger.C:
			c.mu.Lock()
			c.logger.Debug("pseudotcp: linger timeout, resetting the connection")
			c.engine.Abort()
			return ErrConnectionTimeout
		}
	}
}

// Done returns a channel closed once the background goroutines have
// terminated and the packet conn is not used anymore.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// LocalAddr implements [net.Conn].
func (c *Conn) LocalAddr() net.Addr {
	return c.pconn.LocalAddr()
}

// RemoteAddr implements [net.Conn]. It returns nil before a peer is known.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// SetDeadline implements [net.Conn].
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline, c.writeDeadline = t, t
	c.wakeup()
	return nil
}

// SetReadDeadline implements [net.Conn].
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.wakeup()
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.wakeup()
	return nil
}

// State returns the state of the underlying [*Engine].
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.State()
}

// Stats returns the statistics of the underlying [*Engine].
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Stats()
}

// wakeup wakes up all the goroutines waiting for an event. The caller
// must hold the mutex.
func (c *Conn) wakeup() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wakeupOnStateChange wakes up the waiters when the engine left the given
// state, since transitions such as FIN_WAIT_1 to FIN_WAIT_2 emit no event.
func (c *Conn) wakeupOnStateChange(previous State) {
	if c.engine.State() != previous {
		c.wakeup()
	}
}

// discard drops the received data nobody is going to read.
func (c *Conn) discard() {
	var buffer [4096]byte
	for {
		if count, _ := c.engine.Recv(buffer[:]); count <= 0 {
			return
		}
	}
}

// kickClock asks the clock goroutine to reschedule.
func (c *Conn) kickClock() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// output is the [OutputFunc] of the engine. The caller holds the mutex.
func (c *Conn) output(segment []byte) error {
	if c.remote == nil {
		return ErrNotConnected
	}
	_, err := c.pconn.WriteTo(segment, c.remote)
	if errors.Is(err, syscall.EMSGSIZE) {
		return ErrPacketTooLarge
	}
	return err
}

// clockLoop calls UpdateClock when the engine asks for it.
func (c *Conn) clockLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-c.kick:
		}
		c.mu.Lock()
		now := c.now()
		state := c.engine.State()
		c.engine.UpdateClock(now)
		c.wakeupOnStateChange(state)
		timeout, ok := c.engine.NextClockTimeout(now)
		c.mu.Unlock()
		if !ok {
			return
		}
		timer.Reset(timeout)
	}
}

// readLoop feeds the engine with the datagrams read from the packet conn.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	buffer := make([]byte, maxPacket)
	for {
		_ = c.pconn.SetReadDeadline(time.Now().Add(readPollInterval))
		count, from, err := c.pconn.ReadFrom(buffer)
		switch {
		case err == nil:
			c.dispatch(buffer[:count], from)
		case isTimeout(err):
			// check whether we should stop
		default:
			c.mu.Lock()
			c.logger.WithError(err).Warn("pseudotcp: cannot read from the packet conn")
			c.ioErr = err
			c.engine.Abort()
			c.mu.Unlock()
			return
		}
		if c.State() == StateClosed {
			return
		}
	}
}

// dispatch routes a single datagram.
func (c *Conn) dispatch(packet []byte, from net.Addr) {
	if c.filter != nil && c.filter.Accept(packet, from) {
		if c.divert != nil {
			c.divert(bytes.Clone(packet), from)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.engine.State()
	switch {
	case state == StateListen:
		// the segment may be garbage, so we remember the
		// peer only if the engine moves out of LISTEN
		previous := c.remote
		c.remote = from
		_ = c.engine.NotifyPacket(packet)
		if c.engine.State() == StateListen {
			c.remote = previous
		}
	case !sameAddr(from, c.remote):
		c.logger.WithField("from", from.String()).Debug("pseudotcp: datagram from unexpected peer")
		return
	default:
		_ = c.engine.NotifyPacket(packet)
	}
	c.wakeupOnStateChange(state)
	c.kickClock()
}

// sameAddr returns whether two addresses refer to the same endpoint.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, oka := a.(*net.UDPAddr)
	ub, okb := b.(*net.UDPAddr)
	if oka && okb {
		return udpAddrPort(ua) == udpAddrPort(ub)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

func udpAddrPort(addr *net.UDPAddr) netip.AddrPort {
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// isTimeout returns whether err is a [net.Error] timeout.
func isTimeout(err error) bool {
	var neterr net.Error
	return errors.As(err, &neterr) && neterr.Timeout()
}
