// SPDX-License-Identifier: GPL-3.0-or-later

// Command ptcpbench measures the goodput of a bulk download over a
// simulated link, using either pseudo-TCP over UDP or the gVisor TCP
// implementation as a baseline.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/pseudotcp"
	"github.com/bassosimone/pseudotcp/netsim"
	"github.com/bassosimone/runtimex"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for benchmark output (overridable in tests).
	output io.Writer = os.Stdout

	// logOutput is the writer for log messages (overridable in tests).
	logOutput io.Writer = os.Stderr
)

// serverMain writes bytes until the conn fails.
func serverMain(logger logrus.FieldLogger, conn net.Conn, total *atomic.Uint64) {
	data := make([]byte, 65535)
	for {
		count, err := conn.Write(data)
		total.Add(uint64(count))
		if err != nil {
			logger.WithError(err).Debug("server: Write failed")
			return
		}
	}
}

// clientMain reads bytes until the conn fails.
func clientMain(logger logrus.FieldLogger, conn net.Conn, total *atomic.Uint64) {
	data := make([]byte, 65535)
	for {
		count, err := conn.Read(data)
		total.Add(uint64(count))
		if err != nil {
			logger.WithError(err).Debug("client: Read failed")
			return
		}
	}
}

// printerMain prints receive speed stats every 250 millisecond.
func printerMain(ctx context.Context, total *atomic.Uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(output, "\n")
			return
		case t := <-ticker.C:
			elapsed := t.Sub(t0).Seconds()
			nbytes := total.Load()
			speed := (8 * float64(nbytes) / elapsed) / (1000 * 1000)
			fmt.Fprintf(output, "\r\t%10.3f Mbit/s", speed)
		}
	}
}

// newSegmentTap returns a router tap logging the pseudo-TCP segments
// sent to or from the given UDP port.
func newSegmentTap(logger logrus.FieldLogger, port uint16) func(frame netsim.VNICFrame) {
	layers.RegisterUDPPortLayerType(layers.UDPPort(port), pseudotcp.LayerTypePseudoTCP)
	return func(frame netsim.VNICFrame) {
		first := layers.LayerTypeIPv4
		if len(frame.Packet) > 0 && frame.Packet[0]>>4 == 6 {
			first = layers.LayerTypeIPv6
		}
		packet := gopacket.NewPacket(frame.Packet, first, gopacket.NoCopy)
		if layer, ok := packet.Layer(pseudotcp.LayerTypePseudoTCP).(*pseudotcp.Layer); ok {
			logger.WithField("segment", layer.Segment.String()).Info("router: segment")
		}
	}
}

// endpoints contains the connected client and server.
type endpoints struct {
	client net.Conn
	server net.Conn
}

// connectTCP connects client and server using gVisor TCP.
func connectTCP(ctx context.Context, clientStack, serverStack *netsim.Stack, serverEpnt string) (*endpoints, error) {
	listener, err := netsim.NewListenConfig(serverStack).Listen(ctx, "tcp", serverEpnt)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := netsim.NewConnector(clientStack).DialContext(ctx, "tcp", serverEpnt)
	if err != nil {
		return nil, err
	}
	server, ok := <-accepted
	if !ok {
		client.Close()
		return nil, net.ErrClosed
	}
	return &endpoints{client: client, server: server}, nil
}

// connectPseudoTCP connects client and server using pseudo-TCP over UDP.
func connectPseudoTCP(ctx context.Context, clientStack, serverStack *netsim.Stack,
	serverEpnt string, cfg *pseudotcp.Config) (*endpoints, error) {
	lc := netsim.NewListenConfig(serverStack)
	spconn, err := lc.ListenPacket(ctx, "udp", serverEpnt)
	if err != nil {
		return nil, err
	}
	clientEpnt := netip.AddrPortFrom(clientStack.Addrs()[0], 0)
	cpconn, err := netsim.NewListenConfig(clientStack).ListenPacket(ctx, "udp", clientEpnt.String())
	if err != nil {
		spconn.Close()
		return nil, err
	}

	server, err := pseudotcp.NewConn(spconn, cfg)
	if err != nil {
		return nil, err
	}
	accepted := make(chan error, 1)
	go func() {
		accepted <- server.Accept(ctx)
	}()

	client, err := pseudotcp.Dial(ctx, cpconn, spconn.LocalAddr(), cfg)
	if err != nil {
		return nil, err
	}
	if err := <-accepted; err != nil {
		return nil, err
	}
	return &endpoints{client: client, server: server}, nil
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("ptcpbench", flag.ExitOnError)

	// 2. add flags to parse
	var (
		clientAddr  = fset.String("client-addr", "10.0.0.2", "Select client IP address.")
		configFile  = fset.String("config", "", "Read pseudo-TCP configuration from the given YAML file.")
		delay       = fset.Duration("delay", 0, "One-way delay added by the router.")
		duplicate   = fset.Float64("duplicate", 0, "Probability of duplicating a packet.")
		duration    = fset.Duration("duration", 10*time.Second, "Benchmark duration.")
		jitter      = fset.Duration("jitter", 0, "Maximum random extra one-way delay.")
		logLevel    = fset.String("log-level", "info", "Log level (trace, debug, info, warn, error).")
		loss        = fset.Float64("loss", 0, "Probability of dropping a packet.")
		mtu         = fset.Uint("mtu", netsim.MTUEthernet, "MTU of the virtual NICs.")
		pcapFile    = fset.String("pcap-file", "", "Write PCAP at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", 1500, "PCAP snapshot length in bytes.")
		protocol    = fset.String("protocol", "ptcp", "Protocol to benchmark (ptcp or tcp).")
		rateLimit   = fset.Float64("rate", 0, "Link rate in bytes per second (zero means unlimited).")
		seed        = fset.Uint64("seed", 0, "Seed for the router randomness (zero means random).")
		serverAddr  = fset.String("server-addr", "10.0.0.1", "Select server IP address.")
		serverPort  = fset.Uint("server-port", 4443, "Select server port.")
		trace       = fset.Bool("trace", false, "Log each pseudo-TCP segment crossing the router.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. configure logging
	logger := logrus.New()
	logger.SetOutput(logOutput)
	logger.SetLevel(runtimex.PanicOnError1(logrus.ParseLevel(*logLevel)))

	// 5. load the pseudo-TCP configuration
	cfg := pseudotcp.DefaultConfig()
	if *configFile != "" {
		cfg = runtimex.PanicOnError1(pseudotcp.LoadConfig(*configFile))
	}
	cfg.MTU = int(*mtu)
	cfg.Logger = logger.WithField("component", "pseudotcp")

	// 6. create the internet instance and its router
	ix := netsim.NewInternet()
	options := []netsim.RouterOption{
		netsim.RouterOptionLogger(logger.WithField("component", "router")),
		netsim.RouterOptionPolicy(netsim.Policy{
			Delay:         *delay,
			Jitter:        *jitter,
			DropRate:      *loss,
			DuplicateRate: *duplicate,
			Rate:          rate.Limit(*rateLimit),
		}),
	}
	if *seed != 0 {
		options = append(options, netsim.RouterOptionSeed(*seed))
	}
	if *trace {
		options = append(options, netsim.RouterOptionTap(newSegmentTap(logger, uint16(*serverPort))))
	}
	var pcap *netsim.PCAPTrace
	if *pcapFile != "" {
		filep := runtimex.PanicOnError1(os.Create(*pcapFile))
		pcap = netsim.NewPCAPTrace(filep, uint16(*pcapSnaplen))
		options = append(options, netsim.RouterOptionTrace(pcap))
	}
	router := netsim.NewRouter(ix, options...)

	// 7. route packets in the background until we are done
	routerCtx, stopRouter := context.WithCancel(context.Background())
	routed := make(chan struct{})
	go func() {
		defer close(routed)
		router.Run(routerCtx)
	}()

	// 8. create the virtual stacks
	serverStack := runtimex.PanicOnError1(ix.NewStack(uint32(*mtu), netip.MustParseAddr(*serverAddr)))
	defer serverStack.Close()
	clientStack := runtimex.PanicOnError1(ix.NewStack(uint32(*mtu), netip.MustParseAddr(*clientAddr)))
	defer clientStack.Close()

	// 9. connect the client and the server
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	serverEpnt := net.JoinHostPort(*serverAddr, strconv.FormatUint(uint64(*serverPort), 10))
	var conns *endpoints
	switch *protocol {
	case "tcp":
		conns = runtimex.PanicOnError1(connectTCP(ctx, clientStack, serverStack, serverEpnt))
	case "ptcp":
		conns = runtimex.PanicOnError1(connectPseudoTCP(ctx, clientStack, serverStack, serverEpnt, cfg))
	default:
		panic(fmt.Sprintf("unknown protocol: %s", *protocol))
	}

	// 10. spawn the server, client and printer goroutines
	wg := &sync.WaitGroup{}
	totalSent := &atomic.Uint64{}
	wg.Go(func() {
		serverMain(logger, conns.server, totalSent)
	})
	totalRecv := &atomic.Uint64{}
	wg.Go(func() {
		clientMain(logger, conns.client, totalRecv)
	})
	wg.Go(func() {
		printerMain(ctx, totalRecv)
	})

	// 11. once the time is up, unblock the goroutines
	<-ctx.Done()
	runtimex.PanicOnError0(conns.client.SetDeadline(time.Now()))
	runtimex.PanicOnError0(conns.server.SetDeadline(time.Now()))
	wg.Wait()

	// 12. close the connections while the router is still running
	if err := conns.client.Close(); err != nil {
		logger.WithError(err).Warn("client: Close failed")
	}
	if err := conns.server.Close(); err != nil {
		logger.WithError(err).Warn("server: Close failed")
	}
	if client, ok := conns.client.(*pseudotcp.Conn); ok {
		server := conns.server.(*pseudotcp.Conn)
		<-client.Done()
		<-server.Done()
		stats := client.Stats()
		fmt.Fprintf(output, "\tsegments: %d sent, %d received, %d retransmits, %d fast retransmits, %d timeouts\n",
			stats.SegmentsSent, stats.SegmentsReceived, stats.Retransmits, stats.FastRetransmits, stats.Timeouts)
	}

	// 13. stop routing and flush the capture
	stopRouter()
	<-routed
	if pcap != nil {
		runtimex.PanicOnError0(pcap.Close())
	}
	rstats := router.Stats()
	fmt.Fprintf(output, "\trouter: %d routed, %d dropped, %d rate limited, %d duplicated\n",
		rstats.Routed, rstats.Dropped, rstats.RateLimited, rstats.Duplicated)
	fmt.Fprintf(output, "\ttotal: %d bytes sent, %d bytes received\n", totalSent.Load(), totalRecv.Load())
}
