// SPDX-License-Identifier: GPL-3.0-or-later

package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/pion/turn/v2"
	"github.com/sirupsen/logrus"
)

// Dialect selects how a [*Harvester] talks to its server.
type Dialect int

const (
	// DialectSTUN uses an RFC 5389 binding request to discover the
	// server-reflexive address.
	DialectSTUN Dialect = iota

	// DialectTURN uses RFC 5766 to discover the server-reflexive
	// address and to allocate a relayed address.
	DialectTURN

	// DialectGoogleTURN uses the legacy Google relay protocol, where an
	// allocate request carries the username and the response carries the
	// relayed address inside MAPPED-ADDRESS.
	DialectGoogleTURN
)

var dialectNames = map[Dialect]string{
	DialectSTUN:       "stun",
	DialectTURN:       "turn",
	DialectGoogleTURN: "google-turn",
}

// String implements [fmt.Stringer].
func (d Dialect) String() string {
	if name, found := dialectNames[d]; found {
		return name
	}
	return fmt.Sprintf("Dialect(%d)", int(d))
}

// ErrUnknownDialect indicates that [ParseDialect] failed.
var ErrUnknownDialect = errors.New("ice: unknown dialect")

// ParseDialect parses the value returned by [Dialect.String].
func ParseDialect(value string) (Dialect, error) {
	for dialect, name := range dialectNames {
		if strings.EqualFold(name, value) {
			return dialect, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDialect, value)
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Dialect) UnmarshalText(text []byte) error {
	dialect, err := ParseDialect(string(text))
	if err != nil {
		return err
	}
	*d = dialect
	return nil
}

// CandidateType is the type of a [Candidate].
type CandidateType int

// Candidate types.
const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidateRelayed
)

// String implements [fmt.Stringer].
func (ct CandidateType) String() string {
	switch ct {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelayed:
		return "relay"
	default:
		return fmt.Sprintf("CandidateType(%d)", int(ct))
	}
}

// preference returns the RFC 8445 type preference.
func (ct CandidateType) preference() uint32 {
	switch ct {
	case CandidateHost:
		return 126
	case CandidateServerReflexive:
		return 100
	default:
		return 0
	}
}

// Candidate is an address at which a socket is reachable.
type Candidate struct {
	// Type is the candidate type.
	Type CandidateType

	// Address is the candidate address.
	Address TransportAddress

	// Base is the local address from which we reach Address.
	Base TransportAddress

	// Relay is the conn sending and receiving through the relayed
	// address. It is only set for [DialectTURN] relayed candidates and
	// belongs to the [*Harvester].
	Relay net.PacketConn
}

// Priority returns the RFC 8445 priority for a single component.
func (c Candidate) Priority() uint32 {
	const (
		localPreference = 65535
		componentID     = 1
	)
	return c.Type.preference()<<24 | localPreference<<8 | (256 - componentID)
}

// String implements [fmt.Stringer].
func (c Candidate) String() string {
	return fmt.Sprintf("%s %s base %s", c.Type, c.Address, c.Base)
}

// Default STUN transaction parameters (RFC 5389).
const (
	DefaultRTO              = 500 * time.Millisecond
	DefaultMaxTransmissions = 7
)

// ErrTransactionTimeout indicates that the server did not answer.
var ErrTransactionTimeout = errors.New("ice: STUN transaction timeout")

// ErrServerRejected indicates that the server answered with an error.
var ErrServerRejected = errors.New("ice: server rejected the request")

// ErrNoMappedAddress indicates that the response lacks the address we need.
var ErrNoMappedAddress = errors.New("ice: no mapped address in the response")

// HarvesterConfig contains the [*Harvester] configuration.
type HarvesterConfig struct {
	// Dialect selects the protocol spoken with Server.
	Dialect Dialect

	// Server is the STUN or TURN server. When invalid, we only
	// gather the host candidate.
	Server TransportAddress

	// Username is the short-term username for [DialectSTUN] and
	// [DialectGoogleTURN] or the long-term one for [DialectTURN].
	Username string

	// Password is the password matching Username.
	Password string

	// Realm is the long-term credentials realm for [DialectTURN]. When
	// empty, we use the realm announced by the server.
	Realm string

	// RTO is the initial retransmission timeout. Zero means [DefaultRTO].
	RTO time.Duration

	// MaxTransmissions bounds the number of requests we send per
	// transaction. Zero means [DefaultMaxTransmissions].
	MaxTransmissions int

	// Logger is the logger to use. When nil, we do not log.
	Logger logrus.FieldLogger
}

// Harvester gathers [Candidate] addresses.
//
// Construct using [NewHarvester].
type Harvester struct {
	cfg    HarvesterConfig
	logger logrus.FieldLogger

	// mu protects the fields below.
	mu      sync.Mutex
	clients []*turn.Client
	relays  []net.PacketConn
}

// NewHarvester creates a new [*Harvester].
func NewHarvester(cfg *HarvesterConfig) *Harvester {
	h := &Harvester{cfg: *cfg}
	if h.cfg.RTO <= 0 {
		h.cfg.RTO = DefaultRTO
	}
	if h.cfg.MaxTransmissions <= 0 {
		h.cfg.MaxTransmissions = DefaultMaxTransmissions
	}
	h.logger = h.cfg.Logger
	if h.logger == nil {
		h.logger = discardLogger()
	}
	h.logger = h.logger.WithFields(logrus.Fields{
		"dialect": h.cfg.Dialect.String(),
		"server":  h.cfg.Server.String(),
	})
	return h
}

// Harvest gathers the candidates of pconn. The host candidate comes first
// and is always present, even when we fail to gather the others.
//
// The [DialectSTUN] and [DialectGoogleTURN] dialects read from pconn while
// harvesting, so nothing else should. With [DialectTURN], a background
// goroutine reads from pconn until it is closed.
func (h *Harvester) Harvest(ctx context.Context, pconn net.PacketConn) ([]Candidate, error) {
	host, err := TransportAddressFromAddr(pconn.LocalAddr())
	if err != nil {
		return nil, err
	}
	candidates := []Candidate{{Type: CandidateHost, Address: host, Base: host}}
	if !h.cfg.Server.IsValid() {
		return candidates, nil
	}

	var more []Candidate
	switch h.cfg.Dialect {
	case DialectSTUN:
		more, err = h.harvestSTUN(ctx, pconn, host)
	case DialectTURN:
		more, err = h.harvestTURN(ctx, pconn, host)
	case DialectGoogleTURN:
		more, err = h.harvestGoogleTURN(ctx, pconn, host)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownDialect, h.cfg.Dialect)
	}
	if err != nil {
		h.logger.WithError(err).Warn("ice: harvest failed")
		return candidates, err
	}

	// drop the server-reflexive candidates equal to their base (RFC 8445)
	for _, candidate := range more {
		if candidate.Type == CandidateServerReflexive && candidate.Address == candidate.Base {
			continue
		}
		h.logger.WithField("candidate", candidate.String()).Debug("ice: harvested candidate")
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (h *Harvester) harvestSTUN(ctx context.Context, pconn net.PacketConn, host TransportAddress) ([]Candidate, error) {
	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	if h.cfg.Username != "" {
		setters = append(setters, stun.NewUsername(h.cfg.Username), stun.NewShortTermIntegrity(h.cfg.Password))
	}
	setters = append(setters, stun.Fingerprint)
	request, err := stun.Build(setters...)
	if err != nil {
		return nil, err
	}

	response, err := h.transact(ctx, pconn, request)
	if err != nil {
		return nil, err
	}
	mapped, err := mappedAddress(response, true)
	if err != nil {
		return nil, err
	}
	return []Candidate{{Type: CandidateServerReflexive, Address: mapped, Base: host}}, nil
}

func (h *Harvester) harvestGoogleTURN(ctx context.Context, pconn net.PacketConn, host TransportAddress) ([]Candidate, error) {
	request, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		stun.NewUsername(h.cfg.Username),
	)
	if err != nil {
		return nil, err
	}

	response, err := h.transact(ctx, pconn, request)
	if err != nil {
		return nil, err
	}
	relayed, err := mappedAddress(response, false)
	if err != nil {
		return nil, err
	}
	return []Candidate{{Type: CandidateRelayed, Address: relayed, Base: host}}, nil
}

// turnResult is the result of the blocking TURN operations.
type turnResult struct {
	mapped net.Addr
	relay  net.PacketConn
	err    error
}

func (h *Harvester) harvestTURN(ctx context.Context, pconn net.PacketConn, host TransportAddress) ([]Candidate, error) {
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: h.cfg.Server.String(),
		TURNServerAddr: h.cfg.Server.String(),
		Conn:           pconn,
		Username:       h.cfg.Username,
		Password:       h.cfg.Password,
		Realm:          h.cfg.Realm,
		RTO:            h.cfg.RTO,
		LoggerFactory:  LoggerFactory{Logger: h.logger},
	})
	if err != nil {
		return nil, err
	}
	if err := client.Listen(); err != nil {
		client.Close()
		return nil, err
	}

	done := make(chan turnResult, 1)
	go func() {
		mapped, err := client.SendBindingRequest()
		if err != nil {
			done <- turnResult{err: err}
			return
		}
		relay, err := client.Allocate()
		done <- turnResult{mapped: mapped, relay: relay, err: err}
	}()

	var result turnResult
	select {
	case result = <-done:
	case <-ctx.Done():
		client.Close()
		result = <-done
		if result.relay != nil {
			_ = result.relay.Close()
		}
		return nil, ctx.Err()
	}
	if result.err != nil {
		client.Close()
		return nil, result.err
	}

	h.mu.Lock()
	h.clients = append(h.clients, client)
	h.relays = append(h.relays, result.relay)
	h.mu.Unlock()

	mapped, err := TransportAddressFromAddr(result.mapped)
	if err != nil {
		return nil, err
	}
	relayed, err := TransportAddressFromAddr(result.relay.LocalAddr())
	if err != nil {
		return nil, err
	}
	return []Candidate{
		{Type: CandidateServerReflexive, Address: mapped, Base: host},
		{Type: CandidateRelayed, Address: relayed, Base: host, Relay: result.relay},
	}, nil
}

// transact sends request to the server until we receive the response or
// we run out of retransmissions, doubling the RTO each time.
func (h *Harvester) transact(ctx context.Context, pconn net.PacketConn, request *stun.Message) (*stun.Message, error) {
	defer pconn.SetReadDeadline(time.Time{})
	server := h.cfg.Server.UDPAddr()
	buffer := make([]byte, 1500)
	rto := h.cfg.RTO

	for range h.cfg.MaxTransmissions {
		if _, err := pconn.WriteTo(request.Raw, server); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(rto)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = pconn.SetReadDeadline(deadline)

		response, err := h.awaitResponse(pconn, buffer, request)
		switch {
		case err == nil:
			return response, h.checkResponse(response)
		case !isTimeout(err):
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ctxDeadline, ok := ctx.Deadline(); ok && !time.Now().Before(ctxDeadline) {
			return nil, context.DeadlineExceeded
		}
		h.logger.WithField("rto", rto).Debug("ice: retransmitting request")
		rto *= 2
	}
	return nil, ErrTransactionTimeout
}

// awaitResponse reads until we see the response to request or the
// read deadline expires.
func (h *Harvester) awaitResponse(pconn net.PacketConn, buffer []byte, request *stun.Message) (*stun.Message, error) {
	for {
		count, from, err := pconn.ReadFrom(buffer)
		if err != nil {
			return nil, err
		}
		if !h.cfg.Server.Equal(from) || !IsStunMessage(buffer[:count]) {
			continue
		}
		response := &stun.Message{Raw: append([]byte{}, buffer[:count]...)}
		if err := response.Decode(); err != nil {
			h.logger.WithError(err).Debug("ice: cannot decode response")
			continue
		}
		if response.TransactionID != request.TransactionID {
			continue
		}
		return response, nil
	}
}

// checkResponse converts error responses to errors.
func (h *Harvester) checkResponse(response *stun.Message) error {
	if response.Type.Class != stun.ClassErrorResponse {
		return nil
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(response); err != nil {
		return fmt.Errorf("%w: %s", ErrServerRejected, response.Type)
	}
	return fmt.Errorf("%w: %d %s", ErrServerRejected, code.Code, code.Reason)
}

// mappedAddress extracts the XOR-MAPPED-ADDRESS, if allowed and present,
// falling back to MAPPED-ADDRESS.
func mappedAddress(response *stun.Message, allowXOR bool) (TransportAddress, error) {
	if allowXOR {
		var xaddr stun.XORMappedAddress
		if err := xaddr.GetFrom(response); err == nil {
			return udpTransportAddress(xaddr.IP, xaddr.Port)
		}
	}
	var addr stun.MappedAddress
	if err := addr.GetFrom(response); err != nil {
		return TransportAddress{}, ErrNoMappedAddress
	}
	return udpTransportAddress(addr.IP, addr.Port)
}

func udpTransportAddress(ip net.IP, port int) (TransportAddress, error) {
	return TransportAddressFromAddr(&net.UDPAddr{IP: ip, Port: port})
}

// Close releases the TURN allocations and their clients.
func (h *Harvester) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, relay := range h.relays {
		errs = append(errs, relay.Close())
	}
	for _, client := range h.clients {
		client.Close()
	}
	h.relays, h.clients = nil, nil
	return errors.Join(errs...)
}

// isTimeout returns whether err is a [net.Error] timeout.
func isTimeout(err error) bool {
	var neterr net.Error
	return errors.As(err, &neterr) && neterr.Timeout()
}
