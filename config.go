// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	// DefaultMTU is the default path MTU advice (Ethernet).
	DefaultMTU = 1500

	// DefaultAckDelay is the default delayed ACK timeout.
	DefaultAckDelay = 100 * time.Millisecond

	// DefaultMinRTO is the default minimum retransmission timeout.
	DefaultMinRTO = 250 * time.Millisecond

	// DefaultMaxRTO is the default maximum retransmission timeout.
	DefaultMaxRTO = 60 * time.Second

	// DefaultInitialRTO is the retransmission timeout before any RTT sample.
	DefaultInitialRTO = 3 * time.Second

	// DefaultInitialWindow is the default initial cwnd in segments.
	DefaultInitialWindow = 2

	// DefaultSendBufferSize is the default send buffer size.
	DefaultSendBufferSize = 90 * 1024

	// DefaultRecvBufferSize is the default receive buffer size.
	DefaultRecvBufferSize = 60 * 1024

	// DefaultDupAckThreshold is the default number of duplicate
	// ACKs triggering a fast retransmit.
	DefaultDupAckThreshold = 3

	// DefaultTimeWait is the default TIME_WAIT quiet time.
	DefaultTimeWait = 2 * DefaultMinRTO

	// DefaultFinWait2Timeout bounds how long we wait for the peer FIN.
	DefaultFinWait2Timeout = 60 * time.Second

	// DefaultLinger bounds how long [*Conn.Close] waits for a graceful close.
	DefaultLinger = 30 * time.Second
)

// Limits on the configurable MTU.
const (
	// minPacket is the smallest MTU we are willing to use.
	minPacket = 296

	// maxPacket is the largest datagram we can handle.
	maxPacket = 65535
)

// Config contains the configuration of an [*Engine].
//
// Construct using [DefaultConfig], [LoadConfig] or [ReadConfig].
type Config struct {
	// Conversation is the conversation ID shared by both peers.
	Conversation uint32 `yaml:"conversation"`

	// MTU is the local path MTU advice in bytes.
	MTU int `yaml:"mtu"`

	// NoDelay disables Nagle's algorithm.
	NoDelay bool `yaml:"no_delay"`

	// AckDelay is the delayed ACK timeout. Zero means ACK immediately.
	AckDelay time.Duration `yaml:"ack_delay"`

	// MinRTO is the lower bound of the retransmission timeout.
	MinRTO time.Duration `yaml:"min_rto"`

	// MaxRTO is the upper bound of the retransmission timeout.
	MaxRTO time.Duration `yaml:"max_rto"`

	// InitialRTO is the retransmission timeout before the first RTT
	// sample, and the backoff cap while connecting.
	InitialRTO time.Duration `yaml:"initial_rto"`

	// InitialWindow is the initial congestion window in segments.
	InitialWindow int `yaml:"initial_window"`

	// SendBufferSize is the size of the send buffer in bytes.
	SendBufferSize int `yaml:"send_buffer_size"`

	// RecvBufferSize is the size of the receive buffer in bytes. Values
	// larger than 65535 require window scaling.
	RecvBufferSize int `yaml:"recv_buffer_size"`

	// DupAckThreshold is the number of duplicate ACKs that triggers
	// a fast retransmit.
	DupAckThreshold int `yaml:"dup_ack_threshold"`

	// WindowScaling enables the window scale option.
	WindowScaling bool `yaml:"window_scaling"`

	// TimeWait is the TIME_WAIT quiet time.
	TimeWait time.Duration `yaml:"time_wait"`

	// FinWait2Timeout bounds the time spent waiting for the peer FIN.
	FinWait2Timeout time.Duration `yaml:"fin_wait2_timeout"`

	// Linger bounds how long [*Conn.Close] waits for a graceful close
	// before resetting the connection.
	Linger time.Duration `yaml:"linger"`

	// Logger is the logger to use. When nil, we do not log.
	Logger logrus.FieldLogger `yaml:"-"`

	// Clock returns the current time. When nil, we use [time.Now].
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default [*Config].
func DefaultConfig() *Config {
	return &Config{
		Conversation:    0,
		MTU:             DefaultMTU,
		NoDelay:         false,
		AckDelay:        DefaultAckDelay,
		MinRTO:          DefaultMinRTO,
		MaxRTO:          DefaultMaxRTO,
		InitialRTO:      DefaultInitialRTO,
		InitialWindow:   DefaultInitialWindow,
		SendBufferSize:  DefaultSendBufferSize,
		RecvBufferSize:  DefaultRecvBufferSize,
		DupAckThreshold: DefaultDupAckThreshold,
		WindowScaling:   true,
		TimeWait:        DefaultTimeWait,
		FinWait2Timeout: DefaultFinWait2Timeout,
		Linger:          DefaultLinger,
		Logger:          nil,
		Clock:           nil,
	}
}

// LoadConfig reads a YAML [*Config] from the given file. Missing
// keys keep the values returned by [DefaultConfig].
func LoadConfig(path string) (*Config, error) {
	filep, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	return ReadConfig(filep)
}

// ReadConfig is like [LoadConfig] but reads from an [io.Reader].
func ReadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("pseudotcp: cannot parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is not usable.
func (c *Config) Validate() error {
	switch {
	case c.MTU < minPacket || c.MTU > maxPacket:
		return fmt.Errorf("pseudotcp: mtu must be in [%d, %d], got %d", minPacket, maxPacket, c.MTU)
	case c.AckDelay < 0:
		return fmt.Errorf("pseudotcp: negative ack_delay %s", c.AckDelay)
	case c.MinRTO <= 0 || c.MaxRTO < c.MinRTO:
		return fmt.Errorf("pseudotcp: invalid rto bounds [%s, %s]", c.MinRTO, c.MaxRTO)
	case c.InitialRTO < c.MinRTO || c.InitialRTO > c.MaxRTO:
		return fmt.Errorf("pseudotcp: initial_rto %s outside of [%s, %s]", c.InitialRTO, c.MinRTO, c.MaxRTO)
	case c.InitialWindow < 1:
		return fmt.Errorf("pseudotcp: initial_window must be positive, got %d", c.InitialWindow)
	case c.SendBufferSize <= 0 || c.RecvBufferSize <= 0:
		return fmt.Errorf("pseudotcp: buffer sizes must be positive")
	case c.RecvBufferSize > maxPacket && !c.WindowScaling:
		return fmt.Errorf("pseudotcp: recv_buffer_size %d requires window_scaling", c.RecvBufferSize)
	case c.DupAckThreshold < 1:
		return fmt.Errorf("pseudotcp: dup_ack_threshold must be positive, got %d", c.DupAckThreshold)
	case c.TimeWait < 0 || c.FinWait2Timeout < 0 || c.Linger < 0:
		return fmt.Errorf("pseudotcp: negative timeouts are not allowed")
	default:
		return nil
	}
}

// logger returns the configured logger or a logger discarding output.
func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// clock returns the configured clock or [time.Now].
func (c *Config) clock() func() time.Time {
	if c.Clock != nil {
		return c.Clock
	}
	return time.Now
}
