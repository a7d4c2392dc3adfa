// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Policy describes how a [*Router] mistreats the frames it routes.
//
// The zero value forwards every frame immediately.
type Policy struct {
	// Delay is the one-way delay added to each frame.
	Delay time.Duration

	// Jitter is the upper bound of a random extra delay. Since
	// each frame gets its own extra delay, jitter reorders frames.
	Jitter time.Duration

	// DropRate is the probability of dropping a frame.
	DropRate float64

	// DuplicateRate is the probability of delivering a frame twice.
	DuplicateRate float64

	// Rate limits the link to the given bytes per second. Frames
	// exceeding the rate are dropped. Zero means unlimited.
	Rate rate.Limit

	// Burst is the token bucket size in bytes. When zero and Rate is
	// set, the bucket holds a maximum-size IP packet.
	Burst int
}

// RouterStats contains the [*Router] counters.
type RouterStats struct {
	// Routed counts the frames read from the [*Internet].
	Routed uint64

	// Dropped counts the frames dropped by the policy.
	Dropped uint64

	// RateLimited counts the frames dropped by the rate limiter.
	RateLimited uint64

	// Duplicated counts the extra copies delivered.
	Duplicated uint64

	// Undeliverable counts the frames without a willing destination.
	Undeliverable uint64
}

// RouterOption is an option for [NewRouter].
type RouterOption func(r *Router)

// RouterOptionPolicy sets the [Policy].
func RouterOptionPolicy(policy Policy) RouterOption {
	return func(r *Router) {
		r.policy = policy
	}
}

// RouterOptionSeed seeds the random source used by the [Policy].
func RouterOptionSeed(seed uint64) RouterOption {
	return func(r *Router) {
		r.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// RouterOptionTrace captures every routed frame, including those that
// the policy drops afterwards.
func RouterOptionTrace(trace *PCAPTrace) RouterOption {
	return func(r *Router) {
		r.trace = trace
	}
}

// RouterOptionTap invokes fn for every routed frame.
func RouterOptionTap(fn func(frame VNICFrame)) RouterOption {
	return func(r *Router) {
		r.tap = fn
	}
}

// RouterOptionLogger sets the logger.
func RouterOptionLogger(logger logrus.FieldLogger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// Router moves frames from the [*Internet] in-flight queue to their
// destination according to a [Policy].
//
// Construct using [NewRouter].
type Router struct {
	ix      *Internet
	limiter *rate.Limiter
	logger  logrus.FieldLogger
	policy  Policy
	tap     func(frame VNICFrame)
	trace   *PCAPTrace

	// mu protects rnd.
	mu  sync.Mutex
	rnd *rand.Rand

	// pending tracks the delayed deliveries.
	pending sync.WaitGroup

	routed        atomic.Uint64
	dropped       atomic.Uint64
	rateLimited   atomic.Uint64
	duplicated    atomic.Uint64
	undeliverable atomic.Uint64
}

// NewRouter creates a new [*Router] for the given [*Internet].
func NewRouter(ix *Internet, options ...RouterOption) *Router {
	r := &Router{ix: ix}
	for _, opt := range options {
		opt(r)
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if r.logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		r.logger = logger
	}
	if r.policy.Rate > 0 {
		burst := r.policy.Burst
		if burst <= 0 {
			burst = 65535
		}
		r.limiter = rate.NewLimiter(r.policy.Rate, burst)
	}
	return r
}

// Run routes frames until ctx is done, then waits for the
// delayed deliveries to complete.
func (r *Router) Run(ctx context.Context) {
	defer r.pending.Wait()
	for {
		select {
		case frame := <-r.ix.InFlight():
			r.Route(frame)
		case <-ctx.Done():
			return
		}
	}
}

// Route applies the [Policy] to a single frame.
func (r *Router) Route(frame VNICFrame) {
	r.routed.Add(1)
	if r.tap != nil {
		r.tap(frame)
	}
	if r.trace != nil {
		r.trace.Dump(frame.Packet)
	}

	if r.limiter != nil && !r.limiter.AllowN(time.Now(), len(frame.Packet)) {
		r.rateLimited.Add(1)
		r.logger.WithField("size", len(frame.Packet)).Debug("netsim: rate limit exceeded")
		return
	}

	r.mu.Lock()
	drop := r.roll(r.policy.DropRate)
	copies := 1
	if !drop && r.roll(r.policy.DuplicateRate) {
		copies++
	}
	delays := make([]time.Duration, copies)
	for idx := range delays {
		delays[idx] = r.policy.Delay
		if r.policy.Jitter > 0 {
			delays[idx] += time.Duration(r.rnd.Int64N(int64(r.policy.Jitter)))
		}
	}
	r.mu.Unlock()

	if drop {
		r.dropped.Add(1)
		r.logger.WithField("size", len(frame.Packet)).Debug("netsim: dropped frame")
		return
	}
	if copies > 1 {
		r.duplicated.Add(1)
	}
	for _, delay := range delays {
		r.deliverAfter(frame, delay)
	}
}

// roll returns true with the given probability. The caller must hold mu.
func (r *Router) roll(probability float64) bool {
	return probability > 0 && r.rnd.Float64() < probability
}

func (r *Router) deliverAfter(frame VNICFrame, delay time.Duration) {
	if delay <= 0 {
		r.deliver(frame)
		return
	}
	r.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer r.pending.Done()
		r.deliver(frame)
	})
}

func (r *Router) deliver(frame VNICFrame) {
	if !r.ix.Deliver(frame) {
		r.undeliverable.Add(1)
		r.logger.WithField("size", len(frame.Packet)).Trace("netsim: undeliverable frame")
	}
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Routed:        r.routed.Load(),
		Dropped:       r.dropped.Load(),
		RateLimited:   r.rateLimited.Load(),
		Duplicated:    r.duplicated.Load(),
		Undeliverable: r.undeliverable.Load(),
	}
}
