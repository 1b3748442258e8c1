// Package backend holds the runtime representation of an upstream server and
// the fixed, ordered pool of such servers that the load balancer selects
// from. A Backend's mutable fields (status, counters) are all atomics so
// every operation is lock-free and safe to call from many goroutines at
// once — the data plane, the health checker, and shutdown reporting all
// touch the same Backend concurrently.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
)

// Status is the tri-state health classification of a Backend.
type Status int32

const (
	// StatusUnknown is the initial state before any probe has completed.
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Backend is one configured upstream. It is created once at startup and
// lives for the process lifetime of the load balancer — it is never
// destroyed before shutdown, only ever mutated in place.
type Backend struct {
	URL    *url.URL
	RawURL string
	Weight int

	totalRequestsServed              atomic.Int64
	requestsServedSinceLastStatusChg atomic.Int64
	statusInt                        atomic.Int32

	// ctx is cancelled when the load balancer shuts down, aborting any
	// in-flight probe or forward attempt targeting this backend.
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses rawURL and returns a Backend in StatusUnknown, sharing the
// given parent context for cancellation of all outbound I/O aimed at it.
func New(parent context.Context, rawURL string, weight int) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid URL %q: %w", rawURL, err)
	}
	if weight < 1 {
		weight = 1
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Backend{
		URL:    u,
		RawURL: rawURL,
		Weight: weight,
		ctx:    ctx,
		cancel: cancel,
	}
	b.statusInt.Store(int32(StatusUnknown))
	return b, nil
}

// Context returns the cancellation context shared by every outbound
// operation (probe or forward) targeting this backend.
func (b *Backend) Context() context.Context { return b.ctx }

// Cancel aborts every in-flight operation targeting this backend.
func (b *Backend) Cancel() { b.cancel() }

// Status returns the current health classification.
func (b *Backend) Status() Status { return Status(b.statusInt.Load()) }

// SetStatus transitions the backend to s. Setting to the current value is a
// no-op — counters are reset only on an actual transition, per the status
// transition contract.
func (b *Backend) SetStatus(s Status) (changed bool) {
	old := Status(b.statusInt.Swap(int32(s)))
	if old == s {
		return false
	}
	b.requestsServedSinceLastStatusChg.Store(0)
	return true
}

// RecordSuccess increments both counters. Called only on a successful
// forward — failed attempts never move these counters (spec: "this spec
// counts only successes to keep per-backend throughput statistics
// meaningful").
func (b *Backend) RecordSuccess() {
	b.totalRequestsServed.Add(1)
	b.requestsServedSinceLastStatusChg.Add(1)
}

// TotalRequestsServed returns the monotonically increasing lifetime count.
func (b *Backend) TotalRequestsServed() int64 { return b.totalRequestsServed.Load() }

// RequestsServedSinceLastStatusChange returns the count since the last
// status transition (reset to 0 by SetStatus on an actual change).
func (b *Backend) RequestsServedSinceLastStatusChange() int64 {
	return b.requestsServedSinceLastStatusChg.Load()
}

// Pool is the fixed, ordered sequence of backends configured at startup,
// plus the derived "healthy set" published by the health checker. Position
// in Pool.All() is stable and part of the contract with round-robin
// policies; the healthy set preserves that relative order.
type Pool struct {
	all     []*Backend
	healthy atomic.Pointer[[]*Backend]
}

// NewPool builds a Pool over the given backends. The healthy set starts
// empty — it is populated by the first health-check pass.
func NewPool(backends []*Backend) *Pool {
	p := &Pool{all: backends}
	empty := make([]*Backend, 0)
	p.healthy.Store(&empty)
	return p
}

// All returns the full, fixed pool in configuration order.
func (p *Pool) All() []*Backend { return p.all }

// Healthy returns a snapshot of the current healthy set, preserving pool
// order. Safe to call concurrently with Publish; the returned slice must
// not be mutated by the caller.
func (p *Pool) Healthy() []*Backend {
	return *p.healthy.Load()
}

// Publish atomically replaces the healthy set with a freshly computed one.
// Callers (the health checker) must construct the new slice off to the
// side and never mutate a slice already published.
func (p *Pool) Publish(healthy []*Backend) {
	p.healthy.Store(&healthy)
}

// Recompute rebuilds the healthy set from each backend's current Status and
// publishes it atomically. Called by the health checker after every probe
// completion.
func (p *Pool) Recompute() {
	next := make([]*Backend, 0, len(p.all))
	for _, b := range p.all {
		if b.Status() == StatusHealthy {
			next = append(next, b)
		}
	}
	p.Publish(next)
}

// CancelAll aborts every in-flight operation across the whole pool. Called
// once, from Close.
func (p *Pool) CancelAll() {
	var wg sync.WaitGroup
	for _, b := range p.all {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			b.Cancel()
		}(b)
	}
	wg.Wait()
}
