// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// failoverProbeTimeout bounds the re-probe of a failover candidate so
	// a dead endpoint cannot stall an in-flight request for long.
	failoverProbeTimeout = 5 * time.Second

	// reprobeRate caps how often failovers are allowed to re-probe
	// candidates. Beyond this rate the pool advances optimistically.
	reprobeRate = rate.Limit(2)

	reprobeBurst = 4
)

// EndpointPool tracks an ordered ring of model endpoints and which one is
// currently active.
//
// # Description
//
// The pool is built once at startup from the configured endpoint list.
// Every endpoint is probed concurrently; survivors keep their configured
// order and the first survivor becomes active. Construction fails with
// ErrNoHealthyEndpoints when nothing survives, which callers must treat
// as fatal.
//
// Failover is compare-and-swap shaped: a caller reports the endpoint it
// saw fail, and the pool only advances if that endpoint is still active.
// Concurrent failovers for the same failure therefore advance the ring
// exactly once; the losers simply pick up the new active endpoint.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Limitations
//
//   - A full lap of the ring with no healthy candidate returns
//     ErrAllEndpointsDown but leaves the pool usable; later requests
//     retry the ring from the same position.
//   - Probes during failover are rate limited. When the limiter is
//     exhausted the pool advances without probing and lets the next
//     request discover the candidate's health.
type EndpointPool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	active    int

	reprobe *rate.Limiter

	// onHealthChange, when set, is invoked with the endpoint name and its
	// new health state. Used to keep gauges current.
	onHealthChange func(name string, healthy bool)
}

// PoolOption customizes pool construction.
type PoolOption func(*EndpointPool)

// WithHealthListener registers a callback fired when an endpoint's
// observed health changes.
func WithHealthListener(fn func(name string, healthy bool)) PoolOption {
	return func(p *EndpointPool) { p.onHealthChange = fn }
}

// NewEndpointPool probes every endpoint concurrently and returns a pool
// over the survivors, in configured order.
//
// # Inputs
//
//   - ctx: Bounds the startup probes.
//   - endpoints: Candidate endpoints in priority order. Must be non-empty.
//   - opts: Optional pool configuration.
//
// # Outputs
//
//   - *EndpointPool: Pool over the healthy subset.
//   - error: ErrNoHealthyEndpoints if zero endpoints survive probing, or
//     a configuration error for an empty candidate list.
func NewEndpointPool(ctx context.Context, endpoints []Endpoint, opts ...PoolOption) (*EndpointPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("endpoint pool: no endpoints configured")
	}

	p := &EndpointPool{
		reprobe: rate.NewLimiter(reprobeRate, reprobeBurst),
	}
	for _, opt := range opts {
		opt(p)
	}

	healthy := make([]bool, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range endpoints {
		g.Go(func() error {
			if err := ep.Probe(gctx); err != nil {
				slog.Warn("endpoint failed startup probe",
					"endpoint", ep.Name(),
					"error", err,
				)
				return nil
			}
			healthy[i] = true
			return nil
		})
	}
	// Probe errors are logged, not propagated; a partial pool is fine.
	_ = g.Wait()

	for i, ep := range endpoints {
		p.notifyHealth(ep.Name(), healthy[i])
		if healthy[i] {
			p.endpoints = append(p.endpoints, ep)
		}
	}
	if len(p.endpoints) == 0 {
		return nil, ErrNoHealthyEndpoints
	}

	slog.Info("endpoint pool ready",
		"configured", len(endpoints),
		"healthy", len(p.endpoints),
		"active", p.endpoints[0].Name(),
	)
	return p, nil
}

// Current returns the active endpoint.
func (p *EndpointPool) Current() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.active]
}

// Size returns the number of endpoints that survived startup probing.
func (p *EndpointPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Failover reports that seen failed and asks for a replacement.
//
// # Description
//
// If seen is no longer the active endpoint another caller already failed
// over; the current active endpoint is returned immediately. Otherwise
// the ring is walked starting after seen, re-probing each candidate
// (subject to the re-probe rate limiter), and the first healthy candidate
// becomes active. A full lap with no healthy candidate returns
// ErrAllEndpointsDown and leaves the active endpoint unchanged.
//
// Candidate probes run outside the pool lock. The ring itself is
// immutable after construction, so the walk only needs a snapshot of the
// starting position; the advance re-checks that seen is still active
// before committing, and yields to any concurrent failover that won.
//
// # Inputs
//
//   - ctx: Bounds candidate re-probes.
//   - seen: The endpoint the caller observed failing.
//
// # Outputs
//
//   - Endpoint: The endpoint to retry against.
//   - error: ErrAllEndpointsDown when the whole ring is unhealthy.
func (p *EndpointPool) Failover(ctx context.Context, seen Endpoint) (Endpoint, error) {
	p.mu.Lock()
	if p.endpoints[p.active] != seen {
		cur := p.endpoints[p.active]
		p.mu.Unlock()
		return cur, nil
	}
	start := p.active
	ring := p.endpoints
	p.mu.Unlock()

	p.notifyHealth(seen.Name(), false)

	for step := 1; step < len(ring); step++ {
		idx := (start + step) % len(ring)
		cand := ring[idx]

		if p.reprobe.Allow() {
			probeCtx, cancel := context.WithTimeout(ctx, failoverProbeTimeout)
			err := cand.Probe(probeCtx)
			cancel()
			if err != nil {
				slog.Warn("failover candidate unhealthy",
					"endpoint", cand.Name(),
					"error", err,
				)
				p.notifyHealth(cand.Name(), false)
				continue
			}
		}

		p.mu.Lock()
		if p.endpoints[p.active] != seen {
			cur := p.endpoints[p.active]
			p.mu.Unlock()
			return cur, nil
		}
		p.active = idx
		p.mu.Unlock()

		p.notifyHealth(cand.Name(), true)
		slog.Info("failed over to next endpoint",
			"from", seen.Name(),
			"to", cand.Name(),
		)
		return cand, nil
	}

	slog.Error("failover exhausted endpoint ring", "last_seen", seen.Name())
	return nil, ErrAllEndpointsDown
}

func (p *EndpointPool) notifyHealth(name string, healthy bool) {
	if p.onHealthChange != nil {
		p.onHealthChange(name, healthy)
	}
}
