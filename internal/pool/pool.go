// Package pool implements the bounded per-NDS connection pool described in
// §4.2, generalizing the teacher's internal/nntp.Pool (one fixed-config pool
// guarding a channel of idle clients) to a registry of pools keyed by NDS ID,
// each independently configured and independently drained when its NDS is
// removed from rotation.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gaby/ndsfabric/internal/ndsclient"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

const module = "pool"

// idleConn wraps a pooled client with the time it was released, so the
// sweeper can evict entries that sat idle past maxIdle.
type idleConn struct {
	client   ndsclient.Client
	returned time.Time
}

// ndsPool is one NDS's bounded pool, the direct generalization of the
// teacher's nntp.Pool struct.
type ndsPool struct {
	mu      sync.Mutex
	cfg     ndsclient.Config
	size    int
	created int
	idle    []idleConn
	closed  bool
}

// Registry holds one ndsPool per NDS ID and the sweeper that evicts idle
// connections across all of them, mirroring the teacher's single global
// Pool but fanned out per-NDS per §4.2's "bounded per-NDS connection pool"
// requirement.
type Registry struct {
	mu       sync.RWMutex
	pools    map[int64]*ndsPool
	maxIdle  time.Duration
	sweepInt time.Duration
}

// NewRegistry builds an empty registry. maxIdle is how long a released
// connection may sit idle before the sweeper closes it; sweepInt is the
// sweeper's tick period.
func NewRegistry(maxIdle, sweepInt time.Duration) *Registry {
	if maxIdle <= 0 {
		maxIdle = 300 * time.Second
	}
	if sweepInt <= 0 {
		sweepInt = 60 * time.Second
	}
	return &Registry{pools: make(map[int64]*ndsPool), maxIdle: maxIdle, sweepInt: sweepInt}
}

// AddServer registers (or reconfigures) the pool for ndsID, matching §6's
// POST /internal/update-pool semantics (config changes apply to new
// connections; existing idle ones stay in the pool and are reused until the
// sweeper evicts them for sitting idle past maxIdle or a liveness check
// fails).
func (r *Registry) AddServer(ndsID int64, cfg ndsclient.Config, size int) {
	if size <= 0 {
		size = 2
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[ndsID]
	if !ok {
		r.pools[ndsID] = &ndsPool{cfg: cfg, size: size}
		return
	}
	p.mu.Lock()
	p.cfg = cfg
	p.size = size
	p.mu.Unlock()
}

// RemoveServer drains and closes ndsID's pool. Subsequent Acquire calls for
// it return a NotConfigured error until AddServer is called again.
func (r *Registry) RemoveServer(ndsID int64) {
	r.mu.Lock()
	p, ok := r.pools[ndsID]
	delete(r.pools, ndsID)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.closed = true
	for _, ic := range p.idle {
		_ = ic.client.Close()
	}
	p.idle = nil
	p.mu.Unlock()
}

// Acquire returns a healthy client for ndsID, reusing an idle one when its
// liveness check passes, dialing a fresh one when under the size cap, or
// blocking until a slot frees or ctx is cancelled — the same three-way
// decision as the teacher's nntp.Pool.Acquire.
func (r *Registry) Acquire(ctx context.Context, ndsID int64) (ndsclient.Client, error) {
	r.mu.RLock()
	p, ok := r.pools[ndsID]
	r.mu.RUnlock()
	if !ok {
		return nil, pipelineerr.New(pipelineerr.KindNotConfigured, module, "nds not registered in pool", pipelineerr.LevelInfo, nil)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, pipelineerr.New(pipelineerr.KindNotConfigured, module, "nds pool closed", pipelineerr.LevelInfo, nil)
		}
		if n := len(p.idle); n > 0 {
			ic := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if err := ic.client.CheckAlive(ctx); err == nil {
				return ic.client, nil
			}
			_ = ic.client.Close()
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			continue
		}
		if p.created < p.size {
			p.created++
			cfg := p.cfg
			p.mu.Unlock()
			c, err := ndsclient.Dial(ctx, cfg)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			// Poll rather than a release-signaled channel: releases happen
			// from arbitrary goroutines and we want Acquire to also notice
			// ndsPool.closed without a separate select arm.
		}
	}
}

// Release returns c to ndsID's idle set after a liveness check, or closes it
// if the check fails or the pool has since been removed — mirroring the
// teacher's Release healthcheck-before-reuse behavior.
func (r *Registry) Release(ctx context.Context, ndsID int64, c ndsclient.Client) {
	r.mu.RLock()
	p, ok := r.pools[ndsID]
	r.mu.RUnlock()
	if !ok {
		_ = c.Close()
		return
	}
	if err := c.CheckAlive(ctx); err != nil {
		_ = c.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	full := p.closed || len(p.idle) >= p.size
	if !full {
		p.idle = append(p.idle, idleConn{client: c, returned: time.Now()})
	} else {
		p.created--
	}
	p.mu.Unlock()
	if full {
		_ = c.Close()
	}
}

// Run starts the idle-eviction sweeper; it blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.RLock()
	pools := make([]*ndsPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	cutoff := time.Now().Add(-r.maxIdle)
	for _, p := range pools {
		p.mu.Lock()
		kept := p.idle[:0]
		for _, ic := range p.idle {
			if ic.returned.Before(cutoff) {
				_ = ic.client.Close()
				p.created--
				continue
			}
			kept = append(kept, ic)
		}
		p.idle = kept
		p.mu.Unlock()
	}
}
