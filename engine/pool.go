// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"archpilot/platform/engine/llm"
	"archpilot/platform/shared/logger"
)

// Role partitions the client pool by model capability tier.
type Role string

const (
	// RoleCapable is the strong reasoning tier (design, audit,
	// recommendation, code generation).
	RoleCapable Role = "capable"

	// RoleCreative is the high-temperature tier (rival design).
	RoleCreative Role = "creative"

	// RoleMini is the cheap/fast tier (refinement, analyst reports).
	RoleMini Role = "mini"
)

// Roles lists all pool partitions.
var Roles = []Role{RoleCapable, RoleCreative, RoleMini}

// ClientFactory builds one provider client for a role. Called at pool
// construction for pre-warmed entries and again on exhaustion for
// temporary clients.
type ClientFactory func(role Role) (llm.Provider, error)

// PoolConfig sizes the pool.
type PoolConfig struct {
	// Size is the pre-warmed capacity per role.
	Size map[Role]int

	// MaxOverflow caps temporary clients per role created on
	// exhaustion. Zero means no temporary clients; exhausted Acquire
	// then blocks until a release or context cancellation.
	MaxOverflow int
}

// DefaultPoolConfig returns the default pool shape.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size: map[Role]int{
			RoleCapable:  3,
			RoleCreative: 2,
			RoleMini:     4,
		},
		MaxOverflow: 4,
	}
}

// poolEntry wraps one pooled client.
type poolEntry struct {
	client    llm.Provider
	role      Role
	createdAt time.Time
}

// RoleStats is the per-role snapshot of pool occupancy.
type RoleStats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
	Overflow  int `json:"overflow"`
}

// PoolStats maps role to occupancy snapshot.
type PoolStats map[Role]RoleStats

// Pool owns pre-warmed, role-partitioned provider clients with
// acquire/release semantics. Exhaustion falls back to bounded
// temporary clients rather than blocking, so the graph never
// deadlocks under load.
type Pool struct {
	factory ClientFactory
	log     *logger.Logger
	metrics *Metrics

	mu          sync.Mutex
	free        map[Role]chan *poolEntry
	total       map[Role]int
	inUse       map[Role]int
	overflow    map[Role]int
	maxOverflow int
	closed      bool
}

// NewPool constructs and pre-warms the pool. Fails fast if any client
// cannot be built.
func NewPool(cfg PoolConfig, factory ClientFactory, log *logger.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool client factory is required")
	}
	if log == nil {
		log = logger.New("pool")
	}

	p := &Pool{
		factory:     factory,
		log:         log,
		free:        make(map[Role]chan *poolEntry),
		total:       make(map[Role]int),
		inUse:       make(map[Role]int),
		overflow:    make(map[Role]int),
		maxOverflow: cfg.MaxOverflow,
	}

	for _, role := range Roles {
		size := cfg.Size[role]
		if size < 1 {
			size = 1
		}
		ch := make(chan *poolEntry, size)
		for i := 0; i < size; i++ {
			client, err := factory(role)
			if err != nil {
				return nil, fmt.Errorf("failed to warm %s pool: %w", role, err)
			}
			ch <- &poolEntry{client: client, role: role, createdAt: time.Now()}
		}
		p.free[role] = ch
		p.total[role] = size
	}

	return p, nil
}

// SetMetrics attaches engine metrics. Optional; a nil-metrics pool
// only logs exhaustion.
func (p *Pool) SetMetrics(m *Metrics) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Acquire checks out a client for role. When the pool is exhausted it
// fabricates a temporary client (up to MaxOverflow per role) instead
// of blocking; past the overflow cap it blocks until a release or ctx
// cancellation. The returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, role Role) (llm.Provider, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("pool is shut down")
	}
	free, ok := p.free[role]
	if !ok {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("unknown pool role %q", role)
	}

	// Fast path: a free pre-warmed entry.
	select {
	case entry := <-free:
		p.inUse[role]++
		p.mu.Unlock()
		return entry.client, p.releaseFunc(role, entry), nil
	default:
	}

	// Exhausted. Fabricate a temporary client if under the cap.
	if p.maxOverflow > 0 && p.overflow[role] < p.maxOverflow {
		p.overflow[role]++
		metrics := p.metrics
		p.mu.Unlock()

		p.log.Warn("", "pool exhausted, using temporary client", map[string]interface{}{
			"role": string(role),
			"kind": string(KindPoolExhaustion),
		})
		if metrics != nil {
			metrics.ObservePoolExhaustion(role)
		}

		client, err := p.factory(role)
		if err != nil {
			p.mu.Lock()
			p.overflow[role]--
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("failed to create temporary %s client: %w", role, err)
		}

		var once sync.Once
		release := func() {
			once.Do(func() {
				p.mu.Lock()
				p.overflow[role]--
				p.mu.Unlock()
				if c, ok := client.(llm.Closer); ok {
					_ = c.Close()
				}
			})
		}
		return client, release, nil
	}
	p.mu.Unlock()

	// Overflow cap reached: wait for a pooled entry.
	select {
	case entry := <-free:
		p.mu.Lock()
		p.inUse[role]++
		p.mu.Unlock()
		return entry.client, p.releaseFunc(role, entry), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// releaseFunc returns a pooled entry to the free set. Idempotent per
// entry so double release cannot corrupt the counters.
func (p *Pool) releaseFunc(role Role, entry *poolEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.inUse[role]--
			if p.closed {
				p.mu.Unlock()
				if c, ok := entry.client.(llm.Closer); ok {
					_ = c.Close()
				}
				return
			}
			p.free[role] <- entry
			p.mu.Unlock()
		})
	}
}

// Stats returns a fresh occupancy snapshot. Safe to call concurrently
// with any number of Acquire/release pairs; counts are consistent under
// the pool lock so in_use + available always equals total.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(PoolStats, len(p.free))
	for _, role := range Roles {
		total := p.total[role]
		inUse := p.inUse[role]
		stats[role] = RoleStats{
			Total:     total,
			InUse:     inUse,
			Available: total - inUse,
			Overflow:  p.overflow[role],
		}
	}
	return stats
}

// Shutdown closes the pool: pending free entries are closed now,
// checked-out entries are closed as they are released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	chans := make([]chan *poolEntry, 0, len(p.free))
	for _, ch := range p.free {
		chans = append(chans, ch)
	}
	p.mu.Unlock()

	for _, ch := range chans {
	drain:
		for {
			select {
			case entry := <-ch:
				if c, ok := entry.client.(llm.Closer); ok {
					_ = c.Close()
				}
			default:
				break drain
			}
		}
	}
}
