// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/holt-systems/holt/lib/clock"
	"github.com/holt-systems/holt/vm"
)

// CreateFunc captures a fresh snapshot into stagingDir: boot a VM,
// let it settle, dump memory-state and vm-state, stop it. The pool
// calls this from its refresher, never from a spawn.
type CreateFunc func(ctx context.Context, stagingDir string) (Metadata, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Store *Store

	// Size is the target number of warm snapshots (1-20).
	Size int

	// RefreshInterval is how often the refresher wakes (minimum
	// one minute).
	RefreshInterval time.Duration

	// MaxAge retires entries; zero means entries never age out.
	MaxAge time.Duration

	Create CreateFunc
	Clock  clock.Clock
	Logger *slog.Logger
}

// entry is one warm snapshot in the registry.
type entry struct {
	meta      Metadata
	createdAt time.Time
}

// Pool is the warm snapshot registry. The registry map is the single
// piece of state concurrent spawns contend over; it sits behind one
// mutex held only for map operations. Hit and miss counts are
// atomics so Stats never touches the lock.
type Pool struct {
	store  *Store
	cfg    PoolConfig
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	next    int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewPool builds a pool over store, recovering any snapshots the
// catalog already knows about from a previous run.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if cfg.Store == nil {
		return nil, errors.New("snapshot: pool needs a store")
	}
	if cfg.Size < 1 || cfg.Size > 20 {
		return nil, fmt.Errorf("snapshot: pool size %d out of range [1,20]", cfg.Size)
	}
	if cfg.RefreshInterval < time.Minute {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Pool{
		store:   cfg.Store,
		cfg:     cfg,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
	}

	recovered, err := cfg.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range recovered {
		p.entries[meta.ID] = &entry{meta: meta, createdAt: meta.CreatedAt}
		p.order = append(p.order, meta.ID)
	}
	if len(recovered) > 0 {
		p.logger.Info("snapshot pool recovered", "snapshots", len(recovered))
	}
	return p, nil
}

// Acquire returns a warm snapshot round-robin, or vm.ErrPoolMiss
// when the pool is empty. A miss is the cold-boot signal, not a
// failure.
func (p *Pool) Acquire() (Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		p.misses.Add(1)
		return Metadata{}, vm.ErrPoolMiss
	}
	p.next = p.next % len(p.order)
	id := p.order[p.next]
	p.next++
	p.hits.Add(1)
	return p.entries[id].meta, nil
}

// Stats is a point-in-time pool summary.
type Stats struct {
	// Size is the current number of warm snapshots.
	Size int

	// OldestAge is the age of the oldest entry, zero when empty.
	OldestAge time.Duration

	Hits   uint64
	Misses uint64
}

// Stats reports the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	size := len(p.order)
	var oldest time.Time
	for _, e := range p.entries {
		if oldest.IsZero() || e.createdAt.Before(oldest) {
			oldest = e.createdAt
		}
	}
	p.mu.Unlock()

	stats := Stats{
		Size:   size,
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
	}
	if !oldest.IsZero() {
		stats.OldestAge = p.clk.Now().Sub(oldest)
	}
	return stats
}

// Run drives the refresher until ctx is cancelled: fill the pool to
// size, then each interval replace entries past max age. Spawns
// never wait on this loop.
func (p *Pool) Run(ctx context.Context) {
	if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("initial pool fill incomplete", "error", err)
	}

	ticker := p.clk.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("pool refresh incomplete", "error", err)
			}
		}
	}
}

// refresh tops the pool up and retires stale entries. Replacement is
// create-first, delete-second: the pool never has a gap where a
// spawn that would have hit now misses.
func (p *Pool) refresh(ctx context.Context) error {
	var errs []error

	// Top up to size.
	for p.size() < p.cfg.Size {
		if ctx.Err() != nil {
			break
		}
		if err := p.createOne(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}

	// Retire stale entries, one replacement at a time.
	if p.cfg.MaxAge > 0 {
		for _, stale := range p.staleEntries() {
			if ctx.Err() != nil {
				break
			}
			if err := p.createOne(ctx); err != nil {
				errs = append(errs, err)
				break
			}
			p.remove(stale)
			if err := p.store.Delete(ctx, stale); err != nil {
				errs = append(errs, err)
			}
			p.logger.Info("stale snapshot replaced", "snapshot_id", stale)
		}
	}

	return errors.Join(errs...)
}

// createOne captures a fresh snapshot and registers it.
func (p *Pool) createOne(ctx context.Context) error {
	if p.cfg.Create == nil {
		return errors.New("snapshot: pool has no create function")
	}
	id := uuid.NewString()

	stagingDir, err := os.MkdirTemp("", "holt-snapshot-staging-")
	if err != nil {
		return fmt.Errorf("snapshot: creating staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	meta, err := p.cfg.Create(ctx, stagingDir)
	if err != nil {
		return fmt.Errorf("snapshot: capturing %s: %w", id, err)
	}
	meta.ID = id
	meta.CreatedAt = p.clk.Now().UTC()

	committed, err := p.store.Commit(ctx, meta, stagingDir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.entries[id] = &entry{meta: committed, createdAt: committed.CreatedAt}
	p.order = append(p.order, id)
	p.mu.Unlock()

	p.logger.Info("snapshot added to pool", "snapshot_id", id)
	return nil
}

// Discard removes a snapshot from the registry and the store, for
// entries found corrupt at load time.
func (p *Pool) Discard(ctx context.Context, id string) error {
	p.remove(id)
	return p.store.Delete(ctx, id)
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *Pool) staleEntries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.clk.Now().Add(-p.cfg.MaxAge)
	var stale []string
	for id, e := range p.entries {
		if e.createdAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if len(p.order) > 0 {
		p.next = p.next % len(p.order)
	} else {
		p.next = 0
	}
}
