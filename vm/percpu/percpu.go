// Package percpu implements PerCpuCache (spec.md §4.2): a bounded,
// per-CPU lazy-free list in front of freepool.FreePool, reducing
// contention on the single global free_mtx for the common
// alloc/free-one-page path.
package percpu

import (
	"sync"
	"sync/atomic"

	"github.com/vmkernel/pagecore/vm/freepool"
	"github.com/vmkernel/pagecore/vm/page"
)

const (
	Min    = 128
	Target = 256
	Max    = 384
)

type entry struct {
	physAddr uint64
	wasZero  bool
}

type shard struct {
	mu    sync.Mutex
	items []entry
}

// Array is the fixed, platform-sized array of per-CPU caches, indexed
// by a platform-provided CPU id. It is the one piece of state the
// design notes permit outside explicit parameter passing, since the
// CPU id it's indexed by is itself ambient to the calling goroutine.
type Array struct {
	pool   *freepool.FreePool
	shards []shard

	hits   uint64 // atomic; Alloc served directly from a shard
	misses uint64 // atomic; Alloc fell through to FreePool
}

// New builds an Array sized for ncpu logical CPUs.
func New(pool *freepool.FreePool, ncpu int) *Array {
	return &Array{pool: pool, shards: make([]shard, ncpu)}
}

// Alloc pops one page for the given CPU id. If colored is true (the
// owning object is reservation-eligible), the cache is bypassed
// entirely so the reservation subsystem can see the request directly
// against FreePool (spec.md §4.2).
func (a *Array) Alloc(cpu int, colored bool, class page.Class, isPagedaemon bool) (physAddr uint64, wasZero bool, ok bool) {
	if colored {
		pa, zero, err := a.pool.Alloc(class, isPagedaemon)
		atomic.AddUint64(&a.misses, 1)
		return pa, zero, err == nil
	}
	s := &a.shards[cpu%len(a.shards)]

	s.mu.Lock()
	if len(s.items) < Min {
		s.mu.Unlock()
		a.refill(s, class, isPagedaemon)
		s.mu.Lock()
	}
	if len(s.items) == 0 {
		s.mu.Unlock()
		atomic.AddUint64(&a.misses, 1)
		return 0, false, false
	}
	last := len(s.items) - 1
	e := s.items[last]
	s.items = s.items[:last]
	s.mu.Unlock()
	atomic.AddUint64(&a.hits, 1)
	return e.physAddr, e.wasZero, true
}

// HitMiss reports the cumulative count of Alloc calls served directly
// from a per-CPU shard versus calls that fell through (shard still
// empty after a refill attempt, or a colored bypass), for vm/metrics.
func (a *Array) HitMiss() (hits, misses uint64) {
	return atomic.LoadUint64(&a.hits), atomic.LoadUint64(&a.misses)
}

// refill tops the shard up to Target from FreePool, acquiring the
// shard lock only for the final append so the global free_mtx is
// never held alongside a per-CPU lock.
func (a *Array) refill(s *shard, class page.Class, isPagedaemon bool) {
	var batch []entry
	for len(batch)+shardLen(s) < Target {
		pa, zero, err := a.pool.Alloc(class, isPagedaemon)
		if err != nil {
			break
		}
		batch = append(batch, entry{physAddr: pa, wasZero: zero})
	}
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	s.items = append(s.items, batch...)
	s.mu.Unlock()
}

func shardLen(s *shard) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Free pushes a page back to the given CPU's list, draining to Target
// back into FreePool in one batch (taking free_mtx exactly once) if
// the list would exceed Max.
func (a *Array) Free(cpu int, physAddr uint64, wasZero bool) {
	s := &a.shards[cpu%len(a.shards)]

	s.mu.Lock()
	s.items = append(s.items, entry{physAddr: physAddr, wasZero: wasZero})
	var drain []entry
	if len(s.items) > Max {
		excess := len(s.items) - Target
		drain = append(drain, s.items[:excess]...)
		s.items = s.items[excess:]
	}
	s.mu.Unlock()

	a.pool.FreeBatch(toBatch(drain))
}

// Len reports the current length of the given CPU's list, for tests
// and the global free-count accounting identity (spec.md §8
// invariant 7).
func (a *Array) Len(cpu int) int {
	return shardLen(&a.shards[cpu%len(a.shards)])
}

// TotalLen sums every shard's length.
func (a *Array) TotalLen() int {
	total := 0
	for i := range a.shards {
		total += shardLen(&a.shards[i])
	}
	return total
}

// Drain empties every shard back into FreePool, used by the periodic
// housekeeping sweep and by shutdown. Each shard's entries go back in
// one FreeBatch call, taking free_mtx once per shard rather than once
// per page.
func (a *Array) Drain() {
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		items := s.items
		s.items = nil
		s.mu.Unlock()
		a.pool.FreeBatch(toBatch(items))
	}
}

func toBatch(items []entry) []freepool.BatchEntry {
	if len(items) == 0 {
		return nil
	}
	batch := make([]freepool.BatchEntry, len(items))
	for i, e := range items {
		batch[i] = freepool.BatchEntry{PhysAddr: e.physAddr, WasZero: e.wasZero}
	}
	return batch
}
