// Package freepool implements FreePool (spec.md §4.1): a thin
// synchronized wrapper around an external physical-range allocator,
// adding the free/zero-page counters, the three allocation classes,
// and the deficit counter that couples to pagingctl on exhaustion.
package freepool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vmkernel/pagecore/logger"
	"github.com/vmkernel/pagecore/vm/page"
	"github.com/vmkernel/pagecore/vm/pagingctl"
)

// ErrExhausted is returned when a class's reserve would be violated.
// Allocation never blocks on exhaustion (spec.md §4.1); callers
// wanting to block use pagingctl.Controller.VMWait.
var ErrExhausted = errors.New("freepool: exhausted")

// RangeAllocator is the external collaborator contract named in
// spec.md §4.1 and §6: the low-level page-range allocator the core
// does not implement.
type RangeAllocator interface {
	// AllocPages returns one free frame's physical address and
	// whether it happened to already be zeroed.
	AllocPages() (physAddr uint64, wasZero bool, ok bool)
	// AllocContig returns the base address of a run of n
	// contiguous, aligned frames within [low, high) not crossing
	// boundary, or ok=false.
	AllocContig(n int, low, high, align, boundary uint64) (physAddr uint64, ok bool)
	// FreePages returns a single frame (or the head of a contiguous
	// run of n frames starting at physAddr) to the allocator.
	FreePages(physAddr uint64, n int)
}

// FreePool wraps a RangeAllocator with the free_mtx-guarded counters
// and allocation-class policy.
type FreePool struct {
	mu sync.Mutex // free_mtx

	alloc RangeAllocator
	ctl   *pagingctl.Controller

	freeCount uint64
	zeroCount uint64

	reserved         uint64 // NORMAL floor
	interruptFreeMin uint64 // SYSTEM floor; INTERRUPT floor is 0
}

// Config carries the reserve policy (spec.md §4.1).
type Config struct {
	Reserved         uint64
	InterruptFreeMin uint64
}

// New wires a FreePool around alloc, coupled to ctl for exhaustion
// signaling.
func New(alloc RangeAllocator, ctl *pagingctl.Controller, cfg Config) *FreePool {
	return &FreePool{
		alloc:            alloc,
		ctl:              ctl,
		reserved:         cfg.Reserved,
		interruptFreeMin: cfg.InterruptFreeMin,
	}
}

// Seed adjusts free_count and zero_count directly, for boot-time
// population of the pool from physical-memory discovery (spec.md §6
// "freecnt_adj").
func (f *FreePool) Seed(freeDelta, zeroDelta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeCount = addSigned(f.freeCount, freeDelta)
	f.zeroCount = addSigned(f.zeroCount, zeroDelta)
}

func addSigned(u uint64, delta int64) uint64 {
	if delta < 0 {
		return u - uint64(-delta)
	}
	return u + uint64(delta)
}

func (f *FreePool) floorFor(class page.Class, isPagedaemon bool) uint64 {
	if isPagedaemon && class == page.ClassNormal {
		class = page.ClassSystem
	}
	switch class {
	case page.ClassInterrupt:
		return 0
	case page.ClassSystem:
		return f.interruptFreeMin
	default:
		return f.reserved
	}
}

// Alloc returns one frame, honoring the allocation class's reserve.
// It never blocks: on exhaustion it bumps pageout_deficit, wakes the
// daemon, and returns ErrExhausted.
func (f *FreePool) Alloc(class page.Class, isPagedaemon bool) (physAddr uint64, wasZero bool, err error) {
	f.mu.Lock()
	floor := f.floorFor(class, isPagedaemon)
	if f.freeCount <= floor {
		f.mu.Unlock()
		f.ctl.NoteDeficit(1)
		f.ctl.PagedaemonWakeup()
		logger.Debugf("freepool: exhausted at class=%d free=%d floor=%d", class, f.freeCount, floor)
		return 0, false, ErrExhausted
	}
	pa, zero, ok := f.alloc.AllocPages()
	if !ok {
		f.mu.Unlock()
		f.ctl.NoteDeficit(1)
		f.ctl.PagedaemonWakeup()
		return 0, false, ErrExhausted
	}
	f.freeCount--
	if zero {
		f.zeroCount--
	}
	freeAndCache := f.freeCount
	f.mu.Unlock()
	f.ctl.WakeupIfAboveMin(freeAndCache)
	return pa, zero, nil
}

// AllocContig allocates a contiguous run, subject to the same NORMAL
// reserve as Alloc (contiguous allocation is never performed by the
// interrupt path in the original and isn't here either).
func (f *FreePool) AllocContig(n int, low, high, align, boundary uint64) (physAddr uint64, err error) {
	f.mu.Lock()
	if f.freeCount <= f.reserved+uint64(n) {
		f.mu.Unlock()
		f.ctl.NoteDeficit(uint64(n))
		f.ctl.PagedaemonWakeup()
		return 0, ErrExhausted
	}
	pa, ok := f.alloc.AllocContig(n, low, high, align, boundary)
	if !ok {
		f.mu.Unlock()
		f.ctl.NoteDeficit(uint64(n))
		f.ctl.PagedaemonWakeup()
		return 0, ErrExhausted
	}
	f.freeCount -= uint64(n)
	f.mu.Unlock()
	return pa, nil
}

// Free returns a single frame to the pool.
func (f *FreePool) Free(physAddr uint64, wasZero bool) {
	f.mu.Lock()
	f.alloc.FreePages(physAddr, 1)
	f.freeCount++
	if wasZero {
		f.zeroCount++
	}
	freeAndCache := f.freeCount
	f.mu.Unlock()
	f.ctl.WakeupIfAboveMin(freeAndCache)
}

// BatchEntry is one frame in a FreeBatch call.
type BatchEntry struct {
	PhysAddr uint64
	WasZero  bool
}

// FreeBatch returns every frame in entries to the pool, taking
// free_mtx exactly once for the whole batch rather than once per
// frame. PerCpuCache's drain-to-Target path (spec.md §4.2) uses this
// instead of looping Free so a bulk drain doesn't serialize on
// free_mtx per page.
func (f *FreePool) FreeBatch(entries []BatchEntry) {
	if len(entries) == 0 {
		return
	}
	f.mu.Lock()
	for _, e := range entries {
		f.alloc.FreePages(e.PhysAddr, 1)
		f.freeCount++
		if e.WasZero {
			f.zeroCount++
		}
	}
	freeAndCache := f.freeCount
	f.mu.Unlock()
	f.ctl.WakeupIfAboveMin(freeAndCache)
}

// FreeContig returns a run of n frames starting at physAddr.
func (f *FreePool) FreeContig(physAddr uint64, n int) {
	f.mu.Lock()
	f.alloc.FreePages(physAddr, n)
	f.freeCount += uint64(n)
	f.mu.Unlock()
}

// FreeCount and ZeroCount are observability reads taken under
// free_mtx (spec.md §8 invariant 7 requires this for the accounting
// identity to be checked consistently).
func (f *FreePool) FreeCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeCount
}

func (f *FreePool) ZeroCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zeroCount
}
