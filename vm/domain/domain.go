// Package domain implements VmDomain (spec.md §3): a NUMA-like bucket
// holding one PageQueues instance and its own wired-page metadata,
// plus the top-level System that ties N domains together with a
// global FreePool and PerCpuCache array. Grounded on the teacher's
// buffer pool's top-level BufferPool type, which likewise owns one
// LRU instance plus the shared counters around it.
package domain

import (
	"sync"
	"sync/atomic"

	"github.com/vmkernel/pagecore/vm/addrlock"
	"github.com/vmkernel/pagecore/vm/freepool"
	"github.com/vmkernel/pagecore/vm/page"
	"github.com/vmkernel/pagecore/vm/pagequeue"
	"github.com/vmkernel/pagecore/vm/percpu"
)

// Domain is one NUMA-like bucket: its own page queues and metadata,
// the way the original partitions physical memory per NUMA node. The
// free-page count itself is not partitioned per domain in this port
// (there is one shared FreePool, not one per domain); only the wired-
// page count is tracked at domain granularity, since PageLifecycle
// already has the owning domain in hand at every wire/unwire call
// site and spec.md §3 names VmDomain as holding "its own ... free-page
// counter and metadata" generically rather than requiring a
// per-domain free list.
type Domain struct {
	ID int

	Queues *pagequeue.Queues

	wireCount uint64 // atomic; domain-local wired-page count
}

func newDomain(id int, q *pagequeue.Queues) *Domain {
	return &Domain{ID: id, Queues: q}
}

// WireCount reads the domain-local wired-page counter.
func (d *Domain) WireCount() uint64 { return atomic.LoadUint64(&d.wireCount) }

// IncWireCount and DecWireCount adjust the domain-local wired-page
// counter; PageLifecycle calls these on a page's 0->1 and 1->0 wire
// transitions (spec.md §4.6).
func (d *Domain) IncWireCount() { atomic.AddUint64(&d.wireCount, 1) }
func (d *Domain) DecWireCount() { atomic.AddUint64(&d.wireCount, ^uint64(0)) }

// System is the top-level assembly: every Domain, the physical-frame
// Array they share, the global FreePool, and the PerCpuCache array
// fronting it (spec.md §3, §6 "startup").
type System struct {
	mu      sync.RWMutex
	domains []*Domain

	Frames *page.Array
	Pool   *freepool.FreePool
	PerCPU *percpu.Array

	ActInit uint16 // ACT_INIT, the floor applied on ACTIVE promotion
}

// Config carries the boot-time layout decisions (spec.md §6
// "startup"): how many domains to create, how many frames each owns,
// and the queue-sharding thresholds.
type Config struct {
	NumDomains     int
	FramesPerDomain int
	BaseAddr       uint64
	Thresholds     pagequeue.Thresholds
	ActInit        uint16
}

// New assembles a System: allocates one page.Array spanning all
// domains' frames, builds a Domain (with its own addrlock.Table and
// PageQueues) per NUMA bucket, and wires the free pool on top.
func New(cfg Config, pool *freepool.FreePool, perCPU *percpu.Array, locksPerDomain []*addrlock.Table) *System {
	totalFrames := cfg.NumDomains * cfg.FramesPerDomain
	frames := page.NewArray(cfg.BaseAddr, totalFrames)

	s := &System{
		Frames:  frames,
		Pool:    pool,
		PerCPU:  perCPU,
		ActInit: cfg.ActInit,
		domains: make([]*Domain, cfg.NumDomains),
	}
	for i := 0; i < cfg.NumDomains; i++ {
		q := pagequeue.New(locksPerDomain[i], cfg.Thresholds)
		s.domains[i] = newDomain(i, q)
	}
	return s
}

// Domain returns the i'th domain.
func (s *System) Domain(i int) *Domain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domains[i]
}

// NumDomains reports the domain count.
func (s *System) NumDomains() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains)
}

// DomainFor picks the domain owning physAddr, a contiguous-range
// assignment consistent with how Frames was built in New.
func (s *System) DomainFor(physAddr uint64) *Domain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.domains) == 0 {
		return nil
	}
	framesPerDomain := s.Frames.Len() / len(s.domains)
	idx := int((physAddr - s.Frames.Frame(0).PhysAddr) / uint64(page.PageSize))
	d := idx / framesPerDomain
	if d >= len(s.domains) {
		d = len(s.domains) - 1
	}
	return s.domains[d]
}

// TotalFreeCount reports FreePool's free-page count, for the
// system-wide accounting identity (spec.md §8 invariant 7: free_count
// + active + inactive + wired + cached == total).
func (s *System) TotalFreeCount() uint64 {
	return s.Pool.FreeCount()
}
