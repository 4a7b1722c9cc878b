// Package lifecycle implements PageLifecycle (spec.md §4.6): the
// orchestrator sitting atop PerCpuCache, FreePool, ObjectIndex, and
// PageQueues. Grounded on the teacher's buffer pool's top-level
// fetch/pin/unpin/flush API (buffer_pool.go), which plays the same
// coordinating role over its own free list, LRU, and page table.
package lifecycle

import (
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vmkernel/pagecore/logger"
	"github.com/vmkernel/pagecore/vm/addrlock"
	"github.com/vmkernel/pagecore/vm/domain"
	"github.com/vmkernel/pagecore/vm/object"
	"github.com/vmkernel/pagecore/vm/page"
	"github.com/vmkernel/pagecore/vm/pagequeue"
	"github.com/vmkernel/pagecore/vm/pagingctl"
	"github.com/vmkernel/pagecore/vm/pmap"
	"github.com/vmkernel/pagecore/vm/wakeup"
)

// ErrExhausted mirrors freepool.ErrExhausted at the lifecycle surface
// so callers of Alloc/Grab don't need to import vm/freepool just to
// compare errors.
var ErrExhausted = errors.New("lifecycle: pool exhausted")

// ErrBadRequest flags a caller contract violation (spec.md §4.6):
// (object == nil) == ReqNoObj, and NoBusy+SBusy are mutually
// exclusive.
var ErrBadRequest = errors.New("lifecycle: contract violation in request flags")

const actInitDefault uint16 = 5

// Lifecycle ties every subsystem together. One Lifecycle serves one
// System (spec.md §3's domains collectively).
type Lifecycle struct {
	sys   *domain.System
	locks *addrlock.Table
	wake  *wakeup.Station
	ctl   *pagingctl.Controller
	pm    pmap.Hooks

	actInit uint16

	cpuHint func() int

	dnwCounter uint32 // per-Lifecycle advise weighting counter (spec.md §4.6)
}

// Config carries the collaborators a Lifecycle is wired to.
type Config struct {
	System  *domain.System
	Locks   *addrlock.Table
	Wake    *wakeup.Station
	Ctl     *pagingctl.Controller
	Pmap    pmap.Hooks
	ActInit uint16
	// CPUHint returns the calling goroutine's preferred PerCpuCache
	// shard index; tests may supply a fixed value.
	CPUHint func() int
}

// New builds a Lifecycle from its collaborators.
func New(cfg Config) *Lifecycle {
	actInit := cfg.ActInit
	if actInit == 0 {
		actInit = actInitDefault
	}
	hint := cfg.CPUHint
	if hint == nil {
		hint = func() int { return 0 }
	}
	return &Lifecycle{
		sys:     cfg.System,
		locks:   cfg.Locks,
		wake:    cfg.Wake,
		ctl:     cfg.Ctl,
		pm:      cfg.Pmap,
		actInit: actInit,
		cpuHint: hint,
	}
}

// Request bundles Alloc's inputs (spec.md §4.6).
type Request struct {
	Object  *object.Object // nil iff Flags has ReqNoObj
	Offset  uint64
	Flags   page.ReqFlags
	Class   page.Class
	Colored bool // object participates in the reservation subsystem
}

func (r Request) validate() error {
	hasObj := r.Object != nil
	wantsNoObj := r.Flags&page.ReqNoObj != 0
	if hasObj == wantsNoObj {
		return ErrBadRequest
	}
	if r.Flags&page.ReqNoBusy != 0 && r.Flags&page.ReqSBusy != 0 {
		return ErrBadRequest
	}
	return nil
}

// Alloc implements alloc(object?, offset, req_flags) -> page? (spec.md
// §4.6). On exhaustion it bumps pageout_deficit, wakes the daemon,
// and returns ErrExhausted; it never blocks.
func (l *Lifecycle) Alloc(req Request) (*page.Page, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cpu := l.cpuHint()
	physAddr, wasZero, ok := l.sys.PerCPU.Alloc(cpu, req.Colored, req.Class, false)
	if !ok {
		var err error
		physAddr, wasZero, err = l.sys.Pool.Alloc(req.Class, false)
		if err != nil {
			return nil, ErrExhausted
		}
	}

	p := l.sys.Frames.At(physAddr)
	p.ResetFree()

	if req.Flags&page.ReqZero != 0 && wasZero {
		p.Flags |= page.PGZero
	}
	if req.Flags&page.ReqNoDump != 0 {
		p.Flags |= page.PGNoDump
	}
	p.ActCount = l.actInit

	switch {
	case req.Flags&page.ReqExclBusy != 0:
		p.XBusy()
	case req.Flags&page.ReqSBusy != 0:
		p.SBusy()
	}

	if req.Flags&page.ReqWire != 0 {
		p.IncWire()
		if dom := l.sys.DomainFor(p.PhysAddr); dom != nil {
			dom.IncWireCount()
		}
	}

	if req.Object != nil {
		if err := req.Object.Insert(p, req.Offset, l.pm); err != nil {
			if req.Flags&page.ReqWire != 0 {
				p.DecWire()
				if dom := l.sys.DomainFor(p.PhysAddr); dom != nil {
					dom.DecWireCount()
				}
			}
			l.returnToPool(cpu, p)
			return nil, err
		}
		if req.Object.HasMemAttr && req.Object.MemAttr != page.MemAttrDefault &&
			req.Object.Type != object.TypeFictitious && req.Object.Type != object.TypePhysical {
			p.MemAttr = req.Object.MemAttr
			l.pm.SetMemAttr(p.PhysAddr, p.MemAttr)
		}
	}

	return p, nil
}

// returnToPool sends a freshly-failed allocation back the way it
// came, bypassing wire/busy cleanup the caller already unwound.
func (l *Lifecycle) returnToPool(cpu int, p *page.Page) {
	wasZero := p.Flags&page.PGZero != 0
	p.ResetFree()
	l.sys.PerCPU.Free(cpu, p.PhysAddr, wasZero)
}

// AllocContig implements alloc_contig(...) -> page? (spec.md §4.6):
// a contiguous physical run, forcibly UNMANAGED, unwound entirely if
// any per-page object insert fails partway through.
func (l *Lifecycle) AllocContig(req Request, n int, low, high, align, boundary uint64) ([]*page.Page, error) {
	if req.Object != nil && req.Object.Type != object.TypePhysical {
		return nil, ErrBadRequest
	}
	base, err := l.sys.Pool.AllocContig(n, low, high, align, boundary)
	if err != nil {
		return nil, ErrExhausted
	}

	pages := make([]*page.Page, n)
	for i := 0; i < n; i++ {
		p := l.sys.Frames.At(base + uint64(i)*page.PageSize)
		p.ResetFree()
		p.ObjectFlags |= page.OFUnmanaged
		p.ActCount = l.actInit
		if req.Flags&page.ReqWire != 0 {
			p.IncWire()
			if dom := l.sys.DomainFor(p.PhysAddr); dom != nil {
				dom.IncWireCount()
			}
		}
		pages[i] = p
	}

	if req.Object != nil {
		for i, p := range pages {
			if err := req.Object.Insert(p, req.Offset+uint64(i)*page.PageSize, l.pm); err != nil {
				for _, done := range pages[:i] {
					req.Object.Remove(done)
				}
				for _, pg := range pages {
					if req.Flags&page.ReqWire != 0 {
						pg.DecWire()
						if dom := l.sys.DomainFor(pg.PhysAddr); dom != nil {
							dom.DecWireCount()
						}
					}
					pg.ResetFree()
				}
				l.sys.Pool.FreeContig(base, n)
				return nil, err
			}
		}
	}
	return pages, nil
}

// FreelistAllocator is the external collaborator for per-list
// (DMA-constrained) allocation (spec.md §4.6 "alloc_freelist"); kept
// separate from the general RangeAllocator since it addresses a
// named list rather than the general pool.
type FreelistAllocator interface {
	AllocFromList(listIndex int) (physAddr uint64, ok bool)
}

// AllocFreelist implements alloc_freelist(list_index, req) -> page?:
// a single unassociated page from a specific physical free list, used
// for DMA-constrained regions.
func (l *Lifecycle) AllocFreelist(fl FreelistAllocator, listIndex int, flags page.ReqFlags) (*page.Page, error) {
	physAddr, ok := fl.AllocFromList(listIndex)
	if !ok {
		return nil, ErrExhausted
	}
	p := l.sys.Frames.At(physAddr)
	p.ResetFree()
	p.ActCount = l.actInit
	if flags&page.ReqWire != 0 {
		p.IncWire()
		if dom := l.sys.DomainFor(p.PhysAddr); dom != nil {
			dom.IncWireCount()
		}
	}
	return p, nil
}

// Free implements free(page) (spec.md §4.6).
func (l *Lifecycle) Free(p *page.Page) {
	if p.WireCount() != 0 {
		panic("lifecycle: free of a wired page")
	}
	if p.IsBusy() {
		panic("lifecycle: free of a busy page")
	}

	if p.Flags&page.PGFictitious != 0 {
		if obj, ok := p.Object.(*object.Object); ok {
			obj.Remove(p)
		}
		return
	}

	dom := l.sys.DomainFor(p.PhysAddr)
	if dom != nil {
		dom.Queues.Dequeue(p)
	}
	if obj, ok := p.Object.(*object.Object); ok {
		obj.Remove(p)
	}

	if p.HoldCount > 0 {
		p.Flags |= page.PGUnholdFree
		p.Flags &^= page.PGZero
		return
	}

	if p.MemAttr != page.MemAttrDefault {
		l.pm.SetMemAttr(p.PhysAddr, page.MemAttrDefault)
		p.MemAttr = page.MemAttrDefault
	}
	wasZero := p.Flags&page.PGZero != 0
	colored := p.ObjectFlags&page.OFUnmanaged != 0
	p.ResetFree()

	if colored {
		l.sys.Pool.Free(p.PhysAddr, wasZero)
	} else {
		l.sys.PerCPU.Free(l.cpuHint(), p.PhysAddr, wasZero)
	}
}

// Wire implements wire(page) (spec.md §4.6): the 0->1 transition
// removes the page from any queue and bumps the domain's wire
// counter. Fictitious pages keep wire_count at exactly 1 and are left
// untouched.
func (l *Lifecycle) Wire(p *page.Page) {
	if p.Flags&page.PGFictitious != 0 {
		return
	}
	wasZero := p.IncWire()
	if !wasZero {
		return
	}
	dom := l.sys.DomainFor(p.PhysAddr)
	if dom != nil {
		dom.Queues.Dequeue(p)
		dom.IncWireCount()
	}
}

// Unwire implements unwire(page, target_queue): the 1->0 transition
// decrements the wire counter and, if the page still has an object
// and target != NONE, enqueues it there. Fictitious pages keep
// wire_count at exactly 1 and are left untouched.
func (l *Lifecycle) Unwire(p *page.Page, target page.Queue) {
	if p.Flags&page.PGFictitious != 0 {
		return
	}
	becameZero := p.DecWire()
	if !becameZero {
		return
	}
	dom := l.sys.DomainFor(p.PhysAddr)
	if dom != nil {
		dom.DecWireCount()
	}
	if p.Object == nil || target == page.QueueNone {
		return
	}
	switch target {
	case page.QueueActive:
		dom.Queues.EnqueueActive(p, l.actInit)
	case page.QueueInactive:
		p.ClearAtomicFlag(page.PGAWriteable)
		p.Flags &^= page.PGWinAtCfls
		dom.Queues.EnqueueInactiveDeferred(p)
	}
}

// Hold implements hold(page): a soft pin via hold_count.
func (l *Lifecycle) Hold(p *page.Page) {
	l.locks.Lock(p.PhysAddr)
	p.HoldCount++
	l.locks.Unlock(p.PhysAddr)
}

// Unhold implements unhold(page). If hold_count reaches zero on an
// UNHOLDFREE-marked page, the deferred free from Free() completes
// here.
func (l *Lifecycle) Unhold(p *page.Page) {
	l.locks.Lock(p.PhysAddr)
	if p.HoldCount == 0 {
		l.locks.Unlock(p.PhysAddr)
		panic("lifecycle: unhold of a page with hold_count == 0")
	}
	p.HoldCount--
	shouldFree := p.HoldCount == 0 && p.Flags&page.PGUnholdFree != 0
	l.locks.Unlock(p.PhysAddr)
	if shouldFree {
		p.Flags &^= page.PGUnholdFree
		l.Free(p)
	}
}

// UnholdPages coalesces per-page locks across a batch: acquires each
// distinct address-lock bucket at most once (spec.md §4.6
// "unhold_pages").
func (l *Lifecycle) UnholdPages(pages []*page.Page) {
	seen := make(map[int]bool, len(pages))
	var toFree []*page.Page
	for _, p := range pages {
		idx := addrlock.BucketIndex(p.PhysAddr)
		if !seen[idx] {
			l.locks.LockIndex(idx)
			seen[idx] = true
		}
	}
	for _, p := range pages {
		if p.HoldCount == 0 {
			panic("lifecycle: unhold of a page with hold_count == 0")
		}
		p.HoldCount--
		if p.HoldCount == 0 && p.Flags&page.PGUnholdFree != 0 {
			p.Flags &^= page.PGUnholdFree
			toFree = append(toFree, p)
		}
	}
	for idx := range seen {
		l.locks.UnlockIndex(idx)
	}
	for _, p := range toFree {
		l.Free(p)
	}
}

// Activate implements activate(page): move to ACTIVE if manageable
// and not wired, bumping act_count to at least ACT_INIT.
func (l *Lifecycle) Activate(p *page.Page) {
	if p.WireCount() != 0 || p.ObjectFlags&page.OFUnmanaged != 0 {
		return
	}
	dom := l.sys.DomainFor(p.PhysAddr)
	if dom == nil {
		return
	}
	if p.Queue != page.QueueNone {
		dom.Queues.Dequeue(p)
	}
	dom.Queues.EnqueueActive(p, l.actInit)
}

// Deactivate implements deactivate(page). The page is appended to the
// tail of its deferred INACTIVE shard whether or not athead is set;
// athead only additionally marks the page PGWinAtCfls (see Advise).
func (l *Lifecycle) Deactivate(p *page.Page, athead bool) {
	if p.WireCount() != 0 || p.ObjectFlags&page.OFUnmanaged != 0 {
		return
	}
	dom := l.sys.DomainFor(p.PhysAddr)
	if dom == nil {
		return
	}
	if p.Queue != page.QueueNone {
		dom.Queues.Dequeue(p)
	}
	dom.Queues.EnqueueInactiveDeferred(p)
	if athead {
		p.Flags |= page.PGWinAtCfls
	}
}

// Advise implements advise(page, kind) (spec.md §4.6): FREE clears
// dirty and act_count; DONTNEED/FREE then weight reuse via a
// per-lifecycle counter, using the original's bitmask-driven split:
// 1/32 of calls leave the page alone, 3/32 call Deactivate without
// athead, and 28/32 call Deactivate with athead set.
func (l *Lifecycle) Advise(p *page.Page, kind page.Advice) {
	p.ClearAtomicFlag(page.PGAReferenced)

	if kind == page.AdviceFree {
		p.ClearDirtyMask(p.DirtyMask(), l.pm)
		p.ActCount = 0
	}

	if kind != page.AdviceFree && kind != page.AdviceDontNeed {
		if !p.IsDirty() && l.pm.IsModified(p.PhysAddr) {
			p.DirtyKBI()
		}
		return
	}

	dnw := atomic.AddUint32(&l.dnwCounter, 1)
	switch {
	case dnw&0x01F0 == 0:
		// leave alone
	case dnw&0x0070 == 0:
		l.Deactivate(p, false)
	default:
		l.Deactivate(p, true)
	}

	if !p.IsDirty() && l.pm.IsModified(p.PhysAddr) {
		p.DirtyKBI()
	}
}

// Grab implements grab(object, offset, flags) -> page (spec.md §4.6):
// locate-or-allocate, sleeping on a busy resident page and retrying,
// or blocking on vm_wait on pool exhaustion unless NOWAIT is set.
// releaseObjLock/reacquireObjLock let the caller park without holding
// the object's write lock, exactly as the original's grab does.
func (l *Lifecycle) Grab(obj *object.Object, offset uint64, flags page.ReqFlags, releaseObjLock, reacquireObjLock func()) (*page.Page, error) {
	for {
		if p, ok := obj.Index.Lookup(offset); ok {
			if p.IsBusy() {
				l.locks.Lock(p.PhysAddr)
				p.SetAtomicFlag(page.PGAReferenced)
				releaseObjLock()
				p.Sleep(l.locks, l.wake)
				reacquireObjLock()
				continue
			}
			if flags&page.ReqWire != 0 {
				l.Wire(p)
			}
			switch {
			case flags&page.ReqExclBusy != 0:
				p.XBusy()
			case flags&page.ReqSBusy != 0:
				p.SBusy()
			}
			return p, nil
		}

		req := Request{Object: obj, Offset: offset, Flags: flags}
		p, err := l.Alloc(req)
		if err == nil {
			return p, nil
		}
		if flags&page.ReqNoWait != 0 {
			return nil, ErrExhausted
		}
		releaseObjLock()
		l.ctl.VMWait(func() {})
		reacquireObjLock()
	}
}

// Reference is a lightweight read-mostly hint (vm_page_reference in
// the original): mark the page as recently touched without the
// activate/deactivate queue churn.
func (l *Lifecycle) Reference(p *page.Page) {
	p.SetAtomicFlag(page.PGAReferenced)
}

// ReadaheadFinish implements vm_page_readahead_finish: a speculative
// readahead page that was never referenced is demoted back toward
// free reuse instead of being promoted to ACTIVE.
func (l *Lifecycle) ReadaheadFinish(p *page.Page) {
	if p.TestAtomicFlag(page.PGAReferenced) {
		l.Activate(p)
		p.ClearAtomicFlag(page.PGAReferenced)
		return
	}
	l.Deactivate(p, true)
}

// SleepIfBusy implements vm_page_sleep_if_busy: if the page is
// currently busy, park on it and report true so the caller knows to
// retry its lookup; otherwise returns false immediately without
// touching any lock beyond the address bucket itself.
func (l *Lifecycle) SleepIfBusy(p *page.Page, releaseObjLock, reacquireObjLock func()) bool {
	l.locks.Lock(p.PhysAddr)
	if !p.IsBusy() {
		l.locks.Unlock(p.PhysAddr)
		return false
	}
	p.SetAtomicFlag(page.PGAReferenced)
	releaseObjLock()
	p.Sleep(l.locks, l.wake)
	reacquireObjLock()
	return true
}

// Rename implements the object-rename move described alongside
// object.Rename (spec.md §4.4): the index move plus the
// unconditional deactivation of the moved page onto a domain's
// INACTIVE queue.
func (l *Lifecycle) Rename(src, dst *object.Object, p *page.Page, newOffset uint64) error {
	if err := object.Rename(src, dst, p, newOffset, l.pm); err != nil {
		return err
	}
	l.Deactivate(p, false)
	return nil
}

// Fixup runs the deferred-INACTIVE merge pass on every domain,
// summing the merged count. Intended to be driven by
// pagingctl.Controller.StartHousekeeping.
func (l *Lifecycle) Fixup(force bool) int {
	total := 0
	n := l.sys.NumDomains()
	for i := 0; i < n; i++ {
		total += l.sys.Domain(i).Queues.Fixup(force)
	}
	return total
}

// DrainPerCPU flushes every PerCpuCache shard back to FreePool, the
// housekeeping sweep's second half.
func (l *Lifecycle) DrainPerCPU() {
	l.sys.PerCPU.Drain()
}

func init() {
	// The rand.Int result is discarded: Advise's weighting counter is
	// not seeded from it, and every Lifecycle's counter starts at zero.
	_ = rand.Int()
	logger.Debugf("lifecycle: package initialized")
}
