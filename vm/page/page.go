// Package page implements the fundamental Page type of spec.md §3: the
// per-frame control block, its busy protocol (busy.go), and its
// sub-page dirty/valid bitmap algebra (dirty.go). Fields are annotated
// with which lock (per spec.md §5) a caller must hold to touch them;
// the type itself enforces none of that beyond the atomic fields,
// exactly as the original leaves locking discipline to call sites.
package page

import "sync/atomic"

// ObjectRef is a non-owning, comparable identity for whatever
// MemoryObject currently owns a page. vm/object.Object implements it;
// kept as an interface here so vm/page has no import-cycle dependency
// on vm/object.
type ObjectRef interface {
	// ObjectID returns a stable identifier, used only for debug
	// output and equality checks by callers that already hold the
	// object's lock.
	ObjectID() uint64
}

// Page is one resident (or free, or fictitious) physical frame.
type Page struct {
	// PhysAddr is immutable for the lifetime of a non-fictitious page
	// and is also the key used to pick this page's address-lock
	// bucket (spec.md §5 lock #2).
	PhysAddr uint64

	// Owned by the MemoryObject write-lock (spec.md §5 lock #1) while
	// non-nil. A page with Object == nil is not resident in any
	// object: free, percpu-cached, or fictitious.
	Object ObjectRef
	Offset uint64

	// Owned by the page lock (the address-lock bucket hashing
	// PhysAddr) and, for the master lists, additionally by the
	// relevant queue lock.
	Queue      Queue
	QueueFlags QueueFlags
	HoldCount  uint32
	ActCount   uint16

	// wireCount uses atomic RMW per spec.md §5 so it can be read
	// lock-free from pmap callbacks.
	wireCount uint32

	// busyLock is the busy-protocol word (busy.go), atomic RMW only.
	busyLock uint32

	// atomicFlags, see flags.go, atomic RMW only.
	atomicFlags uint32

	// Sticky flags, cleared only by explicit operations. Conceptually
	// owned by whichever subsystem currently owns the page outright
	// (FreePool, a PerCpuCache, an object, or a busied caller) since
	// only one such owner exists at a time.
	Flags       Flags
	ObjectFlags ObjectFlags
	MemAttr     MemAttr

	// valid/dirty: owned by the object write-lock, except the
	// documented atomic-RMW paths in ClearDirty/ClearDirtyMask
	// (dirty.go) used when the page is exclusively busy or
	// write-mapped.
	valid uint32
	dirty uint32
}

// New returns a page born in the FREE state (spec.md §3 invariant 7).
func New(physAddr uint64) *Page {
	return &Page{PhysAddr: physAddr}
}

// NewFictitious returns a page representing device memory or another
// external resource that FreePool does not own. Fictitious pages hold
// wire_count == 1 for their entire lifetime (spec.md invariant 4) and
// never enter a placement queue.
func NewFictitious(physAddr uint64, attr MemAttr) *Page {
	p := &Page{PhysAddr: physAddr, MemAttr: attr}
	p.Flags |= PGFictitious
	p.wireCount = 1
	return p
}

// UpdateFictitious repoints a fictitious page at a new physical
// address and attribute without a free/alloc cycle (vm_page_updatefake
// in the original).
func (p *Page) UpdateFictitious(physAddr uint64, attr MemAttr) {
	if p.Flags&PGFictitious == 0 {
		panic("vm/page: UpdateFictitious on a non-fictitious page")
	}
	p.PhysAddr = physAddr
	p.MemAttr = attr
}

// IsFree reports whether the page currently satisfies spec.md §3
// invariant 7: unowned, unqueued, unwired, unheld, and clean.
func (p *Page) IsFree() bool {
	return p.Object == nil &&
		p.Queue == QueueNone &&
		atomic.LoadUint32(&p.wireCount) == 0 &&
		p.HoldCount == 0 &&
		p.valid == 0 &&
		p.dirty == 0 &&
		atomic.LoadUint32(&p.busyLock) == 0
}

// ResetFree clears every field so the page again satisfies IsFree.
// Callers (FreePool, PerCpuCache) must already hold whatever lock
// protects the page's membership in the structure they are resetting
// it into.
func (p *Page) ResetFree() {
	p.Object = nil
	p.Offset = 0
	p.Queue = QueueNone
	p.QueueFlags = 0
	p.HoldCount = 0
	p.ActCount = 0
	atomic.StoreUint32(&p.wireCount, 0)
	atomic.StoreUint32(&p.busyLock, 0)
	atomic.StoreUint32(&p.atomicFlags, 0)
	p.Flags = 0
	p.ObjectFlags = 0
	p.valid = 0
	p.dirty = 0
}

// WireCount returns the current wire count, lock-free.
func (p *Page) WireCount() uint32 {
	return atomic.LoadUint32(&p.wireCount)
}

// IncWire bumps the wire count and reports whether this was the 0->1
// transition.
func (p *Page) IncWire() (wasZero bool) {
	return atomic.AddUint32(&p.wireCount, 1) == 1
}

// DecWire drops the wire count and reports whether this was the 1->0
// transition. Panics on an unbalanced unwire (spec.md §7).
func (p *Page) DecWire() (becameZero bool) {
	for {
		old := atomic.LoadUint32(&p.wireCount)
		if old == 0 {
			panic("vm/page: unwire of a page with wire_count == 0")
		}
		if atomic.CompareAndSwapUint32(&p.wireCount, old, old-1) {
			return old-1 == 0
		}
	}
}

// SetAtomicFlag and ClearAtomicFlag/TestAtomicFlag manipulate the
// REFERENCED/WRITEABLE bits with atomic RMW (spec.md §3).
func (p *Page) SetAtomicFlag(f AtomicFlags) {
	for {
		old := atomic.LoadUint32(&p.atomicFlags)
		if old&uint32(f) == uint32(f) {
			return
		}
		if atomic.CompareAndSwapUint32(&p.atomicFlags, old, old|uint32(f)) {
			return
		}
	}
}

func (p *Page) ClearAtomicFlag(f AtomicFlags) {
	for {
		old := atomic.LoadUint32(&p.atomicFlags)
		if old&uint32(f) == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&p.atomicFlags, old, old&^uint32(f)) {
			return
		}
	}
}

func (p *Page) TestAtomicFlag(f AtomicFlags) bool {
	return atomic.LoadUint32(&p.atomicFlags)&uint32(f) != 0
}

// IsDirty reports whether any sector is marked dirty.
func (p *Page) IsDirty() bool { return p.dirty != 0 }

// IsFullyValid reports whether every sector is valid.
func (p *Page) IsFullyValid() bool { return p.valid == AllValid }

// IsFullyDirty reports whether every sector is dirty.
func (p *Page) IsFullyDirty() bool { return p.dirty == AllValid }

// ValidMask and DirtyMask expose the raw bitmaps for diagnostics.
func (p *Page) ValidMask() uint32 { return p.valid }
func (p *Page) DirtyMask() uint32 { return p.dirty }
