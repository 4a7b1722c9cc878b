package page

import (
	"sync/atomic"

	"github.com/vmkernel/pagecore/vm/pmap"
)

// SetValidRange marks [base, base+size) valid. The caller holds the
// owning object's write lock. Sub-DEV_BSIZE residue immediately
// outside the range is zeroed first if its valid bit is currently
// clear, matching the original's "don't leave stale bytes readable
// inside a half-valid sector" behavior. Panics if any bit the call
// would validate is already marked dirty (spec.md §4.7).
func (p *Page) SetValidRange(base, size int, pm pmap.Hooks) {
	if size == 0 {
		return
	}
	bits := Bits(base, size)
	if bits&^p.valid&p.dirty != 0 {
		panic("vm/page: SetValidRange would validate an already-dirty sector")
	}
	p.zeroResidue(base, size, pm)
	p.valid |= bits
}

// zeroResidue clears the partial sectors that straddle [base,
// base+size) whose valid bit is currently clear, so that validating
// the rest of the sector doesn't expose uninitialized bytes.
func (p *Page) zeroResidue(base, size int, pm pmap.Hooks) {
	if base%DevBSize != 0 {
		sector := base / DevBSize
		if p.valid&(1<<uint(sector)) == 0 {
			frac := base % DevBSize
			pm.ZeroArea(p.PhysAddr, sector*DevBSize, frac)
		}
	}
	end := base + size
	if end%DevBSize != 0 {
		sector := end / DevBSize
		if sector < NSectors && p.valid&(1<<uint(sector)) == 0 {
			frac := end % DevBSize
			pm.ZeroArea(p.PhysAddr, end, DevBSize-frac)
		}
	}
}

// SetValidClean marks [base, base+size) valid and clears any dirty
// bits within it. If the whole page becomes valid, ClearModify runs
// first to avoid a race where a concurrent pmap protect call sets the
// hardware dirty bit between the clear and the caller's write.
// Clears NOSYNC.
func (p *Page) SetValidClean(base, size int, pm pmap.Hooks) {
	bits := Bits(base, size)
	if p.valid|bits == AllValid {
		pm.ClearModify(p.PhysAddr)
	}
	p.SetValidRange(base, size, pm)
	p.dirty &^= bits
	p.ObjectFlags &^= OFNoSync
}

// needsAtomicDirty reports whether a dirty-bit clear must go through
// atomic RMW rather than a plain store: true when the page is
// exclusively busy (another thread's sbusy reader might race a plain
// store) or currently write-mapped (pmap could set the bit
// concurrently via a hardware write).
func (p *Page) needsAtomicDirty(pm pmap.Hooks) bool {
	return p.IsExclusiveBusy() || pm.IsWriteMapped(p.PhysAddr)
}

// ClearDirty clears the dirty bits covering [base, base+size).
func (p *Page) ClearDirty(base, size int, pm pmap.Hooks) {
	p.ClearDirtyMask(Bits(base, size), pm)
}

// ClearDirtyMask clears exactly the bits in mask. Uses a plain store
// under the object lock when safe, or an atomic AND when the page is
// exclusively busy or write-mapped (spec.md §4.7).
func (p *Page) ClearDirtyMask(mask uint32, pm pmap.Hooks) {
	if !p.needsAtomicDirty(pm) {
		p.dirty &^= mask
		return
	}
	for {
		old := atomic.LoadUint32(&p.dirty)
		next := old &^ mask
		if atomic.CompareAndSwapUint32(&p.dirty, old, next) {
			return
		}
	}
}

// SetInvalid clears both valid and dirty for [base, base+size). If
// base==0 and the range extends past vnodeSize (the owning
// vnode-backed object's current size in bytes, or -1 if not
// applicable), the whole page is invalidated instead. If the page was
// fully valid beforehand, every hardware mapping is removed.
func (p *Page) SetInvalid(base, size int, vnodeSize int64, pm pmap.Hooks) {
	wasFullyValid := p.IsFullyValid()
	bits := Bits(base, size)
	if base == 0 && vnodeSize >= 0 && int64(base+size) > vnodeSize {
		bits = AllValid
	}
	p.valid &^= bits
	p.dirty &^= bits
	if wasFullyValid {
		pm.RemoveAll(p.PhysAddr)
	}
}

// ZeroInvalid zeros the sub-block gaps inside the page that are not
// yet valid, optionally marking the whole page valid afterward.
func (p *Page) ZeroInvalid(setValid bool, pm pmap.Hooks) {
	for sector := 0; sector < NSectors; sector++ {
		if p.valid&(1<<uint(sector)) == 0 {
			pm.ZeroArea(p.PhysAddr, sector*DevBSize, DevBSize)
		}
	}
	if setValid {
		p.valid = AllValid
	}
}

// DirtyKBI sets dirty = ALL. Must only be called on a fully-valid
// page (vm_page_dirty_KBI in the original, which mirrors a historical
// KBI that didn't take a range).
func (p *Page) DirtyKBI() {
	if !p.IsFullyValid() {
		panic("vm/page: DirtyKBI on a page that is not fully valid")
	}
	p.dirty = AllValid
}

// TestDirty marks the page fully dirty if it isn't already and pmap
// reports the page as hardware-modified.
func (p *Page) TestDirty(pm pmap.Hooks) {
	if p.dirty != AllValid && pm.IsModified(p.PhysAddr) {
		p.DirtyKBI()
	}
}

// ForceDirtyAll sets dirty = ALL without DirtyKBI's fully-valid
// precondition, for Rename's "the backing swap becomes stale"
// semantics (spec.md §4.4), which can legitimately dirty a
// partially-valid page.
func (p *Page) ForceDirtyAll() {
	p.dirty = AllValid
}
