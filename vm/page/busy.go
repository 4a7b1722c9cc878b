package page

import (
	"sync/atomic"

	"github.com/vmkernel/pagecore/vm/addrlock"
	"github.com/vmkernel/pagecore/vm/wakeup"
)

// busyLock encoding: bit 0 is WAITERS, bit 1 is EXCLUSIVE, and the
// shared-holder count occupies the remaining high bits. UNBUSIED is
// the zero word.
const (
	busyWaiters   uint32 = 1 << 0
	busyExclusive uint32 = 1 << 1
	busyShift            = 2
)

func sharedCount(word uint32) uint32 {
	return word >> busyShift
}

func makeShared(n uint32, waiters bool) uint32 {
	w := n << busyShift
	if waiters {
		w |= busyWaiters
	}
	return w
}

// IsBusy reports whether the page is exclusively or shared busy.
func (p *Page) IsBusy() bool {
	return atomic.LoadUint32(&p.busyLock) != 0
}

// IsExclusiveBusy reports whether the page is exclusively busy.
func (p *Page) IsExclusiveBusy() bool {
	return atomic.LoadUint32(&p.busyLock)&busyExclusive != 0
}

// IsSharedBusy reports whether the page has one or more shared
// busy holders.
func (p *Page) IsSharedBusy() bool {
	w := atomic.LoadUint32(&p.busyLock)
	return w&busyExclusive == 0 && sharedCount(w) > 0
}

// XBusy attempts UNBUSIED -> SINGLE_EXCLUSIVE. Fails (returns false)
// if the page is already busy in any form.
func (p *Page) XBusy() bool {
	return atomic.CompareAndSwapUint32(&p.busyLock, 0, busyExclusive)
}

// TrySBusy attempts a single N -> N+1 shared-busy transition. Fails
// immediately (no retry) if the page is exclusively busy or if the
// single CAS attempt loses a race.
func (p *Page) TrySBusy() bool {
	old := atomic.LoadUint32(&p.busyLock)
	if old&busyExclusive != 0 {
		return false
	}
	next := makeShared(sharedCount(old)+1, old&busyWaiters != 0)
	return atomic.CompareAndSwapUint32(&p.busyLock, old, next)
}

// SBusy retries the N -> N+1 shared-busy CAS until it succeeds or the
// page is observed exclusively busy.
func (p *Page) SBusy() bool {
	for {
		old := atomic.LoadUint32(&p.busyLock)
		if old&busyExclusive != 0 {
			return false
		}
		next := makeShared(sharedCount(old)+1, old&busyWaiters != 0)
		if atomic.CompareAndSwapUint32(&p.busyLock, old, next) {
			return true
		}
	}
}

// SUnbusy releases one shared-busy hold. On the last release it
// clears the waiters bit and, under the page's address-lock bucket,
// wakes anyone parked on this page. locks/wake may be nil only in
// tests that never exercise the waiters path.
func (p *Page) SUnbusy(locks *addrlock.Table, wake *wakeup.Station) {
	for {
		old := atomic.LoadUint32(&p.busyLock)
		cnt := sharedCount(old)
		if old&busyExclusive != 0 || cnt == 0 {
			panic("vm/page: sunbusy on a page that is not shared-busy")
		}
		if cnt > 1 {
			next := makeShared(cnt-1, old&busyWaiters != 0)
			if atomic.CompareAndSwapUint32(&p.busyLock, old, next) {
				return
			}
			continue
		}
		// Last shared holder: clearing the word and honoring the
		// waiters bit must happen while the page lock is held, or a
		// sleeper's concurrent "set WAITERS, register, release" can
		// race past this wakeup and block forever.
		if locks != nil {
			locks.Lock(p.PhysAddr)
		}
		old = atomic.LoadUint32(&p.busyLock)
		hadWaiters := old&busyWaiters != 0
		atomic.StoreUint32(&p.busyLock, 0)
		if locks != nil {
			locks.Unlock(p.PhysAddr)
		}
		if hadWaiters && wake != nil {
			wake.Wake(p.PhysAddr)
		}
		return
	}
}

// XUnbusy releases exclusive busy, symmetric to SUnbusy.
func (p *Page) XUnbusy(locks *addrlock.Table, wake *wakeup.Station) {
	old := atomic.LoadUint32(&p.busyLock)
	if old&busyExclusive == 0 {
		panic("vm/page: xunbusy on a page that is not exclusively busy")
	}
	if old&busyWaiters == 0 {
		if atomic.CompareAndSwapUint32(&p.busyLock, old, 0) {
			return
		}
	}
	if locks != nil {
		locks.Lock(p.PhysAddr)
	}
	old = atomic.LoadUint32(&p.busyLock)
	hadWaiters := old&busyWaiters != 0
	atomic.StoreUint32(&p.busyLock, 0)
	if locks != nil {
		locks.Unlock(p.PhysAddr)
	}
	if hadWaiters && wake != nil {
		wake.Wake(p.PhysAddr)
	}
}

// Downgrade atomically moves SINGLE_EXCLUSIVE to N_SHARED(1),
// preserving the waiters bit, retrying the CAS if a concurrent sbusy
// waiter sets WAITERS between the load and the swap.
func (p *Page) Downgrade() {
	for {
		old := atomic.LoadUint32(&p.busyLock)
		if old&busyExclusive == 0 {
			panic("vm/page: downgrade on a page that is not exclusively busy")
		}
		next := makeShared(1, old&busyWaiters != 0)
		if atomic.CompareAndSwapUint32(&p.busyLock, old, next) {
			return
		}
	}
}

// Flash wakes every waiter on this page without changing busy state
// (vm_page_flash in the original).
func (p *Page) Flash(locks *addrlock.Table, wake *wakeup.Station) {
	if locks != nil {
		locks.Lock(p.PhysAddr)
	}
	old := atomic.LoadUint32(&p.busyLock)
	hadWaiters := old&busyWaiters != 0
	if hadWaiters {
		atomic.StoreUint32(&p.busyLock, old&^busyWaiters)
	}
	if locks != nil {
		locks.Unlock(p.PhysAddr)
	}
	if hadWaiters && wake != nil {
		wake.Wake(p.PhysAddr)
	}
}

// Sleep parks the calling goroutine until the page becomes unbusied
// or otherwise signaled. The caller must already hold the page's
// address-lock bucket (locks.Lock(p.PhysAddr)); Sleep sets the
// WAITERS bit, subscribes to the page's wait channel, releases the
// page lock, and blocks. On return the caller must re-validate the
// condition it was waiting on and retry (no state is re-acquired
// automatically).
func (p *Page) Sleep(locks *addrlock.Table, wake *wakeup.Station) {
	for {
		old := atomic.LoadUint32(&p.busyLock)
		if old == 0 {
			// Nothing to wait on; avoid parking forever.
			locks.Unlock(p.PhysAddr)
			return
		}
		if old&busyWaiters != 0 {
			break
		}
		if atomic.CompareAndSwapUint32(&p.busyLock, old, old|busyWaiters) {
			break
		}
	}
	ch := wake.Subscribe(p.PhysAddr)
	locks.Unlock(p.PhysAddr)
	<-ch
}
