package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel/pagecore/vm/addrlock"
	"github.com/vmkernel/pagecore/vm/domain"
	"github.com/vmkernel/pagecore/vm/freepool"
	"github.com/vmkernel/pagecore/vm/object"
	"github.com/vmkernel/pagecore/vm/page"
	"github.com/vmkernel/pagecore/vm/pagequeue"
	"github.com/vmkernel/pagecore/vm/pagingctl"
	"github.com/vmkernel/pagecore/vm/percpu"
	"github.com/vmkernel/pagecore/vm/pmap"
	"github.com/vmkernel/pagecore/vm/wakeup"
)

type fakeAllocator struct {
	next uint64
	free []uint64
}

func newFakeAllocator(n int) *fakeAllocator {
	a := &fakeAllocator{next: 0x10000}
	for i := 0; i < n; i++ {
		a.free = append(a.free, a.next)
		a.next += page.PageSize
	}
	return a
}

func (a *fakeAllocator) AllocPages() (uint64, bool, bool) {
	if len(a.free) == 0 {
		return 0, false, false
	}
	pa := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return pa, false, true
}

func (a *fakeAllocator) AllocContig(n int, low, high, align, boundary uint64) (uint64, bool) {
	if len(a.free) < n {
		return 0, false
	}
	base := a.free[len(a.free)-n]
	a.free = a.free[:len(a.free)-n]
	return base, true
}

func (a *fakeAllocator) FreePages(physAddr uint64, n int) {
	for i := 0; i < n; i++ {
		a.free = append(a.free, physAddr+uint64(i)*page.PageSize)
	}
}

type harness struct {
	lc   *Lifecycle
	sys  *domain.System
	pool *freepool.FreePool
	cpu  *percpu.Array
	pm   *pmap.Fake
	locks *addrlock.Table
}

func newHarness(t *testing.T, npages int) *harness {
	t.Helper()
	alloc := newFakeAllocator(npages)
	ctl := pagingctl.New(8)
	pool := freepool.New(alloc, ctl, freepool.Config{Reserved: 4})
	pool.Seed(int64(npages), 0)
	cpu := percpu.New(pool, 1)

	locks := addrlock.New()
	sys := domain.New(domain.Config{
		NumDomains:      1,
		FramesPerDomain: npages,
		BaseAddr:        0x10000,
		Thresholds:      pagequeue.Thresholds{PaqLenThresh: 4, MaxDeferred: 256},
		ActInit:         5,
	}, pool, cpu, []*addrlock.Table{locks})

	pm := pmap.NewFake()
	lc := New(Config{
		System:  sys,
		Locks:   locks,
		Wake:    wakeup.New(),
		Ctl:     ctl,
		Pmap:    pm,
		ActInit: 5,
	})
	return &harness{lc: lc, sys: sys, pool: pool, cpu: cpu, pm: pm, locks: locks}
}

// Scenario 1 of spec.md §8: fill and drain.
func TestAllocFreeFillAndDrain(t *testing.T) {
	h := newHarness(t, 2000)
	obj := object.New(object.TypeAnonymous, nil)

	start := h.sys.TotalFreeCount() + uint64(h.cpu.TotalLen())

	const n = 1024
	pages := make([]*page.Page, n)
	for i := 0; i < n; i++ {
		p, err := h.lc.Alloc(Request{Object: obj, Offset: uint64(i), Flags: page.ReqNoBusy})
		require.NoError(t, err)
		require.Zero(t, p.ValidMask())
		require.Zero(t, p.DirtyMask())
		require.Equal(t, page.QueueNone, p.Queue)
		pages[i] = p
	}

	for _, p := range pages {
		h.lc.Free(p)
	}

	require.Equal(t, 0, obj.Index.ResidentCount())
	end := h.sys.TotalFreeCount() + uint64(h.cpu.TotalLen())
	require.Equal(t, start, end)
}

func TestAllocRejectsContractViolation(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.lc.Alloc(Request{Object: nil, Offset: 0})
	require.ErrorIs(t, err, ErrBadRequest)

	obj := object.New(object.TypeAnonymous, nil)
	_, err = h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoObj})
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoBusy | page.ReqSBusy})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestAllocExhaustionBumpsDeficit(t *testing.T) {
	h := newHarness(t, 0)
	obj := object.New(object.TypeAnonymous, nil)
	_, err := h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoBusy})
	require.ErrorIs(t, err, ErrExhausted)
	require.NotZero(t, h.lc.ctl.Deficit())
}

// Scenario 4 of spec.md §8: hold-on-free.
func TestHoldOnFreeDefersRelease(t *testing.T) {
	h := newHarness(t, 100)
	obj := object.New(object.TypeAnonymous, nil)
	p, err := h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoBusy})
	require.NoError(t, err)

	h.lc.Hold(p)
	start := h.sys.TotalFreeCount() + uint64(h.cpu.TotalLen())

	h.lc.Free(p)
	require.NotZero(t, p.Flags&page.PGUnholdFree)
	require.Equal(t, start, h.sys.TotalFreeCount()+uint64(h.cpu.TotalLen()))

	h.lc.Unhold(p)
	require.Equal(t, start+1, h.sys.TotalFreeCount()+uint64(h.cpu.TotalLen()))
}

// Scenario 5 of spec.md §8: replace.
func TestReplaceViaObjectAndLifecycle(t *testing.T) {
	h := newHarness(t, 100)
	obj := object.New(object.TypeAnonymous, nil)
	p1, err := h.lc.Alloc(Request{Object: obj, Offset: 7, Flags: page.ReqNoBusy})
	require.NoError(t, err)

	p2, err := h.lc.Alloc(Request{Flags: page.ReqNoObj | page.ReqNoBusy})
	require.NoError(t, err)

	old, err := obj.Replace(p2, 7)
	require.NoError(t, err)
	require.Same(t, p1, old)
	require.Nil(t, old.Object)
	require.Equal(t, page.QueueNone, old.Queue)

	got, ok := obj.Index.Lookup(7)
	require.True(t, ok)
	require.Same(t, p2, got)
	require.Equal(t, 1, obj.Index.ResidentCount())
}

func TestWireUnwireRequeues(t *testing.T) {
	h := newHarness(t, 100)
	obj := object.New(object.TypeAnonymous, nil)
	p, err := h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoBusy})
	require.NoError(t, err)

	h.lc.Activate(p)
	require.Equal(t, page.QueueActive, p.Queue)

	h.lc.Wire(p)
	require.Equal(t, uint32(1), p.WireCount())
	require.Equal(t, page.QueueNone, p.Queue)

	h.lc.Unwire(p, page.QueueActive)
	require.Equal(t, uint32(0), p.WireCount())
	require.Equal(t, page.QueueActive, p.Queue)
}

func TestFictitiousWireCountNeverDropsToZero(t *testing.T) {
	p := page.NewFictitious(0xdead0000, page.MemAttrDefault)
	require.Equal(t, uint32(1), p.WireCount())

	h := newHarness(t, 10)
	h.lc.Wire(p)
	require.Equal(t, uint32(1), p.WireCount())
	h.lc.Unwire(p, page.QueueActive)
	require.Equal(t, uint32(1), p.WireCount())
	require.Equal(t, page.QueueNone, p.Queue)
}

// Scenario 6 of spec.md §8: advise FREE.
func TestAdviseFreeClearsDirtyAndActCount(t *testing.T) {
	h := newHarness(t, 100)
	obj := object.New(object.TypeAnonymous, nil)
	p, err := h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoBusy})
	require.NoError(t, err)
	p.SetValidClean(0, page.PageSize, h.pm)
	p.ForceDirtyAll()
	p.ActCount = 20

	h.lc.Advise(p, page.AdviceFree)
	require.Zero(t, p.DirtyMask())
	require.Zero(t, p.ActCount)
}

func TestGrabLocatesOrAllocates(t *testing.T) {
	h := newHarness(t, 100)
	obj := object.New(object.TypeAnonymous, nil)
	noop := func() {}

	p1, err := h.lc.Grab(obj, 5, page.ReqNoBusy, noop, noop)
	require.NoError(t, err)

	p2, err := h.lc.Grab(obj, 5, page.ReqNoBusy, noop, noop)
	require.NoError(t, err)
	require.Same(t, p1, p2)

	got, ok := obj.Index.Lookup(5)
	require.True(t, ok)
	require.Same(t, p1, got)
}

func TestFreePanicsOnWiredOrBusyPage(t *testing.T) {
	h := newHarness(t, 100)
	obj := object.New(object.TypeAnonymous, nil)

	wired, err := h.lc.Alloc(Request{Object: obj, Offset: 0, Flags: page.ReqNoBusy | page.ReqWire})
	require.NoError(t, err)
	require.Panics(t, func() { h.lc.Free(wired) })

	h.lc.Unwire(wired, page.QueueNone)

	busy, err := h.lc.Alloc(Request{Object: obj, Offset: 1, Flags: page.ReqExclBusy})
	require.NoError(t, err)
	require.Panics(t, func() { h.lc.Free(busy) })
}
