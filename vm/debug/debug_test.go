package debug

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel/pagecore/vm/addrlock"
	"github.com/vmkernel/pagecore/vm/domain"
	"github.com/vmkernel/pagecore/vm/freepool"
	"github.com/vmkernel/pagecore/vm/page"
	"github.com/vmkernel/pagecore/vm/pagequeue"
	"github.com/vmkernel/pagecore/vm/pagingctl"
	"github.com/vmkernel/pagecore/vm/percpu"
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
	return 0, false
}

func (a *fakeAllocator) FreePages(physAddr uint64, n int) {
	for i := 0; i < n; i++ {
		a.free = append(a.free, physAddr+uint64(i)*page.PageSize)
	}
}

func newSystem(t *testing.T) *domain.System {
	t.Helper()
	alloc := newFakeAllocator(32)
	ctl := pagingctl.New(8)
	pool := freepool.New(alloc, ctl, freepool.Config{})
	pool.Seed(32, 0)
	cpu := percpu.New(pool, 1)
	locks := addrlock.New()
	return domain.New(domain.Config{
		NumDomains:      1,
		FramesPerDomain: 32,
		BaseAddr:        0x10000,
		Thresholds:      pagequeue.Thresholds{PaqLenThresh: 4, MaxDeferred: 256},
		ActInit:         5,
	}, pool, cpu, []*addrlock.Table{locks})
}

func TestShowPageIncludesCoreFields(t *testing.T) {
	p := page.New(0x1000)
	out := ShowPage(p)
	require.Contains(t, out, "page 0x1000")
	require.Contains(t, out, "object=<none>")
	require.Contains(t, out, "wire_count=0")
}

func TestShowPageQueueIncludesEachDomain(t *testing.T) {
	sys := newSystem(t)
	out := ShowPageQueue(sys)
	require.True(t, strings.HasPrefix(out, "free="))
	require.Contains(t, out, "domain 0:")
}

func TestShowPageInfoIsOneLine(t *testing.T) {
	p := page.New(0x2000)
	out := ShowPageInfo(p)
	require.False(t, strings.Contains(out, "\n"))
	require.Contains(t, out, "0x2000")
}
