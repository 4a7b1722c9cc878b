package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
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

func newHarness(t *testing.T) (*domain.System, *percpu.Array, *pagingctl.Controller) {
	t.Helper()
	alloc := newFakeAllocator(64)
	ctl := pagingctl.New(8)
	pool := freepool.New(alloc, ctl, freepool.Config{})
	pool.Seed(64, 0)
	cpu := percpu.New(pool, 1)
	locks := addrlock.New()
	sys := domain.New(domain.Config{
		NumDomains:      1,
		FramesPerDomain: 64,
		BaseAddr:        0x10000,
		Thresholds:      pagequeue.Thresholds{PaqLenThresh: 4, MaxDeferred: 256},
		ActInit:         5,
	}, pool, cpu, []*addrlock.Table{locks})
	return sys, cpu, ctl
}

func gaugeValue(t *testing.T, g prometheus.GaugeFunc) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestFreeCountReflectsPoolAndPerCPU(t *testing.T) {
	sys, cpu, ctl := newHarness(t)
	m := New(sys, cpu, ctl)
	require.Equal(t, float64(sys.Pool.FreeCount())+float64(cpu.TotalLen()), gaugeValue(t, m.FreeCount))
}

func TestPageoutDeficitTracksController(t *testing.T) {
	sys, cpu, ctl := newHarness(t)
	m := New(sys, cpu, ctl)
	ctl.NoteDeficit(3)
	require.Equal(t, float64(3), gaugeValue(t, m.PageoutDeficit))
}

func TestRefreshPopulatesPerDomainVecs(t *testing.T) {
	sys, cpu, ctl := newHarness(t)
	m := New(sys, cpu, ctl)
	m.Refresh(sys)

	val := &dto.Metric{}
	require.NoError(t, m.ActiveLen.WithLabelValues("0").Write(val))
	require.Equal(t, float64(0), val.GetGauge().GetValue())
}

func TestRegisterAddsEveryCollector(t *testing.T) {
	sys, cpu, ctl := newHarness(t)
	m := New(sys, cpu, ctl)
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
}
