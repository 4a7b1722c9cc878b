// Package metrics exports the process-wide counters and gauges named
// in SPEC_FULL.md's DOMAIN STACK section: free_count, zero_count,
// wire_count, per-queue lengths, pageout_deficit, and PerCpuCache
// hit/miss. Grounded on talyz-systemd_exporter's systemd.Collector,
// which registers prometheus.Desc-backed gauges against a process's
// live state; here the simpler shape is a plain registered
// prometheus.GaugeFunc/CounterFunc set rather than a custom Collector,
// since there is no scrape-target enumeration step the core needs to
// do per collection (one System, one set of domains, known up front).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmkernel/pagecore/vm/domain"
	"github.com/vmkernel/pagecore/vm/pagingctl"
	"github.com/vmkernel/pagecore/vm/percpu"
)

const namespace = "vmcore"

// MetricsSet is the registered gauge/counter family for one System.
type MetricsSet struct {
	FreeCount       prometheus.GaugeFunc
	ZeroCount       prometheus.GaugeFunc
	WireCount       prometheus.GaugeFunc
	ActiveLen       *prometheus.GaugeVec
	InactiveLen     *prometheus.GaugeVec
	DeferredTotal   *prometheus.GaugeVec
	PageoutDeficit  prometheus.GaugeFunc
	PerCPUHits      prometheus.CounterFunc
	PerCPUMisses    prometheus.CounterFunc
}

// New builds a MetricsSet reading live state from sys, cpu, and ctl.
// Callers register it with a prometheus.Registerer of their choosing
// (New does not register anything itself, so tests can build a
// MetricsSet without a global registry side effect).
func New(sys *domain.System, cpu *percpu.Array, ctl *pagingctl.Controller) *MetricsSet {
	m := &MetricsSet{
		ActiveLen:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "active_pages", Help: "Pages on the ACTIVE queue, per domain."}, []string{"domain"}),
		InactiveLen:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "inactive_pages", Help: "Pages on the INACTIVE queue (master list), per domain."}, []string{"domain"}),
		DeferredTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "inactive_deferred_pages", Help: "Pages sitting in an unmerged INACTIVE deferred shard, per domain."}, []string{"domain"}),
	}

	m.FreeCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "free_pages", Help: "System-wide free page count (pool plus per-CPU caches).",
	}, func() float64 { return float64(sys.TotalFreeCount()) + float64(cpu.TotalLen()) })

	m.ZeroCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "zero_pages", Help: "Free pages known to already be zeroed.",
	}, func() float64 { return float64(sys.Pool.ZeroCount()) })

	m.WireCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "wired_pages", Help: "System-wide wired page count.",
	}, func() float64 {
		var total uint64
		for i := 0; i < sys.NumDomains(); i++ {
			total += sys.Domain(i).WireCount()
		}
		return float64(total)
	})

	m.PageoutDeficit = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "pageout_deficit", Help: "Pages the page-out daemon owes the allocator after exhaustion.",
	}, func() float64 { return float64(ctl.Deficit()) })

	m.PerCPUHits = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "percpu_cache_hits_total", Help: "Alloc calls served directly from a per-CPU cache shard.",
	}, func() float64 { hits, _ := cpu.HitMiss(); return float64(hits) })

	m.PerCPUMisses = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "percpu_cache_misses_total", Help: "Alloc calls that fell through a per-CPU cache shard to FreePool.",
	}, func() float64 { _, misses := cpu.HitMiss(); return float64(misses) })

	return m
}

// Refresh samples per-domain queue lengths into the GaugeVecs. Call
// periodically (e.g. from the same housekeeping cron tick that drives
// fixup) since, unlike the GaugeFuncs above, a GaugeVec has no lazy
// pull hook per label combination.
func (m *MetricsSet) Refresh(sys *domain.System) {
	for i := 0; i < sys.NumDomains(); i++ {
		d := sys.Domain(i)
		label := domainLabel(i)
		m.ActiveLen.WithLabelValues(label).Set(float64(d.Queues.ActiveLen()))
		m.InactiveLen.WithLabelValues(label).Set(float64(d.Queues.InactiveLen()))
		m.DeferredTotal.WithLabelValues(label).Set(float64(d.Queues.DeferredTotal()))
	}
}

// Register adds every metric in the set to reg.
func (m *MetricsSet) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.FreeCount, m.ZeroCount, m.WireCount,
		m.ActiveLen, m.InactiveLen, m.DeferredTotal,
		m.PageoutDeficit, m.PerCPUHits, m.PerCPUMisses,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func domainLabel(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	// Domain counts beyond single digits are not expected in practice
	// (spec.md's NUMA-bucket model), but avoid silently mislabeling.
	buf := []byte{}
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}
