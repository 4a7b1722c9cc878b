// Package pagequeue implements PageQueues (spec.md §4.5): the ACTIVE
// and INACTIVE master queues, INACTIVE's PA_LOCK_COUNT deferred
// shards, and the fixup pass that merges them. Grounded on the
// teacher's LRU young/old list split (buffer_lru.go), generalized from
// a two-tier young/old split to the deferred-shard/master split this
// spec calls for.
package pagequeue

import (
	"container/list"
	"sync"

	"github.com/vmkernel/pagecore/vm/addrlock"
	"github.com/vmkernel/pagecore/vm/page"
)

// Thresholds holds the auto-sized paqlenthresh/max_deferred pair
// (spec.md §4.5 table).
type Thresholds struct {
	PaqLenThresh int
	MaxDeferred  int
}

// ThresholdsFor selects the table row for totalPages.
func ThresholdsFor(totalPages int) Thresholds {
	switch {
	case totalPages < 1<<18:
		return Thresholds{PaqLenThresh: 4, MaxDeferred: 256}
	case totalPages < 1<<21:
		return Thresholds{PaqLenThresh: 16, MaxDeferred: 1024}
	default:
		return Thresholds{PaqLenThresh: 64, MaxDeferred: 4096}
	}
}

type master struct {
	mu    sync.Mutex
	list  list.List
	elems map[*page.Page]*list.Element
	count int
}

func newMaster() *master {
	m := &master{elems: make(map[*page.Page]*list.Element)}
	m.list.Init()
	return m
}

type shard struct {
	mu    sync.Mutex
	list  list.List
	elems map[*page.Page]*list.Element
	count int
}

// Queues holds one domain's ACTIVE and INACTIVE queues, including
// INACTIVE's deferred shards.
type Queues struct {
	locks *addrlock.Table

	active   *master
	inactive *master

	shards []shard

	thresholds Thresholds

	deferredMu    sync.Mutex
	deferredTotal int
}

// New builds a Queues instance. locks must be the same address-lock
// table the page's busy protocol uses, since the deferred shard index
// is the page's own address-lock bucket (spec.md §4.5).
func New(locks *addrlock.Table, thresholds Thresholds) *Queues {
	q := &Queues{
		locks:      locks,
		active:     newMaster(),
		inactive:   newMaster(),
		shards:     make([]shard, addrlock.PALockCount),
		thresholds: thresholds,
	}
	for i := range q.shards {
		q.shards[i].elems = make(map[*page.Page]*list.Element)
		q.shards[i].list.Init()
	}
	return q
}

// EnqueueActive places p on the tail of the master ACTIVE list,
// ensuring act_count is at least ACT_INIT (spec.md §4.5).
func (q *Queues) EnqueueActive(p *page.Page, actInit uint16) {
	if p.ActCount < actInit {
		p.ActCount = actInit
	}
	q.active.mu.Lock()
	e := q.active.list.PushBack(p)
	q.active.elems[p] = e
	q.active.count++
	q.active.mu.Unlock()
	p.Queue = page.QueueActive
}

// EnqueueInactiveDeferred places p on its own address-lock bucket's
// deferred shard, taking only that shard's mutex (the master
// INACTIVE mutex is never acquired on this path, per spec.md §4.5).
func (q *Queues) EnqueueInactiveDeferred(p *page.Page) {
	idx := addrlock.BucketIndex(p.PhysAddr)
	s := &q.shards[idx]
	s.mu.Lock()
	e := s.list.PushBack(p)
	s.elems[p] = e
	s.count++
	s.mu.Unlock()

	p.Queue = page.QueueInactive
	p.QueueFlags |= page.OnDeferredInactive

	q.deferredMu.Lock()
	q.deferredTotal++
	needsMerge := q.deferredTotal > q.thresholds.MaxDeferred
	q.deferredMu.Unlock()
	_ = needsMerge // surfaced to callers via NeedsMerge
}

// NeedsMerge reports whether the system-wide deferred count currently
// exceeds max_deferred, the signal spec.md §4.5 uses to poke the
// paging daemon.
func (q *Queues) NeedsMerge() bool {
	q.deferredMu.Lock()
	defer q.deferredMu.Unlock()
	return q.deferredTotal > q.thresholds.MaxDeferred
}

// Dequeue removes p from whatever queue it currently occupies
// (deferred shard, master ACTIVE, or master INACTIVE), using only the
// lock the page's current placement requires.
func (q *Queues) Dequeue(p *page.Page) {
	switch p.Queue {
	case page.QueueActive:
		q.active.mu.Lock()
		if e, ok := q.active.elems[p]; ok {
			q.active.list.Remove(e)
			delete(q.active.elems, p)
			q.active.count--
		}
		q.active.mu.Unlock()
	case page.QueueInactive:
		if p.QueueFlags&page.OnDeferredInactive != 0 {
			idx := addrlock.BucketIndex(p.PhysAddr)
			s := &q.shards[idx]
			s.mu.Lock()
			if e, ok := s.elems[p]; ok {
				s.list.Remove(e)
				delete(s.elems, p)
				s.count--
			}
			s.mu.Unlock()
			p.QueueFlags &^= page.OnDeferredInactive
			q.deferredMu.Lock()
			q.deferredTotal--
			q.deferredMu.Unlock()
		} else {
			q.inactive.mu.Lock()
			if e, ok := q.inactive.elems[p]; ok {
				q.inactive.list.Remove(e)
				delete(q.inactive.elems, p)
				q.inactive.count--
			}
			q.inactive.mu.Unlock()
		}
	}
	p.Queue = page.QueueNone
}

// RequeueTail moves p to the tail of its current queue, the standard
// LRU refresh (spec.md §4.5). For a deferred-INACTIVE page this only
// takes the page's own shard lock.
func (q *Queues) RequeueTail(p *page.Page) {
	switch p.Queue {
	case page.QueueActive:
		q.active.mu.Lock()
		if e, ok := q.active.elems[p]; ok {
			q.active.list.MoveToBack(e)
		}
		q.active.mu.Unlock()
	case page.QueueInactive:
		if p.QueueFlags&page.OnDeferredInactive != 0 {
			idx := addrlock.BucketIndex(p.PhysAddr)
			s := &q.shards[idx]
			s.mu.Lock()
			if e, ok := s.elems[p]; ok {
				s.list.MoveToBack(e)
			}
			s.mu.Unlock()
		} else {
			q.inactive.mu.Lock()
			if e, ok := q.inactive.elems[p]; ok {
				q.inactive.list.MoveToBack(e)
			}
			q.inactive.mu.Unlock()
		}
	}
}

// Fixup merges deferred shards into the master INACTIVE list. It runs
// under the master INACTIVE lock. For each shard whose count exceeds
// paqlenthresh (or every shard, if force), it try-locks the shard's
// address-lock bucket (or blocks on it, if force), splices the
// shard's list onto the master's tail, clears ON_DEFERRED_INACTIVE on
// every spliced page, and zeros the shard. Returns the number of
// pages merged.
//
// This is the sole exception to the lock-ordering hierarchy's usual
// direction (spec.md §5): master INACTIVE lock, then an address-lock
// bucket.
func (q *Queues) Fixup(force bool) int {
	q.inactive.mu.Lock()
	defer q.inactive.mu.Unlock()

	merged := 0
	for i := range q.shards {
		s := &q.shards[i]
		if !force && shardCount(s) <= q.thresholds.PaqLenThresh {
			continue
		}

		locked := q.locks.TryLockIndex(i)
		if !locked {
			if !force {
				continue
			}
			q.locks.LockIndex(i)
			locked = true
		}

		s.mu.Lock()
		n := s.count
		if n > 0 {
			q.inactive.list.PushBackList(&s.list)
			for p := range s.elems {
				p.QueueFlags &^= page.OnDeferredInactive
				q.inactive.elems[p] = findBack(&q.inactive.list, p)
			}
			q.inactive.count += n
			merged += n
			q.deferredMu.Lock()
			q.deferredTotal -= n
			q.deferredMu.Unlock()
		}
		s.list.Init()
		s.elems = make(map[*page.Page]*list.Element)
		s.count = 0
		s.mu.Unlock()

		if locked {
			q.locks.UnlockIndex(i)
		}
	}
	return merged
}

func shardCount(s *shard) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// findBack re-resolves p's *list.Element after a PushBackList splice,
// since container/list doesn't return the new elements from a splice.
func findBack(l *list.List, p *page.Page) *list.Element {
	for e := l.Back(); e != nil; e = e.Prev() {
		if e.Value.(*page.Page) == p {
			return e
		}
	}
	return nil
}

// ActiveLen and InactiveLen report master-list lengths (not counting
// deferred shards), for metrics and debug dumps.
func (q *Queues) ActiveLen() int {
	q.active.mu.Lock()
	defer q.active.mu.Unlock()
	return q.active.count
}

func (q *Queues) InactiveLen() int {
	q.inactive.mu.Lock()
	defer q.inactive.mu.Unlock()
	return q.inactive.count
}

// DeferredTotal reports the system-wide deferred-shard page count.
func (q *Queues) DeferredTotal() int {
	q.deferredMu.Lock()
	defer q.deferredMu.Unlock()
	return q.deferredTotal
}
