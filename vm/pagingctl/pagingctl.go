// Package pagingctl implements the waiter/signaler coupling between
// allocation failure and the external page-out daemon (spec.md §4.6,
// "PagingControl"): vm_wait, vm_waitpfault, and the pagedaemon wakeup
// signal. It also drives the periodic housekeeping sweep (deferred
// INACTIVE fixup, per-CPU cache drain) the way a real kernel's
// pagedaemon thread would, using a cron schedule rather than a
// dedicated kernel thread — grounded on tinySQL's
// internal/storage/scheduler.go, which drives periodic jobs off
// cron.New(...).
package pagingctl

import (
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/vmkernel/pagecore/logger"
	"github.com/vmkernel/pagecore/vm/wakeup"
)

const (
	waitKey      uint64 = 1
	pfaultKey    uint64 = 2
	daemonWakeup uint64 = 3
)

// Controller couples allocation-exhaustion waiters to the daemon that
// replenishes the pool. The core never decides *when* to page out; it
// only signals pressure and waits for relief.
type Controller struct {
	wake *wakeup.Station

	deficit        uint64 // pageout_deficit, atomic
	pageoutFreeMin uint64

	daemonWoken func() // optional hook a real daemon registers

	cronSched *cron.Cron
	mu        sync.Mutex
}

// New returns a Controller with the given pageout_free_min threshold
// (spec.md §6 upward signals).
func New(pageoutFreeMin uint64) *Controller {
	return &Controller{
		wake:           wakeup.New(),
		pageoutFreeMin: pageoutFreeMin,
	}
}

// OnDaemonWoken registers a callback invoked synchronously whenever
// PagedaemonWakeup fires, so a real daemon implementation can hook in
// without the core importing it.
func (c *Controller) OnDaemonWoken(f func()) {
	c.mu.Lock()
	c.daemonWoken = f
	c.mu.Unlock()
}

// PagedaemonWakeup signals allocation pressure to the page-out daemon
// (spec.md §6 upward signal "pagedaemon_wakeup").
func (c *Controller) PagedaemonWakeup() {
	c.mu.Lock()
	f := c.daemonWoken
	c.mu.Unlock()
	if f != nil {
		f()
	}
	c.wake.Wake(daemonWakeup)
}

// NoteDeficit bumps pageout_deficit by n (spec.md §4.1: incremented on
// allocation failure).
func (c *Controller) NoteDeficit(n uint64) {
	atomic.AddUint64(&c.deficit, n)
}

// Deficit reads the current pageout_deficit.
func (c *Controller) Deficit() uint64 {
	return atomic.LoadUint64(&c.deficit)
}

// ClearDeficit resets pageout_deficit to zero, called by the daemon
// after it has made forward progress.
func (c *Controller) ClearDeficit() {
	atomic.StoreUint64(&c.deficit, 0)
}

// WakeupIfAboveMin wakes vm_pageout_pages_needed waiters once free+
// cache rises above pageout_free_min (spec.md §6).
func (c *Controller) WakeupIfAboveMin(freeAndCache uint64) {
	if freeAndCache > c.pageoutFreeMin {
		c.wake.Wake(waitKey)
		c.wake.Wake(pfaultKey)
	}
}

// VMWait blocks until the daemon signals relief. It subscribes to the
// wait channel, wakes the page-out daemon, then calls releaseLock
// (which releases whatever lock protects the free count, free_mtx)
// and parks until WakeupIfAboveMin wakes the channel.
func (c *Controller) VMWait(releaseLock func()) {
	ch := c.wake.Subscribe(waitKey)
	c.PagedaemonWakeup()
	releaseLock()
	<-ch
}

// VMWaitPFault is VMWait's variant for a fault-path waiter, kept on a
// distinct channel so a fault-specific wakeup policy could diverge
// from the general allocator's without touching call sites.
func (c *Controller) VMWaitPFault(releaseLock func()) {
	ch := c.wake.Subscribe(pfaultKey)
	c.PagedaemonWakeup()
	releaseLock()
	<-ch
}

// StartHousekeeping calls fixup(false) and then drainPerCPU on each
// tick of a cron schedule. Entries that a non-forced fixup does not
// merge stay deferred; nothing in this package calls fixup(true).
func (c *Controller) StartHousekeeping(spec string, fixup func(force bool), drainPerCPU func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cronSched != nil {
		return nil
	}
	sched := cron.New()
	_, err := sched.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("pagingctl: housekeeping pass panicked: %v", r)
			}
		}()
		fixup(false)
		drainPerCPU()
	})
	if err != nil {
		return err
	}
	sched.Start()
	c.cronSched = sched
	return nil
}

// StopHousekeeping halts the cron schedule, if running.
func (c *Controller) StopHousekeeping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cronSched != nil {
		c.cronSched.Stop()
		c.cronSched = nil
	}
}
