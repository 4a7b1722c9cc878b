package pagingctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoteDeficitAndClear(t *testing.T) {
	c := New(8)
	c.NoteDeficit(3)
	c.NoteDeficit(2)
	require.Equal(t, uint64(5), c.Deficit())

	c.ClearDeficit()
	require.Zero(t, c.Deficit())
}

func TestPagedaemonWakeupInvokesHook(t *testing.T) {
	c := New(8)
	woken := false
	c.OnDaemonWoken(func() { woken = true })
	c.PagedaemonWakeup()
	require.True(t, woken)
}

func TestVMWaitBlocksUntilWakeupIfAboveMin(t *testing.T) {
	c := New(8)
	done := make(chan struct{})
	released := false

	go func() {
		c.VMWait(func() { released = true })
		close(done)
	}()

	// Give VMWait a chance to subscribe and release before signaling.
	time.Sleep(10 * time.Millisecond)
	c.WakeupIfAboveMin(9)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("VMWait never returned")
	}
	require.True(t, released)
}

func TestWakeupIfAboveMinNoopBelowThreshold(t *testing.T) {
	c := New(8)
	// No subscriber, no threshold crossed: must not panic or block.
	require.NotPanics(t, func() { c.WakeupIfAboveMin(4) })
}

func TestStartStopHousekeepingRunsFixup(t *testing.T) {
	c := New(8)
	calls := make(chan bool, 4)

	err := c.StartHousekeeping("@every 10ms", func(force bool) { calls <- force }, func() {})
	require.NoError(t, err)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("housekeeping never fired")
	}
	c.StopHousekeeping()
}
