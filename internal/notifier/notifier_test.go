package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyThroughThenWaitReturnsImmediately(t *testing.T) {
	n := New()
	n.NotifyThrough(5)
	require.Equal(t, Completed, n.WaitFor(3))
	require.Equal(t, Completed, n.WaitFor(5))
}

func TestWaitForBlocksUntilNotified(t *testing.T) {
	n := New()
	done := make(chan Result, 1)
	go func() {
		done <- n.WaitFor(1)
	}()

	select {
	case <-done:
		t.Fatal("WaitFor returned before NotifyThrough was called")
	case <-time.After(20 * time.Millisecond):
	}

	n.NotifyThrough(1)
	require.Equal(t, Completed, <-done)
}

func TestCancelReleasesExactTicket(t *testing.T) {
	n := New()
	done := make(chan Result, 1)
	go func() {
		done <- n.WaitFor(7)
	}()
	time.Sleep(10 * time.Millisecond)
	n.Cancel(7)
	require.Equal(t, Cancelled, <-done)
}

func TestCancelAfterSweepsHigherTickets(t *testing.T) {
	n := New()
	n.NotifyThrough(3)

	results := make(chan Result, 2)
	go func() { results <- n.WaitFor(4) }()
	go func() { results <- n.WaitFor(10) }()
	time.Sleep(10 * time.Millisecond)

	n.CancelAfter(3)
	require.Equal(t, Cancelled, <-results)
	require.Equal(t, Cancelled, <-results)
}

func TestMonotonicityNeverRegresses(t *testing.T) {
	n := New()
	n.NotifyThrough(10)
	n.NotifyThrough(4) // smaller, must not regress
	require.Equal(t, Completed, n.WaitFor(10))
}

func TestResetClearsState(t *testing.T) {
	n := New()
	n.NotifyThrough(5)
	n.CancelAfter(2)
	n.Reset()
	require.Equal(t, Pending, n.resolve(1))
}
