package irq

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a non-negative counter shared between interrupt handlers and
// waiters.  Decrements saturate at zero.
type Counter struct {
	v atomic.Int32
}

func (c *Counter) Inc() int32 { return c.v.Add(1) }

// DecIfPositive decrements c unless it is zero.  It returns the new value
// and whether it was decremented.
func (c *Counter) DecIfPositive() (int32, bool) {
	for {
		old := c.v.Load()
		if old <= 0 {
			return 0, false
		}
		if c.v.CompareAndSwap(old, old-1) {
			return old - 1, true
		}
	}
}

func (c *Counter) Load() int32 { return c.v.Load() }

func (c *Counter) Store(v int32) { c.v.Store(max(v, 0)) }

// WaitQueue wakes up all goroutines blocked in Wait.  The zero value is
// ready to use.
type WaitQueue struct {
	mu sync.Mutex
	ch chan struct{}
}

func (q *WaitQueue) waiters() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		q.ch = make(chan struct{})
	}
	return q.ch
}

// Wake wakes all current waiters.  It never blocks and may be called from
// interrupt handlers.
func (q *WaitQueue) Wake() {
	q.mu.Lock()
	if q.ch != nil {
		close(q.ch)
		q.ch = nil
	}
	q.mu.Unlock()
}

// Wait blocks until cond returns true or timeout elapses.  cond is evaluated
// initially and after every Wake.  It returns the last result of cond.
func (q *WaitQueue) Wait(cond func() bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		// take the channel before evaluating cond to not miss a Wake
		ch := q.waiters()
		if cond() {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return cond()
		}
	}
}
