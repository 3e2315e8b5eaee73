package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Timers and tickers fire only when
// Advance moves time past their deadline. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()         // AfterFunc waiters
	channel  chan time.Time // ticker waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	w := &fakeWaiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: c.now.Add(d), channel: ch, interval: d}
	c.waiters = append(c.waiters, w)

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
	}}
}

// Advance moves the clock forward by d and fires everything that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// Pending reports the number of timers and tickers that have not fired or
// been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) collectDue(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeWaiter
	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			remaining = append(remaining, w)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, w := range due {
		if w.interval > 0 {
			// Skip missed intervals so one Advance yields at most one tick.
			for !w.deadline.After(target) {
				w.deadline = w.deadline.Add(w.interval)
			}
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = remaining
	return due
}
