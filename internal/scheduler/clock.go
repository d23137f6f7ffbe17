package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts time for the dispatch loop.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// FakeClock is a manually advanced clock. Advance delivers one tick to every
// live ticker whose period has elapsed and blocks until the tick is received.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFakeClock creates a fake clock set to t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{
		period: d,
		next:   c.now.Add(d),
		c:      make(chan time.Time),
		done:   make(chan struct{}),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Set moves the clock to t without delivering ticks.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and delivers due ticks.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTicker
	live := c.tickers[:0]
	for _, t := range c.tickers {
		if t.stopped() {
			continue
		}
		live = append(live, t)
		if !now.Before(t.next) {
			for !now.Before(t.next) {
				t.next = t.next.Add(t.period)
			}
			due = append(due, t)
		}
	}
	c.tickers = live
	c.mu.Unlock()

	for _, t := range due {
		select {
		case t.c <- now:
		case <-t.done:
		}
	}
}

type fakeTicker struct {
	period time.Duration
	next   time.Time
	c      chan time.Time
	done   chan struct{}
	once   sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *fakeTicker) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
