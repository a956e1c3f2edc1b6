// Package debounce coalesces bursts of values into one trailing call per
// idle window.
package debounce

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Channel delivers the last scheduled value to fn once the window passes
// without another Schedule. Deliveries from one channel never overlap and
// happen in schedule order.
type Channel[T any] struct {
	clock  clockwork.Clock
	window time.Duration
	fn     func(T)

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	value   T
	pending bool
	closed  bool

	run sync.Mutex
}

func NewChannel[T any](clock clockwork.Clock, window time.Duration, fn func(T)) *Channel[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Channel[T]{clock: clock, window: window, fn: fn}
}

func (c *Channel[T]) Schedule(v T) {
	c.ScheduleWithin(v, c.window)
}

// ScheduleWithin is Schedule with an explicit window for this call.
func (c *Channel[T]) ScheduleWithin(v T, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.value = v
	c.pending = true
	c.timer = c.clock.AfterFunc(window, func() { c.fire(gen) })
}

// Cancel drops the pending value, if any.
func (c *Channel[T]) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
	c.pending = false
	var zero T
	c.value = zero
}

// Flush delivers the pending value now. It reports whether one was pending.
func (c *Channel[T]) Flush() bool {
	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		return false
	}
	c.stopLocked()
	c.gen++
	v := c.value
	c.pending = false
	c.mu.Unlock()

	c.fn(v)
	return true
}

func (c *Channel[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Close cancels the pending value and ignores later schedules.
func (c *Channel[T]) Close() {
	c.Cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel[T]) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel[T]) fire(gen uint64) {
	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	if gen != c.gen || !c.pending {
		c.mu.Unlock()
		return
	}
	v := c.value
	c.pending = false
	c.timer = nil
	c.mu.Unlock()

	c.fn(v)
}

// Group keeps one independent Channel per key.
type Group[T any] struct {
	clock clockwork.Clock
	fn    func(key string, v T)

	mu       sync.Mutex
	channels map[string]*Channel[T]
	closed   bool
}

func NewGroup[T any](clock clockwork.Clock, fn func(key string, v T)) *Group[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Group[T]{clock: clock, fn: fn, channels: map[string]*Channel[T]{}}
}

func (g *Group[T]) Schedule(key string, window time.Duration, v T) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	ch, ok := g.channels[key]
	if !ok {
		ch = NewChannel(g.clock, window, func(v T) { g.fn(key, v) })
		g.channels[key] = ch
	}
	g.mu.Unlock()

	ch.ScheduleWithin(v, window)
}

func (g *Group[T]) Cancel(key string) {
	if ch := g.channel(key); ch != nil {
		ch.Cancel()
	}
}

func (g *Group[T]) Flush(key string) bool {
	if ch := g.channel(key); ch != nil {
		return ch.Flush()
	}
	return false
}

// FlushAll delivers every pending value, in key order.
func (g *Group[T]) FlushAll() {
	for _, key := range g.keys() {
		g.Flush(key)
	}
}

// Pending lists keys with an undelivered value, sorted.
func (g *Group[T]) Pending() []string {
	var pending []string
	for _, key := range g.keys() {
		if ch := g.channel(key); ch != nil && ch.Pending() {
			pending = append(pending, key)
		}
	}
	return pending
}

// Close cancels every channel. Pending values are dropped.
func (g *Group[T]) Close() {
	g.mu.Lock()
	g.closed = true
	channels := g.channels
	g.channels = map[string]*Channel[T]{}
	g.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

func (g *Group[T]) channel(key string) *Channel[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[key]
}

func (g *Group[T]) keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.channels))
	for key := range g.channels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
