// Package statcounter implements a monotonic 64-bit counter with
// poll-based change notification, the building block behind every
// pollable stats/* file in the vmnetfs namespace.
package statcounter

import "sync"

// Counter is an unsigned 64-bit monotonically increasing counter.
type Counter struct {
	mu    sync.Mutex
	value uint64
	gen   uint64 // bumped on every Add; a Handle compares against this
	polls map[*Handle]chan<- struct{}
}

// New returns a zeroed Counter.
func New() *Counter {
	return &Counter{polls: make(map[*Handle]chan<- struct{})}
}

// Add atomically adds v to the counter and wakes any attached pollers.
func (c *Counter) Add(v uint64) {
	c.mu.Lock()
	c.value += v
	c.gen++
	var toNotify []chan<- struct{}
	for h, ch := range c.polls {
		toNotify = append(toNotify, ch)
		delete(c.polls, h)
	}
	c.mu.Unlock()

	for _, ch := range toNotify {
		close(ch)
	}
}

// Get returns the current value together with a change handle snapshotting
// this instant.
func (c *Counter) Get() (uint64, *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, &Handle{counter: c, gen: c.gen}
}

// Value returns the current value without a change handle.
func (c *Counter) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Handle is a snapshot marker returned by Get, used to implement
// poll-based notification on a counter file.
type Handle struct {
	counter *Counter
	gen     uint64
}

// IsChanged reports whether the counter has been mutated since Get
// returned this handle.
func (h *Handle) IsChanged() bool {
	h.counter.mu.Lock()
	defer h.counter.mu.Unlock()
	return h.counter.gen != h.gen
}

// AttachPoll registers a one-shot notification on ch: if the counter has
// already changed, it is closed immediately; otherwise it is closed the
// next time Add is called. Only one poll may be attached per handle at a
// time; attaching a new one replaces (and orphans) any previous one.
func (h *Handle) AttachPoll(ch chan<- struct{}) {
	h.counter.mu.Lock()
	defer h.counter.mu.Unlock()

	if h.counter.gen != h.gen {
		close(ch)
		return
	}
	h.counter.polls[h] = ch
}

// Release cancels any pending notification registered via AttachPoll. It
// is safe to call even if no poll is attached, or after it already fired.
func (h *Handle) Release() {
	h.counter.mu.Lock()
	defer h.counter.mu.Unlock()
	delete(h.counter.polls, h)
}
