// Package chunklock implements a per-key exclusive lock table with an
// interruptible acquire, used to serialize concurrent demand for the same
// image chunk so that only one goroutine fetches it while the others block
// and then observe the populated cache.
package chunklock

import (
	"sync"
	"time"
)

// Interrupt is polled while waiting for a lock; if it reports true the
// wait aborts and Acquire returns ErrInterrupted. It mirrors the VFS
// host's "has this request been cancelled" predicate (spec.md §5).
type Interrupt func() bool

// pollInterval bounds how long an interruptible Acquire can wait between
// checks of the caller's Interrupt predicate once woken spuriously isn't an
// option (channels, unlike condition variables, need an explicit timeout
// to emulate "retry and check for interruption periodically").
const pollInterval = 50 * time.Millisecond

// Table is a mapping from chunk index to a lock entry. Entries are created
// by the first Acquire of a chunk and removed by a Release that finds no
// waiters, so the table's
// footprint tracks concurrency, not image size.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// entry.release is closed and replaced every time the chunk becomes free,
// so waiters parked on the old channel wake exactly once per release.
type entry struct {
	busy    bool
	waiters int
	release chan struct{}
}

func newEntry() *entry {
	return &entry{busy: true, release: make(chan struct{})}
}

// New returns an empty lock table.
func New() *Table {
	return &Table{entries: make(map[int64]*entry)}
}

type errInterrupted struct{}

func (errInterrupted) Error() string { return "chunklock: interrupted" }

// ErrInterrupted is the sentinel returned by Acquire on cancellation.
var ErrInterrupted error = errInterrupted{}

// Acquire locks chunk, blocking while it is held by another caller.
// interrupt is polled periodically while waiting; if it returns true,
// Acquire returns ErrInterrupted without owning the lock. A nil interrupt
// disables polling (an uninterruptible acquire).
//
// Per Design Note 5 ("interrupt-while-owning-lock"), if a release and an
// interruption land at effectively the same instant, ownership wins: a
// caller that finds the chunk free when it wakes claims it even if
// interrupt() would also report true, so there is exactly one release path
// for every successful Acquire.
func (t *Table) Acquire(chunk int64, interrupt Interrupt) error {
	t.mu.Lock()
	for {
		e, ok := t.entries[chunk]
		if !ok {
			t.entries[chunk] = newEntry()
			t.mu.Unlock()
			return nil
		}
		if !e.busy {
			e.busy = true
			t.mu.Unlock()
			return nil
		}

		e.waiters++
		waitCh := e.release
		t.mu.Unlock()

		if interrupt == nil {
			<-waitCh
		} else {
			select {
			case <-waitCh:
			case <-time.After(pollInterval):
			}
		}

		t.mu.Lock()
		e.waiters--

		// Re-check under the lock: the chunk may now be free regardless of
		// why we woke (release, poll timeout, or both racing).
		if !e.busy {
			e.busy = true
			t.mu.Unlock()
			return nil
		}
		if interrupt != nil && interrupt() {
			t.mu.Unlock()
			return ErrInterrupted
		}
		// still busy, not interrupted (or no interrupt configured): loop.
	}
}

// Release unlocks chunk. If other goroutines are waiting, they are woken
// and race to claim ownership (the first to re-acquire the table lock
// wins); otherwise the entry is removed.
func (t *Table) Release(chunk int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[chunk]
	if !ok {
		return
	}
	if e.waiters > 0 {
		e.busy = false
		close(e.release)
		e.release = make(chan struct{})
		return
	}
	delete(t.entries, chunk)
}
