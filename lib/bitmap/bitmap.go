// Package bitmap implements a dynamically-growing set of non-negative
// integers with a publish/subscribe feed of newly-set indices.
package bitmap

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/cmusatyalab/vmnetfs/lib/streamgroup"
)

// Bitmap is a set of non-negative integers, backed by a byte slice that
// grows to the next power of two bytes as indices are set.
//
// Every newly-set bit (one that flips 0 -> 1) is published, as a decimal
// line, to an internal stream group. Subscribers that join late still see
// every bit that was set before they subscribed, because the stream
// group's populate callback walks the bitmap under its own lock before any
// live write can race it (see streamgroup.Group).
type Bitmap struct {
	mu     sync.Mutex
	bits   []byte
	group  *streamgroup.Group
}

// New creates an empty Bitmap.
func New() *Bitmap {
	b := &Bitmap{}
	b.group = streamgroup.New(b.populate)
	return b
}

// populate is invoked synchronously by the stream group when a new
// subscriber joins; it must run with the bitmap's own lock held so that no
// bit can flip between the snapshot write and the live feed picking up.
func (b *Bitmap) populate(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bw := bufio.NewWriter(w)
	for i, by := range b.bits {
		if by == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if by&(1<<uint(bit)) != 0 {
				fmt.Fprintf(bw, "%d\n", i*8+bit)
			}
		}
	}
	_ = bw.Flush()
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ensure grows the backing array so that byte index idx is addressable.
// Must be called with mu held.
func (b *Bitmap) ensure(byteIdx int) {
	if byteIdx < len(b.bits) {
		return
	}
	newLen := nextPow2(byteIdx + 1)
	grown := make([]byte, newLen)
	copy(grown, b.bits)
	b.bits = grown
}

// Set idempotently adds i to the set. It reports whether this call was the
// first to set i (i.e. the bit transitioned 0 -> 1); the notification to
// subscribers is only emitted in that case, and only after the lock is
// released.
func (b *Bitmap) Set(i int) bool {
	if i < 0 {
		panic("bitmap: negative index")
	}
	byteIdx := i / 8
	mask := byte(1 << uint(i%8))

	b.mu.Lock()
	b.ensure(byteIdx)
	already := b.bits[byteIdx]&mask != 0
	b.bits[byteIdx] |= mask
	b.mu.Unlock()

	if already {
		return false
	}
	b.group.Write([]byte(fmt.Sprintf("%d\n", i)))
	return true
}

// Test reports whether i is a member of the set.
func (b *Bitmap) Test(i int) bool {
	if i < 0 {
		return false
	}
	byteIdx := i / 8
	mask := byte(1 << uint(i%8))

	b.mu.Lock()
	defer b.mu.Unlock()
	if byteIdx >= len(b.bits) {
		return false
	}
	return b.bits[byteIdx]&mask != 0
}

// Subscribe opens a stream that first receives every index currently set
// (one decimal integer per line, order unspecified), then every index set
// from this point forward.
func (b *Bitmap) Subscribe() *streamgroup.Stream {
	return b.group.NewStream()
}

// Close shuts down the bitmap's stream group: subscribers still see
// whatever is buffered, then get EOF. Further Set/Test calls remain valid;
// only the stream is torn down.
func (b *Bitmap) Close() {
	b.group.Close()
}
