// Package streamgroup fans out an append-only byte feed to any number of
// late-joining subscribers, each with its own read cursor.
//
// This mirrors the way the teacher's cache backend layers a transient store
// in front of a persistent one (backend/cache.Memory in front of
// backend/cache.Persistent): here the "transient" layer is per-subscriber
// buffered history rather than per-chunk data, but the shape is the same —
// a populate callback seeds a late joiner from whatever owns the group
// before any live write can reach it.
package streamgroup

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrWouldBlock is returned by Stream.Read in non-blocking mode when no
// data is currently available and the group is still open.
var ErrWouldBlock = errors.New("streamgroup: would block")

// PopulateFunc seeds a newly-opened stream with historical state. It is
// invoked synchronously by NewStream with the group's lock held, before the
// stream is registered for live writes, so whatever it writes precedes any
// write racing it and no write issued after it returns is missed. It must
// not call back into the group.
type PopulateFunc func(w io.Writer)

// Group owns a set of Streams and fans out writes to all of them.
type Group struct {
	mu       sync.Mutex
	streams  map[*Stream]struct{}
	closed   bool
	populate PopulateFunc
}

// New creates a Group. populate may be nil if the group has no historical
// state to replay (e.g. the global log, whose ring buffer is handled by the
// caller instead).
func New(populate PopulateFunc) *Group {
	return &Group{
		streams:  make(map[*Stream]struct{}),
		populate: populate,
	}
}

// NewStream opens a new subscriber. If the group has a populate callback it
// runs first, synchronously and under the group's lock, to seed the
// stream's buffer before the stream is added to the live fan-out set. A
// stream opened on a closed group holds only the populated history and then
// reads as EOF.
func (g *Group) NewStream() *Stream {
	s := &Stream{group: g}
	s.cond = sync.NewCond(&s.mu)

	g.mu.Lock()
	if g.populate != nil {
		var buf bytes.Buffer
		g.populate(&buf)
		s.buf.Write(buf.Bytes())
	}

	if g.closed {
		s.eof = true
		s.closed = true
	} else {
		g.streams[s] = struct{}{}
	}
	g.mu.Unlock()

	return s
}

// Subscribe is an alias for NewStream, used where a group is passed
// around behind a narrower interface alongside bitmap.Bitmap.Subscribe
// and vmlog.Log.Subscribe.
func (g *Group) Subscribe() *Stream {
	return g.NewStream()
}

// Write appends text to every live stream in the group.
func (g *Group) Write(p []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	for s := range g.streams {
		s.append(p)
	}
}

// Close stops accepting writes and wakes every blocked reader; readers
// drain whatever was already buffered and then observe EOF.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for s := range g.streams {
		s.markClosed()
	}
	g.streams = nil
}

// Stream is a single subscriber's ordered byte queue.
type Stream struct {
	group *Group

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	eof    bool // group was already closed when this stream was opened
	closed bool // group closed; buffer may still hold unread bytes
}

func (s *Stream) append(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Read returns up to len(p) bytes. In blocking mode it waits until at least
// one byte is available or the group closes; in non-blocking mode it
// returns ErrWouldBlock immediately if the buffer is empty and the group is
// still open. Once the group is closed and the buffer has drained, Read
// returns (0, io.EOF).
func (s *Stream) Read(p []byte, blocking bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 {
		if s.closed {
			return 0, io.EOF
		}
		if !blocking {
			return 0, ErrWouldBlock
		}
		s.cond.Wait()
	}
	return s.buf.Read(p)
}

// Close detaches the stream from its group early (e.g. the filesystem
// client released the file handle before reading to EOF).
func (s *Stream) Close() {
	s.group.mu.Lock()
	delete(s.group.streams, s)
	s.group.mu.Unlock()
}
