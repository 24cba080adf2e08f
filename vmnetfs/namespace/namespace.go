// Package namespace implements the read-only path-to-operations mapping
// described in spec.md §4.9: a fixed capability set per file kind (raw
// image, pollable counter, fixed integer, string, and subscriber stream),
// held in a table rather than expressed through dynamic dispatch, per
// Design Note 3 ("Dynamic dispatch").
package namespace

import (
	"fmt"
	"sync"

	"github.com/cmusatyalab/vmnetfs/lib/statcounter"
	"github.com/cmusatyalab/vmnetfs/lib/streamgroup"
	"github.com/cmusatyalab/vmnetfs/lib/vmlog"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/config"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/image"
)

// Kind identifies which fixed capability set a file implements.
type Kind int

const (
	// KindImage is the per-image raw byte file: readable, writable,
	// truncatable, seekable.
	KindImage Kind = iota
	// KindCounter is a pollable decimal counter (stats/*).
	KindCounter
	// KindFixed is a decimal value that never changes for the lifetime of
	// the mount (stats/chunk_size, which is fixed at image construction).
	KindFixed
	// KindString is a static text file (root /config).
	KindString
	// KindStream is a non-seekable subscriber byte stream
	// (streams/*, root /log).
	KindStream
	// KindDerived is a decimal value recomputed from live image state on
	// every open, rather than baked in once at namespace construction
	// time (stats/chunks, which spec.md §4.9 defines as "derived from
	// current_size" — a value current_size.Truncate mutates for the
	// life of the mount, unlike stats/chunk_size).
	KindDerived
)

// Mode is the fixed permission bits for a Kind, per spec.md §6: "counters
// and streams are 0400; image is 0600".
func (k Kind) Mode() uint32 {
	if k == KindImage {
		return 0600
	}
	return 0400
}

// Subscriber is satisfied by every type that can open a fan-out reader:
// bitmap.Bitmap, streamgroup.Group (via its Subscribe alias), and
// vmlog.Log all implement it, so a KindStream Entry can hold any of them
// uniformly.
type Subscriber interface {
	Subscribe() *streamgroup.Stream
}

// Entry is one file in the namespace. Exactly the fields relevant to its
// Kind are populated; this is the "fixed capability set" Design Note 3
// describes, rather than a polymorphic file object.
type Entry struct {
	Path string
	Kind Kind

	// KindImage
	Image *image.Image

	// KindCounter
	Counter *statcounter.Counter

	// KindFixed / KindString
	Fixed string

	// KindStream
	Stream Subscriber

	// KindDerived: called fresh on every open to render the current
	// value as the decimal text a reader sees (no poll handle — the
	// value is only ever read once per open, at which point it is
	// already current).
	Derive func() string
}

// Size returns the file's size in bytes at open time, used for getattr
// and for a non-seekable stream's nominal zero length.
func (e *Entry) Size() int64 {
	switch e.Kind {
	case KindImage:
		return e.Image.Size()
	case KindCounter:
		v, _ := e.Counter.Get()
		return int64(len(fmt.Sprintf("%d\n", v)))
	case KindFixed, KindString:
		return int64(len(e.Fixed))
	case KindDerived:
		return int64(len(e.Derive()))
	default:
		return 0
	}
}

// ReadCounterSnapshot renders the counter's current value as the decimal
// text a reader of stats/* sees at open, along with a poll handle for
// observing subsequent changes.
func (e *Entry) ReadCounterSnapshot() (string, *statcounter.Handle) {
	v, h := e.Counter.Get()
	return fmt.Sprintf("%d\n", v), h
}

// ReadDerivedSnapshot renders a KindDerived entry's current value fresh,
// so a client that truncates the image and then opens stats/chunks sees
// the chunk count implied by the new size rather than a value baked in
// at mount time.
func (e *Entry) ReadDerivedSnapshot() string {
	return e.Derive()
}

// Namespace is the full path -> Entry table for one mounted session.
type Namespace struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty namespace.
func New() *Namespace {
	return &Namespace{entries: make(map[string]*Entry)}
}

// Lookup returns the entry at path, if any.
func (n *Namespace) Lookup(path string) (*Entry, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.entries[path]
	return e, ok
}

// Paths returns every registered path, for directory listing.
func (n *Namespace) Paths() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	paths := make([]string, 0, len(n.entries))
	for p := range n.entries {
		paths = append(paths, p)
	}
	return paths
}

func (n *Namespace) add(e *Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[e.Path] = e
}

// Build assembles the namespace for one mount session: a root /config
// file, a root /log stream, and per-image image/stats/streams entries.
// images must be keyed by the same name used in doc's <image> elements.
func Build(doc *config.Document, images map[string]*image.Image, logger *vmlog.Log) *Namespace {
	ns := New()

	ns.add(&Entry{Path: "/config", Kind: KindString, Fixed: doc.Render()})
	ns.add(&Entry{Path: "/log", Kind: KindStream, Stream: logger})

	for _, cfgImg := range doc.Images {
		img, ok := images[cfgImg.Name]
		if !ok {
			continue
		}
		base := "/" + cfgImg.Name
		chunkSize := cfgImg.Cache.ChunkSize

		ns.add(&Entry{Path: base + "/image", Kind: KindImage, Image: img})

		ns.add(&Entry{Path: base + "/stats/bytes_read", Kind: KindCounter, Counter: img.Counters.BytesRead})
		ns.add(&Entry{Path: base + "/stats/bytes_written", Kind: KindCounter, Counter: img.Counters.BytesWritten})
		ns.add(&Entry{Path: base + "/stats/chunk_fetches", Kind: KindCounter, Counter: img.Counters.ChunkFetches})
		ns.add(&Entry{Path: base + "/stats/chunk_dirties", Kind: KindCounter, Counter: img.Counters.ChunkDirties})
		ns.add(&Entry{Path: base + "/stats/io_errors", Kind: KindCounter, Counter: img.Counters.IOErrors})

		ns.add(&Entry{Path: base + "/stats/chunk_size", Kind: KindFixed, Fixed: fmt.Sprintf("%d\n", chunkSize)})
		// stats/chunks is derived from current_size, which Truncate
		// mutates for the life of the mount, so it is recomputed fresh
		// on every open rather than baked in once here.
		ns.add(&Entry{Path: base + "/stats/chunks", Kind: KindDerived, Derive: func() string {
			return fmt.Sprintf("%d\n", numChunks(img.Size(), chunkSize))
		}})

		ns.add(&Entry{Path: base + "/streams/chunks_accessed", Kind: KindStream, Stream: img.AccessedMap()})
		ns.add(&Entry{Path: base + "/streams/chunks_cached", Kind: KindStream, Stream: img.PresentMap()})
		ns.add(&Entry{Path: base + "/streams/chunks_modified", Kind: KindStream, Stream: img.ModifiedMap()})
		ns.add(&Entry{Path: base + "/streams/io", Kind: KindStream, Stream: img.IOStream()})
	}

	return ns
}

func numChunks(size, chunkSize int64) int64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}
