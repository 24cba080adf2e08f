// Package image implements the per-image chunk I/O core: the component
// that turns a VFS-style read/write/truncate into a sequence of
// chunk-granular sub-operations, each of which locks its chunk, consults
// the modified and pristine stores, falls back to the network, and
// updates counters and trace streams.
//
// The per-chunk pipeline mirrors the teacher's cached object Handle
// (backend/cache/handle.go): a worker that serves reads from a local
// cache when possible and otherwise pulls from a wrapped remote, with a
// mutex-guarded "offset already fetched" bookkeeping structure. Here the
// "wrapped remote" is the transport package and the bookkeeping is the
// present/modified/accessed bitmaps plus the chunk lock table.
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cmusatyalab/vmnetfs/lib/bitmap"
	"github.com/cmusatyalab/vmnetfs/lib/chunklock"
	"github.com/cmusatyalab/vmnetfs/lib/statcounter"
	"github.com/cmusatyalab/vmnetfs/lib/streamgroup"
	"github.com/cmusatyalab/vmnetfs/lib/vmlog"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/cache"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/transport"
)

// Config describes one image as parsed from the lifecycle driver's
// configuration document (spec.md §6).
type Config struct {
	Name string

	OriginURL   string
	FetchOffset int64
	SegmentSize int64 // 0 means unsegmented

	ChunkSize   int64
	InitialSize int64
	Validators  transport.Validators

	CacheDir string

	// Client is the transport used to fetch chunks. Image does not own
	// its lifecycle; the driver constructs one Client per image (or
	// shares one across images hitting the same origin) and passes it
	// in, which keeps this package trivially testable against an
	// httptest.Server-backed Client.
	Client *transport.Client
}

// Counters groups the five monotonic counters spec.md §3 attaches to an
// image.
type Counters struct {
	BytesRead    *statcounter.Counter
	BytesWritten *statcounter.Counter
	ChunkFetches *statcounter.Counter
	ChunkDirties *statcounter.Counter
	IOErrors     *statcounter.Counter
}

func newCounters() Counters {
	return Counters{
		BytesRead:    statcounter.New(),
		BytesWritten: statcounter.New(),
		ChunkFetches: statcounter.New(),
		ChunkDirties: statcounter.New(),
		IOErrors:     statcounter.New(),
	}
}

// Image is one logical device (disk or memory) exposed through the
// namespace.
type Image struct {
	cfg Config

	pristine *cache.Pristine
	modified *cache.Modified
	locks    *chunklock.Table

	sizeMu      sync.RWMutex
	currentSize int64
	closed      bool

	modifiedMap *bitmap.Bitmap
	accessedMap *bitmap.Bitmap

	ioStream *streamgroup.Group

	Counters Counters
}

// Open constructs and initializes an image from cfg: scans the pristine
// cache directory to rebuild the present-chunk bitmap and opens the
// modified-store overlay. A malformed pristine directory is a fatal init
// error per spec.md §4.6/§7.
func Open(cfg Config) (*Image, error) {
	pristineDir := filepath.Join(cfg.CacheDir, "chunks")
	p, err := cache.Open(pristineDir, cfg.ChunkSize, cfg.InitialSize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		return nil, err
	}
	m, err := cache.OpenModified(cfg.CacheDir, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	img := &Image{
		cfg:         cfg,
		pristine:    p,
		modified:    m,
		locks:       chunklock.New(),
		currentSize: cfg.InitialSize,
		modifiedMap: bitmap.New(),
		accessedMap: bitmap.New(),
		ioStream:    streamgroup.New(nil),
		Counters:    newCounters(),
	}
	return img, nil
}

// Size returns the image's current logical size.
func (img *Image) Size() int64 {
	img.sizeMu.RLock()
	defer img.sizeMu.RUnlock()
	return img.currentSize
}

// PresentMap, ModifiedMap, and AccessedMap expose the three bitmaps for
// subscription by the namespace's streams/* files.
func (img *Image) PresentMap() *bitmap.Bitmap  { return img.pristine.PresentMap() }
func (img *Image) ModifiedMap() *bitmap.Bitmap { return img.modifiedMap }
func (img *Image) AccessedMap() *bitmap.Bitmap { return img.accessedMap }

// IOStream returns the append-only trace-line stream group.
func (img *Image) IOStream() *streamgroup.Group { return img.ioStream }

// Close tears down the image's stream groups so blocked subscribers wake
// with EOF, and releases the modified-store descriptor. Further Read,
// Write, or Truncate calls fail with ErrIO.
func (img *Image) Close() {
	img.sizeMu.Lock()
	img.closed = true
	img.sizeMu.Unlock()

	img.ioStream.Close()
	img.pristine.PresentMap().Close()
	img.modifiedMap.Close()
	img.accessedMap.Close()
	img.modified.Close()
}

// chunkStart returns the byte offset of the first byte of chunk.
func (img *Image) chunkStart(chunk int64) int64 {
	return chunk * img.cfg.ChunkSize
}

// withinOrigin reports whether chunk lies at least partly within
// [0, initial_size) and therefore has pristine backing at all; chunks
// entirely in the grown region [initial_size, current_size) exist only in
// the modified store (spec.md §4.8 "growing past initial_size").
func (img *Image) withinOrigin(chunk int64) bool {
	return img.chunkStart(chunk) < img.cfg.InitialSize
}

// Read implements the per-chunk read pipeline of spec.md §4.8. cancel may
// be nil for an uninterruptible read.
func (img *Image) Read(buf []byte, start int64, cancel transport.Cancel) (int, error) {
	if img.isClosed() {
		return 0, ErrIO
	}
	img.trace("read", start, int64(len(buf)))

	c := newCursor(start, int64(len(buf)), img.cfg.ChunkSize)
	var total int64
	for {
		size := img.Size()
		st, ok := c.next(size)
		if !ok {
			break
		}

		if err := img.locks.Acquire(st.chunk, interruptFor(cancel)); err != nil {
			if total == 0 {
				return 0, ErrInterrupted
			}
			return int(total), nil
		}

		n, err := img.readChunkLocked(st.chunk, st.chunkOffset, st.length, buf[st.bufOffset:st.bufOffset+st.length], cancel)
		img.locks.Release(st.chunk)

		total += int64(n)
		if err != nil {
			img.Counters.IOErrors.Add(1)
			if total == 0 {
				return 0, err
			}
			return int(total), nil
		}
		c.advance(int64(n))
		if n == 0 {
			break
		}
	}
	img.Counters.BytesRead.Add(uint64(total))
	return int(total), nil
}

// readChunkLocked performs steps 4-8 of the read pipeline for a single
// chunk. The caller holds the chunk lock for st already.
func (img *Image) readChunkLocked(chunk, chunkOffset, length int64, dest []byte, cancel transport.Cancel) (int, error) {
	img.accessedMap.Set(int(chunk))

	if img.modifiedMap.Test(int(chunk)) || !img.withinOrigin(chunk) {
		data, err := img.modified.Read(chunk, chunkOffset, length)
		if err != nil {
			return 0, ErrIO
		}
		copy(dest, data)
		return len(data), nil
	}

	if !img.pristine.Present(chunk) {
		if err := img.fetchIntoPristine(chunk, cancel); err != nil {
			return 0, err
		}
	}

	data, err := img.pristine.Read(chunk, chunkOffset, length)
	if err != nil {
		return 0, ErrIO
	}
	copy(dest, data)
	return len(data), nil
}

// fetchIntoPristine fetches the full chunk from the origin (honoring
// segmentation) and commits it to the pristine store, per spec.md §4.8
// step 7.
func (img *Image) fetchIntoPristine(chunk int64, cancel transport.Cancel) error {
	chunkBytes := img.chunkLengthInOrigin(chunk)
	if chunkBytes <= 0 {
		return nil
	}
	buf := make([]byte, chunkBytes)

	if err := img.fetchRange(img.chunkStart(chunk), buf, cancel); err != nil {
		return err
	}
	if err := img.pristine.Write(chunk, buf); err != nil {
		return ErrIO
	}
	img.Counters.ChunkFetches.Add(1)
	return nil
}

// chunkLengthInOrigin returns how many bytes of chunk actually exist in
// the origin (<= chunk_size, clamped to initial_size).
func (img *Image) chunkLengthInOrigin(chunk int64) int64 {
	start := img.chunkStart(chunk)
	if start >= img.cfg.InitialSize {
		return 0
	}
	length := img.cfg.ChunkSize
	if start+length > img.cfg.InitialSize {
		length = img.cfg.InitialSize - start
	}
	return length
}

// fetchRange fetches [originOffset, originOffset+len(dest)) from the
// origin, splitting across segment boundaries when the image is
// segmented (spec.md §3, §4.8).
func (img *Image) fetchRange(originOffset int64, dest []byte, cancel transport.Cancel) error {
	ctx := context.Background()
	segSize := img.cfg.SegmentSize
	if segSize <= 0 {
		url := img.resolveURL(ctx, img.cfg.OriginURL)
		n, err := img.cfg.Client.Fetch(ctx, url, originOffset+img.cfg.FetchOffset, int64(len(dest)), img.cfg.Validators, transport.Cancel(cancel), dest)
		return img.classifyFetchErr(n, len(dest), err)
	}

	remaining := dest
	offset := originOffset
	for len(remaining) > 0 {
		segIdx := offset / segSize
		segOffset := offset % segSize
		segRemaining := segSize - segOffset
		length := int64(len(remaining))
		if length > segRemaining {
			length = segRemaining
		}

		url := img.resolveURL(ctx, transport.SegmentURL(img.cfg.OriginURL, segIdx))
		n, err := img.cfg.Client.Fetch(ctx, url, segOffset+img.cfg.FetchOffset, length, img.cfg.Validators, transport.Cancel(cancel), remaining[:length])
		if cerr := img.classifyFetchErr(n, int(length), err); cerr != nil {
			return cerr
		}
		remaining = remaining[length:]
		offset += length
	}
	return nil
}

// resolveURL returns the cached redirect target for rawURL, saving a
// redirect round trip on every chunk fetch against an origin that
// redirects to a CDN or signed URL (the common case for segmented
// images, where the same segment is hit by many chunk fetches). Falls
// back to rawURL itself on any resolution failure — this is a latency
// optimization, not a requirement, and must never turn a working fetch
// into a failing one.
func (img *Image) resolveURL(ctx context.Context, rawURL string) string {
	resolved, err := img.cfg.Client.ResolveRedirect(ctx, rawURL)
	if err != nil {
		return rawURL
	}
	return resolved
}

func (img *Image) classifyFetchErr(n, want int, err error) error {
	if err == nil {
		if n != want {
			return ErrIO
		}
		return nil
	}
	if terr, ok := err.(*transport.Error); ok && terr.Kind == transport.KindInterrupted {
		return ErrInterrupted
	}
	vmlog.Debugf(img.cfg.Name, "fetch failed: %v", err)
	return ErrIO
}

// Write implements the per-chunk write pipeline of spec.md §4.8.
func (img *Image) Write(buf []byte, start int64, cancel transport.Cancel) (int, error) {
	if img.isClosed() {
		return 0, ErrIO
	}
	img.trace("write", start, int64(len(buf)))

	// Growth: a write entirely or partly past current_size extends the
	// image before chunk processing begins, per "growing simply extends
	// the logical size".
	if end := start + int64(len(buf)); end > img.Size() {
		img.sizeMu.Lock()
		if end > img.currentSize {
			img.currentSize = end
		}
		img.sizeMu.Unlock()
	}

	c := newCursor(start, int64(len(buf)), img.cfg.ChunkSize)
	var total int64
	for {
		size := img.Size()
		st, ok := c.next(size)
		if !ok {
			break
		}

		if err := img.locks.Acquire(st.chunk, interruptFor(cancel)); err != nil {
			if total == 0 {
				return 0, ErrInterrupted
			}
			return int(total), nil
		}

		n, err := img.writeChunkLocked(st.chunk, st.chunkOffset, buf[st.bufOffset:st.bufOffset+st.length], cancel)
		img.locks.Release(st.chunk)

		total += int64(n)
		if err != nil {
			img.Counters.IOErrors.Add(1)
			if total == 0 {
				return 0, err
			}
			return int(total), nil
		}
		c.advance(int64(n))
		if n == 0 {
			break
		}
	}
	img.Counters.BytesWritten.Add(uint64(total))
	return int(total), nil
}

// writeChunkLocked performs steps 3-6 of the write pipeline for a single
// chunk. The caller holds the chunk lock for chunk already.
func (img *Image) writeChunkLocked(chunk, chunkOffset int64, data []byte, cancel transport.Cancel) (int, error) {
	img.accessedMap.Set(int(chunk))

	if !img.modifiedMap.Test(int(chunk)) {
		if err := img.materializeChunk(chunk, cancel); err != nil {
			return 0, err
		}
		img.Counters.ChunkDirties.Add(1)
		img.modifiedMap.Set(int(chunk))
	}

	if err := img.modified.Write(chunk, chunkOffset, data); err != nil {
		return 0, ErrIO
	}
	return len(data), nil
}

// materializeChunk copies the full current contents of chunk (fetching
// from the origin if necessary) into the modified store ahead of a first
// write, per spec.md §4.8 step 4.
func (img *Image) materializeChunk(chunk int64, cancel transport.Cancel) error {
	full := make([]byte, img.cfg.ChunkSize)
	n, err := img.readChunkLocked(chunk, 0, img.cfg.ChunkSize, full, cancel)
	if err != nil {
		return err
	}
	return img.modified.Write(chunk, 0, full[:n])
}

// Truncate implements spec.md §4.8's size-change semantics: chunks that
// become fully outside [0, new_size) are serialized against their locks
// before the size is committed, and the boundary chunk's tail (if any) is
// zero-filled in the modified store on shrink.
func (img *Image) Truncate(newSize int64) error {
	if img.isClosed() {
		return ErrIO
	}
	oldSize := img.Size()
	if newSize == oldSize {
		return nil
	}

	if newSize < oldSize {
		oldChunks := numChunksIn(oldSize, img.cfg.ChunkSize)
		rem := newSize % img.cfg.ChunkSize

		// boundary is the chunk partially retained when new_size doesn't
		// fall on a chunk boundary; excludedFrom is the first chunk index
		// that becomes fully outside [0, new_size).
		boundary := int64(-1)
		excludedFrom := newSize / img.cfg.ChunkSize
		if rem != 0 {
			boundary = excludedFrom
			excludedFrom++
		}

		// Serialize against every fully-excluded chunk: a concurrent
		// operation holding one of these locks must finish before the
		// size shrinks out from under it.
		for chunk := excludedFrom; chunk < oldChunks; chunk++ {
			_ = img.locks.Acquire(chunk, nil)
			img.locks.Release(chunk)
		}

		if boundary >= 0 {
			_ = img.locks.Acquire(boundary, nil)
			if img.modifiedMap.Test(int(boundary)) {
				if err := img.modified.TruncateChunkTail(boundary, rem); err != nil {
					img.locks.Release(boundary)
					return ErrIO
				}
			}
			img.locks.Release(boundary)
		}
	}

	img.sizeMu.Lock()
	img.currentSize = newSize
	img.sizeMu.Unlock()
	return nil
}

// interruptFor adapts a transport.Cancel predicate to chunklock.Interrupt,
// preserving the fast uninterruptible path when cancel is nil.
func interruptFor(cancel transport.Cancel) chunklock.Interrupt {
	if cancel == nil {
		return nil
	}
	return func() bool { return cancel() }
}

func numChunksIn(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

func (img *Image) isClosed() bool {
	img.sizeMu.RLock()
	defer img.sizeMu.RUnlock()
	return img.closed
}

// trace emits the operation's I/O trace line before any chunk lock is
// taken, per spec.md §5's ordering guarantee.
func (img *Image) trace(op string, start, count int64) {
	img.ioStream.Write([]byte(fmt.Sprintf("%s %d+%d\n", op, start, count)))
}
