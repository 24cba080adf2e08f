// Package cache implements the two on-disk layers backing an image: the
// read-only pristine store of fetched chunks, and the private sparse
// modified-store overlay for dirty chunks.
//
// The pristine store's bucketed directory layout and atomic
// write-temp-then-rename mirror the teacher's on-disk chunk cache
// (backend/cache/storage_persistent.go, which buckets objects under a
// boltdb-indexed directory tree and always writes through a temp file);
// here the index is the directory scan itself rather than a database, per
// the "no persistent metadata index" decision recorded in DESIGN.md.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/cmusatyalab/vmnetfs/lib/bitmap"
)

// ChunksPerDir is the bucket width of the pristine store's directory
// layout: chunk C lives under bucket floor(C/ChunksPerDir)*ChunksPerDir.
const ChunksPerDir = 4096

// Pristine is the read-only, persistent store of chunks fetched from the
// origin. It is safe for concurrent use; callers are still expected to
// hold the chunk lock for the chunk they are reading or writing, but two
// different chunks may be operated on concurrently without additional
// synchronization here.
type Pristine struct {
	dir       string
	chunkSize int64
	present   *bitmap.Bitmap
}

// Open prepares the pristine store rooted at dir for an image with the
// given chunkSize and initialSize, scanning the directory tree to rebuild
// the present-chunk bitmap per spec.md §4.6. A malformed entry (wrong
// bucket, out-of-range index, non-decimal name) is a fatal error: the
// image must refuse to start rather than silently drop the corrupt state.
func Open(dir string, chunkSize, initialSize int64) (*Pristine, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "cache: creating pristine directory %s", dir)
	}
	p := &Pristine{
		dir:       dir,
		chunkSize: chunkSize,
		present:   bitmap.New(),
	}
	if err := p.scan(initialSize); err != nil {
		return nil, err
	}
	return p, nil
}

func numChunks(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

func (p *Pristine) scan(initialSize int64) error {
	maxChunks := numChunks(initialSize, p.chunkSize)

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return errors.Wrapf(err, "cache: scanning pristine directory %s", p.dir)
	}
	for _, bucketEnt := range entries {
		if !bucketEnt.IsDir() {
			continue
		}
		bucket, err := strconv.ParseInt(bucketEnt.Name(), 10, 64)
		if err != nil || bucket < 0 || bucket%ChunksPerDir != 0 {
			return errors.Errorf("cache: malformed bucket directory %q in %s", bucketEnt.Name(), p.dir)
		}
		bucketDir := filepath.Join(p.dir, bucketEnt.Name())
		files, err := os.ReadDir(bucketDir)
		if err != nil {
			return errors.Wrapf(err, "cache: scanning bucket %s", bucketDir)
		}
		for _, f := range files {
			if f.IsDir() {
				return errors.Errorf("cache: unexpected subdirectory %q in bucket %s", f.Name(), bucketDir)
			}
			chunk, err := strconv.ParseInt(f.Name(), 10, 64)
			if err != nil || chunk < 0 {
				return errors.Errorf("cache: malformed chunk file %q in %s", f.Name(), bucketDir)
			}
			if bucketFor(chunk) != bucket {
				return errors.Errorf("cache: chunk %d found in wrong bucket %d", chunk, bucket)
			}
			if chunk >= maxChunks {
				return errors.Errorf("cache: chunk %d exceeds initial size (max %d chunks)", chunk, maxChunks)
			}
			p.present.Set(int(chunk))
		}
	}
	return nil
}

func bucketFor(chunk int64) int64 {
	return (chunk / ChunksPerDir) * ChunksPerDir
}

func (p *Pristine) path(chunk int64) string {
	bucket := bucketFor(chunk)
	return filepath.Join(p.dir, strconv.FormatInt(bucket, 10), strconv.FormatInt(chunk, 10))
}

// Present reports whether chunk has already been fetched and stored.
func (p *Pristine) Present(chunk int64) bool {
	return p.present.Test(int(chunk))
}

// PresentMap returns the bitmap tracking which chunks are stored, for
// subscription by the namespace's streams/chunks_cached file.
func (p *Pristine) PresentMap() *bitmap.Bitmap {
	return p.present
}

// Read reads length bytes at offset within chunk's stored file. The
// caller must already hold the chunk lock and have verified Present(chunk).
func (p *Pristine) Read(chunk, offset, length int64) ([]byte, error) {
	f, err := os.Open(p.path(chunk))
	if err != nil {
		return nil, errors.Wrapf(err, "cache: reading chunk %d", chunk)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, errors.Wrapf(err, "cache: reading chunk %d at offset %d", chunk, offset)
	}
	return buf[:n], nil
}

// Write stores the full contents of a fetched chunk, writing to a
// temporary file in the bucket directory and renaming into place so a
// concurrent reader never observes a partial file, then marks the chunk
// present. It is idempotent: writing a chunk that is already present
// simply overwrites it (this can happen under the cross-instance sharing
// hazard spec.md §9's Open Questions describe as tolerated, not
// coordinated).
func (p *Pristine) Write(chunk int64, data []byte) error {
	bucket := bucketFor(chunk)
	bucketDir := filepath.Join(p.dir, strconv.FormatInt(bucket, 10))
	if err := os.MkdirAll(bucketDir, 0700); err != nil {
		return errors.Wrapf(err, "cache: creating bucket directory %s", bucketDir)
	}

	tmp, err := os.CreateTemp(bucketDir, fmt.Sprintf(".%d.tmp-*", chunk))
	if err != nil {
		return errors.Wrapf(err, "cache: creating temp file for chunk %d", chunk)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "cache: writing temp file for chunk %d", chunk)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "cache: closing temp file for chunk %d", chunk)
	}
	if err := os.Rename(tmpName, p.path(chunk)); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "cache: renaming chunk %d into place", chunk)
	}

	p.present.Set(int(chunk))
	return nil
}
