package cache

import (
	stderrors "errors"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Modified is the private, process-local overlay store for dirty chunks.
// It is backed by a single anonymous file (created then unlinked, per
// spec.md §4.7/§5 "the modified-store file is private to the process")
// addressed as chunk_index*chunkSize + offset. Reads of never-written
// regions return zeros courtesy of the filesystem's sparse-file hole
// semantics; this type never tracks "which bytes are real" itself — that
// is the job of the image core's modified bitmap.
type Modified struct {
	f         *os.File
	chunkSize int64
}

// OpenModified creates the overlay file in dir (typically a scratch
// subdirectory of the image's cache_dir) and immediately unlinks it so it
// disappears from the directory tree but remains usable through the open
// descriptor for the life of the process.
func OpenModified(dir string, chunkSize int64) (*Modified, error) {
	f, err := os.CreateTemp(dir, ".modified-*")
	if err != nil {
		return nil, errors.Wrap(err, "cache: creating modified-store file")
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "cache: unlinking modified-store file")
	}
	return &Modified{f: f, chunkSize: chunkSize}, nil
}

func (m *Modified) fileOffset(chunk, offset int64) int64 {
	return chunk*m.chunkSize + offset
}

// Read reads length bytes at offset within chunk. A short read at the
// current end of the backing file reads as zeros up to length, matching
// the sparse-hole semantics a VM image write pattern relies on.
func (m *Modified) Read(chunk, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	_, err := m.f.ReadAt(buf, m.fileOffset(chunk, offset))
	if err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "cache: reading modified chunk %d", chunk)
	}
	// A short read past the current file size is reported as io.EOF; the
	// unread tail of buf is already zero-valued, which is exactly the
	// "hole reads as zero" behavior the overlay needs.
	return buf, nil
}

// Write writes data at offset within chunk, extending the backing file as
// needed; intervening unwritten regions become sparse holes.
func (m *Modified) Write(chunk, offset int64, data []byte) error {
	if _, err := m.f.WriteAt(data, m.fileOffset(chunk, offset)); err != nil {
		return errors.Wrapf(err, "cache: writing modified chunk %d", chunk)
	}
	return nil
}

// TruncateChunkTail zero-fills the bytes of chunk from keepLength to the
// end of the chunk, used when a shrink leaves a chunk partially retained
// (spec.md §4.7: "shrinking zero-fills bits of the trailing chunk that
// remain in range").
func (m *Modified) TruncateChunkTail(chunk, keepLength int64) error {
	tail := m.chunkSize - keepLength
	if tail <= 0 {
		return nil
	}
	zeros := make([]byte, tail)
	return m.Write(chunk, keepLength, zeros)
}

// Close releases the underlying file descriptor. Since the file was
// unlinked at creation, its storage is reclaimed by the OS once closed.
func (m *Modified) Close() error {
	return m.f.Close()
}
