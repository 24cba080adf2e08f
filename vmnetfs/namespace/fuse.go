package namespace

import (
	"context"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cmusatyalab/vmnetfs/lib/statcounter"
	"github.com/cmusatyalab/vmnetfs/lib/streamgroup"
)

// Root is the go-fuse inode-tree root for a Namespace. The FUSE kernel
// bridge itself is an external collaborator (spec.md §1); this type is
// the thin adapter translating go-fuse's NodeOpener/NodeReader/NodeWriter
// calls (served by its file nodes) into the namespace's fixed per-Kind
// capability set.
type Root struct {
	fs.Inode
	ns *Namespace
}

// NewRoot returns the root for ns. The inode tree (one directory node per
// path segment and one file node per Entry) is built later, in OnAdd.
func NewRoot(ns *Namespace) *Root {
	return &Root{ns: ns}
}

var _ fs.InodeEmbedder = (*Root)(nil)
var _ fs.NodeOnAdder = (*Root)(nil)

// OnAdd is invoked once by go-fuse when the root inode is attached to the
// mount; it materializes every namespace path as a persistent child
// inode so Lookup never needs to consult the namespace at request time.
func (r *Root) OnAdd(ctx context.Context) {
	for _, path := range r.ns.Paths() {
		entry, ok := r.ns.Lookup(path)
		if !ok {
			continue
		}
		r.attach(path, entry)
	}
}

func (r *Root) attach(path string, entry *Entry) {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	dir := &r.Inode
	for _, seg := range segments[:len(segments)-1] {
		child := dir.GetChild(seg)
		if child == nil {
			child = dir.NewPersistentInode(context.Background(), &fs.Inode{}, fs.StableAttr{Mode: syscall.S_IFDIR})
			dir.AddChild(seg, child, true)
		}
		dir = child
	}
	leaf := segments[len(segments)-1]
	node := &fileNode{entry: entry}
	child := dir.NewPersistentInode(context.Background(), node, fs.StableAttr{Mode: syscall.S_IFREG})
	dir.AddChild(leaf, child, true)
}

// fileNode adapts one Entry to go-fuse's per-inode operation set.
type fileNode struct {
	fs.Inode
	entry *Entry
}

var (
	_ fs.InodeEmbedder = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
	_ fs.NodeWriter    = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
	_ fs.NodeReleaser  = (*fileNode)(nil)
)

func (n *fileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = n.entry.Kind.Mode()
	out.Size = uint64(n.entry.Size())
	return 0
}

func (n *fileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if n.entry.Kind != KindImage {
			return syscall.EPERM
		}
		if err := n.entry.Image.Truncate(int64(size)); err != nil {
			return syscall.EIO
		}
	}
	out.Mode = n.entry.Kind.Mode()
	out.Size = uint64(n.entry.Size())
	return 0
}

// handle is the per-open file state: a counter snapshot+poll handle, or a
// stream subscription, depending on Kind.
type handle struct {
	mu sync.Mutex

	snapshot string
	poll     *statcounter.Handle

	stream *streamgroup.Stream
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	switch n.entry.Kind {
	case KindCounter:
		snap, h := n.entry.ReadCounterSnapshot()
		return &handle{snapshot: snap, poll: h}, 0, 0
	case KindDerived:
		return &handle{snapshot: n.entry.ReadDerivedSnapshot()}, 0, 0
	case KindStream:
		return &handle{stream: n.entry.Stream.Subscribe()}, 0, 0
	default:
		return nil, 0, 0
	}
}

func (n *fileNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	switch n.entry.Kind {
	case KindImage:
		nread, err := n.entry.Image.Read(dest, off, nil)
		if err != nil {
			return nil, syscall.EIO
		}
		return fuse.ReadResultData(dest[:nread]), 0

	case KindFixed, KindString:
		text := n.entry.Fixed
		if off >= int64(len(text)) {
			return fuse.ReadResultData(nil), 0
		}
		end := off + int64(len(dest))
		if end > int64(len(text)) {
			end = int64(len(text))
		}
		return fuse.ReadResultData([]byte(text[off:end])), 0

	case KindCounter, KindDerived:
		h, ok := f.(*handle)
		if !ok {
			return nil, syscall.EIO
		}
		h.mu.Lock()
		text := h.snapshot
		h.mu.Unlock()
		if off >= int64(len(text)) {
			return fuse.ReadResultData(nil), 0
		}
		end := off + int64(len(dest))
		if end > int64(len(text)) {
			end = int64(len(text))
		}
		return fuse.ReadResultData([]byte(text[off:end])), 0

	case KindStream:
		h, ok := f.(*handle)
		if !ok {
			return nil, syscall.EIO
		}
		blocking := true // streams/* and /log are opened blocking by default
		n, err := h.stream.Read(dest, blocking)
		if err != nil && n == 0 {
			return fuse.ReadResultData(nil), 0
		}
		return fuse.ReadResultData(dest[:n]), 0
	}
	return nil, syscall.ENOSYS
}

func (n *fileNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if n.entry.Kind != KindImage {
		return 0, syscall.EPERM
	}
	nwritten, err := n.entry.Image.Write(data, off, nil)
	if err != nil {
		return uint32(nwritten), syscall.EIO
	}
	return uint32(nwritten), 0
}

// Release detaches a stream subscription when its file handle is closed,
// and cancels any pending counter poll notification, mirroring
// statcounter.Handle.Release / streamgroup.Stream.Close semantics.
func (n *fileNode) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	h, ok := f.(*handle)
	if !ok {
		return 0
	}
	if h.stream != nil {
		h.stream.Close()
	}
	if h.poll != nil {
		h.poll.Release()
	}
	return 0
}
