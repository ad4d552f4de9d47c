package sab

import "errors"

// MemoryProvider abstracts access to the shared link region.
// Implementations may be backed by mmap or in-memory buffers. The
// interface offers plain loads and stores only: both sides of the link
// must work on memory without read-modify-write support.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	// Slice returns a view aliasing the shared bytes. Callers own the
	// view only as long as the protocol grants them the range.
	Slice(offset, size uint32) ([]byte, error)
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	// Writeback pushes local writes of a range out to the peer.
	Writeback(offset, size uint32) error
	// Invalidate discards any stale local view of a range.
	Invalidate(offset, size uint32) error
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not 4-byte aligned")
	ErrClosed      = errors.New("memory provider closed")
)

func checkRange(offset, size, total uint32) error {
	end := uint64(offset) + uint64(size)
	if end > uint64(total) {
		return ErrOutOfBounds
	}
	return nil
}
