package sab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

const (
	SNAPSHOT_MAGIC   = 0x50534C44 // "DLSP"
	SNAPSHOT_VERSION = 1
	snapshotHdrSize  = 24
)

var ErrBadSnapshot = errors.New("malformed link snapshot")

// Snapshot is a point-in-time copy of a link region.
type Snapshot struct {
	Signature uint64
	Owner     ProcessorID
	Data      []byte
}

// TakeSnapshot copies the first layout-sized bytes of mem. The copy is
// not synchronized with either side; callers quiesce the link first when
// they need a consistent image.
func TakeSnapshot(mem MemoryProvider, l *Layout) (*Snapshot, error) {
	info, err := l.Attach(mem)
	if err != nil {
		return nil, err
	}
	size := l.spec.RegionSize
	if err := mem.Invalidate(0, size); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if err := mem.ReadAt(0, data); err != nil {
		return nil, err
	}
	return &Snapshot{Signature: info.Signature, Owner: info.Owner, Data: data}, nil
}

// WriteTo streams the snapshot brotli-compressed.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	hdr := make([]byte, snapshotHdrSize)
	binary.LittleEndian.PutUint32(hdr[0:], SNAPSHOT_MAGIC)
	binary.LittleEndian.PutUint32(hdr[4:], SNAPSHOT_VERSION)
	binary.LittleEndian.PutUint64(hdr[8:], s.Signature)
	binary.LittleEndian.PutUint32(hdr[16:], uint32(s.Owner))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(s.Data)))
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}

	bw := brotli.NewWriterLevel(cw, brotli.DefaultCompression)
	if _, err := bw.Write(s.Data); err != nil {
		_ = bw.Close()
		return cw.n, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := bw.Close(); err != nil {
		return cw.n, fmt.Errorf("compress snapshot: %w", err)
	}
	return cw.n, nil
}

// ReadSnapshot decodes a snapshot written by WriteTo.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	hdr := make([]byte, snapshotHdrSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != SNAPSHOT_MAGIC {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != SNAPSHOT_VERSION {
		return nil, fmt.Errorf("%w: version %d", ErrBadSnapshot, v)
	}
	size := binary.LittleEndian.Uint32(hdr[20:])
	if size > LINK_SIZE_MAX {
		return nil, fmt.Errorf("%w: size %d", ErrBadSnapshot, size)
	}

	s := &Snapshot{
		Signature: binary.LittleEndian.Uint64(hdr[8:]),
		Owner:     ProcessorID(binary.LittleEndian.Uint32(hdr[16:])),
		Data:      make([]byte, size),
	}
	if _, err := io.ReadFull(brotli.NewReader(r), s.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return s, nil
}

// Restore writes the snapshot back into mem, refusing images taken with a
// different layout.
func (s *Snapshot) Restore(mem MemoryProvider, l *Layout) error {
	if s.Signature != l.signature {
		return fmt.Errorf("%w: snapshot 0x%016x, local 0x%016x", ErrLayoutMismatch, s.Signature, l.signature)
	}
	if uint32(len(s.Data)) != l.spec.RegionSize {
		return fmt.Errorf("%w: size %d", ErrBadSnapshot, len(s.Data))
	}
	if err := mem.WriteAt(0, s.Data); err != nil {
		return err
	}
	return mem.Writeback(0, uint32(len(s.Data)))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
