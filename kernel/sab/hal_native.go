//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider maps a file so that two processes (one per side of
// the link) see the same region.
type SharedMemoryProvider struct {
	path string
	file *os.File
	data []byte
	size uint32
	page uint32
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
}

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/dsplink_region"
	}
	return filepath.Join(os.TempDir(), "dsplink_region")
}

// OpenSharedMemory opens or creates a shared memory mapping.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	if opts.Create {
		if opts.Size == 0 {
			_ = file.Close()
			return nil, errors.New("shared memory size required when creating")
		}
		if err := file.Truncate(int64(opts.Size)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, errors.New("shared memory file has zero size")
	}
	size := uint32(info.Size())

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}

	return &SharedMemoryProvider{
		path: path,
		file: file,
		data: data,
		size: size,
		page: uint32(unix.Getpagesize()),
	}, nil
}

// Path returns the backing file path.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

func (s *SharedMemoryProvider) Size() uint32 {
	return s.size
}

func (s *SharedMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if err := checkRange(offset, uint32(len(dest)), s.size); err != nil {
		return err
	}
	copy(dest, s.data[offset:offset+uint32(len(dest))])
	return nil
}

func (s *SharedMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if err := checkRange(offset, uint32(len(src)), s.size); err != nil {
		return err
	}
	copy(s.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (s *SharedMemoryProvider) Slice(offset, size uint32) ([]byte, error) {
	if s.data == nil {
		return nil, ErrClosed
	}
	if err := checkRange(offset, size, s.size); err != nil {
		return nil, err
	}
	return s.data[offset : offset+size : offset+size], nil
}

func (s *SharedMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (s *SharedMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

// Writeback flushes the pages covering the range to the backing file.
func (s *SharedMemoryProvider) Writeback(offset, size uint32) error {
	return s.msync(offset, size, unix.MS_SYNC)
}

// Invalidate drops cached copies of the pages covering the range.
func (s *SharedMemoryProvider) Invalidate(offset, size uint32) error {
	return s.msync(offset, size, unix.MS_INVALIDATE)
}

func (s *SharedMemoryProvider) msync(offset, size uint32, flags int) error {
	if s.data == nil {
		return ErrClosed
	}
	if err := checkRange(offset, size, s.size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	start := offset - offset%s.page
	end := offset + size
	if err := unix.Msync(s.data[start:end], flags); err != nil {
		return fmt.Errorf("msync [%d,%d): %w", start, end, err)
	}
	return nil
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}

func (s *SharedMemoryProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if s.data == nil {
		return nil, ErrClosed
	}
	if err := checkRange(offset, 4, s.size); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&s.data[offset]), nil
}
