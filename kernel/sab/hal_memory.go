package sab

import (
	"sync/atomic"
	"unsafe"
)

// InMemoryProvider stores the region in a local byte slice. Two sides of
// a link running in one process share one provider.
type InMemoryProvider struct {
	data []byte

	writebacks    atomic.Uint64
	invalidations atomic.Uint64
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	return &InMemoryProvider{
		data: make([]byte, size),
	}
}

func (m *InMemoryProvider) Size() uint32 {
	return uint32(len(m.data))
}

func (m *InMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if err := checkRange(offset, uint32(len(dest)), m.Size()); err != nil {
		return err
	}
	copy(dest, m.data[offset:offset+uint32(len(dest))])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if err := checkRange(offset, uint32(len(src)), m.Size()); err != nil {
		return err
	}
	copy(m.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (m *InMemoryProvider) Slice(offset, size uint32) ([]byte, error) {
	if err := checkRange(offset, size, m.Size()); err != nil {
		return nil, err
	}
	return m.data[offset : offset+size : offset+size], nil
}

func (m *InMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (m *InMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

// Writeback is a coherent no-op; it is counted so tests can check the
// cache discipline of callers.
func (m *InMemoryProvider) Writeback(offset, size uint32) error {
	if err := checkRange(offset, size, m.Size()); err != nil {
		return err
	}
	m.writebacks.Add(1)
	return nil
}

func (m *InMemoryProvider) Invalidate(offset, size uint32) error {
	if err := checkRange(offset, size, m.Size()); err != nil {
		return err
	}
	m.invalidations.Add(1)
	return nil
}

// CacheOps reports how many writeback and invalidate calls were made.
func (m *InMemoryProvider) CacheOps() (writebacks, invalidations uint64) {
	return m.writebacks.Load(), m.invalidations.Load()
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}

func (m *InMemoryProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if err := checkRange(offset, 4, m.Size()); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&m.data[offset]), nil
}
