package sab

import (
	"errors"
	"fmt"
)

// ProcessorID identifies one processor on the link. DSPs are numbered
// from zero; the GPP sits just past the last DSP.
type ProcessorID uint32

const (
	MaxDSPs                  = 16
	ProcessorGPP ProcessorID = MaxDSPs
)

func (p ProcessorID) IsGPP() bool {
	return p == ProcessorGPP
}

func (p ProcessorID) Valid() bool {
	return p <= ProcessorGPP
}

func (p ProcessorID) String() string {
	if p.IsGPP() {
		return "gpp"
	}
	return fmt.Sprintf("dsp%d", uint32(p))
}

// AddrType selects one of the views through which the region is mapped.
type AddrType int

const (
	AddrUser AddrType = iota
	AddrPhysical
	AddrKernel
	AddrDSP
)

func (t AddrType) String() string {
	switch t {
	case AddrUser:
		return "user"
	case AddrPhysical:
		return "physical"
	case AddrKernel:
		return "kernel"
	case AddrDSP:
		return "dsp"
	default:
		return fmt.Sprintf("addrtype(%d)", int(t))
	}
}

// Addr is an address in one of the region views.
type Addr uint64

var (
	ErrAddressNotMapped = errors.New("address not inside mapped region")
	ErrBadAddrType      = errors.New("unknown address type")
	ErrRegionTooLarge   = errors.New("region exceeds provider size")
)

// MemInfo describes one pre-established shared window: the same bytes as
// seen through the GPP user, kernel and physical views, and through the
// DSP's own view.
type MemInfo struct {
	ProcID   ProcessorID
	PhysAddr Addr
	KernAddr Addr
	UserAddr Addr
	DSPAddr  Addr
	Size     uint32
}

// SimulatedMemInfo returns a descriptor with distinct, recognisable bases
// for each view. Used when both sides run on one host.
func SimulatedMemInfo(proc ProcessorID, size uint32) MemInfo {
	return MemInfo{
		ProcID:   proc,
		PhysAddr: 0x8700_0000,
		KernAddr: 0xC870_0000,
		UserAddr: 0x4000_0000,
		DSPAddr:  0x8700_0000,
		Size:     size,
	}
}

// Validate checks that the physical and DSP views fit in 32 bits, the
// width the shared records store them in.
func (m MemInfo) Validate() error {
	if !m.ProcID.Valid() {
		return fmt.Errorf("invalid processor id %d", m.ProcID)
	}
	if m.Size == 0 {
		return errors.New("region size must be non-zero")
	}
	limit := Addr(1) << 32
	if m.PhysAddr+Addr(m.Size) > limit {
		return fmt.Errorf("physical view 0x%x+0x%x exceeds 32 bits", m.PhysAddr, m.Size)
	}
	if m.DSPAddr+Addr(m.Size) > limit {
		return fmt.Errorf("dsp view 0x%x+0x%x exceeds 32 bits", m.DSPAddr, m.Size)
	}
	return nil
}

func (m MemInfo) base(t AddrType) (Addr, error) {
	switch t {
	case AddrUser:
		return m.UserAddr, nil
	case AddrPhysical:
		return m.PhysAddr, nil
	case AddrKernel:
		return m.KernAddr, nil
	case AddrDSP:
		return m.DSPAddr, nil
	default:
		return 0, ErrBadAddrType
	}
}

// Region binds a descriptor to the memory that backs it.
type Region struct {
	info MemInfo
	mem  MemoryProvider
}

// NewRegion validates info against the provider. A zero DSPAddr means the
// DSP sees the region at its physical address.
func NewRegion(info MemInfo, mem MemoryProvider) (*Region, error) {
	if info.DSPAddr == 0 {
		info.DSPAddr = info.PhysAddr
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Size > mem.Size() {
		return nil, fmt.Errorf("%w: %d > %d", ErrRegionTooLarge, info.Size, mem.Size())
	}
	return &Region{info: info, mem: mem}, nil
}

func (r *Region) Info() MemInfo {
	return r.info
}

func (r *Region) Memory() MemoryProvider {
	return r.mem
}

func (r *Region) Size() uint32 {
	return r.info.Size
}

// Offset converts an address in view t into a provider offset.
func (r *Region) Offset(addr Addr, t AddrType) (uint32, error) {
	base, err := r.info.base(t)
	if err != nil {
		return 0, err
	}
	if addr < base || addr >= base+Addr(r.info.Size) {
		return 0, fmt.Errorf("%w: 0x%x (%s)", ErrAddressNotMapped, addr, t)
	}
	return uint32(addr - base), nil
}

// Addr converts a provider offset into an address in view t.
func (r *Region) Addr(offset uint32, t AddrType) (Addr, error) {
	base, err := r.info.base(t)
	if err != nil {
		return 0, err
	}
	if offset >= r.info.Size {
		return 0, fmt.Errorf("%w: offset 0x%x", ErrAddressNotMapped, offset)
	}
	return base + Addr(offset), nil
}

// Translate moves an address from one view to another.
func (r *Region) Translate(addr Addr, src, dst AddrType) (Addr, error) {
	off, err := r.Offset(addr, src)
	if err != nil {
		return 0, err
	}
	return r.Addr(off, dst)
}

// Close releases the backing memory.
func (r *Region) Close() error {
	return r.mem.Close()
}
