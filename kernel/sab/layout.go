package sab

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Link region layout. Every side of a link computes the same layout from
// the same parameters; the header carries a signature of those
// parameters so a side configured differently refuses to attach.
const (
	CACHE_LINE_SIZE = 64

	LINK_MAGIC   = 0x4B4E4C44 // "DLNK"
	LINK_VERSION = 1

	// ========== LINK HEADER (one cache line) ==========
	OFFSET_LINK_HEADER = 0x000000
	SIZE_LINK_HEADER   = CACHE_LINE_SIZE

	// Field offsets inside the header
	HDR_MAGIC       = 0x00
	HDR_VERSION     = 0x04
	HDR_SIGNATURE   = 0x08 // u64
	HDR_REGION_SIZE = 0x10
	HDR_OWNER_PROC  = 0x14
	HDR_POOL_COUNT  = 0x18
	HDR_INITIALIZED = 0x1C // written last by the formatting side

	LINK_SIZE_MIN = 64 * 1024
	LINK_SIZE_MAX = 256 * 1024 * 1024

	REGION_LINK_HEADER = "link_header"
	REGION_MPCS_CTRL   = "mpcs_ctrl"
	REGION_RINGIO_CTRL = "ringio_ctrl"
)

var (
	ErrNotInitialized = errors.New("link region not initialized")
	ErrBadMagic       = errors.New("link region magic mismatch")
	ErrLayoutMismatch = errors.New("link layout signature mismatch")
)

// LayoutSpec holds the parameters a layout is derived from. Control sizes
// come from the packages that own those regions.
type LayoutSpec struct {
	RegionSize   uint32
	MpcsCtrlSize uint32
	RingCtrlSize uint32
	PoolSizes    []uint32
}

// MemoryRegion names a byte range of the link region.
type MemoryRegion struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
}

func (r MemoryRegion) End() uint32 {
	return r.Offset + r.Size
}

// Layout is the resolved placement of every region.
type Layout struct {
	spec      LayoutSpec
	header    MemoryRegion
	mpcs      MemoryRegion
	ring      MemoryRegion
	pools     []MemoryRegion
	signature uint64
}

// AlignUp rounds v up to a multiple of align (a power of two).
func AlignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// ComputeLayout places the header, both control regions and the pools in
// that order, each on a cache line boundary.
func ComputeLayout(spec LayoutSpec) (*Layout, error) {
	if spec.RegionSize < LINK_SIZE_MIN || spec.RegionSize > LINK_SIZE_MAX {
		return nil, fmt.Errorf("region size %d outside [%d, %d]", spec.RegionSize, LINK_SIZE_MIN, LINK_SIZE_MAX)
	}
	if spec.MpcsCtrlSize == 0 || spec.RingCtrlSize == 0 {
		return nil, errors.New("control regions must be non-empty")
	}

	l := &Layout{spec: spec}
	cursor := uint64(0)
	place := func(name, purpose string, size uint32) (MemoryRegion, error) {
		start := uint64(AlignUp(uint32(cursor), CACHE_LINE_SIZE))
		end := start + uint64(size)
		if end > uint64(spec.RegionSize) {
			return MemoryRegion{}, fmt.Errorf("region %s (%d bytes) does not fit in %d", name, size, spec.RegionSize)
		}
		cursor = end
		return MemoryRegion{Name: name, Offset: uint32(start), Size: size, Purpose: purpose}, nil
	}

	var err error
	if l.header, err = place(REGION_LINK_HEADER, "magic, version, signature", SIZE_LINK_HEADER); err != nil {
		return nil, err
	}
	if l.mpcs, err = place(REGION_MPCS_CTRL, "lock directory", spec.MpcsCtrlSize); err != nil {
		return nil, err
	}
	if l.ring, err = place(REGION_RINGIO_CTRL, "ring registry", spec.RingCtrlSize); err != nil {
		return nil, err
	}
	for i, size := range spec.PoolSizes {
		if size == 0 {
			return nil, fmt.Errorf("pool %d has zero size", i)
		}
		r, err := place(PoolRegionName(i), "shared pool", size)
		if err != nil {
			return nil, err
		}
		l.pools = append(l.pools, r)
	}

	v := NewValidator(spec.RegionSize)
	for _, r := range l.Regions() {
		if err := v.RegisterRegion(r); err != nil {
			return nil, err
		}
	}

	l.signature = spec.signature()
	return l, nil
}

func PoolRegionName(i int) string {
	return fmt.Sprintf("pool_%d", i)
}

func (s LayoutSpec) signature() uint64 {
	h := xxhash.New()
	var word [4]byte
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(word[:], v)
		_, _ = h.Write(word[:])
	}
	put(LINK_VERSION)
	put(s.RegionSize)
	put(s.MpcsCtrlSize)
	put(s.RingCtrlSize)
	put(uint32(len(s.PoolSizes)))
	for _, p := range s.PoolSizes {
		put(p)
	}
	return h.Sum64()
}

func (l *Layout) Spec() LayoutSpec {
	spec := l.spec
	spec.PoolSizes = append([]uint32(nil), l.spec.PoolSizes...)
	return spec
}

func (l *Layout) Signature() uint64 {
	return l.signature
}

func (l *Layout) Header() MemoryRegion   { return l.header }
func (l *Layout) MpcsCtrl() MemoryRegion { return l.mpcs }
func (l *Layout) RingCtrl() MemoryRegion { return l.ring }
func (l *Layout) PoolCount() int         { return len(l.pools) }

func (l *Layout) Pool(i int) (MemoryRegion, error) {
	if i < 0 || i >= len(l.pools) {
		return MemoryRegion{}, fmt.Errorf("pool %d not in layout", i)
	}
	return l.pools[i], nil
}

// Regions returns every region in address order.
func (l *Layout) Regions() []MemoryRegion {
	out := []MemoryRegion{l.header, l.mpcs, l.ring}
	return append(out, l.pools...)
}

// Format zeroes the control regions and writes the header. The
// initialized flag is stored last so an attaching side never sees a
// half-written header.
func (l *Layout) Format(mem MemoryProvider, owner ProcessorID) error {
	if mem.Size() < l.spec.RegionSize {
		return fmt.Errorf("%w: provider %d < layout %d", ErrRegionTooLarge, mem.Size(), l.spec.RegionSize)
	}
	if err := mem.AtomicStore32(l.header.Offset+HDR_INITIALIZED, 0); err != nil {
		return err
	}
	for _, r := range []MemoryRegion{l.mpcs, l.ring} {
		if err := mem.WriteAt(r.Offset, make([]byte, r.Size)); err != nil {
			return fmt.Errorf("clear %s: %w", r.Name, err)
		}
	}

	hdr := make([]byte, HDR_INITIALIZED)
	binary.LittleEndian.PutUint32(hdr[HDR_MAGIC:], LINK_MAGIC)
	binary.LittleEndian.PutUint32(hdr[HDR_VERSION:], LINK_VERSION)
	binary.LittleEndian.PutUint64(hdr[HDR_SIGNATURE:], l.signature)
	binary.LittleEndian.PutUint32(hdr[HDR_REGION_SIZE:], l.spec.RegionSize)
	binary.LittleEndian.PutUint32(hdr[HDR_OWNER_PROC:], uint32(owner))
	binary.LittleEndian.PutUint32(hdr[HDR_POOL_COUNT:], uint32(len(l.pools)))
	if err := mem.WriteAt(l.header.Offset, hdr); err != nil {
		return err
	}
	if err := mem.Writeback(0, l.ring.End()); err != nil {
		return err
	}
	if err := mem.AtomicStore32(l.header.Offset+HDR_INITIALIZED, 1); err != nil {
		return err
	}
	return mem.Writeback(l.header.Offset, l.header.Size)
}

// HeaderInfo is the decoded link header.
type HeaderInfo struct {
	Magic      uint32
	Version    uint32
	Signature  uint64
	RegionSize uint32
	Owner      ProcessorID
	PoolCount  uint32
}

// Attach checks that mem was formatted with this layout.
func (l *Layout) Attach(mem MemoryProvider) (HeaderInfo, error) {
	var info HeaderInfo
	if err := mem.Invalidate(l.header.Offset, l.header.Size); err != nil {
		return info, err
	}
	ready, err := mem.AtomicLoad32(l.header.Offset + HDR_INITIALIZED)
	if err != nil {
		return info, err
	}
	if ready != 1 {
		return info, ErrNotInitialized
	}

	hdr := make([]byte, HDR_INITIALIZED)
	if err := mem.ReadAt(l.header.Offset, hdr); err != nil {
		return info, err
	}
	info = HeaderInfo{
		Magic:      binary.LittleEndian.Uint32(hdr[HDR_MAGIC:]),
		Version:    binary.LittleEndian.Uint32(hdr[HDR_VERSION:]),
		Signature:  binary.LittleEndian.Uint64(hdr[HDR_SIGNATURE:]),
		RegionSize: binary.LittleEndian.Uint32(hdr[HDR_REGION_SIZE:]),
		Owner:      ProcessorID(binary.LittleEndian.Uint32(hdr[HDR_OWNER_PROC:])),
		PoolCount:  binary.LittleEndian.Uint32(hdr[HDR_POOL_COUNT:]),
	}
	if info.Magic != LINK_MAGIC {
		return info, fmt.Errorf("%w: 0x%08x", ErrBadMagic, info.Magic)
	}
	if info.Signature != l.signature || info.Version != LINK_VERSION {
		return info, fmt.Errorf("%w: region 0x%016x, local 0x%016x", ErrLayoutMismatch, info.Signature, l.signature)
	}
	return info, nil
}
