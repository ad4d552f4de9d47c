package pool

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

var (
	ErrUnknownPool = errors.New("unknown pool id")
	ErrNotOwner    = errors.New("pool is allocated by the peer processor")
	ErrNotInPool   = errors.New("address outside pool")
)

// Spec describes one pool of the link region.
type Spec struct {
	Size     uint32
	MinBlock uint32
	// Owner is the only side that allocates from and frees to this pool.
	Owner sab.ProcessorID
}

type Config struct {
	Pools  []Spec
	Logger *utils.Logger
}

// DefaultConfig returns two GPP-owned pools (control/lock objects and
// ring buffers) and one DSP-owned pool.
func DefaultConfig() Config {
	return Config{
		Pools: []Spec{
			{Size: 64 * 1024, MinBlock: 64, Owner: sab.ProcessorGPP},
			{Size: 1024 * 1024, MinBlock: 256, Owner: sab.ProcessorGPP},
			{Size: 256 * 1024, MinBlock: 64, Owner: 0},
		},
	}
}

// LayoutSizes returns the pool sizes in the form sab.LayoutSpec wants.
func LayoutSizes(specs []Spec) []uint32 {
	out := make([]uint32, len(specs))
	for i, s := range specs {
		out[i] = s.Size
	}
	return out
}

type poolEntry struct {
	id     uint32
	spec   Spec
	region sab.MemoryRegion
	buddy  *BuddyAllocator

	allocs atomic.Uint64
	frees  atomic.Uint64
}

// SharedPool allocates from the pools of one link region and translates
// addresses between its views. Addresses handed out are in the user view.
type SharedPool struct {
	region *sab.Region
	local  sab.ProcessorID
	pools  []*poolEntry
	logger *utils.Logger
}

// New binds the pools of layout to region. Only pools owned by the
// region's processor get an allocator.
func New(region *sab.Region, layout *sab.Layout, cfg Config) (*SharedPool, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("pool")
	}
	if len(cfg.Pools) != layout.PoolCount() {
		return nil, fmt.Errorf("config has %d pools, layout has %d", len(cfg.Pools), layout.PoolCount())
	}

	sp := &SharedPool{
		region: region,
		local:  region.Info().ProcID,
		logger: cfg.Logger,
	}
	for i, spec := range cfg.Pools {
		r, err := layout.Pool(i)
		if err != nil {
			return nil, err
		}
		if r.Size != spec.Size {
			return nil, fmt.Errorf("pool %d: config size %d, layout size %d", i, spec.Size, r.Size)
		}
		e := &poolEntry{id: uint32(i), spec: spec, region: r}
		if spec.Owner == sp.local {
			if e.buddy, err = NewBuddyAllocator(r.Offset, r.Size, spec.MinBlock); err != nil {
				return nil, fmt.Errorf("pool %d: %w", i, err)
			}
		}
		sp.pools = append(sp.pools, e)
	}

	sp.logger.Debug("shared pools ready",
		utils.String("proc", sp.local.String()),
		utils.Int("pools", len(sp.pools)))
	return sp, nil
}

func (sp *SharedPool) Region() *sab.Region {
	return sp.region
}

func (sp *SharedPool) Count() int {
	return len(sp.pools)
}

// Owner reports which processor allocates from pool id.
func (sp *SharedPool) Owner(id uint32) (sab.ProcessorID, error) {
	e, err := sp.entry(id)
	if err != nil {
		return 0, err
	}
	return e.spec.Owner, nil
}

// Alloc returns a user-view address of at least size bytes from pool id.
func (sp *SharedPool) Alloc(id, size uint32) (sab.Addr, error) {
	e, err := sp.owned(id)
	if err != nil {
		return 0, err
	}
	off, err := e.buddy.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("pool %d: %w", id, err)
	}
	e.allocs.Add(1)
	return sp.region.Addr(off, sab.AddrUser)
}

// Free returns a block. size must not exceed the block that was handed out.
func (sp *SharedPool) Free(id uint32, addr sab.Addr, size uint32) error {
	e, err := sp.owned(id)
	if err != nil {
		return err
	}
	off, err := sp.offsetIn(e, addr, sab.AddrUser, 0)
	if err != nil {
		return err
	}
	if block, ok := e.buddy.BlockSize(off); ok && size > block {
		return fmt.Errorf("pool %d: free of %d bytes from %d byte block", id, size, block)
	}
	if err := e.buddy.Free(off); err != nil {
		return fmt.Errorf("pool %d: %w", id, err)
	}
	e.frees.Add(1)
	return nil
}

// Translate converts src (in srcType view) to the dstType view, checking
// that it belongs to pool id.
func (sp *SharedPool) Translate(id uint32, dstType sab.AddrType, src sab.Addr, srcType sab.AddrType) (sab.Addr, error) {
	e, err := sp.entry(id)
	if err != nil {
		return 0, err
	}
	off, err := sp.offsetIn(e, src, srcType, 0)
	if err != nil {
		return 0, err
	}
	return sp.region.Addr(off, dstType)
}

// Writeback pushes the range out to the peer.
func (sp *SharedPool) Writeback(id uint32, addr sab.Addr, size uint32) error {
	e, err := sp.entry(id)
	if err != nil {
		return err
	}
	off, err := sp.offsetIn(e, addr, sab.AddrUser, size)
	if err != nil {
		return err
	}
	return sp.region.Memory().Writeback(off, size)
}

// Invalidate drops stale local copies of the range.
func (sp *SharedPool) Invalidate(id uint32, addr sab.Addr, size uint32) error {
	e, err := sp.entry(id)
	if err != nil {
		return err
	}
	off, err := sp.offsetIn(e, addr, sab.AddrUser, size)
	if err != nil {
		return err
	}
	return sp.region.Memory().Invalidate(off, size)
}

// Bytes returns a view of size bytes at a user-view address in pool id.
func (sp *SharedPool) Bytes(id uint32, addr sab.Addr, size uint32) ([]byte, error) {
	e, err := sp.entry(id)
	if err != nil {
		return nil, err
	}
	off, err := sp.offsetIn(e, addr, sab.AddrUser, size)
	if err != nil {
		return nil, err
	}
	return sp.region.Memory().Slice(off, size)
}

// Offset converts a user-view address in pool id to a provider offset.
func (sp *SharedPool) Offset(id uint32, addr sab.Addr, size uint32) (uint32, error) {
	e, err := sp.entry(id)
	if err != nil {
		return 0, err
	}
	return sp.offsetIn(e, addr, sab.AddrUser, size)
}

// Stats reports allocator state for pools this side owns.
type Stats struct {
	ID     uint32
	Owner  sab.ProcessorID
	Allocs uint64
	Frees  uint64
	Buddy  *BuddyStats
}

func (sp *SharedPool) Stats() []Stats {
	out := make([]Stats, 0, len(sp.pools))
	for _, e := range sp.pools {
		s := Stats{ID: e.id, Owner: e.spec.Owner, Allocs: e.allocs.Load(), Frees: e.frees.Load()}
		if e.buddy != nil {
			bs := e.buddy.GetStats()
			s.Buddy = &bs
		}
		out = append(out, s)
	}
	return out
}

func (sp *SharedPool) entry(id uint32) (*poolEntry, error) {
	if int(id) >= len(sp.pools) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, id)
	}
	return sp.pools[id], nil
}

func (sp *SharedPool) owned(id uint32) (*poolEntry, error) {
	e, err := sp.entry(id)
	if err != nil {
		return nil, err
	}
	if e.buddy == nil {
		return nil, fmt.Errorf("%w: pool %d owned by %s", ErrNotOwner, id, e.spec.Owner)
	}
	return e, nil
}

func (sp *SharedPool) offsetIn(e *poolEntry, addr sab.Addr, t sab.AddrType, size uint32) (uint32, error) {
	off, err := sp.region.Offset(addr, t)
	if err != nil {
		return 0, err
	}
	if off < e.region.Offset || uint64(off)+uint64(max(size, 1)) > uint64(e.region.End()) {
		return 0, fmt.Errorf("%w: 0x%x+%d not in pool %d", ErrNotInPool, addr, size, e.id)
	}
	return off, nil
}
