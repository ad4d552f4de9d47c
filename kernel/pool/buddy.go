package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Buddy allocator over one pool region. Block sizes are powers of two
// from minBlock up to the largest block that fits the pool. Free and
// allocated sets live on the Go heap: a pool is shared with the peer, but
// its bookkeeping belongs to the side that owns it.

var (
	ErrOutOfMemory  = errors.New("pool out of memory")
	ErrInvalidFree  = errors.New("free of unallocated block")
	ErrBadBlockSize = errors.New("block size must be a power of two")
)

type BuddyAllocator struct {
	base     uint32
	total    uint32
	minBlock uint32
	levels   int

	// per level, relative offsets of free blocks
	free []map[uint32]struct{}
	// relative offset -> level of live allocations
	allocated map[uint32]int
	used      uint32

	mu sync.Mutex
}

func NewBuddyAllocator(base, total, minBlock uint32) (*BuddyAllocator, error) {
	if minBlock < 8 || bits.OnesCount32(minBlock) != 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadBlockSize, minBlock)
	}
	if total < minBlock {
		return nil, fmt.Errorf("pool of %d bytes smaller than one %d byte block", total, minBlock)
	}
	total -= total % minBlock

	levels := bits.Len32(total/minBlock) // floor(log2(blocks)) + 1
	ba := &BuddyAllocator{
		base:      base,
		total:     total,
		minBlock:  minBlock,
		levels:    levels,
		free:      make([]map[uint32]struct{}, levels),
		allocated: make(map[uint32]int),
	}
	for i := range ba.free {
		ba.free[i] = make(map[uint32]struct{})
	}

	// Seed with the largest blocks that fit. Sizes decrease, so every
	// block lands on a multiple of its own size.
	remaining := total
	cursor := uint32(0)
	for remaining >= minBlock {
		level := levels - 1
		for ba.levelToSize(level) > remaining {
			level--
		}
		ba.free[level][cursor] = struct{}{}
		cursor += ba.levelToSize(level)
		remaining -= ba.levelToSize(level)
	}
	return ba, nil
}

// Allocate returns the absolute offset of a block of at least size bytes.
// The lowest free offset is preferred so placement is deterministic.
func (ba *BuddyAllocator) Allocate(size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	if size > ba.levelToSize(ba.levels-1) {
		return 0, fmt.Errorf("%w: %d bytes exceeds largest block", ErrOutOfMemory, size)
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := ba.sizeToLevel(size)
	from := -1
	for l := level; l < ba.levels; l++ {
		if len(ba.free[l]) > 0 {
			from = l
			break
		}
	}
	if from < 0 {
		return 0, fmt.Errorf("%w: no block for %d bytes", ErrOutOfMemory, size)
	}

	rel := lowest(ba.free[from])
	delete(ba.free[from], rel)
	for l := from - 1; l >= level; l-- {
		ba.free[l][rel+ba.levelToSize(l)] = struct{}{}
	}

	ba.allocated[rel] = level
	ba.used += ba.levelToSize(level)
	return ba.base + rel, nil
}

// Free returns a block and merges it with free buddies.
func (ba *BuddyAllocator) Free(offset uint32) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if offset < ba.base {
		return fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}
	rel := offset - ba.base
	level, ok := ba.allocated[rel]
	if !ok {
		return fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}
	delete(ba.allocated, rel)
	ba.used -= ba.levelToSize(level)
	ba.coalesce(rel, level)
	return nil
}

// BlockSize reports the size of the live block at offset.
func (ba *BuddyAllocator) BlockSize(offset uint32) (uint32, bool) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	if offset < ba.base {
		return 0, false
	}
	level, ok := ba.allocated[offset-ba.base]
	if !ok {
		return 0, false
	}
	return ba.levelToSize(level), true
}

func (ba *BuddyAllocator) coalesce(rel uint32, level int) {
	for level < ba.levels-1 {
		size := ba.levelToSize(level)
		buddy := rel ^ size
		if buddy+size > ba.total {
			break
		}
		if _, free := ba.free[level][buddy]; !free {
			break
		}
		delete(ba.free[level], buddy)
		if buddy < rel {
			rel = buddy
		}
		level++
	}
	ba.free[level][rel] = struct{}{}
}

func (ba *BuddyAllocator) sizeToLevel(size uint32) int {
	level := 0
	for ba.levelToSize(level) < size {
		level++
	}
	return level
}

func (ba *BuddyAllocator) levelToSize(level int) uint32 {
	return ba.minBlock << uint(level)
}

func lowest(set map[uint32]struct{}) uint32 {
	first := true
	var best uint32
	for off := range set {
		if first || off < best {
			best = off
			first = false
		}
	}
	return best
}

// Statistics

type BuddyStats struct {
	TotalSize     uint32
	Allocated     uint32
	Free          uint32
	Allocations   int
	Fragmentation float32
	LevelStats    []LevelStats
}

type LevelStats struct {
	Level      int
	BlockSize  uint32
	FreeBlocks int
}

func (ba *BuddyAllocator) GetStats() BuddyStats {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	stats := BuddyStats{
		TotalSize:   ba.total,
		Allocated:   ba.used,
		Free:        ba.total - ba.used,
		Allocations: len(ba.allocated),
		LevelStats:  make([]LevelStats, ba.levels),
	}

	totalFreeBlocks := 0
	for level := 0; level < ba.levels; level++ {
		n := len(ba.free[level])
		stats.LevelStats[level] = LevelStats{
			Level:      level,
			BlockSize:  ba.levelToSize(level),
			FreeBlocks: n,
		}
		totalFreeBlocks += n
	}
	// Fragmentation = (free blocks - 1) / free space in min blocks
	if totalFreeBlocks > 1 && stats.Free > 0 {
		stats.Fragmentation = float32(totalFreeBlocks-1) / float32(stats.Free/ba.minBlock) * 100
	}
	return stats
}
