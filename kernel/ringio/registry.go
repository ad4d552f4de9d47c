package ringio

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// registryLockName names the plumbing lock of a registry. It is reserved,
// so it never shows up in the lock directory.
const registryLockName = mpcs.ReservedPrefix + "_RINGIO_REG"

// instanceLockName names the per-instance lock objects.
const instanceLockName = mpcs.ReservedPrefix + "_RINGIO"

// Registry is the named table of ring instances shared with one peer. It
// lives in the ring control region of that link and is guarded by its own
// lock, distinct from the instance locks.
type Registry struct {
	link   *Link
	region *sab.Region
	ctrl   sab.MemoryRegion
	max    uint32
	pool   uint32
	logger *utils.Logger

	mu        sync.Mutex
	lock      *mpcs.Lock
	lockPhys  sab.Addr
	filter    *bloom.BloomFilter
	filterGen uint32
	filterOK  bool
}

// NewRegistry binds a registry of max entries to link. lockPool is the
// pool the registry lock is allocated from by Initialize.
func NewRegistry(link *Link, maxEntries, lockPool uint32, logger *utils.Logger) (*Registry, error) {
	if logger == nil {
		logger = utils.DefaultLogger("ringio")
	}
	ctrl := link.Layout.RingCtrl()
	if maxEntries == 0 || maxEntries > maxEntryID+1 || RegistrySize(maxEntries) > ctrl.Size {
		return nil, fmt.Errorf("%w: %d entries need %d bytes, region has %d",
			ErrInvalidArg, maxEntries, RegistrySize(maxEntries), ctrl.Size)
	}
	return &Registry{
		link:   link,
		region: link.Pools.Region(),
		ctrl:   ctrl,
		max:    maxEntries,
		pool:   lockPool,
		logger: logger.With(utils.String("peer", link.Peer.String())),
		filter: bloom.NewWithEstimates(uint(maxEntries), 0.01),
	}, nil
}

// Initialize formats the table and creates its lock. One side of the link
// calls it before either side creates instances.
func (r *Registry) Initialize(ctx context.Context) error {
	phys, err := r.link.Locks.Create(ctx, registryLockName, mpcs.Attrs{PoolID: r.pool})
	if err != nil {
		return fmt.Errorf("registry lock: %w", err)
	}
	mem := r.region.Memory()
	if err := mem.WriteAt(r.ctrl.Offset, make([]byte, RegistrySize(r.max))); err != nil {
		return err
	}
	hdr := regHeader{
		MaxEntries: r.max,
		OwnerProc:  uint32(r.region.Info().ProcID),
		LockPhys:   uint32(phys),
		LockPool:   r.pool,
	}
	if err := r.writeStruct(r.ctrl.Offset, &hdr); err != nil {
		return err
	}
	if err := mem.Writeback(r.ctrl.Offset, RegistrySize(r.max)); err != nil {
		return err
	}
	if err := mem.AtomicStore32(r.ctrl.Offset+offRegInitialized, 1); err != nil {
		return err
	}
	if err := mem.Writeback(r.ctrl.Offset+offRegInitialized, 4); err != nil {
		return err
	}
	r.logger.Info("ring registry initialized", utils.Uint32("max_entries", r.max))
	return nil
}

// attach binds the registry lock once the table has been initialized.
func (r *Registry) attach() (*mpcs.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lock != nil {
		return r.lock, nil
	}
	mem := r.region.Memory()
	if err := mem.Invalidate(r.ctrl.Offset, regHeaderSize); err != nil {
		return nil, err
	}
	var hdr regHeader
	if err := r.readStruct(r.ctrl.Offset, &hdr); err != nil {
		return nil, err
	}
	if hdr.Initialized != 1 {
		return nil, fmt.Errorf("%w: peer %s", errRegistryNotReady, r.link.Peer)
	}
	if hdr.MaxEntries != r.max {
		return nil, fmt.Errorf("%w: registry has %d entries, configured %d", ErrWrongState, hdr.MaxEntries, r.max)
	}
	l, err := r.link.Locks.Attach(sab.Addr(hdr.LockPhys))
	if err != nil {
		return nil, failure("attach registry lock", err)
	}
	r.lock = l
	r.lockPhys = sab.Addr(hdr.LockPhys)
	return l, nil
}

// locked runs fn with the registry lock held.
func (r *Registry) locked(ctx context.Context, fn func() error) error {
	l, err := r.attach()
	if err != nil {
		return err
	}
	if err := l.Enter(ctx); err != nil {
		return failure("enter registry", err)
	}
	err = fn()
	if leaveErr := l.Leave(); leaveErr != nil && err == nil {
		err = failure("leave registry", leaveErr)
	}
	return err
}

// insert adds name. fill runs under the registry lock with the new entry
// id, before the entry becomes visible to lookups.
func (r *Registry) insert(ctx context.Context, name string, e regEntry, fill func(id uint32) error) (uint32, error) {
	id := mpcs.InvalidID
	err := r.locked(ctx, func() error {
		free := mpcs.InvalidID
		for i := uint32(0); i < r.max; i++ {
			cur, err := r.readEntry(i)
			if err != nil {
				return err
			}
			if cur.InUse == 0 {
				if free == mpcs.InvalidID {
					free = i
				}
				continue
			}
			if entryName(&cur) == name {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
			}
		}
		if free == mpcs.InvalidID {
			return fmt.Errorf("%w: %d entries in use", ErrResource, r.max)
		}
		if err := fill(free); err != nil {
			return err
		}
		e.InUse = 1
		copy(e.Name[:], name)
		if err := r.writeEntry(free, &e); err != nil {
			return err
		}
		id = free
		return r.bumpGeneration()
	})
	return id, err
}

// with runs fn under the registry lock on the entry for name. A name the
// filter has never seen at the current generation fails without taking
// the lock.
func (r *Registry) with(ctx context.Context, name string, fn func(id uint32, e regEntry) error) error {
	gen, err := r.Generation()
	if err != nil {
		return err
	}
	r.mu.Lock()
	miss := r.filterOK && r.filterGen == gen && !r.filter.TestString(name)
	r.mu.Unlock()
	if miss {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return r.locked(ctx, func() error {
		id, e, err := r.scan(name)
		if err != nil {
			return err
		}
		return fn(id, e)
	})
}

// remove deletes name once check, run under the registry lock, accepts
// the entry.
func (r *Registry) remove(ctx context.Context, name string, check func(id uint32, e regEntry) error) (regEntry, error) {
	var out regEntry
	err := r.with(ctx, name, func(id uint32, e regEntry) error {
		if err := check(id, e); err != nil {
			return err
		}
		if err := r.writeEntry(id, &regEntry{}); err != nil {
			return err
		}
		out = e
		return r.bumpGeneration()
	})
	return out, err
}

// scan finds name and, when the table changed since the filter was last
// built, rebuilds the filter from the same pass. Must hold the lock.
func (r *Registry) scan(name string) (uint32, regEntry, error) {
	gen, err := r.Generation()
	if err != nil {
		return 0, regEntry{}, err
	}
	r.mu.Lock()
	rebuild := !r.filterOK || r.filterGen != gen
	r.mu.Unlock()

	var names []string
	found := mpcs.InvalidID
	var hit regEntry
	for i := uint32(0); i < r.max; i++ {
		e, err := r.readEntry(i)
		if err != nil {
			return 0, regEntry{}, err
		}
		if e.InUse == 0 {
			continue
		}
		n := entryName(&e)
		if rebuild {
			names = append(names, n)
		}
		if n == name && found == mpcs.InvalidID {
			found, hit = i, e
			if !rebuild {
				break
			}
		}
	}

	if rebuild {
		r.mu.Lock()
		r.filter.ClearAll()
		for _, n := range names {
			r.filter.AddString(n)
		}
		r.filterGen = gen
		r.filterOK = true
		r.mu.Unlock()
	}
	if found == mpcs.InvalidID {
		return 0, regEntry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return found, hit, nil
}

// Names lists the instances in the table.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	var out []string
	err := r.locked(ctx, func() error {
		for i := uint32(0); i < r.max; i++ {
			e, err := r.readEntry(i)
			if err != nil {
				return err
			}
			if e.InUse != 0 {
				out = append(out, entryName(&e))
			}
		}
		return nil
	})
	return out, err
}

// Generation changes whenever an instance is added or removed.
func (r *Registry) Generation() (uint32, error) {
	off := r.ctrl.Offset + offRegGeneration
	mem := r.region.Memory()
	if err := mem.Invalidate(off, 4); err != nil {
		return 0, err
	}
	return mem.AtomicLoad32(off)
}

func (r *Registry) bumpGeneration() error {
	off := r.ctrl.Offset + offRegGeneration
	mem := r.region.Memory()
	g, err := mem.AtomicLoad32(off)
	if err != nil {
		return err
	}
	if err := mem.AtomicStore32(off, g+1); err != nil {
		return err
	}
	return mem.Writeback(off, 4)
}

// Close drops this process's handle on the registry lock.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lock == nil {
		return nil
	}
	_, err := r.link.Locks.Close(r.lock)
	r.lock = nil
	return err
}

// Destroy tears the table down. Only the side that initialized it calls
// Destroy, and only once the table is empty.
func (r *Registry) Destroy(ctx context.Context) error {
	names, err := r.Names(ctx)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return fmt.Errorf("%w: %d instances still registered", ErrWrongState, len(names))
	}
	r.mu.Lock()
	phys := r.lockPhys
	r.mu.Unlock()
	if err := r.Close(); err != nil {
		return err
	}
	mem := r.region.Memory()
	if err := mem.AtomicStore32(r.ctrl.Offset+offRegInitialized, 0); err != nil {
		return err
	}
	if err := mem.Writeback(r.ctrl.Offset+offRegInitialized, 4); err != nil {
		return err
	}
	if err := r.link.Locks.Destroy(phys); err != nil {
		return failure("destroy registry lock", err)
	}
	r.logger.Info("ring registry destroyed")
	return nil
}

func (r *Registry) entryOffset(i uint32) uint32 {
	return r.ctrl.Offset + regHeaderSize + i*regEntrySize
}

func (r *Registry) readEntry(i uint32) (regEntry, error) {
	var e regEntry
	off := r.entryOffset(i)
	if err := r.region.Memory().Invalidate(off, regEntrySize); err != nil {
		return e, err
	}
	err := r.readStruct(off, &e)
	return e, err
}

func (r *Registry) writeEntry(i uint32, e *regEntry) error {
	off := r.entryOffset(i)
	if err := r.writeStruct(off, e); err != nil {
		return err
	}
	return r.region.Memory().Writeback(off, regEntrySize)
}

func (r *Registry) readStruct(off uint32, v any) error {
	return readStructAt(r.region.Memory(), off, v)
}

func (r *Registry) writeStruct(off uint32, v any) error {
	return writeStructAt(r.region.Memory(), off, v)
}

func entryName(e *regEntry) string {
	if i := bytes.IndexByte(e.Name[:], 0); i >= 0 {
		return string(e.Name[:i])
	}
	return string(e.Name[:])
}
