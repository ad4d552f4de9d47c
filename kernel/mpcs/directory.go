package mpcs

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/nmxmxh/dsplink/kernel/pool"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// Attrs selects where a new lock object lives. A non-zero Addr (user
// view) places the object in caller-owned memory; otherwise it is
// allocated from PoolID and freed when the lock is deleted.
type Attrs struct {
	PoolID uint32
	Addr   sab.Addr
}

// Entry is a directory row as seen by callers.
type Entry struct {
	Name      string
	OwnerProc sab.ProcessorID
	PoolID    uint32
	PhysAddr  sab.Addr
}

type handle struct {
	lock *Lock
	refs int
}

// Directory is the named table of lock objects of one link region,
// together with the process-local handles opened on them.
type Directory struct {
	pools  *pool.SharedPool
	region *sab.Region
	ctrl   sab.MemoryRegion
	max    uint32
	side   Side
	cfg    Config
	lock   *Lock
	logger *utils.Logger

	mu      sync.Mutex
	handles map[sab.Addr]*handle
}

// SideOf maps a processor to its lock side.
func SideOf(p sab.ProcessorID) Side {
	if p.IsGPP() {
		return SideGPP
	}
	return SideDSP
}

// NewDirectory binds the directory in layout's MPCS control region.
func NewDirectory(pools *pool.SharedPool, layout *sab.Layout, maxEntries uint32, cfg Config) (*Directory, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("mpcs")
	}
	ctrl := layout.MpcsCtrl()
	if maxEntries == 0 || DirectorySize(maxEntries) > ctrl.Size {
		return nil, fmt.Errorf("%w: %d entries need %d bytes, region has %d",
			ErrInvalidArg, maxEntries, DirectorySize(maxEntries), ctrl.Size)
	}
	region := pools.Region()
	side := SideOf(region.Info().ProcID)
	d := &Directory{
		pools:   pools,
		region:  region,
		ctrl:    ctrl,
		max:     maxEntries,
		side:    side,
		cfg:     cfg,
		logger:  cfg.Logger,
		handles: make(map[sab.Addr]*handle),
	}
	phys, err := region.Addr(ctrl.Offset+offDirLock, sab.AddrPhysical)
	if err != nil {
		return nil, err
	}
	d.lock = newLock("", phys, region.Memory(), ctrl.Offset+offDirLock, side, cfg, &sync.Mutex{})
	return d, nil
}

// Initialize formats the directory. Exactly one side calls it, after the
// link region is formatted and before the peer attaches.
func (d *Directory) Initialize() error {
	mem := d.region.Memory()
	if err := mem.WriteAt(d.ctrl.Offset, make([]byte, DirectorySize(d.max))); err != nil {
		return err
	}
	hdr := dirHeader{
		MaxEntries: d.max,
		OwnerProc:  uint32(d.region.Info().ProcID),
	}
	if err := d.writeStruct(d.ctrl.Offset, &hdr); err != nil {
		return err
	}
	if err := mem.Writeback(d.ctrl.Offset, DirectorySize(d.max)); err != nil {
		return err
	}
	if err := mem.AtomicStore32(d.ctrl.Offset+offInitialized, 1); err != nil {
		return err
	}
	d.logger.Info("lock directory initialized", utils.Uint32("max_entries", d.max))
	return mem.Writeback(d.ctrl.Offset+offInitialized, 4)
}

func (d *Directory) checkInitialized() error {
	mem := d.region.Memory()
	if err := mem.Invalidate(d.ctrl.Offset, dirHeaderSize); err != nil {
		return err
	}
	var hdr dirHeader
	if err := d.readStruct(d.ctrl.Offset, &hdr); err != nil {
		return err
	}
	if hdr.Initialized != 1 {
		return ErrNotInitialized
	}
	if hdr.MaxEntries != d.max {
		return fmt.Errorf("%w: directory has %d entries, configured %d", ErrWrongState, hdr.MaxEntries, d.max)
	}
	return nil
}

// IsReserved reports whether name is a plumbing lock name.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

func validName(name string) error {
	if name == "" || len(name) >= MaxNameLen {
		return fmt.Errorf("%w: name %q must be 1..%d bytes", ErrInvalidArg, name, MaxNameLen-1)
	}
	return nil
}

// Create allocates and initializes a lock object and, unless the name is
// reserved, registers it. It returns the object's physical address.
func (d *Directory) Create(ctx context.Context, name string, attrs Attrs) (sab.Addr, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}

	user, owned, err := d.placeObject(attrs)
	if err != nil {
		return 0, err
	}
	phys, err := d.initObject(user, attrs.PoolID, owned)
	if err != nil {
		d.releaseObject(attrs.PoolID, user, owned)
		return 0, err
	}

	if !IsReserved(name) {
		if err := d.insert(ctx, name, attrs.PoolID, phys); err != nil {
			d.releaseObject(attrs.PoolID, user, owned)
			return 0, err
		}
	}
	d.logger.Debug("lock created",
		utils.String("name", name),
		utils.Uint64("phys", uint64(phys)),
		utils.Bool("reserved", IsReserved(name)))
	return phys, nil
}

func (d *Directory) placeObject(attrs Attrs) (sab.Addr, bool, error) {
	if attrs.Addr != 0 {
		return attrs.Addr, false, nil
	}
	user, err := d.pools.Alloc(attrs.PoolID, ObjectSize)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrResource, err)
	}
	return user, true, nil
}

func (d *Directory) releaseObject(poolID uint32, user sab.Addr, owned bool) {
	if !owned {
		return
	}
	if err := d.pools.Free(poolID, user, ObjectSize); err != nil {
		d.logger.Warn("failed to free lock object", utils.Err(err))
	}
}

func (d *Directory) initObject(user sab.Addr, poolID uint32, owned bool) (sab.Addr, error) {
	off, err := d.region.Offset(user, sab.AddrUser)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	if off%4 != 0 || uint64(off)+uint64(ObjectSize) > uint64(d.region.Size()) {
		return 0, fmt.Errorf("%w: lock object at 0x%x", ErrInvalidArg, user)
	}
	mem := d.region.Memory()
	if err := mem.WriteAt(off, make([]byte, ObjectSize)); err != nil {
		return 0, err
	}
	var free uint32
	if owned {
		free = 1
	}
	if err := mem.AtomicStore32(off+offPoolID, poolID); err != nil {
		return 0, err
	}
	if err := mem.AtomicStore32(off+offFreeObject, free); err != nil {
		return 0, err
	}
	if err := mem.Writeback(off, ObjectSize); err != nil {
		return 0, err
	}
	return d.region.Addr(off, sab.AddrPhysical)
}

func (d *Directory) insert(ctx context.Context, name string, poolID uint32, phys sab.Addr) error {
	if err := d.lock.Enter(ctx); err != nil {
		return err
	}
	err := d.insertLocked(name, poolID, phys)
	if leaveErr := d.lock.Leave(); leaveErr != nil && err == nil {
		err = leaveErr
	}
	return err
}

func (d *Directory) insertLocked(name string, poolID uint32, phys sab.Addr) error {
	free := InvalidID
	for i := uint32(0); i < d.max; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return err
		}
		if e.InUse == 0 {
			if free == InvalidID {
				free = i
			}
			continue
		}
		if entryName(&e) == name {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
	}
	if free == InvalidID {
		return fmt.Errorf("%w: %d entries in use", ErrResource, d.max)
	}

	e := dirEntry{
		InUse:     1,
		OwnerProc: uint32(d.region.Info().ProcID),
		PoolID:    poolID,
		PhysAddr:  uint32(phys),
	}
	copy(e.Name[:], name)
	if err := d.writeEntry(free, &e); err != nil {
		return err
	}
	return d.bumpGeneration()
}

// Delete removes a named lock. It fails while this process holds handles
// to it, and must run on the side that owns the lock's pool when the
// object was pool-allocated.
func (d *Directory) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if IsReserved(name) {
		return fmt.Errorf("%w: reserved lock %s is destroyed by address", ErrInvalidArg, name)
	}
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if err := d.lock.Enter(ctx); err != nil {
		return err
	}

	idx, e, err := d.findLocked(name)
	if err == nil {
		err = d.checkDeletable(sab.Addr(e.PhysAddr))
	}
	if err == nil {
		err = d.writeEntry(idx, &dirEntry{})
	}
	if err == nil {
		err = d.bumpGeneration()
	}
	if leaveErr := d.lock.Leave(); leaveErr != nil && err == nil {
		err = leaveErr
	}
	if err != nil {
		return err
	}
	return d.freeObject(sab.Addr(e.PhysAddr))
}

// Destroy deletes a reserved lock by its physical address.
func (d *Directory) Destroy(phys sab.Addr) error {
	if err := d.checkDeletable(phys); err != nil {
		return err
	}
	return d.freeObject(phys)
}

func (d *Directory) checkDeletable(phys sab.Addr) error {
	d.mu.Lock()
	_, open := d.handles[phys]
	d.mu.Unlock()
	if open {
		return fmt.Errorf("%w: lock at 0x%x has open handles", ErrWrongState, phys)
	}

	off, err := d.region.Offset(phys, sab.AddrPhysical)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	mem := d.region.Memory()
	if err := mem.Invalidate(off, ObjectSize); err != nil {
		return err
	}
	free, err := mem.AtomicLoad32(off + offFreeObject)
	if err != nil {
		return err
	}
	if free == 0 {
		return nil
	}
	poolID, err := mem.AtomicLoad32(off + offPoolID)
	if err != nil {
		return err
	}
	owner, err := d.pools.Owner(poolID)
	if err != nil {
		return err
	}
	if owner != d.region.Info().ProcID {
		return fmt.Errorf("%w: lock memory belongs to %s", ErrWrongState, owner)
	}
	return nil
}

func (d *Directory) freeObject(phys sab.Addr) error {
	off, err := d.region.Offset(phys, sab.AddrPhysical)
	if err != nil {
		return err
	}
	mem := d.region.Memory()
	free, err := mem.AtomicLoad32(off + offFreeObject)
	if err != nil || free == 0 {
		return err
	}
	poolID, err := mem.AtomicLoad32(off + offPoolID)
	if err != nil {
		return err
	}
	if err := mem.AtomicStore32(off+offFreeObject, 0); err != nil {
		return err
	}
	user, err := d.region.Addr(off, sab.AddrUser)
	if err != nil {
		return err
	}
	return d.pools.Free(poolID, user, ObjectSize)
}

// Lookup returns the directory row for name.
func (d *Directory) Lookup(ctx context.Context, name string) (Entry, error) {
	if err := validName(name); err != nil {
		return Entry{}, err
	}
	if err := d.checkInitialized(); err != nil {
		return Entry{}, err
	}
	if err := d.lock.Enter(ctx); err != nil {
		return Entry{}, err
	}
	_, e, err := d.findLocked(name)
	if leaveErr := d.lock.Leave(); leaveErr != nil && err == nil {
		err = leaveErr
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Name:      name,
		OwnerProc: sab.ProcessorID(e.OwnerProc),
		PoolID:    e.PoolID,
		PhysAddr:  sab.Addr(e.PhysAddr),
	}, nil
}

// Entries lists every registered lock.
func (d *Directory) Entries(ctx context.Context) ([]Entry, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	if err := d.lock.Enter(ctx); err != nil {
		return nil, err
	}
	var out []Entry
	var err error
	for i := uint32(0); i < d.max; i++ {
		var e dirEntry
		if e, err = d.readEntry(i); err != nil {
			break
		}
		if e.InUse == 0 {
			continue
		}
		out = append(out, Entry{
			Name:      entryName(&e),
			OwnerProc: sab.ProcessorID(e.OwnerProc),
			PoolID:    e.PoolID,
			PhysAddr:  sab.Addr(e.PhysAddr),
		})
	}
	if leaveErr := d.lock.Leave(); leaveErr != nil && err == nil {
		err = leaveErr
	}
	return out, err
}

// Open returns a handle to a named lock.
func (d *Directory) Open(ctx context.Context, name string) (*Lock, error) {
	if IsReserved(name) {
		return nil, fmt.Errorf("%w: reserved lock %s is attached by address", ErrInvalidArg, name)
	}
	e, err := d.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.attach(name, e.PhysAddr)
}

// Attach returns a handle to the lock object at phys. Used for reserved
// locks, whose address is kept by the structure they protect.
func (d *Directory) Attach(phys sab.Addr) (*Lock, error) {
	return d.attach("", phys)
}

func (d *Directory) attach(name string, phys sab.Addr) (*Lock, error) {
	off, err := d.region.Offset(phys, sab.AddrPhysical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	if off%4 != 0 || uint64(off)+uint64(ObjectSize) > uint64(d.region.Size()) {
		return nil, fmt.Errorf("%w: lock object at 0x%x", ErrInvalidArg, phys)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[phys]; ok {
		h.refs++
		return h.lock, nil
	}
	l := newLock(name, phys, d.region.Memory(), off, d.side, d.cfg, &sync.Mutex{})
	d.handles[phys] = &handle{lock: l, refs: 1}
	return l, nil
}

// Close drops one reference. last reports whether it was the final one.
func (d *Directory) Close(l *Lock) (last bool, err error) {
	if l == nil {
		return false, ErrInvalidArg
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[l.phys]
	if !ok || h.lock != l {
		return false, fmt.Errorf("%w: handle not open", ErrInvalidArg)
	}
	h.refs--
	if h.refs > 0 {
		return false, nil
	}
	delete(d.handles, l.phys)
	return true, nil
}

// Generation changes whenever a named lock is added or removed.
func (d *Directory) Generation() (uint32, error) {
	off := d.ctrl.Offset + offGeneration
	if err := d.region.Memory().Invalidate(off, 4); err != nil {
		return 0, err
	}
	return d.region.Memory().AtomicLoad32(off)
}

func (d *Directory) bumpGeneration() error {
	off := d.ctrl.Offset + offGeneration
	mem := d.region.Memory()
	g, err := mem.AtomicLoad32(off)
	if err != nil {
		return err
	}
	if err := mem.AtomicStore32(off, g+1); err != nil {
		return err
	}
	return mem.Writeback(off, 4)
}

// must hold the directory lock
func (d *Directory) findLocked(name string) (uint32, dirEntry, error) {
	for i := uint32(0); i < d.max; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return 0, dirEntry{}, err
		}
		if e.InUse != 0 && entryName(&e) == name {
			return i, e, nil
		}
	}
	return 0, dirEntry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (d *Directory) entryOffset(i uint32) uint32 {
	return d.ctrl.Offset + offDirEntries + i*dirEntrySize
}

func (d *Directory) readEntry(i uint32) (dirEntry, error) {
	var e dirEntry
	off := d.entryOffset(i)
	if err := d.region.Memory().Invalidate(off, dirEntrySize); err != nil {
		return e, err
	}
	err := d.readStruct(off, &e)
	return e, err
}

func (d *Directory) writeEntry(i uint32, e *dirEntry) error {
	off := d.entryOffset(i)
	if err := d.writeStruct(off, e); err != nil {
		return err
	}
	return d.region.Memory().Writeback(off, dirEntrySize)
}

func (d *Directory) readStruct(off uint32, v any) error {
	buf := make([]byte, binary.Size(v))
	if err := d.region.Memory().ReadAt(off, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func (d *Directory) writeStruct(off uint32, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return d.region.Memory().WriteAt(off, buf.Bytes())
}

func entryName(e *dirEntry) string {
	if i := bytes.IndexByte(e.Name[:], 0); i >= 0 {
		return string(e.Name[:i])
	}
	return string(e.Name[:])
}
