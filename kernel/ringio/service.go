package ringio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/notify"
	"github.com/nmxmxh/dsplink/kernel/pool"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// Link is one processor pairing: the region shared with Peer and the
// collaborators bound to it.
type Link struct {
	Peer   sab.ProcessorID
	Layout *sab.Layout
	Pools  *pool.SharedPool
	Locks  *mpcs.Directory
	Bridge notify.Bridge
}

type Config struct {
	// MaxEntries is the registry capacity of every link.
	MaxEntries uint32
	// RegistryLockPool is the pool the registry lock is allocated from.
	RegistryLockPool uint32
	// NotifyEvent is the bridge event ring notifications travel on.
	NotifyEvent notify.Event
	Metrics     *Metrics
	// Observer sees instance and client lifecycle events. It runs with no
	// lock held.
	Observer func(Event)
	Logger   *utils.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:       32,
		RegistryLockPool: 0,
		NotifyEvent:      5,
	}
}

// Attrs describe an instance to create.
type Attrs struct {
	Transport TransportType
	CtrlPool  uint32
	DataPool  uint32
	AttrPool  uint32
	LockPool  uint32
	DataSize  uint32
	FootSize  uint32
	// AttrSize may be zero for an instance that carries no attributes.
	AttrSize uint32
}

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventDelete EventKind = "delete"
	EventOpen   EventKind = "open"
	EventClose  EventKind = "close"
)

// Event is one lifecycle transition seen by this process.
type Event struct {
	Kind EventKind
	Name string
	Peer sab.ProcessorID
	Proc sab.ProcessorID
	Role Role
	At   time.Time
}

type linkState struct {
	link *Link
	reg  *Registry
}

type clientKey struct {
	peer  sab.ProcessorID
	entry uint32
	role  Role
}

// Service creates, deletes and opens ring instances over a set of links.
// It keeps one registry per link.
type Service struct {
	local  sab.ProcessorID
	cfg    Config
	links  []*linkState
	byPeer map[sab.ProcessorID]*linkState
	logger *utils.Logger

	mu      sync.Mutex
	clients map[clientKey]*Client
	closed  bool
}

var errRegistryNotReady = fmt.Errorf("%w: registry not initialized", ErrWrongState)

// NewService binds links and registers for ring notifications on each
// link's bridge. All links must share the local processor.
func NewService(links []*Link, cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("ringio")
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: no links", ErrInvalidArg)
	}
	s := &Service{
		local:   links[0].Pools.Region().Info().ProcID,
		cfg:     cfg,
		byPeer:  make(map[sab.ProcessorID]*linkState),
		logger:  cfg.Logger,
		clients: make(map[clientKey]*Client),
	}
	for _, l := range links {
		if l.Pools.Region().Info().ProcID != s.local {
			return nil, fmt.Errorf("%w: link to %s is bound to %s, service runs on %s",
				ErrInvalidArg, l.Peer, l.Pools.Region().Info().ProcID, s.local)
		}
		if _, dup := s.byPeer[l.Peer]; dup {
			return nil, fmt.Errorf("%w: two links to %s", ErrInvalidArg, l.Peer)
		}
		reg, err := NewRegistry(l, cfg.MaxEntries, cfg.RegistryLockPool, cfg.Logger)
		if err != nil {
			return nil, err
		}
		ls := &linkState{link: l, reg: reg}
		if l.Bridge != nil {
			if err := l.Bridge.Register(l.Peer, cfg.NotifyEvent, s.receive(ls)); err != nil {
				return nil, fmt.Errorf("register notify from %s: %w", l.Peer, err)
			}
		}
		s.links = append(s.links, ls)
		s.byPeer[l.Peer] = ls
	}
	return s, nil
}

func (s *Service) Local() sab.ProcessorID {
	return s.local
}

// Registry returns the registry shared with peer.
func (s *Service) Registry(peer sab.ProcessorID) (*Registry, error) {
	ls, err := s.linkFor(peer)
	if err != nil {
		return nil, err
	}
	return ls.reg, nil
}

// Initialize formats the registry shared with peer. One side of each link
// calls it once.
func (s *Service) Initialize(ctx context.Context, peer sab.ProcessorID) error {
	ls, err := s.linkFor(peer)
	if err != nil {
		return err
	}
	return ls.reg.Initialize(ctx)
}

func (s *Service) linkFor(peer sab.ProcessorID) (*linkState, error) {
	ls, ok := s.byPeer[peer]
	if !ok {
		return nil, fmt.Errorf("%w: no link to %s", ErrInvalidArg, peer)
	}
	return ls, nil
}

func validRingName(name string) error {
	if name == "" || len(name) >= MaxNameLen {
		return fmt.Errorf("%w: name %q must be 1..%d bytes", ErrInvalidArg, name, MaxNameLen-1)
	}
	return nil
}

func (a Attrs) validate() error {
	switch {
	case a.Transport > TransportDSPDSP:
		return fmt.Errorf("%w: transport %d", ErrInvalidArg, a.Transport)
	case a.DataSize == 0:
		return fmt.Errorf("%w: zero data size", ErrInvalidArg)
	case a.FootSize > a.DataSize:
		return fmt.Errorf("%w: foot %d larger than buffer %d", ErrInvalidArg, a.FootSize, a.DataSize)
	case a.AttrSize%4 != 0:
		return fmt.Errorf("%w: attribute buffer size %d not a multiple of 4", ErrInvalidArg, a.AttrSize)
	case a.AttrSize != 0 && a.AttrSize < attrHeaderSize:
		return fmt.Errorf("%w: attribute buffer smaller than one record", ErrInvalidArg)
	}
	return nil
}

type allocation struct {
	pool uint32
	addr sab.Addr
	size uint32
}

// Create allocates and registers a new empty instance in the registry
// shared with peer.
func (s *Service) Create(ctx context.Context, peer sab.ProcessorID, name string, attrs Attrs) error {
	if err := validRingName(name); err != nil {
		return err
	}
	if err := attrs.validate(); err != nil {
		return err
	}
	ls, err := s.linkFor(peer)
	if err != nil {
		return err
	}
	pools := ls.link.Pools

	var allocs []allocation
	var lockPhys sab.Addr
	rollback := func() {
		if lockPhys != 0 {
			if err := ls.link.Locks.Destroy(lockPhys); err != nil {
				s.logger.Warn("failed to destroy instance lock", utils.Err(err))
			}
		}
		for _, a := range allocs {
			if err := pools.Free(a.pool, a.addr, a.size); err != nil {
				s.logger.Warn("failed to free ring memory", utils.Uint32("pool", a.pool), utils.Err(err))
			}
		}
	}
	alloc := func(id, size uint32) (sab.Addr, error) {
		addr, err := pools.Alloc(id, size)
		if err != nil {
			return 0, failure("alloc", err)
		}
		allocs = append(allocs, allocation{pool: id, addr: addr, size: size})
		return addr, nil
	}

	ctrlUser, err := alloc(attrs.CtrlPool, ctrlSize)
	if err != nil {
		return err
	}
	dataUser, err := alloc(attrs.DataPool, attrs.DataSize+attrs.FootSize)
	if err != nil {
		rollback()
		return err
	}
	var attrPhys sab.Addr
	if attrs.AttrSize > 0 {
		attrUser, err := alloc(attrs.AttrPool, attrs.AttrSize)
		if err != nil {
			rollback()
			return err
		}
		if attrPhys, err = pools.Translate(attrs.AttrPool, sab.AddrPhysical, attrUser, sab.AddrUser); err != nil {
			rollback()
			return failure("translate", err)
		}
	}
	if lockPhys, err = ls.link.Locks.Create(ctx, instanceLockName, mpcs.Attrs{PoolID: attrs.LockPool}); err != nil {
		rollback()
		return failure("create lock", err)
	}

	dataPhys, err := pools.Translate(attrs.DataPool, sab.AddrPhysical, dataUser, sab.AddrUser)
	if err != nil {
		rollback()
		return failure("translate", err)
	}
	ctrlDSP, err := pools.Translate(attrs.CtrlPool, sab.AddrDSP, ctrlUser, sab.AddrUser)
	if err != nil {
		rollback()
		return failure("translate", err)
	}
	ctrlOff, err := pools.Offset(attrs.CtrlPool, ctrlUser, ctrlSize)
	if err != nil {
		rollback()
		return failure("translate", err)
	}

	cb := ctrlBlock{
		CreatorProc: uint32(s.local),
		Transport:   uint32(attrs.Transport),
		CtrlPool:    attrs.CtrlPool,
		DataPool:    attrs.DataPool,
		AttrPool:    attrs.AttrPool,
		LockPool:    attrs.LockPool,
		PhyData:     uint32(dataPhys),
		PhyAttr:     uint32(attrPhys),
		PhyLock:     uint32(lockPhys),
		Data: geometry{
			Size:   attrs.DataSize,
			Foot:   attrs.FootSize,
			CurEnd: attrs.DataSize,
			Empty:  attrs.DataSize,
		},
		Attr: geometry{
			Size:   attrs.AttrSize,
			CurEnd: attrs.AttrSize,
			Empty:  attrs.AttrSize,
		},
		Writer: clientRec{Mode: uint32(RoleWriter)},
		Reader: clientRec{Mode: uint32(RoleReader)},
	}
	entry := regEntry{
		OwnerProc:   uint32(s.local),
		CtrlPool:    attrs.CtrlPool,
		DataPool:    attrs.DataPool,
		AttrPool:    attrs.AttrPool,
		LockPool:    attrs.LockPool,
		CtrlDSPAddr: uint32(ctrlDSP),
	}
	mem := pools.Region().Memory()
	id, err := ls.reg.insert(ctx, name, entry, func(id uint32) error {
		cb.EntryID = id
		if err := writeStructAt(mem, ctrlOff, &cb); err != nil {
			return err
		}
		return pools.Writeback(attrs.CtrlPool, ctrlUser, ctrlSize)
	})
	if err != nil {
		rollback()
		return err
	}

	s.logger.Info("ring created",
		utils.String("name", name),
		utils.String("peer", peer.String()),
		utils.Uint32("id", id),
		utils.Uint32("size", attrs.DataSize),
		utils.Uint32("foot", attrs.FootSize),
		utils.Uint32("attr_size", attrs.AttrSize))
	s.cfg.Metrics.instance(1)
	s.observe(Event{Kind: EventCreate, Name: name, Peer: peer, Proc: s.local})
	return nil
}

// Delete removes an instance from the registry shared with peer and frees
// its memory. No client may be open, and this side must own the pools the
// instance was allocated from.
func (s *Service) Delete(ctx context.Context, peer sab.ProcessorID, name string) error {
	if err := validRingName(name); err != nil {
		return err
	}
	ls, err := s.linkFor(peer)
	if err != nil {
		return err
	}
	pools := ls.link.Pools

	var cb ctrlBlock
	var ctrlUser sab.Addr
	_, err = ls.reg.remove(ctx, name, func(_ uint32, e regEntry) error {
		var err error
		if ctrlUser, err = pools.Translate(e.CtrlPool, sab.AddrUser, sab.Addr(e.CtrlDSPAddr), sab.AddrDSP); err != nil {
			return failure("translate", err)
		}
		if cb, err = s.snapshotCtrl(ls, e, ctrlUser); err != nil {
			return err
		}
		if cb.Writer.Open != 0 || cb.Reader.Open != 0 {
			return fmt.Errorf("%w: %s has open clients", ErrWrongState, name)
		}
		pids := []uint32{cb.CtrlPool, cb.DataPool}
		if cb.Attr.Size > 0 {
			pids = append(pids, cb.AttrPool)
		}
		for _, id := range pids {
			owner, err := pools.Owner(id)
			if err != nil {
				return failure("pool owner", err)
			}
			if owner != s.local {
				return fmt.Errorf("%w: pool %d belongs to %s", ErrWrongState, id, owner)
			}
		}
		if cb.Data.Valid > 0 || cb.Attr.Valid > 0 {
			s.logger.Warn("deleting ring with unread data",
				utils.String("name", name),
				utils.Uint32("valid", cb.Data.Valid),
				utils.Uint32("attr_valid", cb.Attr.Valid))
		}
		return nil
	})
	if err != nil {
		return err
	}

	errs := ls.link.Locks.Destroy(sab.Addr(cb.PhyLock))
	dataUser, err := pools.Translate(cb.DataPool, sab.AddrUser, sab.Addr(cb.PhyData), sab.AddrPhysical)
	errs = multierr.Append(errs, err)
	if err == nil {
		errs = multierr.Append(errs, pools.Free(cb.DataPool, dataUser, cb.Data.Size+cb.Data.Foot))
	}
	if cb.Attr.Size > 0 {
		attrUser, err := pools.Translate(cb.AttrPool, sab.AddrUser, sab.Addr(cb.PhyAttr), sab.AddrPhysical)
		errs = multierr.Append(errs, err)
		if err == nil {
			errs = multierr.Append(errs, pools.Free(cb.AttrPool, attrUser, cb.Attr.Size))
		}
	}
	errs = multierr.Append(errs, pools.Free(cb.CtrlPool, ctrlUser, ctrlSize))
	if errs != nil {
		return failure("release ring memory", errs)
	}

	s.logger.Info("ring deleted", utils.String("name", name), utils.String("peer", peer.String()))
	s.cfg.Metrics.instance(-1)
	s.observe(Event{Kind: EventDelete, Name: name, Peer: peer, Proc: s.local})
	return nil
}

// snapshotCtrl reads an instance's control block under its lock.
func (s *Service) snapshotCtrl(ls *linkState, e regEntry, ctrlUser sab.Addr) (ctrlBlock, error) {
	var cb ctrlBlock
	pools := ls.link.Pools
	off, err := pools.Offset(e.CtrlPool, ctrlUser, ctrlSize)
	if err != nil {
		return cb, failure("translate", err)
	}
	mem := pools.Region().Memory()
	if err := pools.Invalidate(e.CtrlPool, ctrlUser, ctrlSize); err != nil {
		return cb, failure("invalidate", err)
	}
	// PhyLock never changes after create, so it can be read unlocked.
	if err := readStructAt(mem, off, &cb); err != nil {
		return cb, failure("read control", err)
	}
	lock, err := ls.link.Locks.Attach(sab.Addr(cb.PhyLock))
	if err != nil {
		return cb, failure("attach lock", err)
	}
	defer func() {
		if _, err := ls.link.Locks.Close(lock); err != nil {
			s.logger.Warn("failed to close instance lock", utils.Err(err))
		}
	}()
	if err := lock.Enter(context.Background()); err != nil {
		return cb, failure("enter", err)
	}
	err = pools.Invalidate(e.CtrlPool, ctrlUser, ctrlSize)
	if err == nil {
		err = readStructAt(mem, off, &cb)
	}
	if leaveErr := lock.Leave(); leaveErr != nil && err == nil {
		err = leaveErr
	}
	if err != nil {
		return cb, failure("read control", err)
	}
	return cb, nil
}

// Open binds a client to the named instance in the first registry that
// holds it.
func (s *Service) Open(ctx context.Context, name string, mode OpenMode, flags Flags) (*Client, error) {
	if err := validRingName(name); err != nil {
		return nil, err
	}
	if mode != ModeWriter && mode != ModeReader {
		return nil, fmt.Errorf("%w: mode %d", ErrInvalidArg, mode)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	for _, ls := range s.links {
		var c *Client
		err := ls.reg.with(ctx, name, func(id uint32, e regEntry) error {
			var err error
			c, err = s.bind(ls, id, name, e, mode, flags)
			return err
		})
		if errors.Is(err, ErrNotFound) || errors.Is(err, errRegistryNotReady) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.clients[clientKey{peer: ls.link.Peer, entry: c.entryID, role: c.role}] = c
		s.mu.Unlock()
		c.logger.Info("ring client opened", utils.String("flags", fmt.Sprintf("%#x", uint32(flags))))
		s.cfg.Metrics.client(c.role, 1)
		s.observe(Event{Kind: EventOpen, Name: name, Peer: ls.link.Peer, Proc: s.local, Role: c.role})
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// bind resolves the instance's buffers and claims the role. Runs under the
// registry lock so the instance cannot be deleted meanwhile.
func (s *Service) bind(ls *linkState, id uint32, name string, e regEntry, mode Role, flags Flags) (*Client, error) {
	pools := ls.link.Pools
	mem := pools.Region().Memory()

	ctrlUser, err := pools.Translate(e.CtrlPool, sab.AddrUser, sab.Addr(e.CtrlDSPAddr), sab.AddrDSP)
	if err != nil {
		return nil, failure("translate", err)
	}
	ctrlOff, err := pools.Offset(e.CtrlPool, ctrlUser, ctrlSize)
	if err != nil {
		return nil, failure("translate", err)
	}
	if err := pools.Invalidate(e.CtrlPool, ctrlUser, ctrlSize); err != nil {
		return nil, failure("invalidate", err)
	}
	var cb ctrlBlock
	if err := readStructAt(mem, ctrlOff, &cb); err != nil {
		return nil, failure("read control", err)
	}

	c := &Client{
		svc:      s,
		link:     ls,
		name:     name,
		entryID:  id,
		role:     mode,
		flags:    flags,
		pools:    pools,
		mem:      mem,
		ctrlPool: e.CtrlPool,
		ctrlUser: ctrlUser,
		ctrlOff:  ctrlOff,
		dataPool: cb.DataPool,
		attrPool: cb.AttrPool,
		metrics:  s.cfg.Metrics,
		logger: s.logger.With(
			utils.String("ring", name),
			utils.String("role", mode.String())),
	}
	if c.dataUser, err = pools.Translate(cb.DataPool, sab.AddrUser, sab.Addr(cb.PhyData), sab.AddrPhysical); err != nil {
		return nil, failure("translate", err)
	}
	if c.data, err = pools.Bytes(cb.DataPool, c.dataUser, cb.Data.Size+cb.Data.Foot); err != nil {
		return nil, failure("map data", err)
	}
	if cb.Attr.Size > 0 {
		if c.attrUser, err = pools.Translate(cb.AttrPool, sab.AddrUser, sab.Addr(cb.PhyAttr), sab.AddrPhysical); err != nil {
			return nil, failure("translate", err)
		}
		if c.attr, err = pools.Bytes(cb.AttrPool, c.attrUser, cb.Attr.Size); err != nil {
			return nil, failure("map attributes", err)
		}
	}
	if c.lock, err = ls.link.Locks.Attach(sab.Addr(cb.PhyLock)); err != nil {
		return nil, failure("attach lock", err)
	}

	err = c.transact(func(cb *ctrlBlock, _ *[]note) error {
		rec := cb.client(mode)
		if rec.Open != 0 {
			return fmt.Errorf("%w: %s %s held by %s", ErrAlreadyOpen, name, mode, sab.ProcessorID(rec.ProcID))
		}
		// window starts are stream positions and survive the previous client
		*rec = clientRec{
			ProcID: uint32(s.local),
			Mode:   uint32(mode),
			Open:   1,
			Flags:  uint32(flags),
			Data:   window{Start: rec.Data.Start},
			Attr:   window{Start: rec.Attr.Start},
		}
		return nil
	})
	if err != nil {
		if _, closeErr := ls.link.Locks.Close(c.lock); closeErr != nil {
			s.logger.Warn("failed to close instance lock", utils.Err(closeErr))
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) forget(c *Client) {
	s.mu.Lock()
	key := clientKey{peer: c.link.link.Peer, entry: c.entryID, role: c.role}
	if s.clients[key] == c {
		delete(s.clients, key)
	}
	s.mu.Unlock()
	s.cfg.Metrics.client(c.role, -1)
	s.observe(Event{Kind: EventClose, Name: c.name, Peer: c.link.link.Peer, Proc: s.local, Role: c.role})
}

// deliver sends a decided notification. A client on this processor is
// called directly.
func (s *Service) deliver(ls *linkState, n note, kind string) error {
	if n.proc == s.local {
		s.dispatch(ls.link.Peer, n.entry, n.role, n.msg)
		s.cfg.Metrics.notification(kind, "local")
		return nil
	}
	if ls.link.Bridge == nil {
		s.cfg.Metrics.notification(kind, "error")
		return failure("notify", notify.ErrNotConnected)
	}
	if err := ls.link.Bridge.Notify(n.proc, s.cfg.NotifyEvent, n.payload()); err != nil {
		s.cfg.Metrics.notification(kind, "error")
		return failure("notify", err)
	}
	s.cfg.Metrics.notification(kind, "remote")
	return nil
}

func (s *Service) receive(ls *linkState) notify.Callback {
	return func(_ sab.ProcessorID, _ notify.Event, payload uint32) {
		entry, role, msg := parsePayload(payload)
		s.dispatch(ls.link.Peer, entry, role, msg)
	}
}

func (s *Service) dispatch(peer sab.ProcessorID, entry uint32, role Role, msg uint16) {
	s.mu.Lock()
	c := s.clients[clientKey{peer: peer, entry: entry, role: role}]
	s.mu.Unlock()
	if c == nil {
		s.logger.Debug("notification for closed client",
			utils.Uint32("entry", entry),
			utils.String("role", role.String()))
		return
	}
	c.notify(msg)
}

func (s *Service) observe(ev Event) {
	if s.cfg.Observer == nil {
		return
	}
	ev.At = time.Now()
	s.cfg.Observer(ev)
}

// Close closes every client still open, stops receiving notifications and
// drops the registry handles.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	var errs error
	for _, c := range open {
		errs = multierr.Append(errs, c.Close())
	}
	for _, ls := range s.links {
		if ls.link.Bridge != nil {
			errs = multierr.Append(errs, ls.link.Bridge.Unregister(ls.link.Peer, s.cfg.NotifyEvent))
		}
		errs = multierr.Append(errs, ls.reg.Close())
	}
	return errs
}
