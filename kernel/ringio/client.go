package ringio

import (
	"context"
	"fmt"
	"sync"

	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/pool"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// Client is one open role on an instance. A client is driven by one
// goroutine at a time; notification callbacks may arrive on another.
type Client struct {
	svc     *Service
	link    *linkState
	name    string
	entryID uint32
	role    Role
	flags   Flags
	lock    *mpcs.Lock

	pools    *pool.SharedPool
	mem      sab.MemoryProvider
	ctrlPool uint32
	ctrlUser sab.Addr
	ctrlOff  uint32
	dataPool uint32
	dataUser sab.Addr
	data     []byte
	attrPool uint32
	attrUser sab.Addr
	attr     []byte

	metrics *Metrics
	logger  *utils.Logger

	mu          sync.Mutex
	notifyFn    NotifyFunc
	notifyParam any
	closed      bool
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Role() Role {
	return c.role
}

// EntryID is the instance's slot in its registry.
func (c *Client) EntryID() uint32 {
	return c.entryID
}

// transact runs fn on a copy of the control block with the instance lock
// held. The copy is written back only when fn succeeds, so a failed
// operation leaves shared state untouched. Notifications fn queues are
// delivered once the lock is released.
func (c *Client) transact(fn func(cb *ctrlBlock, notes *[]note) error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := c.lock.Enter(context.Background()); err != nil {
		return failure("enter", err)
	}
	var notes []note
	cb, err := c.loadCtrl()
	if err == nil {
		err = fn(&cb, &notes)
		if err == nil {
			err = c.storeCtrl(&cb)
		}
	}
	if leaveErr := c.lock.Leave(); leaveErr != nil && err == nil {
		err = failure("leave", leaveErr)
	}
	if err != nil {
		return err
	}

	for _, n := range notes {
		if err := c.svc.deliver(c.link, n, "watermark"); err != nil {
			c.logger.Warn("watermark notification not delivered",
				utils.String("target", n.proc.String()),
				utils.Err(err))
		}
	}
	return nil
}

func (c *Client) loadCtrl() (ctrlBlock, error) {
	var cb ctrlBlock
	if c.flags&FlagControlCache != 0 {
		if err := c.pools.Invalidate(c.ctrlPool, c.ctrlUser, ctrlSize); err != nil {
			return cb, failure("invalidate control", err)
		}
	}
	if err := readStructAt(c.mem, c.ctrlOff, &cb); err != nil {
		return cb, failure("read control", err)
	}
	return cb, nil
}

func (c *Client) storeCtrl(cb *ctrlBlock) error {
	if err := writeStructAt(c.mem, c.ctrlOff, cb); err != nil {
		return failure("write control", err)
	}
	if c.flags&FlagControlCache != 0 {
		if err := c.pools.Writeback(c.ctrlPool, c.ctrlUser, ctrlSize); err != nil {
			return failure("writeback control", err)
		}
	}
	return nil
}

func (c *Client) syncData(off, n uint32, out bool) error {
	if c.flags&FlagDataCache == 0 || n == 0 {
		return nil
	}
	addr := c.dataUser + sab.Addr(off)
	if out {
		return c.pools.Writeback(c.dataPool, addr, n)
	}
	return c.pools.Invalidate(c.dataPool, addr, n)
}

func (c *Client) syncAttr(off, n uint32, out bool) error {
	if c.flags&FlagAttrCache == 0 || n == 0 {
		return nil
	}
	addr := c.attrUser + sab.Addr(off)
	if out {
		return c.pools.Writeback(c.attrPool, addr, n)
	}
	return c.pools.Invalidate(c.attrPool, addr, n)
}

// Acquire grants a window of up to size bytes: empty space for a writer,
// valid data for a reader. A short grant is reported through Status.
func (c *Client) Acquire(size uint32) ([]byte, Status, error) {
	if size == 0 {
		return nil, StatusSuccess, fmt.Errorf("%w: zero size", ErrInvalidArg)
	}
	var (
		start, granted uint32
		status         Status
		rg             readGrant
	)
	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		if c.role == RoleWriter {
			ds := cb.dataStream()
			wg := ds.reserveWrite(size, c.flags&FlagNeedExactSize != 0)
			if wg.Shift.OK {
				if err := c.rebaseAttrs(cb, wg.Shift.From); err != nil {
					return err
				}
			}
			start, granted, status = wg.Start, wg.Granted, wg.Status
			rearm(&cb.Writer, cb.Data.Empty)
			return nil
		}

		avail, gated, err := c.readable(cb)
		if err != nil {
			return err
		}
		rg = cb.dataStream().reserveRead(size, avail)
		start, granted = rg.Start, rg.Granted
		switch {
		case gated && avail < size:
			status = StatusPendingAttribute
		case cb.Data.Valid+rg.Granted < size:
			status = StatusBufferFull
		case rg.Wrapped:
			status = StatusBufferWrap
		case rg.CopyLen > 0:
			status = StatusNotContiguous
		default:
			status = StatusSuccess
		}
		rearm(&cb.Reader, cb.Data.Valid)
		return nil
	})
	if err != nil {
		return nil, status, err
	}

	if c.role == RoleReader && granted > 0 {
		if rg.CopyLen > 0 {
			if err := c.syncData(rg.CopySrc, rg.CopyLen, false); err != nil {
				return nil, status, failure("invalidate", err)
			}
			copy(c.data[rg.CopyDst:rg.CopyDst+rg.CopyLen], c.data[rg.CopySrc:rg.CopySrc+rg.CopyLen])
		}
		direct := granted - rg.CopyLen
		if err := c.syncData(start, direct, false); err != nil {
			return nil, status, failure("invalidate", err)
		}
	}
	c.metrics.acquire(c.role, granted, status)
	if granted == 0 {
		return nil, status, nil
	}
	return c.data[start : start+granted : start+granted], status, nil
}

// readable returns how many valid bytes the reader may take before the
// next pending attribute. gated reports whether an attribute bounds it.
func (c *Client) readable(cb *ctrlBlock) (avail uint32, gated bool, err error) {
	if cb.Attr.Valid == 0 {
		return cb.Data.Valid, false, nil
	}
	h, _, err := c.peekAttr(cb)
	if err != nil {
		return 0, false, err
	}
	d := dist(cb.dataStream().readerNext(), h.Offset, cb.Data.CurEnd)
	if d > 0 && d >= cb.Data.Valid {
		return cb.Data.Valid, false, nil
	}
	return d, true, nil
}

// Release commits (writer) or consumes (reader) size bytes from the front
// of the acquired window.
func (c *Client) Release(size uint32) error {
	if size == 0 {
		return fmt.Errorf("%w: zero size", ErrInvalidArg)
	}
	err := c.transact(func(cb *ctrlBlock, notes *[]note) error {
		ds := cb.dataStream()
		if c.role == RoleWriter {
			if size > cb.Writer.Data.Size {
				return fmt.Errorf("%w: release %d of %d acquired", ErrInvalidArg, size, cb.Writer.Data.Size)
			}
			if err := c.syncData(cb.Writer.Data.Start, size, true); err != nil {
				return failure("writeback", err)
			}
			if err := c.commitAttrs(cb, size); err != nil {
				return err
			}
			prev := cb.Data.Valid
			ds.commitWrite(size)
			if shouldNotify(&cb.Reader, prev, cb.Data.Valid) {
				*notes = append(*notes, c.noteFor(cb, RoleReader))
			}
			return nil
		}

		if size > cb.Reader.Data.Size {
			return fmt.Errorf("%w: release %d of %d acquired", ErrInvalidArg, size, cb.Reader.Data.Size)
		}
		if err := c.freeReadAttrs(cb, size); err != nil {
			return err
		}
		prev := cb.Data.Empty
		if shift := ds.consumeRead(size); shift.OK {
			if err := c.rebaseAttrs(cb, shift.From); err != nil {
				return err
			}
		}
		if shouldNotify(&cb.Writer, prev, cb.Data.Empty) {
			*notes = append(*notes, c.noteFor(cb, RoleWriter))
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.metrics.release(c.role, size)
	return nil
}

func (c *Client) noteFor(cb *ctrlBlock, target Role) note {
	rec := cb.client(target)
	return note{proc: sab.ProcessorID(rec.ProcID), entry: cb.EntryID, role: target, msg: MsgWatermark}
}

// Cancel drops everything acquired since the last release. Attributes a
// writer set in that window are removed; attributes a reader took from it
// become pending again.
func (c *Client) Cancel() error {
	return c.transact(func(cb *ctrlBlock, _ *[]note) error {
		return c.cancelLocked(cb)
	})
}

func (c *Client) cancelLocked(cb *ctrlBlock) error {
	if c.role == RoleWriter {
		cb.dataStream().cancelWrite()
		cb.attrStream().cancelWrite()
		cb.PrevAttrOffset = cb.CommittedAttrOffset
		return nil
	}
	cb.attrStream().cancelRead()
	if shift := cb.dataStream().cancelRead(); shift.OK {
		return c.rebaseAttrs(cb, shift.From)
	}
	return nil
}

// Close cancels any outstanding window and releases the role.
func (c *Client) Close() error {
	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		if err := c.cancelLocked(cb); err != nil {
			return err
		}
		rec := cb.client(c.role)
		*rec = clientRec{
			Mode: uint32(c.role),
			Data: window{Start: rec.Data.Start},
			Attr: window{Start: rec.Attr.Start},
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.closed = true
	c.notifyFn = nil
	c.mu.Unlock()
	if _, closeErr := c.link.link.Locks.Close(c.lock); closeErr != nil {
		err = failure("close lock", closeErr)
	}
	c.svc.forget(c)
	c.logger.Info("ring client closed")
	return err
}

// Snapshot is a consistent view of an instance's counters.
type Snapshot struct {
	Size        uint32
	Foot        uint32
	CurEnd      uint32
	Valid       uint32
	Empty       uint32
	AttrSize    uint32
	AttrValid   uint32
	AttrEmpty   uint32
	WriterOpen  bool
	ReaderOpen  bool
	Acquired    uint32
	AcquiredOff uint32
	Watermark   uint32
}

// Snapshot reads the instance's counters under the lock.
func (c *Client) Snapshot() (Snapshot, error) {
	var out Snapshot
	err := c.transact(func(cb *ctrlBlock, _ *[]note) error {
		rec := cb.client(c.role)
		out = Snapshot{
			Size:        cb.Data.Size,
			Foot:        cb.Data.Foot,
			CurEnd:      cb.Data.CurEnd,
			Valid:       cb.Data.Valid,
			Empty:       cb.Data.Empty,
			AttrSize:    cb.Attr.Size,
			AttrValid:   cb.Attr.Valid,
			AttrEmpty:   cb.Attr.Empty,
			WriterOpen:  cb.Writer.Open != 0,
			ReaderOpen:  cb.Reader.Open != 0,
			Acquired:    rec.Data.Size,
			AcquiredOff: rec.Data.Start,
			Watermark:   rec.Watermark,
		}
		return nil
	})
	return out, err
}

func (c *Client) ValidSize() (uint32, error) {
	s, err := c.Snapshot()
	return s.Valid, err
}

func (c *Client) EmptySize() (uint32, error) {
	s, err := c.Snapshot()
	return s.Empty, err
}

func (c *Client) ValidAttrSize() (uint32, error) {
	s, err := c.Snapshot()
	return s.AttrValid, err
}

func (c *Client) EmptyAttrSize() (uint32, error) {
	s, err := c.Snapshot()
	return s.AttrEmpty, err
}

// AcquiredOffset is the buffer offset of the acquired window.
func (c *Client) AcquiredOffset() (uint32, error) {
	s, err := c.Snapshot()
	return s.AcquiredOff, err
}

func (c *Client) AcquiredSize() (uint32, error) {
	s, err := c.Snapshot()
	return s.Acquired, err
}

func (c *Client) Watermark() (uint32, error) {
	s, err := c.Snapshot()
	return s.Watermark, err
}
