package mpcs

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

// Config tunes how a side waits for the peer.
type Config struct {
	// SpinLimit bounds the number of contended spins per Enter. Zero
	// spins until the context is done.
	SpinLimit int
	// YieldEvery calls runtime.Gosched every N spins.
	YieldEvery int
	// CacheOps writes back every store and invalidates before every load,
	// for regions that are not hardware coherent.
	CacheOps bool
	Logger   *utils.Logger
}

func DefaultConfig() Config {
	return Config{
		SpinLimit:  0,
		YieldEvery: 64,
		CacheOps:   false,
	}
}

// sharedWords maps the protocol words onto a lock object in the region.
type sharedWords struct {
	mem      sab.MemoryProvider
	base     uint32
	cacheOps bool
}

func (w sharedWords) load(off uint32) (uint32, error) {
	if w.cacheOps {
		if err := w.mem.Invalidate(w.base+off, 4); err != nil {
			return 0, err
		}
	}
	return w.mem.AtomicLoad32(w.base + off)
}

func (w sharedWords) store(off, v uint32) error {
	if err := w.mem.AtomicStore32(w.base+off, v); err != nil {
		return err
	}
	if w.cacheOps {
		return w.mem.Writeback(w.base+off, 4)
	}
	return nil
}

func (w sharedWords) Interest(s Side) (bool, error) {
	v, err := w.load(sideRecord(s) + offInterest)
	return v != 0, err
}

func (w sharedWords) SetInterest(s Side, v bool) error {
	var word uint32
	if v {
		word = 1
	}
	return w.store(sideRecord(s)+offInterest, word)
}

func (w sharedWords) Turn() (Side, error) {
	v, err := w.load(offTurn)
	return Side(v & 1), err
}

func (w sharedWords) SetTurn(s Side) error {
	return w.store(offTurn, uint32(s))
}

// Lock is a process-local handle to a shared lock object. All handles to
// one object in a process share the local mutex, so goroutines of the
// same side are serialized before they contend with the peer.
type Lock struct {
	name  string
	phys  sab.Addr
	words sharedWords
	side  Side
	cfg   Config
	local *sync.Mutex

	machine Machine
	// process-local mirrors of this side's counters; only this side
	// writes its record
	calls     uint32
	conflicts uint32

	logger *utils.Logger
}

func newLock(name string, phys sab.Addr, mem sab.MemoryProvider, offset uint32, side Side, cfg Config, local *sync.Mutex) *Lock {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("mpcs")
	}
	l := &Lock{
		name:    name,
		phys:    phys,
		words:   sharedWords{mem: mem, base: offset, cacheOps: cfg.CacheOps},
		side:    side,
		cfg:     cfg,
		local:   local,
		machine: Machine{Side: side, Order: FlagThenTurn},
		logger:  cfg.Logger,
	}
	if name != "" {
		l.logger = cfg.Logger.With(utils.String("lock", name))
	}
	return l
}

func (l *Lock) Name() string {
	return l.name
}

// PhysAddr is the lock object's physical address, the value stored in
// shared control blocks that reference it.
func (l *Lock) PhysAddr() sab.Addr {
	return l.phys
}

func (l *Lock) Side() Side {
	return l.side
}

// Enter blocks until this side owns the lock. Failures are reported as
// ErrLockFailure; the lock is not held when an error is returned.
func (l *Lock) Enter(ctx context.Context) error {
	l.local.Lock()

	if err := l.enter(ctx); err != nil {
		l.withdraw()
		l.local.Unlock()
		return fmt.Errorf("%w: %v", ErrLockFailure, err)
	}
	return nil
}

// withdraw returns this side to idle after a failed shared access so the
// peer does not wait on interest nobody will clear.
func (l *Lock) withdraw() {
	if err := l.machine.Abort(l.words); err != nil {
		l.logger.Error("failed to withdraw interest", utils.Err(err))
	}
	_ = l.words.store(sideRecord(l.side)+offLocalLock, 0)
}

func (l *Lock) enter(ctx context.Context) error {
	rec := sideRecord(l.side)
	if err := l.words.store(rec+offLocalLock, 1); err != nil {
		return err
	}
	l.calls++
	if err := l.words.store(rec+offNumCalls, l.calls); err != nil {
		return err
	}

	yieldEvery := l.cfg.YieldEvery
	if yieldEvery <= 0 {
		yieldEvery = 64
	}

	l.machine.Begin()
	spins := 0
	for l.machine.Phase != PhaseCritical {
		spun, err := l.machine.Step(l.words)
		if err != nil {
			return err
		}
		if !spun {
			continue
		}
		if spins == 0 {
			l.conflicts++
			if err := l.words.store(rec+offConflicts, l.conflicts); err != nil {
				return err
			}
		}
		spins++
		if l.cfg.SpinLimit > 0 && spins >= l.cfg.SpinLimit {
			return fmt.Errorf("spin limit %d reached", l.cfg.SpinLimit)
		}
		if spins%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}
	return l.words.store(rec+offClaimed, 1)
}

// Leave releases the lock. Calling Leave without a matching Enter is an
// error.
func (l *Lock) Leave() error {
	if l.machine.Phase != PhaseCritical {
		return fmt.Errorf("%w: leave while %s", ErrLockFailure, l.machine.Phase)
	}
	defer l.local.Unlock()

	if err := l.leave(); err != nil {
		l.withdraw()
		return fmt.Errorf("%w: %v", ErrLockFailure, err)
	}
	return nil
}

func (l *Lock) leave() error {
	rec := sideRecord(l.side)
	if err := l.words.store(rec+offClaimed, 0); err != nil {
		return err
	}
	if _, err := l.machine.Step(l.words); err != nil {
		return err
	}
	return l.words.store(rec+offLocalLock, 0)
}

// Stats holds the profiling counters of one side's record.
type Stats struct {
	Calls     uint32
	Conflicts uint32
}

// Stats reads both sides' counters from the shared object.
func (l *Lock) Stats() (gpp, dsp Stats, err error) {
	read := func(s Side) (Stats, error) {
		calls, err := l.words.load(sideRecord(s) + offNumCalls)
		if err != nil {
			return Stats{}, err
		}
		conflicts, err := l.words.load(sideRecord(s) + offConflicts)
		return Stats{Calls: calls, Conflicts: conflicts}, err
	}
	if gpp, err = read(SideGPP); err != nil {
		return
	}
	dsp, err = read(SideDSP)
	return
}
