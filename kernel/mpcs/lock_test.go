package mpcs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

func rawLock(mem sab.MemoryProvider, side Side, cfg Config) *Lock {
	cfg.Logger = utils.NopLogger()
	return newLock("test", 0, mem, 0, side, cfg, &sync.Mutex{})
}

func hammer(t *testing.T, mem sab.MemoryProvider, locks []*Lock, rounds int) {
	t.Helper()
	const counterOff = 1024
	var inside atomic.Int32
	var overlaps atomic.Int32

	var wg sync.WaitGroup
	for _, l := range locks {
		wg.Add(1)
		go func(l *Lock) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := l.Enter(context.Background()); err != nil {
					t.Errorf("enter: %v", err)
					return
				}
				if inside.Add(1) != 1 {
					overlaps.Add(1)
				}
				v, _ := mem.AtomicLoad32(counterOff)
				_ = mem.AtomicStore32(counterOff, v+1)
				inside.Add(-1)
				if err := l.Leave(); err != nil {
					t.Errorf("leave: %v", err)
					return
				}
			}
		}(l)
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load(), "two holders inside the critical section")
	v, err := mem.AtomicLoad32(counterOff)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(locks)*rounds), v, "lost updates")
}

func TestLock_MutualExclusionAcrossSides(t *testing.T) {
	mem := sab.NewInMemoryProvider(4096)
	cfg := DefaultConfig()
	cfg.YieldEvery = 4

	gpp := rawLock(mem, SideGPP, cfg)
	dsp := rawLock(mem, SideDSP, cfg)
	// two goroutines per side share a handle
	hammer(t, mem, []*Lock{gpp, gpp, dsp, dsp}, 500)

	g, d, err := gpp.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), g.Calls)
	assert.Equal(t, uint32(1000), d.Calls)
}

func TestLock_CacheOpsOnEveryAccess(t *testing.T) {
	mem := sab.NewInMemoryProvider(4096)
	cfg := DefaultConfig()
	cfg.CacheOps = true
	l := rawLock(mem, SideGPP, cfg)

	require.NoError(t, l.Enter(context.Background()))
	require.NoError(t, l.Leave())

	wb, inv := mem.CacheOps()
	assert.Greater(t, wb, uint64(0))
	assert.Greater(t, inv, uint64(0))
}

func TestLock_SpinLimit(t *testing.T) {
	mem := sab.NewInMemoryProvider(4096)
	cfg := DefaultConfig()
	cfg.SpinLimit = 100
	gpp := rawLock(mem, SideGPP, cfg)

	// DSP holds the lock
	dsp := rawLock(mem, SideDSP, DefaultConfig())
	require.NoError(t, dsp.Enter(context.Background()))

	err := gpp.Enter(context.Background())
	assert.ErrorIs(t, err, ErrLockFailure)

	interest, _ := mem.AtomicLoad32(offGPP + offInterest)
	assert.Zero(t, interest, "failed enter must withdraw interest")

	g, _, err := gpp.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), g.Conflicts)

	require.NoError(t, dsp.Leave())
	require.NoError(t, gpp.Enter(context.Background()))
	require.NoError(t, gpp.Leave())
}

func TestLock_ContextCancel(t *testing.T) {
	mem := sab.NewInMemoryProvider(4096)
	cfg := DefaultConfig()
	cfg.YieldEvery = 1
	gpp := rawLock(mem, SideGPP, cfg)
	dsp := rawLock(mem, SideDSP, cfg)
	require.NoError(t, dsp.Enter(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gpp.Enter(ctx)
	assert.ErrorIs(t, err, ErrLockFailure)
	assert.Contains(t, err.Error(), "deadline")
	require.NoError(t, dsp.Leave())
}

func TestLock_WaiterProceedsAfterLeave(t *testing.T) {
	mem := sab.NewInMemoryProvider(4096)
	gpp := rawLock(mem, SideGPP, DefaultConfig())
	dsp := rawLock(mem, SideDSP, DefaultConfig())
	require.NoError(t, dsp.Enter(context.Background()))

	entered := make(chan struct{})
	go func() {
		if err := gpp.Enter(context.Background()); err == nil {
			close(entered)
			_ = gpp.Leave()
		}
	}()

	select {
	case <-entered:
		t.Fatal("entered while peer holds the lock")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, dsp.Leave())
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never entered")
	}
}

func TestLock_LeaveWithoutEnter(t *testing.T) {
	l := rawLock(sab.NewInMemoryProvider(4096), SideGPP, DefaultConfig())
	assert.ErrorIs(t, l.Leave(), ErrLockFailure)
}

// flakyStore fails the next store to one word.
type flakyStore struct {
	*sab.InMemoryProvider
	off  atomic.Uint32
	fail atomic.Bool
}

func (m *flakyStore) AtomicStore32(offset, val uint32) error {
	if offset == m.off.Load() && m.fail.CompareAndSwap(true, false) {
		return errors.New("store refused")
	}
	return m.InMemoryProvider.AtomicStore32(offset, val)
}

func TestLock_FailedLeaveWithdrawsInterest(t *testing.T) {
	mem := &flakyStore{InMemoryProvider: sab.NewInMemoryProvider(4096)}
	cfg := DefaultConfig()
	cfg.SpinLimit = 100
	gpp := rawLock(mem, SideGPP, cfg)
	dsp := rawLock(mem, SideDSP, cfg)

	require.NoError(t, gpp.Enter(context.Background()))
	mem.off.Store(offGPP + offClaimed)
	mem.fail.Store(true)
	assert.ErrorIs(t, gpp.Leave(), ErrLockFailure)

	interest, err := mem.AtomicLoad32(offGPP + offInterest)
	require.NoError(t, err)
	assert.Zero(t, interest)
	local, err := mem.AtomicLoad32(offGPP + offLocalLock)
	require.NoError(t, err)
	assert.Zero(t, local)

	require.NoError(t, dsp.Enter(context.Background()), "peer must not wait on a side that left")
	require.NoError(t, dsp.Leave())

	require.NoError(t, gpp.Enter(context.Background()))
	require.NoError(t, gpp.Leave())
}
