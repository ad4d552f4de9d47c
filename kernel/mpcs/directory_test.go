package mpcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dsplink/kernel/pool"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

type testLink struct {
	mem     *sab.InMemoryProvider
	gpp     *Directory
	dsp     *Directory
	gppPool *pool.SharedPool
}

func newTestLink(t *testing.T, maxEntries uint32) *testLink {
	t.Helper()
	const size = 2 << 20
	pcfg := pool.DefaultConfig()
	pcfg.Logger = utils.NopLogger()
	layout, err := sab.ComputeLayout(sab.LayoutSpec{
		RegionSize:   size,
		MpcsCtrlSize: 4096,
		RingCtrlSize: 4096,
		PoolSizes:    pool.LayoutSizes(pcfg.Pools),
	})
	require.NoError(t, err)

	mem := sab.NewInMemoryProvider(size)
	require.NoError(t, layout.Format(mem, sab.ProcessorGPP))

	side := func(proc sab.ProcessorID) (*pool.SharedPool, *Directory) {
		region, err := sab.NewRegion(sab.SimulatedMemInfo(proc, size), mem)
		require.NoError(t, err)
		sp, err := pool.New(region, layout, pcfg)
		require.NoError(t, err)
		cfg := DefaultConfig()
		cfg.Logger = utils.NopLogger()
		dir, err := NewDirectory(sp, layout, maxEntries, cfg)
		require.NoError(t, err)
		return sp, dir
	}
	gppPool, gpp := side(sab.ProcessorGPP)
	_, dsp := side(0)
	require.NoError(t, gpp.Initialize())
	return &testLink{mem: mem, gpp: gpp, dsp: dsp, gppPool: gppPool}
}

func TestDirectory_CreateOpenAcrossSides(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()

	phys, err := link.gpp.Create(ctx, "chan0", Attrs{PoolID: 0})
	require.NoError(t, err)

	entry, err := link.dsp.Lookup(ctx, "chan0")
	require.NoError(t, err)
	assert.Equal(t, phys, entry.PhysAddr)
	assert.Equal(t, sab.ProcessorGPP, entry.OwnerProc)

	gl, err := link.gpp.Open(ctx, "chan0")
	require.NoError(t, err)
	dl, err := link.dsp.Open(ctx, "chan0")
	require.NoError(t, err)
	assert.Equal(t, SideGPP, gl.Side())
	assert.Equal(t, SideDSP, dl.Side())

	require.NoError(t, gl.Enter(ctx))
	require.NoError(t, gl.Leave())
	require.NoError(t, dl.Enter(ctx))
	require.NoError(t, dl.Leave())

	g, d, err := gl.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), g.Calls)
	assert.Equal(t, uint32(1), d.Calls)
}

func TestDirectory_NameUniqueness(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()

	_, err := link.gpp.Create(ctx, "dup", Attrs{PoolID: 0})
	require.NoError(t, err)
	_, err = link.gpp.Create(ctx, "dup", Attrs{PoolID: 0})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, link.gpp.Delete(ctx, "dup"))
	_, err = link.gpp.Create(ctx, "dup", Attrs{PoolID: 0})
	assert.NoError(t, err)
}

func TestDirectory_FullReleasesMemory(t *testing.T) {
	link := newTestLink(t, 2)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := link.gpp.Create(ctx, name, Attrs{PoolID: 0})
		require.NoError(t, err)
	}
	before := link.gppPool.Stats()[0].Buddy.Allocations

	_, err := link.gpp.Create(ctx, "c", Attrs{PoolID: 0})
	assert.ErrorIs(t, err, ErrResource)
	assert.Equal(t, before, link.gppPool.Stats()[0].Buddy.Allocations)
}

func TestDirectory_ReservedLocksStayHidden(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()

	name := ReservedPrefix + "_REG"
	phys, err := link.gpp.Create(ctx, name, Attrs{PoolID: 0})
	require.NoError(t, err)

	entries, err := link.gpp.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = link.gpp.Open(ctx, name)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.ErrorIs(t, link.gpp.Delete(ctx, name), ErrInvalidArg)

	l, err := link.dsp.Attach(phys)
	require.NoError(t, err)
	require.NoError(t, l.Enter(ctx))
	require.NoError(t, l.Leave())
	_, err = link.dsp.Close(l)
	require.NoError(t, err)

	require.NoError(t, link.gpp.Destroy(phys))
	assert.Zero(t, link.gppPool.Stats()[0].Buddy.Allocations)
}

func TestDirectory_HandlesAreShared(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()
	_, err := link.gpp.Create(ctx, "shared", Attrs{PoolID: 0})
	require.NoError(t, err)

	a, err := link.gpp.Open(ctx, "shared")
	require.NoError(t, err)
	b, err := link.gpp.Open(ctx, "shared")
	require.NoError(t, err)
	assert.Same(t, a, b)

	assert.ErrorIs(t, link.gpp.Delete(ctx, "shared"), ErrWrongState)

	last, err := link.gpp.Close(a)
	require.NoError(t, err)
	assert.False(t, last)
	last, err = link.gpp.Close(b)
	require.NoError(t, err)
	assert.True(t, last)

	_, err = link.gpp.Close(a)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.NoError(t, link.gpp.Delete(ctx, "shared"))
}

func TestDirectory_DeleteNeedsPoolOwner(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()
	_, err := link.gpp.Create(ctx, "owned", Attrs{PoolID: 0})
	require.NoError(t, err)

	assert.ErrorIs(t, link.dsp.Delete(ctx, "owned"), ErrWrongState)
	_, err = link.dsp.Lookup(ctx, "owned")
	assert.NoError(t, err, "failed delete keeps the entry")
}

func TestDirectory_CallerSuppliedMemory(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()

	addr, err := link.gppPool.Alloc(1, ObjectSize)
	require.NoError(t, err)
	phys, err := link.gpp.Create(ctx, "external", Attrs{Addr: addr})
	require.NoError(t, err)
	want, err := link.gppPool.Translate(1, sab.AddrPhysical, addr, sab.AddrUser)
	require.NoError(t, err)
	assert.Equal(t, want, phys)

	require.NoError(t, link.gpp.Delete(ctx, "external"))
	assert.Equal(t, 1, link.gppPool.Stats()[1].Buddy.Allocations, "caller memory is not freed")
}

func TestDirectory_Validation(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()

	_, err := link.gpp.Create(ctx, "", Attrs{})
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = link.gpp.Create(ctx, "a-name-that-is-far-too-long-for-the-table", Attrs{})
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = link.gpp.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, link.gpp.Delete(ctx, "missing"), ErrNotFound)
}

func TestDirectory_GenerationTracksChanges(t *testing.T) {
	link := newTestLink(t, 8)
	ctx := context.Background()

	g0, err := link.dsp.Generation()
	require.NoError(t, err)
	_, err = link.gpp.Create(ctx, "gen", Attrs{PoolID: 0})
	require.NoError(t, err)
	require.NoError(t, link.gpp.Delete(ctx, "gen"))
	g1, err := link.dsp.Generation()
	require.NoError(t, err)
	assert.Equal(t, g0+2, g1)
}

func TestDirectory_NotInitialized(t *testing.T) {
	link := newTestLink(t, 8)
	require.NoError(t, link.mem.AtomicStore32(link.gpp.ctrl.Offset+offInitialized, 0))

	_, err := link.dsp.Create(context.Background(), "x", Attrs{PoolID: 2})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDirectory_SizeFitsControlRegion(t *testing.T) {
	assert.Equal(t, uint32(64+192+8*64), DirectorySize(8))
	assert.Equal(t, uint32(192), ObjectSize)
}
