package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() LayoutSpec {
	return LayoutSpec{
		RegionSize:   1 << 20,
		MpcsCtrlSize: 4096,
		RingCtrlSize: 8192,
		PoolSizes:    []uint32{64 * 1024, 256 * 1024},
	}
}

func TestLayout_Placement(t *testing.T) {
	l, err := ComputeLayout(testSpec())
	require.NoError(t, err)

	assert.Equal(t, uint32(OFFSET_LINK_HEADER), l.Header().Offset)
	assert.Equal(t, uint32(64), l.MpcsCtrl().Offset)
	assert.Equal(t, uint32(64+4096), l.RingCtrl().Offset)

	p0, err := l.Pool(0)
	require.NoError(t, err)
	assert.Equal(t, l.RingCtrl().End(), p0.Offset)
	p1, err := l.Pool(1)
	require.NoError(t, err)
	assert.Equal(t, p0.End(), p1.Offset)

	for _, r := range l.Regions() {
		assert.Zero(t, r.Offset%CACHE_LINE_SIZE, "region %s not cache aligned", r.Name)
	}
	assert.NoError(t, NewLayoutValidator(l).ValidateLayout())

	_, err = l.Pool(2)
	assert.Error(t, err)
}

func TestLayout_RejectsOversizedPools(t *testing.T) {
	spec := testSpec()
	spec.PoolSizes = append(spec.PoolSizes, 1<<20)
	_, err := ComputeLayout(spec)
	assert.Error(t, err)

	spec = testSpec()
	spec.RegionSize = 1024
	_, err = ComputeLayout(spec)
	assert.Error(t, err)
}

func TestLayout_SignatureTracksParameters(t *testing.T) {
	a, err := ComputeLayout(testSpec())
	require.NoError(t, err)
	b, err := ComputeLayout(testSpec())
	require.NoError(t, err)
	assert.Equal(t, a.Signature(), b.Signature())

	spec := testSpec()
	spec.PoolSizes[1] = 128 * 1024
	c, err := ComputeLayout(spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature(), c.Signature())
}

func TestLayout_FormatAndAttach(t *testing.T) {
	l, err := ComputeLayout(testSpec())
	require.NoError(t, err)
	mem := NewInMemoryProvider(1 << 20)

	_, err = l.Attach(mem)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, l.Format(mem, ProcessorGPP))
	info, err := l.Attach(mem)
	require.NoError(t, err)
	assert.Equal(t, ProcessorGPP, info.Owner)
	assert.Equal(t, uint32(2), info.PoolCount)
	assert.Equal(t, l.Signature(), info.Signature)

	spec := testSpec()
	spec.RingCtrlSize = 4096
	other, err := ComputeLayout(spec)
	require.NoError(t, err)
	_, err = other.Attach(mem)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestLayout_FormatClearsControlRegions(t *testing.T) {
	l, err := ComputeLayout(testSpec())
	require.NoError(t, err)
	mem := NewInMemoryProvider(1 << 20)
	require.NoError(t, mem.WriteAt(l.RingCtrl().Offset, []byte{9, 9, 9, 9}))

	require.NoError(t, l.Format(mem, 0))
	got := make([]byte, 4)
	require.NoError(t, mem.ReadAt(l.RingCtrl().Offset, got))
	assert.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestValidator_Access(t *testing.T) {
	l, err := ComputeLayout(testSpec())
	require.NoError(t, err)
	v := NewLayoutValidator(l)

	ring := l.RingCtrl()
	assert.NoError(t, v.ValidateAccess(ring.Offset, 16, REGION_RINGIO_CTRL))
	assert.Error(t, v.ValidateAccess(ring.Offset, 16, REGION_MPCS_CTRL))
	assert.Error(t, v.ValidateAccess(ring.End()-8, 16, ""))
	assert.Error(t, v.ValidateAccess(1<<20, 4, ""))
	assert.Len(t, v.Violations(), 3)

	v.ClearViolations()
	assert.Empty(t, v.Violations())
}

func TestValidator_RejectsOverlap(t *testing.T) {
	v := NewValidator(4096)
	require.NoError(t, v.RegisterRegion(MemoryRegion{Name: "a", Offset: 0, Size: 128}))
	assert.Error(t, v.RegisterRegion(MemoryRegion{Name: "b", Offset: 64, Size: 128}))
	assert.Error(t, v.RegisterRegion(MemoryRegion{Name: "c", Offset: 4000, Size: 128}))
	require.NoError(t, v.RegisterRegion(MemoryRegion{Name: "d", Offset: 128, Size: 64}))

	r, err := v.RegionByOffset(150)
	require.NoError(t, err)
	assert.Equal(t, "d", r.Name)
	assert.Contains(t, v.MemoryMap(), "d ")
}
