package ringio

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// pattern is the byte a writer puts at a global stream position.
func pattern(pos uint64) byte {
	return byte(pos % 251)
}

// trafficModel tracks both sides in global stream positions, which never
// wrap, so it can tell what the reader must see next.
type trafficModel struct {
	written  uint64 // committed by the writer
	wHeld    uint64 // acquired by the writer, not committed
	read     uint64 // consumed by the reader
	rHeld    uint64 // acquired by the reader, not consumed
	pending  []uint64
	inWindow []uint64
	taken    []uint64
}

type trafficConfig struct {
	size, foot, attrSize uint32
	flags                Flags
}

func (c trafficConfig) String() string {
	return fmt.Sprintf("size=%d foot=%d attr=%d flags=%d", c.size, c.foot, c.attrSize, c.flags)
}

func runTraffic(t *testing.T, cfg trafficConfig, seed int64) {
	r := newRig(t)
	w, rd := r.open(t, "ring", testAttrs(cfg.size, cfg.foot, cfg.attrSize), cfg.flags, 0)
	rng := rand.New(rand.NewSource(seed))
	var m trafficModel

	checkCounters := func(step int) {
		cb, err := w.loadCtrl()
		require.NoError(t, err)
		require.True(t, cb.dataStream().conserved(), "step %d: data %+v w=%+v r=%+v", step, cb.Data, cb.Writer.Data, cb.Reader.Data)
		require.True(t, cb.attrStream().conserved(), "step %d: attr %+v w=%+v r=%+v", step, cb.Attr, cb.Writer.Attr, cb.Reader.Attr)
		require.Equal(t, m.written-m.read-m.rHeld, uint64(cb.Data.Valid), "step %d", step)
	}

	for step := 0; step < 3000; step++ {
		switch op := rng.Intn(12); {
		case op < 3:
			buf, _, err := w.Acquire(uint32(rng.Intn(int(cfg.size/2)) + 1))
			require.NoError(t, err)
			for i := range buf {
				buf[i] = pattern(m.written + m.wHeld + uint64(i))
			}
			m.wHeld += uint64(len(buf))

		case op == 3:
			if cfg.attrSize == 0 {
				continue
			}
			off := uint64(rng.Intn(int(m.wHeld) + 1))
			pos := m.written + off
			if n := len(m.inWindow); n > 0 && pos < m.inWindow[n-1] {
				continue
			}
			err := w.SetAttribute(uint32(off), 1, uint32(pos))
			if errors.Is(err, ErrAttrBufferFull) || errors.Is(err, ErrWrongState) {
				continue
			}
			require.NoError(t, err, "step %d", step)
			if m.wHeld == 0 {
				m.pending = append(m.pending, pos)
			} else {
				m.inWindow = append(m.inWindow, pos)
			}

		case op == 4:
			if m.wHeld == 0 {
				continue
			}
			k := uint64(rng.Intn(int(m.wHeld)) + 1)
			require.NoError(t, w.Release(uint32(k)))
			m.written += k
			m.wHeld -= k
			for len(m.inWindow) > 0 && m.inWindow[0] <= m.written {
				m.pending = append(m.pending, m.inWindow[0])
				m.inWindow = m.inWindow[1:]
			}

		case op == 5:
			if rng.Intn(4) != 0 {
				continue
			}
			require.NoError(t, w.Cancel())
			m.wHeld = 0
			m.inWindow = nil

		case op < 9:
			buf, _, err := rd.Acquire(uint32(rng.Intn(int(cfg.size/2)) + 1))
			require.NoError(t, err)
			at := m.read + m.rHeld
			for i := range buf {
				require.Equal(t, pattern(at+uint64(i)), buf[i], "step %d: byte at %d", step, at+uint64(i))
			}
			m.rHeld += uint64(len(buf))
			if len(m.pending) > 0 {
				require.LessOrEqual(t, m.read+m.rHeld, m.pending[0], "step %d: read past an attribute", step)
			}

		case op == 9:
			a, _, err := rd.GetAttribute()
			if errors.Is(err, ErrNoAttribute) || errors.Is(err, ErrPendingData) {
				continue
			}
			require.NoError(t, err, "step %d", step)
			require.NotEmpty(t, m.pending, "step %d", step)
			next := m.pending[0]
			require.Equal(t, m.read+m.rHeld, next, "step %d: attribute taken away from its data", step)
			require.Equal(t, uint32(next), a.Param, "step %d", step)
			m.pending = m.pending[1:]
			if m.rHeld > 0 {
				m.taken = append(m.taken, next)
			}

		default:
			if m.rHeld == 0 {
				continue
			}
			if rng.Intn(5) == 0 {
				require.NoError(t, rd.Cancel())
				m.rHeld = 0
				m.pending = append(m.taken, m.pending...)
				m.taken = nil
				break
			}
			k := uint64(rng.Intn(int(m.rHeld)) + 1)
			require.NoError(t, rd.Release(uint32(k)))
			m.read += k
			m.rHeld -= k
			for len(m.taken) > 0 && m.taken[0] <= m.read {
				m.taken = m.taken[1:]
			}
		}
		checkCounters(step)
	}
}

func TestClient_TrafficDeliversPatternAndAttributes(t *testing.T) {
	configs := []trafficConfig{
		{size: 100, foot: 30, attrSize: 256},
		{size: 100, attrSize: 128},
		{size: 64, foot: 16, attrSize: 96, flags: FlagNeedExactSize},
		{size: 64, foot: 4, flags: FlagNeedExactSize},
	}
	for _, cfg := range configs {
		for seed := int64(1); seed <= 20; seed++ {
			t.Run(fmt.Sprintf("%s/seed=%d", cfg, seed), func(t *testing.T) {
				runTraffic(t, cfg, seed)
			})
		}
	}
}
