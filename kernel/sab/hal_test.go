package sab

import (
	"errors"
	"testing"
)

func TestInMemoryProviderReadWrite(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	data := []byte{1, 2, 3, 4, 5}
	if err := provider.WriteAt(8, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	read := make([]byte, len(data))
	if err := provider.ReadAt(8, read); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i, v := range data {
		if read[i] != v {
			t.Fatalf("unexpected byte at %d: %d != %d", i, read[i], v)
		}
	}
}

func TestInMemoryProviderAtomic(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if err := provider.AtomicStore32(4, 10); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	val, err := provider.AtomicLoad32(4)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if val != 10 {
		t.Fatalf("expected 10, got %d", val)
	}
}

func TestInMemoryProviderMisaligned(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if _, err := provider.AtomicLoad32(2); err != ErrMisaligned {
		t.Fatalf("expected misaligned error, got %v", err)
	}
}

func TestInMemoryProviderBounds(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if err := provider.WriteAt(14, []byte{1, 2, 3}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected out of bounds, got %v", err)
	}
	if _, err := provider.Slice(0xFFFFFFF0, 0x20); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected out of bounds on wrapping range, got %v", err)
	}
}

func TestInMemoryProviderSliceAliases(t *testing.T) {
	provider := NewInMemoryProvider(32)
	defer provider.Close()

	view, err := provider.Slice(4, 8)
	if err != nil {
		t.Fatalf("slice failed: %v", err)
	}
	view[0] = 0xAB
	got := make([]byte, 1)
	if err := provider.ReadAt(4, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatalf("slice does not alias provider memory")
	}
	if cap(view) != 8 {
		t.Fatalf("slice capacity leaks past range: %d", cap(view))
	}
}

func TestInMemoryProviderCacheOps(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	_ = provider.Writeback(0, 64)
	_ = provider.Writeback(0, 4)
	_ = provider.Invalidate(0, 64)
	wb, inv := provider.CacheOps()
	if wb != 2 || inv != 1 {
		t.Fatalf("unexpected cache op counts: %d writebacks, %d invalidations", wb, inv)
	}
}
