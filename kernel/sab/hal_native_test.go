//go:build unix

package sab

import (
	"path/filepath"
	"testing"
)

func TestSharedMemoryProviderTwoMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	a, err := OpenSharedMemory(SharedMemoryOptions{Path: path, Size: 8192, Create: true})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer a.Close()
	b, err := OpenSharedMemory(SharedMemoryOptions{Path: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer b.Close()

	if b.Size() != 8192 {
		t.Fatalf("expected size 8192, got %d", b.Size())
	}
	if err := a.AtomicStore32(128, 0xC0FFEE); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := a.Writeback(128, 4); err != nil {
		t.Fatalf("writeback failed: %v", err)
	}
	if err := b.Invalidate(128, 4); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	val, err := b.AtomicLoad32(128)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if val != 0xC0FFEE {
		t.Fatalf("second mapping saw 0x%x", val)
	}
}
