package pagetable

import (
	"testing"

	"rvhv/internal/addr"
	"rvhv/internal/frame"
	"rvhv/internal/hverr"
)

func newPool(t *testing.T) *frame.Pool {
	t.Helper()
	p, err := frame.NewPool(addr.PageSize * 64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestStage1MapTranslateUnmap(t *testing.T) {
	pool := newPool(t)
	tbl, err := New[Stage1](pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tbl.Close()

	dataFrame, err := pool.Allocator().Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	va := uint64(0x1000)
	if err := tbl.Map(va, dataFrame.StartPAddr(), addr.PageSize, PteR|PteW); err != nil {
		t.Fatalf("Map: %v", err)
	}

	pa, perm, err := tbl.Translate(va)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != dataFrame.StartPAddr() {
		t.Fatalf("Translate pa = %#x, want %#x", pa, dataFrame.StartPAddr())
	}
	if perm&PteW == 0 {
		t.Fatalf("Translate perm = %#x, missing write bit", perm)
	}

	if err := tbl.Unmap(va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, err := tbl.Translate(va); !hverr.Is(err, hverr.Unmapped) {
		t.Fatalf("Translate after unmap err = %v, want Unmapped", err)
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	pool := newPool(t)
	tbl, err := New[Stage1](pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tbl.Close()

	f, err := pool.Allocator().Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	va := uint64(0x2000)
	if err := tbl.Map(va, f.StartPAddr(), addr.PageSize, PteR); err != nil {
		t.Fatalf("Map 1: %v", err)
	}
	if err := tbl.Map(va, f.StartPAddr(), addr.PageSize, PteR); !hverr.Is(err, hverr.Overlap) {
		t.Fatalf("Map 2 err = %v, want Overlap", err)
	}
}

func TestStage2RootAlignment(t *testing.T) {
	pool := newPool(t)
	tbl, err := New[Stage2](pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tbl.Close()

	if uint64(tbl.RootPAddr())%tbl.stage.RootAlign() != 0 {
		t.Fatalf("root %#x not aligned to %d", tbl.RootPAddr(), tbl.stage.RootAlign())
	}
}

func TestMapRejectsUnalignedAddress(t *testing.T) {
	pool := newPool(t)
	tbl, err := New[Stage1](pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tbl.Close()

	f, err := pool.Allocator().Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := tbl.Map(0x1001, f.StartPAddr(), addr.PageSize, PteR); !hverr.Is(err, hverr.BadParam) {
		t.Fatalf("err = %v, want BadParam", err)
	}
}

func newHugePool(t *testing.T) *frame.Pool {
	t.Helper()
	p, err := frame.NewPool(leafSize(1)*3 + addr.PageSize*64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// hugeAlignedPA carves a leafSize(1)-aligned, leafSize(1)-sized physical
// range out of pool: the pool's base address is a fixed link-time constant
// (internal/hvconst.HVPhyBase+HVHeapSize), not guaranteed 2 MiB-aligned
// itself, so AllocContiguous's page-count alignment parameter can't be
// used directly to get a superpage-aligned start.
func hugeAlignedPA(t *testing.T, pool *frame.Pool, size uint64) addr.HostPhysAddr {
	t.Helper()
	f, err := pool.Allocator().AllocContiguous(int(size/addr.PageSize)*2, 0)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	pa0 := uint64(f.StartPAddr())
	delta := (size - pa0%size) % size
	return addr.HostPhysAddr(pa0 + delta)
}

func TestMapChoosesHugeLeafWhenAligned(t *testing.T) {
	pool := newHugePool(t)
	tbl, err := New[Stage2](pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tbl.Close()

	size := leafSize(1)
	pa := hugeAlignedPA(t, pool, size)
	va := size // already 2 MiB aligned
	if err := tbl.Map(va, pa, size, PteR|PteW); err != nil {
		t.Fatalf("Map: %v", err)
	}

	off := addr.PageSize * 3
	got, _, err := tbl.Translate(va + uint64(off))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != pa+addr.HostPhysAddr(off) {
		t.Fatalf("Translate pa = %#x, want %#x", got, pa+addr.HostPhysAddr(off))
	}

	if err := tbl.Unmap(va + uint64(off)); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, err := tbl.Translate(va); !hverr.Is(err, hverr.Unmapped) {
		t.Fatalf("Translate after unmap of containing superpage err = %v, want Unmapped", err)
	}
}

func TestMapNoHugepagesForcesSmallLeaves(t *testing.T) {
	pool := newHugePool(t)
	tbl, err := New[Stage2](pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tbl.Close()

	size := leafSize(1)
	pa := hugeAlignedPA(t, pool, size)
	va := size
	if err := tbl.Map(va, pa, size, PteR|NoHugepages); err != nil {
		t.Fatalf("Map: %v", err)
	}

	// Unmapping just the first page must not disturb the rest of the
	// region: with NoHugepages this was installed as distinct 4 KiB
	// leaves, not one 2 MiB superpage.
	if err := tbl.Unmap(va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, err := tbl.Translate(va + addr.PageSize); err != nil {
		t.Fatalf("Translate of untouched page after partial unmap: %v", err)
	}
}
