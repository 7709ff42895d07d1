// Package frame implements the hypervisor's physical frame allocator: a
// bitmap over a fixed-size pool, serving both single-page and aligned
// contiguous allocations. The pool itself is backed by an anonymous mmap,
// grounded on the guest-memory allocation pattern in
// _examples/tinyrange-cc/internal/hv/kvm/kvm.go's AllocateMemory (there used
// to back a whole guest's RAM; here it backs the hypervisor's own 16 MiB
// working pool per spec.md §6's HV_MEM_POOL_SIZE).
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"rvhv/internal/addr"
	"rvhv/internal/hverr"
	"rvhv/internal/hvconst"
)

const bitsPerWord = 64

// Frame owns a run of contiguous, page-aligned physical pages. A Frame with
// FrameCount() == 0 is an unowned view: it does not belong to any Allocator
// and Release is a no-op, used to adopt memory (guest RAM, embedded images,
// the HV page table root) that the allocator never tracked.
type Frame struct {
	pool       *Pool
	startPAddr addr.HostPhysAddr
	frameCount int
	released   bool
}

// StartPAddr returns the frame's first page's physical address.
func (f *Frame) StartPAddr() addr.HostPhysAddr { return f.startPAddr }

// FrameCount returns the number of pages the frame owns.
func (f *Frame) FrameCount() int { return f.frameCount }

// Bytes returns the raw backing memory for the frame's pages. Only valid
// for frames carved from a Pool (StartPAddr an offset into the pool); an
// unowned view from Pool.AdoptUnowned (FrameCount() == 0) returns nil.
func (f *Frame) Bytes() []byte {
	if f.frameCount == 0 {
		return nil
	}
	off := uint64(f.startPAddr) - uint64(f.pool.base)
	return f.pool.mem[off : off+uint64(f.frameCount)*addr.PageSize]
}

// Release returns the frame's pages to its allocator. Releasing an unowned
// (FrameCount() == 0) frame, or releasing twice, is a harmless no-op —
// spec.md requires drop to never fail.
func (f *Frame) Release() {
	if f.released || f.frameCount == 0 || f.pool == nil {
		f.released = true
		return
	}
	f.pool.alloc.free(f.startPAddr, f.frameCount)
	f.released = true
}

// Pool is the fixed backing store every Allocator serves frames out of.
type Pool struct {
	mem   []byte
	base  addr.HostPhysAddr
	alloc *Allocator
}

// NewPool mmaps size bytes of anonymous memory and returns a Pool with its
// own Allocator ready to serve frames from it. size must be a multiple of
// PageSize.
func NewPool(size uint64) (*Pool, error) {
	if size == 0 || size%addr.PageSize != 0 {
		return nil, hverr.New(hverr.BadParam, "frame.NewPool", fmt.Errorf("size %d is not a positive multiple of page size", size))
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, hverr.New(hverr.NoMem, "frame.NewPool", err)
	}
	p := &Pool{mem: mem, base: addr.HostPhysAddr(hvconst.HVPhyBase + hvconst.HVHeapSize)}
	p.alloc = newAllocator(p, uint(size/addr.PageSize))
	return p, nil
}

// Close unmaps the pool's backing memory. Not safe to call while frames
// from this pool are still alive.
func (p *Pool) Close() error {
	return unix.Munmap(p.mem)
}

// Allocator returns the pool's single bitmap allocator.
func (p *Pool) Allocator() *Allocator { return p.alloc }

// BytesAt returns a slice of the pool's backing memory starting at the
// given physical address. The caller is responsible for ensuring pa and
// the requested length fall within memory the pool actually owns —
// typically a frame previously allocated from this same pool.
func (p *Pool) BytesAt(pa addr.HostPhysAddr, n int) []byte {
	off := uint64(pa) - uint64(p.base)
	return p.mem[off : off+uint64(n)]
}

// AdoptUnowned returns a zero-frame-count view over a region the pool did
// not allocate. Its pages are not tracked by the bitmap. (The HV page
// table root and guest RAM are allocated from the pool, not adopted.)
func (p *Pool) AdoptUnowned(start addr.HostPhysAddr) *Frame {
	return &Frame{pool: p, startPAddr: start, frameCount: 0}
}

// Allocator is a bitmap allocator over a pool's pages. One mutex, held only
// across bitmap manipulation — never across a page-table operation.
type Allocator struct {
	mu        sync.Mutex
	pool      *Pool
	words     []uint64
	numFrames uint
}

func newAllocator(pool *Pool, numFrames uint) *Allocator {
	nWords := (numFrames + bitsPerWord - 1) / bitsPerWord
	return &Allocator{pool: pool, words: make([]uint64, nWords), numFrames: numFrames}
}

// Alloc returns a single free page as a Frame, or a NoMem error.
func (a *Allocator) Alloc() (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.firstFreeRun(1, 0)
	if !ok {
		return nil, hverr.New(hverr.NoMem, "frame.Alloc", nil)
	}
	a.markRun(idx, 1)
	return &Frame{pool: a.pool, startPAddr: a.pool.base + addr.HostPhysAddr(idx*addr.PageSize), frameCount: 1}, nil
}

// AllocContiguous returns n contiguous free pages, with the run's start
// page-index aligned to 1<<alignLog2 pages, or a NoMem error.
func (a *Allocator) AllocContiguous(n int, alignLog2 uint) (*Frame, error) {
	if n <= 0 {
		return nil, hverr.New(hverr.BadParam, "frame.AllocContiguous", fmt.Errorf("n=%d", n))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.firstFreeRun(n, alignLog2)
	if !ok {
		return nil, hverr.New(hverr.NoMem, "frame.AllocContiguous", nil)
	}
	a.markRun(idx, n)
	return &Frame{pool: a.pool, startPAddr: a.pool.base + addr.HostPhysAddr(idx*addr.PageSize), frameCount: n}, nil
}

// firstFreeRun finds the first run of n consecutive clear bits whose start
// index is a multiple of 1<<alignLog2. Caller must hold a.mu.
func (a *Allocator) firstFreeRun(n int, alignLog2 uint) (uint, bool) {
	align := uint(1) << alignLog2
	for start := uint(0); start+uint(n) <= a.numFrames; start += align {
		if a.runIsFree(start, uint(n)) {
			return start, true
		}
	}
	return 0, false
}

func (a *Allocator) runIsFree(start, n uint) bool {
	for i := start; i < start+n; i++ {
		if a.bitSet(i) {
			return false
		}
	}
	return true
}

func (a *Allocator) bitSet(i uint) bool {
	return a.words[i/bitsPerWord]&(1<<(i%bitsPerWord)) != 0
}

func (a *Allocator) markRun(start uint, n int) {
	for i := start; i < start+uint(n); i++ {
		a.words[i/bitsPerWord] |= 1 << (i % bitsPerWord)
	}
}

func (a *Allocator) clearRun(start uint, n int) {
	for i := start; i < start+uint(n); i++ {
		a.words[i/bitsPerWord] &^= 1 << (i % bitsPerWord)
	}
}

// free is called by Frame.Release; it converts a physical address back to
// a bit index and clears the run.
func (a *Allocator) free(start addr.HostPhysAddr, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint((start - a.pool.base) / addr.PageSize)
	a.clearRun(idx, n)
}

// LiveCount returns the number of currently-allocated pages, for tests.
func (a *Allocator) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for i := uint(0); i < a.numFrames; i++ {
		if a.bitSet(i) {
			count++
		}
	}
	return count
}
