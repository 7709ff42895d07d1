// Package memset implements MemorySet: an ordered, overlap-checked list of
// mapped regions that drives a page table. It generalizes the MMIO
// bookkeeping of _examples/tinyrange-cc/internal/hv/address_space.go's
// AddressSpace — there, a sorted allocation list above a fixed RAM region,
// guarded by a single mutex — into "an ordered region set that owns and
// drives a pagetable.Table" for either translation stage.
package memset

import (
	"fmt"
	"sort"
	"sync"

	"rvhv/internal/addr"
	"rvhv/internal/hverr"
	"rvhv/internal/pagetable"
)

// Region is one mapped range: [Start, Start+Size) mapped to
// [PAddr, PAddr+Size) with Perm.
type Region struct {
	Name  string
	Start uint64
	Size  uint64
	PAddr addr.HostPhysAddr
	Perm  pagetable.Perm
}

func (r Region) end() uint64 { return r.Start + r.Size }

// Set is an ordered, non-overlapping list of Regions driving a
// pagetable.Table[S]. Mirrors AddressSpace.mu's narrow-critical-section
// discipline: the mutex guards only the region list and the table's PTE
// writes, never anything that blocks.
type Set[S pagetable.Stage] struct {
	mu       sync.Mutex
	table    *pagetable.Table[S]
	regions  []Region
	active   bool
	activate func(addr.HostPhysAddr)
}

// New wraps table in an empty Set.
func New[S pagetable.Stage](table *pagetable.Table[S]) *Set[S] {
	return &Set[S]{table: table}
}

// SetActivateFunc installs the CSR write (satp for Stage1, hgatp for
// Stage2) that Activate issues, together with its fence
// (sfence.vma/hfence.gvma). This indirection exists so memset never
// imports archcsr: the caller building a Zone or a per-hart address space
// wires the right CSR write for the stage it is constructing.
func (s *Set[S]) SetActivateFunc(f func(addr.HostPhysAddr)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activate = f
}

// Insert adds r to the set, mapping every page it covers into the
// underlying table. Rejects overlap with any existing region.
func (s *Set[S]) Insert(r Region) error {
	if r.Size == 0 {
		return hverr.New(hverr.BadParam, "memset.Insert", fmt.Errorf("region %q has zero size", r.Name))
	}
	if !addr.IsAligned(r.Start) || !addr.IsAligned(uint64(r.PAddr)) || !addr.IsAligned(r.Size) {
		return hverr.New(hverr.BadParam, "memset.Insert", fmt.Errorf("region %q is not page-aligned", r.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Start >= r.Start })
	if pos > 0 && s.regions[pos-1].end() > r.Start {
		return hverr.New(hverr.Overlap, "memset.Insert", fmt.Errorf("region %q [%#x,%#x) overlaps %q", r.Name, r.Start, r.end(), s.regions[pos-1].Name))
	}
	if pos < len(s.regions) && r.end() > s.regions[pos].Start {
		return hverr.New(hverr.Overlap, "memset.Insert", fmt.Errorf("region %q [%#x,%#x) overlaps %q", r.Name, r.Start, r.end(), s.regions[pos].Name))
	}

	if err := s.table.Map(r.Start, r.PAddr, r.Size, r.Perm); err != nil {
		return err
	}

	s.regions = append(s.regions, Region{})
	copy(s.regions[pos+1:], s.regions[pos:])
	s.regions[pos] = r
	return nil
}

// Unmap removes the region named name, unmapping every page it covered.
func (s *Set[S]) Unmap(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.Name != name {
			continue
		}
		for off := uint64(0); off < r.Size; off += addr.PageSize {
			s.table.Unmap(r.Start + off)
		}
		s.regions = append(s.regions[:i], s.regions[i+1:]...)
		return nil
	}
	return hverr.New(hverr.Unmapped, "memset.Unmap", fmt.Errorf("no region named %q", name))
}

// Regions returns a copy of the currently mapped regions, in address order.
func (s *Set[S]) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Table returns the underlying page table this set drives.
func (s *Set[S]) Table() *pagetable.Table[S] { return s.table }

// Activate issues the installed CSR write (see SetActivateFunc) pointing
// at this set's table root, and records that the set is live.
func (s *Set[S]) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activate != nil {
		s.activate(s.table.RootPAddr())
	}
	s.active = true
}

// Active reports whether Activate has been called.
func (s *Set[S]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
