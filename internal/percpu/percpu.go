// Package percpu holds the fixed per-hart control-block array and the
// CpuSet bitmap used to identify which harts belong to a zone. Grounded on
// spec.md §3/§4.D's PerCpu description; the teacher has no direct
// equivalent (its VMs are hosted, not bare-metal-resident), so the array
// shape follows the spec's "arena indexed by hart_id" note in §9 rather
// than a specific teacher file, while the per-slot mutex and accessor
// style match the narrow-critical-section discipline used throughout the
// pack (e.g. AddressSpace.mu in the now-adapted internal/memset).
package percpu

import (
	"fmt"
	"math/bits"
	"sync"

	"rvhv/internal/archcsr"
	"rvhv/internal/hverr"
)

// CpuSet identifies the harts bound to a zone: a fixed-width bitmap with
// membership, iteration, and first-set-bit queries.
type CpuSet struct {
	maxID  int
	bitmap uint64
}

// NewCpuSet returns an empty set over hart ids [0, maxID).
func NewCpuSet(maxID int) CpuSet { return CpuSet{maxID: maxID} }

// FromSlice returns a CpuSet containing exactly the given ids.
func FromSlice(maxID int, ids []int) CpuSet {
	s := NewCpuSet(maxID)
	for _, id := range ids {
		s.Set(id)
	}
	return s
}

// Set adds id to the set.
func (s *CpuSet) Set(id int) { s.bitmap |= 1 << uint(id) }

// Clear removes id from the set.
func (s *CpuSet) Clear(id int) { s.bitmap &^= 1 << uint(id) }

// Contains reports whether id is a member.
func (s CpuSet) Contains(id int) bool { return s.bitmap&(1<<uint(id)) != 0 }

// Count returns the number of member harts.
func (s CpuSet) Count() int { return bits.OnesCount64(s.bitmap) }

// FirstCPU returns the lowest member id, or -1 if the set is empty.
func (s CpuSet) FirstCPU() int {
	if s.bitmap == 0 {
		return -1
	}
	return bits.TrailingZeros64(s.bitmap)
}

// Iter returns the member ids in ascending order.
func (s CpuSet) Iter() []int {
	out := make([]int, 0, s.Count())
	for id := 0; id < s.maxID; id++ {
		if s.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// IterExcept returns the member ids in ascending order, skipping k.
func (s CpuSet) IterExcept(k int) []int {
	out := make([]int, 0, s.Count())
	for _, id := range s.Iter() {
		if id != k {
			out = append(out, id)
		}
	}
	return out
}

// ZoneRef is the minimal view percpu needs of a zone: its strong
// back-reference target. Defined here, implemented by *zone.Zone, to keep
// percpu below zone in the import graph per spec.md §9's cycle note
// (PerCpu holds a strong handle to its Zone; Zone holds no reference back
// to any PerCpu).
type ZoneRef interface {
	VMID() uint64
}

// PerCpu is one hart's control block: its boot entry point, its register
// shadow, and (if bound) a strong reference to its zone.
type PerCpu struct {
	mu sync.Mutex

	ID           int
	CPUOnEntry   uint64
	GuestDTBAddr uint64
	ArchCPU      archcsr.ArchCpu
	Zone         ZoneRef
	BootCPU      bool
}

// Array is the fixed-size arena of PerCpu slots, one per possible hart,
// indexed by hart id. No allocation happens at steady state; every slot
// exists from process start.
type Array struct {
	slots []*PerCpu
}

// NewArray allocates an Array with n slots, each pre-constructed.
func NewArray(n int) *Array {
	a := &Array{slots: make([]*PerCpu, n)}
	for i := range a.slots {
		a.slots[i] = &PerCpu{ID: i}
	}
	return a
}

// Len returns the number of slots.
func (a *Array) Len() int { return len(a.slots) }

// GetCPUData returns the slot for hart id, or BadParam if out of range.
func (a *Array) GetCPUData(id int) (*PerCpu, error) {
	if id < 0 || id >= len(a.slots) {
		return nil, hverr.New(hverr.BadParam, "percpu.GetCPUData", fmt.Errorf("hart id %d out of range [0,%d)", id, len(a.slots)))
	}
	return a.slots[id], nil
}

// Lock and Unlock guard mutation of this slot's fields; zone creation,
// the boot phases that write a hart's ArchCpu, and HSM start all take
// them (spec.md §5: cross-hart writes to slot i happen only before hart
// i is running).
func (p *PerCpu) Lock()   { p.mu.Lock() }
func (p *PerCpu) Unlock() { p.mu.Unlock() }
