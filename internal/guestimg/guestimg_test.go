package guestimg

import (
	"testing"

	"rvhv/internal/fdtquery"
)

// TestZonesParseAndDeclareMemory exercises the same fdtquery.Parse path
// cmd/hvisor.bringUpZone relies on, against every zone's built device tree.
func TestZonesParseAndDeclareMemory(t *testing.T) {
	for _, z := range Zones() {
		tree, err := fdtquery.Parse(z.DTB)
		if err != nil {
			t.Fatalf("zone %d: Parse: %v", z.VMID, err)
		}
		mem := tree.Memory()
		if len(mem) != 1 {
			t.Fatalf("zone %d: Memory() = %d regions, want 1", z.VMID, len(mem))
		}
		if len(z.Kernel) > int(mem[0].Size) {
			t.Fatalf("zone %d: kernel image (%d bytes) exceeds declared ram (%d bytes)", z.VMID, len(z.Kernel), mem[0].Size)
		}
		cpus := tree.CPUs()
		if len(cpus) != 1 {
			t.Fatalf("zone %d: CPUs() = %d, want 1", z.VMID, len(cpus))
		}
	}
}

// TestZonesHaveDistinctLayouts confirms the two built-in zones don't
// collide on vmid or guest-physical memory base, the two invariants
// cmd/hvisor.earlyInitPhase relies on for running them side by side.
func TestZonesHaveDistinctLayouts(t *testing.T) {
	zones := Zones()
	if len(zones) != 2 {
		t.Fatalf("Zones() = %d entries, want 2", len(zones))
	}
	if zones[0].VMID == zones[1].VMID {
		t.Fatalf("zones share vmid %d", zones[0].VMID)
	}

	tree0, err := fdtquery.Parse(zones[0].DTB)
	if err != nil {
		t.Fatalf("zone 0: Parse: %v", err)
	}
	tree1, err := fdtquery.Parse(zones[1].DTB)
	if err != nil {
		t.Fatalf("zone 1: Parse: %v", err)
	}
	if tree0.Memory()[0].Base == tree1.Memory()[0].Base {
		t.Fatalf("zones share memory base %#x", tree0.Memory()[0].Base)
	}
}
