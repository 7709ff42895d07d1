// Package hvconst collects the link-time and memory-map constants that, on
// real hardware, would come from the linker script and the platform memory
// map. Grouping them here keeps every other package free of magic numbers.
package hvconst

// Link-time layout.
const (
	// HVBase is the physical (and, pre-relocation, virtual) address the
	// hypervisor image is linked at.
	HVBase    uint64 = 0x8020_0000
	HVPhyBase uint64 = HVBase

	// DTBAddr is the guest-physical address at which each zone's device
	// tree is exposed.
	DTBAddr uint64 = 0xbfe0_0000
)

// Per-CPU array layout. PerCPUSize is a platform choice (64 or 128 KiB);
// this build uses the smaller of the two since MaxCPUNum is small.
const (
	PerCPUSize uint64 = 64 * 1024
	MaxCPUNum  int    = 8
)

// Pool and heap sizing.
const (
	HVHeapSize     uint64 = 1 * 1024 * 1024
	HVMemPoolSize  uint64 = 16 * 1024 * 1024
	InvalidAddress uint64 = ^uint64(0)
)

// PLIC layout, shared by the physical PLIC model and the vPLIC shadow.
// PLICBase is the guest-physical address the QEMU riscv64 virt platform
// maps the PLIC at; zone.PTInit never maps this window (spec.md §4.E),
// so every guest access to it traps and reaches the guest-page-fault
// handler.
const (
	PLICBase         uint64 = 0xc00_0000
	PLICPriorityBase uint64 = 0x0
	PLICPendingBase  uint64 = 0x1000
	PLICEnableBase   uint64 = 0x2000
	PLICGlobalSize   uint64 = 0x20_0000
	PLICTotalSize    uint64 = 0x40_0000
	PLICMaxContext   int    = 64
	PLICContextSize  uint64 = 0x1000
	PLICEnableStride uint64 = 0x80
)
