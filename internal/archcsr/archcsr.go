// Package archcsr models the per-hart register and CSR shadow saved and
// restored by the trap vector: ArchCpu. Bit layouts for hstatus, sstatus,
// hideleg, hedeleg and hvip are grounded on the mstatus/mip/mideleg
// constant blocks in
// _examples/tinyrange-cc/internal/hv/riscv/rv64/cpu.go, reinterpreted at
// the H-extension's VS-bit offsets (that file's CSRs are M/S only; there
// is no H-extension shadow in the teacher to adapt directly, so the VS
// bit positions below come from the RISC-V hypervisor specification
// itself).
package archcsr

// hstatus bits.
const (
	HstatusSPV    = 1 << 7  // trap came from V=1 (virtualized) mode
	HstatusSPVP   = 1 << 8  // virtual privilege prior to trap
	HstatusVSXL64 = 2 << 32 // VSXLEN = 64, held at bits [33:32]
)

// sstatus bits (shared shape with mstatus in the teacher's cpu.go, offsets
// unchanged between S and HS views of the same field).
const (
	SstatusSIE  = 1 << 1
	SstatusSPIE = 1 << 5
	SstatusSPP  = 1 << 8
	SstatusFS   = 3 << 13
	SstatusXS   = 3 << 15
	SstatusSUM  = 1 << 18
	SstatusMXR  = 1 << 19
	SstatusSD   = 1 << 63

	FSDirty = 3 << 13
	XSDirty = 3 << 15
)

// hideleg / hedeleg / hvip bits: VS-prefixed interrupt and exception
// delegation, and the three guest-visible interrupt-pending bits.
const (
	HidelegVSSI = 1 << 2
	HidelegVSTI = 1 << 6
	HidelegVSEI = 1 << 10

	HedelegEnvCallU       = 1 << 8
	HedelegInstPageFault  = 1 << 12
	HedelegLoadPageFault  = 1 << 13
	HedelegStorePageFault = 1 << 15

	HvipVSSIP = 1 << 2
	HvipVSTIP = 1 << 6
	HvipVSEIP = 1 << 10

	SieSSIE = 1 << 1
	SieSTIE = 1 << 5
	SieSEIE = 1 << 9

	HcounterenTM = 1 << 1
	ScounterenTM = 1 << 1

	HenvcfgSTCE = 1 << 63
)

// scause values relevant to the trap engine. Bit 63 set marks an
// interrupt; clear marks a synchronous exception.
const (
	CauseInterruptBit = 1 << 63

	CauseEcallVU             = 8
	CauseEcallVS             = 10
	CauseLoadGuestPageFault  = 21
	CauseStoreGuestPageFault = 23

	InterruptSSI = 1
	InterruptSTI = 5
	InterruptSEI = 9
)

// PendingKind indexes ArchCpu.PendingCounts.
type PendingKind int

const (
	PendingSSI PendingKind = iota
	PendingSTI
	PendingSEI
)

// ArchCpu is the full register/CSR shadow for one hart: the integer
// register file plus the HS-visible and VS-shadow CSRs the trap vector
// saves and restores, and the hypervisor-maintained pending-interrupt
// counters.
type ArchCpu struct {
	X        [32]uint64
	Hstatus  uint64
	Sstatus  uint64
	Sepc     uint64
	StackTop uint64
	HartID   uint64
	FirstCPU uint64
	Sstc     bool

	PendingCounts [3]uint32

	Sie uint64

	VSstatus  uint64
	VStvec    uint64
	VSscratch uint64
	VSepc     uint64
	VScause   uint64
	VStval    uint64
	Hvip      uint64
	VSatp     uint64
	VStimecmp uint64

	// HGatp is the zone's stage-2 table root, written by cmd/hvisor's
	// activatePhase right after the zone's memset.Set.Activate call
	// during PerCpuInit, before CpuInit's CSR programming runs; unlike
	// the VS-CSRs above, CpuInit leaves it as is rather than zeroing it.
	HGatp uint64

	// Satp is the hypervisor's own HS stage-1 table root, written by
	// cmd/hvisor's activatePhase right after the hypervisor page table's
	// memset.Set.Activate call during PerCpuInit. All harts share the
	// same HV stage-1 table, so every
	// hart's Satp ends up holding the same root, the same way HGatp
	// holds a zone-shared root per hart bound to that zone.
	Satp uint64

	Hcounteren uint64
	Scounteren uint64
	Henvcfg    uint64
}

// CpuInit programs the CSR shadow the way a hart entering a guest for the
// first time must: sepc at the guest entry point, hstatus/sstatus set for
// a VS-mode guest, a0/a1 carrying the hart id and guest DTB address,
// sie/hcounteren/scounteren/henvcfg set, and the VS-CSR shadow zeroed.
// hideleg and hedeleg are not ArchCpu fields, so CpuInit does not store
// them; their fixed values are only available from Hideleg and Hedeleg.
func (c *ArchCpu) CpuInit(hartID uint64, entry, guestDTB uint64) {
	c.HartID = hartID
	c.Sepc = entry
	c.Hstatus = HstatusSPV | HstatusVSXL64
	c.Sstatus = SstatusSPP | SstatusSD | FSDirty | XSDirty
	c.X[10] = hartID   // a0
	c.X[11] = guestDTB // a1
	c.Sie = SieSEIE | SieSTIE | SieSSIE
	c.Hcounteren = HcounterenTM
	c.Scounteren = ScounterenTM
	c.Henvcfg = HenvcfgSTCE

	c.VSstatus = 0
	c.VStvec = 0
	c.VSscratch = 0
	c.VSepc = 0
	c.VScause = 0
	c.VStval = 0
	c.Hvip = 0
	c.VSatp = 0
}

// Hideleg and Hedeleg return the fixed delegation values a hart entering
// a guest uses; kept as pure functions since, unlike the rest of the
// shadow, these CSRs are never modeled as addressable ArchCpu fields
// (nothing ever reads them back in this specification).
func Hideleg() uint64 { return HidelegVSSI | HidelegVSTI | HidelegVSEI }
func Hedeleg() uint64 {
	return HedelegEnvCallU | HedelegInstPageFault | HedelegLoadPageFault | HedelegStorePageFault
}

// IsInterrupt reports whether a scause value denotes an interrupt rather
// than a synchronous exception.
func IsInterrupt(scause uint64) bool { return scause&CauseInterruptBit != 0 }

// ExceptionCode strips the interrupt bit, leaving the low cause code.
func ExceptionCode(scause uint64) uint64 { return scause &^ CauseInterruptBit }
