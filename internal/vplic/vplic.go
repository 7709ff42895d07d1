// Package vplic implements trap-and-emulate virtualization of the shared
// physical PLIC: each zone sees a private interrupt-context view, mapped
// onto the real PLIC's contexts by host_ctx = vctx + 2*first_cpu(zone).
// The MMIO offset-range dispatch shape (priority/enable windows, then a
// per-hart threshold/claim/complete window) is grounded on the
// offset-range switch in Read/Write in
// _examples/tinyrange-cc/internal/hv/riscv/rv64/plic.go, which is a fully
// emulated PLIC (it owns its own register state); here the real state
// lives in internal/physplic and this package only translates and
// forwards, per spec.md §4.I's "trap-and-emulate over a real physical
// PLIC" design (the single largest component family in
// original_source — see DESIGN.md).
package vplic

import (
	"fmt"

	"rvhv/internal/archcsr"
	"rvhv/internal/hverr"
	"rvhv/internal/hvconst"
)

// VPLIC is one zone's shadow over the shared physical PLIC.
type VPLIC struct {
	Host          HostPLIC
	FirstCPU      uint64
	ClaimComplete [hvconst.PLICMaxContext]uint32
}

// HostPLIC is the subset of *physplic.PLIC this package drives, named
// here so vplic doesn't need to import physplic's concrete type for
// anything beyond this interface (and so a test fake can stand in for it).
type HostPLIC interface {
	SetPriority(source uint32, value uint32)
	Priority(source uint32) uint32
	EnableWord(context int, wordIdx uint32) uint32
	SetEnableWord(context int, wordIdx uint32, value uint32)
	SetThreshold(context int, value uint32)
	Threshold(context int) uint32
	Claim(context int) uint32
	Complete(context int, source uint32)
}

// New returns a VPLIC fronting host for a zone whose lowest-numbered hart
// is firstCPU.
func New(host HostPLIC, firstCPU uint64) *VPLIC {
	return &VPLIC{Host: host, FirstCPU: firstCPU}
}

// HostContext translates a guest-visible PLIC context to the real PLIC's
// context, per spec.md §4.I.
func (v *VPLIC) HostContext(vctx uint64) int {
	return int(vctx + 2*v.FirstCPU)
}

// AccessKind distinguishes the two instruction shapes the guest-page-fault
// handler can present to the PLIC emulator, mirroring archcsr/decode's
// InsnKind split at this package's boundary (vplic never imports decode
// directly: the caller already classified the trapped instruction and
// hands over only whether it was a load or a store).
type AccessKind int

const (
	AccessLoad AccessKind = iota
	AccessStore
)

// GlobalEmul handles a fault whose offset lies in the global priority or
// enable window: offset < PLIC_GLOBAL_SIZE.
func (v *VPLIC) GlobalEmul(offset uint64, kind AccessKind, guestReg *uint64) error {
	switch {
	case offset < hvconst.PLICEnableBase:
		if kind != AccessStore {
			return hverr.New(hverr.BadParam, "vplic.GlobalEmul", fmt.Errorf("priority window only accepts writes, offset %#x", offset))
		}
		irqID := uint32(offset / 4)
		v.Host.SetPriority(irqID, uint32(*guestReg))
		return nil

	case offset < hvconst.PLICGlobalSize:
		rel := offset - hvconst.PLICEnableBase
		vctx := rel / hvconst.PLICEnableStride
		irqBase := uint32((rel % hvconst.PLICEnableStride) / 4)
		hostCtx := v.HostContext(vctx)
		switch kind {
		case AccessLoad:
			*guestReg = uint64(v.Host.EnableWord(hostCtx, irqBase))
			return nil
		case AccessStore:
			v.Host.SetEnableWord(hostCtx, irqBase, uint32(*guestReg))
			return nil
		}
	}
	return hverr.New(hverr.BadParam, "vplic.GlobalEmul", fmt.Errorf("offset %#x out of global window", offset))
}

// HartEmul handles a fault whose offset lies in the per-hart
// threshold/claim/complete window: PLIC_GLOBAL_SIZE <= offset < PLIC_TOTAL_SIZE.
func (v *VPLIC) HartEmul(offset uint64, kind AccessKind, guestReg *uint64) error {
	rel := offset - hvconst.PLICGlobalSize
	vctx := rel / hvconst.PLICContextSize
	index := rel % hvconst.PLICContextSize
	hostCtx := v.HostContext(vctx)

	switch index {
	case 0: // threshold
		if kind != AccessStore {
			return hverr.New(hverr.BadParam, "vplic.HartEmul", fmt.Errorf("threshold register is write-only in this model, offset %#x", offset))
		}
		v.Host.SetThreshold(hostCtx, uint32(*guestReg))
		return nil

	case 4: // claim / complete
		switch kind {
		case AccessLoad:
			*guestReg = uint64(v.ClaimComplete[hostCtx])
			return nil
		case AccessStore:
			source := uint32(*guestReg)
			v.Host.Complete(hostCtx, source)
			v.ClaimComplete[hostCtx] = 0
			return nil
		}
	}
	return hverr.New(hverr.BadParam, "vplic.HartEmul", fmt.Errorf("unsupported index %#x at offset %#x", index, offset))
}

// OnExternalInterrupt is called from the trap engine's SEI handler: it
// claims the host PLIC on behalf of hostCtx, latches the claim into the
// shadow, and reports whether an interrupt was actually claimed (the
// caller sets hvip.VSEIP only if so).
func (v *VPLIC) OnExternalInterrupt(hostCtx int) (source uint32, claimed bool) {
	source = v.Host.Claim(hostCtx)
	if source == 0 {
		return 0, false
	}
	v.ClaimComplete[hostCtx] = source
	return source, true
}

// ArchCpuInject sets hvip.VSEIP on cpu, the effect OnExternalInterrupt's
// caller applies when claimed is true.
func ArchCpuInject(cpu *archcsr.ArchCpu) { cpu.Hvip |= archcsr.HvipVSEIP }
