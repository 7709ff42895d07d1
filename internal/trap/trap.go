// Package trap implements the HS-mode trap engine: synchronous-exception
// dispatch, interrupt dispatch, and the guest-page-fault handler that
// drives vPLIC trap-and-emulate. The dispatch shape (scause low-bit
// switch, delegate-vs-fatal split) is grounded on HandleTrap's
// interrupt/exception branch in
// _examples/tinyrange-cc/internal/hv/riscv/rv64/csr.go, re-scoped from
// M/S delegation to HS/VS delegation; the ecall EID/FID dispatch table
// used by the VS-ecall path is internal/sbi, grounded on that same
// package's sbi.go/HandleSBI.
package trap

import (
	"fmt"

	"rvhv/internal/archcsr"
	"rvhv/internal/decode"
	"rvhv/internal/hverr"
	"rvhv/internal/hvconst"
	"rvhv/internal/percpu"
	"rvhv/internal/sbifw"
	"rvhv/internal/vplic"
)

// Frame carries the CSR values the real trap vector would have just read
// out of scause/stval/htval/htinst. ArchCpu models only the longer-lived
// shadow a hart keeps across traps (spec.md §4.G); these are ephemeral
// to a single trap and so are passed in rather than stored.
type Frame struct {
	SCause uint64
	STval  uint64
	HTval  uint64
	HTinst uint64
}

// MemReader fetches one guest-virtual halfword the way hlvx.hu would,
// used only when HTinst is not valid.
type MemReader func(gva uint64) (uint16, error)

// SBIHandler services one VS ecall; internal/sbi.Handle satisfies this,
// injected here instead of imported directly so trap's own tests can
// supply a stub and so trap does not need to know sbi's firmware/percpu
// wiring.
type SBIHandler func(cpu *archcsr.ArchCpu, pc *percpu.PerCpu, fw sbifw.Firmware, pcpus *percpu.Array) error

// Engine is the per-process trap dispatcher: the firmware every hart
// calls down into, plus the installed SBI handler.
type Engine struct {
	FW    sbifw.Firmware
	SBI   SBIHandler
	PCPUs *percpu.Array
}

// NewEngine builds a trap Engine.
func NewEngine(fw sbifw.Firmware, sbi SBIHandler, pcpus *percpu.Array) *Engine {
	return &Engine{FW: fw, SBI: sbi, PCPUs: pcpus}
}

// SyncExceptionHandler dispatches a synchronous exception per spec.md
// §4.G. vp is the faulting hart's zone's vPLIC, or nil if unbound (a
// guest page fault is then always fatal, since an unbound hart cannot
// be running a guest).
func (e *Engine) SyncExceptionHandler(cpu *archcsr.ArchCpu, pc *percpu.PerCpu, f Frame, vp *vplic.VPLIC, readMem MemReader) error {
	code := archcsr.ExceptionCode(f.SCause)
	switch code {
	case archcsr.CauseEcallVS:
		if e.SBI == nil {
			return hverr.New(hverr.Unsupported, "trap.SyncExceptionHandler", fmt.Errorf("no SBI handler installed"))
		}
		if err := e.SBI(cpu, pc, e.FW, e.PCPUs); err != nil {
			return err
		}
		cpu.Sepc += 4
		return nil

	case archcsr.CauseLoadGuestPageFault, archcsr.CauseStoreGuestPageFault:
		return e.guestPageFaultHandler(cpu, f, vp, readMem)

	case archcsr.CauseEcallVU:
		return hverr.New(hverr.Unsupported, "trap.SyncExceptionHandler", fmt.Errorf("guest user-mode ecall is not serviced"))

	default:
		return hverr.New(hverr.BadState, "trap.SyncExceptionHandler", fmt.Errorf("fatal HS-origin exception, scause=%#x", f.SCause))
	}
}

// guestPageFaultHandler implements spec.md §4.G's guest-page-fault
// paragraph: compute fault_gpa, verify it lands in the PLIC window,
// recover the faulting instruction (preferring htinst over the
// hlvx.hu two-halfword stitch), decode it, and dispatch into the
// zone's vPLIC.
func (e *Engine) guestPageFaultHandler(cpu *archcsr.ArchCpu, f Frame, vp *vplic.VPLIC, readMem MemReader) error {
	faultGPA := (f.HTval << 2) | (f.STval & 0x3)
	if faultGPA < hvconst.PLICBase || faultGPA >= hvconst.PLICBase+hvconst.PLICTotalSize {
		return hverr.New(hverr.BadState, "trap.guestPageFaultHandler", fmt.Errorf("fault gpa %#x outside PLIC window", faultGPA))
	}
	if vp == nil {
		return hverr.New(hverr.BadState, "trap.guestPageFaultHandler", fmt.Errorf("hart not bound to a zone"))
	}

	raw, length, err := e.fetchFaultingInsn(cpu, f, readMem)
	if err != nil {
		return err
	}

	var kind decode.InsnKind
	var reg int
	if length == 4 {
		kind = decode.Decode32(raw)
		reg = decode.Reg32(raw, kind)
	} else {
		kind = decode.Decode16(uint16(raw))
		reg = decode.Reg16(uint16(raw), kind)
	}
	if kind == decode.Other {
		return hverr.New(hverr.BadState, "trap.guestPageFaultHandler", fmt.Errorf("undecodable instruction %#x at PLIC fault", raw))
	}

	access := vplic.AccessLoad
	var guestReg uint64
	if kind == decode.StoreWord {
		access = vplic.AccessStore
		guestReg = cpu.X[reg]
	}

	offset := faultGPA - hvconst.PLICBase
	if offset < hvconst.PLICGlobalSize {
		err = vp.GlobalEmul(offset, access, &guestReg)
	} else {
		err = vp.HartEmul(offset, access, &guestReg)
	}
	if err != nil {
		return err
	}

	if kind == decode.LoadWord {
		cpu.X[reg] = guestReg
	}

	cpu.Sepc += uint64(length)
	return nil
}

func (e *Engine) fetchFaultingInsn(cpu *archcsr.ArchCpu, f Frame, readMem MemReader) (raw uint32, length int, err error) {
	if f.HTinst != 0 {
		raw = uint32(f.HTinst)
		if f.HTinst&0x3 != 0x3 {
			return raw, 2, nil
		}
		return raw, 4, nil
	}
	if readMem == nil {
		return 0, 0, hverr.New(hverr.Unsupported, "trap.fetchFaultingInsn", fmt.Errorf("no hlvx.hu reader installed"))
	}
	lo, err := readMem(cpu.Sepc)
	if err != nil {
		return 0, 0, hverr.New(hverr.BadState, "trap.fetchFaultingInsn", err)
	}
	if decode.Length(lo) == 2 {
		return uint32(lo), 2, nil
	}
	hi, err := readMem(cpu.Sepc + 2)
	if err != nil {
		return 0, 0, hverr.New(hverr.BadState, "trap.fetchFaultingInsn", err)
	}
	return uint32(lo) | uint32(hi)<<16, 4, nil
}

// InterruptsArchHandle dispatches an interrupt per spec.md §4.G's
// Interrupts paragraph. hostCtx is 2*first_cpu(zone)+1, the external-
// interrupt context this hart claims from when scause reports SEI.
func (e *Engine) InterruptsArchHandle(cpu *archcsr.ArchCpu, f Frame, vp *vplic.VPLIC, hostCtx int) error {
	code := archcsr.ExceptionCode(f.SCause) & 0xfff
	switch code {
	case archcsr.InterruptSTI:
		cpu.Hvip |= archcsr.HvipVSTIP
		cpu.Sie &^= archcsr.SieSTIE
		return nil

	case archcsr.InterruptSEI:
		if vp == nil {
			return hverr.New(hverr.BadState, "trap.InterruptsArchHandle", fmt.Errorf("external interrupt on unbound hart"))
		}
		if source, claimed := vp.OnExternalInterrupt(hostCtx); claimed {
			_ = source
			cpu.Hvip |= archcsr.HvipVSEIP
		}
		return nil

	case archcsr.InterruptSSI:
		return hverr.New(hverr.BadState, "trap.InterruptsArchHandle", fmt.Errorf("software interrupt outside boot-time HSM is fatal"))

	default:
		return hverr.New(hverr.BadState, "trap.InterruptsArchHandle", fmt.Errorf("unrecognized interrupt cause %#x", code))
	}
}
