// Package sbi implements the VS-mode ecall shim: spec.md §4.H's EID/FID
// dispatch table. Extension and function ID constants and the a0=error/
// a1=value return convention are grounded on
// _examples/tinyrange-cc/internal/hv/riscv/rv64/sbi.go's HandleSBI; that
// file terminates S-mode ecalls from M-mode, while this one terminates
// VS-mode ecalls from HS-mode, but the EID switch and per-extension
// sub-dispatch shape carry over directly. HSM START drives real
// multi-hart state here (internal/percpu, internal/sbifw.SendIPI) where
// the teacher's handleSBIHSM is a single-hart stub that always reports
// ALREADY_AVAILABLE — see DESIGN.md's internal/sbi section.
package sbi

import (
	"rvhv/internal/archcsr"
	"rvhv/internal/hvlog"
	"rvhv/internal/hvtime"
	"rvhv/internal/percpu"
	"rvhv/internal/sbifw"
)

// Extension IDs, spec.md §4.H.
const (
	EIDBase    uint64 = 0x10
	EIDTimer   uint64 = 0x54494D45 // "TIME"
	EIDHSM     uint64 = 0x48534D   // "HSM"
	EIDSendIPI uint64 = 0x735049   // "sPI"
	EIDRFence  uint64 = 0x52464E43 // "RFNC"
	EIDPMU     uint64 = 0x504D55   // "PMU"
)

// HSM function IDs.
const (
	FIDHSMStart uint64 = 0
)

// Timer function IDs.
const (
	FIDTimerSetTimer uint64 = 0
)

// Standard SBI error codes, the return convention in a0 on failure.
const (
	Success             int64 = 0
	ErrFailed           int64 = -1
	ErrNotSupported     int64 = -2
	ErrInvalidParam     int64 = -3
	ErrDenied           int64 = -4
	ErrInvalidAddress   int64 = -5
	ErrAlreadyAvailable int64 = -6
)

// Handle services one VS ecall: cpu is the trapping hart's register/CSR
// shadow (a7=ext, a6=fid, a0..a5=args), pc is that hart's own PerCpu
// slot, fw is the downward firmware interface, and pcpus is the full
// per-hart array (needed only by HSM START to reach the target hart's
// slot). Results are written back into cpu.X[10]/cpu.X[11] per the
// a0=error/a1=value convention; the caller (internal/trap) advances
// sepc by 4 on return.
func Handle(cpu *archcsr.ArchCpu, pc *percpu.PerCpu, fw sbifw.Firmware, pcpus *percpu.Array) error {
	ext := cpu.X[17] // a7
	fid := cpu.X[16] // a6

	var errCode int64 = Success
	var val uint64

	switch ext {
	case EIDBase:
		errCode, val = handleBase(cpu, fw)

	case EIDTimer:
		errCode, val = handleTimer(cpu, fw, fid)

	case EIDHSM:
		errCode, val = handleHSM(cpu, pc, fw, pcpus, fid)

	case EIDSendIPI, EIDRFence, EIDPMU:
		errCode, val = passThrough(fw)

	default:
		hvlog.Warnf("sbi: unhandled extension %#x (fid %#x), passing through", ext, fid)
		errCode, val = passThrough(fw)
	}

	cpu.X[10] = uint64(errCode)
	cpu.X[11] = val
	return nil
}

// handleBase answers BASE calls. sbifw.Firmware has no generic ecall
// entry, so a0..a4 are not forwarded to firmware: like every other
// pass-through extension here, BASE returns Success/0 via passThrough,
// which does not call fw.
func handleBase(cpu *archcsr.ArchCpu, fw sbifw.Firmware) (int64, uint64) {
	return passThrough(fw)
}

func passThrough(fw sbifw.Firmware) (int64, uint64) {
	return Success, 0
}

// handleTimer implements spec.md §4.H's TIMER row: Sstc-aware set-timer.
func handleTimer(cpu *archcsr.ArchCpu, fw sbifw.Firmware, fid uint64) (int64, uint64) {
	if fid != FIDTimerSetTimer {
		return ErrNotSupported, 0
	}
	deadline := cpu.X[10] // a0
	if cpu.Sstc {
		cpu.VStimecmp = deadline
		return Success, 0
	}
	hvtime.SetTimer(fw, deadline)
	cpu.Hvip &^= archcsr.HvipVSTIP
	cpu.Sie |= archcsr.SieSTIE
	return Success, 0
}

// handleHSM implements spec.md §4.H's HSM row: starting a secondary
// hart by writing its target PerCpu slot under lock, then sending the
// wake IPI.
func handleHSM(cpu *archcsr.ArchCpu, pc *percpu.PerCpu, fw sbifw.Firmware, pcpus *percpu.Array, fid uint64) (int64, uint64) {
	if fid != FIDHSMStart {
		return ErrNotSupported, 0
	}
	targetHart := cpu.X[10] // a0
	startAddr := cpu.X[11]  // a1
	opaque := cpu.X[12]     // a2

	if pc != nil && targetHart == uint64(pc.ID) {
		return ErrAlreadyAvailable, 0
	}
	if pcpus == nil {
		return ErrFailed, 0
	}
	target, err := pcpus.GetCPUData(int(targetHart))
	if err != nil {
		return ErrInvalidParam, 0
	}

	target.Lock()
	target.CPUOnEntry = startAddr
	target.ArchCPU.Sepc = startAddr
	target.ArchCPU.X[11] = opaque
	target.Unlock()

	if err := fw.SendIPI(1<<targetHart, 0); err != nil {
		return ErrFailed, 0
	}
	return Success, 0
}
