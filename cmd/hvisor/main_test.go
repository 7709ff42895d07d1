package main

import (
	"testing"

	"rvhv/internal/archcsr"
	"rvhv/internal/decode"
	"rvhv/internal/hvconst"
	"rvhv/internal/sbi"
	"rvhv/internal/trap"
	"rvhv/internal/zone"
)

// findBoundHart returns the PerCpu slot and owning zone of the first
// zone-bound hart, or fails the test.
func findBoundHart(t *testing.T, s *system, maxCPU int) (int, *zone.Zone) {
	t.Helper()
	for hid := 0; hid < maxCPU; hid++ {
		pc, err := s.pcpus.GetCPUData(hid)
		if err != nil {
			t.Fatalf("GetCPUData(%d): %v", hid, err)
		}
		if z, ok := pc.Zone.(*zone.Zone); ok && z != nil {
			return hid, z
		}
	}
	t.Fatalf("no zone-bound hart among the first %d harts", maxCPU)
	return 0, nil
}

// TestRunBootsZonesAndActivatesStage2 boots the full coordinator sequence
// across every hart hvconst.MaxCPUNum models, then checks that the first
// zone-bound hart carries its zone's stage-2 root in HGatp, the zone's
// entry PC in Sepc, and a loaded stage-1 root in Satp.
func TestRunBootsZonesAndActivatesStage2(t *testing.T) {
	const maxCPU = hvconst.MaxCPUNum

	s, err := run(maxCPU)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	hid, z := findBoundHart(t, s, maxCPU)
	pc, err := s.pcpus.GetCPUData(hid)
	if err != nil {
		t.Fatalf("GetCPUData(%d): %v", hid, err)
	}
	if pc.ArchCPU.HGatp == 0 {
		t.Fatalf("hart %d: HGatp not loaded after activation", hid)
	}
	if uint64(pc.ArchCPU.HGatp) != uint64(z.GPM.Table().RootPAddr()) {
		t.Fatalf("hart %d: HGatp = %#x, want zone's stage-2 root %#x", hid, pc.ArchCPU.HGatp, z.GPM.Table().RootPAddr())
	}
	if pc.ArchCPU.Sepc != z.EntryPC() {
		t.Fatalf("hart %d: Sepc = %#x, want zone entry %#x", hid, pc.ArchCPU.Sepc, z.EntryPC())
	}
	if pc.ArchCPU.Satp == 0 {
		t.Fatalf("hart %d: Satp not loaded after activation", hid)
	}
}

// TestBootedZoneVPLICHandlesPriorityFault drives a real guest-page-fault
// through the trap engine built by run(), against a zone actually
// produced by ZoneCreate during boot (rather than a hand-built fixture),
// exercising the PLIC trap-and-emulate path end to end.
func TestBootedZoneVPLICHandlesPriorityFault(t *testing.T) {
	const maxCPU = hvconst.MaxCPUNum

	s, err := run(maxCPU)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	hid, z := findBoundHart(t, s, maxCPU)
	pc, err := s.pcpus.GetCPUData(hid)
	if err != nil {
		t.Fatalf("GetCPUData(%d): %v", hid, err)
	}

	// sw x11, 0(x10) targeting PLIC priority register for irq 1, with
	// x10 holding that register's address (PLIC base + 4) and x11 the
	// value 7 to write.
	cpu := &pc.ArchCPU
	cpu.X[10] = hvconst.PLICBase + 4
	cpu.X[11] = 7
	raw := encodeSW(10, 11, 0)
	if decode.Decode32(raw) != decode.StoreWord {
		t.Fatalf("test encoding did not decode as StoreWord")
	}

	frame := trap.Frame{
		SCause: archcsr.CauseStoreGuestPageFault,
		HTval:  (hvconst.PLICBase + 4) >> 2,
		HTinst: uint64(raw),
	}
	sepcBefore := cpu.Sepc
	if err := s.engine.SyncExceptionHandler(cpu, pc, frame, z.VPLIC, nil); err != nil {
		t.Fatalf("SyncExceptionHandler: %v", err)
	}
	if cpu.Sepc != sepcBefore+4 {
		t.Fatalf("Sepc = %#x, want %#x", cpu.Sepc, sepcBefore+4)
	}
	if got := z.VPLIC.Host.Priority(1); got != 7 {
		t.Fatalf("host PLIC priority(1) = %d, want 7", got)
	}
}

// TestBootedZoneSetTimerEcall drives a VS ecall SBI SET_TIMER through the
// boot-produced trap engine, covering scenario 5's "no Sstc" path against
// real boot state.
func TestBootedZoneSetTimerEcall(t *testing.T) {
	const maxCPU = hvconst.MaxCPUNum

	s, err := run(maxCPU)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	hid, _ := findBoundHart(t, s, maxCPU)
	pc, err := s.pcpus.GetCPUData(hid)
	if err != nil {
		t.Fatalf("GetCPUData(%d): %v", hid, err)
	}

	cpu := &pc.ArchCPU
	cpu.Sstc = false
	cpu.X[17] = sbi.EIDTimer
	cpu.X[16] = sbi.FIDTimerSetTimer
	cpu.X[10] = 0x1234

	sepcBefore := cpu.Sepc
	frame := trap.Frame{SCause: archcsr.CauseEcallVS}
	if err := s.engine.SyncExceptionHandler(cpu, pc, frame, nil, nil); err != nil {
		t.Fatalf("SyncExceptionHandler: %v", err)
	}
	if cpu.X[10] != uint64(sbi.Success) {
		t.Fatalf("a0 = %d, want Success", cpu.X[10])
	}
	if cpu.Hvip&archcsr.HvipVSTIP != 0 {
		t.Fatalf("hvip.VSTIP still set after SET_TIMER")
	}
	if cpu.Sie&archcsr.SieSTIE == 0 {
		t.Fatalf("sie.STIE not set after SET_TIMER")
	}
	if cpu.Sepc != sepcBefore+4 {
		t.Fatalf("Sepc = %#x, want %#x", cpu.Sepc, sepcBefore+4)
	}
}

// encodeSW encodes a 32-bit RV64I "sw rs2, imm(rs1)" for a 12-bit imm.
func encodeSW(rs1, rs2 uint32, imm uint32) uint32 {
	opcode := uint32(0x23)
	funct3 := uint32(2)
	immLo := imm & 0x1f
	immHi := (imm >> 5) & 0x7f
	return immHi<<25 | rs2<<20 | rs1<<15 | funct3<<12 | immLo<<7 | opcode
}
