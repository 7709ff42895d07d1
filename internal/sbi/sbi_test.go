package sbi

import (
	"testing"

	"rvhv/internal/archcsr"
	"rvhv/internal/percpu"
	"rvhv/internal/sbifw/sbitest"
)

func TestSetTimerNoSstc(t *testing.T) {
	var cpu archcsr.ArchCpu
	cpu.Sstc = false
	cpu.X[17] = EIDTimer
	cpu.X[16] = FIDTimerSetTimer
	cpu.X[10] = 0x12345
	cpu.Hvip = archcsr.HvipVSTIP

	fw := sbitest.New()
	if err := Handle(&cpu, nil, fw, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cpu.X[10] != uint64(Success) {
		t.Fatalf("a0 = %d, want Success", int64(cpu.X[10]))
	}
	if cpu.Hvip&archcsr.HvipVSTIP != 0 {
		t.Fatalf("hvip.VSTIP not cleared")
	}
	if cpu.Sie&archcsr.SieSTIE == 0 {
		t.Fatalf("sie.STIE not set")
	}
	if len(fw.Timers) != 1 || fw.Timers[0] != 0x12345 {
		t.Fatalf("SetTimer not forwarded to firmware, got %v", fw.Timers)
	}
}

func TestSetTimerWithSstc(t *testing.T) {
	var cpu archcsr.ArchCpu
	cpu.Sstc = true
	cpu.X[17] = EIDTimer
	cpu.X[16] = FIDTimerSetTimer
	cpu.X[10] = 0xabc

	fw := sbitest.New()
	if err := Handle(&cpu, nil, fw, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cpu.VStimecmp != 0xabc {
		t.Fatalf("VStimecmp = %#x, want 0xabc", cpu.VStimecmp)
	}
	if len(fw.Timers) != 0 {
		t.Fatalf("firmware SetTimer should not be called when Sstc is available")
	}
}

func TestHSMStartSelfReturnsAlreadyAvailable(t *testing.T) {
	var cpu archcsr.ArchCpu
	cpu.X[17] = EIDHSM
	cpu.X[16] = FIDHSMStart
	cpu.X[10] = 2 // target hart = self

	pcpus := percpu.NewArray(4)
	pc, _ := pcpus.GetCPUData(2)

	fw := sbitest.New()
	if err := Handle(&cpu, pc, fw, pcpus); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if int64(cpu.X[10]) != ErrAlreadyAvailable {
		t.Fatalf("a0 = %d, want ErrAlreadyAvailable", int64(cpu.X[10]))
	}
}

func TestHSMStartWakesSecondary(t *testing.T) {
	var cpu archcsr.ArchCpu
	cpu.X[17] = EIDHSM
	cpu.X[16] = FIDHSMStart
	cpu.X[10] = 1        // target hart
	cpu.X[11] = 0x9000   // start addr
	cpu.X[12] = 0xdeadbe // opaque

	pcpus := percpu.NewArray(4)
	pc0, _ := pcpus.GetCPUData(0)

	fw := sbitest.New()
	if err := Handle(&cpu, pc0, fw, pcpus); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if int64(cpu.X[10]) != Success {
		t.Fatalf("a0 = %d, want Success", int64(cpu.X[10]))
	}

	target, _ := pcpus.GetCPUData(1)
	if target.CPUOnEntry != 0x9000 {
		t.Fatalf("target CPUOnEntry = %#x, want 0x9000", target.CPUOnEntry)
	}
	if target.ArchCPU.Sepc != 0x9000 {
		t.Fatalf("target Sepc = %#x, want 0x9000", target.ArchCPU.Sepc)
	}
	if target.ArchCPU.X[11] != 0xdeadbe {
		t.Fatalf("target a1 = %#x, want opaque 0xdeadbe", target.ArchCPU.X[11])
	}

	if len(fw.IPIs) != 1 || fw.IPIs[0].Mask != 1<<1 {
		t.Fatalf("SendIPI not issued correctly, got %v", fw.IPIs)
	}
}
