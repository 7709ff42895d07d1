// Package boot implements the boot coordinator state machine of
// spec.md §4.F: the atomic counters and one-shot flags that sequence
// every hart through Entered -> EarlyInit -> PerCpuInit -> CpuInit ->
// LateInit -> Run. The counters are plain atomic.Uint32/atomic.Bool,
// matching the spec's minimum Acquire/Release requirement (Go's atomics
// are sequentially consistent, which is strictly stronger, never
// weaker). The one necessarily non-literal translation is
// sbi::hart_start: in this harness it starts a goroutine for the
// target hart rather than waking real silicon, grounded on
// internal/sbifw.Firmware.HartStart's HartRunner hook.
package boot

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"rvhv/internal/hverr"
	"rvhv/internal/percpu"
	"rvhv/internal/sbifw"
)

// EarlyInitFunc performs the primary-only EarlyInit work: clear bss,
// init logging, init the heap/frame allocator, parse the host FDT,
// build the HV page table, init the physical PLIC singleton, and
// create every zone. Run exactly once, by whichever hart wins Entered.
type EarlyInitFunc func() error

// ActivateFunc switches hartID onto the HV stage-1 page table and, if
// that hart is bound to a zone, onto that zone's stage-2 table.
type ActivateFunc func(hartID int) error

// RunFunc is invoked once per hart after LateInit completes, with the
// hart's own PerCpu slot already fully initialized.
type RunFunc func(hartID int, pc *percpu.PerCpu, isPrimary bool) error

// Coordinator holds the boot barrier state shared by every hart.
// MasterCPU starts at -1 (the spec's sentinel for "no primary elected
// yet"); the first hart to observe it swaps in its own id.
type Coordinator struct {
	maxCPUNum int
	pcpus     *percpu.Array

	entered   atomic.Uint32
	inited    atomic.Uint32
	activated atomic.Uint32
	masterCPU atomic.Int64

	initEarlyOK atomic.Bool
	initLateOK  atomic.Bool

	earlyInit EarlyInitFunc
	activate  ActivateFunc
	run       RunFunc
}

// NewCoordinator builds a Coordinator for a fixed number of harts.
func NewCoordinator(maxCPUNum int, pcpus *percpu.Array, earlyInit EarlyInitFunc, activate ActivateFunc, run RunFunc) *Coordinator {
	c := &Coordinator{
		maxCPUNum: maxCPUNum,
		pcpus:     pcpus,
		earlyInit: earlyInit,
		activate:  activate,
		run:       run,
	}
	c.masterCPU.Store(-1)
	return c
}

// MasterCPU returns the elected primary's hart id, or -1 before
// election completes.
func (c *Coordinator) MasterCPU() int64 { return c.masterCPU.Load() }

func waitForCount(counter *atomic.Uint32, target uint32) {
	for counter.Load() < target {
		runtime.Gosched()
	}
}

func waitForFlag(flag *atomic.Bool) {
	for !flag.Load() {
		runtime.Gosched()
	}
}

// enter runs the Entered phase for hartID: attempts the -1->hartID
// compare-and-swap for MASTER_CPU, increments ENTERED_CPUS, then spins
// until every hart has arrived. Returns whether this hart won election.
func (c *Coordinator) enter(hartID int) bool {
	isPrimary := c.masterCPU.CompareAndSwap(-1, int64(hartID))
	c.entered.Add(1)
	waitForCount(&c.entered, uint32(c.maxCPUNum))
	return isPrimary
}

// perCpuInit waits for INIT_EARLY_OK, activates this hart's page
// tables, then joins the INITED_CPUS barrier.
func (c *Coordinator) perCpuInit(hartID int) error {
	waitForFlag(&c.initEarlyOK)
	if err := c.activate(hartID); err != nil {
		return hverr.New(hverr.BadState, "boot.perCpuInit", err)
	}
	c.inited.Add(1)
	waitForCount(&c.inited, uint32(c.maxCPUNum))
	return nil
}

// cpuInit loads the hart's cpu_on_entry and guest dtb address into its
// ArchCpu and programs the fixed CSR set of spec.md §4.G.
func (c *Coordinator) cpuInit(hartID int) (*percpu.PerCpu, error) {
	pc, err := c.pcpus.GetCPUData(hartID)
	if err != nil {
		return nil, hverr.New(hverr.BadState, "boot.cpuInit", err)
	}
	pc.Lock()
	pc.ArchCPU.CpuInit(uint64(hartID), pc.CPUOnEntry, pc.GuestDTBAddr)
	pc.ArchCPU.FirstCPU = uint64(hartID)
	if pc.Zone != nil {
		if first := firstCPUOfZone(c.pcpus, pc.Zone, c.maxCPUNum); first >= 0 {
			pc.ArchCPU.FirstCPU = uint64(first)
		}
	}
	pc.Unlock()
	c.activated.Add(1)
	return pc, nil
}

func firstCPUOfZone(pcpus *percpu.Array, z percpu.ZoneRef, maxCPUNum int) int {
	for i := 0; i < maxCPUNum; i++ {
		pc, err := pcpus.GetCPUData(i)
		if err != nil {
			continue
		}
		if pc.Zone != nil && pc.Zone.VMID() == z.VMID() {
			return i
		}
	}
	return -1
}

// lateInit: the primary sets INIT_LATE_OK; every other hart spins on it.
func (c *Coordinator) lateInit(isPrimary bool) {
	if isPrimary {
		c.initLateOK.Store(true)
		return
	}
	waitForFlag(&c.initLateOK)
}

// RunHart drives one hart through the full phase sequence. Call it once
// per hart, each in its own goroutine (internal/sbifw.Harness does
// exactly this from HartStart). It blocks until Run returns.
func (c *Coordinator) RunHart(hartID int) error {
	isPrimary := c.enter(hartID)

	if isPrimary {
		if err := c.earlyInit(); err != nil {
			return hverr.New(hverr.BadState, "boot.RunHart", fmt.Errorf("early init: %w", err))
		}
		c.initEarlyOK.Store(true)
	}

	if err := c.perCpuInit(hartID); err != nil {
		return err
	}

	pc, err := c.cpuInit(hartID)
	if err != nil {
		return err
	}

	c.lateInit(isPrimary)

	if c.run == nil {
		return nil
	}
	return c.run(hartID, pc, isPrimary)
}

// hartRunnerAdapter lets a *Coordinator satisfy sbifw.HartRunner so the
// SBI firmware harness can hart-start a secondary by simply invoking
// RunHart in a fresh goroutine; HartStart's entry/opaque arguments are
// already captured in the bound PerCpu slot by the time EarlyInit
// publishes it, so they are accepted but unused here.
type hartRunnerAdapter struct{ c *Coordinator }

// NewHartRunner adapts a Coordinator to sbifw.HartRunner.
func NewHartRunner(c *Coordinator) sbifw.HartRunner { return hartRunnerAdapter{c: c} }

func (a hartRunnerAdapter) RunHart(hart uint64, entry, opaque uint64) {
	_ = a.c.RunHart(int(hart))
}
