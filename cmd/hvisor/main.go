// Command hvisor is the hypervisor's boot entry point: it stands up one
// goroutine per hart, runs every hart through the boot coordinator of
// internal/boot, and parks each zone-bound hart having entered its
// guest. Flag handling follows the plain flag.NewFlagSet idiom used
// throughout _examples/tinyrange-cc/cmd/*/main.go (no third-party CLI
// framework appears anywhere in the pack).
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"rvhv/internal/addr"
	"rvhv/internal/boot"
	"rvhv/internal/console"
	"rvhv/internal/fdtquery"
	"rvhv/internal/frame"
	"rvhv/internal/guestimg"
	"rvhv/internal/hverr"
	"rvhv/internal/hvconst"
	"rvhv/internal/hvlog"
	"rvhv/internal/hvstate"
	"rvhv/internal/hvtime"
	"rvhv/internal/memset"
	"rvhv/internal/pagetable"
	"rvhv/internal/percpu"
	"rvhv/internal/physplic"
	"rvhv/internal/sbi"
	"rvhv/internal/sbifw"
	"rvhv/internal/trap"
	"rvhv/internal/zone"
)

// bootEpoch seeds hvtime.Clock at process start. Real firmware reads the
// `time` CSR seeded by a prior boot stage; this harness has no such stage,
// so it starts its guest-visible clock at zero rather than reaching for a
// wall-clock read the rest of the hot path is built to avoid.
const bootEpoch = 0

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	maxCPU := fs.Int("max-cpu", hvconst.MaxCPUNum, "number of harts to simulate")
	logLevel := fs.String("log-level", "info", "log verbosity: error|warn|info|debug|trace")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	hvlog.Default.SetLevel(parseLevel(*logLevel))

	if _, err := run(*maxCPU); err != nil {
		hvlog.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func parseLevel(s string) hvlog.Level {
	switch s {
	case "error":
		return hvlog.LevelError
	case "warn":
		return hvlog.LevelWarn
	case "debug":
		return hvlog.LevelDebug
	case "trace":
		return hvlog.LevelTrace
	default:
		return hvlog.LevelInfo
	}
}

// system bundles every singleton run wires together, so run's closures
// can capture one value instead of a handful of loose variables.
type system struct {
	pcpus   *percpu.Array
	fw      sbifw.Firmware
	engine  *trap.Engine
	console console.Sink
	clock   *hvtime.Clock
}

// run boots maxCPU simulated harts to completion and returns the wired
// system (pcpus, firmware, trap engine) for callers — namely this
// package's own integration test — that need to inspect or drive
// post-boot state.
func run(maxCPU int) (*system, error) {
	pcpus := percpu.NewArray(maxCPU)
	s := &system{
		pcpus:   pcpus,
		console: console.Writer{W: os.Stdout},
		clock:   hvtime.NewClock(bootEpoch),
	}

	earlyInit := func() error { return earlyInitPhase(s) }
	activate := func(hartID int) error { return activatePhase(s, hartID) }
	runFn := func(hartID int, pc *percpu.PerCpu, isPrimary bool) error { return runPhase(s, hartID, pc, isPrimary) }

	coordinator := boot.NewCoordinator(maxCPU, pcpus, earlyInit, activate, runFn)

	// The harness's Firmware needs a HartRunner bound to the coordinator
	// before any hart can run, and the coordinator's closures above need
	// the firmware at invocation time, not at construction time — so
	// building the coordinator first and the harness second, with s.fw
	// assigned only after both exist, breaks what would otherwise be a
	// circular construction order.
	s.fw = sbifw.NewHarness(boot.NewHartRunner(coordinator), func(b byte) { s.console.WriteByte(b) })
	s.engine = trap.NewEngine(s.fw, sbi.Handle, pcpus)

	g := new(errgroup.Group)
	for hid := 0; hid < maxCPU; hid++ {
		hid := hid
		g.Go(func() error {
			return coordinator.RunHart(hid)
		})
	}
	if err := g.Wait(); err != nil {
		s.fw.SystemReset(sbifw.ResetShutdown, sbifw.ReasonSystemFailure)
		return s, err
	}

	hvlog.Infof("boot complete, master cpu = %d", coordinator.MasterCPU())
	return s, nil
}

// earlyInitPhase runs once, on the elected primary hart: build the frame
// pool, the hypervisor's own stage-1 page table and the physical PLIC,
// publish all three to internal/hvstate in the FRAMES->HV_PT->PLIC order,
// then create every embedded zone.
func earlyInitPhase(s *system) error {
	hvlog.Infof("early init: clearing bss (no-op in this harness), clock at tick %d", s.clock.GetTime())

	pool, err := frame.NewPool(hvconst.HVMemPoolSize)
	if err != nil {
		return hverr.New(hverr.NoMem, "main.earlyInitPhase", err)
	}
	hvstate.PublishFrames(pool)

	hvTable, err := pagetable.New[pagetable.Stage1](pool)
	if err != nil {
		return hverr.New(hverr.NoMem, "main.earlyInitPhase", err)
	}
	hvSet := memset.New(hvTable)
	hvSet.SetActivateFunc(func(root addr.HostPhysAddr) {
		hvlog.Debugf("csr write: satp <- %#x (mode=sv39)", root)
	})
	hvstate.PublishHVPageTable(hvSet)

	hostPLIC := physplic.New()
	hvstate.PublishPLIC(hostPLIC)

	for _, g := range guestimg.Zones() {
		if err := bringUpZone(g, pool, s.pcpus, hostPLIC); err != nil {
			return hverr.New(hverr.BadState, "main.earlyInitPhase", fmt.Errorf("zone %d: %w", g.VMID, err))
		}
	}

	hvlog.Infof("early init complete: %d zones created", len(zone.List.All()))
	return nil
}

// activatePhase switches hartID onto the hypervisor's own stage-1 table
// and, if the hart is bound to a zone, onto that zone's stage-2 table,
// recording each loaded root in ArchCpu.Satp/HGatp for CpuInit to see.
// Activate issues the logged, modeled CSR write installed on each set by
// SetActivateFunc (main.earlyInitPhase for the HV table, zone.New for a
// zone's GPM); this function's own job is only to mirror the root into
// the hart's register shadow afterward.
func activatePhase(s *system, hartID int) error {
	hvPT, err := hvstate.HVPageTable()
	if err != nil {
		return hverr.New(hverr.BadState, "main.activatePhase", err)
	}
	hvPT.Activate()

	pc, err := s.pcpus.GetCPUData(hartID)
	if err != nil {
		return err
	}
	pc.Lock()
	pc.ArchCPU.Satp = uint64(hvPT.Table().RootPAddr())
	pc.Unlock()

	z, ok := pc.Zone.(*zone.Zone)
	if !ok || z == nil {
		return nil
	}
	z.GPM.Activate()
	pc.Lock()
	pc.ArchCPU.HGatp = uint64(z.GPM.Table().RootPAddr())
	pc.Unlock()
	return nil
}

// runPhase is entered once per hart after LateInit completes. A hart not
// bound to any zone idles; a bound hart logs its guest entry state. There
// is no instruction-level execution engine in this harness (internal/decode
// decodes only the two PLIC-MMIO instruction shapes the trap engine needs),
// so a bound hart's further progress is driven entirely by trap dispatch
// through s.engine, exercised end to end in cmd/hvisor's integration test.
func runPhase(s *system, hartID int, pc *percpu.PerCpu, isPrimary bool) error {
	tick := s.clock.Tick(1)
	if pc.Zone == nil {
		hvlog.Infof("hart %d: not bound to any zone, idling (tick %d)", hartID, tick)
		return nil
	}
	hvlog.Infof("hart %d: entered guest at sepc=%#x (boot_cpu=%v, hgatp=%#x, tick %d)", hartID, pc.ArchCPU.Sepc, pc.BootCPU, pc.ArchCPU.HGatp, tick)
	return nil
}

// bringUpZone parses a zone's embedded device tree to learn its declared
// guest-RAM size, allocates exactly that many host frames (not however
// many the kernel image happens to occupy — PTInit maps the FDT's full
// declared region starting at whatever physical address ram owns, so the
// two must agree or PTInit maps host pages the allocator never reserved),
// copies the kernel image into the start of it, and calls zone.ZoneCreate.
// This is the per-zone half of spec.md §4.F's EarlyInit list item "create
// all zones".
func bringUpZone(g guestimg.Zone, pool *frame.Pool, pcpus *percpu.Array, hostPLIC *physplic.PLIC) error {
	tree, err := fdtquery.Parse(g.DTB)
	if err != nil {
		return hverr.New(hverr.BadParam, "main.bringUpZone", fmt.Errorf("guest %d has no valid device tree embedded: %w", g.VMID, err))
	}
	mem := tree.Memory()
	if len(mem) == 0 {
		return hverr.New(hverr.BadParam, "main.bringUpZone", fmt.Errorf("guest %d device tree declares no /memory region", g.VMID))
	}
	if len(g.Kernel) > int(mem[0].Size) {
		return hverr.New(hverr.BadParam, "main.bringUpZone", fmt.Errorf("guest %d kernel image (%d bytes) exceeds its declared ram region (%d bytes)", g.VMID, len(g.Kernel), mem[0].Size))
	}

	ramPages := pagesFor(int(addr.AlignUp(mem[0].Size)))
	ramFrame, err := pool.Allocator().AllocContiguous(ramPages, 0)
	if err != nil {
		return hverr.New(hverr.NoMem, "main.bringUpZone", err)
	}
	copy(ramFrame.Bytes(), g.Kernel)

	dtbPages := pagesFor(int(addr.AlignUp(uint64(tree.TotalSize()))))
	dtbFrame, err := pool.Allocator().AllocContiguous(dtbPages, 0)
	if err != nil {
		return hverr.New(hverr.NoMem, "main.bringUpZone", err)
	}
	copy(dtbFrame.Bytes(), g.DTB)

	_, err = zone.ZoneCreate(g.VMID, ramFrame.StartPAddr(), pool, pcpus, tree, dtbFrame.StartPAddr(), addr.GuestPhysAddr(hvconst.DTBAddr), hostPLIC)
	return err
}

func pagesFor(n int) int {
	pages := (n + addr.PageSize - 1) / addr.PageSize
	if pages == 0 {
		pages = 1
	}
	return pages
}
