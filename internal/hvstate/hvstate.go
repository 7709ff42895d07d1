// Package hvstate holds the process-wide singletons every hart reads
// after boot: the frame pool, the hypervisor's own stage-1 page table,
// and the physical PLIC. Publication follows spec.md §9's fixed order
// HEAP -> FRAMES -> HV_PT -> PLIC -> ZONES, each gated by a Release-store/
// Acquire-load one-shot flag so a secondary hart that observes the flag
// set is guaranteed to see a fully-initialized singleton (internal/zone's
// own List serves the ZONES step; this package covers the first three).
package hvstate

import (
	"sync/atomic"

	"rvhv/internal/frame"
	"rvhv/internal/hverr"
	"rvhv/internal/memset"
	"rvhv/internal/pagetable"
	"rvhv/internal/physplic"
)

var (
	framesReady atomic.Bool
	hvPTReady   atomic.Bool
	plicReady   atomic.Bool

	pool *frame.Pool
	hvPT *memset.Set[pagetable.Stage1]
	plic *physplic.PLIC
)

// PublishFrames installs the process-wide frame pool. Called exactly once,
// by the primary hart during EarlyInit.
func PublishFrames(p *frame.Pool) {
	pool = p
	framesReady.Store(true)
}

// Frames returns the published frame pool, or BadState if not yet
// published.
func Frames() (*frame.Pool, error) {
	if !framesReady.Load() {
		return nil, hverr.New(hverr.BadState, "hvstate.Frames", nil)
	}
	return pool, nil
}

// PublishHVPageTable installs the hypervisor's own stage-1 page table,
// already wrapped in a memset.Set so its Activate call publishes the
// satp CSR write the caller installed via SetActivateFunc.
func PublishHVPageTable(t *memset.Set[pagetable.Stage1]) {
	hvPT = t
	hvPTReady.Store(true)
}

// HVPageTable returns the published HV stage-1 region set, or BadState.
func HVPageTable() (*memset.Set[pagetable.Stage1], error) {
	if !hvPTReady.Load() {
		return nil, hverr.New(hverr.BadState, "hvstate.HVPageTable", nil)
	}
	return hvPT, nil
}

// PublishPLIC installs the physical PLIC singleton.
func PublishPLIC(p *physplic.PLIC) {
	plic = p
	plicReady.Store(true)
}

// PLIC returns the published physical PLIC, or BadState.
func PLIC() (*physplic.PLIC, error) {
	if !plicReady.Load() {
		return nil, hverr.New(hverr.BadState, "hvstate.PLIC", nil)
	}
	return plic, nil
}
