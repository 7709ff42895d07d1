// Package hvtime provides the two timer primitives the trap engine and
// SBI shim call: a monotonic host-time read and a deadline-arming call
// down to firmware. The source reads `time`; here a process-wide counter
// is seeded once at harness start and advanced explicitly, so tests never
// depend on wall-clock nondeterminism (no time.Now() on any hot path).
package hvtime

import (
	"sync/atomic"

	"rvhv/internal/sbifw"
)

// Clock is a monotonic counter standing in for the `time` CSR. It is
// seeded once (cmd/hvisor seeds it with the constant bootEpoch) and
// advanced only by an explicit Tick, never implicitly.
type Clock struct {
	ticks atomic.Uint64
}

// NewClock returns a Clock starting at seed.
func NewClock(seed uint64) *Clock {
	c := &Clock{}
	c.ticks.Store(seed)
	return c
}

// GetTime reads the current tick count, standing in for a `time` CSR read.
func (c *Clock) GetTime() uint64 { return c.ticks.Load() }

// Tick advances the clock by n and returns the new count. cmd/hvisor
// calls it once per hart reaching runPhase; no trap-handling code path
// calls it.
func (c *Clock) Tick(n uint64) uint64 { return c.ticks.Add(n) }

// SetTimer issues the SBI TIMER/SET_TIMER call down to firmware, arming
// the next STI at deadline.
func SetTimer(fw sbifw.Firmware, deadline uint64) { fw.SetTimer(deadline) }
