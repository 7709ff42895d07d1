// Package sbifw declares the downward Supervisor Binary Interface the
// hypervisor consumes from firmware, plus the harness implementation that
// backs it with real goroutines standing in for physical harts. Grounded
// on the EID/function dispatch shape and a0/a1 return convention of
// _examples/tinyrange-cc/internal/hv/riscv/rv64/sbi.go's HandleSBI — there
// that shape implements an M-mode firmware terminating S-mode ecalls; here
// Firmware is the other side of the same convention, the service the
// hypervisor calls down into.
package sbifw

import (
	"sync"

	"rvhv/internal/hverr"
)

// ResetKind and ResetReason mirror the sbi_system_reset argument pair.
type ResetKind uint32

const (
	ResetShutdown ResetKind = iota
	ResetColdReboot
	ResetWarmReboot
)

type ResetReason uint32

const (
	ReasonNone ResetReason = iota
	ReasonSystemFailure
)

// Firmware is everything the hypervisor core calls down into: boot
// console I/O, the timer, orderly/panic shutdown, and the two HSM/IPI
// primitives that bring up secondary harts.
type Firmware interface {
	PutChar(b byte)
	GetChar() (byte, bool)
	SetTimer(deadline uint64)
	SystemReset(kind ResetKind, reason ResetReason)
	HartStart(hart uint64, entry, opaque uint64) error
	SendIPI(mask uint64, base uint64) error
}

// HartRunner is implemented by whatever drives a hart's execution loop;
// HartStart on the harness firmware calls it in a new goroutine to model
// sbi::hart_start waking a parked secondary.
type HartRunner interface {
	RunHart(hart uint64, entry, opaque uint64)
}

// Harness is the harness's Firmware: HartStart spawns a goroutine running
// the given HartRunner instead of writing a real mhartid-indexed wakeup
// register, per the boot coordinator's non-literal-translation note
// (sbi::hart_start becomes "start the goroutine for that hart").
type Harness struct {
	mu         sync.Mutex
	runner     HartRunner
	console    func(byte)
	started    map[uint64]bool
	resetKind  ResetKind
	resetCount int
}

// NewHarness returns a Harness firmware that drives runner and writes
// console bytes through consoleOut.
func NewHarness(runner HartRunner, consoleOut func(byte)) *Harness {
	return &Harness{runner: runner, console: consoleOut, started: make(map[uint64]bool)}
}

func (h *Harness) PutChar(b byte) {
	if h.console != nil {
		h.console(b)
	}
}

func (h *Harness) GetChar() (byte, bool) { return 0, false }

func (h *Harness) SetTimer(uint64) {}

// SystemReset records the requested reset. On real hardware this never
// returns; the harness has no hardware to halt, so it records the
// request and returns, leaving the caller (internal/boot, or the top
// level hart loop) responsible for unwinding via its own error return.
func (h *Harness) SystemReset(kind ResetKind, reason ResetReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetKind = kind
	h.resetCount++
}

// ResetRequested reports whether SystemReset has been called, and the
// most recently requested kind.
func (h *Harness) ResetRequested() (ResetKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resetKind, h.resetCount > 0
}

func (h *Harness) HartStart(hart uint64, entry, opaque uint64) error {
	h.mu.Lock()
	if h.started[hart] {
		h.mu.Unlock()
		return hverr.New(hverr.BadState, "sbifw.HartStart", nil)
	}
	h.started[hart] = true
	h.mu.Unlock()
	go h.runner.RunHart(hart, entry, opaque)
	return nil
}

func (h *Harness) SendIPI(mask uint64, base uint64) error { return nil }
