// Package sbitest is a recording fake of sbifw.Firmware, used by
// internal/sbi's TIMER and HSM tests to assert what the hypervisor asked firmware to
// do without spawning real goroutines. Grounded on the fake-backend test
// pattern used throughout
// _examples/tinyrange-cc/internal/hv/kvm/*_test.go (in-memory stand-ins
// recording calls instead of touching real hardware).
package sbitest

import (
	"sync"

	"rvhv/internal/sbifw"
)

// HartStartCall records one HartStart invocation.
type HartStartCall struct {
	Hart   uint64
	Entry  uint64
	Opaque uint64
}

// IPICall records one SendIPI invocation.
type IPICall struct {
	Mask uint64
	Base uint64
}

// Fake is an sbifw.Firmware that records every call instead of acting on
// it, plus a console byte buffer for assertions on boot diagnostics.
type Fake struct {
	mu sync.Mutex

	Console    []byte
	Timers     []uint64
	ResetKind  sbifw.ResetKind
	ResetCount int
	HartStarts []HartStartCall
	IPIs       []IPICall
}

func New() *Fake { return &Fake{} }

func (f *Fake) PutChar(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Console = append(f.Console, b)
}

func (f *Fake) GetChar() (byte, bool) { return 0, false }

func (f *Fake) SetTimer(deadline uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Timers = append(f.Timers, deadline)
}

func (f *Fake) SystemReset(kind sbifw.ResetKind, reason sbifw.ResetReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResetKind = kind
	f.ResetCount++
}

func (f *Fake) HartStart(hart uint64, entry, opaque uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HartStarts = append(f.HartStarts, HartStartCall{Hart: hart, Entry: entry, Opaque: opaque})
	return nil
}

func (f *Fake) SendIPI(mask uint64, base uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IPIs = append(f.IPIs, IPICall{Mask: mask, Base: base})
	return nil
}
