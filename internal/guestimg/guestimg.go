// Package guestimg holds the guest kernel images the hypervisor links
// into its own image and boots from, in lieu of loading them from disk,
// plus the device tree each one boots with. Grounded on
// original_source/hvisor/src/config.rs's
// #[link_section(".img1"/".dtb1"/".img2"/".dtb2")] + include_bytes!
// pairs: exactly two guest zones are embedded end to end in the
// original, so this rewrite embeds the same two kernels via go:embed,
// Go's direct analogue of a link-section byte embed. The original embeds
// a prebuilt .dtb blob per zone too; this package instead builds each
// zone's device tree at init time with internal/fdt.Build, so the zone
// layout below (memory extent, hart id, uart/clint windows) is the one
// place a new zone's addresses need to change.
package guestimg

import (
	_ "embed"
	"fmt"

	"rvhv/internal/fdt"
)

//go:embed guests/zone0.img
var Zone0Kernel []byte

//go:embed guests/zone1.img
var Zone1Kernel []byte

// zoneLayout is the address-map information a zone's device tree
// publishes to its guest kernel.
type zoneLayout struct {
	vmid      uint64
	memBase   uint64
	memSize   uint64
	hartID    uint64
	uartBase  uint64
	uartSize  uint64
	clintBase uint64
	clintSize uint64
}

var zoneLayouts = []zoneLayout{
	{vmid: 0, memBase: 0x8000_0000, memSize: 0x10_0000, hartID: 0, uartBase: 0x1000_0000, uartSize: 0x100, clintBase: 0x0200_0000, clintSize: 0x10000},
	{vmid: 1, memBase: 0x9000_0000, memSize: 0x10_0000, hartID: 1, uartBase: 0x1000_1000, uartSize: 0x100, clintBase: 0x0200_1000, clintSize: 0x10000},
}

// deviceTree builds the fdt.Node for l: a /memory node, a /cpus node with
// one hart, and a /soc node with uart and clint children. This is the
// minimal subtree zone.PTInit and the guest kernel both read from: memory
// extent, hart reg, and the two MMIO windows every zone maps identically.
func (l zoneLayout) deviceTree() fdt.Node {
	return fdt.Node{
		Children: []fdt.Node{
			{Name: "memory", Properties: map[string]fdt.Property{
				"reg": fdt.Reg(l.memBase, l.memSize),
			}},
			{Name: "cpus", Children: []fdt.Node{
				{Name: fmt.Sprintf("cpu@%d", l.hartID), Properties: map[string]fdt.Property{
					"reg": {U32: []uint32{uint32(l.hartID)}},
				}},
			}},
			{Name: "soc", Children: []fdt.Node{
				{Name: "uart", Properties: map[string]fdt.Property{"reg": fdt.Reg(l.uartBase, l.uartSize)}},
				{Name: "clint", Properties: map[string]fdt.Property{"reg": fdt.Reg(l.clintBase, l.clintSize)}},
			}},
		},
	}
}

// build renders l's device tree, or panics: every zoneLayouts entry is a
// fixed literal this package controls, so a Build failure here can only
// mean a programming mistake in zoneLayouts itself, not bad runtime input.
func (l zoneLayout) build() []byte {
	blob, err := fdt.Build(l.deviceTree())
	if err != nil {
		panic(fmt.Sprintf("guestimg: zone %d device tree: %v", l.vmid, err))
	}
	return blob
}

// Zone describes one embedded guest's image pair.
type Zone struct {
	VMID   uint64
	Kernel []byte
	DTB    []byte
}

// Zones returns the compiled-in guest configuration, in vmid order.
func Zones() []Zone {
	return []Zone{
		{VMID: zoneLayouts[0].vmid, Kernel: Zone0Kernel, DTB: zoneLayouts[0].build()},
		{VMID: zoneLayouts[1].vmid, Kernel: Zone1Kernel, DTB: zoneLayouts[1].build()},
	}
}
