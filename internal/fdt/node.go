package fdt

// Property holds a single device-tree property value. Exactly one of the
// typed fields should be populated; Kind and DefinedCount exist so Build
// can detect a caller that left a Property's value unset or populated two
// different ways.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Reg builds a "reg" property: the <address size> pair cells almost every
// device-tree node describing an MMIO window carries, encoded as two
// 64-bit cells (the #address-cells/#size-cells = 2 convention every zone
// device tree this package emits assumes).
func Reg(base, size uint64) Property { return Property{U64: []uint64{base, size}} }

// Kind returns the name of the populated field, or "" if none is set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many of Property's value fields are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node is one device-tree node: a name, its properties, and its children,
// in the order Build walks them (properties sorted by name, then children
// in slice order, matching the layout internal/fdtquery expects to parse
// back out).
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}
