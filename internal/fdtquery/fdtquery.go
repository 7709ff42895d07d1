// Package fdtquery is a read-only flattened-devicetree oracle: Tree
// answers the handful of structural queries the zone and boot layers need
// (memory regions, CPU ids, named subtree lookup) without exposing the
// wire format to callers. The token constants and big-endian, 4-byte
// aligned string layout are grounded on the FDT *builder* in
// _examples/tinyrange-cc/internal/hv/riscv/rv64/fdt.go (also mirrored in
// internal/fdt/build.go) — this package is the missing reader for the
// same wire format, not an adaptation of a parser the teacher already has
// (it has none), since the teacher pack never needs to read back a device
// tree it emits.
package fdtquery

import (
	"encoding/binary"
	"fmt"
	"strings"

	"rvhv/internal/hverr"
)

const (
	fdtMagic     = 0xd00dfeed
	fdtBeginNode = 0x00000001
	fdtEndNode   = 0x00000002
	fdtProp      = 0x00000003
	fdtNOP       = 0x00000004
	fdtEnd       = 0x00000009
)

// Region is a `reg` entry: a base address and size, in whatever address
// space the containing node implies (guest-physical for /memory and
// device nodes under /soc).
type Region struct {
	Base uint64
	Size uint64
}

// Property is one FDT_PROP payload, kept as raw bytes; Tree's typed
// accessors (U32, U64, Strings) interpret it on demand.
type Property struct {
	Name  string
	Value []byte
}

// Node is one FDT_BEGIN_NODE..FDT_END_NODE subtree, flattened to its
// immediate properties plus its full path for later lookup.
type Node struct {
	Path       string
	Properties []Property
}

// Prop returns the named property, or nil if absent.
func (n Node) Prop(name string) *Property {
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			return &n.Properties[i]
		}
	}
	return nil
}

// Reg parses this node's "reg" property as a list of (address, size)
// pairs, using #address-cells/#size-cells = 2 (64-bit), the only layout
// the guest device trees this hypervisor consumes use.
func (n Node) Reg() []Region {
	p := n.Prop("reg")
	if p == nil || len(p.Value)%16 != 0 {
		return nil
	}
	out := make([]Region, 0, len(p.Value)/16)
	for off := 0; off < len(p.Value); off += 16 {
		base := binary.BigEndian.Uint64(p.Value[off : off+8])
		size := binary.BigEndian.Uint64(p.Value[off+8 : off+16])
		out = append(out, Region{Base: base, Size: size})
	}
	return out
}

// Tree is a parsed flattened device tree, holding every node with its
// path, in document order.
type Tree struct {
	nodes     []Node
	totalSize uint32
}

// Parse reads a flattened device tree blob and returns its Tree.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < 40 {
		return nil, hverr.New(hverr.BadParam, "fdtquery.Parse", fmt.Errorf("blob too short: %d bytes", len(blob)))
	}
	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != fdtMagic {
		return nil, hverr.New(hverr.BadParam, "fdtquery.Parse", fmt.Errorf("bad magic %#x", magic))
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])

	t := &Tree{totalSize: totalSize}
	if err := t.parseStruct(blob, offStruct, offStrings); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) parseStruct(blob []byte, offStruct, offStrings uint32) error {
	pos := offStruct
	var pathStack []string

	readU32 := func() (uint32, error) {
		if int(pos)+4 > len(blob) {
			return 0, hverr.New(hverr.BadParam, "fdtquery.parseStruct", fmt.Errorf("truncated at %#x", pos))
		}
		v := binary.BigEndian.Uint32(blob[pos : pos+4])
		pos += 4
		return v, nil
	}

	for {
		tok, err := readU32()
		if err != nil {
			return err
		}
		switch tok {
		case fdtNOP:
			continue
		case fdtEnd:
			return nil
		case fdtBeginNode:
			start := pos
			end := start
			for end < uint32(len(blob)) && blob[end] != 0 {
				end++
			}
			name := string(blob[start:end])
			pos = align4(end + 1)
			path := "/" + name
			if len(pathStack) > 0 {
				parent := pathStack[len(pathStack)-1]
				if name == "" {
					path = parent
				} else if parent == "/" {
					path = "/" + name
				} else {
					path = parent + "/" + name
				}
			}
			pathStack = append(pathStack, path)
			t.nodes = append(t.nodes, Node{Path: path})
		case fdtEndNode:
			if len(pathStack) == 0 {
				return hverr.New(hverr.BadState, "fdtquery.parseStruct", fmt.Errorf("unbalanced FDT_END_NODE at %#x", pos))
			}
			pathStack = pathStack[:len(pathStack)-1]
		case fdtProp:
			length, err := readU32()
			if err != nil {
				return err
			}
			nameOff, err := readU32()
			if err != nil {
				return err
			}
			if int(pos)+int(length) > len(blob) {
				return hverr.New(hverr.BadParam, "fdtquery.parseStruct", fmt.Errorf("property value overruns blob at %#x", pos))
			}
			value := blob[pos : pos+length]
			pos = align4(pos + length)
			name := cString(blob, offStrings+nameOff)
			if len(t.nodes) == 0 {
				return hverr.New(hverr.BadState, "fdtquery.parseStruct", fmt.Errorf("property %q before any node", name))
			}
			cur := &t.nodes[len(t.nodes)-1]
			cur.Properties = append(cur.Properties, Property{Name: name, Value: value})
		default:
			return hverr.New(hverr.BadParam, "fdtquery.parseStruct", fmt.Errorf("unknown token %#x at %#x", tok, pos-4))
		}
	}
}

func align4(x uint32) uint32 { return (x + 3) &^ 3 }

func cString(blob []byte, off uint32) string {
	end := off
	for end < uint32(len(blob)) && blob[end] != 0 {
		end++
	}
	return string(blob[off:end])
}

// TotalSize returns the FDT header's total blob size.
func (t *Tree) TotalSize() uint32 { return t.totalSize }

// FindAll returns every node whose path equals path exactly, in document
// order. Descendants are not included — callers needing children look up
// by their own full path.
func (t *Tree) FindAll(path string) []Node {
	var out []Node
	for _, n := range t.nodes {
		if n.Path == path {
			out = append(out, n)
		}
	}
	return out
}

// Memory returns the regions listed in the /memory node's "reg" property.
func (t *Tree) Memory() []Region {
	for _, n := range t.FindAll("/memory") {
		if regs := n.Reg(); len(regs) > 0 {
			return regs
		}
	}
	for _, n := range t.nodes {
		if strings.HasPrefix(n.Path, "/memory@") {
			if regs := n.Reg(); len(regs) > 0 {
				return regs
			}
		}
	}
	return nil
}

// CPUs returns the reg (hart id) of every node under /cpus whose name
// starts with "cpu".
func (t *Tree) CPUs() []uint64 {
	var out []uint64
	for _, n := range t.nodes {
		if !strings.HasPrefix(n.Path, "/cpus/cpu") {
			continue
		}
		p := n.Prop("reg")
		if p == nil || len(p.Value) < 4 {
			continue
		}
		if len(p.Value) == 4 {
			out = append(out, uint64(binary.BigEndian.Uint32(p.Value)))
		} else {
			out = append(out, binary.BigEndian.Uint64(p.Value[len(p.Value)-8:]))
		}
	}
	return out
}
