// Package fdt builds the flattened device trees internal/guestimg embeds
// for each zone. A zone's device tree is the only way its guest kernel
// learns its /memory extent, its hart's reg, and its uart/clint MMIO
// windows, so this package's wire format must match what
// internal/fdtquery.Parse reads back: magic 0xd00dfeed, a 40-byte header,
// an empty memory-reservation block, the structure block (BEGIN_NODE/
// PROP/END_NODE/END tokens, each property carrying a big-endian length
// and string-table offset), then the string table.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	fdtVersion  = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// Build serializes root and its descendants into an FDT blob.
func Build(root Node) ([]byte, error) {
	w := &writer{stringOffsets: make(map[string]uint32)}
	if err := w.node(root); err != nil {
		return nil, err
	}
	return w.blob(), nil
}

// writer accumulates the structure and string-table blocks of one FDT
// blob as Build walks a Node tree.
type writer struct {
	structure     bytes.Buffer
	strings       bytes.Buffer
	stringOffsets map[string]uint32
}

func (w *writer) node(n Node) error {
	w.token(tokenBeginNode)
	w.structure.WriteString(n.Name)
	w.structure.WriteByte(0)
	w.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.property(name, n.Properties[name]); err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
	}

	for i := range n.Children {
		if err := w.node(n.Children[i]); err != nil {
			return err
		}
	}

	w.token(tokenEndNode)
	return nil
}

func (w *writer) property(name string, prop Property) error {
	switch prop.DefinedCount() {
	case 0:
		return fmt.Errorf("property %q: no value set", name)
	default:
		if prop.DefinedCount() > 1 {
			return fmt.Errorf("property %q: more than one value kind set", name)
		}
	}

	var value []byte
	switch prop.Kind() {
	case "strings":
		for _, s := range prop.Strings {
			value = append(value, s...)
			value = append(value, 0)
		}
	case "u32":
		value = make([]byte, len(prop.U32)*4)
		for i, v := range prop.U32 {
			binary.BigEndian.PutUint32(value[i*4:], v)
		}
	case "u64":
		value = make([]byte, len(prop.U64)*8)
		for i, v := range prop.U64 {
			binary.BigEndian.PutUint64(value[i*8:], v)
		}
	case "bytes":
		value = prop.Bytes
	case "flag":
		value = nil
	default:
		return fmt.Errorf("property %q: unrecognized kind %q", name, prop.Kind())
	}

	w.token(tokenProp)
	var lenAndOff [8]byte
	binary.BigEndian.PutUint32(lenAndOff[0:4], uint32(len(value)))
	binary.BigEndian.PutUint32(lenAndOff[4:8], w.stringOffset(name))
	w.structure.Write(lenAndOff[:])
	w.structure.Write(value)
	w.pad()
	return nil
}

func (w *writer) stringOffset(name string) uint32 {
	if off, ok := w.stringOffsets[name]; ok {
		return off
	}
	off := uint32(w.strings.Len())
	w.strings.WriteString(name)
	w.strings.WriteByte(0)
	w.stringOffsets[name] = off
	return off
}

func (w *writer) token(t uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], t)
	w.structure.Write(buf[:])
}

func (w *writer) pad() {
	for w.structure.Len()%4 != 0 {
		w.structure.WriteByte(0)
	}
}

func (w *writer) blob() []byte {
	w.token(tokenEnd)
	w.pad()

	structBytes := w.structure.Bytes()
	stringBytes := w.strings.Bytes()
	memRsvmap := make([]byte, 16)

	rsvmapOff := headerSize
	structOff := rsvmapOff + len(memRsvmap)
	stringsOff := structOff + len(structBytes)
	total := stringsOff + len(stringBytes)

	blob := make([]byte, total)
	header := blob[:headerSize]
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(total))
	binary.BigEndian.PutUint32(header[8:12], uint32(structOff))
	binary.BigEndian.PutUint32(header[12:16], uint32(stringsOff))
	binary.BigEndian.PutUint32(header[16:20], uint32(rsvmapOff))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], lastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[rsvmapOff:], memRsvmap)
	copy(blob[structOff:], structBytes)
	copy(blob[stringsOff:], stringBytes)
	return blob
}
