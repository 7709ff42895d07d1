package fdtquery

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// testBuilder is a minimal FDT encoder used only to produce fixtures for
// these tests; it mirrors the structure/strings split and token encoding
// of the teacher's FDTBuilder closely enough to exercise the reader.
type testBuilder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringOff map[string]uint32
}

func newTestBuilder() *testBuilder {
	return &testBuilder{stringOff: make(map[string]uint32)}
}

func (b *testBuilder) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure.Write(buf[:])
}

func (b *testBuilder) pad() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *testBuilder) addString(s string) uint32 {
	if off, ok := b.stringOff[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.stringOff[s] = off
	return off
}

func (b *testBuilder) beginNode(name string) {
	b.u32(fdtBeginNode)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	b.pad()
}

func (b *testBuilder) endNode() { b.u32(fdtEndNode) }

func (b *testBuilder) propBytes(name string, value []byte) {
	b.u32(fdtProp)
	b.u32(uint32(len(value)))
	b.u32(b.addString(name))
	b.structure.Write(value)
	b.pad()
}

func (b *testBuilder) propU64Pairs(name string, pairs [][2]uint64) {
	var buf bytes.Buffer
	for _, p := range pairs {
		var w [16]byte
		binary.BigEndian.PutUint64(w[0:8], p[0])
		binary.BigEndian.PutUint64(w[8:16], p[1])
		buf.Write(w[:])
	}
	b.propBytes(name, buf.Bytes())
}

func (b *testBuilder) build() []byte {
	b.u32(fdtEnd)
	for b.strings.Len()%4 != 0 {
		b.strings.WriteByte(0)
	}

	headerSize := uint32(40)
	memRsvmapOff := headerSize
	memRsvmapSize := uint32(16)
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(b.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strings.Len())
	totalSize := stringsOff + stringsSize

	var out bytes.Buffer
	put := func(v uint32) {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		out.Write(buf[:])
	}
	put(fdtMagic)
	put(totalSize)
	put(structOff)
	put(stringsOff)
	put(memRsvmapOff)
	put(17) // version
	put(16) // last_comp_version
	put(0)  // boot_cpuid_phys
	put(stringsSize)
	put(structSize)

	out.Write(make([]byte, 16)) // empty mem_rsvmap entry
	out.Write(b.structure.Bytes())
	out.Write(b.strings.Bytes())
	return out.Bytes()
}

func buildFixture() []byte {
	b := newTestBuilder()
	b.beginNode("")
	b.beginNode("memory")
	b.propU64Pairs("reg", [][2]uint64{{0x8000_0000, 0x2000_0000}})
	b.endNode()
	b.beginNode("cpus")
	b.beginNode("cpu@0")
	b.propBytes("reg", []byte{0, 0, 0, 0})
	b.endNode()
	b.beginNode("cpu@1")
	b.propBytes("reg", []byte{0, 0, 0, 1})
	b.endNode()
	b.endNode()
	b.beginNode("soc")
	b.beginNode("uart")
	b.propU64Pairs("reg", [][2]uint64{{0x1000_0000, 0x100}})
	b.endNode()
	b.endNode()
	b.endNode()
	return b.build()
}

func TestParseMemory(t *testing.T) {
	tree, err := Parse(buildFixture())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mem := tree.Memory()
	if len(mem) != 1 || mem[0].Base != 0x8000_0000 || mem[0].Size != 0x2000_0000 {
		t.Fatalf("Memory() = %+v, want one region at 0x80000000 size 0x20000000", mem)
	}
}

func TestParseCPUs(t *testing.T) {
	tree, err := Parse(buildFixture())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cpus := tree.CPUs()
	if len(cpus) != 2 || cpus[0] != 0 || cpus[1] != 1 {
		t.Fatalf("CPUs() = %v, want [0 1]", cpus)
	}
}

func TestFindAll(t *testing.T) {
	tree, err := Parse(buildFixture())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	nodes := tree.FindAll("/soc/uart")
	if len(nodes) != 1 {
		t.Fatalf("FindAll(/soc/uart) = %d nodes, want 1", len(nodes))
	}
	regs := nodes[0].Reg()
	if len(regs) != 1 || regs[0].Base != 0x1000_0000 {
		t.Fatalf("Reg() = %+v, want base 0x10000000", regs)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := buildFixture()
	blob[0] = 0
	if _, err := Parse(blob); err == nil {
		t.Fatalf("Parse accepted a blob with corrupted magic")
	}
}
