package cif

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/andreiw/pvp/internal/claim"
	"github.com/andreiw/pvp/internal/fdt"
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/mmurange"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/rangeset"
)

// buildFixtureBlob assembles a minimal flattened device tree blob by
// hand, the real dtc wire format fdt.Parse reads, with a root node
// and /mem and /con children.
func buildFixtureBlob() []byte {
	be := binary.BigEndian

	const (
		tokenBeginNode = 1
		tokenEndNode   = 2
		tokenEnd       = 9
	)

	putU32 := func(buf *bytes.Buffer, v uint32) {
		var b [4]byte
		be.PutUint32(b[:], v)
		buf.Write(b[:])
	}

	putCString := func(buf *bytes.Buffer, s string) {
		buf.WriteString(s)
		buf.WriteByte(0)

		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}

	var structBlock bytes.Buffer

	putU32(&structBlock, tokenBeginNode)
	putCString(&structBlock, "")

	putU32(&structBlock, tokenBeginNode)
	putCString(&structBlock, "mem")
	putU32(&structBlock, tokenEndNode)

	putU32(&structBlock, tokenBeginNode)
	putCString(&structBlock, "con")
	putU32(&structBlock, tokenEndNode)

	putU32(&structBlock, tokenEndNode)
	putU32(&structBlock, tokenEnd)

	const headerWords = 10

	headerSize := uint32(headerWords * 4)
	structSize := uint32(structBlock.Len())
	stringsOff := headerSize + structSize

	var out bytes.Buffer

	putU32(&out, 0xD00DFEED)
	putU32(&out, stringsOff)
	putU32(&out, headerSize)
	putU32(&out, stringsOff)
	putU32(&out, 0)
	putU32(&out, 17)
	putU32(&out, 16)
	putU32(&out, 0)
	putU32(&out, 0)
	putU32(&out, structSize)

	out.Write(structBlock.Bytes())

	return out.Bytes()
}

const ramSize = 32 << 20

// fakeConsole is an in-memory stand-in for the TCP console, so write
// and read can be exercised without a socket.
type fakeConsole struct {
	out bytes.Buffer
	in  bytes.Buffer
}

func (f *fakeConsole) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeConsole) Read(p []byte) (int, error)  { return f.in.Read(p) }

func newCIF(t *testing.T) (*CIF, *pmem.Memory) {
	t.Helper()

	mem := pmem.New(ramSize, false)

	avail := rangeset.New()
	if err := avail.Add(0, ramSize-1); err != nil {
		t.Fatalf("avail.Add: %v", err)
	}

	reg := rangeset.New()
	if err := reg.Add(0, ramSize-1); err != nil {
		t.Fatalf("reg.Add: %v", err)
	}

	arena := claim.New(ramSize, avail)
	mmu := mmurange.New()

	tree := parseFixtureTree(t)

	g := guest.New(false)

	c := New(mem, tree, avail, reg, arena, mmu, g, log.DefaultLogger())
	c.MemoryNode = tree.Path("/mem")
	c.Console = &fakeConsole{}

	return c, mem
}

// parseFixtureTree builds a tiny device tree with /mem and /con nodes,
// the same hand-rolled wire format internal/fdt's own tests exercise
// in full; here only a root and two children are needed.
func parseFixtureTree(t *testing.T) *fdt.Tree {
	t.Helper()

	blob := buildFixtureBlob()

	tree, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("fdt.Parse: %v", err)
	}

	return tree
}

// writeCIA lays out a CIA in guest memory: service name, in/out
// counts, and arg cells, returning its address.
func writeCIA(t *testing.T, mem *pmem.Memory, base guest.GEA, service string, in, out uint32, args []uint32) guest.GEA {
	t.Helper()

	const serviceEA = 0x10000

	nameBytes := append([]byte(service), 0)
	if err := mem.To(pmem.GRA(serviceEA), nameBytes, 1); err != nil {
		t.Fatalf("mem.To service name: %v", err)
	}

	if err := mem.Write32(pmem.GRA(base), serviceEA); err != nil {
		t.Fatalf("Write32 serviceEA: %v", err)
	}

	if err := mem.Write32(pmem.GRA(base)+4, in); err != nil {
		t.Fatalf("Write32 in: %v", err)
	}

	if err := mem.Write32(pmem.GRA(base)+8, out); err != nil {
		t.Fatalf("Write32 out: %v", err)
	}

	for i, v := range args {
		if err := mem.Write32(pmem.GRA(base)+12+pmem.GRA(i*4), v); err != nil {
			t.Fatalf("Write32 arg[%d]: %v", i, err)
		}
	}

	return base
}

func TestCallMethodMapRegistersTranslation(t *testing.T) {
	c, mem := newCIF(t)
	c.MMUIhandle = 7

	// call-method("map", mmu_ihandle, mode=-1, size=0x2000, virt=0x80000000, phys=0x1000)
	cia := writeCIA(t, mem, 0x2000, "call-method", 7, 1, []uint32{
		0x10010, // method name EA, written below
		uint32(c.MMUIhandle),
		0xFFFFFFFF, // mode
		0x2000,     // size
		0x80000000, // virt
		0x1000,     // phys
	})

	if err := mem.To(0x10010, append([]byte("map"), 0), 1); err != nil {
		t.Fatalf("mem.To method name: %v", err)
	}

	if err := c.Call(cia); err != nil {
		t.Fatalf("Call: %v", err)
	}

	ra, _, ok := c.MMU.Find(0x80000800)
	if !ok {
		t.Fatalf("MMU.Find(0x80000800): not mapped after call-method map")
	}

	if ra != 0x1800 {
		t.Errorf("MMU.Find(0x80000800): want RA %#x, got %#x", 0x1800, ra)
	}
}

func TestCallMethodClaim(t *testing.T) {
	c, mem := newCIF(t)
	c.MemoryNode = -1 // irrelevant here, only the memory ihandle's claim path is used

	const memIhandle = 3

	cia := writeCIA(t, mem, 0x2100, "call-method", 8, 1, []uint32{
		0x10020,
		memIhandle,
		0x10,   // align (anywhere claim)
		0x1000, // size
		0,      // addr, ignored for anywhere claims
	})

	if err := mem.To(0x10020, append([]byte("claim"), 0), 1); err != nil {
		t.Fatalf("mem.To method name: %v", err)
	}

	if err := c.Call(cia); err != nil {
		t.Fatalf("Call: %v", err)
	}

	result, err := mem.Read32(pmem.GRA(cia) + 12 + (8+1-1)*4)
	if err != nil {
		t.Fatalf("Read32 result: %v", err)
	}

	if result == uint32(claim.Sentinel) {
		t.Errorf("call-method claim: want a real address, got Sentinel")
	}
}

func TestCallFindDevice(t *testing.T) {
	c, mem := newCIF(t)

	if err := mem.To(0x10030, append([]byte("/mem"), 0), 1); err != nil {
		t.Fatalf("mem.To path: %v", err)
	}

	cia := writeCIA(t, mem, 0x2200, "finddevice", 1, 1, []uint32{0x10030})

	if err := c.Call(cia); err != nil {
		t.Fatalf("Call: %v", err)
	}

	// in=1, out=1: result lands at CIA_ARG(in+out-1) = args[1], the
	// first output cell, one past the single input cell.
	result, err := mem.Read32(pmem.GRA(cia) + 12 + 4)
	if err != nil {
		t.Fatalf("Read32 result: %v", err)
	}

	if result == 0xFFFFFFFF {
		t.Errorf("finddevice(/mem): want a phandle, got -1")
	}
}

func TestCallExitRequestsShutdown(t *testing.T) {
	c, mem := newCIF(t)

	cia := writeCIA(t, mem, 0x2300, "exit", 0, 0, nil)

	if err := c.Call(cia); err == nil {
		t.Errorf("Call(exit): want an error (shutdown), got nil")
	}
}

func TestCallUnsupportedService(t *testing.T) {
	c, mem := newCIF(t)

	cia := writeCIA(t, mem, 0x2400, "frobnicate", 0, 1, nil)

	if err := c.Call(cia); err != nil {
		t.Fatalf("Call(unsupported service): want the generic write-back path to swallow the error, got %v", err)
	}

	result, err := mem.Read32(pmem.GRA(cia) + 12)
	if err != nil {
		t.Fatalf("Read32 result: %v", err)
	}

	if int32(result) != -1 {
		t.Errorf("result: want -1 for an unsupported service, got %d", int32(result))
	}
}

func TestWriteGoesThroughConsole(t *testing.T) {
	c, mem := newCIF(t)
	c.ConIhandle = 5

	msg := "hi\n"
	if err := mem.To(0x10040, []byte(msg), 1); err != nil {
		t.Fatalf("mem.To: %v", err)
	}

	cia := writeCIA(t, mem, 0x2500, "write", 3, 1, []uint32{uint32(c.ConIhandle), 0x10040, uint32(len(msg))})

	if err := c.Call(cia); err != nil {
		t.Fatalf("Call(write): %v", err)
	}

	got := c.Console.(*fakeConsole).out.String()
	if got != msg {
		t.Errorf("console output: want %q, got %q", msg, got)
	}
}
