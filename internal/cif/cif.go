// Package cif implements the IEEE-1275 Open Firmware client interface
// the guest's boot loader calls through the CIF trampoline: the
// service dispatch, the CIA (client interface array) calling
// convention, and the ~20 individual services.
//
// Grounded almost entirely on original_source/rom.c.
package cif

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andreiw/pvp/internal/claim"
	"github.com/andreiw/pvp/internal/disk"
	"github.com/andreiw/pvp/internal/fdt"
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/ihandle"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/mmurange"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/rangeset"
)

// PhandleMunge offsets device-tree node offsets into the phandle
// space, matching the original's PHANDLE_MUNGE, so phandles are never
// confused with raw node offsets.
const PhandleMunge = ihandle.Munge

// MaxServiceName bounds the NUL-terminated service name read from
// guest memory, matching the original's fixed-size scratch buffer.
const MaxServiceName = 32

// Console is the minimal surface the "con" ihandle needs.
type Console interface {
	io.Reader
	io.Writer
}

// CIF holds everything the client interface services need to answer a
// call: the device tree, the memory accounting range sets, the claim
// arena, the ihandle table, guest physical memory, and the well-known
// memory/mmu/console nodes resolved once at bootstrap.
type CIF struct {
	Mem   *pmem.Memory
	Tree  *fdt.Tree
	Avail *rangeset.Set
	Reg   *rangeset.Set
	Arena *claim.Arena
	IH    *ihandle.Table
	Disks map[string]*disk.Disk
	MMU   *mmurange.Map
	G     *guest.Guest

	MemoryNode int
	MMUIhandle ihandle.Ihandle
	ConIhandle ihandle.Ihandle

	Console Console

	log *log.Logger
}

// New creates a CIF instance. MMUIhandle and ConIhandle are allocated
// against phandles resolved from the tree by the caller (bootstrap),
// since they must exist before the guest's first call. g is used to
// resolve the data buffers of the read and write services through the
// MMU range map the same way a guest load/store would. The CIA cells,
// service and method names, paths, and the output buffers of getprop
// and the path services are accessed as guest real addresses.
func New(mem *pmem.Memory, tree *fdt.Tree, avail, reg *rangeset.Set, arena *claim.Arena, mmu *mmurange.Map, g *guest.Guest, logger *log.Logger) *CIF {
	return &CIF{
		Mem:        mem,
		Tree:       tree,
		Avail:      avail,
		Reg:        reg,
		Arena:      arena,
		MMU:        mmu,
		G:          g,
		IH:         ihandle.New(),
		Disks:      map[string]*disk.Disk{},
		MemoryNode: -1,
		log:        logger,
	}
}

// mmuBackmap adapts the CIF's own MMU range map into a
// guest.Backmapper, letting guest.GuestTo/GuestFrom resolve a CIF
// argument buffer's guest effective address the same way the
// emulator's loads and stores do: identity when the guest hasn't left
// ROM mode yet, otherwise through whatever the firmware's "map" calls
// have installed.
type mmuBackmap struct {
	g   *guest.Guest
	mmu *mmurange.Map
}

func (b mmuBackmap) Backmap(ea guest.GEA) (pmem.GRA, bool) {
	if b.g.ROMMode() {
		return pmem.GRA(ea), true
	}

	ra, _, ok := b.mmu.Find(ea)

	return pmem.GRA(ra), ok
}

func (c *CIF) backmap() guest.Backmapper {
	return mmuBackmap{g: c.G, mmu: c.MMU}
}

func nodeToPhandle(offset int) ihandle.Phandle {
	return ihandle.Phandle(PhandleMunge + offset)
}

func phandleToNode(p ihandle.Phandle) int {
	return int(p) - PhandleMunge
}

// cia is one decoded client interface array.
type cia struct {
	serviceEA guest.GEA
	in        uint32
	out       uint32
	args      guest.GEA // address of CIA_ARG(0)
}

func (c *CIF) readCell(ea guest.GEA, i uint32) (uint32, error) {
	return c.Mem.Read32(pmem.GRA(uint32(ea) + i*4))
}

func (c *CIF) writeCell(ea guest.GEA, i uint32, v uint32) error {
	return c.Mem.Write32(pmem.GRA(uint32(ea)+i*4), v)
}

func (c *CIF) readCString(ea guest.GEA, max int) (string, error) {
	buf := make([]byte, 0, max)

	for i := 0; i < max; i++ {
		b, err := c.Mem.Read8(pmem.GRA(uint32(ea) + uint32(i)))
		if err != nil {
			return "", err
		}

		if b == 0 {
			break
		}

		buf = append(buf, b)
	}

	return string(buf), nil
}

// Call dispatches one CIF invocation, given the address of the CIA
// (what GPR3 pointed to at the trampoline), and writes the result
// back into the CIA exactly as the service contract requires.
func (c *CIF) Call(ciaAddr guest.GEA) error {
	serviceEA, err := c.readCell(ciaAddr, 0)
	if err != nil {
		return err
	}

	in, err := c.readCell(ciaAddr, 1)
	if err != nil {
		return err
	}

	out, err := c.readCell(ciaAddr, 2)
	if err != nil {
		return err
	}

	call := cia{
		serviceEA: guest.GEA(serviceEA),
		in:        in,
		out:       out,
		args:      guest.GEA(uint32(ciaAddr) + 12),
	}

	name, err := c.readCString(call.serviceEA, MaxServiceName)
	if err != nil {
		return err
	}

	result, err := c.dispatch(name, call)

	switch {
	case err == monerr.ErrShutdown || err == monerr.ErrPause:
		return err
	case err != nil:
		c.log.Debug("cif call failed", "service", name, "err", err)
		result = -1
	}

	return c.writeCell(call.args, call.in+call.out-1, uint32(result))
}

func (c *CIF) dispatch(name string, call cia) (int64, error) {
	switch name {
	case "child":
		return c.child(call)
	case "peer":
		return c.peer(call)
	case "parent":
		return c.parent(call)
	case "instance-to-package":
		return c.instanceToPackage(call)
	case "instance-to-path":
		return c.instanceToPath(call)
	case "package-to-path":
		return c.packageToPath(call)
	case "finddevice":
		return c.finddevice(call)
	case "getprop":
		return c.getprop(call)
	case "getproplen":
		return c.getproplen(call)
	case "write":
		return c.write(call)
	case "read":
		return c.read(call)
	case "open":
		return c.open(call)
	case "close":
		return c.close(call)
	case "seek":
		return c.seek(call)
	case "claim":
		return c.claim(call)
	case "call-method":
		return c.callMethod(call)
	case "milliseconds":
		return c.milliseconds(call)
	case "exit", "enter", "boot", "chain":
		return 0, monerr.ErrShutdown
	default:
		c.log.Debug("cif: unsupported service", "name", name)
		return 0, monerr.ErrUnsupported
	}
}

func (c *CIF) child(call cia) (int64, error) {
	phandle, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	offset := phandleToNode(ihandle.Phandle(phandle))
	if offset == -1 {
		offset = c.Tree.Root()
	}

	node := c.Tree.Node(offset)
	if node == nil || len(node.Children) == 0 {
		return 0, nil
	}

	return int64(nodeToPhandle(node.Children[0])), nil
}

func (c *CIF) peer(call cia) (int64, error) {
	phandle, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	if phandle == 0 {
		return int64(nodeToPhandle(c.Tree.Root())), nil
	}

	offset := phandleToNode(ihandle.Phandle(phandle))
	node := c.Tree.Node(offset)

	if node == nil || node.Parent < 0 {
		return 0, nil
	}

	parent := c.Tree.Node(node.Parent)

	for i, sib := range parent.Children {
		if sib == offset && i+1 < len(parent.Children) {
			return int64(nodeToPhandle(parent.Children[i+1])), nil
		}
	}

	return 0, nil
}

func (c *CIF) parent(call cia) (int64, error) {
	phandle, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	offset := phandleToNode(ihandle.Phandle(phandle))
	node := c.Tree.Node(offset)

	if node == nil || node.Parent < 0 {
		return -1, nil
	}

	return int64(nodeToPhandle(node.Parent)), nil
}

func (c *CIF) instanceToPackage(call cia) (int64, error) {
	ih, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	inst, ok := c.IH.Lookup(ihandle.Ihandle(ih))
	if !ok {
		return -1, nil
	}

	return int64(inst.Phandle), nil
}

func (c *CIF) pathFor(offset int, bufEA guest.GEA, bufLen uint32) (int64, error) {
	path, ok := c.Tree.NodePath(offset)
	if !ok {
		return -1, nil
	}

	n := len(path)
	if uint32(n) > bufLen {
		n = int(bufLen)
	}

	for i := 0; i < n; i++ {
		if err := c.Mem.Write8(pmem.GRA(uint32(bufEA)+uint32(i)), path[i]); err != nil {
			return 0, err
		}
	}

	return int64(len(path)), nil
}

func (c *CIF) instanceToPath(call cia) (int64, error) {
	ih, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	bufEA, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	bufLen, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	inst, ok := c.IH.Lookup(ihandle.Ihandle(ih))
	if !ok {
		return -1, nil
	}

	return c.pathFor(phandleToNode(inst.Phandle), guest.GEA(bufEA), bufLen)
}

func (c *CIF) packageToPath(call cia) (int64, error) {
	phandle, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	bufEA, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	bufLen, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	return c.pathFor(phandleToNode(ihandle.Phandle(phandle)), guest.GEA(bufEA), bufLen)
}

func (c *CIF) finddevice(call cia) (int64, error) {
	pathEA, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	path, err := c.readCString(guest.GEA(pathEA), 256)
	if err != nil {
		return 0, err
	}

	offset := c.Tree.Path(path)
	if offset < 0 {
		return -1, nil
	}

	return int64(nodeToPhandle(offset)), nil
}

// regProp synthesizes a memory node property ("reg" or "available")
// from the given range set: two cells per range, base then size,
// matching rom_getprop_ex.
func (c *CIF) regProp(ranges *rangeset.Set) []byte {
	var buf []byte

	ranges.Each(func(r rangeset.Range) bool {
		base := uint32(r.Base)
		size := uint32(r.Limit) - base + 1
		buf = append(buf, be32(base)...)
		buf = append(buf, be32(size)...)

		return true
	})

	return buf
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func (c *CIF) propValue(offset int, name string) ([]byte, bool) {
	if offset == c.MemoryNode {
		switch name {
		case "reg":
			return c.regProp(c.Reg), true
		case "available":
			return c.regProp(c.Avail), true
		}
	}

	if name == "name" && offset == c.Tree.Root() {
		return []byte("/\x00"), true
	}

	return c.Tree.GetProp(offset, name)
}

func (c *CIF) getprop(call cia) (int64, error) {
	phandle, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	nameEA, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	bufEA, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	bufLen, err := c.readCell(call.args, 3)
	if err != nil {
		return 0, err
	}

	name, err := c.readCString(guest.GEA(nameEA), 64)
	if err != nil {
		return 0, err
	}

	offset := phandleToNode(ihandle.Phandle(phandle))

	value, ok := c.propValue(offset, name)
	if !ok {
		return -1, nil
	}

	n := len(value)
	if bufLen != 0 && uint32(n) > bufLen {
		n = int(bufLen)
	}

	for i := 0; i < n; i++ {
		if err := c.Mem.Write8(pmem.GRA(bufEA+uint32(i)), value[i]); err != nil {
			return 0, err
		}
	}

	return int64(len(value)), nil
}

func (c *CIF) getproplen(call cia) (int64, error) {
	phandle, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	nameEA, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	name, err := c.readCString(guest.GEA(nameEA), 64)
	if err != nil {
		return 0, err
	}

	offset := phandleToNode(ihandle.Phandle(phandle))

	value, ok := c.propValue(offset, name)
	if !ok {
		return -1, nil
	}

	return int64(len(value)), nil
}

// glyphRemap mirrors rom_stdout_write's VT100-ish glyph substitution
// table for the host console.
var glyphRemap = map[byte]string{
	0x9B: "\x1b[",
	0xCD: "=",
	0xBA: "|",
	0xBB: "\\",
	0xC8: "\\",
	0xBC: "/",
	0xC9: "/",
}

func (c *CIF) writeConsole(bufEA guest.GEA, length uint32) (int64, error) {
	remaining := length
	ea := bufEA

	for remaining > 0 {
		chunk := remaining
		if chunk > pmem.PageSize {
			chunk = pmem.PageSize
		}

		buf := make([]byte, chunk)
		if _, err := guest.GuestFrom(c.Mem, c.backmap(), ea, buf, 1, false); err != nil {
			return -1, nil
		}

		for _, b := range buf {
			if s, ok := glyphRemap[b]; ok {
				io.WriteString(c.Console, s)
			} else {
				c.Console.Write([]byte{b})
			}
		}

		ea += guest.GEA(chunk)
		remaining -= chunk
	}

	return int64(length), nil
}

func (c *CIF) readConsole(bufEA guest.GEA, length uint32) (int64, error) {
	buf := make([]byte, length)

	n, err := c.Console.Read(buf)
	if err != nil && n == 0 {
		// Treated as a partial, non-fatal read: the console is
		// non-blocking and an empty read just means nothing is
		// waiting yet.
		return 0, nil
	}

	if err := guest.GuestTo(c.Mem, c.backmap(), bufEA, buf[:n], 1); err != nil {
		return -1, nil
	}

	return int64(n), nil
}

func (c *CIF) write(call cia) (int64, error) {
	ih, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	bufEA, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	length, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	if ihandle.Ihandle(ih) == c.ConIhandle {
		return c.writeConsole(guest.GEA(bufEA), length)
	}

	inst, ok := c.IH.Lookup(ihandle.Ihandle(ih))
	if !ok {
		return -1, nil
	}

	buf := make([]byte, length)
	if _, err := guest.GuestFrom(c.Mem, c.backmap(), guest.GEA(bufEA), buf, 1, false); err != nil {
		return -1, nil
	}

	n, err := inst.Methods.Write(buf)
	if err != nil {
		return -1, nil
	}

	return int64(n), nil
}

func (c *CIF) read(call cia) (int64, error) {
	ih, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	bufEA, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	length, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	if ihandle.Ihandle(ih) == c.ConIhandle {
		return c.readConsole(guest.GEA(bufEA), length)
	}

	inst, ok := c.IH.Lookup(ihandle.Ihandle(ih))
	if !ok {
		return -1, nil
	}

	buf := make([]byte, length)

	n, err := inst.Methods.Read(buf)
	if err != nil {
		return -1, nil
	}

	if err := guest.GuestTo(c.Mem, c.backmap(), guest.GEA(bufEA), buf[:n], 1); err != nil {
		return -1, nil
	}

	return int64(n), nil
}

// openPath resolves the "dev:part,file" contract documented in
// spec.md §4.7: dev names a device tree node, looked up exactly as
// finddevice would; an optional ",file" selects a plain host file
// relative to that node, and a leading partition number before the
// comma selects a partition of the node's disk_file instead.
func (c *CIF) openPath(path string) (int64, error) {
	dev, rest, hasArgs := strings.Cut(path, ":")
	if !hasArgs {
		offset := c.Tree.Path(path)
		if offset < 0 {
			return -1, nil
		}

		return int64(c.IH.Open(nodeToPhandle(offset), nil)), nil
	}

	offset := c.Tree.Path(dev)
	if offset < 0 {
		return -1, nil
	}

	partStr, file, _ := strings.Cut(rest, ",")

	if diskFile, ok := c.propValue(offset, "disk_file"); ok {
		d, err := disk.Open(strings.TrimRight(string(diskFile), "\x00"))
		if err != nil {
			c.log.Debug("cif: open disk_file failed", "path", path, "err", err)
			return -1, nil
		}

		c.Disks[path] = d

		index, _ := strconv.Atoi(partStr)

		part, err := d.FindPartition(index)
		if err != nil {
			c.log.Debug("cif: partition lookup failed", "path", path, "err", err)
			return -1, nil
		}

		return int64(c.IH.Open(nodeToPhandle(offset), ihandle.NewDisk(d, part))), nil
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_RDWR, 0)
		if err != nil {
			c.log.Debug("cif: open file failed", "path", path, "err", err)
			return -1, nil
		}

		return int64(c.IH.Open(nodeToPhandle(offset), ihandle.NewFile(f))), nil
	}

	return -1, nil
}

func (c *CIF) open(call cia) (int64, error) {
	pathEA, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	path, err := c.readCString(guest.GEA(pathEA), 256)
	if err != nil {
		return 0, err
	}

	return c.openPath(path)
}

func (c *CIF) close(call cia) (int64, error) {
	ih, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	if inst, ok := c.IH.Lookup(ihandle.Ihandle(ih)); ok {
		inst.Methods.Close()
	}

	c.IH.Close(ihandle.Ihandle(ih))

	return 0, nil
}

func (c *CIF) seek(call cia) (int64, error) {
	ih, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	hi, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	lo, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	monerr.Assert(hi == 0, "cif: seek hi cell must be zero")

	inst, ok := c.IH.Lookup(ihandle.Ihandle(ih))
	if !ok {
		return -1, nil
	}

	if err := inst.Methods.Seek(int64(int32(lo))); err != nil {
		return -1, nil
	}

	return 0, nil
}

func (c *CIF) claim(call cia) (int64, error) {
	addr, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	size, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	align, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	return c.Arena.Claim(pmem.GRA(addr), pmem.Length(size), align), nil
}

// mmuMap implements the mmu ihandle's "map" method: it registers the
// virtual-to-physical translation in the MMU range map so a later
// page fault on that range can resolve it, rather than eagerly
// installing shadow mappings the way the surviving rom_mmu_call does
// (spec.md's lazy, fault-driven mapping is authoritative here; see
// DESIGN.md).
func (c *CIF) mmuMap(call cia) (int64, error) {
	mode, err := c.readCell(call.args, 2)
	if err != nil {
		return 0, err
	}

	size, err := c.readCell(call.args, 3)
	if err != nil {
		return 0, err
	}

	virt, err := c.readCell(call.args, 4)
	if err != nil {
		return 0, err
	}

	phys, err := c.readCell(call.args, 5)
	if err != nil {
		return 0, err
	}

	if size == 0 {
		return 0, nil
	}

	m := int32(mode)
	if m == -2 {
		c.log.Warn("cif: mmu map called with veneer mode -2, coercing to -1")
		m = -1
	}

	if m != -1 {
		return 0, monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("cif: mmu map: unsupported mode %d", m))
	}

	if phys == virt {
		return 0, nil
	}

	base := guest.GEA(virt)
	limit := guest.GEA(virt + size - 1)
	ra := guest.GEA(phys)

	if err := c.MMU.Add(base, limit, ra, mmurange.FlagRead|mmurange.FlagWrite|mmurange.FlagExec); err != nil {
		return 0, err
	}

	return 0, nil
}

func (c *CIF) milliseconds(call cia) (int64, error) {
	return time.Now().UnixMilli(), nil
}

// callMethod implements the "call-method" service, which dispatches
// by ihandle to either the memory node's "claim" method or the mmu
// node's "map" method, mirroring rom_callmethod.
func (c *CIF) callMethod(call cia) (int64, error) {
	methodEA, err := c.readCell(call.args, 0)
	if err != nil {
		return 0, err
	}

	ihVal, err := c.readCell(call.args, 1)
	if err != nil {
		return 0, err
	}

	method, err := c.readCString(guest.GEA(methodEA), MaxServiceName)
	if err != nil {
		return 0, err
	}

	ih := ihandle.Ihandle(ihVal)

	switch {
	case method == "claim":
		align, err := c.readCell(call.args, 2)
		if err != nil {
			return 0, err
		}

		size, err := c.readCell(call.args, 3)
		if err != nil {
			return 0, err
		}

		addr, err := c.readCell(call.args, 4)
		if err != nil {
			return 0, err
		}

		return c.Arena.Claim(pmem.GRA(addr), pmem.Length(size), align), nil

	case ih == c.MMUIhandle && method == "map":
		return c.mmuMap(call)

	default:
		return 0, monerr.Wrap(monerr.ErrUnsupported, fmt.Sprintf("cif: call-method %q", method))
	}
}
