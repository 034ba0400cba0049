// Package bootstrap assembles a monitor instance: it loads the
// firmware payload and device tree, carves the claim arena and boot
// stack, installs the CIF trampoline, and seeds the guest's initial
// register state.
//
// Grounded on original_source/rom.c:rom_init and, for the
// options-driven construction shape, on the teacher's
// internal/monitor/image.go (SystemImage/LoadTo pattern).
package bootstrap

import (
	"fmt"
	"os"

	"github.com/andreiw/pvp/internal/cif"
	"github.com/andreiw/pvp/internal/claim"
	"github.com/andreiw/pvp/internal/console"
	"github.com/andreiw/pvp/internal/debugger"
	"github.com/andreiw/pvp/internal/fdt"
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/ihandle"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/mmurange"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/rangeset"
	"github.com/andreiw/pvp/internal/vmm"
)

// Config selects the guest's endianness, memory size, and the
// firmware/device-tree/console inputs needed to bring it up.
type Config struct {
	RAMSize      pmem.Length
	LittleEndian bool

	LoaderPath string
	FDTPath    string

	ConsoleAddr string
	DebugAddr   string
}

// addresses the loader is placed at, per the guest's endianness, per
// original_source/rom.c:rom_init.
const (
	leLoaderEntry = 0x50000
	leLoaderSkew  = 0x200
	beLoaderEntry = 0x3e0000

	hvcall  = 0x44000022 // "sc 1"
	redZone = 224        // PowerPC SysV ABI red zone, preserved below r1.
)

// CIFTrampoline is the guest real address of the "sc 1" instruction
// the CIF installs; a program exception trapping at CIFTrampoline+4
// is a firmware call returning through it, not a genuine
// privileged-instruction fault.
const CIFTrampoline = 0x4

// Monitor is the fully-wired system: guest state, backing memory, the
// range sets and MMU map, the claim arena, the hypervisor facade, the
// CIF, and the optional TCP consoles.
type Monitor struct {
	G     *guest.Guest
	PMem  *pmem.Memory
	Avail *rangeset.Set
	Reg   *rangeset.Set
	MMU   *mmurange.Map
	Arena *claim.Arena
	VMM   vmm.Facade
	CIF   *cif.CIF

	Console  *console.Console
	Debugger *debugger.Debugger

	log *log.Logger
}

// New loads cfg and returns a ready-to-run Monitor.
func New(cfg Config, logger *log.Logger) (*Monitor, error) {
	if cfg.RAMSize <= 16<<20 {
		return nil, monerr.Wrap(monerr.ErrInvalid, "bootstrap: RAM size must exceed 16 MiB")
	}

	g := guest.New(cfg.LittleEndian)
	mem := pmem.New(cfg.RAMSize, cfg.LittleEndian)

	avail := rangeset.New()
	reg := rangeset.New()

	if err := avail.Add(0, pmem.GRA(uint32(cfg.RAMSize)-1)); err != nil {
		return nil, err
	}

	if err := reg.Add(0, pmem.GRA(uint32(cfg.RAMSize)-1)); err != nil {
		return nil, err
	}

	arena := claim.New(cfg.RAMSize, avail)

	loaderEntry := pmem.GRA(leLoaderEntry)
	loaderBase := loaderEntry - leLoaderSkew

	if !cfg.LittleEndian {
		loaderEntry = beLoaderEntry
		loaderBase = beLoaderEntry
	}

	loaderImage, err := os.ReadFile(cfg.LoaderPath)
	if err != nil {
		return nil, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	if err := mem.To(loaderBase, loaderImage, 1); err != nil {
		return nil, err
	}

	if arena.Claim(loaderBase, pmem.Length(len(loaderImage)), 0) == claim.Sentinel {
		return nil, monerr.Wrap(monerr.ErrNoMem, "bootstrap: could not claim loader image")
	}

	dtBlob, err := os.ReadFile(cfg.FDTPath)
	if err != nil {
		return nil, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	tree, err := fdt.Parse(dtBlob)
	if err != nil {
		return nil, err
	}

	memoryNode := tree.Path("/mem")
	if memoryNode < 0 {
		return nil, monerr.Wrap(monerr.ErrInvalid, "bootstrap: device tree has no /mem node")
	}

	mmuNode := tree.Path("/mmu")
	if mmuNode < 0 {
		return nil, monerr.Wrap(monerr.ErrInvalid, "bootstrap: device tree has no /mmu node")
	}

	conNode := tree.Path("/con")
	if conNode < 0 {
		return nil, monerr.Wrap(monerr.ErrInvalid, "bootstrap: device tree has no /con node")
	}

	mmu := mmurange.New()

	// Backmap case (a)/(c): identity-map all of guest RAM into the MMU
	// range map up front, since the loader and firmware image are
	// addressed directly by their real addresses before any "map"
	// call-method installs a real translation. Without this, the very
	// first instruction fetch after entry has nothing to resolve
	// against and faults forever.
	if err := mmu.Add(0, guest.GEA(uint32(cfg.RAMSize)-1), 0, mmurange.FlagRead|mmurange.FlagWrite|mmurange.FlagExec); err != nil {
		return nil, err
	}

	c := cif.New(mem, tree, avail, reg, arena, mmu, g, logger)
	c.MemoryNode = memoryNode
	c.MMUIhandle = c.IH.Open(ihandle.Phandle(cif.PhandleMunge+mmuNode), nil)
	c.ConIhandle = c.IH.Open(ihandle.Phandle(cif.PhandleMunge+conNode), nil)

	trampolineWord := uint32(hvcall)
	if err := mem.Write32(CIFTrampoline, trampolineWord); err != nil {
		return nil, err
	}

	if arena.Claim(CIFTrampoline, 4, 0) == claim.Sentinel {
		return nil, monerr.Wrap(monerr.ErrNoMem, "bootstrap: could not claim CIF trampoline")
	}

	const oneMiB = 1 << 20

	stackEnd := pmem.GRA(uint32(cfg.RAMSize) - 16<<20)
	stackStart := stackEnd - oneMiB

	if arena.Claim(stackStart, pmem.Length(stackEnd-stackStart), 0) == claim.Sentinel {
		return nil, monerr.Wrap(monerr.ErrNoMem, "bootstrap: could not claim boot stack")
	}

	g.PC = guest.GEA(loaderEntry)
	g.GPR[1] = uint32(stackEnd) - redZone
	g.GPR[5] = CIFTrampoline

	sim := vmm.NewSim(mem)
	if err := sim.Init(vmm.Context0, g); err != nil {
		return nil, err
	}

	if err := sim.Init(vmm.Context1, g); err != nil {
		return nil, err
	}

	sim.SetActive(vmm.Context0)
	g.SetHypervisor(sim)

	m := &Monitor{
		G:     g,
		PMem:  mem,
		Avail: avail,
		Reg:   reg,
		MMU:   mmu,
		Arena: arena,
		VMM:   sim,
		CIF:   c,
		log:   logger,
	}

	if cfg.ConsoleAddr != "" {
		con, err := console.Listen(cfg.ConsoleAddr, logger)
		if err != nil {
			return nil, err
		}

		m.Console = con
		c.Console = con
	}

	if cfg.DebugAddr != "" {
		dbg, err := debugger.Listen(cfg.DebugAddr, m, logger)
		if err != nil {
			return nil, err
		}

		m.Debugger = dbg
	}

	logger.Info("monitor bootstrapped",
		"ram", fmt.Sprintf("%d MiB", uint32(cfg.RAMSize)>>20),
		"entry", fmt.Sprintf("%#x", uint32(loaderEntry)),
		"little_endian", cfg.LittleEndian,
	)

	return m, nil
}

// The following methods satisfy debugger.Target.

// Guest returns the guest's architectural register state.
func (m *Monitor) Guest() *guest.Guest { return m.G }

// Mem returns the guest's backing physical memory.
func (m *Monitor) Mem() *pmem.Memory { return m.PMem }

// Backmap resolves a guest effective address to a guest real address
// through the MMU range map, for the debugger's "gra" command.
func (m *Monitor) Backmap(ea guest.GEA) (pmem.GRA, bool) {
	ra, _, ok := m.MMU.Find(ea)
	if !ok {
		return 0, false
	}

	return pmem.GRA(ra), true
}
