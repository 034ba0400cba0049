// Package vmm defines the Hypervisor Facade: the narrow interface
// through which the monitor starts, runs, and inspects the guest's
// execution contexts, and Sim, its sole backend.
//
// The real facility this abstracts (original_source/vmm.c) is a
// macOS-specific Mach kernel call (vmm_dispatch, kVmmInitContext,
// kVmmExecuteVM) with no portable equivalent and no Go library
// anywhere in the example corpus; Sim is a deterministic,
// single-threaded software model standing in for it, exercising the
// same call shape the rest of the monitor is written against.
package vmm

import (
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
)

// ExitReason explains why Execute returned control to the monitor.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitPageFault
	ExitProgramException
	ExitSystemCall
)

func (r ExitReason) String() string {
	switch r {
	case ExitPageFault:
		return "page-fault"
	case ExitProgramException:
		return "program-exception"
	case ExitSystemCall:
		return "system-call"
	default:
		return "none"
	}
}

// Exit carries the result of one Execute call.
type Exit struct {
	Reason ExitReason

	// FaultEA/FaultWrite are set on ExitPageFault.
	FaultEA    guest.GEA
	FaultWrite bool

	// Instr is the raw instruction word that caused
	// ExitProgramException, already fetched so the emulator does not
	// need to re-translate and re-read guest memory for it.
	Instr uint32
}

// ContextID selects one of the facility's two double-buffered
// execution contexts (see the specification's note on keeping an
// explicit active-context pointer rather than a single ambient one).
type ContextID int

const (
	Context0 ContextID = iota
	Context1
)

// Facade is the Hypervisor Facade.
type Facade interface {
	// Init creates a context, seeded from g.
	Init(ctx ContextID, g *guest.Guest) error

	// SetActive selects which context Execute/Map/Backmap apply to.
	SetActive(ctx ContextID)

	// Active returns the currently selected context.
	Active() ContextID

	// Execute runs the active context's guest and reports why control
	// came back. Sim returns after each instruction, with ExitNone when
	// that instruction retired normally.
	Execute() (Exit, error)

	// Map installs a shadow mapping from a guest effective address to
	// a host address, for the active context, at page granularity.
	Map(ea guest.GEA, ha pmem.HA) error

	// UnmapAll removes every shadow mapping for the active context.
	// Used when the guest transitions out of ROM mode.
	UnmapAll()

	// Unmap removes the shadow mapping for the single page containing
	// ea, for the active context. Used by tlbie when it is not paired
	// with a following sync.
	Unmap(ea guest.GEA)

	// Backmap returns the host address currently shadow-mapped for
	// ea in the active context, if any.
	Backmap(ea guest.GEA) (pmem.HA, bool)
}

var _ Facade = (*Sim)(nil)
var _ guest.Hypervisor = (*Sim)(nil)

type context struct {
	guest  *guest.Guest
	shadow map[guest.GEA]pmem.HA
}

// Sim is the software-simulated Hypervisor Facade backend.
type Sim struct {
	mem      *pmem.Memory
	contexts [2]*context
	active   ContextID
}

// NewSim creates a simulated facade backed by mem.
func NewSim(mem *pmem.Memory) *Sim {
	return &Sim{mem: mem}
}

func (s *Sim) Init(ctx ContextID, g *guest.Guest) error {
	s.contexts[ctx] = &context{guest: g, shadow: make(map[guest.GEA]pmem.HA)}
	return nil
}

func (s *Sim) SetActive(ctx ContextID) { s.active = ctx }

func (s *Sim) Active() ContextID { return s.active }

func (s *Sim) cur() *context {
	c := s.contexts[s.active]
	if c == nil {
		panic("vmm: context not initialized")
	}

	return c
}

func (s *Sim) Map(ea guest.GEA, ha pmem.HA) error {
	page := ea &^ (pmem.PageSize - 1)
	s.cur().shadow[page] = ha

	return nil
}

func (s *Sim) UnmapAll() {
	s.cur().shadow = make(map[guest.GEA]pmem.HA)
}

func (s *Sim) Unmap(ea guest.GEA) {
	page := ea &^ (pmem.PageSize - 1)
	delete(s.cur().shadow, page)
}

// SwitchContext satisfies guest.Hypervisor: selects whichever
// double-buffered context corresponds to the guest's new MMU-enable
// state. Both contexts are Init'd against the same *guest.Guest (there
// is exactly one PowerPC register file; only which shadow map is
// active changes), so no register-state copy between contexts is
// needed here.
func (s *Sim) SwitchContext(mmuOn bool) {
	if mmuOn {
		s.SetActive(Context1)
	} else {
		s.SetActive(Context0)
	}
}

func (s *Sim) Backmap(ea guest.GEA) (pmem.HA, bool) {
	page := ea &^ (pmem.PageSize - 1)

	ha, ok := s.cur().shadow[page]
	if !ok {
		return 0, false
	}

	return ha + pmem.HA(ea&(pmem.PageSize-1)), true
}

// Execute fetches one guest instruction from the active context and
// either retires it, for the small subset of forms it can safely
// interpret (arithmetic, branches, ordinary loads/stores), returning
// ExitNone, or reports why it could not: a fetch or data access that
// misses the shadow map (a page fault exit), a privileged or otherwise
// undecodable form (a program-exception exit, routed by the caller to
// the instruction emulator or the CIF trampoline check), or a system
// call (sc, an unconditional exit to the CIF).
//
// This is deliberately not a general PowerPC interpreter: its job is
// only to exercise the monitor's exit-handling paths the way the real
// hypervisor facility's hardware-assisted dispatch would.
func (s *Sim) Execute() (Exit, error) {
	c := s.cur()
	pc := c.guest.PC

	page := pc &^ (pmem.PageSize - 1)

	ha, ok := c.shadow[page]
	if !ok {
		return Exit{Reason: ExitPageFault, FaultEA: pc}, nil
	}

	off := uint32(ha) + uint32(pc&(pmem.PageSize-1))

	word, err := s.mem.Read32(pmem.GRA(off))
	if err != nil {
		return Exit{}, monerr.Wrap(monerr.ErrBadAccess, "vmm.Execute: instruction fetch")
	}

	if word == scInstruction {
		c.guest.PC += 4
		return Exit{Reason: ExitSystemCall}, nil
	}

	if isSimpleForm(word) {
		return s.executeSimple(c, word)
	}

	return Exit{Reason: ExitProgramException, Instr: word}, nil
}

// scInstruction is "sc 1", the CIF's hypervisor-call trampoline
// instruction, per the specification's external interfaces section.
const scInstruction uint32 = 0x44000022
