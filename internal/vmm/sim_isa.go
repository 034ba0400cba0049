package vmm

import (
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/ppc"
)

// The handful of opcodes Sim's Execute can retire directly, without
// handing control back to the monitor. Everything else exits as a
// program exception, which is the correct behavior for any
// instruction outside this subset: privileged forms need the
// emulator, and anything genuinely undecodable needs the debugger.
const (
	opADDI = 14
	opB    = 18
	opLWZ  = 32
	opSTW  = 36
)

func isSimpleForm(word uint32) bool {
	switch ppc.Instruction(word).Opcode() {
	case opADDI, opB, opLWZ, opSTW:
		return true
	default:
		return false
	}
}

// executeSimple retires one instruction from the simple subset,
// translating any data address through the active context's shadow
// map exactly as instruction fetch is. A data shadow-map miss is
// reported as a page fault exit, same as an instruction fetch miss.
func (s *Sim) executeSimple(c *context, word uint32) (Exit, error) {
	g := c.guest
	instr := ppc.Instruction(word)

	switch instr.Opcode() {
	case opADDI:
		ra := instr.RA()

		var base int32
		if ra != 0 {
			base = int32(g.GPR[ra])
		}

		g.GPR[instr.RT()] = uint32(base + instr.SI())
		g.PC += 4

	case opB:
		li := int32(word&0x03FFFFFC) << 6 >> 6 // sign-extend 24-bit word-aligned LI
		g.PC = guest.GEA(int32(g.PC) + li)

	case opLWZ, opSTW:
		ra := instr.RA()

		var base int32
		if ra != 0 {
			base = int32(g.GPR[ra])
		}

		ea := guest.GEA(base + instr.SI())

		ha, mapped := s.backmapIn(c, ea)
		if !mapped {
			return Exit{Reason: ExitPageFault, FaultEA: ea, FaultWrite: instr.Opcode() == opSTW}, nil
		}

		if instr.Opcode() == opLWZ {
			v, err := s.mem.Read32(pmem.GRA(ha))
			if err != nil {
				return Exit{}, err
			}

			g.GPR[instr.RT()] = v
		} else {
			if err := s.mem.Write32(pmem.GRA(ha), g.GPR[instr.RT()]); err != nil {
				return Exit{}, err
			}
		}

		g.PC += 4
	}

	return Exit{Reason: ExitNone}, nil
}

func (s *Sim) backmapIn(c *context, ea guest.GEA) (pmem.HA, bool) {
	page := ea &^ (pmem.PageSize - 1)

	ha, ok := c.shadow[page]
	if !ok {
		return 0, false
	}

	return ha + pmem.HA(ea&(pmem.PageSize-1)), true
}
