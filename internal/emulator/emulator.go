// Package emulator interprets the privileged PowerPC forms the
// hypervisor facade traps as program exceptions but does not itself
// virtualize: mfspr/mtspr, mfmsr/mtmsr, mfsr/mtsr, rfi, and tlbie.
//
// Grounded on the specification's instruction emulator section, which
// is the sole source for this subsystem — the surviving
// original_source snapshot's guest.c has no emulation logic at all.
package emulator

import (
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/ppc"
	"github.com/andreiw/pvp/internal/vmm"
)

var logger = log.DefaultLogger()

const (
	opMFSPR_MTSPR_GROUP = 31 // X-form, distinguished by XO
	opRFI_GROUP         = 19
	opTLBIE_GROUP       = 31
	opSYNC_GROUP        = 31
)

const (
	xoMFSPR = 339
	xoMTSPR = 467
	xoMFMSR = 83
	xoMTMSR = 146
	xoMFSR  = 595
	xoMTSR  = 210
	xoTLBIE = 306
	xoRFI   = 50
	xoSYNC  = 598
)

// SPR numbers this monitor recognizes via mfspr/mtspr.
const (
	SPRG0 = 272
	SPRG1 = 273
	SPRG2 = 274
	SPRG3 = 275
	SDR1  = 25
	HID0  = 1008
	PVR   = 287
	SRR0  = 26
	SRR1  = 27

	IBAT0U = 528
	IBAT0L = 529
	IBAT1U = 530
	IBAT1L = 531
	IBAT2U = 532
	IBAT2L = 533
	IBAT3U = 534
	IBAT3L = 535

	DBAT0U = 536
	DBAT0L = 537
	DBAT1U = 538
	DBAT1L = 539
	DBAT2U = 540
	DBAT2L = 541
	DBAT3U = 542
	DBAT3L = 543
)

// Emulate decodes and executes one privileged instruction against g,
// returning ErrUnsupported for any form outside the documented
// subset. leftROMMode is true when this instruction was an mtspr SDR1
// that took the guest out of ROM mode; the caller must then unmap
// every shadow mapping before resuming.
//
// v and mem let Emulate peek the instruction word following word in
// the guest's stream, needed for two things: recognizing a known
// locked compiler sequence (word plus its immediate followup skipped
// as one unit) and pairing tlbie with a following sync (spec.md
// §4.6's vmm_unmap_all case). Either may be nil — exercised by tests
// that only cover a single-instruction form — in which case locked
// sequences are never matched and tlbie is never paired with sync:
// with a nil v it only advances the PC, and with a nil mem it unmaps
// the single address.
func Emulate(g *guest.Guest, v vmm.Facade, mem *pmem.Memory, word uint32) (leftROMMode bool, err error) {
	if v != nil && mem != nil {
		if next, ok := peekWord(v, mem, g.PC+4); ok {
			if hops, targetReg, matched := MatchLockedSequence(word, next); matched {
				g.GPR[targetReg] = g.SPRG[0]
				SkipLockedSequence(g, hops)

				return false, nil
			}
		}
	}

	instr := ppc.Instruction(word)

	switch instr.Opcode() {
	case opRFI_GROUP:
		if instr.XO() == xoRFI {
			g.PC = guest.GEA(g.SRR0)
			g.SetMSR(g.SRR1)

			return false, nil
		}

	case opMFSPR_MTSPR_GROUP:
		switch instr.XO() {
		case xoMFSPR:
			val, err := readSPR(g, instr.SPR())
			if err != nil {
				return false, err
			}

			g.GPR[instr.RT()] = val
			g.PC += 4

			return false, nil

		case xoMTSPR:
			left, err := writeSPR(g, instr.SPR(), g.GPR[instr.RT()])
			g.PC += 4

			return left, err

		case xoMFMSR:
			g.GPR[instr.RT()] = g.MSR()
			g.PC += 4

			return false, nil

		case xoMTMSR:
			g.SetMSR(g.GPR[instr.RT()])
			g.PC += 4

			return false, nil

		case xoMFSR:
			g.GPR[instr.RT()] = g.SR[instr.SR()]
			g.PC += 4

			return false, nil

		case xoMTSR:
			g.SR[instr.SR()] = g.GPR[instr.RT()]
			g.PC += 4

			return false, nil

		case xoTLBIE:
			return emulateTLBIE(g, v, mem, instr)
		}
	}

	return false, monerr.Wrap(monerr.ErrUnsupported, "emulator: unrecognized privileged form")
}

// emulateTLBIE implements spec.md §4.6's tlbie semantics: shadow
// mappings are maintained by the monitor, not a hardware TLB, so
// tlbie's job is to drop the monitor's own shadow state. If tlbie is
// immediately followed by sync — the idiom every real invalidation
// sequence uses to guarantee the invalidation is globally visible
// before continuing — every shadow mapping for the active context is
// dropped and the paired sync is retired along with it, since sync
// itself falls outside the hypervisor facade's directly-executable
// subset and would otherwise re-trap on the very next fetch. Without a
// following sync, only the single page named by RB is unmapped.
func emulateTLBIE(g *guest.Guest, v vmm.Facade, mem *pmem.Memory, instr ppc.Instruction) (bool, error) {
	ea := guest.GEA(g.GPR[instr.RB()])
	g.PC += 4

	if v == nil {
		return false, nil
	}

	if next, ok := peekWord(v, mem, g.PC); ok && isSync(next) {
		v.UnmapAll()
		g.PC += 4

		return false, nil
	}

	v.Unmap(ea)

	return false, nil
}

// isSync reports whether word is the sync instruction (opcode 31, XO
// 598), the form xoTLBIE is conventionally paired with.
func isSync(word uint32) bool {
	instr := ppc.Instruction(word)
	return instr.Opcode() == opSYNC_GROUP && instr.XO() == xoSYNC
}

// peekWord fetches the instruction word at ea through the active
// hypervisor context's shadow map, without altering guest state or
// retiring anything. It reports ok=false if ea isn't currently
// shadow-mapped, which Emulate's callers treat as "nothing to pair
// with" rather than a fault: peeking ahead must never itself cause a
// page fault exit.
func peekWord(v vmm.Facade, mem *pmem.Memory, ea guest.GEA) (uint32, bool) {
	if v == nil || mem == nil {
		return 0, false
	}

	ha, ok := v.Backmap(ea)
	if !ok {
		return 0, false
	}

	word, err := mem.Read32(pmem.GRA(ha))
	if err != nil {
		return 0, false
	}

	return word, true
}

func readSPR(g *guest.Guest, spr uint32) (uint32, error) {
	switch spr {
	case SPRG0:
		return g.SPRG[0], nil
	case SPRG1:
		return g.SPRG[1], nil
	case SPRG2:
		return g.SPRG[2], nil
	case SPRG3:
		return g.SPRG[3], nil
	case SDR1:
		return g.SDR1, nil
	case HID0:
		return g.HID0, nil
	case PVR:
		return g.PVR, nil
	case SRR0:
		return g.SRR0, nil
	case SRR1:
		return g.SRR1, nil
	case IBAT0U, IBAT1U, IBAT2U, IBAT3U:
		return g.UBAT[ibatIndex(spr)].Upper, nil
	case IBAT0L, IBAT1L, IBAT2L, IBAT3L:
		return g.UBAT[ibatIndex(spr)].Lower, nil
	case DBAT0U, DBAT1U, DBAT2U, DBAT3U, DBAT0L, DBAT1L, DBAT2L, DBAT3L:
		// The 601 folds I-BAT and D-BAT into one UBAT array; reads of
		// the DBAT aliases this monitor does not separately track
		// report zero rather than the UBAT value, since firmware that
		// reads them back is checking for an unmapped entry.
		return 0, nil
	default:
		return 0, monerr.Wrap(monerr.ErrUnsupported, "emulator: unknown spr")
	}
}

func writeSPR(g *guest.Guest, spr, val uint32) (leftROMMode bool, err error) {
	switch spr {
	case SPRG0:
		g.SPRG[0] = val
	case SPRG1:
		g.SPRG[1] = val
	case SPRG2:
		g.SPRG[2] = val
	case SPRG3:
		g.SPRG[3] = val
	case SDR1:
		return g.SetSDR1(val), nil
	case HID0:
		g.HID0 = val
	case PVR:
		// PVR is read-only; a write is accepted and ignored rather than
		// rejected, matching real hardware's treatment of a read-only
		// SPR write under supervisor mode.
	case SRR0:
		g.SRR0 = val
	case SRR1:
		g.SRR1 = val
	case IBAT0U, IBAT1U, IBAT2U, IBAT3U:
		g.UBAT[ibatIndex(spr)].Upper = val
	case IBAT0L, IBAT1L, IBAT2L, IBAT3L:
		g.UBAT[ibatIndex(spr)].Lower = val
	case DBAT0U, DBAT1U, DBAT2U, DBAT3U, DBAT0L, DBAT1L, DBAT2L, DBAT3L:
		logger.Warn("emulator: mtspr to DBAT alias not backed by this monitor's folded UBAT array", "spr", spr)
	default:
		return false, monerr.Wrap(monerr.ErrUnsupported, "emulator: unknown spr")
	}

	return false, nil
}

// ibatIndex maps an IBAT SPR number to its UBAT array index.
func ibatIndex(spr uint32) int {
	switch spr {
	case IBAT0U, IBAT0L:
		return 0
	case IBAT1U, IBAT1L:
		return 1
	case IBAT2U, IBAT2L:
		return 2
	case IBAT3U, IBAT3L:
		return 3
	default:
		return 0
	}
}
