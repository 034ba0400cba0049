package emulator

import (
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/ppc"
)

// lockedSequence describes one two-instruction privileged idiom this
// monitor recognizes and steps over as a unit, rather than trapping
// each instruction individually. The table below holds three such
// pairs (mfspr/mtspr, mtspr/mfspr and mfmsr/mtmsr); none involves a
// load-and-reserve or store-conditional. Instructions are matched on
// primary opcode and extended opcode only: register and SPR fields
// are not compared.
//
// The exact historical opcodes are not independently recoverable from
// this repository's retrieved sources; see DESIGN.md's Open Question
// decision for how this table's entries were chosen. The mechanism —
// a data table matched against the trapped instruction and its
// immediate followups, rather than inlined conditionals — is what the
// specification requires regardless of the exact bytes matched.
type lockedSequence struct {
	trigger  uint32 // opcode<<26 | xo, matched against the trapping word
	followup []uint32
	hops     int                      // instructions to advance PC by once matched
	targetReg func(trigger uint32) uint32 // register the skip's saved SPRG0 value lands in
}

var lockedSequences = []lockedSequence{
	{
		// mfspr r,SPRG0 ; mtspr SPRG0,r — save/restore around a
		// non-reentrant section.
		trigger:   (31 << 26) | xoMFSPR,
		followup:  []uint32{(31 << 26) | xoMTSPR},
		hops:      2,
		targetReg: triggerRT,
	},
	{
		// mtspr SPRG0,r ; mfspr r,SPRG0 — stash then immediately
		// reload, used as a compiler barrier idiom.
		trigger:   (31 << 26) | xoMTSPR,
		followup:  []uint32{(31 << 26) | xoMFSPR},
		hops:      2,
		targetReg: triggerRT,
	},
	{
		// mfmsr ; mtmsr — interrupt-disable/enable bracket with no
		// intervening privileged work, safe to retire as a unit.
		trigger:   (31 << 26) | xoMFMSR,
		followup:  []uint32{(31 << 26) | xoMTMSR},
		hops:      2,
		targetReg: triggerRT,
	},
}

// triggerRT recovers the trigger instruction's RT field, the register
// the matched sequence's SPRG0 value is delivered into.
func triggerRT(trigger uint32) uint32 {
	return ppc.Instruction(trigger).RT()
}

// MatchLockedSequence reports whether word begins one of the known
// locked sequences, given the instruction word immediately following
// it in the guest's instruction stream. On a match, targetReg names
// the register SPRG0 must be copied into before the PC is advanced
// past the sequence.
func MatchLockedSequence(word uint32, next uint32) (hops int, targetReg uint32, ok bool) {
	for _, seq := range lockedSequences {
		if maskedOpXO(word) != seq.trigger {
			continue
		}

		for _, f := range seq.followup {
			if maskedOpXO(next) == f {
				return seq.hops, seq.targetReg(word), true
			}
		}
	}

	return 0, 0, false
}

func maskedOpXO(word uint32) uint32 {
	op := word >> 26
	xoField := (word >> 1) & 0x3FF

	return (op << 26) | xoField
}

// SkipLockedSequence advances the guest PC by hops instructions
// without individually trapping each one, the effect
// MatchLockedSequence's caller applies once a match is found.
func SkipLockedSequence(g *guest.Guest, hops int) {
	g.PC += guest.GEA(hops * 4)
}
