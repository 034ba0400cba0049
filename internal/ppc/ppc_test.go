package ppc

import "testing"

func TestBit(t *testing.T) {
	if Bit(0) != 0x80000000 {
		t.Errorf("Bit(0): want %#x, got %#x", 0x80000000, Bit(0))
	}

	if Bit(31) != 1 {
		t.Errorf("Bit(31): want 1, got %#x", Bit(31))
	}
}

func TestInstructionOpcode(t *testing.T) {
	// addi r0,0,0 -> opcode 14.
	instr := Instruction(14 << 26)

	if instr.Opcode() != 14 {
		t.Errorf("Opcode(): want 14, got %d", instr.Opcode())
	}
}

func TestInstructionFields(t *testing.T) {
	// RT=3, RA=5, RB=7 packed into an X-form word.
	word := uint32(31<<26) | (3 << 21) | (5 << 16) | (7 << 11)
	instr := Instruction(word)

	if instr.RT() != 3 {
		t.Errorf("RT(): want 3, got %d", instr.RT())
	}

	if instr.RA() != 5 {
		t.Errorf("RA(): want 5, got %d", instr.RA())
	}

	if instr.RB() != 7 {
		t.Errorf("RB(): want 7, got %d", instr.RB())
	}
}

func TestInstructionSPR(t *testing.T) {
	// mfspr r1, SPRG0 (272): spr field split lo/hi across RA/RB positions.
	const sprg0 = 272

	lo := sprg0 & 0x1F
	hi := (sprg0 >> 5) & 0x1F

	word := uint32(31<<26) | (1 << 21) | (uint32(lo) << 16) | (uint32(hi) << 11) | (339 << 1)
	instr := Instruction(word)

	if instr.SPR() != sprg0 {
		t.Errorf("SPR(): want %d, got %d", sprg0, instr.SPR())
	}
}

func TestInstructionSI(t *testing.T) {
	instr := Instruction(0xFFFF) // -1 as a 16-bit field

	if instr.SI() != -1 {
		t.Errorf("SI(): want -1, got %d", instr.SI())
	}

	instr = Instruction(0x0010)

	if instr.SI() != 16 {
		t.Errorf("SI(): want 16, got %d", instr.SI())
	}
}

func TestInstructionRc(t *testing.T) {
	if !Instruction(1).Rc() {
		t.Errorf("Rc() of a word with bit 31 set: want true, got false")
	}

	if Instruction(0).Rc() {
		t.Errorf("Rc() of a word with bit 31 clear: want false, got true")
	}
}

func TestSRIndex(t *testing.T) {
	if SRIndex(0xA0000000) != 0xA {
		t.Errorf("SRIndex(0xA0000000): want 0xA, got %#x", SRIndex(0xA0000000))
	}
}
