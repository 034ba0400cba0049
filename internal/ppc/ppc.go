// Package ppc defines PowerPC 601 register layouts and instruction
// field decoding shared by the guest core and the instruction
// emulator.
//
// Bit numbering follows IBM/PowerPC convention: bit 0 is the most
// significant bit of a 32-bit word. Bit(n) and the decode helpers
// below use explicit shifts and masks, never Go struct fields, since
// Go has no compiler bitfields — this mirrors how the teacher's own
// instruction decoder (a from-scratch LC-3 CPU) pulls fields out of a
// machine word by hand rather than overlaying a struct on it.
package ppc

// Bit returns a 32-bit mask with only IBM-numbered bit n set.
func Bit(n uint) uint32 { return 1 << (31 - n) }

// MSR bits relevant to this monitor.
const (
	MSR_SE uint32 = 1 << (31 - 21) // Single step
	MSR_IR uint32 = 1 << (31 - 26) // Instruction relocate
	MSR_DR uint32 = 1 << (31 - 27) // Data relocate
	MSR_LE uint32 = 1 << (31 - 31) // Little endian
)

// DSISR bits set on a data storage interrupt.
const (
	DSISR_NOT_PRESENT uint32 = 1 << (31 - 1)
	DSISR_BAD_PERM    uint32 = 1 << (31 - 4)
	DSISR_STORE       uint32 = 1 << (31 - 6)
)

// Segment register layout (32-bit SR, not the 601's extended form).
const (
	SRCount     = 16
	SR_T        uint32 = 1 << 31
	SR_KP       uint32 = 1 << 30
	SR_KS       uint32 = 1 << 29
	SRVsidMask  uint32 = 0xFFFFFF
	SRVsidShift        = 0
)

// SRIndex returns the segment register selected by an effective
// address's top 4 bits.
func SRIndex(ea uint32) uint32 { return ea >> 28 }

// Instruction is a raw 32-bit PowerPC instruction word. Its decode
// methods pull out the fields of whichever form is relevant; callers
// know which form applies from the major opcode.
type Instruction uint32

// Opcode returns the 6-bit primary opcode (bits 0-5).
func (i Instruction) Opcode() uint32 { return uint32(i) >> 26 }

// XO returns the extended opcode for X-form and XO-form instructions
// (bits 21-30).
func (i Instruction) XO() uint32 { return (uint32(i) >> 1) & 0x3FF }

// RT returns the target/source register field (bits 6-10).
func (i Instruction) RT() uint32 { return (uint32(i) >> 21) & 0x1F }

// RA returns the RA field (bits 11-15).
func (i Instruction) RA() uint32 { return (uint32(i) >> 16) & 0x1F }

// RB returns the RB field (bits 16-20).
func (i Instruction) RB() uint32 { return (uint32(i) >> 11) & 0x1F }

// SPR returns the combined spr field of mfspr/mtspr (bits 11-20,
// stored split and swapped: low 5 bits then high 5 bits).
func (i Instruction) SPR() uint32 {
	lo := (uint32(i) >> 16) & 0x1F
	hi := (uint32(i) >> 11) & 0x1F

	return (hi << 5) | lo
}

// SR selects the segment register field of mfsr/mtsr (bits 12-15).
func (i Instruction) SR() uint32 { return (uint32(i) >> 16) & 0xF }

// SI returns the 16-bit signed immediate, sign extended.
func (i Instruction) SI() int32 { return int32(int16(uint16(i))) }

// Rc reports whether the record bit is set.
func (i Instruction) Rc() bool { return uint32(i)&1 != 0 }

// PVR is the processor version register value this monitor reports:
// a PowerPC 601.
const PVR uint32 = 0x00010001

// SDR1MagicROMMode is the sentinel SDR1 value the guest core uses to
// mean "address translation disabled, running out of ROM": no real
// hashed page table backs it.
const SDR1MagicROMMode uint32 = 0xFFFFFFFF
