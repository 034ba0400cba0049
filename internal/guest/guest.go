// Package guest holds the PowerPC 601 guest's architectural state:
// general and special-purpose registers, the MSR shadow/forced split,
// segment registers, and the single folded UBAT array the 601 uses in
// place of separate I-BAT/D-BAT arrays.
//
// Grounded on the original monitor's guest.c/include/guest.h for the
// register set and reset values, generalized per the specification's
// authoritative MSR-shadow model (the surviving guest.c has no such
// split; it keeps a single ppcMSR) and its single UBAT[8] array (the
// original's separate ibat/dbat arrays do not apply to a 601 target,
// which folds the two).
package guest

import (
	"fmt"

	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/ppc"
)

// GEA is a guest effective address: the address space the CPU issues
// loads, stores, and instruction fetches in, before MMU translation.
type GEA uint32

func (a GEA) String() string { return fmt.Sprintf("gea:%#08x", uint32(a)) }

// BAT is one block-address-translation register pair (upper+lower),
// folded for the 601's single array of 8.
type BAT struct {
	Upper uint32
	Lower uint32
}

// Hypervisor is the slice of the Hypervisor Facade the guest core
// itself needs: switching which double-buffered execution context is
// active when the guest's MMU-enable state changes. Declared here,
// rather than imported from internal/vmm, because vmm already imports
// guest for *Guest itself — vmm.Sim satisfies this interface and is
// wired in by internal/bootstrap.
type Hypervisor interface {
	SwitchContext(mmuOn bool)
}

// Backmapper resolves a guest effective address to a guest real
// address: backmap's cheap cases (a) (MMU disabled, ea already a valid
// real address) and (c) (a registered MMU range map entry), available
// without consulting the hypervisor facade's shadow map. Declared here
// for the same reason as Hypervisor: internal/mmurange imports guest,
// so guest cannot name mmurange.Map directly.
type Backmapper interface {
	Backmap(ea GEA) (pmem.GRA, bool)
}

// Guest is the PowerPC 601 architectural register file.
type Guest struct {
	// General purpose and condition/link/count registers.
	GPR [32]uint32
	PC  GEA
	LR  uint32
	CTR uint32
	CR  uint32
	XER uint32

	// msrShadow is the guest-visible MSR: what mfmsr returns and what
	// privileged-instruction checks are evaluated against. msrForced
	// carries bits the monitor itself requires set at all times
	// (IR/DR, so every guest access routes through the MMU range map)
	// regardless of what the guest last wrote; the two are merged on
	// read by the monitor-facing Effective method, but mfmsr in the
	// emulator returns msrShadow unmodified, since the guest must see
	// its own idea of the bits it controls.
	msrShadow uint32
	msrForced uint32

	SDR1 uint32
	SRR0 uint32
	SRR1 uint32

	SR   [ppc.SRCount]uint32
	UBAT [8]BAT
	SPRG [4]uint32
	HID0 uint32
	PVR  uint32

	LittleEndian bool

	// hv is notified whenever SetMSR toggles the effective MMU-enable
	// state (IR/DR together, asserted equal), so the active hypervisor
	// context tracks which of the guest's two address-space views
	// (real-mode/ROM or translated) is live. Nil until
	// SetHypervisor is called; bootstrap wires it once both the guest
	// and the hypervisor facade exist.
	hv Hypervisor
}

// New creates a guest core reset to the state rom_init leaves it in:
// PVR identifying a 601, one-to-one-by-index segment register VSIDs,
// and (for a little-endian guest) MSR[LE] set.
func New(littleEndian bool) *Guest {
	g := &Guest{
		PVR:          ppc.PVR,
		SDR1:         ppc.SDR1MagicROMMode,
		msrForced:    ppc.MSR_IR | ppc.MSR_DR,
		LittleEndian: littleEndian,
	}

	for i := range g.SR {
		g.SR[i] = uint32(i) << ppc.SRVsidShift
	}

	if littleEndian {
		g.msrShadow |= ppc.MSR_LE
	}

	return g
}

// SetHypervisor wires the hypervisor facade SetMSR notifies on an
// MMU-enable toggle.
func (g *Guest) SetHypervisor(hv Hypervisor) { g.hv = hv }

// MSR returns the guest-visible MSR value (what mfmsr returns).
func (g *Guest) MSR() uint32 { return g.msrShadow }

// SetMSR installs a new guest-visible MSR value, as mtmsr and rfi do.
// Per spec.md §4.4's effective-MSR maintenance contract: IR and DR
// must always agree (this monitor has no use for instruction/data
// translation disagreeing, and the 601 guest never legitimately does
// this), and if the merged IR/DR state this write produces differs
// from before, the active hypervisor context is switched to the one
// backing that state. It does not touch msrForced: the monitor's
// required bits are applied separately by Effective, so a guest that
// turns off IR/DR in its own view still has every access routed
// through the MMU range map.
func (g *Guest) SetMSR(v uint32) {
	ir := v&ppc.MSR_IR != 0
	dr := v&ppc.MSR_DR != 0
	monerr.Assert(ir == dr, "guest: MSR[IR] and MSR[DR] must agree")

	if g.hv != nil {
		was := g.msrShadow&ppc.MSR_IR != 0
		if was != ir {
			g.hv.SwitchContext(ir)
		}
	}

	g.msrShadow = v
}

// Effective returns the MSR value address-translation logic should
// actually honor: the guest's shadow merged with the bits the monitor
// forces on.
func (g *Guest) Effective() uint32 { return g.msrShadow | g.msrForced }

// ROMMode reports whether SDR1 still holds the sentinel the guest core
// is reset with, meaning no hashed page table has been installed and
// the guest is presumed to be running straight out of the firmware
// image with hypervisor-assisted addressing only.
func (g *Guest) ROMMode() bool { return g.SDR1 == ppc.SDR1MagicROMMode }

// SegmentRegister returns the segment register selected by ea's top 4
// bits.
func (g *Guest) SegmentRegister(ea GEA) uint32 {
	return g.SR[ppc.SRIndex(uint32(ea))]
}

// SetSDR1 installs a new SDR1 value and reports whether the guest is
// thereby leaving ROM mode. Callers (the emulator's mtspr handler) use
// this to trigger an unmap-all of the hypervisor facade's shadow
// mappings: once a
// guest installs a hashed page table, none of the monitor's prior
// identity or firmware-era mappings are still valid translations.
func (g *Guest) SetSDR1(v uint32) (leftROMMode bool) {
	leftROMMode = g.ROMMode() && v != ppc.SDR1MagicROMMode
	g.SDR1 = v

	return leftROMMode
}

// GuestTo copies src into the guest's physical memory at the guest
// effective address gea, resolving it through bm one page at a time
// (a transfer may span more than one MMU range map entry) and
// delegating each page's worth to pmem.Memory.To with the caller's
// access size, so bulk transfers apply the same K-byte lane swizzle a
// single register access of that size would.
func GuestTo(mem *pmem.Memory, bm Backmapper, gea GEA, src []byte, accessSize uint32) error {
	off := uint32(0)
	total := uint32(len(src))

	for off < total {
		cur := gea + GEA(off)

		ra, ok := bm.Backmap(cur)
		if !ok {
			return monerr.Wrap(monerr.ErrBadAccess, fmt.Sprintf("guest.GuestTo: unmapped %s", cur))
		}

		n := pageRemainder(cur, total-off)
		if err := mem.To(ra, src[off:off+n], accessSize); err != nil {
			return err
		}

		off += n
	}

	return nil
}

// GuestFrom copies len(dst) bytes from the guest effective address gea
// into dst, through the same page-by-page backmap resolution as
// GuestTo. If nulTerm is set, the copy stops at the first zero byte
// found in the source; n reports how many bytes were actually copied
// before that point (or len(dst), if nulTerm is false or no zero byte
// was found).
func GuestFrom(mem *pmem.Memory, bm Backmapper, gea GEA, dst []byte, accessSize uint32, nulTerm bool) (n int, err error) {
	off := uint32(0)
	total := uint32(len(dst))

	for off < total {
		cur := gea + GEA(off)

		ra, ok := bm.Backmap(cur)
		if !ok {
			return int(off), monerr.Wrap(monerr.ErrBadAccess, fmt.Sprintf("guest.GuestFrom: unmapped %s", cur))
		}

		chunk := pageRemainder(cur, total-off)
		if err := mem.From(ra, dst[off:off+chunk], accessSize); err != nil {
			return int(off), err
		}

		if nulTerm {
			for i := uint32(0); i < chunk; i++ {
				if dst[off+i] == 0 {
					return int(off + i), nil
				}
			}
		}

		off += chunk
	}

	return int(off), nil
}

// pageRemainder returns how many of the remaining bytes starting at ea
// fall within ea's containing page, so a multi-page transfer resolves
// a fresh backmap translation at each page boundary.
func pageRemainder(ea GEA, remaining uint32) uint32 {
	toBoundary := uint32(pmem.PageSize) - uint32(ea)%pmem.PageSize

	if toBoundary < remaining {
		return toBoundary
	}

	return remaining
}
