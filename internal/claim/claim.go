// Package claim implements the CIF claim arena: a monotone bump
// allocator carved from the top 16 MiB of guest RAM, used to satisfy
// "anywhere" claims (align != 0) and to record "fixed" claims
// (align == 0) against the available-memory range set.
//
// Grounded on the original monitor's rom.c:rom_claim_ex.
package claim

import (
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/rangeset"
)

// Sentinel is the -1 result rom_claim_ex returns on overflow or an
// invalid fixed request, preserved here as the documented sentinel
// rather than translated into a Go error, since callers (the CIF)
// must write this exact value back into the guest's result cell.
const Sentinel = -1

// Arena is the claim arena.
type Arena struct {
	start, ptr, end pmem.GRA
	avail           *rangeset.Set
}

// New creates a claim arena spanning the top 16 MiB of a ramSize-byte
// guest, tracking removals against avail (the memory/available
// property's backing range set).
func New(ramSize pmem.Length, avail *rangeset.Set) *Arena {
	const sixteenMiB = 16 << 20

	start := pmem.GRA(uint32(ramSize) - sixteenMiB)

	return &Arena{
		start: start,
		ptr:   start,
		end:   pmem.GRA(ramSize),
		avail: avail,
	}
}

// Claim performs one CIF "claim": if align is non-zero, it bumps the
// arena cursor (rounded to align) by size and returns the old cursor;
// if align is zero, it validates that [addr, addr+size) fits within
// guest RAM and returns addr unchanged. Either way, the page-rounded
// span is removed from the available range set. Sentinel is returned
// on overflow or an invalid fixed request.
//
// A fixed claim is not checked against earlier claims: a range that
// overlaps memory already claimed is accepted, which departs from
// IEEE-1275's claim semantics.
func (a *Arena) Claim(addr pmem.GRA, size pmem.Length, align uint32) int64 {
	var out pmem.GRA

	if align != 0 {
		cursor := uint32(a.ptr)
		if rem := cursor % align; rem != 0 {
			cursor += align - rem
		}

		if pmem.GRA(cursor) >= a.end || uint64(cursor)+uint64(size) > uint64(a.end) {
			return Sentinel
		}

		out = pmem.GRA(cursor)
		a.ptr = pmem.GRA(uint64(cursor) + uint64(size))
	} else {
		if uint64(addr)+uint64(size) > uint64(a.end) {
			return Sentinel
		}

		out = addr
	}

	lo := uint32(out) &^ (pmem.PageSize - 1)
	hi := (uint32(out) + uint32(size) + pmem.PageSize - 1) &^ (pmem.PageSize - 1)

	if hi > lo {
		_ = a.avail.Remove(pmem.GRA(lo), pmem.GRA(hi-1))
	}

	return int64(out)
}
