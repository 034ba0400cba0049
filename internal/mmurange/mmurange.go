// Package mmurange maps guest effective addresses to guest real
// addresses: the MMU Range Map the CIF's "map" call-method and the
// page fault handler both consult. Entries cover the inclusive byte
// range they were added with; nothing here rounds them to pages.
//
// Grounded on the original monitor's mmu_ranges.c: re-adding a range
// with an identical translation is idempotent, but any partial
// overlap with a different translation is rejected. Backed by
// github.com/google/btree, ordered by EA base.
package mmurange

import (
	"fmt"

	"github.com/google/btree"

	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/monerr"
)

// Flags records the access permissions and attributes a mapping was
// installed with.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
)

// Entry is one EA range mapped to a contiguous RA range with flags.
type Entry struct {
	Base  guest.GEA
	Limit guest.GEA
	RA    guest.GEA // guest real address corresponding to Base
	Flags Flags
}

func (e Entry) less(o Entry) bool { return e.Base < o.Base }

// Map is the MMU Range Map.
type Map struct {
	tree *btree.BTreeG[Entry]
}

// New creates an empty MMU range map.
func New() *Map {
	return &Map{tree: btree.NewG(32, Entry.less)}
}

// Add installs a mapping for [base, limit] -> ra with the given flags.
// Re-adding an already-present, identically-translated range is a
// no-op success; any partial overlap with an incompatible mapping is
// an error.
func (m *Map) Add(base, limit guest.GEA, ra guest.GEA, flags Flags) error {
	if base >= limit {
		return monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("mmurange.Add: base %#x >= limit %#x", base, limit))
	}

	var conflict error

	m.tree.Ascend(func(e Entry) bool {
		if base >= e.Base && limit <= e.Limit {
			offset := base - e.Base
			if e.RA+offset != ra || e.Flags != flags {
				conflict = monerr.Wrap(monerr.ErrInvalid, "mmurange.Add: incompatible re-add")
				return false
			}
			// Identical sub-range re-add: nothing to do.
			conflict = errAlreadyPresent

			return false
		}

		if e.Limit >= base && e.Base <= limit {
			conflict = monerr.Wrap(monerr.ErrInvalid, "mmurange.Add: overlapping incompatible range")
			return false
		}

		return true
	})

	if conflict == errAlreadyPresent {
		return nil
	}

	if conflict != nil {
		return conflict
	}

	m.tree.ReplaceOrInsert(Entry{Base: base, Limit: limit, RA: ra, Flags: flags})

	return nil
}

var errAlreadyPresent = monerr.Wrap(monerr.ErrInvalid, "already present")

// Find returns the entry covering ea, translating it to the
// corresponding guest real address, if mapped.
func (m *Map) Find(ea guest.GEA) (ra guest.GEA, flags Flags, ok bool) {
	m.tree.Ascend(func(e Entry) bool {
		if ea >= e.Base && ea <= e.Limit {
			ra = e.RA + (ea - e.Base)
			flags = e.Flags
			ok = true

			return false
		}

		return e.Base <= ea
	})

	return ra, flags, ok
}
