// Package rangeset implements an ordered set of non-overlapping,
// inclusive [base, limit] intervals over guest real addresses, used to
// track available/reserved memory regions.
//
// It replaces the original monitor's intrusive doubly-linked list
// (lib/ranges.c) with an ordered tree, the idiomatic Go structure for
// this access pattern, backed by github.com/google/btree.
package rangeset

import (
	"fmt"

	"github.com/google/btree"

	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
)

// Range is an inclusive address interval [Base, Limit].
type Range struct {
	Base  pmem.GRA
	Limit pmem.GRA
}

func (r Range) less(o Range) bool { return r.Base < o.Base }

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Base, r.Limit)
}

// Set is an ordered collection of disjoint ranges.
type Set struct {
	tree *btree.BTreeG[Range]
}

// New creates an empty range set.
func New() *Set {
	return &Set{tree: btree.NewG(32, Range.less)}
}

// Add inserts [base, limit] into the set. It is an error for the new
// range to already be fully contained by an existing one (mirroring
// the original's range_add, which treats that as a duplicate-add
// bug), and an error for base >= limit.
func (s *Set) Add(base, limit pmem.GRA) error {
	if base >= limit {
		return monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("rangeset.Add: base %s >= limit %s", base, limit))
	}

	var dup bool

	s.tree.Ascend(func(r Range) bool {
		if base >= r.Base && limit <= r.Limit {
			dup = true
			return false
		}
		return true
	})

	if dup {
		return monerr.Wrap(monerr.ErrInvalid, "rangeset.Add: range already present")
	}

	s.tree.ReplaceOrInsert(Range{Base: base, Limit: limit})

	return nil
}

// Remove deletes [base, limit] from the set, splitting or shrinking
// any overlapping range as needed. It mirrors range_remove.
func (s *Set) Remove(base, limit pmem.GRA) error {
	if base >= limit {
		return monerr.Wrap(monerr.ErrInvalid, fmt.Sprintf("rangeset.Remove: base %s >= limit %s", base, limit))
	}

	var overlapping []Range

	s.tree.Ascend(func(r Range) bool {
		if r.Limit >= base && r.Base <= limit {
			overlapping = append(overlapping, r)
		}
		return true
	})

	for _, r := range overlapping {
		s.tree.Delete(r)

		switch {
		case r.Base >= base && r.Limit <= limit:
			// Fully covered: delete only, nothing to re-add.
		case r.Base >= base:
			// Overlaps the tail: shrink from the left.
			s.tree.ReplaceOrInsert(Range{Base: limit + 1, Limit: r.Limit})
		case r.Limit <= limit:
			// Overlaps the head: shrink from the right.
			s.tree.ReplaceOrInsert(Range{Base: r.Base, Limit: base - 1})
		default:
			// The removed span sits strictly inside r: split in two.
			s.tree.ReplaceOrInsert(Range{Base: r.Base, Limit: base - 1})
			s.tree.ReplaceOrInsert(Range{Base: limit + 1, Limit: r.Limit})
		}
	}

	return nil
}

// Find returns the range containing addr, if any.
func (s *Set) Find(addr pmem.GRA) (Range, bool) {
	var found Range

	var ok bool

	s.tree.Ascend(func(r Range) bool {
		if addr >= r.Base && addr <= r.Limit {
			found, ok = r, true
			return false
		}
		return r.Base <= addr
	})

	return found, ok
}

// Each calls fn for every range in ascending order of Base, stopping
// early if fn returns false.
func (s *Set) Each(fn func(Range) bool) {
	s.tree.Ascend(func(r Range) bool { return fn(r) })
}

// Len returns the number of disjoint ranges currently tracked.
func (s *Set) Len() int { return s.tree.Len() }
