package rangeset

import (
	"testing"

	"github.com/andreiw/pvp/internal/pmem"
)

func TestAddFindEach(t *testing.T) {
	s := New()

	if err := s.Add(0, 0xFF); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Add(0x1000, 0x1FFF); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if s.Len() != 2 {
		t.Errorf("Len(): want 2, got %d", s.Len())
	}

	r, ok := s.Find(0x80)
	if !ok || r.Base != 0 || r.Limit != 0xFF {
		t.Errorf("Find(0x80): want {0,0xFF}, got %+v ok=%v", r, ok)
	}

	if _, ok := s.Find(0x500); ok {
		t.Errorf("Find(0x500): want not found, got found")
	}
}

func TestAddInvalid(t *testing.T) {
	s := New()

	if err := s.Add(10, 5); err == nil {
		t.Errorf("Add(10, 5): want error, got nil")
	}
}

func TestAddDuplicateSubsetRejected(t *testing.T) {
	s := New()

	if err := s.Add(0, 0xFFF); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Add(0x10, 0x20); err == nil {
		t.Errorf("Add of a subset of an existing range: want error, got nil")
	}
}

func TestRemoveFullyCovered(t *testing.T) {
	s := New()
	mustAdd(t, s, 0, 0xFF)

	if err := s.Remove(0, 0xFF); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if s.Len() != 0 {
		t.Errorf("Len() after full removal: want 0, got %d", s.Len())
	}
}

func TestRemoveShrinksLeft(t *testing.T) {
	s := New()
	mustAdd(t, s, 0, 0xFF)

	if err := s.Remove(0, 0x0F); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	r, ok := s.Find(0x10)
	if !ok || r.Base != 0x10 || r.Limit != 0xFF {
		t.Errorf("Find(0x10): want {0x10,0xFF}, got %+v ok=%v", r, ok)
	}

	if _, ok := s.Find(0x08); ok {
		t.Errorf("Find(0x08): want removed, still found")
	}
}

func TestRemoveShrinksRight(t *testing.T) {
	s := New()
	mustAdd(t, s, 0, 0xFF)

	if err := s.Remove(0xF0, 0xFF); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	r, ok := s.Find(0)
	if !ok || r.Base != 0 || r.Limit != 0xEF {
		t.Errorf("Find(0): want {0,0xEF}, got %+v ok=%v", r, ok)
	}
}

func TestRemoveSplitsInTwo(t *testing.T) {
	s := New()
	mustAdd(t, s, 0, 0xFF)

	if err := s.Remove(0x40, 0x4F); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if s.Len() != 2 {
		t.Errorf("Len() after split: want 2, got %d", s.Len())
	}

	lo, ok := s.Find(0x10)
	if !ok || lo.Base != 0 || lo.Limit != 0x3F {
		t.Errorf("Find(0x10): want {0,0x3F}, got %+v ok=%v", lo, ok)
	}

	hi, ok := s.Find(0x80)
	if !ok || hi.Base != 0x50 || hi.Limit != 0xFF {
		t.Errorf("Find(0x80): want {0x50,0xFF}, got %+v ok=%v", hi, ok)
	}

	if _, ok := s.Find(0x45); ok {
		t.Errorf("Find(0x45): want removed, still found")
	}
}

func TestEachStopsEarly(t *testing.T) {
	s := New()
	mustAdd(t, s, 0, 0x0F)
	mustAdd(t, s, 0x100, 0x10F)
	mustAdd(t, s, 0x200, 0x20F)

	var seen []Range

	s.Each(func(r Range) bool {
		seen = append(seen, r)
		return len(seen) < 2
	})

	if len(seen) != 2 {
		t.Errorf("Each: want to stop after 2 ranges, saw %d", len(seen))
	}
}

func mustAdd(t *testing.T, s *Set, base, limit pmem.GRA) {
	t.Helper()

	if err := s.Add(base, limit); err != nil {
		t.Fatalf("Add(%s, %s): %v", base, limit, err)
	}
}
