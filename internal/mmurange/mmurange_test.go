package mmurange

import (
	"testing"

	"github.com/andreiw/pvp/internal/guest"
)

func TestAddFind(t *testing.T) {
	m := New()

	if err := m.Add(0x1000, 0x1FFF, 0x2000, FlagRead|FlagWrite); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ra, flags, ok := m.Find(0x1010)
	if !ok {
		t.Fatalf("Find(0x1010): not found")
	}

	if ra != 0x2010 {
		t.Errorf("Find(0x1010) RA: want %#x, got %#x", 0x2010, ra)
	}

	if flags != FlagRead|FlagWrite {
		t.Errorf("Find(0x1010) flags: want %v, got %v", FlagRead|FlagWrite, flags)
	}
}

func TestFindMiss(t *testing.T) {
	m := New()
	mustAdd(t, m, 0x1000, 0x1FFF, 0x2000, FlagRead)

	if _, _, ok := m.Find(0x5000); ok {
		t.Errorf("Find(0x5000): want not found, got found")
	}
}

func TestAddIdenticalReaddIsNoop(t *testing.T) {
	m := New()
	mustAdd(t, m, 0x1000, 0x1FFF, 0x2000, FlagRead)

	if err := m.Add(0x1000, 0x10FF, 0x2000, FlagRead); err != nil {
		t.Errorf("re-add of an identical sub-range: want success, got %v", err)
	}
}

func TestAddIncompatibleReaddRejected(t *testing.T) {
	m := New()
	mustAdd(t, m, 0x1000, 0x1FFF, 0x2000, FlagRead)

	if err := m.Add(0x1000, 0x10FF, 0x3000, FlagRead); err == nil {
		t.Errorf("re-add with a different translation: want error, got nil")
	}

	if err := m.Add(0x1000, 0x10FF, 0x2000, FlagRead|FlagWrite); err == nil {
		t.Errorf("re-add with different flags: want error, got nil")
	}
}

func TestAddOverlappingRejected(t *testing.T) {
	m := New()
	mustAdd(t, m, 0x1000, 0x1FFF, 0x2000, FlagRead)

	if err := m.Add(0x1800, 0x2800, 0x9000, FlagRead); err == nil {
		t.Errorf("partially overlapping add: want error, got nil")
	}
}

func TestAddInvalidRange(t *testing.T) {
	m := New()

	if err := m.Add(0x100, 0x50, 0, FlagRead); err == nil {
		t.Errorf("Add(base >= limit): want error, got nil")
	}
}

func mustAdd(t *testing.T, m *Map, base, limit, ra guest.GEA, flags Flags) {
	t.Helper()

	if err := m.Add(base, limit, ra, flags); err != nil {
		t.Fatalf("Add: %v", err)
	}
}
