package ihandle

import "testing"

func TestOpenNeverIssuesZero(t *testing.T) {
	tbl := New()

	ih := tbl.Open(1, nil)
	if ih == 0 {
		t.Errorf("Open: want a non-zero ihandle, got 0")
	}
}

func TestOpenLookupClose(t *testing.T) {
	tbl := New()

	type backing struct{ n int }

	ih := tbl.Open(Munge+5, &backing{n: 42})

	inst, ok := tbl.Lookup(ih)
	if !ok {
		t.Fatalf("Lookup(%d): not found", ih)
	}

	if inst.Phandle != Munge+5 {
		t.Errorf("Phandle: want %#x, got %#x", Munge+5, inst.Phandle)
	}

	if inst.Backing.(*backing).n != 42 {
		t.Errorf("Backing: want 42, got %d", inst.Backing.(*backing).n)
	}

	tbl.Close(ih)

	if _, ok := tbl.Lookup(ih); ok {
		t.Errorf("Lookup after Close: want not found, got found")
	}
}

func TestOpenReturnsDistinctHandles(t *testing.T) {
	tbl := New()

	a := tbl.Open(1, nil)
	b := tbl.Open(2, nil)

	if a == b {
		t.Errorf("Open twice: want distinct handles, got %d both times", a)
	}
}

func TestLookupMiss(t *testing.T) {
	tbl := New()

	if _, ok := tbl.Lookup(999); ok {
		t.Errorf("Lookup(999) on an empty table: want not found, got found")
	}
}
