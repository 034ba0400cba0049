package monerr

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	err := Wrap(ErrNotFound, "no such node")

	if !errors.Is(err, ErrNotFound) {
		t.Errorf("errors.Is(err, ErrNotFound): want true, got false")
	}

	if errors.Is(err, ErrBadAccess) {
		t.Errorf("errors.Is(err, ErrBadAccess): want false, got true")
	}

	want := "not found: no such node"
	if err.Error() != want {
		t.Errorf("err.Error(): want %q, got %q", want, err.Error())
	}
}

func TestWrapNoMessage(t *testing.T) {
	err := Wrap(ErrInvalid, "")

	if err.Error() != ErrInvalid.Error() {
		t.Errorf("err.Error(): want %q, got %q", ErrInvalid.Error(), err.Error())
	}
}

func TestAssertPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Assert(false, ...): want panic, got none")
		}
	}()

	Assert(false, "should never happen")
}

func TestAssertOK(t *testing.T) {
	defer func() {
		if recover() != nil {
			t.Errorf("Assert(true, ...): want no panic")
		}
	}()

	Assert(true, "fine")
}
