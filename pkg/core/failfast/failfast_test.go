package failfast

import (
	"errors"
	"testing"
)

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s should panic", name)
		}
	}()
	fn()
}

func TestErr(t *testing.T) {
	Err(nil) // no panic
	expectPanic(t, "Err(non-nil)", func() { Err(errors.New("boom")) })
}

func TestIf(t *testing.T) {
	If(true, "fine")
	expectPanic(t, "If(false)", func() { If(false, "bad value %d", 7) })
}

func TestNotNil(t *testing.T) {
	NotNil("value", "v")
	expectPanic(t, "NotNil(nil)", func() { NotNil(nil, "v") })

	// Typed nil pointers are caught too
	var p *int
	expectPanic(t, "NotNil(typed nil)", func() { NotNil(p, "p") })
}

func TestPositive(t *testing.T) {
	Positive(1, "n")
	expectPanic(t, "Positive(0)", func() { Positive(0, "n") })
	expectPanic(t, "Positive(-1)", func() { Positive(-1, "n") })
}
