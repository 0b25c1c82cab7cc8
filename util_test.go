package kvbind

import (
	"errors"
	"log/slog"
	"testing"
)

func TestInc(t *testing.T) {
	b := []byte{0x00, 0x00}
	if !inc(b) || b[0] != 0x00 || b[1] != 0x01 {
		t.Fatalf("inc = %x, wanted 0001", b)
	}
	b = []byte{0x00, 0xFF}
	if !inc(b) || b[0] != 0x01 || b[1] != 0x00 {
		t.Fatalf("inc = %x, wanted 0100", b)
	}
	if inc([]byte{0xFF}) {
		t.Fatalf("inc(FF) = true, wanted false")
	}
}

func TestHexHelpers(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	if got := hexstr([]byte{0xAB, 0x01}); got != "ab01" {
		t.Fatalf("hexstr = %q, wanted ab01", got)
	}
	a := hexAttr("k", []byte{0x01})
	if a.Key != "k" || a.Value.Kind() != slog.KindString || a.Value.String() != "01" {
		t.Fatalf("hexAttr = %v", a)
	}
}

func TestMustEnsure(t *testing.T) {
	if got := must(42, nil); got != 42 {
		t.Fatalf("must = %d, wanted 42", got)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("ensure did not panic")
		}
	}()
	ensure(errors.New("boom"))
}
