package kvbind

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := decodeErrf([]byte{0xAA, 0xBB}, 1, MsgPack, inner, "oops")
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DecodeError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("errors.Is(err, ErrDecode) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := decodeErrf(data, 0, CBOR, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestOptionError(t *testing.T) {
	err := error(&OptionError{Name: OptSync, Value: 1, Msg: "expected bool"})
	if s := err.Error(); s != "option sync=1: expected bool" {
		t.Fatalf("err.Error() = %q", s)
	}

	err = withEngine(err, Bolt)
	var oe *OptionError
	if !errors.As(err, &oe) || oe.Engine != Bolt {
		t.Fatalf("withEngine did not set engine: %v", err)
	}
	if s := err.Error(); s != "bolt: option sync=1: expected bool" {
		t.Fatalf("err.Error() = %q", s)
	}

	// engine already set stays
	_ = withEngine(err, KV)
	if oe.Engine != Bolt {
		t.Fatalf("Engine = %q, wanted bolt", oe.Engine)
	}

	other := errors.New("other")
	if withEngine(other, KV) != other {
		t.Fatalf("withEngine changed an unrelated error")
	}
}
