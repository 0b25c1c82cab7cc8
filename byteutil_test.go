package kvbind

import (
	"bytes"
	"testing"
)

func TestBytesBuilder_Basics(t *testing.T) {
	var bb bytesBuilder
	_, _ = bb.Write([]byte{1, 2})
	_ = bb.WriteByte(3)
	_, _ = bb.Write(nil)
	deepEqual(t, bb.Buf, []byte{1, 2, 3})
	if cap(bb.Buf) < 16 {
		t.Fatalf("cap(bb.Buf) = %d, wanted >= 16", cap(bb.Buf))
	}
}

func TestEnsureCapacity(t *testing.T) {
	buf := []byte{1, 2, 3}
	out := ensureCapacity(buf, 100)
	if cap(out) < 100 {
		t.Fatalf("cap = %d, wanted >= 100", cap(out))
	}
	deepEqual(t, out, []byte{1, 2, 3})

	big := make([]byte, 0, 64)
	if out := ensureCapacity(big, 10); &out[:1][0] != &big[:1][0] {
		t.Fatalf("ensureCapacity reallocated a large enough buffer")
	}
}

func TestConcat(t *testing.T) {
	a := make([]byte, 2, 10)
	copy(a, "ab")
	got := concat(a, []byte("cd"))
	deepEqual(t, got, []byte("abcd"))

	// must not write into a's spare capacity
	_ = append(a, 'x')
	deepEqual(t, got, []byte("abcd"))

	if got := concat(nil, nil); got == nil || len(got) != 0 {
		t.Fatalf("concat(nil, nil) = %#v, wanted empty non-nil", got)
	}
}

func TestSuccessor(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("ab"), []byte("ac")},
		{[]byte{0x01, 0xFF}, []byte{0x02, 0x00}},
		{[]byte{0xFF, 0xFF}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		prefix := bytes.Clone(tt.prefix)
		got := successor(tt.prefix)
		if !bytes.Equal(got, tt.want) || (got == nil) != (tt.want == nil) {
			t.Errorf("successor(%x) = %x, wanted %x", tt.prefix, got, tt.want)
		}
		if !bytes.Equal(tt.prefix, prefix) {
			t.Errorf("successor modified its argument: %x", tt.prefix)
		}
	}
}
