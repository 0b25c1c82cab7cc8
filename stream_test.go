package kvbind

import (
	"errors"
	"testing"
)

func setupCounting(t *testing.T, keys ...string) (*DB, *cursorStats) {
	t.Helper()
	db := setup(t, countingEngineName)
	for _, k := range keys {
		ensure(db.PutValue([]byte(k), k, nil))
	}
	return db, statsFor(db.Path())
}

func checkCursors(t *testing.T, stats *cursorStats, wantOpened, wantClosed int) {
	t.Helper()
	opened, closed, _, after := stats.snapshot()
	if opened != wantOpened || closed != wantClosed {
		t.Fatalf("cursors opened/closed = %d/%d, wanted %d/%d", opened, closed, wantOpened, wantClosed)
	}
	if after != 0 {
		t.Fatalf("moves after close = %d, wanted 0", after)
	}
}

func TestStream_KeysInOrder(t *testing.T) {
	db, stats := setupCounting(t, "c", "a", "b")
	deepEqual(t, collectKeys(t, db.Keys(nil)), []string{"a", "b", "c"})
	checkCursors(t, stats, 1, 1)
}

func TestStream_Lazy(t *testing.T) {
	db, stats := setupCounting(t, "a")
	s := db.Keys(nil)
	checkCursors(t, stats, 0, 0)

	ensure(s.Close())
	if s.Next() {
		t.Fatalf("Next after Close = true, wanted false")
	}
	checkCursors(t, stats, 0, 0)
}

func TestStream_ExhaustionClosesOnce(t *testing.T) {
	db, stats := setupCounting(t, "a", "b")
	s := db.Pairs(nil)
	var n int
	for s.Next() {
		n++
	}
	if n != 2 {
		t.Fatalf("n = %d, wanted 2", n)
	}
	checkCursors(t, stats, 1, 1)
	_, _, moves, _ := stats.snapshot()

	for range 3 {
		if s.Next() {
			t.Fatalf("Next after exhaustion = true, wanted false")
		}
	}
	ensure(s.Close())
	ensure(s.Close())
	checkCursors(t, stats, 1, 1)
	if _, _, m, _ := stats.snapshot(); m != moves {
		t.Fatalf("moves = %d after termination, wanted %d", m, moves)
	}
}

func TestStream_BreakClosesCursor(t *testing.T) {
	db, stats := setupCounting(t, "a", "b", "c")
	var got []string
	for k := range db.Keys(nil).Keys() {
		got = append(got, string(k))
		if len(got) == 2 {
			break
		}
	}
	deepEqual(t, got, []string{"a", "b"})
	checkCursors(t, stats, 1, 1)
}

func TestStream_CloseMidway(t *testing.T) {
	db, stats := setupCounting(t, "a", "b", "c")
	s := db.Keys(nil)
	if !s.Next() {
		t.Fatalf("Next = false, err = %v", s.Err())
	}
	ensure(s.Close())
	if s.Next() {
		t.Fatalf("Next after Close = true, wanted false")
	}
	checkCursors(t, stats, 1, 1)
}

func TestStream_All(t *testing.T) {
	db, stats := setupCounting(t, "b", "a")
	got := map[string]any{}
	s := db.Pairs(Options{Decode()})
	for k, v := range s.All() {
		got[string(k)] = v
	}
	ensure(s.Err())
	deepEqual(t, got, map[string]any{"a": "a", "b": "b"})
	checkCursors(t, stats, 1, 1)
}

func TestStream_RawValues(t *testing.T) {
	db, _ := setupCounting(t)
	ensure(db.PutRaw([]byte("k"), []byte("raw"), nil))
	s := db.Pairs(nil)
	defer s.Close()
	if !s.Next() {
		t.Fatalf("Next = false, err = %v", s.Err())
	}
	deepEqual[any](t, s.Decoded(), []byte("raw"))
	deepEqual(t, s.Value(), []byte("raw"))
}

func TestStream_KeysOnlyHasNoValues(t *testing.T) {
	db, _ := setupCounting(t, "a")
	s := db.Keys(Options{Decode()})
	defer s.Close()
	if !s.Next() {
		t.Fatalf("Next = false, err = %v", s.Err())
	}
	if s.Value() != nil || s.Decoded() != nil {
		t.Fatalf("keys-only stream value = %v/%v, wanted nil", s.Value(), s.Decoded())
	}
}

func TestStream_DecodeErrorTerminates(t *testing.T) {
	db, stats := setupCounting(t, "a", "c")
	ensure(db.PutRaw([]byte("b"), []byte("not msgpack"), nil))

	s := db.Pairs(Options{Decode()})
	var got []string
	for s.Next() {
		got = append(got, string(s.Key()))
	}
	deepEqual(t, got, []string{"a"})
	if !errors.Is(s.Err(), ErrDecode) {
		t.Fatalf("Err = %v, wanted ErrDecode", s.Err())
	}
	checkCursors(t, stats, 1, 1)

	// without decode the same data streams fine
	deepEqual(t, collectKeys(t, db.Pairs(nil)), []string{"a", "b", "c"})
}

func TestStream_MoveErrorTerminates(t *testing.T) {
	db, stats := setupCounting(t, "a", "b", "c")
	stats.mu.Lock()
	stats.failAt = 2
	stats.mu.Unlock()

	s := db.Keys(nil)
	var n int
	for s.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("n = %d, wanted 1", n)
	}
	if !errors.Is(s.Err(), errInjected) {
		t.Fatalf("Err = %v, wanted injected failure", s.Err())
	}
	if !errors.Is(s.Close(), errInjected) {
		t.Fatalf("Close did not report the stream error")
	}
	checkCursors(t, stats, 1, 1)
}

func TestStream_Empty(t *testing.T) {
	db, stats := setupCounting(t)
	s := db.Keys(nil)
	if s.Next() {
		t.Fatalf("Next on empty database = true, wanted false")
	}
	ensure(s.Err())
	checkCursors(t, stats, 1, 1)
}

func TestStream_ReversedAndFrom(t *testing.T) {
	db, _ := setupCounting(t, "b", "d", "f")
	tests := []struct {
		name    string
		reverse bool
		from    string
		want    []string
	}{
		{"forward", false, "", []string{"b", "d", "f"}},
		{"reverse", true, "", []string{"f", "d", "b"}},
		{"from hit", false, "d", []string{"d", "f"}},
		{"from between", false, "c", []string{"d", "f"}},
		{"from past end", false, "g", nil},
		{"reverse from hit", true, "d", []string{"d", "b"}},
		{"reverse from between", true, "e", []string{"d", "b"}},
		{"reverse from past end", true, "z", []string{"f", "d", "b"}},
		{"reverse from before start", true, "a", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := db.Keys(nil)
			if tt.reverse {
				s.Reversed()
			}
			if tt.from != "" {
				s.From([]byte(tt.from))
			}
			deepEqual(t, collectKeys(t, s), tt.want)
		})
	}
}

func TestStream_Bounds(t *testing.T) {
	db, _ := setupCounting(t, "a", "b", "c", "d")
	ro := Options{IterateLowerBound([]byte("b")), IterateUpperBound([]byte("d"))}
	deepEqual(t, collectKeys(t, db.Keys(ro)), []string{"b", "c"})
	deepEqual(t, collectKeys(t, db.Keys(ro).Reversed()), []string{"c", "b"})
	deepEqual(t, collectKeys(t, db.Keys(ro).From([]byte("a"))), []string{"b", "c"})
}

func TestStream_StartedStreamPanics(t *testing.T) {
	db, _ := setupCounting(t, "a")
	s := db.Keys(nil)
	defer s.Close()
	s.Next()
	defer func() {
		if recover() == nil {
			t.Fatalf("Reversed on a started stream did not panic")
		}
	}()
	s.Reversed()
}

func TestFold(t *testing.T) {
	db, stats := setupCounting(t)
	for i, k := range []string{"a", "b", "c", "d"} {
		ensure(db.PutValue([]byte(k), i+1, nil))
	}

	sum, err := Fold(db, Options{Decode()}, int64(0), func(key []byte, value any, acc int64) (int64, error) {
		return acc + value.(int64), nil
	})
	if err != nil || sum != 10 {
		t.Fatalf("Fold = %d, %v, wanted 10, nil", sum, err)
	}

	keys, err := FoldKeys(db, nil, "", func(key []byte, acc string) (string, error) {
		if string(key) == "c" {
			return acc, ErrStopFold
		}
		return acc + string(key), nil
	})
	if err != nil || keys != "ab" {
		t.Fatalf("FoldKeys = %q, %v, wanted ab, nil", keys, err)
	}

	boom := errors.New("boom")
	_, err = FoldKeys(db, nil, 0, func(key []byte, acc int) (int, error) {
		return acc, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("FoldKeys err = %v, wanted boom", err)
	}
	checkCursors(t, stats, 3, 3)
}

func TestRangeCursor_MoveAfterClose(t *testing.T) {
	c := newRangeCursor(&memCursor{items: []memKV{{[]byte("a"), []byte("1")}}, pos: -1}, keyRange{}, keysAndValues)
	if _, _, ok, err := c.move(moveFirst, nil); !ok || err != nil {
		t.Fatalf("move = %v, %v, wanted a key", ok, err)
	}
	ensure(c.close())
	ensure(c.close())
	if _, _, _, err := c.move(moveNext, nil); !errors.Is(err, errCursorClosed) {
		t.Fatalf("move after close = %v, wanted errCursorClosed", err)
	}
}
