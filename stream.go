package kvbind

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
)

const (
	debugLogStreams = false
)

type streamState int

const (
	streamUninitialized streamState = iota
	streamPositioned
	streamTerminated
)

// Stream is a lazy, forward-only sequence over a column family, backed by
// an engine cursor. The cursor is created by the first Next and released
// when the stream runs out, fails, or is closed; after that Next returns
// false without touching the engine. A stream cannot be restarted.
//
// Callers that may stop early must call Close (the range adapters Keys and
// All do it for them). Writes made while a stream is open are allowed; a
// stream reading from a snapshot is subject to the snapshot's limits.
type Stream struct {
	db      *DB
	cf      nativeCF
	ro      Options
	rc      readConfig
	mode    cursorMode
	reverse bool
	from    []byte

	state   streamState
	cur     nativeCursor
	k, v    []byte
	decoded any
	err     error
}

// Keys streams the keys of the default column family in ascending order.
func (db *DB) Keys(ro Options) *Stream {
	return db.newStream(db.defaultCF, nil, ro, keysOnly)
}

// Pairs streams the key/value pairs of the default column family. With the
// Decode read option each value is decoded as it is reached.
func (db *DB) Pairs(ro Options) *Stream {
	return db.newStream(db.defaultCF, nil, ro, keysAndValues)
}

func (db *DB) KeysCF(cf *ColumnFamily, ro Options) *Stream {
	h, err := cf.nativeHandle(db)
	return db.newStream(h, err, ro, keysOnly)
}

func (db *DB) PairsCF(cf *ColumnFamily, ro Options) *Stream {
	h, err := cf.nativeHandle(db)
	return db.newStream(h, err, ro, keysAndValues)
}

func (db *DB) newStream(cf nativeCF, err error, ro Options, mode cursorMode) *Stream {
	s := &Stream{db: db, cf: cf, mode: mode, err: err}
	if err == nil {
		s.rc, s.ro, s.err = db.splitReadOptions(ro)
	}
	return s
}

// Reversed makes the stream run in descending key order. It must be called
// before the first Next.
func (s *Stream) Reversed() *Stream {
	if s.state != streamUninitialized {
		panic("kvbind: Reversed called on a started stream")
	}
	s.reverse = true
	return s
}

// From starts the stream at key: the first key >= key, or for a reversed
// stream the last key <= key. It must be called before the first Next.
func (s *Stream) From(key []byte) *Stream {
	if s.state != streamUninitialized {
		panic("kvbind: From called on a started stream")
	}
	s.from = slices.Clone(key)
	return s
}

// Next advances to the next element and reports whether there is one.
func (s *Stream) Next() bool {
	var k, v []byte
	var valid bool
	var err error

	switch s.state {
	case streamTerminated:
		return false
	case streamUninitialized:
		if s.err != nil {
			s.terminate()
			return false
		}
		if s.db.closed.Load() {
			s.fail(ErrClosed)
			return false
		}
		s.cur, err = s.db.native.newCursor(s.cf, s.ro, s.mode)
		if err != nil {
			s.fail(err)
			return false
		}
		s.state = streamPositioned
		k, v, valid, err = s.position()
	case streamPositioned:
		if s.reverse {
			k, v, valid, err = s.cur.move(movePrev, nil)
		} else {
			k, v, valid, err = s.cur.move(moveNext, nil)
		}
	}
	if debugLogStreams {
		s.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "stream move", hexAttr("key", k), slog.Bool("valid", valid), slog.Any("err", err))
	}
	if err != nil {
		s.fail(err)
		return false
	}
	if !valid {
		s.terminate()
		return false
	}

	s.k, s.v, s.decoded = k, v, nil
	if s.mode == keysAndValues && s.rc.Decode {
		s.decoded, err = s.db.encoding.Decode(v)
		if err != nil {
			s.fail(err)
			return false
		}
	}
	return true
}

func (s *Stream) position() ([]byte, []byte, bool, error) {
	switch {
	case s.from == nil && !s.reverse:
		return s.cur.move(moveFirst, nil)
	case s.from == nil:
		return s.cur.move(moveLast, nil)
	case !s.reverse:
		return s.cur.move(moveSeek, s.from)
	}

	k, v, valid, err := s.cur.move(moveSeek, s.from)
	if err != nil {
		return nil, nil, false, err
	}
	if !valid {
		return s.cur.move(moveLast, nil)
	}
	if bytes.Compare(k, s.from) > 0 {
		return s.cur.move(movePrev, nil)
	}
	return k, v, valid, nil
}

// Key returns the current key. It is only valid until the next call to
// Next or Close.
func (s *Stream) Key() []byte {
	return s.k
}

// Value returns the current stored value, nil for keys-only streams. It is
// only valid until the next call to Next or Close.
func (s *Stream) Value() []byte {
	return s.v
}

// Decoded returns the current value decoded, if the stream reads with the
// Decode option, and the stored bytes otherwise.
func (s *Stream) Decoded() any {
	if s.rc.Decode {
		return s.decoded
	}
	if s.v == nil {
		return nil
	}
	return s.v
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the cursor. It is safe to call at any point and more than
// once.
func (s *Stream) Close() error {
	s.terminate()
	return s.err
}

func (s *Stream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.terminate()
}

func (s *Stream) terminate() {
	if s.state == streamTerminated {
		return
	}
	s.state = streamTerminated
	s.k, s.v, s.decoded = nil, nil, nil
	if s.cur != nil {
		cur := s.cur
		s.cur = nil
		if err := cur.close(); err != nil && s.err == nil {
			s.err = err
		}
	}
}

// Keys adapts the stream for range-over-func loops, yielding copies of the
// keys. Leaving the loop closes the stream; check Err afterwards.
func (s *Stream) Keys() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(slices.Clone(s.k)) {
				return
			}
		}
	}
}

// All adapts the stream for range-over-func loops, yielding copies of the
// keys along with Decoded values (nil for keys-only streams). Leaving the
// loop closes the stream; check Err afterwards.
func (s *Stream) All() iter.Seq2[[]byte, any] {
	return func(yield func([]byte, any) bool) {
		defer s.Close()
		for s.Next() {
			v := s.Decoded()
			if b, ok := v.([]byte); ok {
				v = slices.Clone(b)
			}
			if !yield(slices.Clone(s.k), v) {
				return
			}
		}
	}
}

// Fold calls fn for every pair of the default column family in key order,
// threading acc through. fn may return ErrStopFold to stop early.
func Fold[Acc any](db *DB, ro Options, acc Acc, fn func(key []byte, value any, acc Acc) (Acc, error)) (Acc, error) {
	return fold(db.Pairs(ro), acc, fn)
}

// FoldKeys is Fold over keys only; fn receives a nil value.
func FoldKeys[Acc any](db *DB, ro Options, acc Acc, fn func(key []byte, acc Acc) (Acc, error)) (Acc, error) {
	return fold(db.Keys(ro), acc, func(key []byte, _ any, acc Acc) (Acc, error) {
		return fn(key, acc)
	})
}

func fold[Acc any](s *Stream, acc Acc, fn func(key []byte, value any, acc Acc) (Acc, error)) (Acc, error) {
	defer s.Close()
	for s.Next() {
		var err error
		acc, err = fn(s.Key(), s.Decoded(), acc)
		if errors.Is(err, ErrStopFold) {
			break
		}
		if err != nil {
			return acc, err
		}
	}
	return acc, s.Close()
}
