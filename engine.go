package kvbind

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Engine names a storage engine implementation.
type Engine string

const (
	LevelDB Engine = "leveldb"
	Bolt    Engine = "bolt"
	KV      Engine = "kv"
	SQLite  Engine = "sqlite"
	Memory  Engine = "memory"

	defaultEngine = LevelDB
)

// DefaultColumnFamily is the name of the column family every database has.
const DefaultColumnFamily = "default"

// engine is the boundary with a storage engine. Handles it returns
// (nativeDB, nativeCF, nativeSnapshot) are opaque to the binding: they are
// only passed back to the engine that issued them.
type engine interface {
	open(req openRequest) (nativeDB, []nativeCF, error)
	destroy(path []byte, opts Options, logger *slog.Logger) error
	repair(path []byte, opts Options, logger *slog.Logger) error
}

type openRequest struct {
	Path      []byte
	DBOptions Options
	// ColumnFamilies always starts with the default column family.
	ColumnFamilies []cfSpec
	Logger         *slog.Logger
}

type cfSpec struct {
	Name    string
	Options Options
}

type nativeCF any

type nativeSnapshot interface {
	release()
}

type nativeDB interface {
	close() error
	put(cf nativeCF, key, value []byte, wo Options) error
	get(cf nativeCF, key []byte, ro Options) (value []byte, found bool, err error)
	delete(cf nativeCF, key []byte, wo Options) error
	write(ops []batchOp, wo Options) error
	countEstimate(cf nativeCF) (int64, error)
	newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error)
	snapshot() (nativeSnapshot, error)
	property(name string) (value string, ok bool, err error)
}

type directive int

const (
	moveFirst directive = iota
	moveLast
	moveNext
	movePrev
	moveSeek
)

func (d directive) String() string {
	switch d {
	case moveFirst:
		return "first"
	case moveLast:
		return "last"
	case moveNext:
		return "next"
	case movePrev:
		return "prev"
	case moveSeek:
		return "seek"
	default:
		return fmt.Sprintf("directive(%d)", int(d))
	}
}

type cursorMode int

const (
	keysOnly cursorMode = iota
	keysAndValues
)

// nativeCursor is a positioned engine iterator. move reports valid=false
// once the cursor leaves the keyspace.
type nativeCursor interface {
	move(d directive, target []byte) (key, value []byte, valid bool, err error)
	close() error
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[Engine]engine)
)

func registerEngine(name Engine, e engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if name == "" || e == nil {
		panic("zero engine name or implementation")
	}
	if _, dup := engines[name]; dup {
		panic("duplicate registration of engine " + string(name))
	}
	engines[name] = e
}

func lookupEngine(name Engine) (engine, error) {
	if name == "" {
		name = defaultEngine
	}
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("kvbind: unknown engine %q", name)
	}
	return e, nil
}

// Engines lists the registered engine names.
func Engines() []Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var result []Engine
	for name := range engines {
		result = append(result, name)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func validateColumnFamilyName(name string) error {
	if name == "" {
		return fmt.Errorf("kvbind: empty column family name")
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("kvbind: column family name %q contains a zero byte", name)
	}
	return nil
}

// cursorPos tracks where a reseeking cursor stands between moves.
type cursorPos int

const (
	posBeforeFirst cursorPos = iota
	posOnKey
	posAfterLast
)

// rawCursor moves over an engine's whole ordered keyspace. A nil key means
// the cursor is not positioned on an entry.
type rawCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
	Err() error
	Close() error
}

// seekBefore moves to the last key strictly before limit.
func seekBefore(c rawCursor, limit []byte) ([]byte, []byte) {
	k, _ := c.Seek(limit)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

// keyRange restricts a rawCursor to one column family's keyspace and to the
// iterate_lower_bound (inclusive) and iterate_upper_bound (exclusive) read
// options. Keys it returns have the column family prefix stripped.
type keyRange struct {
	Prefix []byte
	Lower  []byte
	Upper  []byte
}

func keyRangeFromOptions(prefix []byte, r *optionReader) keyRange {
	return keyRange{
		Prefix: prefix,
		Lower:  r.Bytes(OptIterateLowerBound),
		Upper:  r.Bytes(OptIterateUpperBound),
	}
}

func (r *keyRange) start(c rawCursor) ([]byte, []byte) {
	lower := r.Prefix
	if r.Lower != nil {
		lower = concat(r.Prefix, r.Lower)
	}
	if len(lower) == 0 {
		return c.First()
	}
	return c.Seek(lower)
}

func (r *keyRange) end(c rawCursor) ([]byte, []byte) {
	var limit []byte
	if r.Upper != nil {
		limit = concat(r.Prefix, r.Upper)
	} else if len(r.Prefix) > 0 {
		limit = successor(r.Prefix)
	}
	if limit == nil {
		return c.Last()
	}
	return seekBefore(c, limit)
}

func (r *keyRange) seek(c rawCursor, target []byte) ([]byte, []byte) {
	if r.Lower != nil && bytes.Compare(target, r.Lower) < 0 {
		target = r.Lower
	}
	return c.Seek(concat(r.Prefix, target))
}

func (r *keyRange) match(k []byte) ([]byte, bool) {
	if k == nil || !bytes.HasPrefix(k, r.Prefix) {
		return nil, false
	}
	user := k[len(r.Prefix):]
	if r.Lower != nil && bytes.Compare(user, r.Lower) < 0 {
		return nil, false
	}
	if r.Upper != nil && bytes.Compare(user, r.Upper) >= 0 {
		return nil, false
	}
	return user, true
}

// rangeCursor adapts a rawCursor to nativeCursor.
type rangeCursor struct {
	rang   keyRange
	raw    rawCursor
	mode   cursorMode
	closed bool
}

func newRangeCursor(raw rawCursor, rang keyRange, mode cursorMode) *rangeCursor {
	return &rangeCursor{rang: rang, raw: raw, mode: mode}
}

func (c *rangeCursor) move(d directive, target []byte) ([]byte, []byte, bool, error) {
	if c.closed {
		return nil, nil, false, errCursorClosed
	}
	var k, v []byte
	switch d {
	case moveFirst:
		k, v = c.rang.start(c.raw)
	case moveLast:
		k, v = c.rang.end(c.raw)
	case moveSeek:
		k, v = c.rang.seek(c.raw, target)
	case moveNext:
		k, v = c.raw.Next()
	case movePrev:
		k, v = c.raw.Prev()
	default:
		return nil, nil, false, fmt.Errorf("kvbind: invalid cursor directive %v", d)
	}
	if err := c.raw.Err(); err != nil {
		return nil, nil, false, err
	}
	user, ok := c.rang.match(k)
	if !ok {
		return nil, nil, false, nil
	}
	if c.mode == keysOnly {
		v = nil
	}
	return user, v, true, nil
}

func (c *rangeCursor) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

// Prefixed keyspaces let engines without native column families keep
// several of them in one ordered keyspace. Registry keys record which
// column families exist; data keys carry a per-family prefix.
const (
	cfRegistryPrefix = "\x00cf\x00"
	cfDataMarker     = '\x01'
)

func cfRegistryKey(name string) []byte {
	return []byte(cfRegistryPrefix + name)
}

func cfDataPrefix(name string) []byte {
	buf := make([]byte, 0, len(name)+2)
	buf = append(buf, cfDataMarker)
	buf = append(buf, name...)
	return append(buf, 0)
}

// prefixedCF is the column family handle of prefix-keyspace engines.
type prefixedCF struct {
	name   string
	prefix []byte
}

func newPrefixedCF(name string) *prefixedCF {
	return &prefixedCF{name: name, prefix: cfDataPrefix(name)}
}

func (cf *prefixedCF) key(k []byte) []byte {
	return concat(cf.prefix, k)
}
