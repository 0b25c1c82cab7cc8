package kvbind

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

func init() {
	registerEngine(Memory, memEngine{})
}

// memEngine keeps databases in process memory, keyed by path, so a
// database survives Close and can be reopened until Destroy. Writes are
// copy-on-write, which gives cursors and snapshots a stable view.
type memEngine struct{}

var (
	memStoresMu sync.Mutex
	memStores   = make(map[string]*memStore)
)

type memStore struct {
	path   string
	mu     sync.RWMutex
	cfs    map[string][]memKV // each slice sorted by key, never mutated in place
	locked bool
}

type memKV struct {
	key   []byte
	value []byte
}

func (memEngine) open(req openRequest) (nativeDB, []nativeCF, error) {
	r := readOptions(req.DBOptions)
	createIfMissing := r.Bool(OptCreateIfMissing, false)
	errorIfExists := r.Bool(OptErrorIfExists, false)
	createMissingCFs := r.Bool(OptCreateMissingColumnFamilies, false)
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, Memory)
	}
	r.logUnused(req.Logger, Memory, scopeDB, "db")

	path := string(req.Path)
	memStoresMu.Lock()
	defer memStoresMu.Unlock()

	s := memStores[path]
	if s == nil {
		if !createIfMissing {
			return nil, nil, fmt.Errorf("memory: %s: does not exist (create_if_missing is false)", path)
		}
		s = &memStore{path: path, cfs: map[string][]memKV{DefaultColumnFamily: nil}}
		memStores[path] = s
	} else if errorIfExists {
		return nil, nil, fmt.Errorf("memory: %s: exists (error_if_exists is true)", path)
	}
	if s.locked {
		return nil, nil, fmt.Errorf("memory: %s: already open", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfs := make([]nativeCF, len(req.ColumnFamilies))
	for i, spec := range req.ColumnFamilies {
		if _, ok := s.cfs[spec.Name]; !ok {
			if !createMissingCFs {
				return nil, nil, fmt.Errorf("memory: column family %q does not exist", spec.Name)
			}
			s.cfs[spec.Name] = nil
		}
		cfs[i] = &memCF{name: spec.Name}
	}
	s.locked = true
	return &memDB{store: s, logger: req.Logger}, cfs, nil
}

func (memEngine) destroy(path []byte, opts Options, logger *slog.Logger) error {
	memStoresMu.Lock()
	defer memStoresMu.Unlock()
	s := memStores[string(path)]
	if s == nil {
		return nil
	}
	if s.locked {
		return fmt.Errorf("memory: %s: cannot destroy an open database", path)
	}
	delete(memStores, string(path))
	return nil
}

func (memEngine) repair(path []byte, opts Options, logger *slog.Logger) error {
	memStoresMu.Lock()
	defer memStoresMu.Unlock()
	if memStores[string(path)] == nil {
		return fmt.Errorf("memory: %s: does not exist", path)
	}
	return nil
}

type memCF struct {
	name string
}

type memDB struct {
	store  *memStore
	logger *slog.Logger
}

type memSnapshot struct {
	cfs map[string][]memKV
}

func (*memSnapshot) release() {}

func (db *memDB) close() error {
	memStoresMu.Lock()
	defer memStoresMu.Unlock()
	db.store.locked = false
	return nil
}

func (db *memDB) items(cf nativeCF, ro Options) ([]memKV, *optionReader, error) {
	r := readOptions(ro)
	r.Skip(OptVerifyChecksums, OptFillCache)
	snap := r.Snapshot()
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, Memory)
	}
	name := cf.(*memCF).name
	if snap != nil {
		ms, ok := snap.(*memSnapshot)
		if !ok {
			return nil, nil, &OptionError{Engine: Memory, Name: OptSnapshot, Value: snap, Msg: "snapshot belongs to another engine"}
		}
		return ms.cfs[name], r, nil
	}
	db.store.mu.RLock()
	defer db.store.mu.RUnlock()
	items, ok := db.store.cfs[name]
	if !ok {
		return nil, nil, fmt.Errorf("memory: column family %q does not exist", name)
	}
	return items, r, nil
}

func (db *memDB) get(cf nativeCF, key []byte, ro Options) ([]byte, bool, error) {
	items, _, err := db.items(cf, ro)
	if err != nil {
		return nil, false, err
	}
	i, ok := memFind(items, key)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(items[i].value), true, nil
}

func (db *memDB) put(cf nativeCF, key, value []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchPut, key: key, value: value}}, wo)
}

func (db *memDB) delete(cf nativeCF, key []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchDelete, key: key}}, wo)
}

func (db *memDB) write(ops []batchOp, wo Options) error {
	r := readOptions(wo)
	r.Skip(OptSync, OptDisableWAL, OptTimeoutHintUS)
	ignoreMissing := r.Bool(OptIgnoreMissingColumnFamilies, false)
	if err := r.Err(); err != nil {
		return withEngine(err, Memory)
	}

	db.store.mu.Lock()
	defer db.store.mu.Unlock()

	updated := make(map[string][]memKV)
	for _, op := range ops {
		name := op.cf.(*memCF).name
		items, ok := updated[name]
		if !ok {
			items, ok = db.store.cfs[name]
			if !ok {
				if ignoreMissing {
					continue
				}
				return fmt.Errorf("memory: column family %q does not exist", name)
			}
			items = slices.Clone(items)
		}
		i, found := memFind(items, op.key)
		switch op.kind {
		case batchPut:
			kv := memKV{key: slices.Clone(op.key), value: slices.Clone(op.value)}
			if found {
				items[i] = kv
			} else {
				items = slices.Insert(items, i, kv)
			}
		case batchDelete:
			if found {
				items = slices.Delete(items, i, i+1)
			}
		}
		updated[name] = items
	}
	for name, items := range updated {
		db.store.cfs[name] = items
	}
	return nil
}

func (db *memDB) countEstimate(cf nativeCF) (int64, error) {
	db.store.mu.RLock()
	defer db.store.mu.RUnlock()
	return int64(len(db.store.cfs[cf.(*memCF).name])), nil
}

func (db *memDB) newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error) {
	items, r, err := db.items(cf, ro)
	if err != nil {
		return nil, err
	}
	rang := keyRangeFromOptions(nil, r)
	if err := r.Err(); err != nil {
		return nil, withEngine(err, Memory)
	}
	return newRangeCursor(&memCursor{items: items, pos: -1}, rang, mode), nil
}

func (db *memDB) snapshot() (nativeSnapshot, error) {
	db.store.mu.RLock()
	defer db.store.mu.RUnlock()
	snap := &memSnapshot{cfs: make(map[string][]memKV, len(db.store.cfs))}
	for name, items := range db.store.cfs {
		snap.cfs[name] = items
	}
	return snap, nil
}

func (db *memDB) property(name string) (string, bool, error) {
	db.store.mu.RLock()
	defer db.store.mu.RUnlock()
	switch name {
	case "memory.num-entries":
		var n int
		for _, items := range db.store.cfs {
			n += len(items)
		}
		return strconv.Itoa(n), true, nil
	case "memory.column-families":
		return strconv.Itoa(len(db.store.cfs)), true, nil
	case "kvbind.column-families":
		names := slices.Sorted(maps.Keys(db.store.cfs))
		return strings.Join(names, ","), true, nil
	}
	return "", false, nil
}

func memFind(items []memKV, key []byte) (idx int, ok bool) {
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) at(pos int) ([]byte, []byte) {
	if pos < 0 {
		c.pos = -1
		return nil, nil
	}
	if pos >= len(c.items) {
		c.pos = len(c.items)
		return nil, nil
	}
	c.pos = pos
	kv := c.items[pos]
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) { return c.at(0) }

func (c *memCursor) Last() ([]byte, []byte) { return c.at(len(c.items) - 1) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := memFind(c.items, seek)
	return c.at(i)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	if c.pos >= len(c.items) {
		return c.Last()
	}
	return c.at(c.pos - 1)
}

func (c *memCursor) Err() error { return nil }

func (c *memCursor) Close() error { return nil }
