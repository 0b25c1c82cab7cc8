package kvbind

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go4.org/lock"
	"modernc.org/fileutil"
	"modernc.org/kv"
)

func init() {
	registerEngine(KV, kvEngine{})
}

const kvFileName = "kv.db"

// kvEngine runs on modernc.org/kv. Like leveldb, column families share one
// keyspace under per-family prefixes. The database path is a directory
// holding the kv file and its lock.
type kvEngine struct{}

func kvFile(path []byte) string {
	return filepath.Join(string(path), kvFileName)
}

func kvOptions(r *optionReader, file string, logger *slog.Logger) *kv.Options {
	opts := &kv.Options{
		Locker: func(string) (io.Closer, error) {
			return lock.Lock(file + ".lock")
		},
	}
	if r.Bool(OptParanoidChecks, false) {
		opts.VerifyDbBeforeOpen = true
		opts.VerifyDbAfterOpen = true
		opts.VerifyDbBeforeClose = true
	}
	for _, name := range []string{OptDBLogDir, OptWALDir} {
		if dir := r.Bytes(name); dir != nil && logger != nil {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "option ignored", slog.String("engine", string(KV)), slog.String("option", name), slog.String("path", string(dir)))
		}
	}
	return opts
}

func (kvEngine) open(req openRequest) (nativeDB, []nativeCF, error) {
	file := kvFile(req.Path)
	r := readOptions(req.DBOptions)
	createIfMissing := r.Bool(OptCreateIfMissing, false)
	errorIfExists := r.Bool(OptErrorIfExists, false)
	createMissingCFs := r.Bool(OptCreateMissingColumnFamilies, false)
	opts := kvOptions(r, file, req.Logger)
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, KV)
	}
	r.logUnused(req.Logger, KV, scopeDB, "db")
	for _, spec := range req.ColumnFamilies {
		readOptions(spec.Options).logUnused(req.Logger, KV, scopeCF, "cf:"+spec.Name)
	}

	createOpen := kv.Open
	if _, err := os.Stat(file); err == nil {
		if errorIfExists {
			return nil, nil, fmt.Errorf("kv: %s: exists (error_if_exists is true)", req.Path)
		}
	} else if os.IsNotExist(err) {
		if !createIfMissing {
			return nil, nil, fmt.Errorf("kv: %s: does not exist (create_if_missing is false)", req.Path)
		}
		if err := os.MkdirAll(string(req.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("kv: %w", err)
		}
		createOpen = kv.Create
	} else {
		return nil, nil, fmt.Errorf("kv: %w", err)
	}

	kdb, err := createOpen(file, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("kv: %s: %w", file, err)
	}
	db := &kvDB{kdb: kdb, path: file, logger: req.Logger}

	cfs := make([]nativeCF, len(req.ColumnFamilies))
	var missing []batchOp
	for i, spec := range req.ColumnFamilies {
		rk := cfRegistryKey(spec.Name)
		_, ok, err := db.lookup(rk)
		if err != nil {
			kdb.Close()
			return nil, nil, err
		}
		if !ok {
			if spec.Name != DefaultColumnFamily && !createMissingCFs {
				kdb.Close()
				return nil, nil, fmt.Errorf("kv: column family %q does not exist", spec.Name)
			}
			missing = append(missing, batchOp{kind: batchPut, key: rk, value: []byte{}})
		}
		cfs[i] = newPrefixedCF(spec.Name)
	}
	if len(missing) > 0 {
		if err := db.apply(missing); err != nil {
			kdb.Close()
			return nil, nil, err
		}
	}
	req.Logger.LogAttrs(context.Background(), slog.LevelInfo, "kv: opened", slog.String("path", file), slog.Int("column_families", len(cfs)))
	return db, cfs, nil
}

func (kvEngine) destroy(path []byte, opts Options, logger *slog.Logger) error {
	if err := os.RemoveAll(string(path)); err != nil {
		return err
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "kv: destroyed", slog.String("path", string(path)))
	return nil
}

// repair opens the file with full verification, which is as much recovery
// as kv offers.
func (kvEngine) repair(path []byte, opts Options, logger *slog.Logger) error {
	file := kvFile(path)
	r := readOptions(opts)
	kopts := kvOptions(r, file, logger)
	if err := r.Err(); err != nil {
		return withEngine(err, KV)
	}
	kopts.VerifyDbBeforeOpen = true
	kopts.VerifyDbAfterOpen = true
	kdb, err := kv.Open(file, kopts)
	if err != nil {
		return fmt.Errorf("kv: repair %s: %w", path, err)
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "kv: verified", slog.String("path", string(path)))
	return kdb.Close()
}

type kvDB struct {
	kdb    *kv.DB
	path   string
	logger *slog.Logger
	txmu   sync.Mutex
}

func (db *kvDB) close() error {
	err := db.kdb.Close()
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "kv: closed", slog.String("path", db.path), slog.Any("err", err))
	return err
}

func (db *kvDB) checkRead(ro Options) (*optionReader, error) {
	r := readOptions(ro)
	r.Skip(OptVerifyChecksums, OptFillCache)
	if snap := r.Snapshot(); snap != nil {
		return nil, &OptionError{Engine: KV, Name: OptSnapshot, Value: snap, Msg: "snapshots are not supported by kv"}
	}
	if err := r.Err(); err != nil {
		return nil, withEngine(err, KV)
	}
	return r, nil
}

func (db *kvDB) get(cf nativeCF, key []byte, ro Options) ([]byte, bool, error) {
	if _, err := db.checkRead(ro); err != nil {
		return nil, false, err
	}
	return db.lookup(cf.(*prefixedCF).key(key))
}

func (db *kvDB) lookup(key []byte) ([]byte, bool, error) {
	v, err := db.kdb.Get(nil, key)
	if err != nil {
		return nil, false, err
	}
	if v != nil {
		return v, true, nil
	}
	// Get cannot tell an empty value from a missing key
	_, hit, err := db.kdb.Seek(key)
	if err != nil && !fileutil.IsEOF(err) {
		return nil, false, err
	}
	if hit {
		return []byte{}, true, nil
	}
	return nil, false, nil
}

func (db *kvDB) put(cf nativeCF, key, value []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchPut, key: key, value: value}}, wo)
}

func (db *kvDB) delete(cf nativeCF, key []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchDelete, key: key}}, wo)
}

func (db *kvDB) write(ops []batchOp, wo Options) error {
	r := readOptions(wo)
	r.Skip(OptSync, OptTimeoutHintUS, OptIgnoreMissingColumnFamilies)
	if err := r.Err(); err != nil {
		return withEngine(err, KV)
	}
	r.logUnused(db.logger, KV, scopeWrite, "write")

	prefixed := make([]batchOp, len(ops))
	for i, op := range ops {
		prefixed[i] = batchOp{kind: op.kind, key: op.cf.(*prefixedCF).key(op.key), value: op.value}
		if op.kind == batchPut && prefixed[i].value == nil {
			prefixed[i].value = []byte{}
		}
	}
	return db.apply(prefixed)
}

// apply runs ops, already carrying their final keys, in one transaction.
func (db *kvDB) apply(ops []batchOp) error {
	db.txmu.Lock()
	defer db.txmu.Unlock()

	good := false
	defer func() {
		if !good {
			db.kdb.Rollback()
		}
	}()
	if err := db.kdb.BeginTransaction(); err != nil {
		return err
	}
	for _, op := range ops {
		var err error
		switch op.kind {
		case batchPut:
			err = db.kdb.Set(op.key, op.value)
		case batchDelete:
			err = db.kdb.Delete(op.key)
		}
		if err != nil {
			return err
		}
	}
	good = true
	return db.kdb.Commit()
}

func (db *kvDB) countEstimate(cf nativeCF) (int64, error) {
	c := &kvCursor{kdb: db.kdb}
	prefix := cf.(*prefixedCF).prefix
	var n int64
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n, c.Err()
}

func (db *kvDB) newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error) {
	r, err := db.checkRead(ro)
	if err != nil {
		return nil, err
	}
	rang := keyRangeFromOptions(cf.(*prefixedCF).prefix, r)
	if err := r.Err(); err != nil {
		return nil, withEngine(err, KV)
	}
	return newRangeCursor(&kvCursor{kdb: db.kdb}, rang, mode), nil
}

func (db *kvDB) snapshot() (nativeSnapshot, error) {
	return nil, fmt.Errorf("kv: %w: snapshots", ErrNotSupported)
}

func (db *kvDB) property(name string) (string, bool, error) {
	switch name {
	case "kv.size":
		size, err := db.kdb.Size()
		if err != nil {
			return "", false, err
		}
		return fmt.Sprint(size), true, nil
	case "kv.wal":
		return db.kdb.WALName(), true, nil
	case "kvbind.column-families":
		c := &kvCursor{kdb: db.kdb}
		prefix := []byte(cfRegistryPrefix)
		var names []string
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			names = append(names, string(k[len(prefix):]))
		}
		if err := c.Err(); err != nil {
			return "", false, err
		}
		return strings.Join(names, ","), true, nil
	}
	return "", false, nil
}

// kvCursor gives kv's enumerators positioned-cursor semantics. kv
// enumerators return the current pair and then step, and mutations can
// invalidate them, so every move reseeks from the current key.
type kvCursor struct {
	kdb *kv.DB
	pos cursorPos
	key []byte
	err error
}

func (c *kvCursor) fail(err error) ([]byte, []byte) {
	if fileutil.IsEOF(err) {
		return c.land(nil, nil, posAfterLast)
	}
	if c.err == nil {
		c.err = err
	}
	c.pos, c.key = posAfterLast, nil
	return nil, nil
}

func (c *kvCursor) land(k, v []byte, past cursorPos) ([]byte, []byte) {
	if k == nil {
		c.pos, c.key = past, nil
		return nil, nil
	}
	c.pos, c.key = posOnKey, k
	return k, v
}

func (c *kvCursor) step(en *kv.Enumerator, forward bool) ([]byte, []byte, error) {
	if forward {
		return en.Next()
	}
	return en.Prev()
}

func (c *kvCursor) First() ([]byte, []byte) {
	en, err := c.kdb.SeekFirst()
	if err != nil {
		return c.fail(err)
	}
	k, v, err := en.Next()
	if err != nil {
		return c.fail(err)
	}
	return c.land(k, v, posAfterLast)
}

func (c *kvCursor) Last() ([]byte, []byte) {
	en, err := c.kdb.SeekLast()
	if err != nil {
		if fileutil.IsEOF(err) {
			return c.land(nil, nil, posBeforeFirst)
		}
		return c.fail(err)
	}
	k, v, err := en.Prev()
	if err != nil {
		return c.fail(err)
	}
	return c.land(k, v, posBeforeFirst)
}

func (c *kvCursor) Seek(seek []byte) ([]byte, []byte) {
	en, _, err := c.kdb.Seek(seek)
	if err != nil {
		return c.fail(err)
	}
	k, v, err := en.Next()
	if err != nil {
		return c.fail(err)
	}
	return c.land(k, v, posAfterLast)
}

func (c *kvCursor) Next() ([]byte, []byte) {
	switch c.pos {
	case posBeforeFirst:
		return c.First()
	case posAfterLast:
		return nil, nil
	}
	return c.move(true)
}

func (c *kvCursor) Prev() ([]byte, []byte) {
	switch c.pos {
	case posBeforeFirst:
		return nil, nil
	case posAfterLast:
		return c.Last()
	}
	return c.move(false)
}

func (c *kvCursor) move(forward bool) ([]byte, []byte) {
	cur := c.key
	en, _, err := c.kdb.Seek(cur)
	if err != nil {
		if !forward && fileutil.IsEOF(err) {
			return c.Last()
		}
		return c.fail(err)
	}
	past := posAfterLast
	if !forward {
		past = posBeforeFirst
	}
	for stepped := false; ; stepped = true {
		k, v, err := c.step(en, forward)
		if err != nil {
			if fileutil.IsEOF(err) {
				if !forward && !stepped {
					// cur sorts after every remaining key
					return c.Last()
				}
				return c.land(nil, nil, past)
			}
			return c.fail(err)
		}
		cmp := bytes.Compare(k, cur)
		if (forward && cmp > 0) || (!forward && cmp < 0) {
			return c.land(k, v, past)
		}
	}
}

func (c *kvCursor) Err() error { return c.err }

func (c *kvCursor) Close() error { return nil }
