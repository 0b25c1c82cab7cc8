package kvbind

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

func init() {
	registerEngine(Bolt, boltEngine{})
}

const (
	boltFileName = "bolt.db"

	// bbolt grows its mapping under a lock that every read transaction
	// holds, so the mapping is sized up front for snapshots to coexist
	// with writes.
	boltDefaultMmapSize = 64 << 20
)

// boltEngine stores each column family in its own bbolt bucket. The
// database path is a directory holding a single bbolt file.
type boltEngine struct{}

func boltFile(path []byte) string {
	return filepath.Join(string(path), boltFileName)
}

func boltOptions(r *optionReader) *bbolt.Options {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.FreelistType = bbolt.FreelistMapType
	bopt.InitialMmapSize = boltDefaultMmapSize
	if n := r.Int(OptMmapSize, 0); n > 0 {
		bopt.InitialMmapSize = n
	}
	bopt.NoSync = !r.Bool(OptUseFsync, true)
	return bopt
}

func (boltEngine) open(req openRequest) (nativeDB, []nativeCF, error) {
	r := readOptions(req.DBOptions)
	createIfMissing := r.Bool(OptCreateIfMissing, false)
	errorIfExists := r.Bool(OptErrorIfExists, false)
	createMissingCFs := r.Bool(OptCreateMissingColumnFamilies, false)
	bopt := boltOptions(r)
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, Bolt)
	}
	r.logUnused(req.Logger, Bolt, scopeDB, "db")
	for _, spec := range req.ColumnFamilies {
		readOptions(spec.Options).logUnused(req.Logger, Bolt, scopeCF, "cf:"+spec.Name)
	}

	file := boltFile(req.Path)
	if _, err := os.Stat(file); err == nil {
		if errorIfExists {
			return nil, nil, fmt.Errorf("bolt: %s: exists (error_if_exists is true)", req.Path)
		}
	} else if os.IsNotExist(err) {
		if !createIfMissing {
			return nil, nil, fmt.Errorf("bolt: %s: does not exist (create_if_missing is false)", req.Path)
		}
		if err := os.MkdirAll(string(req.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("bolt: %w", err)
		}
	} else {
		return nil, nil, fmt.Errorf("bolt: %w", err)
	}

	bdb, err := bbolt.Open(file, 0o666, bopt)
	if err != nil {
		return nil, nil, fmt.Errorf("bolt: %w", err)
	}

	cfs := make([]nativeCF, len(req.ColumnFamilies))
	err = bdb.Update(func(btx *bbolt.Tx) error {
		for i, spec := range req.ColumnFamilies {
			name := unsafeBytesFromString(spec.Name)
			if btx.Bucket(name) == nil {
				if spec.Name != DefaultColumnFamily && !createMissingCFs {
					return fmt.Errorf("bolt: column family %q does not exist", spec.Name)
				}
				if _, err := btx.CreateBucket(name); err != nil {
					return err
				}
			}
			cfs[i] = &boltCF{name: []byte(spec.Name)}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, nil, err
	}
	mapped := int64(bopt.InitialMmapSize)
	if fi, err := os.Stat(file); err == nil {
		mapped = max(mapped, fi.Size())
	}
	req.Logger.LogAttrs(context.Background(), slog.LevelInfo, "bolt: opened", slog.String("path", file), slog.Int("column_families", len(cfs)), slog.Int64("mapped", mapped))
	return &boltDB{bdb: bdb, path: file, logger: req.Logger, mapped: mapped}, cfs, nil
}

func (boltEngine) destroy(path []byte, opts Options, logger *slog.Logger) error {
	if err := os.RemoveAll(string(path)); err != nil {
		return err
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "bolt: destroyed", slog.String("path", string(path)))
	return nil
}

// repair copies every readable bucket into a fresh file and swaps it in.
func (boltEngine) repair(path []byte, opts Options, logger *slog.Logger) error {
	file := boltFile(path)
	tempFile := file + ".repair"

	src, err := bbolt.Open(file, 0o666, &bbolt.Options{Timeout: 10 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("bolt: repair %s: %w", path, err)
	}

	dst, err := bbolt.Open(tempFile, 0o666, nil)
	if err != nil {
		src.Close()
		return fmt.Errorf("bolt: repair %s: %w", path, err)
	}
	var copied int
	err = src.View(func(stx *bbolt.Tx) error {
		return dst.Update(func(dtx *bbolt.Tx) error {
			return stx.ForEach(func(name []byte, sb *bbolt.Bucket) error {
				nb, err := dtx.CreateBucket(name)
				if err != nil {
					return err
				}
				return sb.ForEach(func(k, v []byte) error {
					if v == nil {
						return nil
					}
					copied++
					return nb.Put(k, v)
				})
			})
		})
	})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	src.Close()
	if err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("bolt: repair %s: %w", path, err)
	}
	if err := os.Rename(tempFile, file); err != nil {
		return fmt.Errorf("bolt: repair %s: %w", path, err)
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "bolt: repaired", slog.String("path", string(path)), slog.Int("keys", copied))
	return nil
}

type boltCF struct {
	name []byte
}

// boltDB counts its open snapshots, each of which holds a read transaction.
// bbolt's Close waits for them, so closing is refused instead. A commit that
// outgrows the mapping waits for them too; see checkHeadroom.
type boltDB struct {
	bdb       *bbolt.DB
	path      string
	logger    *slog.Logger
	mapped    int64 // lower bound of bbolt's mapping size
	snapshots atomic.Int64
}

type boltSnapshot struct {
	db       *boltDB
	btx      *bbolt.Tx
	released atomic.Bool
}

func (s *boltSnapshot) release() {
	if s.released.CompareAndSwap(false, true) {
		s.btx.Rollback()
		s.db.snapshots.Add(-1)
	}
}

func (db *boltDB) close() error {
	if n := db.snapshots.Load(); n > 0 {
		return fmt.Errorf("bolt: %w (%d snapshots open)", ErrBusy, n)
	}
	err := db.bdb.Close()
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "bolt: closed", slog.String("path", db.path), slog.Any("err", err))
	return err
}

func (db *boltDB) bucket(btx *bbolt.Tx, cf nativeCF) (*bbolt.Bucket, error) {
	name := cf.(*boltCF).name
	b := btx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bolt: column family %q does not exist", name)
	}
	return b, nil
}

// view runs fn inside the snapshot's transaction when ro carries one, and a
// fresh read transaction otherwise.
func (db *boltDB) view(ro Options, fn func(btx *bbolt.Tx, r *optionReader) error) error {
	r := readOptions(ro)
	r.Skip(OptVerifyChecksums, OptFillCache)
	snap := r.Snapshot()
	if err := r.Err(); err != nil {
		return withEngine(err, Bolt)
	}
	if snap != nil {
		bs, ok := snap.(*boltSnapshot)
		if !ok {
			return &OptionError{Engine: Bolt, Name: OptSnapshot, Value: snap, Msg: "snapshot belongs to another engine"}
		}
		return fn(bs.btx, r)
	}
	return db.bdb.View(func(btx *bbolt.Tx) error {
		return fn(btx, r)
	})
}

func (db *boltDB) get(cf nativeCF, key []byte, ro Options) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := db.view(ro, func(btx *bbolt.Tx, _ *optionReader) error {
		b, err := db.bucket(btx, cf)
		if err != nil {
			return err
		}
		v := b.Get(key)
		if v != nil {
			// only valid for the life of the transaction
			value, found = slices.Clone(v), true
		}
		return nil
	})
	return value, found, err
}

func (db *boltDB) put(cf nativeCF, key, value []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchPut, key: key, value: value}}, wo)
}

func (db *boltDB) delete(cf nativeCF, key []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchDelete, key: key}}, wo)
}

func (db *boltDB) write(ops []batchOp, wo Options) error {
	r := readOptions(wo)
	r.Skip(OptSync, OptTimeoutHintUS)
	ignoreMissing := r.Bool(OptIgnoreMissingColumnFamilies, false)
	if err := r.Err(); err != nil {
		return withEngine(err, Bolt)
	}
	r.logUnused(db.logger, Bolt, scopeWrite, "write")

	return db.bdb.Update(func(btx *bbolt.Tx) error {
		if err := db.checkHeadroom(btx, ops); err != nil {
			return err
		}
		for _, op := range ops {
			b := btx.Bucket(op.cf.(*boltCF).name)
			if b == nil {
				if ignoreMissing {
					continue
				}
				return fmt.Errorf("bolt: column family %q does not exist", op.cf.(*boltCF).name)
			}
			var err error
			switch op.kind {
			case batchPut:
				err = b.Put(op.key, op.value)
			case batchDelete:
				err = b.Delete(op.key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// checkHeadroom refuses a write that could make bbolt remap the file while
// a snapshot is open: the remap would wait for the snapshot's read
// transaction forever. The growth estimate errs on the high side.
func (db *boltDB) checkHeadroom(btx *bbolt.Tx, ops []batchOp) error {
	n := db.snapshots.Load()
	if n == 0 {
		return nil
	}
	pageSize := int64(db.bdb.Info().PageSize)
	var payload int64
	for _, op := range ops {
		payload += int64(len(op.key) + len(op.value))
	}
	st := db.bdb.Stats()
	freelist := int64(st.FreePageN+st.PendingPageN+len(ops)*8) * 8
	growth := 2*payload + int64(len(ops)*8+16)*pageSize + freelist
	if need := btx.Size() + growth; need >= db.mapped {
		return fmt.Errorf("bolt: %w: write needs up to %d bytes of a %d byte mapping while %d snapshots are open; release them or raise mmap_size", ErrBusy, need, db.mapped, n)
	}
	return nil
}

func (db *boltDB) countEstimate(cf nativeCF) (int64, error) {
	var n int64
	err := db.bdb.View(func(btx *bbolt.Tx) error {
		b, err := db.bucket(btx, cf)
		if err != nil {
			return err
		}
		n = int64(b.Stats().KeyN)
		return nil
	})
	return n, err
}

func (db *boltDB) newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error) {
	r := readOptions(ro)
	r.Skip(OptVerifyChecksums, OptFillCache)
	snap := r.Snapshot()
	rang := keyRangeFromOptions(nil, r)
	if err := r.Err(); err != nil {
		return nil, withEngine(err, Bolt)
	}

	if snap != nil {
		bs, ok := snap.(*boltSnapshot)
		if !ok {
			return nil, &OptionError{Engine: Bolt, Name: OptSnapshot, Value: snap, Msg: "snapshot belongs to another engine"}
		}
		b, err := db.bucket(bs.btx, cf)
		if err != nil {
			return nil, err
		}
		return newRangeCursor(boltCursor{c: b.Cursor()}, rang, mode), nil
	}

	name := cf.(*boltCF).name
	err := db.bdb.View(func(btx *bbolt.Tx) error {
		_, err := db.bucket(btx, cf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newRangeCursor(&boltLiveCursor{db: db, name: name}, rang, mode), nil
}

func (db *boltDB) snapshot() (nativeSnapshot, error) {
	btx, err := db.bdb.Begin(false)
	if err != nil {
		return nil, err
	}
	db.snapshots.Add(1)
	return &boltSnapshot{db: db, btx: btx}, nil
}

func (db *boltDB) property(name string) (string, bool, error) {
	switch name {
	case "bolt.stats":
		s := db.bdb.Stats()
		return fmt.Sprintf("tx=%d open_tx=%d free_pages=%d pending_pages=%d free_alloc=%d", s.TxN, s.OpenTxN, s.FreePageN, s.PendingPageN, s.FreeAlloc), true, nil
	case "bolt.size":
		var size int64
		err := db.bdb.View(func(btx *bbolt.Tx) error {
			size = btx.Size()
			return nil
		})
		return strconv.FormatInt(size, 10), err == nil, err
	case "kvbind.column-families":
		var names []string
		err := db.bdb.View(func(btx *bbolt.Tx) error {
			return btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
				names = append(names, string(name))
				return nil
			})
		})
		return strings.Join(names, ","), err == nil, err
	}
	return "", false, nil
}

// boltCursor adapts bbolt.Cursor to rawCursor inside a snapshot's
// transaction.
type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c boltCursor) Err() error { return nil }

func (c boltCursor) Close() error { return nil }

// boltLiveCursor runs every move in its own short read transaction and
// reseeks from the last key, so an open stream never holds a transaction
// between moves and sees writes made since.
type boltLiveCursor struct {
	db   *boltDB
	name []byte
	pos  cursorPos
	key  []byte
	err  error
}

func (c *boltLiveCursor) move(past cursorPos, fn func(bc *bbolt.Cursor) ([]byte, []byte)) ([]byte, []byte) {
	var k, v []byte
	err := c.db.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(c.name)
		if b == nil {
			return fmt.Errorf("bolt: column family %q does not exist", c.name)
		}
		k, v = fn(b.Cursor())
		// only valid for the life of the transaction
		k, v = slices.Clone(k), slices.Clone(v)
		return nil
	})
	if err != nil {
		if c.err == nil {
			c.err = err
		}
		c.pos, c.key = posAfterLast, nil
		return nil, nil
	}
	if k == nil {
		c.pos, c.key = past, nil
		return nil, nil
	}
	c.pos, c.key = posOnKey, k
	return k, v
}

func (c *boltLiveCursor) First() ([]byte, []byte) {
	return c.move(posAfterLast, (*bbolt.Cursor).First)
}

func (c *boltLiveCursor) Last() ([]byte, []byte) {
	return c.move(posBeforeFirst, (*bbolt.Cursor).Last)
}

func (c *boltLiveCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.move(posAfterLast, func(bc *bbolt.Cursor) ([]byte, []byte) {
		return bc.Seek(seek)
	})
}

func (c *boltLiveCursor) Next() ([]byte, []byte) {
	switch c.pos {
	case posBeforeFirst:
		return c.First()
	case posAfterLast:
		return nil, nil
	}
	cur := c.key
	return c.move(posAfterLast, func(bc *bbolt.Cursor) ([]byte, []byte) {
		k, v := bc.Seek(cur)
		if k != nil && bytes.Equal(k, cur) {
			return bc.Next()
		}
		return k, v
	})
}

func (c *boltLiveCursor) Prev() ([]byte, []byte) {
	switch c.pos {
	case posBeforeFirst:
		return nil, nil
	case posAfterLast:
		return c.Last()
	}
	cur := c.key
	return c.move(posBeforeFirst, func(bc *bbolt.Cursor) ([]byte, []byte) {
		if k, _ := bc.Seek(cur); k == nil {
			return bc.Last()
		}
		return bc.Prev()
	})
}

func (c *boltLiveCursor) Err() error { return c.err }

func (c *boltLiveCursor) Close() error { return nil }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
