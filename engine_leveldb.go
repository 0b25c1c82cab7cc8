package kvbind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func init() {
	registerEngine(LevelDB, levelEngine{})
}

// Beyond this many keys, countEstimate extrapolates from on-disk size.
const levelCountSampleSize = 1000

// levelEngine keeps every column family in one goleveldb keyspace, each
// under its own key prefix, with a registry key per column family.
type levelEngine struct{}

func levelOptions(opts Options, logger *slog.Logger, scope string) (*opt.Options, *optionReader) {
	r := readOptions(opts)
	o := &opt.Options{
		ErrorIfMissing:         !r.Bool(OptCreateIfMissing, false),
		ErrorIfExist:           r.Bool(OptErrorIfExists, false),
		WriteBuffer:            r.Int(OptWriteBufferSize, 0),
		BlockSize:              r.Int(OptBlockSize, 0),
		BlockCacheCapacity:     r.Int(OptBlockCacheSize, 0),
		BlockRestartInterval:   r.Int(OptBlockRestartInterval, 0),
		OpenFilesCacheCapacity: r.Int(OptMaxOpenFiles, 0),
	}
	if bits := r.Int(OptBloomFilterBits, 0); bits > 0 {
		o.Filter = filter.NewBloomFilter(bits)
	}
	if r.Bool(OptParanoidChecks, false) {
		o.Strict = opt.StrictAll
	}
	switch c := r.Compression(SnappyCompression); c {
	case NoCompression:
		o.Compression = opt.NoCompression
	case SnappyCompression:
		o.Compression = opt.SnappyCompression
	default:
		if r.err == nil {
			r.err = &OptionError{Name: OptCompression, Value: c, Msg: "not supported by leveldb"}
		}
	}
	for _, name := range []string{OptDBLogDir, OptWALDir} {
		if dir := r.Bytes(name); dir != nil && logger != nil {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "option ignored", slog.String("engine", string(LevelDB)), slog.String("scope", scope), slog.String("option", name), slog.String("path", string(dir)))
		}
	}
	return o, r
}

func (levelEngine) open(req openRequest) (nativeDB, []nativeCF, error) {
	o, r := levelOptions(req.DBOptions, req.Logger, "db")
	createMissingCFs := r.Bool(OptCreateMissingColumnFamilies, false)
	syncAll := r.Bool(OptUseFsync, false)
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, LevelDB)
	}
	r.logUnused(req.Logger, LevelDB, scopeDB, "db")
	for _, spec := range req.ColumnFamilies {
		readOptions(spec.Options).logUnused(req.Logger, LevelDB, scopeCF, "cf:"+spec.Name)
	}

	path := string(req.Path)
	ldb, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, nil, fmt.Errorf("leveldb: %s: %w", path, err)
	}

	db := &levelDB{ldb: ldb, path: path, logger: req.Logger, syncAll: syncAll}
	cfs := make([]nativeCF, len(req.ColumnFamilies))
	var created leveldb.Batch
	for i, spec := range req.ColumnFamilies {
		rk := cfRegistryKey(spec.Name)
		ok, err := ldb.Has(rk, nil)
		if err != nil {
			ldb.Close()
			return nil, nil, err
		}
		if !ok {
			if spec.Name != DefaultColumnFamily && !createMissingCFs {
				ldb.Close()
				return nil, nil, fmt.Errorf("leveldb: column family %q does not exist", spec.Name)
			}
			created.Put(rk, nil)
		}
		cfs[i] = newPrefixedCF(spec.Name)
	}
	if created.Len() > 0 {
		if err := ldb.Write(&created, &opt.WriteOptions{Sync: true}); err != nil {
			ldb.Close()
			return nil, nil, err
		}
	}
	req.Logger.LogAttrs(context.Background(), slog.LevelInfo, "leveldb: opened", slog.String("path", path), slog.Int("column_families", len(cfs)))
	return db, cfs, nil
}

func (levelEngine) destroy(path []byte, opts Options, logger *slog.Logger) error {
	if err := os.RemoveAll(string(path)); err != nil {
		return err
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "leveldb: destroyed", slog.String("path", string(path)))
	return nil
}

func (levelEngine) repair(path []byte, opts Options, logger *slog.Logger) error {
	o, r := levelOptions(opts, logger, "db")
	if err := r.Err(); err != nil {
		return withEngine(err, LevelDB)
	}
	o.ErrorIfMissing = true
	o.ErrorIfExist = false
	ldb, err := leveldb.RecoverFile(string(path), o)
	if err != nil {
		return fmt.Errorf("leveldb: repair %s: %w", path, err)
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "leveldb: repaired", slog.String("path", string(path)))
	return ldb.Close()
}

type levelDB struct {
	ldb     *leveldb.DB
	path    string
	logger  *slog.Logger
	syncAll bool
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *levelSnapshot) release() { s.snap.Release() }

// levelReader is satisfied by both *leveldb.DB and *leveldb.Snapshot.
type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func (db *levelDB) close() error {
	err := db.ldb.Close()
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "leveldb: closed", slog.String("path", db.path), slog.Any("err", err))
	return err
}

func (db *levelDB) readSource(ro Options) (levelReader, *opt.ReadOptions, *optionReader, error) {
	r := readOptions(ro)
	o := &opt.ReadOptions{
		DontFillCache: !r.Bool(OptFillCache, true),
	}
	if r.Bool(OptVerifyChecksums, false) {
		o.Strict = opt.StrictBlockChecksum
	}
	var src levelReader = db.ldb
	if snap := r.Snapshot(); snap != nil {
		ls, ok := snap.(*levelSnapshot)
		if !ok {
			return nil, nil, nil, &OptionError{Engine: LevelDB, Name: OptSnapshot, Value: snap, Msg: "snapshot belongs to another engine"}
		}
		src = ls.snap
	}
	return src, o, r, nil
}

func (db *levelDB) writeOptions(wo Options) (*opt.WriteOptions, error) {
	r := readOptions(wo)
	o := &opt.WriteOptions{Sync: r.Bool(OptSync, db.syncAll)}
	r.Skip(OptTimeoutHintUS, OptIgnoreMissingColumnFamilies)
	if err := r.Err(); err != nil {
		return nil, withEngine(err, LevelDB)
	}
	r.logUnused(db.logger, LevelDB, scopeWrite, "write")
	return o, nil
}

func (db *levelDB) get(cf nativeCF, key []byte, ro Options) ([]byte, bool, error) {
	src, o, r, err := db.readSource(ro)
	if err != nil {
		return nil, false, err
	}
	if err := r.Err(); err != nil {
		return nil, false, withEngine(err, LevelDB)
	}
	value, err := src.Get(cf.(*prefixedCF).key(key), o)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (db *levelDB) put(cf nativeCF, key, value []byte, wo Options) error {
	o, err := db.writeOptions(wo)
	if err != nil {
		return err
	}
	return db.ldb.Put(cf.(*prefixedCF).key(key), value, o)
}

func (db *levelDB) delete(cf nativeCF, key []byte, wo Options) error {
	o, err := db.writeOptions(wo)
	if err != nil {
		return err
	}
	return db.ldb.Delete(cf.(*prefixedCF).key(key), o)
}

func (db *levelDB) write(ops []batchOp, wo Options) error {
	o, err := db.writeOptions(wo)
	if err != nil {
		return err
	}
	var b leveldb.Batch
	for _, op := range ops {
		k := op.cf.(*prefixedCF).key(op.key)
		switch op.kind {
		case batchPut:
			b.Put(k, op.value)
		case batchDelete:
			b.Delete(k)
		}
	}
	return db.ldb.Write(&b, o)
}

// countEstimate counts exactly up to levelCountSampleSize keys; for larger
// column families it divides the on-disk size of the prefix by the average
// size of the sampled entries.
func (db *levelDB) countEstimate(cf nativeCF) (int64, error) {
	pcf := cf.(*prefixedCF)
	rang := util.BytesPrefix(pcf.prefix)
	it := db.ldb.NewIterator(rang, &opt.ReadOptions{DontFillCache: true})
	defer it.Release()

	var n, sampled int64
	for it.Next() {
		n++
		sampled += int64(len(it.Key()) + len(it.Value()))
		if n >= levelCountSampleSize {
			break
		}
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	if n < levelCountSampleSize {
		return n, nil
	}
	sizes, err := db.ldb.SizeOf([]util.Range{*rang})
	if err != nil {
		return 0, err
	}
	avg := max(sampled/n, 1)
	return max(sizes.Sum()/avg, n), nil
}

func (db *levelDB) newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error) {
	src, o, r, err := db.readSource(ro)
	if err != nil {
		return nil, err
	}
	pcf := cf.(*prefixedCF)
	rang := keyRangeFromOptions(pcf.prefix, r)
	if err := r.Err(); err != nil {
		return nil, withEngine(err, LevelDB)
	}
	it := src.NewIterator(util.BytesPrefix(pcf.prefix), o)
	return newRangeCursor(levelCursor{it}, rang, mode), nil
}

func (db *levelDB) snapshot() (nativeSnapshot, error) {
	snap, err := db.ldb.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &levelSnapshot{snap: snap}, nil
}

func (db *levelDB) property(name string) (string, bool, error) {
	if name == "kvbind.column-families" {
		return db.columnFamilies()
	}
	v, err := db.ldb.GetProperty(name)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (db *levelDB) columnFamilies() (string, bool, error) {
	it := db.ldb.NewIterator(util.BytesPrefix([]byte(cfRegistryPrefix)), nil)
	defer it.Release()
	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(cfRegistryPrefix):]))
	}
	if err := it.Error(); err != nil {
		return "", false, err
	}
	slices.Sort(names)
	return strings.Join(names, ","), true, nil
}

// levelCursor adapts a goleveldb iterator to rawCursor.
type levelCursor struct {
	it iterator.Iterator
}

func (c levelCursor) pair(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	return c.it.Key(), c.it.Value()
}

func (c levelCursor) First() ([]byte, []byte)           { return c.pair(c.it.First()) }
func (c levelCursor) Last() ([]byte, []byte)            { return c.pair(c.it.Last()) }
func (c levelCursor) Seek(seek []byte) ([]byte, []byte) { return c.pair(c.it.Seek(seek)) }
func (c levelCursor) Next() ([]byte, []byte)            { return c.pair(c.it.Next()) }
func (c levelCursor) Prev() ([]byte, []byte)            { return c.pair(c.it.Prev()) }

func (c levelCursor) Err() error {
	err := c.it.Error()
	if lverrors.IsCorrupted(err) {
		return fmt.Errorf("leveldb: %w (try Repair)", err)
	}
	return err
}

func (c levelCursor) Close() error {
	c.it.Release()
	return nil
}
