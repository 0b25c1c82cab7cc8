package kvbind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Config selects the engine and value encoding, and where the binding logs.
// The zero Config uses LevelDB, MsgPack and slog.Default().
type Config struct {
	Engine   Engine
	Encoding Encoding
	Logger   *slog.Logger

	// Verbose logs every put, get and delete at debug level.
	Verbose bool
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// DB is an open database. It is safe for concurrent use to the extent the
// engine is; the binding keeps no mutable state of its own besides the
// closed flag.
type DB struct {
	native    nativeDB
	defaultCF nativeCF
	engine    Engine
	encoding  Encoding
	path      string
	logger    *slog.Logger
	verbose   bool
	closed    atomic.Bool
}

// Open opens the database at path with the default Config.
func Open(path string, dbOpts, cfOpts Options) (*DB, error) {
	return Config{}.Open(path, dbOpts, cfOpts)
}

// Open opens the database at path. cfOpts apply to the default column
// family.
func (c Config) Open(path string, dbOpts, cfOpts Options) (*DB, error) {
	db, _, err := c.OpenWithColumnFamilies(path, dbOpts, []ColumnFamilyDescriptor{
		{Name: DefaultColumnFamily, Options: cfOpts},
	})
	return db, err
}

// OpenWithColumnFamilies opens the database at path along with the given
// column families, returning their handles in descriptor order. The default
// column family is always opened, even if not listed. Whether missing
// column families are created is up to the engine and the
// create_missing_column_families option.
func (c Config) OpenWithColumnFamilies(path string, dbOpts Options, descs []ColumnFamilyDescriptor) (*DB, []*ColumnFamily, error) {
	eng, err := lookupEngine(c.Engine)
	if err != nil {
		return nil, nil, err
	}
	engineName := c.Engine
	if engineName == "" {
		engineName = defaultEngine
	}

	specs := []cfSpec{{Name: DefaultColumnFamily}}
	positions := make([]int, len(descs))
	seen := make(map[string]bool, len(descs))
	for i, d := range descs {
		if err := validateColumnFamilyName(d.Name); err != nil {
			return nil, nil, err
		}
		if seen[d.Name] {
			return nil, nil, fmt.Errorf("kvbind: column family %q listed twice", d.Name)
		}
		seen[d.Name] = true
		if d.Name == DefaultColumnFamily {
			specs[0].Options = sanitize(d.Options)
			positions[i] = 0
		} else {
			positions[i] = len(specs)
			specs = append(specs, cfSpec{Name: d.Name, Options: sanitize(d.Options)})
		}
	}

	logger := c.logger()
	native, ncfs, err := eng.open(openRequest{
		Path:           []byte(path),
		DBOptions:      sanitize(dbOpts),
		ColumnFamilies: specs,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(ncfs) != len(specs) {
		native.close()
		return nil, nil, fmt.Errorf("kvbind: %s returned %d column families, wanted %d", engineName, len(ncfs), len(specs))
	}

	db := &DB{
		native:    native,
		defaultCF: ncfs[0],
		engine:    engineName,
		encoding:  c.Encoding,
		path:      path,
		logger:    logger,
		verbose:   c.Verbose,
	}
	handles := make([]*ColumnFamily, len(descs))
	for i, pos := range positions {
		handles[i] = &ColumnFamily{db: db, name: specs[pos].Name, native: ncfs[pos]}
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: OPEN", slog.String("engine", string(engineName)), slog.String("path", path), slog.Int("column_families", len(specs)))
	}
	return db, handles, nil
}

// Close releases the database. Closing twice returns ErrClosed. If the
// engine refuses to close (bolt does while snapshots are open),
// its error is returned and the database stays open.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: CLOSE", slog.String("path", db.path))
	}
	if err := db.native.close(); err != nil {
		if errors.Is(err, ErrBusy) {
			db.closed.Store(false)
		}
		return err
	}
	return nil
}

func (db *DB) Engine() Engine     { return db.engine }
func (db *DB) Encoding() Encoding { return db.encoding }
func (db *DB) Path() string       { return db.path }

// PutRaw stores value under key in the default column family as is.
func (db *DB) PutRaw(key, value []byte, wo Options) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: PUT", hexAttr("key", key), slog.Int("size", len(value)))
	}
	return db.native.put(db.defaultCF, key, value, wo)
}

// PutValue serializes v with the database's encoding and stores it under
// key in the default column family. A []byte is stored unchanged.
func (db *DB) PutValue(key []byte, v any, wo Options) error {
	data, err := db.encoding.Encode(v)
	if err != nil {
		return err
	}
	return db.PutRaw(key, data, wo)
}

func (db *DB) PutRawCF(cf *ColumnFamily, key, value []byte, wo Options) error {
	h, err := cf.nativeHandle(db)
	if err != nil {
		return err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: PUT", slog.String("cf", cf.name), hexAttr("key", key), slog.Int("size", len(value)))
	}
	return db.native.put(h, key, value, wo)
}

func (db *DB) PutValueCF(cf *ColumnFamily, key []byte, v any, wo Options) error {
	data, err := db.encoding.Encode(v)
	if err != nil {
		return err
	}
	return db.PutRawCF(cf, key, data, wo)
}

// Get reads key from the default column family. found is false when the
// key does not exist, which is not an error. With the Decode read option
// the value is deserialized (see Encoding.Decode) and a *DecodeError is
// returned if the stored bytes are not a valid encoded value; without it
// the value is the stored []byte.
func (db *DB) Get(key []byte, ro Options) (value any, found bool, err error) {
	rc, native, err := db.splitReadOptions(ro)
	if err != nil {
		return nil, false, err
	}
	raw, found, err := db.get(key, native)
	if err != nil || !found {
		return nil, found, err
	}
	if !rc.Decode {
		return raw, true, nil
	}
	v, err := db.encoding.Decode(raw)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// GetRaw reads the stored bytes of key. The Decode option is ignored.
func (db *DB) GetRaw(key []byte, ro Options) ([]byte, bool, error) {
	_, native, err := db.splitReadOptions(ro)
	if err != nil {
		return nil, false, err
	}
	return db.get(key, native)
}

// GetValue reads key and decodes it into a T. The Decode option is implied.
func GetValue[T any](db *DB, key []byte, ro Options) (T, bool, error) {
	var result T
	raw, found, err := db.GetRaw(key, ro)
	if err != nil || !found {
		return result, found, err
	}
	if err := db.encoding.DecodeInto(raw, &result); err != nil {
		return result, true, err
	}
	return result, true, nil
}

func (db *DB) get(key []byte, native Options) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	raw, found, err := db.native.get(db.defaultCF, key, native)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: GET", hexAttr("key", key), slog.Bool("found", found), slog.Int("size", len(raw)))
	}
	return raw, found, err
}

// Delete removes key from the default column family. Deleting a missing
// key is not an error.
func (db *DB) Delete(key []byte, wo Options) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: DELETE", hexAttr("key", key))
	}
	return db.native.delete(db.defaultCF, key, wo)
}

// Write applies every operation in b atomically.
func (db *DB) Write(b *Batch, wo Options) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if b.db != db {
		return fmt.Errorf("kvbind: batch belongs to another database")
	}
	if b.err != nil {
		return b.err
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: WRITE", slog.Int("ops", len(b.ops)))
	}
	return db.native.write(b.ops, wo)
}

// Count returns the engine's estimate of the number of keys in the default
// column family. It is not exact.
func (db *DB) Count() (int64, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	n, err := db.native.countEstimate(db.defaultCF)
	if err != nil {
		return 0, err
	}
	return max(n, 0), nil
}

// IsEmpty reports whether the default column family has no keys.
func (db *DB) IsEmpty() (bool, error) {
	s := db.Keys(nil)
	defer s.Close()
	if s.Next() {
		return false, nil
	}
	return true, s.Err()
}

// Property returns an engine-specific property, such as "leveldb.stats".
func (db *DB) Property(name string) (string, bool, error) {
	if db.closed.Load() {
		return "", false, ErrClosed
	}
	return db.native.property(name)
}

func (db *DB) splitReadOptions(ro Options) (readConfig, Options, error) {
	rc, native, err := splitReadOptions(ro)
	if err != nil {
		return rc, nil, err
	}
	if v, ok := native.Lookup(OptSnapshot); ok {
		if s, ok := v.(*Snapshot); ok && s != nil && s.db != db {
			return rc, nil, fmt.Errorf("kvbind: snapshot belongs to another database")
		}
	}
	return rc, native, nil
}

// Destroy removes the database at path using the default Config.
func Destroy(path string, opts Options) error {
	return Config{}.Destroy(path, opts)
}

// Destroy removes the database at path. The database must not be open.
func (c Config) Destroy(path string, opts Options) error {
	eng, err := lookupEngine(c.Engine)
	if err != nil {
		return err
	}
	return eng.destroy([]byte(path), sanitize(opts), c.logger())
}

// Repair tries to recover a database the engine cannot open, using the
// default Config.
func Repair(path string, opts Options) error {
	return Config{}.Repair(path, opts)
}

func (c Config) Repair(path string, opts Options) error {
	eng, err := lookupEngine(c.Engine)
	if err != nil {
		return err
	}
	return eng.repair([]byte(path), sanitize(opts), c.logger())
}
