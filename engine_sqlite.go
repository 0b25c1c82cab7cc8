package kvbind

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go4.org/syncutil"
	_ "modernc.org/sqlite"
)

func init() {
	registerEngine(SQLite, sqliteEngine{})
}

const (
	sqliteFileName      = "sqlite.db"
	sqliteSchemaVersion = 1
	sqliteBusyTimeoutMS = 5000
)

// sqliteEngine keeps one table of blob keys and values in an SQLite file,
// with column families as key prefixes like leveldb. Writers are serialized
// through a gate; the file runs in WAL mode so snapshots (read transactions)
// do not block them.
type sqliteEngine struct{}

func sqliteFile(path []byte) string {
	return filepath.Join(string(path), sqliteFileName)
}

func sqliteCreateTables() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS rows (
 k BLOB NOT NULL PRIMARY KEY,
 v BLOB NOT NULL) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS meta (
 metakey VARCHAR(255) NOT NULL PRIMARY KEY,
 value VARCHAR(255) NOT NULL)`,
	}
}

// sqliteDSN turns recognized options into per-connection pragmas.
func sqliteDSN(file string, r *optionReader) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeoutMS))
	q.Add("_pragma", "journal_mode(wal)")
	if r.Bool(OptUseFsync, false) {
		q.Add("_pragma", "synchronous(full)")
	} else {
		q.Add("_pragma", "synchronous(normal)")
	}
	if n := r.Int(OptBlockCacheSize, 0); n > 0 {
		// negative means KiB rather than pages
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", -max(n/1024, 1)))
	}
	if n := r.Int(OptMmapSize, 0); n > 0 {
		q.Add("_pragma", fmt.Sprintf("mmap_size(%d)", n))
	}
	return "file:" + file + "?" + q.Encode()
}

func (sqliteEngine) open(req openRequest) (nativeDB, []nativeCF, error) {
	file := sqliteFile(req.Path)
	r := readOptions(req.DBOptions)
	createIfMissing := r.Bool(OptCreateIfMissing, false)
	errorIfExists := r.Bool(OptErrorIfExists, false)
	createMissingCFs := r.Bool(OptCreateMissingColumnFamilies, false)
	paranoid := r.Bool(OptParanoidChecks, false)
	dsn := sqliteDSN(file, r)
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, SQLite)
	}
	r.logUnused(req.Logger, SQLite, scopeDB, "db")
	for _, spec := range req.ColumnFamilies {
		readOptions(spec.Options).logUnused(req.Logger, SQLite, scopeCF, "cf:"+spec.Name)
	}

	creating := false
	if fi, err := os.Stat(file); err == nil && fi.Size() > 0 {
		if errorIfExists {
			return nil, nil, fmt.Errorf("sqlite: %s: exists (error_if_exists is true)", req.Path)
		}
	} else if err == nil || os.IsNotExist(err) {
		if !createIfMissing {
			return nil, nil, fmt.Errorf("sqlite: %s: does not exist (create_if_missing is false)", req.Path)
		}
		if err := os.MkdirAll(string(req.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		creating = true
	} else {
		return nil, nil, fmt.Errorf("sqlite: %w", err)
	}

	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: %s: %w", file, err)
	}
	db := &sqliteDB{sdb: sdb, path: file, logger: req.Logger, gate: syncutil.NewGate(1)}

	fail := func(err error) (nativeDB, []nativeCF, error) {
		sdb.Close()
		return nil, nil, err
	}
	if creating {
		if err := db.initSchema(); err != nil {
			return fail(fmt.Errorf("sqlite: could not initialize %s: %w", file, err))
		}
	}
	version, err := db.schemaVersion()
	if err != nil {
		return fail(fmt.Errorf("sqlite: %s: error getting schema version: %w", file, err))
	}
	if version != sqliteSchemaVersion {
		return fail(fmt.Errorf("sqlite: %s: schema version is %d, expected %d", file, version, sqliteSchemaVersion))
	}
	if paranoid {
		if err := db.integrityCheck(); err != nil {
			return fail(err)
		}
	}

	cfs := make([]nativeCF, len(req.ColumnFamilies))
	var missing []batchOp
	for i, spec := range req.ColumnFamilies {
		rk := cfRegistryKey(spec.Name)
		_, ok, err := db.lookup(db.sdb, rk)
		if err != nil {
			return fail(err)
		}
		if !ok {
			if spec.Name != DefaultColumnFamily && !createMissingCFs {
				return fail(fmt.Errorf("sqlite: column family %q does not exist", spec.Name))
			}
			missing = append(missing, batchOp{kind: batchPut, key: rk, value: []byte{}})
		}
		cfs[i] = newPrefixedCF(spec.Name)
	}
	if len(missing) > 0 {
		if err := db.apply(missing); err != nil {
			return fail(err)
		}
	}
	req.Logger.LogAttrs(context.Background(), slog.LevelInfo, "sqlite: opened", slog.String("path", file), slog.Int("column_families", len(cfs)))
	return db, cfs, nil
}

func (sqliteEngine) destroy(path []byte, opts Options, logger *slog.Logger) error {
	if err := os.RemoveAll(string(path)); err != nil {
		return err
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "sqlite: destroyed", slog.String("path", string(path)))
	return nil
}

// repair rebuilds the file with VACUUM and verifies the result.
func (sqliteEngine) repair(path []byte, opts Options, logger *slog.Logger) error {
	file := sqliteFile(path)
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("sqlite: repair %s: %w", path, err)
	}
	r := readOptions(opts)
	dsn := sqliteDSN(file, r)
	if err := r.Err(); err != nil {
		return withEngine(err, SQLite)
	}
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite: repair %s: %w", path, err)
	}
	defer sdb.Close()
	db := &sqliteDB{sdb: sdb, path: file, logger: logger}
	if _, err := sdb.Exec("VACUUM"); err != nil {
		return fmt.Errorf("sqlite: repair %s: %w", path, err)
	}
	if err := db.integrityCheck(); err != nil {
		return err
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "sqlite: repaired", slog.String("path", string(path)))
	return nil
}

// sqlQueryer is satisfied by both *sql.DB and *sql.Tx.
type sqlQueryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

type sqliteDB struct {
	sdb    *sql.DB
	path   string
	logger *slog.Logger
	gate   *syncutil.Gate
}

type sqliteSnapshot struct {
	tx *sql.Tx
}

func (s *sqliteSnapshot) release() { s.tx.Rollback() }

func (db *sqliteDB) initSchema() error {
	for _, stmt := range sqliteCreateTables() {
		if _, err := db.sdb.Exec(stmt); err != nil {
			return fmt.Errorf("error creating table with %q: %w", stmt, err)
		}
	}
	_, err := db.sdb.Exec(`REPLACE INTO meta VALUES ('version', ?)`, strconv.Itoa(sqliteSchemaVersion))
	return err
}

func (db *sqliteDB) schemaVersion() (version int, err error) {
	err = db.sdb.QueryRow("SELECT value FROM meta WHERE metakey='version'").Scan(&version)
	return
}

func (db *sqliteDB) integrityCheck() error {
	var result string
	if err := db.sdb.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: %s: integrity check failed: %s", db.path, result)
	}
	return nil
}

func (db *sqliteDB) close() error {
	err := db.sdb.Close()
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "sqlite: closed", slog.String("path", db.path), slog.Any("err", err))
	return err
}

func (db *sqliteDB) source(ro Options) (sqlQueryer, *optionReader, error) {
	r := readOptions(ro)
	r.Skip(OptVerifyChecksums, OptFillCache)
	snap := r.Snapshot()
	if err := r.Err(); err != nil {
		return nil, nil, withEngine(err, SQLite)
	}
	if snap == nil {
		return db.sdb, r, nil
	}
	ss, ok := snap.(*sqliteSnapshot)
	if !ok {
		return nil, nil, &OptionError{Engine: SQLite, Name: OptSnapshot, Value: snap, Msg: "snapshot belongs to another engine"}
	}
	return ss.tx, r, nil
}

func (db *sqliteDB) get(cf nativeCF, key []byte, ro Options) ([]byte, bool, error) {
	q, _, err := db.source(ro)
	if err != nil {
		return nil, false, err
	}
	return db.lookup(q, cf.(*prefixedCF).key(key))
}

func (db *sqliteDB) lookup(q sqlQueryer, key []byte) ([]byte, bool, error) {
	var v []byte
	err := q.QueryRow("SELECT v FROM rows WHERE k = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (db *sqliteDB) put(cf nativeCF, key, value []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchPut, key: key, value: value}}, wo)
}

func (db *sqliteDB) delete(cf nativeCF, key []byte, wo Options) error {
	return db.write([]batchOp{{cf: cf, kind: batchDelete, key: key}}, wo)
}

func (db *sqliteDB) write(ops []batchOp, wo Options) error {
	r := readOptions(wo)
	r.Skip(OptSync, OptTimeoutHintUS, OptIgnoreMissingColumnFamilies)
	if err := r.Err(); err != nil {
		return withEngine(err, SQLite)
	}
	r.logUnused(db.logger, SQLite, scopeWrite, "write")

	prefixed := make([]batchOp, len(ops))
	for i, op := range ops {
		prefixed[i] = batchOp{kind: op.kind, key: op.cf.(*prefixedCF).key(op.key), value: op.value}
	}
	return db.apply(prefixed)
}

// apply runs ops, already carrying their final keys, in one transaction.
func (db *sqliteDB) apply(ops []batchOp) error {
	db.gate.Start()
	defer db.gate.Done()

	tx, err := db.sdb.Begin()
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.kind {
		case batchPut:
			v := op.value
			if v == nil {
				v = []byte{}
			}
			_, err = tx.Exec("REPLACE INTO rows (k, v) VALUES (?, ?)", op.key, v)
		case batchDelete:
			_, err = tx.Exec("DELETE FROM rows WHERE k = ?", op.key)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (db *sqliteDB) countEstimate(cf nativeCF) (int64, error) {
	prefix := cf.(*prefixedCF).prefix
	var n int64
	err := db.sdb.QueryRow("SELECT COUNT(*) FROM rows WHERE k >= ? AND k < ?", prefix, successor(prefix)).Scan(&n)
	return n, err
}

func (db *sqliteDB) newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error) {
	q, r, err := db.source(ro)
	if err != nil {
		return nil, err
	}
	rang := keyRangeFromOptions(cf.(*prefixedCF).prefix, r)
	if err := r.Err(); err != nil {
		return nil, withEngine(err, SQLite)
	}
	return newRangeCursor(&sqliteCursor{q: q}, rang, mode), nil
}

// snapshot opens a read transaction and reads once so that it pins the
// current state of the WAL.
func (db *sqliteDB) snapshot() (nativeSnapshot, error) {
	tx, err := db.sdb.BeginTx(context.Background(), &sql.TxOptions{
		ReadOnly:  true,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, err
	}
	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM meta").Scan(&n); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &sqliteSnapshot{tx: tx}, nil
}

func (db *sqliteDB) property(name string) (string, bool, error) {
	var query string
	switch name {
	case "sqlite.version":
		query = "SELECT sqlite_version()"
	case "sqlite.page-count":
		query = "PRAGMA page_count"
	case "sqlite.journal-mode":
		query = "PRAGMA journal_mode"
	case "kvbind.column-families":
		return db.columnFamilies()
	default:
		return "", false, nil
	}
	var v string
	if err := db.sdb.QueryRow(query).Scan(&v); err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (db *sqliteDB) columnFamilies() (string, bool, error) {
	prefix := []byte(cfRegistryPrefix)
	rows, err := db.sdb.Query("SELECT k FROM rows WHERE k >= ? AND k < ? ORDER BY k", prefix, successor(prefix))
	if err != nil {
		return "", false, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return "", false, err
		}
		names = append(names, string(k[len(prefix):]))
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	return strings.Join(names, ","), true, nil
}

// sqliteCursor answers every move with a single-row query relative to the
// key it stands on, so it holds no open statement between moves.
type sqliteCursor struct {
	q   sqlQueryer
	pos cursorPos
	key []byte
	err error
}

func (c *sqliteCursor) row(past cursorPos, query string, args ...any) ([]byte, []byte) {
	var k, v []byte
	err := c.q.QueryRow(query, args...).Scan(&k, &v)
	if errors.Is(err, sql.ErrNoRows) {
		c.pos, c.key = past, nil
		return nil, nil
	} else if err != nil {
		if c.err == nil {
			c.err = err
		}
		c.pos, c.key = posAfterLast, nil
		return nil, nil
	}
	if v == nil {
		v = []byte{}
	}
	c.pos, c.key = posOnKey, k
	return k, v
}

func (c *sqliteCursor) First() ([]byte, []byte) {
	return c.row(posAfterLast, "SELECT k, v FROM rows ORDER BY k LIMIT 1")
}

func (c *sqliteCursor) Last() ([]byte, []byte) {
	return c.row(posBeforeFirst, "SELECT k, v FROM rows ORDER BY k DESC LIMIT 1")
}

func (c *sqliteCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.row(posAfterLast, "SELECT k, v FROM rows WHERE k >= ? ORDER BY k LIMIT 1", seek)
}

func (c *sqliteCursor) Next() ([]byte, []byte) {
	switch c.pos {
	case posBeforeFirst:
		return c.First()
	case posAfterLast:
		return nil, nil
	}
	return c.row(posAfterLast, "SELECT k, v FROM rows WHERE k > ? ORDER BY k LIMIT 1", c.key)
}

func (c *sqliteCursor) Prev() ([]byte, []byte) {
	switch c.pos {
	case posBeforeFirst:
		return nil, nil
	case posAfterLast:
		return c.Last()
	}
	return c.row(posBeforeFirst, "SELECT k, v FROM rows WHERE k < ? ORDER BY k DESC LIMIT 1", c.key)
}

func (c *sqliteCursor) Err() error { return c.err }

func (c *sqliteCursor) Close() error { return nil }
