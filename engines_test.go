package kvbind

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var diskEngines = []Engine{LevelDB, Bolt, KV, SQLite, Memory}

var engineTestOptions = Options{CreateIfMissing(true), MmapSize(1 << 20)}

func forEachEngine(t *testing.T, f func(t *testing.T, cfg Config, path string)) {
	for _, eng := range diskEngines {
		t.Run(string(eng), func(t *testing.T) {
			cfg := Config{Engine: eng}
			path := t.TempDir()
			t.Cleanup(func() { cfg.Destroy(path, nil) })
			f(t, cfg, path)
		})
	}
}

func openEngine(t *testing.T, cfg Config, path string, opts Options) *DB {
	t.Helper()
	db, err := cfg.Open(path, opts, nil)
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Engine, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEngines_Basics(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db := openEngine(t, cfg, path, engineTestOptions)

		ensure(db.PutValue([]byte("n"), 42, nil))
		ensure(db.PutRaw([]byte("raw"), []byte("bytes"), nil))

		v, found, err := db.Get([]byte("n"), Options{Decode()})
		if err != nil || !found {
			t.Fatalf("Get = %v, %v, %v", v, found, err)
		}
		deepEqual[any](t, v, int64(42))

		raw := must2(db.GetRaw([]byte("raw"), nil))
		deepEqual(t, raw, []byte("bytes"))

		if _, found, err := db.Get([]byte("missing"), nil); found || err != nil {
			t.Fatalf("Get(missing) = %v, %v, wanted false, nil", found, err)
		}

		ensure(db.Delete([]byte("raw"), nil))
		if _, found, _ := db.GetRaw([]byte("raw"), nil); found {
			t.Fatalf("key still present after Delete")
		}
		ensure(db.Delete([]byte("raw"), nil))
	})
}

func TestEngines_Streams(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db := openEngine(t, cfg, path, engineTestOptions)
		for _, k := range []string{"d", "b", "a", "c", "e"} {
			ensure(db.PutValue([]byte(k), k, nil))
		}

		deepEqual(t, collectKeys(t, db.Keys(nil)), []string{"a", "b", "c", "d", "e"})
		deepEqual(t, collectKeys(t, db.Keys(nil).Reversed()), []string{"e", "d", "c", "b", "a"})
		deepEqual(t, collectKeys(t, db.Keys(nil).From([]byte("bb"))), []string{"c", "d", "e"})
		deepEqual(t, collectKeys(t, db.Keys(nil).Reversed().From([]byte("bb"))), []string{"b", "a"})
		deepEqual(t, collectKeys(t, db.Keys(nil).Reversed().From([]byte("z"))), []string{"e", "d", "c", "b", "a"})

		ro := Options{IterateLowerBound([]byte("b")), IterateUpperBound([]byte("d"))}
		deepEqual(t, collectKeys(t, db.Keys(ro)), []string{"b", "c"})
		deepEqual(t, collectKeys(t, db.Keys(ro).Reversed()), []string{"c", "b"})

		var vals []any
		s := db.Pairs(Options{Decode()})
		for _, v := range s.All() {
			vals = append(vals, v)
		}
		ensure(s.Err())
		deepEqual(t, vals, []any{"a", "b", "c", "d", "e"})
	})
}

func TestEngines_Count(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db := openEngine(t, cfg, path, engineTestOptions)
		for i := range 10 {
			ensure(db.PutRaw([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), nil))
		}
		n, err := db.Count()
		if err != nil || n != 10 {
			t.Fatalf("Count = %d, %v, wanted 10, nil", n, err)
		}
		if empty := must(db.IsEmpty()); empty {
			t.Fatalf("IsEmpty = true, wanted false")
		}
	})
}

func TestEngines_Reopen(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db := must(cfg.Open(path, engineTestOptions, nil))
		ensure(db.PutValue([]byte("k"), "v", nil))
		ensure(db.Close())

		db = openEngine(t, cfg, path, nil)
		v, found, err := db.Get([]byte("k"), Options{Decode()})
		if err != nil || !found || v != "v" {
			t.Fatalf("after reopen: Get = %v, %v, %v, wanted v", v, found, err)
		}
	})
}

func TestEngines_ErrorIfExists(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		ensure(must(cfg.Open(path, engineTestOptions, nil)).Close())
		_, err := cfg.Open(path, Options{ErrorIfExists(true)}, nil)
		if err == nil {
			t.Fatalf("Open with error_if_exists succeeded on an existing database")
		}
	})
}

func TestEngines_MissingWithoutCreate(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		if _, err := cfg.Open(path, nil, nil); err == nil {
			t.Fatalf("Open without create_if_missing succeeded on a missing database")
		}
	})
}

func TestEngines_ColumnFamilies(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		descs := []ColumnFamilyDescriptor{{Name: "meta", Options: Options{WriteBufferSize(1 << 16)}}}
		db, cfs, err := cfg.OpenWithColumnFamilies(path, append(Options{CreateMissingColumnFamilies(true)}, engineTestOptions...), descs)
		ensure(err)
		meta := cfs[0]

		ensure(db.PutRawCF(meta, []byte("k1"), []byte("m1"), nil))
		ensure(db.PutRawCF(meta, []byte("k2"), []byte("m2"), nil))
		ensure(db.PutRaw([]byte("k1"), []byte("d1"), nil))

		deepEqual(t, collectKeys(t, db.KeysCF(meta, nil)), []string{"k1", "k2"})
		deepEqual(t, collectKeys(t, db.Keys(nil)), []string{"k1"})
		deepEqual(t, collectKeys(t, db.KeysCF(meta, nil).Reversed()), []string{"k2", "k1"})

		prop, ok, err := db.Property("kvbind.column-families")
		if err != nil || !ok || prop != "default,meta" {
			t.Fatalf("column families = %q, %v, %v, wanted default,meta", prop, ok, err)
		}
		ensure(db.Close())

		db, cfs, err = cfg.OpenWithColumnFamilies(path, nil, descs)
		if err != nil {
			t.Fatalf("reopen with existing column family: %v", err)
		}
		defer db.Close()
		deepEqual(t, collectKeys(t, db.KeysCF(cfs[0], nil)), []string{"k1", "k2"})

		if err := db.PutRawCF(&ColumnFamily{name: "meta"}, []byte("x"), nil, nil); err == nil {
			t.Fatalf("PutRawCF with a foreign handle succeeded, wanted error")
		}
	})
}

func TestEngines_MissingColumnFamily(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		ensure(must(cfg.Open(path, engineTestOptions, nil)).Close())
		_, _, err := cfg.OpenWithColumnFamilies(path, nil, []ColumnFamilyDescriptor{{Name: "nope"}})
		if err == nil {
			t.Fatalf("opening a missing column family succeeded, wanted error")
		}
	})
}

func TestEngines_Batch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db, cfs, err := cfg.OpenWithColumnFamilies(path, append(Options{CreateMissingColumnFamilies(true)}, engineTestOptions...), []ColumnFamilyDescriptor{{Name: "other"}})
		ensure(err)
		defer db.Close()
		ensure(db.PutRaw([]byte("gone"), []byte("x"), nil))

		b := db.NewBatch()
		b.PutValue([]byte("a"), 1)
		b.PutValueCF(cfs[0], []byte("b"), 2)
		b.Delete([]byte("gone"))
		ensure(db.Write(b, Options{Sync(true)}))

		deepEqual(t, collectKeys(t, db.Keys(nil)), []string{"a"})
		deepEqual(t, collectKeys(t, db.KeysCF(cfs[0], nil)), []string{"b"})
	})
}

func TestEngines_Snapshot(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db := openEngine(t, cfg, path, engineTestOptions)
		ensure(db.PutRaw([]byte("k"), []byte("old"), nil))

		snap, err := db.Snapshot()
		if cfg.Engine == KV {
			if !errors.Is(err, ErrNotSupported) {
				t.Fatalf("Snapshot = %v, wanted ErrNotSupported", err)
			}
			return
		}
		ensure(err)

		ensure(db.PutRaw([]byte("k"), []byte("new"), nil))
		ensure(db.PutRaw([]byte("k2"), []byte("new"), nil))

		raw := must2(db.GetRaw([]byte("k"), Options{UseSnapshot(snap)}))
		deepEqual(t, raw, []byte("old"))
		deepEqual(t, collectKeys(t, db.Keys(Options{UseSnapshot(snap)})), []string{"k"})
		ensure(snap.Release())

		raw = must2(db.GetRaw([]byte("k"), nil))
		deepEqual(t, raw, []byte("new"))
	})
}

func TestEngines_Repair(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		db := must(cfg.Open(path, engineTestOptions, nil))
		ensure(db.PutRaw([]byte("k"), []byte("v"), nil))
		ensure(db.Close())

		if err := cfg.Repair(path, nil); err != nil {
			t.Fatalf("Repair = %v, wanted nil", err)
		}
		db = openEngine(t, cfg, path, nil)
		raw := must2(db.GetRaw([]byte("k"), nil))
		deepEqual(t, raw, []byte("v"))
	})
}

func TestEngines_Destroy(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		ensure(must(cfg.Open(path, engineTestOptions, nil)).Close())
		ensure(cfg.Destroy(path, nil))
		if _, err := cfg.Open(path, nil, nil); err == nil {
			t.Fatalf("Open after Destroy succeeded, wanted error")
		}
	})
}

func TestEngines_OptionTypeError(t *testing.T) {
	forEachEngine(t, func(t *testing.T, cfg Config, path string) {
		_, err := cfg.Open(path, Options{CreateIfMissing(true), Opt(OptErrorIfExists, 1)}, nil)
		var oe *OptionError
		if !errors.As(err, &oe) {
			t.Fatalf("err = %v, wanted *OptionError", err)
		}
		if oe.Engine != cfg.Engine {
			t.Fatalf("OptionError.Engine = %q, wanted %q", oe.Engine, cfg.Engine)
		}
	})
}

func TestLevelDB_Options(t *testing.T) {
	path := t.TempDir()
	cfg := Config{Engine: LevelDB}
	db, err := cfg.Open(path, Options{
		CreateIfMissing(true),
		BloomFilterBits(10),
		Compression(NoCompression),
		BlockCacheSize(1 << 20),
		ParanoidChecks(true),
		DBLogDir(path),
	}, nil)
	ensure(err)
	defer db.Close()

	ensure(db.PutRaw([]byte("k"), []byte("v"), Options{Sync(true), TimeoutHint(1000)}))
	raw := must2(db.GetRaw([]byte("k"), Options{VerifyChecksums(true), FillCache(false)}))
	deepEqual(t, raw, []byte("v"))

	if _, ok, err := db.Property("leveldb.stats"); !ok || err != nil {
		t.Fatalf("leveldb.stats = %v, %v, wanted a value", ok, err)
	}
	if _, ok, _ := db.Property("leveldb.nosuch"); ok {
		t.Fatalf("unknown property reported as present")
	}
}

func TestLevelDB_UnsupportedCompression(t *testing.T) {
	_, err := Config{Engine: LevelDB}.Open(t.TempDir(), Options{CreateIfMissing(true), Compression(ZstdCompression)}, nil)
	var oe *OptionError
	if !errors.As(err, &oe) || oe.Name != OptCompression {
		t.Fatalf("err = %v, wanted *OptionError for compression", err)
	}
}

func TestLevelDB_CountEstimateLarge(t *testing.T) {
	path := t.TempDir()
	db := must(Config{Engine: LevelDB}.Open(path, Options{CreateIfMissing(true)}, nil))
	defer db.Close()

	b := db.NewBatch()
	for i := range 1500 {
		b.PutRaw([]byte(fmt.Sprintf("key%06d", i)), []byte("value"))
	}
	ensure(db.Write(b, nil))

	n, err := db.Count()
	if err != nil || n < levelCountSampleSize {
		t.Fatalf("Count = %d, %v, wanted >= %d", n, err, levelCountSampleSize)
	}
}

func TestBolt_CloseWithOpenSnapshot(t *testing.T) {
	path := t.TempDir()
	cfg := Config{Engine: Bolt}
	db := must(cfg.Open(path, engineTestOptions, nil))
	ensure(db.PutRaw([]byte("k"), []byte("v"), nil))

	s := db.Keys(nil)
	if !s.Next() {
		t.Fatalf("Next = false, err = %v", s.Err())
	}
	snap := must(db.Snapshot())
	if err := db.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Close with open snapshot = %v, wanted ErrBusy", err)
	}
	ensure(snap.Release())
	ensure(s.Close())
	if err := db.Close(); err != nil {
		t.Fatalf("Close after releasing the snapshot = %v, wanted nil", err)
	}
}

func boltBigValue(i int) []byte {
	v := make([]byte, 4096)
	for j := range v {
		v[j] = byte(i + j)
	}
	return v
}

// runWithin fails the test if fn does not return within d.
func runWithin(t *testing.T, d time.Duration, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatalf("still running after %v", d)
		return nil
	}
}

func TestBolt_WritesWhileStreaming(t *testing.T) {
	db := openEngine(t, Config{Engine: Bolt}, t.TempDir(), Options{CreateIfMissing(true)})
	ensure(db.PutRaw([]byte("a"), []byte("1"), nil))
	ensure(db.PutRaw([]byte("b"), []byte("2"), nil))

	s := db.Pairs(nil)
	defer s.Close()
	if !s.Next() || string(s.Key()) != "a" {
		t.Fatalf("first key = %q, err = %v, wanted a", s.Key(), s.Err())
	}

	const n = 2000
	err := runWithin(t, time.Minute, func() error {
		for i := range n {
			if err := db.PutRaw([]byte(fmt.Sprintf("k%05d", i)), boltBigValue(i), nil); err != nil {
				return err
			}
		}
		return nil
	})
	ensure(err)

	var rest int
	for s.Next() {
		rest++
	}
	ensure(s.Err())
	if rest != n+1 {
		t.Fatalf("keys after a = %d, wanted %d", rest, n+1)
	}
}

func TestBolt_WriteOutgrowingMapWithSnapshot(t *testing.T) {
	db := openEngine(t, Config{Engine: Bolt}, t.TempDir(), Options{CreateIfMissing(true), MmapSize(1 << 20)})
	ensure(db.PutRaw([]byte("k"), []byte("old"), nil))
	snap := must(db.Snapshot())

	var written int
	err := runWithin(t, time.Minute, func() error {
		for i := range 1000 {
			if err := db.PutRaw([]byte(fmt.Sprintf("k%05d", i)), boltBigValue(i), nil); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v after %d writes, wanted ErrBusy", err, written)
	}
	if written == 0 {
		t.Fatalf("the first write was refused, wanted some headroom")
	}
	deepEqual(t, collectKeys(t, db.Keys(Options{UseSnapshot(snap)})), []string{"k"})

	ensure(snap.Release())
	ensure(runWithin(t, time.Minute, func() error {
		return db.PutRaw([]byte("last"), boltBigValue(0), nil)
	}))
}

func TestKV_EmptyValue(t *testing.T) {
	db := openEngine(t, Config{Engine: KV}, t.TempDir(), engineTestOptions)
	ensure(db.PutRaw([]byte("k"), nil, nil))
	raw, found, err := db.GetRaw([]byte("k"), nil)
	if err != nil || !found || len(raw) != 0 {
		t.Fatalf("GetRaw = %q, %v, %v, wanted empty, true, nil", raw, found, err)
	}
}

func TestSQLite_Properties(t *testing.T) {
	db := openEngine(t, Config{Engine: SQLite}, t.TempDir(), Options{CreateIfMissing(true), BlockCacheSize(1 << 20)})
	mode, ok, err := db.Property("sqlite.journal-mode")
	if err != nil || !ok || mode != "wal" {
		t.Fatalf("journal mode = %q, %v, %v, wanted wal", mode, ok, err)
	}
	if v, ok, _ := db.Property("sqlite.version"); !ok || v == "" {
		t.Fatalf("sqlite.version = %q, %v", v, ok)
	}
}

func TestSQLite_ParanoidOpen(t *testing.T) {
	path := t.TempDir()
	cfg := Config{Engine: SQLite}
	db := must(cfg.Open(path, Options{CreateIfMissing(true)}, nil))
	ensure(db.PutRaw([]byte("k"), []byte("v"), nil))
	ensure(db.Close())

	db = openEngine(t, cfg, path, Options{ParanoidChecks(true), UseFsync(true)})
	deepEqual(t, must2(db.GetRaw([]byte("k"), nil)), []byte("v"))
}
