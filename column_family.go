package kvbind

import "fmt"

// ColumnFamilyDescriptor names a column family to open, with its options.
type ColumnFamilyDescriptor struct {
	Name    string
	Options Options
}

// ColumnFamily is a handle to a column family of an open DB. It is only
// valid until the DB is closed.
type ColumnFamily struct {
	db     *DB
	name   string
	native nativeCF
}

func (cf *ColumnFamily) Name() string {
	return cf.name
}

func (cf *ColumnFamily) String() string {
	return cf.name
}

func (cf *ColumnFamily) nativeHandle(db *DB) (nativeCF, error) {
	if cf == nil {
		return nil, fmt.Errorf("kvbind: nil column family")
	}
	if cf.db != db {
		return nil, fmt.Errorf("kvbind: column family %q belongs to another database", cf.name)
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return cf.native, nil
}
