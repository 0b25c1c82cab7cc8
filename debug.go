package kvbind

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpKeys
	DumpValues

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the default column family and cfs for debugging. Values are
// decoded when possible and shown as JSON; undecodable ones are shown in
// hex along with the decode error.
func (db *DB) Dump(f DumpFlags, cfs ...*ColumnFamily) (string, error) {
	var buf strings.Builder
	if err := db.dumpCF(&buf, f, DefaultColumnFamily, db.Pairs(nil)); err != nil {
		return buf.String(), err
	}
	for _, cf := range cfs {
		if err := db.dumpCF(&buf, f, cf.Name(), db.PairsCF(cf, nil)); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpCF(w *strings.Builder, f DumpFlags, name string, s *Stream) error {
	defer s.Close()
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%s, %s)\n", name, db.engine, db.encoding)
	}
	if f.Contains(DumpStats) && name == DefaultColumnFamily {
		n, err := db.Count()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s.stats: estimated_keys = %d\n", name, n)
	}
	if !f.Contains(DumpKeys) {
		return nil
	}
	if f.Contains(DumpStats) {
		fmt.Fprintln(w, dumpSep2)
	}
	var pos int
	for s.Next() {
		pos++
		if !f.Contains(DumpValues) {
			fmt.Fprintf(w, "%s.%d: %s\n", name, pos, dumpKey(s.Key()))
			continue
		}
		fmt.Fprintf(w, "%s.%d: %s = %s\n", name, pos, dumpKey(s.Key()), db.dumpValue(s.Value()))
	}
	return s.Err()
}

func (db *DB) dumpValue(v []byte) string {
	val, err := db.encoding.Decode(v)
	if err != nil {
		return fmt.Sprintf("%s ** ERROR: %v", hexstr(v), err)
	}
	j, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprintf("%v", val)
	}
	return string(j)
}

// dumpKey shows printable keys as quoted strings and others in hex.
func dumpKey(k []byte) string {
	for _, b := range k {
		if b < 0x20 || b >= 0x7f {
			return hexstr(k)
		}
	}
	return fmt.Sprintf("%q", k)
}
