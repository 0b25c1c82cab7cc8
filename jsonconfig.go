package kvbind

import (
	"fmt"
	"sort"
	"strings"

	"go4.org/jsonconfig"
)

// FileConfig is everything needed to open a database, as read from a JSON
// configuration file:
//
//	{
//	  "engine": "leveldb",
//	  "path": "/var/lib/app/db",
//	  "encoding": "msgpack",
//	  "verbose": false,
//	  "db_options": {"create_if_missing": true, "bloom_filter_bits": 10},
//	  "cf_options": {"compression": "snappy"},
//	  "column_families": {"meta": {"write_buffer_size": 1048576}}
//	}
//
// Keys starting with an underscore are treated as comments.
type FileConfig struct {
	Config
	Path           string
	DBOptions      Options
	ColumnFamilies []ColumnFamilyDescriptor
}

// ParseJSONConfig reads a FileConfig, rejecting unknown keys.
func ParseJSONConfig(cfg jsonconfig.Obj) (*FileConfig, error) {
	fc := &FileConfig{
		Path: cfg.RequiredString("path"),
	}
	fc.Engine = Engine(cfg.OptionalString("engine", string(defaultEngine)))
	encoding := cfg.OptionalString("encoding", "msgpack")
	fc.Verbose = cfg.OptionalBool("verbose", false)
	fc.DBOptions = optionsFromJSON(cfg.OptionalObject("db_options"))
	defaultOpts := optionsFromJSON(cfg.OptionalObject("cf_options"))
	families := cfg.OptionalObject("column_families")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var err error
	if fc.Encoding, err = ParseEncoding(encoding); err != nil {
		return nil, err
	}
	if _, err := lookupEngine(fc.Engine); err != nil {
		return nil, err
	}

	fc.ColumnFamilies = []ColumnFamilyDescriptor{{Name: DefaultColumnFamily, Options: defaultOpts}}
	for _, name := range jsonKeys(families) {
		if name == DefaultColumnFamily {
			return nil, fmt.Errorf("kvbind: configure the default column family with cf_options")
		}
		m, ok := families[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("kvbind: column family %q: expected an object of options, not %T", name, families[name])
		}
		fc.ColumnFamilies = append(fc.ColumnFamilies, ColumnFamilyDescriptor{
			Name:    name,
			Options: optionsFromJSON(m),
		})
	}
	return fc, nil
}

// Open opens the configured database. The returned map holds every
// configured column family by name, including the default one.
func (fc *FileConfig) Open() (*DB, map[string]*ColumnFamily, error) {
	db, handles, err := fc.Config.OpenWithColumnFamilies(fc.Path, fc.DBOptions, fc.ColumnFamilies)
	if err != nil {
		return nil, nil, err
	}
	cfs := make(map[string]*ColumnFamily, len(handles))
	for _, h := range handles {
		cfs[h.Name()] = h
	}
	return db, cfs, nil
}

// OpenJSONConfig parses cfg (see FileConfig) and opens the database.
func OpenJSONConfig(cfg jsonconfig.Obj) (*DB, map[string]*ColumnFamily, error) {
	fc, err := ParseJSONConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return fc.Open()
}

// ReadConfigFile reads a FileConfig from a JSON file.
func ReadConfigFile(path string) (*FileConfig, error) {
	cfg, err := jsonconfig.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseJSONConfig(cfg)
}

// optionsFromJSON turns a JSON object into an option list in key order.
// Numbers stay float64; engines accept integral floats where they expect
// integers.
func optionsFromJSON(m map[string]any) Options {
	var opts Options
	for _, name := range jsonKeys(m) {
		opts = append(opts, Opt(name, m[name]))
	}
	return opts
}

func jsonKeys(m map[string]any) []string {
	var keys []string
	for k := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
