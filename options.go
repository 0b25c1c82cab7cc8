package kvbind

import (
	"fmt"
	"slices"
	"sort"
)

// Option is a single named configuration value. Names follow the engine's
// own naming (create_if_missing, write_buffer_size, ...); names the binding
// does not recognize are passed through to the engine untouched.
type Option struct {
	Name  string
	Value any
}

// Opt builds an arbitrary option. Prefer the typed constructors for names
// the binding recognizes.
func Opt(name string, value any) Option {
	return Option{Name: name, Value: value}
}

func (o Option) String() string {
	return fmt.Sprintf("%s=%v", o.Name, o.Value)
}

// Options is an ordered list of options. Lists built by callers should
// not repeat names; when they do, the first occurrence wins.
type Options []Option

// Lookup returns the first value set for name.
func (opts Options) Lookup(name string) (any, bool) {
	for _, o := range opts {
		if o.Name == name {
			return o.Value, true
		}
	}
	return nil, false
}

// Has reports whether name is set.
func (opts Options) Has(name string) bool {
	_, ok := opts.Lookup(name)
	return ok
}

// With returns a copy of opts with more appended.
func (opts Options) With(more ...Option) Options {
	result := make(Options, 0, len(opts)+len(more))
	result = append(result, opts...)
	return append(result, more...)
}

// Without returns a copy of opts with every occurrence of name removed.
func (opts Options) Without(name string) Options {
	return slices.DeleteFunc(slices.Clone(opts), func(o Option) bool {
		return o.Name == name
	})
}

// Names returns the sorted set of names in opts.
func (opts Options) Names() []string {
	var names []string
	for _, o := range opts {
		if !slices.Contains(names, o.Name) {
			names = append(names, o.Name)
		}
	}
	sort.Strings(names)
	return names
}

const (
	OptCreateIfMissing             = "create_if_missing"
	OptCreateMissingColumnFamilies = "create_missing_column_families"
	OptErrorIfExists               = "error_if_exists"
	OptParanoidChecks              = "paranoid_checks"
	OptMaxOpenFiles                = "max_open_files"
	OptWriteBufferSize             = "write_buffer_size"
	OptBlockSize                   = "block_size"
	OptBlockCacheSize              = "block_cache_size"
	OptBlockRestartInterval        = "block_restart_interval"
	OptBloomFilterBits             = "bloom_filter_bits"
	OptCompression                 = "compression"
	OptCompactionStyle             = "compaction_style"
	OptMaxBackgroundCompactions    = "max_background_compactions"
	OptTotalThreads                = "total_threads"
	OptUseFsync                    = "use_fsync"
	OptDBLogDir                    = "db_log_dir"
	OptWALDir                      = "wal_dir"
	OptMmapSize                    = "mmap_size"

	OptVerifyChecksums   = "verify_checksums"
	OptFillCache         = "fill_cache"
	OptSnapshot          = "snapshot"
	OptIterateUpperBound = "iterate_upper_bound"
	OptIterateLowerBound = "iterate_lower_bound"
	OptDecode            = "decode"

	OptSync                        = "sync"
	OptDisableWAL                  = "disable_wal"
	OptTimeoutHintUS               = "timeout_hint_us"
	OptIgnoreMissingColumnFamilies = "ignore_missing_column_families"
)

type optionKind int

const (
	kindBool optionKind = iota
	kindInt
	kindPath
	kindBytes
	kindCompression
	kindCompactionStyle
	kindSnapshot
)

type optionScope uint8

const (
	scopeDB = optionScope(1 << iota)
	scopeCF
	scopeRead
	scopeWrite
)

func (s optionScope) String() string {
	switch s {
	case scopeDB:
		return "db"
	case scopeCF:
		return "column family"
	case scopeRead:
		return "read"
	case scopeWrite:
		return "write"
	default:
		return fmt.Sprintf("optionScope(%d)", uint8(s))
	}
}

type optionDef struct {
	kind  optionKind
	scope optionScope
}

var knownOptions = map[string]optionDef{
	OptCreateIfMissing:             {kindBool, scopeDB},
	OptCreateMissingColumnFamilies: {kindBool, scopeDB},
	OptErrorIfExists:               {kindBool, scopeDB},
	OptParanoidChecks:              {kindBool, scopeDB},
	OptMaxOpenFiles:                {kindInt, scopeDB},
	OptWriteBufferSize:             {kindInt, scopeDB | scopeCF},
	OptBlockSize:                   {kindInt, scopeDB | scopeCF},
	OptBlockCacheSize:              {kindInt, scopeDB},
	OptBlockRestartInterval:        {kindInt, scopeDB},
	OptBloomFilterBits:             {kindInt, scopeDB | scopeCF},
	OptCompression:                 {kindCompression, scopeDB | scopeCF},
	OptCompactionStyle:             {kindCompactionStyle, scopeDB | scopeCF},
	OptMaxBackgroundCompactions:    {kindInt, scopeDB},
	OptTotalThreads:                {kindInt, scopeDB},
	OptUseFsync:                    {kindBool, scopeDB},
	OptDBLogDir:                    {kindPath, scopeDB},
	OptWALDir:                      {kindPath, scopeDB},
	OptMmapSize:                    {kindInt, scopeDB},

	OptVerifyChecksums:   {kindBool, scopeRead},
	OptFillCache:         {kindBool, scopeRead},
	OptSnapshot:          {kindSnapshot, scopeRead},
	OptIterateUpperBound: {kindBytes, scopeRead},
	OptIterateLowerBound: {kindBytes, scopeRead},
	OptDecode:            {kindBool, scopeRead},

	OptSync:                        {kindBool, scopeWrite},
	OptDisableWAL:                  {kindBool, scopeWrite},
	OptTimeoutHintUS:               {kindInt, scopeWrite},
	OptIgnoreMissingColumnFamilies: {kindBool, scopeWrite},
}

// IsKnownOption reports whether the binding recognizes name.
func IsKnownOption(name string) bool {
	_, ok := knownOptions[name]
	return ok
}

// CompressionType names a block compression algorithm.
type CompressionType string

const (
	NoCompression     CompressionType = "none"
	SnappyCompression CompressionType = "snappy"
	ZlibCompression   CompressionType = "zlib"
	LZ4Compression    CompressionType = "lz4"
	ZstdCompression   CompressionType = "zstd"
)

// CompactionStyle names a compaction strategy.
type CompactionStyle string

const (
	CompactionLevel     CompactionStyle = "level"
	CompactionUniversal CompactionStyle = "universal"
	CompactionFIFO      CompactionStyle = "fifo"
)

func CreateIfMissing(v bool) Option             { return Opt(OptCreateIfMissing, v) }
func CreateMissingColumnFamilies(v bool) Option { return Opt(OptCreateMissingColumnFamilies, v) }
func ErrorIfExists(v bool) Option               { return Opt(OptErrorIfExists, v) }
func ParanoidChecks(v bool) Option              { return Opt(OptParanoidChecks, v) }
func MaxOpenFiles(n int) Option                 { return Opt(OptMaxOpenFiles, n) }
func WriteBufferSize(n int) Option              { return Opt(OptWriteBufferSize, n) }
func BlockSize(n int) Option                    { return Opt(OptBlockSize, n) }
func BlockCacheSize(n int) Option               { return Opt(OptBlockCacheSize, n) }
func BlockRestartInterval(n int) Option         { return Opt(OptBlockRestartInterval, n) }
func BloomFilterBits(n int) Option              { return Opt(OptBloomFilterBits, n) }
func Compression(c CompressionType) Option      { return Opt(OptCompression, c) }
func Compaction(s CompactionStyle) Option       { return Opt(OptCompactionStyle, s) }
func MaxBackgroundCompactions(n int) Option     { return Opt(OptMaxBackgroundCompactions, n) }
func TotalThreads(n int) Option                 { return Opt(OptTotalThreads, n) }
func UseFsync(v bool) Option                    { return Opt(OptUseFsync, v) }
func MmapSize(n int) Option                     { return Opt(OptMmapSize, n) }

// DBLogDir sets the directory for the engine's info log. The path is
// converted to raw bytes before it reaches the engine.
func DBLogDir(path string) Option { return Opt(OptDBLogDir, path) }

// WALDir sets the write-ahead log directory. The path is converted to raw
// bytes before it reaches the engine.
func WALDir(path string) Option { return Opt(OptWALDir, path) }

func VerifyChecksums(v bool) Option     { return Opt(OptVerifyChecksums, v) }
func FillCache(v bool) Option           { return Opt(OptFillCache, v) }
func UseSnapshot(s *Snapshot) Option    { return Opt(OptSnapshot, s) }
func IterateUpperBound(k []byte) Option { return Opt(OptIterateUpperBound, k) }
func IterateLowerBound(k []byte) Option { return Opt(OptIterateLowerBound, k) }
func Sync(v bool) Option                { return Opt(OptSync, v) }
func DisableWAL(v bool) Option          { return Opt(OptDisableWAL, v) }
func TimeoutHint(us int) Option         { return Opt(OptTimeoutHintUS, us) }
func IgnoreMissingColumnFamilies(v bool) Option {
	return Opt(OptIgnoreMissingColumnFamilies, v)
}

// Decode asks reads to deserialize stored values with the database's
// encoding. It is consumed by the binding and never reaches the engine.
func Decode() Option { return Opt(OptDecode, true) }
