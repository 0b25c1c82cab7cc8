package kvbind

import (
	"context"
	"log/slog"
)

// optionReader is how engines consume option lists. It remembers which
// names were read so the rest can be reported, and keeps the first type
// error.
type optionReader struct {
	opts Options
	used map[string]bool
	err  error
}

func readOptions(opts Options) *optionReader {
	return &optionReader{opts: opts, used: make(map[string]bool)}
}

func (r *optionReader) lookup(name string) (any, bool) {
	r.used[name] = true
	return r.opts.Lookup(name)
}

func (r *optionReader) fail(name string, v any, msg string) {
	if r.err == nil {
		r.err = &OptionError{Name: name, Value: v, Msg: msg}
	}
}

func (r *optionReader) Bool(name string, def bool) bool {
	v, ok := r.lookup(name)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(name, v, "expected bool")
		return def
	}
	return b
}

func (r *optionReader) Int(name string, def int) int {
	v, ok := r.lookup(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		// JSON configuration numbers
		if n == float64(int(n)) {
			return int(n)
		}
	}
	r.fail(name, v, "expected integer")
	return def
}

// Bytes accepts []byte or string. Path options arrive here already
// converted by sanitize.
func (r *optionReader) Bytes(name string) []byte {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return nil
	}
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	r.fail(name, v, "expected bytes")
	return nil
}

func (r *optionReader) Compression(def CompressionType) CompressionType {
	v, ok := r.lookup(OptCompression)
	if !ok {
		return def
	}
	switch c := v.(type) {
	case CompressionType:
		return c
	case string:
		return CompressionType(c)
	}
	r.fail(OptCompression, v, "expected compression type")
	return def
}

func (r *optionReader) CompactionStyle(def CompactionStyle) CompactionStyle {
	v, ok := r.lookup(OptCompactionStyle)
	if !ok {
		return def
	}
	switch c := v.(type) {
	case CompactionStyle:
		return c
	case string:
		return CompactionStyle(c)
	}
	r.fail(OptCompactionStyle, v, "expected compaction style")
	return def
}

// Snapshot returns the native snapshot token attached to read options.
func (r *optionReader) Snapshot() nativeSnapshot {
	v, ok := r.lookup(OptSnapshot)
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(*Snapshot)
	if !ok {
		r.fail(OptSnapshot, v, "expected *Snapshot")
		return nil
	}
	ns, err := s.nativeHandle()
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		return nil
	}
	return ns
}

// Skip marks names the engine accepts without acting on them.
func (r *optionReader) Skip(names ...string) {
	for _, name := range names {
		r.used[name] = true
	}
}

func (r *optionReader) Err() error {
	return r.err
}

// Unused returns the names present in the list that nobody read.
func (r *optionReader) Unused() []string {
	var result []string
	for _, name := range r.opts.Names() {
		if !r.used[name] {
			result = append(result, name)
		}
	}
	return result
}

// logUnused reports every unread name in a list of the given scope; what
// names the list in the log ("db", "cf:<name>", "write").
func (r *optionReader) logUnused(logger *slog.Logger, engine Engine, scope optionScope, what string) {
	if logger == nil {
		return
	}
	for _, name := range r.Unused() {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "option ignored", slog.String("engine", string(engine)), slog.String("scope", what), slog.String("option", name), slog.String("reason", ignoredReason(name, scope)))
	}
}

func ignoredReason(name string, scope optionScope) string {
	def, ok := knownOptions[name]
	switch {
	case !ok:
		return "unknown"
	case def.scope&scope == 0:
		return "not a " + scope.String() + " option"
	default:
		return "not supported by engine"
	}
}
