package kvbind

import "slices"

// isPathOption reports whether name is passed to engines as raw bytes
// rather than a Go string.
func isPathOption(name string) bool {
	def, ok := knownOptions[name]
	return ok && def.kind == kindPath
}

// sanitize prepares a db or column family option list for an engine.
// Path options given as strings are converted to []byte; each path option
// appears exactly once in the result, at the position of its first
// occurrence. A string value wins over a duplicate that is already []byte,
// and the first string value wins over later ones. Other pairs pass through
// unchanged.
func sanitize(opts Options) Options {
	if len(opts) == 0 {
		return nil
	}

	var converted map[string][]byte
	for _, o := range opts {
		if !isPathOption(o.Name) {
			continue
		}
		s, ok := o.Value.(string)
		if !ok {
			continue
		}
		if _, dup := converted[o.Name]; dup {
			continue
		}
		if converted == nil {
			converted = make(map[string][]byte)
		}
		converted[o.Name] = []byte(s)
	}

	result := make(Options, 0, len(opts))
	var emitted []string
	for _, o := range opts {
		if !isPathOption(o.Name) {
			result = append(result, o)
			continue
		}
		if slices.Contains(emitted, o.Name) {
			continue
		}
		emitted = append(emitted, o.Name)
		if b, ok := converted[o.Name]; ok {
			result = append(result, Option{Name: o.Name, Value: b})
		} else {
			result = append(result, o)
		}
	}
	return result
}

// readConfig holds the read-time flags that belong to the binding rather
// than the engine.
type readConfig struct {
	Decode bool
}

// splitReadOptions extracts binding-level read flags. The returned native
// list never contains them.
func splitReadOptions(opts Options) (readConfig, Options, error) {
	var rc readConfig
	if !opts.Has(OptDecode) {
		return rc, opts, nil
	}
	native := make(Options, 0, len(opts))
	seen := false
	for _, o := range opts {
		if o.Name != OptDecode {
			native = append(native, o)
			continue
		}
		if seen {
			continue
		}
		seen = true
		v, ok := o.Value.(bool)
		if !ok {
			return rc, nil, &OptionError{Name: o.Name, Value: o.Value, Msg: "expected bool"}
		}
		rc.Decode = v
	}
	return rc, native, nil
}
