package kvbind

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for any use of a closed DB, including a second
	// Close.
	ErrClosed = errors.New("kvbind: database closed")

	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("kvbind: cannot decode value")

	ErrSnapshotReleased = errors.New("kvbind: snapshot released")
	ErrNotSupported     = errors.New("kvbind: not supported by engine")

	// ErrBusy is returned when open snapshots keep an engine from closing,
	// or from growing its file during a write. The DB stays usable.
	ErrBusy = errors.New("kvbind: open snapshots")

	errCursorClosed = errors.New("kvbind: cursor closed")

	// ErrStopFold can be returned by a fold callback to stop early without
	// failing the fold.
	ErrStopFold = errors.New("kvbind: stop fold")
)

// DecodeError reports stored bytes that are not a valid encoded value.
type DecodeError struct {
	Data     []byte
	Off      int
	Encoding Encoding
	Err      error
	Msg      string
}

func decodeErrf(data []byte, off int, enc Encoding, err error, format string, args ...any) error {
	return &DecodeError{data, off, enc, err, fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// OptionError reports a recognized option carrying a value the engine
// cannot use.
type OptionError struct {
	Engine Engine
	Name   string
	Value  any
	Msg    string
}

func (e *OptionError) Error() string {
	if e.Engine != "" {
		return fmt.Sprintf("%s: option %s=%v: %s", e.Engine, e.Name, e.Value, e.Msg)
	}
	return fmt.Sprintf("option %s=%v: %s", e.Name, e.Value, e.Msg)
}

func withEngine(err error, eng Engine) error {
	var oe *OptionError
	if errors.As(err, &oe) && oe.Engine == "" {
		oe.Engine = eng
	}
	return err
}
